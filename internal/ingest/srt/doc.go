// Package srt feeds DV sources into the mixer over SRT (Secure Reliable
// Transport), both in listener mode (Server) for cameras that push and in
// caller mode (Caller) for pulling from remote SRT listeners. The payload
// is the same raw DIF frame stream a TCP source sends after its greeting.
package srt
