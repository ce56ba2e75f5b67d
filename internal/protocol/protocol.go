// Package protocol defines the TCP wire format spoken between the switcher
// and its sources and sinks: a 4-byte greeting identifying the peer's role,
// raw DIF frames from sources, header-prefixed frames to sinks and 4-byte
// tally messages to activation sources.
package protocol

import (
	"errors"
	"fmt"
)

// GreetingSize is the length of every greeting.
const GreetingSize = 4

// Greetings sent by a peer immediately after connecting.
var (
	GreetingSource           = [GreetingSize]byte{'S', 'O', 'R', 'C'}
	GreetingActivationSource = [GreetingSize]byte{'A', 'S', 'R', 'C'}
	GreetingSink             = [GreetingSize]byte{'S', 'I', 'N', 'K'}
	GreetingRawSink          = [GreetingSize]byte{'R', 'S', 'N', 'K'}
	GreetingRecordingSink    = [GreetingSize]byte{'R', 'E', 'C', 'S'}
)

// ErrUnknownGreeting is returned by ParseGreeting for unrecognized bytes.
var ErrUnknownGreeting = errors.New("protocol: unknown greeting")

// Role is the kind of peer announced by a greeting.
type Role int

const (
	RoleSource Role = iota
	RoleActivationSource
	RoleSink
	RoleRawSink
	RoleRecordingSink
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleActivationSource:
		return "activation-source"
	case RoleSink:
		return "sink"
	case RoleRawSink:
		return "raw-sink"
	case RoleRecordingSink:
		return "recording-sink"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// IsSource reports whether the peer sends frames to the switcher.
func (r Role) IsSource() bool {
	return r == RoleSource || r == RoleActivationSource
}

// ParseGreeting maps greeting bytes to a Role.
func ParseGreeting(b []byte) (Role, error) {
	if len(b) != GreetingSize {
		return 0, fmt.Errorf("%w: length %d", ErrUnknownGreeting, len(b))
	}
	switch [GreetingSize]byte(b) {
	case GreetingSource:
		return RoleSource, nil
	case GreetingActivationSource:
		return RoleActivationSource, nil
	case GreetingSink:
		return RoleSink, nil
	case GreetingRawSink:
		return RoleRawSink, nil
	case GreetingRecordingSink:
		return RoleRecordingSink, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownGreeting, b)
}

// Greeting returns the bytes a peer of role r sends.
func (r Role) Greeting() [GreetingSize]byte {
	switch r {
	case RoleActivationSource:
		return GreetingActivationSource
	case RoleSink:
		return GreetingSink
	case RoleRawSink:
		return GreetingRawSink
	case RoleRecordingSink:
		return GreetingRecordingSink
	}
	return GreetingSource
}

// SinkHeaderSize is the length of the header preceding each frame sent to
// a (non-raw) sink.
const SinkHeaderSize = 4

// SinkFlag is the first byte of a sink frame header.
type SinkFlag byte

const (
	FlagNone     SinkFlag = 0
	FlagCut      SinkFlag = 'C'
	FlagOverflow SinkFlag = 'O'
	FlagStop     SinkFlag = 'S'
)

// SinkHeader builds a frame header; the remaining bytes are reserved zero.
func SinkHeader(flag SinkFlag) [SinkHeaderSize]byte {
	return [SinkHeaderSize]byte{byte(flag)}
}

// ParseSinkHeader returns the flag of a received header.
func ParseSinkHeader(b []byte) (SinkFlag, error) {
	if len(b) < SinkHeaderSize {
		return 0, fmt.Errorf("protocol: sink header too short: %d", len(b))
	}
	return SinkFlag(b[0]), nil
}

// TallySize is the length of an activation message.
const TallySize = 4

const tallyVideoBit = 0x01

// Tally builds the activation message sent to an activation source.
func Tally(videoActive bool) [TallySize]byte {
	var msg [TallySize]byte
	if videoActive {
		msg[0] |= tallyVideoBit
	}
	return msg
}

// ParseTally reports whether the video bit is set in an activation message.
func ParseTally(b []byte) (bool, error) {
	if len(b) < TallySize {
		return false, fmt.Errorf("protocol: tally message too short: %d", len(b))
	}
	return b[0]&tallyVideoBit != 0, nil
}
