package srt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/dvswitch/internal/ingest"
)

// Server accepts incoming SRT publish connections and adds each one to
// the mixer as a source.
type Server struct {
	log      *slog.Logger
	addr     string
	mix      Mixer
	registry *ingest.Registry
}

// NewServer creates an SRT server that listens on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, mix Mixer, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		mix:      mix,
		registry: registry,
	}
}

// Run accepts SRT publish connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if _, taken := s.registry.Get(sourceKey(req.StreamID)); taken {
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		streamKey := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", streamKey, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, streamKey)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, streamKey string) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	stats, err := feed(ctx, conn, s.mix, s.registry, ingest.ProtocolSRT+":"+streamKey,
		"srt://"+remote+"?streamid="+streamKey, remote, s.log)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("source stream failed", "stream_key", streamKey, "error", err)
	}
	s.log.Info("connection closed", "stream_key", streamKey,
		"bytes", stats.BytesReceived, "frames", stats.Frames,
		"uptime_ms", stats.UptimeMs)
}

// sourceKey is the ingest registry key a stream id publishes under.
func sourceKey(streamID string) string {
	return ingest.ProtocolSRT + ":" + extractStreamKey(streamID)
}

// extractStreamKey derives the source name from an SRT stream id.
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
