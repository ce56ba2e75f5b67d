package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/dvswitch/internal/ingest"
)

// dialTimeout bounds how long Pull waits for the remote listener.
const dialTimeout = 10 * time.Second

// Errors returned by Caller.
var (
	ErrPullActive = errors.New("srt: pull already active")
	ErrNoPull     = errors.New("srt: no active pull")
)

// PullRequest describes a remote SRT source to pull from.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// Validate checks the request's required fields.
func (r PullRequest) Validate() error {
	if r.Address == "" {
		return errors.New("address is required")
	}
	if r.StreamKey == "" {
		return errors.New("streamKey is required")
	}
	return nil
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
	done   chan struct{}
}

// Caller manages SRT pull connections, dialing remote SRT listeners and
// adding each stream to the mixer as a source.
type Caller struct {
	log      *slog.Logger
	mix      Mixer
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(mix Mixer, registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		mix:      mix,
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials the remote SRT listener synchronously (with a timeout),
// returning an error if the connection fails. On success the stream is
// read in a background goroutine until ctx is cancelled or Stop is called.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	_, exists := c.pulls[req.StreamKey]
	c.mu.Unlock()
	if exists {
		return fmt.Errorf("%w for stream key %q", ErrPullActive, req.StreamKey)
	}

	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = req.streamID()

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return c.startStreaming(ctx, req, res.conn)
	case <-timer.C:
		abandon()
		return fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
}

func (r PullRequest) streamID() string {
	if r.StreamID != "" {
		return r.StreamID
	}
	return "live/" + r.StreamKey
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	pullCtx, cancel := context.WithCancel(ctx)
	ap := &activePull{req: req, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if _, exists := c.pulls[req.StreamKey]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("%w for stream key %q", ErrPullActive, req.StreamKey)
	}
	c.pulls[req.StreamKey] = ap
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	go func() {
		defer close(ap.done)
		stop := context.AfterFunc(pullCtx, func() { conn.Close() })
		defer func() {
			stop()
			conn.Close()
			cancel()
			c.mu.Lock()
			delete(c.pulls, req.StreamKey)
			c.mu.Unlock()
		}()

		stats, err := feed(pullCtx, conn, c.mix, c.registry, ingest.ProtocolSRT+":"+req.StreamKey,
			pullURL(req), req.Address, c.log)
		if err != nil && pullCtx.Err() == nil {
			c.log.Warn("pull failed", "stream_key", req.StreamKey, "error", err)
		}
		c.log.Info("pull ended", "stream_key", req.StreamKey,
			"bytes", stats.BytesReceived, "frames", stats.Frames,
			"uptime_ms", stats.UptimeMs)
	}()

	return nil
}

// Stop ends the pull for streamKey and waits for its source to be removed.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w for stream key %q", ErrNoPull, streamKey)
	}

	ap.cancel()
	<-ap.done
	return nil
}

// ActivePulls lists running pulls ordered by stream key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	slices.SortFunc(out, func(a, b PullRequest) int {
		return strings.Compare(a.StreamKey, b.StreamKey)
	})
	return out
}

func pullURL(req PullRequest) string {
	return "srt://" + req.Address + "?streamid=" + req.streamID()
}
