// Package monitor publishes the mixer's per-tick state and effect progress
// to WebSocket clients as JSON events.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zsiec/dvswitch/internal/dv"
	"github.com/zsiec/dvswitch/internal/media"
	"github.com/zsiec/dvswitch/internal/mixer"
)

// Hub implements mixer.Monitor. PutFrames only parks the latest snapshot;
// the hub goroutine computes levels, encodes events and fans them out to
// clients, dropping events for clients that fall behind.
type Hub struct {
	log      *slog.Logger
	codec    dv.Codec
	upgrader websocket.Upgrader

	snapshots chan snapshot

	mu      sync.RWMutex
	clients map[string]*client

	skipped atomic.Int64

	// Hub goroutine state.
	levelsFailing bool
}

var _ mixer.Monitor = (*Hub)(nil)

// NewHub creates a Hub. A nil codec disables level metering; if log is
// nil, slog.Default() is used.
func NewHub(codec dv.Codec, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if codec == nil {
		codec = dv.Unavailable{}
	}
	return &Hub{
		log:   log.With("component", "monitor"),
		codec: codec,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		snapshots: make(chan snapshot, 1),
		clients:   make(map[string]*client),
	}
}

// PutFrames is called on the mixer goroutine and never blocks. A snapshot
// not yet picked up by the hub is replaced.
func (h *Hub) PutFrames(sources []*media.Frame, settings mixer.MixSettings, mixed *media.Frame, mixedRaw *dv.RawFrame) {
	s := snapshot{sources: sources, settings: settings, mixed: mixed, raw: mixedRaw}
	select {
	case h.snapshots <- s:
		return
	default:
	}
	select {
	case <-h.snapshots:
		h.skipped.Add(1)
	default:
	}
	select {
	case h.snapshots <- s:
	default:
	}
}

// Run publishes snapshots and progress events until ctx is cancelled or
// progress is closed, then disconnects every client. progress may be nil.
func (h *Hub) Run(ctx context.Context, progress <-chan mixer.ProgressEvent) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-h.snapshots:
			h.broadcast(tickEvent(s, h.levels(s.mixed)))
		case ev, ok := <-progress:
			if !ok {
				return nil
			}
			h.broadcast(ProgressEvent{Type: EventProgress, ProgressEvent: ev})
		}
	}
}

// levels meters the mixed frame's audio, or returns nil if it cannot be
// decoded.
func (h *Hub) levels(f *media.Frame) *[2]int {
	audio, err := h.codec.DecodeAudio(f.Buffer)
	if err != nil {
		if !h.levelsFailing {
			h.levelsFailing = true
			h.log.Debug("audio levels unavailable", "error", err)
		}
		return nil
	}
	h.levelsFailing = false
	l := dv.Levels(audio)
	return &l
}

func (h *Hub) broadcast(ev any) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("encoding event", "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.enqueue(msg)
	}
}

// ServeHTTP upgrades the request to a WebSocket and subscribes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := newClient(uuid.NewString(), conn, h)

	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("client connected", "client", c.id, "remote", r.RemoteAddr, "clients", n)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if ok {
		c.close()
		h.log.Info("client disconnected", "client", c.id, "dropped", c.dropped.Load())
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Skipped returns how many snapshots were replaced before the hub
// published them.
func (h *Hub) Skipped() int64 {
	return h.skipped.Load()
}
