// Package ingest tracks live source connections, TCP and SRT alike, and
// their connection-level counters for the status API.
package ingest

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicateKey is returned when a key is already registered.
var ErrDuplicateKey = errors.New("ingest: key already registered")

// Protocols a source may arrive over.
const (
	ProtocolTCP = "tcp"
	ProtocolSRT = "srt"
)

// Stats captures connection-level metrics for one source connection.
type Stats struct {
	Key           string `json:"key"`
	Protocol      string `json:"protocol"`
	SourceID      int    `json:"sourceId"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	Frames        int64  `json:"frames"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is one registered source connection. Counters are updated by the
// goroutine reading the connection and read by the API.
type Stream struct {
	Key       string
	Protocol  string
	StartedAt time.Time

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	frames        atomic.Int64
	sourceID      atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead adds one completed read of n bytes.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// RecordFrame counts a frame handed to the mixer.
func (s *Stream) RecordFrame() {
	s.frames.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// SetSourceID records the mixer id assigned to the connection.
func (s *Stream) SetSourceID(id int) {
	s.sourceID.Store(int64(id))
}

// Stats returns a snapshot of the stream's counters.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		Key:           s.Key,
		Protocol:      s.Protocol,
		SourceID:      int(s.sourceID.Load()),
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		Frames:        s.frames.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active source connections by key.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*Stream)}
}

// Register adds a stream under key. Keys must be unique among live streams.
func (r *Registry) Register(key, protocol string) (*Stream, error) {
	stream := &Stream{
		Key:       key,
		Protocol:  protocol,
		StartedAt: time.Now(),
	}
	stream.sourceID.Store(-1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[key]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	r.streams[key] = stream
	return stream, nil
}

// Unregister removes a stream by key and returns its final counters.
func (r *Registry) Unregister(key string) (Stats, bool) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if !ok {
		return Stats{}, false
	}
	return stream.Stats(), true
}

// Get returns the Stream for the given key, or false if not found.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns stats for every live stream, ordered by key.
func (r *Registry) List() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Stats) int { return strings.Compare(a.Key, b.Key) })
	return out
}
