package srt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/zsiec/dvswitch/internal/dv"
	"github.com/zsiec/dvswitch/internal/dv/dvtest"
	"github.com/zsiec/dvswitch/internal/ingest"
	"github.com/zsiec/dvswitch/internal/media"
	"github.com/zsiec/dvswitch/internal/mixer"
)

type mockMixer struct {
	mu       sync.Mutex
	settings []mixer.SourceSettings
	sources  []mixer.Source
	frames   []*media.Frame
	removed  []mixer.SourceID
}

func (m *mockMixer) AddSource(src mixer.Source, settings mixer.SourceSettings) mixer.SourceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, src)
	m.settings = append(m.settings, settings)
	return mixer.SourceID(len(m.sources) - 1)
}

func (m *mockMixer) RemoveSource(id mixer.SourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
}

func (m *mockMixer) PutFrame(_ mixer.SourceID, f *media.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, f)
}

// chunkReader returns at most n bytes per Read, like SRT message reads.
type chunkReader struct {
	r io.Reader
	n int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}

func TestFeedReadsFramesUntilEOF(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.Write(dvtest.PAL(1))
	stream.Write(dvtest.PAL(2))
	stream.Write(dvtest.NTSC(3))

	mix := &mockMixer{}
	registry := ingest.NewRegistry()
	stats, err := feed(context.Background(), &chunkReader{r: &stream, n: 1316}, mix, registry,
		"srt:cam1", "srt://192.0.2.1:9000?streamid=cam1", "192.0.2.1:9000", nil)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}

	if len(mix.frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(mix.frames))
	}
	for i, want := range []byte{1, 2, 3} {
		if got := dvtest.Marker(mix.frames[i].Buffer); got != want {
			t.Errorf("frame %d marker = %d, want %d", i, got, want)
		}
	}
	if mix.frames[2].Profile.System != dv.System525_60 {
		t.Errorf("frame 2 system = %v, want 525-60", mix.frames[2].Profile.System)
	}

	if mix.settings[0].Name != "srt:cam1" || !mix.settings[0].UseVideo || !mix.settings[0].UseAudio {
		t.Errorf("source settings = %+v", mix.settings[0])
	}
	if stats.Frames != 3 {
		t.Errorf("stats.Frames = %d, want 3", stats.Frames)
	}
	wantBytes := int64(2*dv.System625_50.Size + dv.System525_60.Size)
	if stats.BytesReceived != wantBytes {
		t.Errorf("stats.BytesReceived = %d, want %d", stats.BytesReceived, wantBytes)
	}
	if stats.Protocol != ingest.ProtocolSRT || stats.RemoteAddr != "192.0.2.1:9000" {
		t.Errorf("stats = %+v", stats)
	}

	if len(mix.removed) != 1 || mix.removed[0] != 0 {
		t.Errorf("removed = %v, want [0]", mix.removed)
	}
	if len(registry.List()) != 0 {
		t.Error("stream still registered after feed returned")
	}
}

func TestFeedTruncatedFrame(t *testing.T) {
	t.Parallel()

	frame := dvtest.PAL(1)
	mix := &mockMixer{}
	_, err := feed(context.Background(), bytes.NewReader(frame[:dv.SequenceSize+100]), mix,
		ingest.NewRegistry(), "srt:cam", "", "", nil)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want ErrUnexpectedEOF", err)
	}
	if len(mix.frames) != 0 {
		t.Errorf("frames = %d, want 0", len(mix.frames))
	}
	if len(mix.removed) != 1 {
		t.Error("source not removed")
	}
}

func TestFeedRejectsNonDV(t *testing.T) {
	t.Parallel()

	junk := bytes.Repeat([]byte{0xff}, dv.SequenceSize)
	_, err := feed(context.Background(), bytes.NewReader(junk), &mockMixer{},
		ingest.NewRegistry(), "srt:junk", "", "", nil)
	if !errors.Is(err, dv.ErrNotDV) {
		t.Fatalf("err = %v, want ErrNotDV", err)
	}
}

func TestFeedDuplicateKey(t *testing.T) {
	t.Parallel()

	registry := ingest.NewRegistry()
	if _, err := registry.Register("srt:cam", ingest.ProtocolSRT); err != nil {
		t.Fatal(err)
	}
	mix := &mockMixer{}
	_, err := feed(context.Background(), bytes.NewReader(nil), mix, registry, "srt:cam", "", "", nil)
	if !errors.Is(err, ingest.ErrDuplicateKey) {
		t.Fatalf("err = %v, want ErrDuplicateKey", err)
	}
	if len(mix.sources) != 0 {
		t.Error("source added despite duplicate key")
	}
}

func TestFeedStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mix := &mockMixer{}
	_, err := feed(ctx, bytes.NewReader(dvtest.PAL(1)), mix, ingest.NewRegistry(), "srt:cam", "", "", nil)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(mix.frames) != 0 {
		t.Errorf("frames = %d, want 0", len(mix.frames))
	}
}

func TestPullRequestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     PullRequest
		wantErr bool
	}{
		{name: "complete", req: PullRequest{Address: "10.0.0.1:6000", StreamKey: "cam1"}},
		{name: "missing address", req: PullRequest{StreamKey: "cam1"}, wantErr: true},
		{name: "missing key", req: PullRequest{Address: "10.0.0.1:6000"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.req.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestPullRequestStreamID(t *testing.T) {
	t.Parallel()

	if got := (PullRequest{StreamKey: "cam1"}).streamID(); got != "live/cam1" {
		t.Errorf("default stream id = %q", got)
	}
	if got := (PullRequest{StreamKey: "cam1", StreamID: "custom"}).streamID(); got != "custom" {
		t.Errorf("explicit stream id = %q", got)
	}
}

func TestCallerStopUnknown(t *testing.T) {
	t.Parallel()

	c := NewCaller(&mockMixer{}, ingest.NewRegistry(), nil)
	if err := c.Stop("nope"); !errors.Is(err, ErrNoPull) {
		t.Fatalf("Stop = %v, want ErrNoPull", err)
	}
	if err := c.Pull(context.Background(), PullRequest{}); err == nil {
		t.Fatal("Pull accepted an empty request")
	}
	if pulls := c.ActivePulls(); len(pulls) != 0 {
		t.Errorf("ActivePulls = %v, want none", pulls)
	}
}
