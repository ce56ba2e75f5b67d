package srt

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/dvswitch/internal/dv"
	"github.com/zsiec/dvswitch/internal/ingest"
	"github.com/zsiec/dvswitch/internal/media"
	"github.com/zsiec/dvswitch/internal/mixer"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Mixer is the subset of mixer.Mixer an SRT source registers with.
type Mixer interface {
	AddSource(src mixer.Source, settings mixer.SourceSettings) mixer.SourceID
	RemoveSource(id mixer.SourceID)
	PutFrame(id mixer.SourceID, frame *media.Frame)
}

// source is a mixer source fed over SRT. SRT peers have no back channel,
// so activation changes are only logged.
type source struct {
	log *slog.Logger
}

func (s *source) SetActive(a mixer.Activation) {
	s.log.Debug("activation changed", "video", a == mixer.ActiveVideo)
}

// countingReader records every read against an ingest stream.
type countingReader struct {
	r      io.Reader
	stream *ingest.Stream
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.stream.RecordRead(n)
	}
	return n, err
}

// feed registers a mixer source named key and passes it every DIF frame
// read from r until r fails or ctx is cancelled. The source is removed
// and the stream unregistered before feed returns.
func feed(ctx context.Context, r io.Reader, mix Mixer, registry *ingest.Registry,
	key, url, remote string, log *slog.Logger) (ingest.Stats, error) {
	stream, err := registry.Register(key, ingest.ProtocolSRT)
	if err != nil {
		return ingest.Stats{}, err
	}
	stream.SetRemoteAddr(remote)

	if log == nil {
		log = slog.Default()
	}
	log = log.With("stream_key", key)
	id := mix.AddSource(&source{log: log}, mixer.SourceSettings{
		Name:     key,
		URL:      url,
		UseVideo: true,
		UseAudio: true,
	})
	stream.SetSourceID(int(id))

	defer func() {
		mix.RemoveSource(id)
		registry.Unregister(key)
	}()

	cr := &countingReader{r: r, stream: stream}
	for ctx.Err() == nil {
		frame := media.NewFrame()
		n, p, err := dv.ReadFrame(cr, frame.Buffer[:cap(frame.Buffer)])
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return stream.Stats(), err
		}
		frame.Buffer = frame.Buffer[:n]
		frame.Profile = p
		mix.PutFrame(id, frame)
		stream.RecordFrame()
	}
	return stream.Stats(), nil
}
