// Package mixer holds the switcher's mix settings and a small inbound queue
// per source. A clock goroutine samples one frame per source at the frame
// rate and hands each snapshot to a mixer goroutine, which composes the
// output frame and passes it to the monitor and every sink.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/dvswitch/internal/dv"
	"github.com/zsiec/dvswitch/internal/media"
	"github.com/zsiec/dvswitch/internal/ring"
)

// Source queues aim to hold TargetQueueLen frames, two frame times of
// added latency. A queue reaching FullQueueLen is trimmed back to the
// target on the next tick.
const (
	TargetQueueLen = 2
	FullQueueLen   = 2 * TargetQueueLen

	mixQueueLen      = 10
	progressQueueLen = 16
)

// Registry errors.
var (
	ErrNoSuchSource   = errors.New("mixer: no such source")
	ErrSourceDisabled = errors.New("mixer: source disabled for this use")
)

// SourceID identifies a registered source. IDs are reused, lowest first,
// once the source is removed.
type SourceID int

// NoSource is the audio source setting that keeps each frame's own audio.
const NoSource SourceID = -1

// SinkID identifies a registered sink.
type SinkID int

// Activation tells a source whether it is visible in the output.
type Activation int

const (
	ActiveNone Activation = iota
	ActiveVideo
)

// Source is notified when its activation changes, for tally lights.
type Source interface {
	SetActive(Activation)
}

// Sink receives every output frame at the frame rate. The frame is shared
// with other sinks and the monitor and must not be modified. PutFrame is
// called on the mixer goroutine and must not block.
type Sink interface {
	PutFrame(frame *media.Frame)
}

// Monitor receives each tick's source frames, settings and output. Source
// slots may be nil. mixedRaw is nil unless the mix decoded video. Called on
// the mixer goroutine; it must return quickly.
type Monitor interface {
	PutFrames(sources []*media.Frame, settings MixSettings, mixed *media.Frame, mixedRaw *dv.RawFrame)
}

// SourceSettings describe a source as configured by the operator.
type SourceSettings struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	UseVideo bool   `json:"useVideo"`
	UseAudio bool   `json:"useAudio"`
}

// MixSettings are read once per tick. CutBefore is cleared after the tick
// that consumed it.
type MixSettings struct {
	VideoMix    VideoMix
	AudioSource SourceID
	Record      bool
	CutBefore   bool
}

// FormatSettings is the output format. A nil System means the format is
// adopted from the first frame received.
type FormatSettings struct {
	System     *dv.System
	Aspect     dv.Aspect
	SampleRate dv.SampleRate
}

// ProgressEvent reports fade progress in milliseconds. The last event of a
// fade has More set to false.
type ProgressEvent struct {
	Min     int64 `json:"min"`
	Current int64 `json:"current"`
	Max     int64 `json:"max"`
	More    bool  `json:"more"`
}

// SourceInfo is a point-in-time view of one registered source.
type SourceInfo struct {
	ID        SourceID       `json:"id"`
	Settings  SourceSettings `json:"settings"`
	QueueLen  int            `json:"queueLen"`
	Dropped   int64          `json:"dropped"`
	Active    bool           `json:"active"`
	Overflow  bool           `json:"overflow"`
	FormatErr bool           `json:"formatError"`
}

// Stats captures mixer counters for the status API.
type Stats struct {
	Ticks          int64 `json:"ticks"`
	MixQueueDrops  int64 `json:"mixQueueDrops"`
	SkippedTicks   int64 `json:"skippedTicks"`
	RepeatedFrames int64 `json:"repeatedFrames"`
	CodecErrors    int64 `json:"codecErrors"`
	Sources        int   `json:"sources"`
	Sinks          int   `json:"sinks"`
}

type sourceSlot struct {
	src       Source
	settings  SourceSettings
	queue     *ring.Ring[*media.Frame]
	active    Activation
	told      bool
	overflow  bool
	formatErr bool
	dropped   int64
}

type sinkSlot struct {
	sink      Sink
	recording bool
}

type clockState int

const (
	clockWait clockState = iota
	clockRun
	clockStop
)

// mixData is one tick's snapshot, produced by the clock and consumed once
// by the mixer goroutine.
type mixData struct {
	serial   uint64
	frames   []*media.Frame
	format   FormatSettings
	settings MixSettings
	tickTime time.Time
}

// Mixer owns the source and sink registries, the mix settings and the two
// worker goroutines started by Run.
type Mixer struct {
	log   *slog.Logger
	codec dv.Codec

	sourceMu   sync.Mutex
	clockCond  *sync.Cond
	clockState clockState
	sources    []*sourceSlot
	settings   MixSettings
	format     FormatSettings
	tickSerial uint64
	presets    PresetFunc

	mixQueue chan *mixData
	progress chan ProgressEvent
	stopCh   chan struct{}
	stopOnce sync.Once

	sinkMu  sync.RWMutex
	sinks   []*sinkSlot
	monitor Monitor

	// Mixer goroutine state.
	serial       uint32
	lastMixed    *media.Frame
	codecFailing bool
	finishedFade Fade

	ticks          atomic.Int64
	mixQueueDrops  atomic.Int64
	skippedTicks   atomic.Int64
	repeatedFrames atomic.Int64
	codecErrors    atomic.Int64
}

// New creates a Mixer with an automatic format. A nil codec means
// dv.Unavailable; a nil log means slog.Default().
func New(codec dv.Codec, log *slog.Logger) *Mixer {
	if log == nil {
		log = slog.Default()
	}
	if codec == nil {
		codec = dv.Unavailable{}
	}
	m := &Mixer{
		log:      log.With("component", "mixer"),
		codec:    codec,
		settings: MixSettings{AudioSource: NoSource},
		mixQueue: make(chan *mixData, mixQueueLen),
		progress: make(chan ProgressEvent, progressQueueLen),
		stopCh:   make(chan struct{}),
	}
	m.clockCond = sync.NewCond(&m.sourceMu)
	return m
}

// Run starts the clock and mixer goroutines and blocks until ctx is
// cancelled or Stop is called. The clock stays idle until Start.
func (m *Mixer) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, m.Stop)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		m.runClock()
		close(m.mixQueue)
		return nil
	})
	g.Go(func() error {
		for d := range m.mixQueue {
			m.mix(d)
		}
		close(m.progress)
		return nil
	})
	return g.Wait()
}

// Start lets the clock tick. It has no effect after Stop.
func (m *Mixer) Start() {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()
	if m.clockState == clockWait {
		m.clockState = clockRun
		m.clockCond.Broadcast()
		m.log.Info("clock started")
	}
}

// Stop ends the clock; the mixer goroutine drains queued ticks and exits.
func (m *Mixer) Stop() {
	m.stopOnce.Do(func() {
		m.sourceMu.Lock()
		m.clockState = clockStop
		m.clockCond.Broadcast()
		m.sourceMu.Unlock()
		close(m.stopCh)
		m.log.Info("stopping")
	})
}

// PresetFunc adjusts the settings a source registers with, given the id
// it is assigned.
type PresetFunc func(id SourceID, settings SourceSettings) SourceSettings

// SetPresets installs fn to be applied by AddSource. A nil fn removes it.
func (m *Mixer) SetPresets(fn PresetFunc) {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()
	m.presets = fn
}

// AddSource registers a source. The first source registered while no mix
// is set becomes the video and audio source.
func (m *Mixer) AddSource(src Source, settings SourceSettings) SourceID {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()

	id := SourceID(len(m.sources))
	if i := slices.Index(m.sources, nil); i >= 0 {
		id = SourceID(i)
	}
	if m.presets != nil {
		settings = m.presets(id, settings)
	}
	slot := &sourceSlot{
		src:      src,
		settings: settings,
		queue:    ring.New[*media.Frame](FullQueueLen),
	}
	if int(id) < len(m.sources) {
		m.sources[id] = slot
	} else {
		m.sources = append(m.sources, slot)
	}

	if m.settings.VideoMix == nil {
		m.settings.VideoMix = Simple{Primary: id}
		m.settings.AudioSource = id
	}
	m.updateTallyLocked()

	m.log.Info("source added", "source", id, "name", settings.Name)
	return id
}

// RemoveSource unregisters a source, discarding its queued frames.
func (m *Mixer) RemoveSource(id SourceID) {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()

	if m.slotLocked(id) == nil {
		return
	}
	m.sources[id] = nil
	for len(m.sources) > 0 && m.sources[len(m.sources)-1] == nil {
		m.sources = m.sources[:len(m.sources)-1]
	}
	m.log.Info("source removed", "source", id)
}

// SourceSettings returns the settings of a registered source.
func (m *Mixer) SourceSettings(id SourceID) (SourceSettings, error) {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()
	s := m.slotLocked(id)
	if s == nil {
		return SourceSettings{}, fmt.Errorf("%w: %d", ErrNoSuchSource, id)
	}
	return s.settings, nil
}

// SetSourceSettings replaces the settings of a registered source. A use
// cannot be disabled while the current mix relies on it.
func (m *Mixer) SetSourceSettings(id SourceID, settings SourceSettings) error {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()
	s := m.slotLocked(id)
	if s == nil {
		return fmt.Errorf("%w: %d", ErrNoSuchSource, id)
	}
	if !settings.UseVideo && m.settings.VideoMix != nil && slices.Contains(m.settings.VideoMix.SourceIDs(), id) {
		return fmt.Errorf("%w: source %d video is in the mix", ErrSourceDisabled, id)
	}
	if !settings.UseAudio && m.settings.AudioSource == id {
		return fmt.Errorf("%w: source %d is the audio source", ErrSourceDisabled, id)
	}
	s.settings = settings
	return nil
}

// Sources lists the registered sources in id order.
func (m *Mixer) Sources() []SourceInfo {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()

	out := make([]SourceInfo, 0, len(m.sources))
	for id, s := range m.sources {
		if s == nil {
			continue
		}
		out = append(out, SourceInfo{
			ID:        SourceID(id),
			Settings:  s.settings,
			QueueLen:  s.queue.Len(),
			Dropped:   s.dropped,
			Active:    s.active == ActiveVideo,
			Overflow:  s.overflow,
			FormatErr: s.formatErr,
		})
	}
	return out
}

// PutFrame queues a completed frame from a source. If the queue is full
// the oldest frame is discarded. The frame must not be modified after this
// call.
func (m *Mixer) PutFrame(id SourceID, frame *media.Frame) {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()

	s := m.slotLocked(id)
	if s == nil {
		return
	}

	switch {
	case m.format.System == nil:
		m.format = FormatSettings{
			System:     frame.Profile.System,
			Aspect:     frame.Profile.Aspect,
			SampleRate: frame.Profile.SampleRate,
		}
		m.clockCond.Broadcast()
		m.log.Info("format adopted", "source", id,
			"system", m.format.System, "aspect", m.format.Aspect,
			"sample_rate", m.format.SampleRate)
	case frame.Profile.System != m.format.System:
		frame.FormatError = true
	}
	if frame.FormatError != s.formatErr {
		s.formatErr = frame.FormatError
		if frame.FormatError {
			m.log.Warn("source format mismatch", "source", id,
				"system", frame.Profile.System, "want", m.format.System)
		}
	}

	if s.queue.Full() {
		s.queue.Pop()
		s.dropped++
		if !s.overflow {
			s.overflow = true
			m.log.Warn("source queue overflow, dropping oldest frames", "source", id)
		}
	} else if s.overflow {
		s.overflow = false
		m.log.Info("source queue recovered", "source", id, "dropped", s.dropped)
	}
	s.queue.Push(frame)
}

// AddSink registers a sink. Recording sinks make CanRecord true.
func (m *Mixer) AddSink(sink Sink, recording bool) SinkID {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()

	slot := &sinkSlot{sink: sink, recording: recording}
	id := SinkID(len(m.sinks))
	if i := slices.Index(m.sinks, nil); i >= 0 {
		id = SinkID(i)
		m.sinks[i] = slot
	} else {
		m.sinks = append(m.sinks, slot)
	}
	m.log.Info("sink added", "sink", id, "recording", recording)
	return id
}

// RemoveSink unregisters a sink.
func (m *Mixer) RemoveSink(id SinkID) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()

	if id < 0 || int(id) >= len(m.sinks) || m.sinks[id] == nil {
		return
	}
	m.sinks[id] = nil
	for len(m.sinks) > 0 && m.sinks[len(m.sinks)-1] == nil {
		m.sinks = m.sinks[:len(m.sinks)-1]
	}
	m.log.Info("sink removed", "sink", id)
}

// SetMonitor installs the monitor; nil removes it.
func (m *Mixer) SetMonitor(mon Monitor) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.monitor = mon
}

// CanRecord reports whether any recording sink is registered.
func (m *Mixer) CanRecord() bool {
	m.sinkMu.RLock()
	defer m.sinkMu.RUnlock()
	for _, s := range m.sinks {
		if s != nil && s.recording {
			return true
		}
	}
	return false
}

func (m *Mixer) sinkCount() int {
	m.sinkMu.RLock()
	defer m.sinkMu.RUnlock()
	n := 0
	for _, s := range m.sinks {
		if s != nil {
			n++
		}
	}
	return n
}

// Format returns the current output format.
func (m *Mixer) Format() FormatSettings {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()
	return m.format
}

// SetFormat fixes the output format, or with a nil System returns to
// adopting the format of the next frame received.
func (m *Mixer) SetFormat(f FormatSettings) {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()
	m.format = f
	m.clockCond.Broadcast()
	m.log.Info("format set", "system", f.System, "aspect", f.Aspect, "sample_rate", f.SampleRate)
}

// MixSettings returns a copy of the current settings.
func (m *Mixer) MixSettings() MixSettings {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()
	return m.settings
}

// SetVideoMix validates and installs a video mix, then updates tallies.
// On error the active mix is unchanged.
func (m *Mixer) SetVideoMix(vm VideoMix) error {
	if err := validateVideoMix(vm); err != nil {
		return err
	}

	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()

	for _, id := range vm.SourceIDs() {
		s := m.slotLocked(id)
		if s == nil {
			return fmt.Errorf("%w: %d", ErrNoSuchSource, id)
		}
		if !s.settings.UseVideo {
			return fmt.Errorf("%w: source %d video", ErrSourceDisabled, id)
		}
	}
	m.settings.VideoMix = vm
	m.updateTallyLocked()
	m.log.Info("video mix set", "kind", MixKind(vm), "sources", vm.SourceIDs())
	return nil
}

// SetAudioSource selects the source whose audio is used for the output.
// NoSource keeps the audio of the video frame.
func (m *Mixer) SetAudioSource(id SourceID) error {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()

	if id != NoSource {
		s := m.slotLocked(id)
		if s == nil {
			return fmt.Errorf("%w: %d", ErrNoSuchSource, id)
		}
		if !s.settings.UseAudio {
			return fmt.Errorf("%w: source %d audio", ErrSourceDisabled, id)
		}
	}
	m.settings.AudioSource = id
	m.log.Info("audio source set", "source", id)
	return nil
}

// Cut asks sinks to start a new file before the next frame.
func (m *Mixer) Cut() {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()
	m.settings.CutBefore = true
}

// EnableRecord sets the record flag carried by output frames.
func (m *Mixer) EnableRecord(on bool) {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()
	if m.settings.Record != on {
		m.settings.Record = on
		m.log.Info("record", "enabled", on)
	}
}

// ProgressEvents delivers fade progress. The channel is closed when Run
// returns.
func (m *Mixer) ProgressEvents() <-chan ProgressEvent {
	return m.progress
}

// Stats returns a snapshot of mixer counters.
func (m *Mixer) Stats() Stats {
	m.sourceMu.Lock()
	sources := 0
	for _, s := range m.sources {
		if s != nil {
			sources++
		}
	}
	m.sourceMu.Unlock()

	return Stats{
		Ticks:          m.ticks.Load(),
		MixQueueDrops:  m.mixQueueDrops.Load(),
		SkippedTicks:   m.skippedTicks.Load(),
		RepeatedFrames: m.repeatedFrames.Load(),
		CodecErrors:    m.codecErrors.Load(),
		Sources:        sources,
		Sinks:          m.sinkCount(),
	}
}

func (m *Mixer) slotLocked(id SourceID) *sourceSlot {
	if id < 0 || int(id) >= len(m.sources) {
		return nil
	}
	return m.sources[id]
}

// updateTallyLocked tells each source whether the current mix uses it.
func (m *Mixer) updateTallyLocked() {
	var visible []SourceID
	if m.settings.VideoMix != nil {
		visible = m.settings.VideoMix.SourceIDs()
	}
	for id, s := range m.sources {
		if s == nil {
			continue
		}
		want := ActiveNone
		if slices.Contains(visible, SourceID(id)) {
			want = ActiveVideo
		}
		if s.told && s.active == want {
			continue
		}
		s.active = want
		s.told = true
		if s.src != nil {
			s.src.SetActive(want)
		}
	}
}
