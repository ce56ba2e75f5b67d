package monitor

import (
	"time"

	"github.com/zsiec/dvswitch/internal/dv"
	"github.com/zsiec/dvswitch/internal/media"
	"github.com/zsiec/dvswitch/internal/mixer"
)

// Event types sent to clients.
const (
	EventTick     = "tick"
	EventProgress = "progress"
)

// SourceState describes one source slot in a tick.
type SourceState struct {
	ID          int  `json:"id"`
	Present     bool `json:"present"`
	FormatError bool `json:"formatError,omitempty"`
}

// TickEvent summarises one mixer tick.
type TickEvent struct {
	Type        string        `json:"type"`
	Serial      uint32        `json:"serial"`
	Timestamp   time.Time     `json:"timestamp"`
	System      string        `json:"system,omitempty"`
	Aspect      string        `json:"aspect,omitempty"`
	VideoMix    string        `json:"videoMix"`
	OnAir       []int         `json:"onAir"`
	AudioSource int           `json:"audioSource"`
	Record      bool          `json:"record"`
	Cut         bool          `json:"cut"`
	Composited  bool          `json:"composited"`
	Levels      *[2]int       `json:"levels,omitempty"`
	Sources     []SourceState `json:"sources"`
}

// ProgressEvent reports effect progress in milliseconds.
type ProgressEvent struct {
	Type string `json:"type"`
	mixer.ProgressEvent
}

// snapshot is what the mixer hands over each tick.
type snapshot struct {
	sources  []*media.Frame
	settings mixer.MixSettings
	mixed    *media.Frame
	raw      *dv.RawFrame
}

func tickEvent(s snapshot, levels *[2]int) TickEvent {
	ev := TickEvent{
		Type:        EventTick,
		Serial:      s.mixed.Serial,
		Timestamp:   s.mixed.Timestamp,
		VideoMix:    mixer.MixKind(s.settings.VideoMix),
		OnAir:       []int{},
		AudioSource: int(s.settings.AudioSource),
		Record:      s.mixed.Record,
		Cut:         s.mixed.CutBefore,
		Composited:  s.raw != nil,
		Levels:      levels,
		Sources:     make([]SourceState, len(s.sources)),
	}
	if sys := s.mixed.Profile.System; sys != nil {
		ev.System = sys.Name
		ev.Aspect = s.mixed.Profile.Aspect.String()
	}
	if s.settings.VideoMix != nil {
		for _, id := range s.settings.VideoMix.SourceIDs() {
			ev.OnAir = append(ev.OnAir, int(id))
		}
	}
	for i, f := range s.sources {
		ev.Sources[i] = SourceState{
			ID:          i,
			Present:     f != nil && !f.FormatError,
			FormatError: f != nil && f.FormatError,
		}
	}
	return ev
}
