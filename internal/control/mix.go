package control

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/zsiec/dvswitch/internal/dv"
	"github.com/zsiec/dvswitch/internal/mixer"
)

// Region is a picture-in-picture rectangle in output pixels.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// VideoMixJSON is the wire form of a mixer.VideoMix. Kind selects which of
// the other fields apply.
type VideoMixJSON struct {
	Kind       string         `json:"kind" binding:"required"`
	Primary    mixer.SourceID `json:"primary"`
	Secondary  mixer.SourceID `json:"secondary,omitempty"`
	Region     *Region        `json:"region,omitempty"`
	From       mixer.SourceID `json:"from,omitempty"`
	To         mixer.SourceID `json:"to,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
}

var errUnknownKind = errors.New("unknown video mix kind")

// toVideoMix converts a request into a mixer.VideoMix. Fades start at now.
func (v VideoMixJSON) toVideoMix(now time.Time) (mixer.VideoMix, error) {
	switch v.Kind {
	case "simple":
		return mixer.Simple{Primary: v.Primary}, nil
	case "pip":
		if v.Region == nil {
			return nil, mixer.ErrEmptyRegion
		}
		r := image.Rect(v.Region.X, v.Region.Y, v.Region.X+v.Region.Width, v.Region.Y+v.Region.Height)
		if v.Region.Width <= 0 || v.Region.Height <= 0 {
			r = image.Rectangle{}
		}
		return mixer.PictureInPicture{Primary: v.Primary, Secondary: v.Secondary, Region: r}, nil
	case "fade":
		return mixer.Fade{
			From:     v.From,
			To:       v.To,
			Start:    now,
			Duration: time.Duration(v.DurationMs) * time.Millisecond,
		}, nil
	}
	return nil, fmt.Errorf("%w %q", errUnknownKind, v.Kind)
}

func videoMixJSON(vm mixer.VideoMix) *VideoMixJSON {
	switch v := vm.(type) {
	case mixer.Simple:
		return &VideoMixJSON{Kind: mixer.MixKind(v), Primary: v.Primary}
	case mixer.PictureInPicture:
		return &VideoMixJSON{
			Kind:      mixer.MixKind(v),
			Primary:   v.Primary,
			Secondary: v.Secondary,
			Region: &Region{
				X:      v.Region.Min.X,
				Y:      v.Region.Min.Y,
				Width:  v.Region.Dx(),
				Height: v.Region.Dy(),
			},
		}
	case mixer.Fade:
		start := v.Start
		return &VideoMixJSON{
			Kind:       mixer.MixKind(v),
			From:       v.From,
			To:         v.To,
			DurationMs: v.Duration.Milliseconds(),
			StartedAt:  &start,
		}
	}
	return nil
}

// MixJSON is the response of GET /api/mix.
type MixJSON struct {
	VideoMix    *VideoMixJSON  `json:"videoMix"`
	AudioSource mixer.SourceID `json:"audioSource"`
	Record      bool           `json:"record"`
	CanRecord   bool           `json:"canRecord"`
}

// FormatJSON is the wire form of mixer.FormatSettings. System is "auto"
// when the format is adopted from the first source frame.
type FormatJSON struct {
	System     string `json:"system"`
	Aspect     string `json:"aspect,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

const systemAuto = "auto"

func formatJSON(f mixer.FormatSettings) FormatJSON {
	if f.System == nil {
		return FormatJSON{System: systemAuto}
	}
	return FormatJSON{
		System:     f.System.Name,
		Aspect:     f.Aspect.String(),
		SampleRate: f.SampleRate.Hz(),
	}
}

func (f FormatJSON) toFormat() (mixer.FormatSettings, error) {
	var out mixer.FormatSettings
	if f.System == "" || f.System == systemAuto {
		return out, nil
	}
	sys, ok := dv.SystemByName(f.System)
	if !ok {
		return out, fmt.Errorf("unknown system %q", f.System)
	}
	out.System = sys

	switch f.Aspect {
	case "", "4:3":
		out.Aspect = dv.Aspect4x3
	case "16:9":
		out.Aspect = dv.Aspect16x9
	default:
		return out, fmt.Errorf("unknown aspect %q", f.Aspect)
	}

	switch f.SampleRate {
	case 0, 48000:
		out.SampleRate = dv.SampleRate48k
	case 44100:
		out.SampleRate = dv.SampleRate44k1
	case 32000:
		out.SampleRate = dv.SampleRate32k
	default:
		return out, fmt.Errorf("unsupported sample rate %d", f.SampleRate)
	}
	return out, nil
}
