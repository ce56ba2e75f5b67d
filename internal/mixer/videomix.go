package mixer

import (
	"errors"
	"fmt"
	"image"
	"time"
)

// Errors returned when a requested video mix is invalid.
var (
	ErrEmptyRegion = errors.New("mixer: picture-in-picture region is empty")
	ErrInvalidFade = errors.New("mixer: fade duration must be positive")
)

// VideoMix selects how the output picture is built from the source frames
// of a tick. It is one of Simple, PictureInPicture or Fade.
type VideoMix interface {
	// SourceIDs lists the sources whose video is visible in the mix.
	SourceIDs() []SourceID
	isVideoMix()
}

// Simple passes the primary source's frame through unchanged.
type Simple struct {
	Primary SourceID
}

func (s Simple) SourceIDs() []SourceID { return []SourceID{s.Primary} }
func (Simple) isVideoMix() {}

// PictureInPicture shows Secondary scaled into Region of Primary.
type PictureInPicture struct {
	Primary   SourceID
	Secondary SourceID
	Region    image.Rectangle
}

func (p PictureInPicture) SourceIDs() []SourceID { return []SourceID{p.Primary, p.Secondary} }
func (PictureInPicture) isVideoMix() {}

// Fade cross-fades from From to To over Duration, starting at Start.
type Fade struct {
	From     SourceID
	To       SourceID
	Start    time.Time
	Duration time.Duration
}

func (f Fade) SourceIDs() []SourceID { return []SourceID{f.From, f.To} }
func (Fade) isVideoMix() {}

// Weight is the share of To in the output at now, clamped to [0, 1].
func (f Fade) Weight(now time.Time) float64 {
	if f.Duration <= 0 {
		return 1
	}
	w := float64(now.Sub(f.Start)) / float64(f.Duration)
	return max(0, min(1, w))
}

// progress reports the fade position at now in milliseconds.
func (f Fade) progress(now time.Time) ProgressEvent {
	total := f.Duration.Milliseconds()
	cur := now.Sub(f.Start).Milliseconds()
	cur = max(0, min(total, cur))
	return ProgressEvent{Min: 0, Current: cur, Max: total, More: cur < total}
}

func validateVideoMix(vm VideoMix) error {
	switch v := vm.(type) {
	case Simple:
		return nil
	case PictureInPicture:
		if v.Region.Empty() {
			return ErrEmptyRegion
		}
		return nil
	case Fade:
		if v.Duration <= 0 {
			return ErrInvalidFade
		}
		return nil
	case nil:
		return errors.New("mixer: nil video mix")
	default:
		return fmt.Errorf("mixer: unsupported video mix %T", vm)
	}
}

// MixKind names the variant of vm: "simple", "pip", "fade" or "none".
func MixKind(vm VideoMix) string {
	switch vm.(type) {
	case Simple:
		return "simple"
	case PictureInPicture:
		return "pip"
	case Fade:
		return "fade"
	}
	return "none"
}
