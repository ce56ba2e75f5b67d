package dv

import (
	"errors"
	"image"
	"math"
)

// ErrCodecUnavailable is returned by Unavailable for every operation.
var ErrCodecUnavailable = errors.New("dv: codec unavailable")

// Codec converts between DIF frames and raw pictures/audio. Implementations
// wrap an external DV codec library; the switcher never touches DCT blocks
// or audio shuffling itself.
//
// Encode methods write into dst, which must hold a complete DIF frame of
// the right system; EncodeAudio replaces only the audio DIF blocks.
type Codec interface {
	DecodeVideo(frame []byte) (*RawFrame, error)
	EncodeVideo(raw *RawFrame, dst []byte) error
	DecodeAudio(frame []byte) (*Audio, error)
	EncodeAudio(audio *Audio, dst []byte) error
}

// Unavailable is the Codec used when no DV codec is linked into the
// binary. Simple cuts work without one; composited mixes fall back to the
// primary source and audio dubbing keeps the video source's audio.
type Unavailable struct{}

func (Unavailable) DecodeVideo([]byte) (*RawFrame, error) { return nil, ErrCodecUnavailable }
func (Unavailable) EncodeVideo(*RawFrame, []byte) error { return ErrCodecUnavailable }
func (Unavailable) DecodeAudio([]byte) (*Audio, error) { return nil, ErrCodecUnavailable }
func (Unavailable) EncodeAudio(*Audio, []byte) error { return ErrCodecUnavailable }

// RawFrame is a decoded picture. 625-50 frames are 4:2:0, 525-60 frames 4:1:1.
type RawFrame struct {
	Picture *image.YCbCr
	System  *System
	Aspect  Aspect
}

// NewRawFrame allocates a black picture for sys.
func NewRawFrame(sys *System, aspect Aspect) *RawFrame {
	ratio := image.YCbCrSubsampleRatio420
	if sys == System525_60 {
		ratio = image.YCbCrSubsampleRatio411
	}
	pic := image.NewYCbCr(image.Rect(0, 0, sys.Width, sys.Height), ratio)
	for i := range pic.Y {
		pic.Y[i] = 16
	}
	for i := range pic.Cb {
		pic.Cb[i] = 128
		pic.Cr[i] = 128
	}
	return &RawFrame{Picture: pic, System: sys, Aspect: aspect}
}

// Audio holds one frame's worth of interleaved 16-bit stereo samples.
type Audio struct {
	SampleRate SampleRate
	Samples    []int16
}

// SampleCount is the number of samples per channel.
func (a *Audio) SampleCount() int {
	return len(a.Samples) / PCMChannels
}

// Silence returns a frame of zero samples of the nominal length for sys.
func Silence(sys *System, rate SampleRate) *Audio {
	return &Audio{
		SampleRate: rate,
		Samples:    make([]int16, sys.SamplesPerFrame(rate)*PCMChannels),
	}
}

// MinLevel is the floor reported by Levels, in dBFS.
const MinLevel = -96

// Levels returns the peak level of each channel in whole dBFS, clamped to
// [MinLevel, 0].
func Levels(a *Audio) [PCMChannels]int {
	var peak [PCMChannels]int
	for i, s := range a.Samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		ch := i % PCMChannels
		if v > peak[ch] {
			peak[ch] = v
		}
	}
	var out [PCMChannels]int
	for ch, p := range peak {
		if p == 0 {
			out[ch] = MinLevel
			continue
		}
		db := int(math.Floor(20 * math.Log10(float64(p)/32768)))
		out[ch] = max(MinLevel, min(0, db))
	}
	return out
}
