// Package dv describes the DIF (DV) frame format at the level the switcher
// needs: detecting a frame's system, aspect and audio parameters from its
// first DIF sequence, reassembling frames from a byte stream, and the
// codec boundary used to decode and re-encode pictures and audio.
package dv

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/icza/bitio"
)

// DIF layout constants.
const (
	BlockSize    = 80
	SequenceSize = 150 * BlockSize
	MaxFrameSize = 12 * SequenceSize

	// PCMChannels is the channel count of decoded audio.
	PCMChannels = 2
)

const (
	packSize         = 5
	packsPerVAUX     = 15
	vauxFirstBlock   = 3
	vauxBlockCount   = 3
	aauxSourceOffset = (6+3*16)*BlockSize + 3

	packIDAAUXSource = 0x50
	packIDVAUXSource = 0x61
)

// Sentinel errors for frame inspection.
var (
	ErrNotDV     = errors.New("dv: not a DIF frame")
	ErrShortData = errors.New("dv: buffer too short")
)

// FormatError reports which part of a DIF buffer failed validation.
type FormatError struct {
	Field string
	Err   error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("dv: %s: %v", e.Field, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// System is one of the two DV line systems.
type System struct {
	Name         string
	SeqCount     int
	Size         int // bytes per frame
	FrameRateNum int
	FrameRateDen int
	Width        int
	Height       int
}

// FrameDuration is the nominal interval between frames.
func (s *System) FrameDuration() time.Duration {
	return time.Duration(int64(time.Second) * int64(s.FrameRateDen) / int64(s.FrameRateNum))
}

// SamplesPerFrame returns the nominal number of audio samples per channel
// in one frame at the given rate, rounded to nearest.
func (s *System) SamplesPerFrame(rate SampleRate) int {
	hz := rate.Hz()
	if hz == 0 {
		return 0
	}
	return (hz*s.FrameRateDen + s.FrameRateNum/2) / s.FrameRateNum
}

func (s *System) String() string { return s.Name }

// The supported systems.
var (
	System525_60 = &System{
		Name:         "525-60",
		SeqCount:     10,
		Size:         10 * SequenceSize,
		FrameRateNum: 30000,
		FrameRateDen: 1001,
		Width:        720,
		Height:       480,
	}
	System625_50 = &System{
		Name:         "625-50",
		SeqCount:     12,
		Size:         12 * SequenceSize,
		FrameRateNum: 25,
		FrameRateDen: 1,
		Width:        720,
		Height:       576,
	}
)

// SystemByName resolves "pal"/"625-50" and "ntsc"/"525-60".
func SystemByName(name string) (*System, bool) {
	switch name {
	case "pal", "625-50", "625":
		return System625_50, true
	case "ntsc", "525-60", "525":
		return System525_60, true
	}
	return nil, false
}

// Aspect is the display aspect ratio signalled in the VAUX source control pack.
type Aspect int

const (
	Aspect4x3 Aspect = iota
	Aspect16x9
)

func (a Aspect) String() string {
	if a == Aspect16x9 {
		return "16:9"
	}
	return "4:3"
}

// SampleRate is the audio sampling frequency code from the AAUX source pack.
type SampleRate int

const (
	SampleRateNone SampleRate = iota - 1
	SampleRate48k
	SampleRate44k1
	SampleRate32k
)

// Hz returns the frequency, or 0 when the frame carries no audio.
func (r SampleRate) Hz() int {
	switch r {
	case SampleRate48k:
		return 48000
	case SampleRate44k1:
		return 44100
	case SampleRate32k:
		return 32000
	}
	return 0
}

func (r SampleRate) String() string {
	if hz := r.Hz(); hz != 0 {
		return fmt.Sprintf("%d", hz)
	}
	return "none"
}

// Profile is the combination of stream parameters detected from a frame.
type Profile struct {
	System     *System
	Aspect     Aspect
	SampleRate SampleRate
	// Quant12 is set when audio is 12-bit companded rather than 16-bit LPCM.
	Quant12 bool
}

// DetectSystem reads the DSF bit of the header block.
func DetectSystem(buf []byte) (*System, error) {
	if len(buf) < BlockSize {
		return nil, &FormatError{Field: "header block", Err: ErrShortData}
	}
	// Section type 0 is the header section.
	if buf[0]>>5 != 0 {
		return nil, &FormatError{Field: "header section", Err: ErrNotDV}
	}
	if buf[3]&0x80 != 0 {
		return System625_50, nil
	}
	return System525_60, nil
}

// DetectProfile inspects the first DIF sequence of buf.
func DetectProfile(buf []byte) (Profile, error) {
	sys, err := DetectSystem(buf)
	if err != nil {
		return Profile{}, err
	}
	if len(buf) < SequenceSize {
		return Profile{}, &FormatError{Field: "first sequence", Err: ErrShortData}
	}

	p := Profile{System: sys, Aspect: Aspect4x3, SampleRate: SampleRateNone}

	if vsc := findVAUXPack(buf, packIDVAUXSource); vsc != nil {
		aspect, err := parseAspect(vsc)
		if err != nil {
			return Profile{}, &FormatError{Field: "VAUX source control", Err: err}
		}
		p.Aspect = aspect
	}

	as := buf[aauxSourceOffset : aauxSourceOffset+packSize]
	if as[0] == packIDAAUXSource {
		rate, quant12, err := parseAudioSource(as)
		if err != nil {
			return Profile{}, &FormatError{Field: "AAUX source", Err: err}
		}
		p.SampleRate = rate
		p.Quant12 = quant12
	}
	return p, nil
}

func findVAUXPack(buf []byte, id byte) []byte {
	for b := 0; b < vauxBlockCount; b++ {
		block := buf[(vauxFirstBlock+b)*BlockSize:]
		for i := 0; i < packsPerVAUX; i++ {
			off := 3 + i*packSize
			if block[off] == id {
				return block[off : off+packSize]
			}
		}
	}
	return nil
}

// parseAspect reads the DISP field, the low three bits of PC2.
func parseAspect(pack []byte) (Aspect, error) {
	r := bitio.NewReader(bytes.NewReader(pack[2:3]))
	if _, err := r.ReadBits(5); err != nil {
		return 0, err
	}
	disp, err := r.ReadBits(3)
	if err != nil {
		return 0, err
	}
	if disp == 2 || disp == 7 {
		return Aspect16x9, nil
	}
	return Aspect4x3, nil
}

// parseAudioSource reads SMP and QU from PC4: LF(1) EF(1) SMP(3) QU(3).
func parseAudioSource(pack []byte) (SampleRate, bool, error) {
	r := bitio.NewReader(bytes.NewReader(pack[4:5]))
	if _, err := r.ReadBits(2); err != nil {
		return 0, false, err
	}
	smp, err := r.ReadBits(3)
	if err != nil {
		return 0, false, err
	}
	qu, err := r.ReadBits(3)
	if err != nil {
		return 0, false, err
	}
	rate := SampleRateNone
	switch smp {
	case 0:
		rate = SampleRate48k
	case 1:
		rate = SampleRate44k1
	case 2:
		rate = SampleRate32k
	}
	if qu > 1 {
		return SampleRateNone, false, fmt.Errorf("unsupported quantization %d", qu)
	}
	return rate, qu == 1, nil
}
