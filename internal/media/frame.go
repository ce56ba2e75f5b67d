// Package media defines the frame type that flows from sources through the
// mixer to sinks and the monitor.
package media

import (
	"time"

	"github.com/zsiec/dvswitch/internal/dv"
)

// Frame is one DIF frame plus the metadata the mixer attaches to it.
//
// A Frame is mutable only while a single goroutine owns it (the connection
// filling it, or the mixer composing it). Once handed to PutFrame, a sink
// or the monitor it is shared by pointer and must not be modified; a
// consumer that needs different bytes takes a Clone.
type Frame struct {
	// Buffer holds exactly one frame; its length is the system frame size.
	Buffer    []byte
	Profile   dv.Profile
	Timestamp time.Time
	Serial    uint32

	Record      bool
	CutBefore   bool
	FormatError bool
}

// NewFrame allocates a frame with capacity for the largest system.
func NewFrame() *Frame {
	return &Frame{Buffer: make([]byte, 0, dv.MaxFrameSize)}
}

// FromBytes wraps a complete DIF frame, detecting its profile.
func FromBytes(b []byte) (*Frame, error) {
	p, err := dv.DetectProfile(b)
	if err != nil {
		return nil, err
	}
	if len(b) < p.System.Size {
		return nil, &dv.FormatError{Field: "frame length", Err: dv.ErrShortData}
	}
	return &Frame{Buffer: b[:p.System.Size], Profile: p}, nil
}

// Size is the encoded frame length in bytes.
func (f *Frame) Size() int {
	return len(f.Buffer)
}

// Clone returns a private copy of f with its own buffer.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Buffer = make([]byte, len(f.Buffer), max(cap(f.Buffer), dv.MaxFrameSize))
	copy(c.Buffer, f.Buffer)
	return &c
}
