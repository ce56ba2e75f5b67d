package dv

import (
	"fmt"
	"io"
)

// ReadFrame reads one complete DIF frame from r into buf, which must have
// capacity MaxFrameSize. The first sequence is read on its own so the
// system (and therefore the frame length) can be detected before reading
// the remainder. It returns the frame length and detected profile.
func ReadFrame(r io.Reader, buf []byte) (int, Profile, error) {
	if cap(buf) < MaxFrameSize {
		return 0, Profile{}, fmt.Errorf("dv: read buffer capacity %d < %d", cap(buf), MaxFrameSize)
	}
	buf = buf[:MaxFrameSize]
	if _, err := io.ReadFull(r, buf[:SequenceSize]); err != nil {
		return 0, Profile{}, err
	}
	p, err := DetectProfile(buf[:SequenceSize])
	if err != nil {
		return 0, Profile{}, err
	}
	if _, err := io.ReadFull(r, buf[SequenceSize:p.System.Size]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, Profile{}, fmt.Errorf("dv: reading frame body: %w", err)
	}
	return p.System.Size, p, nil
}
