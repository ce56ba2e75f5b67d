// Package dvtest builds synthetic DIF frames for tests. Only the fields the
// switcher inspects are filled in; the payload is a marker byte.
package dvtest

import "github.com/zsiec/dvswitch/internal/dv"

// Options selects the header fields written into a synthetic frame.
type Options struct {
	System     *dv.System
	Wide       bool
	SampleRate dv.SampleRate
	Marker     byte
}

// Frame builds a full-length DIF frame. The marker byte fills the last
// byte of every video block so tests can tell frames apart.
func Frame(o Options) []byte {
	sys := o.System
	if sys == nil {
		sys = dv.System625_50
	}
	buf := make([]byte, sys.Size)

	buf[0] = 0x1f
	buf[1] = 0x07
	buf[3] = 0x3f
	if sys == dv.System625_50 {
		buf[3] |= 0x80
	}

	// VAUX source control pack in the first VAUX block.
	vsc := buf[3*dv.BlockSize+3:]
	vsc[0] = 0x61
	if o.Wide {
		vsc[2] = 0x02
	}

	if o.SampleRate != dv.SampleRateNone {
		as := buf[(6+3*16)*dv.BlockSize+3:]
		as[0] = 0x50
		as[4] = byte(o.SampleRate) << 3
	}

	for off := dv.BlockSize - 1; off < len(buf); off += dv.BlockSize {
		if buf[off] == 0 {
			buf[off] = o.Marker
		}
	}
	return buf
}

// PAL is a 4:3 48 kHz 625-50 frame with the given marker.
func PAL(marker byte) []byte {
	return Frame(Options{System: dv.System625_50, SampleRate: dv.SampleRate48k, Marker: marker})
}

// NTSC is a 4:3 48 kHz 525-60 frame with the given marker.
func NTSC(marker byte) []byte {
	return Frame(Options{System: dv.System525_60, SampleRate: dv.SampleRate48k, Marker: marker})
}

// Marker returns the marker written by Frame.
func Marker(frame []byte) byte {
	return frame[len(frame)-1]
}
