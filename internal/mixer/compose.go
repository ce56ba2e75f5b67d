package mixer

import (
	"time"

	"github.com/zsiec/dvswitch/internal/dv"
	"github.com/zsiec/dvswitch/internal/media"
)

// composed is the result of applying a VideoMix to one tick.
type composed struct {
	frame *media.Frame // nil when the primary source has no frame
	// origin is the source frame whose bytes frame carries, or nil when
	// frame holds a freshly encoded composite.
	origin *media.Frame
	raw    *dv.RawFrame
}

// mix handles one tick on the mixer goroutine.
func (m *Mixer) mix(d *mixData) {
	usable := make([]*media.Frame, len(d.frames))
	present := false
	for i, f := range d.frames {
		if f != nil && !f.FormatError {
			usable[i] = f
			present = true
		}
	}
	if !present {
		m.skippedTicks.Add(1)
		return
	}

	c := m.compose(d.settings.VideoMix, usable, d.tickTime)
	if c.frame == nil {
		if m.lastMixed == nil {
			m.skippedTicks.Add(1)
			return
		}
		// The repeat shares the previous buffer but carries this tick's
		// flags, serial and time.
		m.repeatedFrames.Add(1)
		out := m.outputFrame(d, m.lastMixed.Buffer, m.lastMixed.Profile)
		m.deliver(d.frames, d.settings, out, nil)
		return
	}

	out := m.outputFrame(d, m.dubAudio(c, usable, d), c.frame.Profile)
	m.deliver(d.frames, d.settings, out, c.raw)
}

// outputFrame wraps buf as the tick's output frame.
func (m *Mixer) outputFrame(d *mixData, buf []byte, p dv.Profile) *media.Frame {
	m.serial++
	out := &media.Frame{
		Buffer:    buf,
		Profile:   p,
		Timestamp: d.tickTime,
		Serial:    m.serial,
		Record:    d.settings.Record,
		CutBefore: d.settings.CutBefore,
	}
	m.lastMixed = out
	return out
}

// compose applies vm to the usable frames of a tick.
func (m *Mixer) compose(vm VideoMix, frames []*media.Frame, now time.Time) composed {
	switch v := vm.(type) {
	case Simple:
		f := frameAt(frames, v.Primary)
		return composed{frame: f, origin: f}
	case PictureInPicture:
		return m.composePictureInPicture(v, frames)
	case Fade:
		return m.composeFade(v, frames, now)
	}
	return composed{}
}

func (m *Mixer) composePictureInPicture(v PictureInPicture, frames []*media.Frame) composed {
	pri := frameAt(frames, v.Primary)
	if pri == nil {
		return composed{}
	}
	passthrough := composed{frame: pri, origin: pri}
	sec := frameAt(frames, v.Secondary)
	if sec == nil {
		return passthrough
	}

	raw, err := m.codec.DecodeVideo(pri.Buffer)
	if err != nil {
		m.codecFailed("decode primary", err)
		return passthrough
	}
	inset, err := m.codec.DecodeVideo(sec.Buffer)
	if err != nil {
		m.codecFailed("decode secondary", err)
		return passthrough
	}
	scaleInto(raw.Picture, inset.Picture, v.Region)

	if m.sinkCount() == 0 {
		m.codecRecovered()
		return composed{frame: pri, origin: pri, raw: raw}
	}
	return m.encodeComposite(pri, raw)
}

func (m *Mixer) composeFade(v Fade, frames []*media.Frame, now time.Time) composed {
	w := v.Weight(now)
	m.reportFade(v, now, w)

	from := frameAt(frames, v.From)
	to := frameAt(frames, v.To)
	switch {
	case w >= 1 || (from == nil && to != nil):
		return composed{frame: to, origin: to}
	case to == nil:
		return composed{frame: from, origin: from}
	case w <= 0:
		return composed{frame: from, origin: from}
	}

	a, err := m.codec.DecodeVideo(from.Buffer)
	if err != nil {
		m.codecFailed("decode fade source", err)
		return composed{frame: from, origin: from}
	}
	b, err := m.codec.DecodeVideo(to.Buffer)
	if err != nil {
		m.codecFailed("decode fade target", err)
		return composed{frame: from, origin: from}
	}
	blend(a.Picture, b.Picture, w)

	if m.sinkCount() == 0 {
		m.codecRecovered()
		return composed{frame: from, origin: from, raw: a}
	}
	return m.encodeComposite(from, a)
}

// encodeComposite encodes raw into a copy of base so base's audio and
// auxiliary data are carried over.
func (m *Mixer) encodeComposite(base *media.Frame, raw *dv.RawFrame) composed {
	out := base.Clone()
	if err := m.codec.EncodeVideo(raw, out.Buffer); err != nil {
		m.codecFailed("encode composite", err)
		return composed{frame: base, origin: base}
	}
	m.codecRecovered()
	return composed{frame: out, raw: raw}
}

// reportFade emits progress for the tick and, once the fade completes,
// replaces it with Simple(To) if it is still the active mix.
func (m *Mixer) reportFade(v Fade, now time.Time, w float64) {
	if v == m.finishedFade {
		return
	}
	ev := v.progress(now)
	if w < 1 {
		ev.More = true
		m.sendProgress(ev, false)
		return
	}
	ev.More = false
	m.finishedFade = v

	m.sourceMu.Lock()
	if cur, ok := m.settings.VideoMix.(Fade); ok && cur == v {
		m.settings.VideoMix = Simple{Primary: v.To}
		m.updateTallyLocked()
		m.log.Info("fade complete", "source", v.To)
	}
	m.sourceMu.Unlock()

	m.sendProgress(ev, true)
}

// sendProgress never blocks. A final event displaces the oldest pending
// event if the channel is full.
func (m *Mixer) sendProgress(ev ProgressEvent, final bool) {
	select {
	case m.progress <- ev:
		return
	default:
	}
	if !final {
		return
	}
	select {
	case <-m.progress:
	default:
	}
	select {
	case m.progress <- ev:
	default:
		m.log.Warn("fade progress event lost")
	}
}

// dubAudio returns the output buffer, with the selected source's audio
// encoded into a private copy when it differs from the video's origin.
func (m *Mixer) dubAudio(c composed, frames []*media.Frame, d *mixData) []byte {
	id := d.settings.AudioSource
	if id == NoSource {
		return c.frame.Buffer
	}
	src := frameAt(frames, id)
	if src != nil && src == c.origin {
		return c.frame.Buffer
	}

	var audio *dv.Audio
	if src == nil {
		sys := d.format.System
		if sys == nil {
			sys = c.frame.Profile.System
		}
		audio = dv.Silence(sys, d.format.SampleRate)
	} else {
		var err error
		audio, err = m.codec.DecodeAudio(src.Buffer)
		if err != nil {
			m.codecFailed("decode audio", err)
			return c.frame.Buffer
		}
	}

	buf := c.frame.Buffer
	if c.origin != nil {
		buf = c.frame.Clone().Buffer
	}
	if err := m.codec.EncodeAudio(audio, buf); err != nil {
		m.codecFailed("encode audio", err)
		return c.frame.Buffer
	}
	return buf
}

// deliver passes the tick's output to the monitor, then every sink.
func (m *Mixer) deliver(sources []*media.Frame, settings MixSettings, mixed *media.Frame, raw *dv.RawFrame) {
	m.sinkMu.RLock()
	defer m.sinkMu.RUnlock()

	if m.monitor != nil {
		m.monitor.PutFrames(sources, settings, mixed, raw)
	}
	for _, s := range m.sinks {
		if s != nil {
			s.sink.PutFrame(mixed)
		}
	}
}

func (m *Mixer) codecFailed(op string, err error) {
	m.codecErrors.Add(1)
	if !m.codecFailing {
		m.codecFailing = true
		m.log.Warn("codec failure, falling back to primary source", "op", op, "error", err)
		return
	}
	m.log.Debug("codec failure", "op", op, "error", err)
}

func (m *Mixer) codecRecovered() {
	if m.codecFailing {
		m.codecFailing = false
		m.log.Info("codec recovered")
	}
}

func frameAt(frames []*media.Frame, id SourceID) *media.Frame {
	if id < 0 || int(id) >= len(frames) {
		return nil
	}
	return frames[id]
}
