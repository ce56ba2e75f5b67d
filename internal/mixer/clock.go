package mixer

import (
	"time"

	"github.com/zsiec/dvswitch/internal/media"
)

// runClock ticks at the frame interval of the current format on absolute
// deadlines until Stop.
func (m *Mixer) runClock() {
	var next time.Time
	for {
		interval, ok := m.waitClock()
		if !ok {
			return
		}

		now := time.Now()
		// Resynchronise after an idle period or a stall of more than a frame.
		if next.IsZero() || now.Sub(next) > interval {
			next = now
		}
		if d := time.Until(next); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-m.stopCh:
				t.Stop()
				return
			}
		}

		m.tick(next)
		next = next.Add(interval)
	}
}

// waitClock blocks while the clock is idle or no format is known, and
// returns the frame interval, or false once stopped.
func (m *Mixer) waitClock() (time.Duration, bool) {
	m.sourceMu.Lock()
	defer m.sourceMu.Unlock()
	for m.clockState == clockWait || (m.clockState == clockRun && m.format.System == nil) {
		m.clockCond.Wait()
	}
	if m.clockState == clockStop {
		return 0, false
	}
	return m.format.System.FrameDuration(), true
}

// tick samples one frame per source and offers the snapshot to the mixer
// goroutine without blocking.
func (m *Mixer) tick(now time.Time) {
	m.sourceMu.Lock()
	m.tickSerial++
	d := &mixData{
		serial:   m.tickSerial,
		frames:   make([]*media.Frame, len(m.sources)),
		format:   m.format,
		settings: m.settings,
		tickTime: now,
	}
	for id, s := range m.sources {
		if s == nil || s.queue.Empty() {
			continue
		}
		if s.queue.Len() >= FullQueueLen {
			for s.queue.Len() > TargetQueueLen {
				s.queue.Pop()
				s.dropped++
			}
		}
		d.frames[id] = s.queue.Pop()
	}
	m.settings.CutBefore = false
	m.sourceMu.Unlock()

	m.ticks.Add(1)
	select {
	case m.mixQueue <- d:
	default:
		if m.mixQueueDrops.Add(1) == 1 {
			m.log.Warn("mixer queue full, dropping tick", "tick", d.serial)
		} else {
			m.log.Debug("mixer queue full, dropping tick", "tick", d.serial)
		}
	}
}
