//go:build linux

package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/zsiec/dvswitch/internal/dv"
	"github.com/zsiec/dvswitch/internal/ingest"
	"github.com/zsiec/dvswitch/internal/media"
	"github.com/zsiec/dvswitch/internal/mixer"
	"github.com/zsiec/dvswitch/internal/protocol"
	"github.com/zsiec/dvswitch/internal/ring"
)

// sinkQueueLen is the number of frames a sink may fall behind before new
// frames are dropped.
const sinkQueueLen = 30

var errSinkSentData = errors.New("sink sent unexpected data")

type sendStatus int

const (
	sendFailed sendStatus = iota
	sentSome
	sentAll
)

// connection is the protocol state of one peer. A peer starts as an
// unknownConn and is promoted once to a sourceConn or sinkConn.
type connection interface {
	// receiveBuffer returns where the next inbound bytes go. Filling it
	// completes one protocol unit.
	receiveBuffer() []byte
	// completeReceive handles a filled unit and returns the connection
	// to use from now on.
	completeReceive() (connection, error)
	// send writes pending output without blocking.
	send() sendStatus
	// close unregisters the connection from the mixer.
	close()
	identity() string
}

// socket is the non-blocking I/O a connection performs.
type socket interface {
	Read(p []byte) (int, error)
	Writev(bufs [][]byte) (int, error)
}

type fdSocket int

func (fd fdSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(int(fd), p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (fd fdSocket) Writev(bufs [][]byte) (int, error) {
	n, err := unix.Writev(int(fd), bufs)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

// link is what a connection knows about its transport.
type link struct {
	sock     socket
	token    uint32
	remote   string
	wake     func(token uint32) bool
	log      *slog.Logger
	registry *ingest.Registry

	// wakePending is set while a token for this link sits in the wake
	// pipe. At most one token per link is outstanding.
	wakePending atomic.Bool
}

// notify asks the event loop to arm write interest for the link. A token
// that could not be written is retried on the next notify.
func (l *link) notify() {
	if !l.wakePending.CompareAndSwap(false, true) {
		return
	}
	if !l.wake(l.token) {
		l.wakePending.Store(false)
	}
}

// woken is called on the event loop when the link's token is read.
func (l *link) woken() {
	l.wakePending.Store(false)
}

// peer pairs a socket with its current connection state and a partially
// filled receive buffer.
type peer struct {
	fd      int
	link    *link
	conn    connection
	pending []byte
	events  int16
}

// receive reads once into the pending buffer, completing a unit if full.
func (p *peer) receive() error {
	if len(p.pending) == 0 {
		p.pending = p.conn.receiveBuffer()
	}
	n, err := p.link.sock.Read(p.pending)
	switch {
	case err != nil && wouldBlock(err):
		return nil
	case err != nil:
		return err
	case n == 0:
		return io.EOF
	}
	p.pending = p.pending[n:]
	if len(p.pending) > 0 {
		return nil
	}
	next, err := p.conn.completeReceive()
	if err != nil {
		return err
	}
	p.conn = next
	return nil
}

// unknownConn waits for the greeting.
type unknownConn struct {
	l        *link
	mix      Mixer
	greeting [protocol.GreetingSize]byte
}

func newUnknownConn(l *link, mix Mixer) *unknownConn {
	return &unknownConn{l: l, mix: mix}
}

func (c *unknownConn) receiveBuffer() []byte { return c.greeting[:] }

func (c *unknownConn) completeReceive() (connection, error) {
	role, err := protocol.ParseGreeting(c.greeting[:])
	if err != nil {
		return nil, err
	}
	c.l.log.Debug("greeting", "remote", c.l.remote, "role", role)
	switch role {
	case protocol.RoleSource, protocol.RoleActivationSource:
		return newSourceConn(c.l, c.mix, role == protocol.RoleActivationSource)
	default:
		return newSinkConn(c.l, c.mix, role == protocol.RoleRawSink, role == protocol.RoleRecordingSink), nil
	}
}

func (c *unknownConn) send() sendStatus { return sendFailed }

func (c *unknownConn) close() {}

func (c *unknownConn) identity() string { return "unknown client " + c.l.remote }

// sourceConn reads DIF frames, first sequence then remainder, and passes
// each completed frame to the mixer. Activation sources are also sent a
// tally message whenever their activation changes.
type sourceConn struct {
	l      *link
	mix    Mixer
	id     mixer.SourceID
	key    string
	stream *ingest.Stream

	frame    *media.Frame
	firstSeq bool
	profile  dv.Profile

	wantsTally bool
	active     atomic.Bool
	msg        [protocol.TallySize]byte
	msgPos     int
}

func newSourceConn(l *link, mix Mixer, wantsTally bool) (*sourceConn, error) {
	c := &sourceConn{
		l:          l,
		mix:        mix,
		key:        ingest.ProtocolTCP + ":" + l.remote,
		frame:      media.NewFrame(),
		firstSeq:   true,
		wantsTally: wantsTally,
	}
	if l.registry != nil {
		stream, err := l.registry.Register(c.key, ingest.ProtocolTCP)
		if err != nil {
			return nil, err
		}
		stream.SetRemoteAddr(l.remote)
		c.stream = stream
	}
	c.id = mix.AddSource(c, mixer.SourceSettings{
		Name:     l.remote,
		URL:      "tcp://" + l.remote,
		UseVideo: true,
		UseAudio: true,
	})
	if c.stream != nil {
		c.stream.SetSourceID(int(c.id))
	}
	return c, nil
}

func (c *sourceConn) receiveBuffer() []byte {
	buf := c.frame.Buffer[:cap(c.frame.Buffer)]
	if c.firstSeq {
		return buf[:dv.SequenceSize]
	}
	return buf[dv.SequenceSize:c.profile.System.Size]
}

func (c *sourceConn) completeReceive() (connection, error) {
	buf := c.frame.Buffer[:cap(c.frame.Buffer)]
	if c.firstSeq {
		p, err := dv.DetectProfile(buf[:dv.SequenceSize])
		if err != nil {
			return nil, err
		}
		c.profile = p
		c.firstSeq = false
		if c.stream != nil {
			c.stream.RecordRead(dv.SequenceSize)
		}
		return c, nil
	}

	c.frame.Buffer = buf[:c.profile.System.Size]
	c.frame.Profile = c.profile
	c.mix.PutFrame(c.id, c.frame)
	if c.stream != nil {
		c.stream.RecordRead(c.profile.System.Size - dv.SequenceSize)
		c.stream.RecordFrame()
	}
	c.frame = media.NewFrame()
	c.firstSeq = true
	return c, nil
}

// SetActive is called by the mixer with its source lock held.
func (c *sourceConn) SetActive(a mixer.Activation) {
	if !c.wantsTally {
		return
	}
	c.active.Store(a == mixer.ActiveVideo)
	c.l.notify()
}

func (c *sourceConn) send() sendStatus {
	if !c.wantsTally {
		return sentAll
	}
	if c.msgPos == 0 {
		c.msg = protocol.Tally(c.active.Load())
	}
	n, err := c.l.sock.Writev([][]byte{c.msg[c.msgPos:]})
	if err != nil {
		if wouldBlock(err) {
			return sentSome
		}
		c.l.log.Debug("tally write failed", "source", c.id, "error", err)
		return sendFailed
	}
	c.msgPos += n
	if c.msgPos < protocol.TallySize {
		return sentSome
	}
	c.msgPos = 0
	sent, _ := protocol.ParseTally(c.msg[:])
	if sent != c.active.Load() {
		return sentSome
	}
	return sentAll
}

func (c *sourceConn) close() {
	c.mix.RemoveSource(c.id)
	if c.stream != nil {
		if stats, ok := c.l.registry.Unregister(c.key); ok {
			c.l.log.Info("source disconnected", "source", c.id,
				"bytes", stats.BytesReceived, "frames", stats.Frames,
				"uptime_ms", stats.UptimeMs)
		}
	}
}

func (c *sourceConn) identity() string { return fmt.Sprintf("source %d", c.id) }

type sinkQueueElem struct {
	frame          *media.Frame
	overflowBefore bool
}

// sinkConn writes output frames to a sink, each preceded by a header
// unless the sink is raw.
type sinkConn struct {
	l          *link
	mix        Mixer
	id         mixer.SinkID
	raw        bool
	willRecord bool

	// Touched only on the server goroutine.
	isRecording bool
	framePos    int
	header      [protocol.SinkHeaderSize]byte
	vec         [2][]byte
	dummy       [1]byte

	queueMu    sync.Mutex
	queue      *ring.Ring[sinkQueueElem]
	overflowed bool
}

func newSinkConn(l *link, mix Mixer, raw, willRecord bool) *sinkConn {
	c := &sinkConn{
		l:          l,
		mix:        mix,
		raw:        raw,
		willRecord: willRecord,
		queue:      ring.New[sinkQueueElem](sinkQueueLen),
	}
	c.id = mix.AddSink(c, willRecord)
	return c
}

// PutFrame is called on the mixer goroutine. When the queue is full the
// new frame is dropped and the next frame queued carries the overflow flag.
func (c *sinkConn) PutFrame(f *media.Frame) {
	c.queueMu.Lock()
	if c.queue.Full() {
		if !c.overflowed {
			c.overflowed = true
			c.l.log.Warn("sink overflowed", "sink", c.id)
		}
	} else {
		elem := sinkQueueElem{frame: f, overflowBefore: c.overflowed}
		if c.overflowed {
			c.overflowed = false
			c.l.log.Info("sink recovered", "sink", c.id)
		}
		c.queue.Push(elem)
	}
	c.queueMu.Unlock()

	c.l.notify()
}

func (c *sinkConn) receiveBuffer() []byte { return c.dummy[:] }

func (c *sinkConn) completeReceive() (connection, error) {
	return nil, errSinkSentData
}

func (c *sinkConn) send() sendStatus {
	finished := false
	for {
		c.queueMu.Lock()
		if finished {
			if c.willRecord {
				c.isRecording = c.queue.Front().frame.Record
			}
			c.queue.Pop()
			finished = false
		}
		if c.queue.Empty() {
			c.queueMu.Unlock()
			return sentAll
		}
		elem := c.queue.Front()
		c.queueMu.Unlock()

		if c.willRecord && !c.isRecording && !elem.frame.Record {
			finished = true
			continue
		}

		bufs := c.vec[:0]
		if !c.raw {
			c.header = protocol.SinkHeader(c.flagFor(elem))
			bufs = append(bufs, c.header[:])
		}
		if !c.willRecord || elem.frame.Record {
			bufs = append(bufs, elem.frame.Buffer)
		}
		total := 0
		for _, b := range bufs {
			total += len(b)
		}

		n, err := c.l.sock.Writev(skipBytes(bufs, c.framePos))
		if err != nil {
			if wouldBlock(err) {
				return sentSome
			}
			c.l.log.Debug("sink write failed", "sink", c.id, "error", err)
			return sendFailed
		}
		c.framePos += n
		if c.framePos < total {
			return sentSome
		}
		c.framePos = 0
		finished = true
	}
}

func (c *sinkConn) flagFor(elem sinkQueueElem) protocol.SinkFlag {
	switch {
	case c.isRecording && !elem.frame.Record:
		return protocol.FlagStop
	case elem.overflowBefore:
		return protocol.FlagOverflow
	case elem.frame.CutBefore:
		return protocol.FlagCut
	}
	return protocol.FlagNone
}

func (c *sinkConn) close() { c.mix.RemoveSink(c.id) }

func (c *sinkConn) identity() string { return fmt.Sprintf("sink %d", c.id) }

// skipBytes drops the first n bytes of a buffer list, reslicing in place.
func skipBytes(bufs [][]byte, n int) [][]byte {
	for len(bufs) > 0 && n >= len(bufs[0]) {
		n -= len(bufs[0])
		bufs = bufs[1:]
	}
	if len(bufs) > 0 && n > 0 {
		bufs[0] = bufs[0][n:]
	}
	return bufs
}
