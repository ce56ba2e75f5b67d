//go:build linux

// Package server implements the switcher's TCP protocol on a single event
// loop. One goroutine, locked to its OS thread, polls a wake-up pipe, the
// listening socket and every connection, and drives each connection's
// protocol state machine as its socket becomes ready.
package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/zsiec/dvswitch/internal/ingest"
	"github.com/zsiec/dvswitch/internal/media"
	"github.com/zsiec/dvswitch/internal/mixer"
)

// Mixer is the subset of mixer.Mixer the server registers connections with.
type Mixer interface {
	AddSource(src mixer.Source, settings mixer.SourceSettings) mixer.SourceID
	RemoveSource(id mixer.SourceID)
	PutFrame(id mixer.SourceID, frame *media.Frame)
	AddSink(sink mixer.Sink, recording bool) mixer.SinkID
	RemoveSink(id mixer.SinkID)
}

// quitToken asks the event loop to exit. Connection tokens start at 1.
const (
	quitToken  uint32 = 0
	tokenSize         = 4
	wakeBatch         = 1024
	pollFixed         = 2
	pollWake          = 0
	pollListen        = 1
)

// Server accepts source and sink connections and services them on one
// event loop.
type Server struct {
	log      *slog.Logger
	mix      Mixer
	registry *ingest.Registry
	addr     net.Addr

	listenFd int
	wakeR    int
	wakeW    int

	// closeMu guards the wake pipe's write end against use after Run has
	// closed it.
	closeMu sync.RWMutex
	closed  bool

	// Event loop state.
	nextToken uint32
	peers     []*peer
}

// New opens the listening socket on addr. Registry may be nil; if log is
// nil, slog.Default() is used.
func New(addr string, mix Mixer, registry *ingest.Registry, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("listen on %s: not a TCP listener", addr)
	}
	f, err := tcp.File()
	laddr := ln.Addr()
	ln.Close()
	if err != nil {
		return nil, fmt.Errorf("listener fd: %w", err)
	}
	listenFd, err := unix.Dup(int(f.Fd()))
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("dup listener: %w", err)
	}
	if err := unix.SetNonblock(listenFd, true); err != nil {
		unix.Close(listenFd)
		return nil, fmt.Errorf("listener nonblock: %w", err)
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(listenFd)
		return nil, fmt.Errorf("wake pipe: %w", err)
	}

	return &Server{
		log:       log.With("component", "server"),
		mix:       mix,
		registry:  registry,
		addr:      laddr,
		listenFd:  listenFd,
		wakeR:     pipe[0],
		wakeW:     pipe[1],
		nextToken: 1,
	}, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stop asks the event loop to exit. It may be called before Run, from any
// goroutine, any number of times.
func (s *Server) Stop() {
	if !s.wake(quitToken) {
		s.log.Debug("stop token not queued")
	}
}

// wake queues a token for the event loop without blocking and reports
// whether it was written.
func (s *Server) wake(token uint32) bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return false
	}
	var b [tokenSize]byte
	binary.NativeEndian.PutUint32(b[:], token)
	if _, err := unix.Write(s.wakeW, b[:]); err != nil {
		s.log.Debug("wake pipe write failed", "token", token, "error", err)
		return false
	}
	return true
}

// Run services connections until ctx is cancelled or Stop is called, then
// drops every connection and closes the listening socket.
func (s *Server) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer s.shutdown()

	s.log.Info("listening", "addr", s.addr.String())

	var fds []unix.PollFd
	for {
		fds = fds[:0]
		fds = append(fds,
			unix.PollFd{Fd: int32(s.wakeR), Events: unix.POLLIN},
			unix.PollFd{Fd: int32(s.listenFd), Events: unix.POLLIN},
		)
		for _, p := range s.peers {
			fds = append(fds, unix.PollFd{Fd: int32(p.fd), Events: p.events})
		}

		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		if fds[pollWake].Revents&unix.POLLIN != 0 {
			if s.drainWake() {
				return nil
			}
		}
		if fds[pollListen].Revents&unix.POLLIN != 0 {
			s.accept()
		}
		s.service(fds[pollFixed:])
	}
}

// drainWake reads pending tokens, adding write interest for each named
// connection. It reports whether the quit token was seen.
func (s *Server) drainWake() bool {
	var buf [wakeBatch * tokenSize]byte
	for {
		n, err := unix.Read(s.wakeR, buf[:])
		if err != nil || n <= 0 {
			return false
		}
		for off := 0; off+tokenSize <= n; off += tokenSize {
			token := binary.NativeEndian.Uint32(buf[off:])
			if token == quitToken {
				return true
			}
			for _, p := range s.peers {
				if p.link.token == token {
					p.link.woken()
					p.events |= unix.POLLOUT
					break
				}
			}
		}
		if n < len(buf) {
			return false
		}
	}
}

func (s *Server) accept() {
	for {
		fd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
				s.log.Warn("accept failed", "error", err)
			}
			return
		}

		token := s.nextToken
		s.nextToken++
		if s.nextToken == quitToken {
			s.nextToken = 1
		}
		l := &link{
			sock:     fdSocket(fd),
			token:    token,
			remote:   sockaddrString(sa),
			wake:     s.wake,
			log:      s.log,
			registry: s.registry,
		}
		s.peers = append(s.peers, &peer{
			fd:     fd,
			link:   l,
			conn:   newUnknownConn(l, s.mix),
			events: unix.POLLIN,
		})
		s.log.Debug("accepted", "remote", l.remote)
	}
}

// service handles readiness for the peers polled this iteration. Peers
// accepted during this iteration sit beyond len(fds) and are kept as is.
func (s *Server) service(fds []unix.PollFd) {
	kept := s.peers[:0]
	for i, p := range s.peers {
		if i >= len(fds) {
			kept = append(kept, p)
			continue
		}
		if err := s.handle(p, fds[i].Revents); err != nil {
			s.drop(p, err)
			continue
		}
		kept = append(kept, p)
	}
	clear(s.peers[len(kept):])
	s.peers = kept
}

func (s *Server) handle(p *peer, revents int16) error {
	if revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		return io.EOF
	}
	if revents&unix.POLLIN != 0 {
		if err := p.receive(); err != nil {
			return err
		}
	}
	if revents&unix.POLLOUT != 0 {
		switch p.conn.send() {
		case sendFailed:
			return errSendFailed
		case sentAll:
			p.events &^= unix.POLLOUT
		}
	}
	return nil
}

var errSendFailed = errors.New("send failed")

func (s *Server) drop(p *peer, err error) {
	if errors.Is(err, io.EOF) {
		s.log.Info("connection closed", "peer", p.conn.identity())
	} else {
		s.log.Warn("dropping connection", "peer", p.conn.identity(), "error", err)
	}
	p.conn.close()
	unix.Close(p.fd)
}

func (s *Server) shutdown() {
	for _, p := range s.peers {
		p.conn.close()
		unix.Close(p.fd)
	}
	s.peers = nil

	s.closeMu.Lock()
	s.closed = true
	unix.Close(s.wakeW)
	s.closeMu.Unlock()

	unix.Close(s.wakeR)
	unix.Close(s.listenFd)
	s.log.Info("stopped")
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrUnix:
		return a.Name
	}
	return "unknown"
}
