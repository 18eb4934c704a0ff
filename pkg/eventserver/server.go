// Package eventserver implements the daemon's event loop: a unix
// datagram socket that dispatches RECONF/CHANGED/STOP events to
// registered handlers, with a 5-second poll timeout and pid file
// lifecycle.
package eventserver

import (
	"errors"
	"net"
	"os"
	"strconv"
	"time"

	"k8s.io/klog/v2"
)

// Event is one of the three tokens the unix datagram socket carries.
type Event string

const (
	Reconf  Event = "RECONF"
	Changed Event = "CHANGED"
	Stop    Event = "STOP"
)

const pollTimeout = 5 * time.Second

// Handlers maps an event to the function run when it is observed.
// RECONF always dispatches before CHANGED within the same tick.
type Handlers struct {
	OnReconf  func()
	OnChanged func()
}

// Server owns the unix datagram socket and pid file for the lifetime
// of the daemon.
type Server struct {
	SockPath string
	PIDPath  string

	conn *net.UnixConn
}

// New binds the socket and writes the pid file. Callers must call
// Close when done, ideally via defer.
func New(sockPath, pidPath string) (*Server, error) {
	_ = os.Remove(sockPath)

	addr, err := net.ResolveUnixAddr("unixgram", sockPath)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		conn.Close()
		return nil, err
	}

	return &Server{SockPath: sockPath, PIDPath: pidPath, conn: conn}, nil
}

// Close tears the socket and pid file down, best-effort.
func (s *Server) Close() {
	_ = os.Remove(s.PIDPath)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	_ = os.Remove(s.SockPath)
}

// Run blocks, dispatching events until a STOP token is observed. The
// tick that carries STOP still dispatches its other events before the
// loop exits. Handler panics are recovered and logged so one bad
// handler cannot take the loop down; socket errors other than a read
// timeout terminate the loop.
func (s *Server) Run(h Handlers) error {
	buf := make([]byte, 1024)
	for {
		events, err := s.drainOneTick(buf)
		if err != nil {
			return err
		}

		if events[Reconf] && h.OnReconf != nil {
			s.dispatch("RECONF", h.OnReconf)
		}
		if events[Changed] && h.OnChanged != nil {
			s.dispatch("CHANGED", h.OnChanged)
		}

		if events[Stop] {
			klog.V(2).Info("event server: STOP received, leaving")
			return nil
		}
	}
}

// drainOneTick waits up to pollTimeout for the first datagram, then
// drains every pending datagram without blocking. The would-block that
// terminates the drain also asserts a synthetic CHANGED event, so
// every tick polls cluster state even when only a RECONF arrived.
func (s *Server) drainOneTick(buf []byte) (map[Event]bool, error) {
	events := map[Event]bool{}

	if err := s.conn.SetReadDeadline(time.Now().Add(pollTimeout)); err != nil {
		return nil, err
	}

	for {
		n, _, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			if isTimeoutOrWouldBlock(err) {
				events[Changed] = true
				return events, nil
			}
			return nil, err
		}
		token := string(buf[:n])
		klog.V(4).Infof("event server: received %q", token)
		events[Event(token)] = true

		// Subsequent reads in this tick must not wait for new traffic:
		// drain whatever is already queued, then stop. A deadline of
		// exactly now fails the next read before it reaches the socket,
		// so a short window is used instead.
		if err := s.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond)); err != nil {
			return nil, err
		}
	}
}

func isTimeoutOrWouldBlock(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

func (s *Server) dispatch(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("event server: handler %s panicked: %v", name, r)
		}
	}()
	fn()
}
