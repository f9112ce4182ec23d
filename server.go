package objcache

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/skipor/objcache/log"
)

var ErrServerClosed = errors.New("objcache: server closed")

type Server struct {
	Addr string
	ConnMeta
	Log         log.Logger
	connCounter int64

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*conn]struct{}
	closed    bool
	serving   sync.WaitGroup
}

// ConnMeta is data shared between connections.
type ConnMeta struct {
	Handler     Handler
	MaxItemSize int
}

func (s *Server) ListenAndServe() error {
	if s.Addr == "" {
		s.Addr = ":11211"
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections until listener fails or server is closed.
// After Close it returns ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	s.init()
	if !s.track(l) {
		l.Close()
		return ErrServerClosed
	}
	defer s.untrack(l)
	var tempDelay time.Duration // How long to sleep on accept failure.
	for {
		c, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); !(ok && ne.Temporary()) {
				return err
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 1 * time.Second; tempDelay > max {
				tempDelay = max
			}
			s.Log.Errorf("objcache: Accept error: %v; retrying in %v", err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		conn, ok := s.newConn(c)
		if !ok {
			c.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.serving.Done()
			defer s.forget(conn)
			conn.serve()
		}()
	}
}

// Close stops listeners and closes connections. Blocks until connection
// goroutines are finished, so no command is in progress after return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	for l := range s.listeners {
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	for c := range s.conns {
		c.closer.Close()
	}
	s.mu.Unlock()
	s.serving.Wait()
	return err
}

func (s *Server) newConn(c net.Conn) (*conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	conn := newConn(s.Log.WithFields(log.Fields{"conn": s.connCounter}), &s.ConnMeta, c)
	s.connCounter++
	s.conns[conn] = struct{}{}
	s.serving.Add(1)
	return conn, true
}

func (s *Server) forget(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) track(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) untrack(l net.Listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) init() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Log == nil {
		s.Log = log.NewLogger(log.ErrorLevel, os.Stderr)
	}
	if s.listeners == nil {
		s.listeners = map[net.Listener]struct{}{}
		s.conns = map[*conn]struct{}{}
	}
	s.ConnMeta.init()
}

func (m *ConnMeta) init() {
	if m.Handler == nil {
		panic("nil handler")
	}
	if m.MaxItemSize == 0 {
		m.MaxItemSize = DefaultMaxItemSize
	}
}
