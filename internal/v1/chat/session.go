package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/v1/metrics"
	"github.com/parley-chat/parley/internal/v1/protocol"
)

// lineConn abstracts a line-oriented client connection. Adapters normalize an
// orderly peer close to io.EOF so the session loop treats TCP sockets and
// websockets the same way.
type lineConn interface {
	// ReadLine blocks for the next line, including any trailing newline.
	ReadLine() (string, error)
	// WriteString writes one pre-framed response envelope.
	WriteString(s string) error
	Close() error
}

// Session binds one client connection to the hub. It owns the read loop,
// serializes writes from the dispatcher and the fanout, and carries the
// login state that gates every command but LOGIN.
type Session struct {
	id   string
	hub  *Hub
	conn lineConn

	writeMu sync.Mutex

	stateMu sync.RWMutex
	state   *UserState

	closeOnce sync.Once
}

// NewSession wraps a freshly accepted connection. The session is not known to
// the hub until Run registers it.
func NewSession(h *Hub, conn lineConn) *Session {
	return &Session{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
	}
}

// ID returns the session's connection id, unique per accepted connection.
func (s *Session) ID() string {
	return s.id
}

// State returns the logged-in user object, or nil before LOGIN.
func (s *Session) State() *UserState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(state *UserState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// Run drives the session until the connection ends: read a line, parse it,
// dispatch it, write the response. Whatever ends the session, the logout
// flow runs, so rooms never keep members whose connection is gone.
func (s *Session) Run(ctx context.Context) {
	s.hub.addSession(s)
	slog.Info("Session started", "connId", s.id, "node", s.hub.node)

	defer func() {
		if state := s.State(); state != nil {
			s.hub.terminate(ctx, state.Get())
			s.setState(nil)
		}
		s.hub.removeSession(s)
		s.Close()
		slog.Info("Session ended", "connId", s.id, "node", s.hub.node)
	}()

	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			if !isClosed(err) {
				slog.Warn("Transport error", "connId", s.id, "error", err)
				s.writeRaw(protocol.TransportError)
			}
			return
		}

		cmd, err := protocol.Parse(strings.TrimRight(line, "\r\n"))
		if err != nil {
			metrics.Commands.WithLabelValues("unknown", "rejected").Inc()
			s.writeRaw(protocol.UnknownCommand)
			continue
		}
		s.hub.Dispatch(ctx, s, cmd)
	}
}

// Write sends one envelope down the connection. Dispatcher replies and fanout
// deliveries share this path, serialized by the write lock.
func (s *Session) Write(payload string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteString(payload)
}

func (s *Session) writeRaw(payload string) {
	if err := s.Write(payload); err != nil {
		slog.Warn("Failed to write response", "connId", s.id, "error", err)
	}
}

// Close shuts the underlying connection, unblocking the read loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil && !isClosed(err) {
			slog.Warn("Failed to close connection", "connId", s.id, "error", err)
		}
	})
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
