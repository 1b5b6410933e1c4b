package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Handler processes one decoded command envelope for a session. It may block
// until the reply is known; ctx is cancelled when the session ends.
type Handler interface {
	Handle(ctx context.Context, s *Session, cmd Command) Reply
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, *Session, Command) Reply

func (f HandlerFunc) Handle(ctx context.Context, s *Session, cmd Command) Reply {
	return f(ctx, s, cmd)
}

// SessionObserver is implemented by handlers that track session lifetimes.
// SessionClosed runs before the session's in-flight handlers are awaited, so
// it is the place to cancel anything those handlers are blocked on.
type SessionObserver interface {
	SessionOpened(*Session)
	SessionClosed(*Session)
}

// Server accepts persistent control connections and runs one Session per
// connection.
type Server struct {
	Handler       Handler
	Logger        *slog.Logger
	MaxFrameBytes int
	QueueSize     int

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// Serve accepts control clients until context cancellation or listener close.
func Serve(ctx context.Context, listener net.Listener, handler Handler) error {
	srv := &Server{Handler: handler}
	return srv.Serve(ctx, listener)
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Serve accepts connections on listener until ctx is cancelled or the
// listener is closed, then waits for every session to finish.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.ServeConn(ctx, c)
		}(conn)
	}
}

// ServeConn runs a session on an already established connection and returns
// when it ends. The connection is always closed on return.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	session := newSession(conn, s.QueueSize, s.logger())
	s.track(session)
	defer s.untrack(session)

	session.run(ctx, s.Handler, s.MaxFrameBytes)
}

// Broadcast offers n to every RPC session and returns how many accepted it.
func (s *Server) Broadcast(n Notification) int {
	s.mu.Lock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		targets = append(targets, session)
	}
	s.mu.Unlock()

	delivered := 0
	for _, session := range targets {
		if session.Notify(n) {
			delivered++
		}
	}
	return delivered
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) track(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[string]*Session)
	}
	s.sessions[session.ID] = session
}

func (s *Server) untrack(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session.ID)
}
