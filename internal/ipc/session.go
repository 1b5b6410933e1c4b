package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultQueueSize = 64
	flushTimeout     = time.Second
)

// Session is one accepted control connection. It owns the framing cursor
// over the inbound stream and a bounded send queue drained by a single
// writer goroutine.
type Session struct {
	ID         string
	RemoteAddr string

	conn   net.Conn
	logger *slog.Logger

	out    chan any
	abort  chan struct{}
	mu     sync.RWMutex
	closed bool

	rpc     atomic.Bool
	dropped atomic.Int64
}

func newSession(conn net.Conn, queueSize int, logger *slog.Logger) *Session {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	id := uuid.NewString()
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Session{
		ID:         id,
		RemoteAddr: remote,
		conn:       conn,
		logger:     logger.With("session_id", id, "remote_addr", remote),
		out:        make(chan any, queueSize),
		abort:      make(chan struct{}),
	}
}

// IsRPC reports whether the peer has spoken JSON-RPC on this session.
func (s *Session) IsRPC() bool {
	return s.rpc.Load()
}

// Notify queues an unsolicited notification without blocking. It returns
// false when the session is not an RPC session, is closing, or its queue is
// full.
func (s *Session) Notify(n Notification) bool {
	if !s.IsRPC() {
		return false
	}
	if !s.enqueue(n, false) {
		s.dropped.Add(1)
		return false
	}
	return true
}

// enqueue hands v to the writer. With wait=false it never blocks.
func (s *Session) enqueue(v any, wait bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	if !wait {
		select {
		case s.out <- v:
			return true
		default:
			return false
		}
	}
	select {
	case s.out <- v:
		return true
	case <-s.abort:
		return false
	}
}

func (s *Session) closeQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.abort)
	close(s.out)
}

// writeLoop serialises queued envelopes as newline-terminated JSON. After the
// first write failure the connection is closed and the rest of the queue is
// drained without writing.
func (s *Session) writeLoop() {
	failed := false
	for v := range s.out {
		if failed {
			continue
		}
		data, ok := s.encodeFrame(v)
		if !ok {
			continue
		}
		if _, err := s.conn.Write(data); err != nil {
			failed = true
			if IsExpectedCloseError(err) {
				s.logger.Debug("control write stopped", "error", err)
			} else {
				s.logger.Warn("control write failed", "error", err)
			}
			_ = s.conn.Close()
		}
	}
}

// encodeFrame marshals v before anything touches the connection. A value
// that cannot be encoded (NaN or Inf from an OSC float) is replaced by an
// error envelope for replies and dropped for notifications; the session
// stays open either way.
func (s *Session) encodeFrame(v any) ([]byte, bool) {
	data, err := marshalLine(v)
	if err == nil {
		return data, true
	}

	encodeErr := fmt.Errorf("%w: encode reply: %v", ErrProtocol, err)
	var fallback any
	switch v := v.(type) {
	case Reply:
		fallback = ErrorReply(encodeErr)
	case RPCResponse:
		fallback = RPCResponse{
			JSONRPC: jsonRPCVersion,
			ID:      v.ID,
			Error:   &RPCError{Code: CodeInternal, Message: encodeErr.Error()},
		}
	default:
		s.logger.Warn("dropped unencodable control frame", "error", err)
		return nil, false
	}

	s.logger.Warn("replaced unencodable control reply", "error", err)
	data, err = marshalLine(fallback)
	if err != nil {
		s.logger.Error("encode fallback reply", "error", err)
		return nil, false
	}
	return data, true
}

func marshalLine(v any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// run drives the session until the stream ends, a fatal framing error occurs,
// or ctx is cancelled.
func (s *Session) run(parent context.Context, handler Handler, maxFrameBytes int) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	observer, _ := handler.(SessionObserver)
	if observer != nil {
		observer.SessionOpened(s)
	}
	s.logger.Debug("control session opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	stopWatch := context.AfterFunc(ctx, func() { _ = s.conn.Close() })

	var inflight sync.WaitGroup
	plain := make(chan plainFrame, cap(s.out))
	inflight.Add(1)
	go func() {
		defer inflight.Done()
		s.plainLoop(ctx, handler, plain)
	}()

	err := s.readLoop(ctx, handler, maxFrameBytes, plain, &inflight)
	close(plain)
	switch {
	case err == nil, IsExpectedCloseError(err), ctx.Err() != nil:
		s.logger.Debug("control session ended", "error", err)
	default:
		s.logger.Warn("control session terminated", "error", err)
	}

	cancel()
	if observer != nil {
		observer.SessionClosed(s)
	}

	waitGroupTimeout(&inflight, flushTimeout)
	s.closeQueue()
	select {
	case <-writerDone:
	case <-time.After(flushTimeout):
	}
	stopWatch()
	_ = s.conn.Close()
	<-writerDone
	inflight.Wait()

	s.logger.Debug("control session closed", "dropped_notifications", s.dropped.Load())
}

// readLoop keeps reading while commands are in flight, so a closed stream is
// seen at once and the session's pending work is cancelled without waiting
// for any reply.
func (s *Session) readLoop(ctx context.Context, handler Handler, maxFrameBytes int, plain chan<- plainFrame, inflight *sync.WaitGroup) error {
	scanner := NewFrameScanner(s.conn, maxFrameBytes)
	for scanner.Scan() {
		frame, err := DecodeFrame(scanner.Bytes())
		if err != nil {
			s.logger.Debug("rejected control frame", "error", err)
			if frame.RPC || s.IsRPC() {
				s.enqueue(s.rejection(frame, err), true)
			} else if !s.queuePlain(ctx, plain, plainFrame{err: err}) {
				return ctx.Err()
			}
			continue
		}

		if frame.RPC {
			s.rpc.Store(true)
			inflight.Add(1)
			go func(frame Frame) {
				defer inflight.Done()
				reply := handler.Handle(ctx, s, frame.Command)
				s.enqueue(NewRPCResponse(frame.ID, reply), true)
			}(frame)
			continue
		}

		if !s.queuePlain(ctx, plain, plainFrame{cmd: frame.Command}) {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// plainFrame is one slot in the ordered plain queue. A frame that failed to
// decode keeps its place so its error reply is not reordered.
type plainFrame struct {
	cmd Command
	err error
}

func (s *Session) queuePlain(ctx context.Context, plain chan<- plainFrame, f plainFrame) bool {
	select {
	case plain <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// plainLoop runs plain commands one at a time. Plain commands carry no ID, so
// their replies keep arrival order. Commands still queued when the session
// ends are dropped unsent.
func (s *Session) plainLoop(ctx context.Context, handler Handler, plain <-chan plainFrame) {
	for f := range plain {
		if ctx.Err() != nil {
			continue
		}
		if f.err != nil {
			s.enqueue(ErrorReply(ErrProtocol), true)
			continue
		}
		s.enqueue(handler.Handle(ctx, s, f.cmd), true)
	}
}

// rejection answers an undecodable frame on a JSON-RPC session.
func (s *Session) rejection(frame Frame, err error) RPCResponse {
	if errors.Is(err, ErrProtocol) {
		err = ErrProtocol
	}
	return RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      frame.ID,
		Error:   &RPCError{Code: CodeFor(err), Message: err.Error()},
	}
}

func waitGroupTimeout(wg *sync.WaitGroup, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
