package ipc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// WebSocketPath is where the control channel is mounted on the WebSocket listener.
const WebSocketPath = "/ws"

// WebSocketHandler exposes the control channel over WebSocket text messages.
// Frames are re-segmented exactly like the TCP stream, so one message may
// carry several envelopes or a fragment of one. Sessions are bound to ctx,
// not to the HTTP request.
func (s *Server) WebSocketHandler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger().Warn("websocket accept failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		ws.SetReadLimit(int64(s.maxFrameBytes()))

		conn := websocket.NetConn(ctx, ws, websocket.MessageText)
		s.ServeConn(ctx, conn)
	})
}

// ServeWebSocket serves the WebSocket control channel on listener until ctx
// is cancelled.
func (s *Server) ServeWebSocket(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(WebSocketPath, s.WebSocketHandler(ctx))

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() { _ = server.Close() })
	defer stop()

	err := server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		s.wg.Wait()
		return nil
	}
	return err
}

func (s *Server) maxFrameBytes() int {
	if s.MaxFrameBytes > 0 {
		return s.MaxFrameBytes
	}
	return DefaultMaxFrameBytes
}
