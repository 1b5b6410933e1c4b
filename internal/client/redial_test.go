package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simonreitinger/ableton-live-mcp-server/internal/ipc"
)

func TestRedialerDialsLazily(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	r := NewRedialer(addr, Options{Timeout: 200 * time.Millisecond})
	defer r.Close()

	_, err = r.Status(context.Background())
	require.ErrorIs(t, err, ipc.ErrConnection)

	listener, err = net.Listen("tcp", addr)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ipc.Serve(ctx, listener, ipc.HandlerFunc(func(context.Context, *ipc.Session, ipc.Command) ipc.Reply {
			return ipc.Reply{Status: ipc.StatusOK}
		}))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	reply, err := r.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, ipc.StatusOK, reply.Status)
}

func TestRedialerReconnectsAfterClose(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	conns := make(chan net.Conn, 2)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { _ = conn.Close() })
			conns <- conn
		}
	}()

	r := NewRedialer(listener.Addr().String(), Options{Timeout: time.Second})
	defer r.Close()

	status := func() <-chan error {
		errCh := make(chan error, 1)
		go func() {
			_, err := r.Status(context.Background())
			errCh <- err
		}()
		return errCh
	}

	errCh := status()
	conn, reader := accept(t, conns)
	req := readRequest(t, reader)
	writeLine(t, conn, ipc.NewRPCResponse(req.ID, ipc.Reply{Status: ipc.StatusOK}))
	require.NoError(t, <-errCh)

	r.mu.Lock()
	first := r.client
	r.mu.Unlock()
	require.NoError(t, conn.Close())
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client did not notice the closed connection")
	}

	errCh = status()
	conn, reader = accept(t, conns)
	req = readRequest(t, reader)
	require.Equal(t, "1", req.ID)
	writeLine(t, conn, ipc.NewRPCResponse(req.ID, ipc.Reply{Status: ipc.StatusOK}))
	require.NoError(t, <-errCh)
}
