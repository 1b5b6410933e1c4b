package osc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

const maxDatagramBytes = 65535

// Transport sends datagrams to Ableton from an unbound socket and receives
// replies on a socket bound to the configured receive address.
type Transport struct {
	target *net.UDPAddr
	send   *net.UDPConn
	recv   *net.UDPConn
	logger *slog.Logger

	closeOnce sync.Once
}

// Open resolves target, binds listenAddr and returns a ready transport.
func Open(target string, listenAddr string, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	targetAddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("resolve ableton address %s: %w", target, err)
	}
	localAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve receive address %s: %w", listenAddr, err)
	}

	recv, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("bind receive address %s: %w", listenAddr, err)
	}
	send, err := net.ListenUDP("udp", nil)
	if err != nil {
		_ = recv.Close()
		return nil, fmt.Errorf("open send socket: %w", err)
	}

	return &Transport{
		target: targetAddr,
		send:   send,
		recv:   recv,
		logger: logger,
	}, nil
}

// Target returns the Ableton address datagrams are sent to.
func (t *Transport) Target() *net.UDPAddr {
	return t.target
}

// ListenAddr returns the bound receive address.
func (t *Transport) ListenAddr() *net.UDPAddr {
	return t.recv.LocalAddr().(*net.UDPAddr)
}

// Send encodes and writes one datagram. No delivery guarantee.
func (t *Transport) Send(address string, args []any) error {
	data, err := Encode(address, args)
	if err != nil {
		return err
	}
	if _, err := t.send.WriteToUDP(data, t.target); err != nil {
		return fmt.Errorf("send osc %s: %w", address, err)
	}
	t.logger.Debug("osc sent", "address", address, "args", len(args))
	return nil
}

// Serve reads datagrams until ctx is cancelled or the transport is closed,
// calling handle for each decoded message. Undecodable datagrams are dropped.
func (t *Transport) Serve(ctx context.Context, handle func(Message)) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	buf := make([]byte, maxDatagramBytes)
	for {
		n, from, err := t.recv.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read osc datagram: %w", err)
		}

		messages, err := Decode(buf[:n])
		if err != nil {
			t.logger.Debug("dropped osc datagram", "from", from.String(), "bytes", n, "error", err)
			continue
		}
		for _, msg := range messages {
			handle(msg)
		}
	}
}

// Close releases both sockets. Safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = errors.Join(t.recv.Close(), t.send.Close())
	})
	return err
}
