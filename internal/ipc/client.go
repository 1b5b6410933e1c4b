package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Send performs one plain request/response roundtrip on a fresh control
// connection. Plain commands have no ID, so the first envelope back is the
// reply.
func Send(ctx context.Context, addr string, cmd Command, timeout time.Duration) (Reply, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return Reply{}, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(cmd); err != nil {
		return Reply{}, fmt.Errorf("encode request: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		return Reply{}, fmt.Errorf("read response: %w", err)
	}

	var reply Reply
	if err := unmarshalNumbers(line, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode response: %w", err)
	}
	return reply, nil
}

// Probe checks whether a responsive daemon is listening on addr.
func Probe(ctx context.Context, addr string, timeout time.Duration) (bool, error) {
	reply, err := Send(ctx, addr, Command{Command: CommandGetStatus}, timeout)
	if err == nil {
		return reply.Status == StatusOK, nil
	}
	if isConnectionRefused(err) {
		return false, nil
	}
	return false, fmt.Errorf("probe control address: %w", err)
}
