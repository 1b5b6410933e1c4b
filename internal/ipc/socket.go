package ipc

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Acquire binds the control address. When the address is taken it probes the
// holder: a responsive daemon yields ErrAlreadyRunning, anything else is
// reported as a bind failure.
func Acquire(ctx context.Context, addr string, probeTimeout time.Duration) (net.Listener, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err == nil {
		return listener, nil
	}
	if !isAddrInUse(err) {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}

	alive, probeErr := Probe(ctx, addr, probeTimeout)
	if alive {
		return nil, ErrAlreadyRunning
	}
	if probeErr != nil {
		return nil, fmt.Errorf("listen tcp %s: %w (holder did not answer: %v)", addr, err, probeErr)
	}
	return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
}
