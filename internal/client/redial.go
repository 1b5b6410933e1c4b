package client

import (
	"context"
	"sync"

	"github.com/simonreitinger/ableton-live-mcp-server/internal/ipc"
)

// Redialer holds one Client and dials a fresh one on the next request after
// the previous connection ended. Requests in flight on a dead connection still
// fail; only later requests reconnect.
type Redialer struct {
	addr string
	opts Options

	mu     sync.Mutex
	client *Client
}

// NewRedialer returns a Redialer for addr. Nothing is dialled until the
// first request.
func NewRedialer(addr string, opts Options) *Redialer {
	return &Redialer{addr: addr, opts: opts}
}

// SendMessage forwards to Client.SendMessage on the current connection.
func (r *Redialer) SendMessage(ctx context.Context, address string, args []any) (ipc.Reply, error) {
	c, err := r.get(ctx)
	if err != nil {
		return ipc.Reply{}, err
	}
	return c.SendMessage(ctx, address, args)
}

// Status forwards to Client.Status on the current connection.
func (r *Redialer) Status(ctx context.Context) (ipc.Reply, error) {
	c, err := r.get(ctx)
	if err != nil {
		return ipc.Reply{}, err
	}
	return c.Status(ctx)
}

// Close closes the current connection, if any. A later request dials again.
func (r *Redialer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *Redialer) get(ctx context.Context) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil && r.client.Err() == nil {
		return r.client, nil
	}
	c, err := Dial(ctx, r.addr, r.opts)
	if err != nil {
		return nil, err
	}
	r.client = c
	return c, nil
}
