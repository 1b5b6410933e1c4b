// Package client multiplexes concurrent JSON-RPC requests over one
// persistent control connection to the bridge daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/simonreitinger/ableton-live-mcp-server/internal/ipc"
)

// DefaultTimeout bounds each request when Options.Timeout is unset.
const DefaultTimeout = 5 * time.Second

// Options configures a Client.
type Options struct {
	Timeout        time.Duration
	Logger         *slog.Logger
	OnNotification func(ipc.Notification)
	MaxFrameBytes  int
}

// Client owns one control connection, its id counter and its waiter map.
// It never reconnects; once Done is closed, build a new Client.
type Client struct {
	conn   net.Conn
	opts   Options
	logger *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	waiters map[string]chan ipc.RPCResponse
	closed  bool

	writeMu sync.Mutex
	encoder *json.Encoder

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the daemon at addr and starts the receive loop.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	dialer := net.Dialer{Timeout: opts.timeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ipc.ErrConnection, addr, err)
	}
	return New(conn, opts), nil
}

// New wraps an established connection and starts the receive loop.
func New(conn net.Conn, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	encoder := json.NewEncoder(conn)
	encoder.SetEscapeHTML(false)

	c := &Client{
		conn:    conn,
		opts:    opts,
		logger:  logger,
		waiters: make(map[string]chan ipc.RPCResponse),
		encoder: encoder,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTimeout
}

// Request sends one JSON-RPC request and waits for its result. Error
// responses come back as *ipc.RPCError, which unwraps to the ipc sentinels.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		rawParams = encoded
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch, err := c.register(id)
	if err != nil {
		return nil, err
	}

	req := ipc.RPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: rawParams}
	if err := c.write(req); err != nil {
		c.unregister(id)
		c.shutdown(fmt.Errorf("%w: write: %v", ipc.ErrConnection, err))
		return nil, c.Err()
	}

	timer := time.NewTimer(c.opts.timeout())
	defer timer.Stop()

	var resp ipc.RPCResponse
	select {
	case resp = <-ch:
	case <-timer.C:
		if c.unregister(id) {
			return nil, fmt.Errorf("%w waiting for response to %s", ipc.ErrTimeout, method)
		}
		resp = <-ch
	case <-ctx.Done():
		if c.unregister(id) {
			return nil, ctx.Err()
		}
		resp = <-ch
	}

	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// SendMessage asks the daemon to forward an OSC message.
func (c *Client) SendMessage(ctx context.Context, address string, args []any) (ipc.Reply, error) {
	if args == nil {
		args = []any{}
	}
	return c.call(ctx, ipc.CommandSendMessage, ipc.MessageParams{Address: address, Args: args})
}

// Status fetches the daemon status snapshot.
func (c *Client) Status(ctx context.Context) (ipc.Reply, error) {
	return c.call(ctx, ipc.CommandGetStatus, nil)
}

func (c *Client) call(ctx context.Context, method string, params any) (ipc.Reply, error) {
	result, err := c.Request(ctx, method, params)
	if err != nil {
		return ipc.Reply{}, err
	}
	var reply ipc.Reply
	if err := decodeNumbers(result, &reply); err != nil {
		return ipc.Reply{}, fmt.Errorf("%w: decode result: %v", ipc.ErrProtocol, err)
	}
	return reply, nil
}

// Close tears down the connection. Outstanding requests fail with
// ipc.ErrConnection.
func (c *Client) Close() error {
	c.shutdown(ipc.ErrConnection)
	return nil
}

// Done is closed once the connection is unusable.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Client) register(id string) (chan ipc.RPCResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.err
	}
	ch := make(chan ipc.RPCResponse, 1)
	c.waiters[id] = ch
	return ch, nil
}

// unregister reports whether id was still waiting. false means a response
// was already delivered to its channel.
func (c *Client) unregister(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.waiters[id]; !ok {
		return false
	}
	delete(c.waiters, id)
	return true
}

func (c *Client) resolve(resp ipc.RPCResponse) bool {
	c.mu.Lock()
	ch, ok := c.waiters[resp.ID]
	if ok {
		delete(c.waiters, resp.ID)
	}
	c.mu.Unlock()

	if ok {
		ch <- resp
	}
	return ok
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.timeout())); err != nil {
		return err
	}
	return c.encoder.Encode(v)
}

type inboundFrame struct {
	ipc.RPCResponse
	Type    string `json:"type"`
	Address string `json:"address"`
	Args    []any  `json:"args"`
}

func (c *Client) readLoop() {
	scanner := ipc.NewFrameScanner(c.conn, c.opts.MaxFrameBytes)
	for scanner.Scan() {
		var frame inboundFrame
		if err := decodeNumbers(scanner.Bytes(), &frame); err != nil {
			c.logger.Debug("dropped undecodable frame from daemon", "error", err)
			continue
		}

		if frame.Type == "notification" {
			if c.opts.OnNotification != nil {
				c.opts.OnNotification(ipc.NewNotification(frame.Address, frame.Args))
			}
			continue
		}
		if frame.ID == "" {
			c.logger.Debug("dropped frame without id", "error", frame.Error)
			continue
		}
		if !c.resolve(frame.RPCResponse) {
			c.logger.Debug("dropped response for unknown request", "id", frame.ID)
		}
	}

	cause := scanner.Err()
	switch {
	case cause == nil, ipc.IsExpectedCloseError(cause):
		c.shutdown(ipc.ErrConnection)
	default:
		c.shutdown(fmt.Errorf("%w: %v", ipc.ErrConnection, cause))
	}
}

// shutdown runs once: it fails every waiter, closes Done and the connection.
func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = cause
		waiters := c.waiters
		c.waiters = make(map[string]chan ipc.RPCResponse)
		c.mu.Unlock()

		msg := cause.Error()
		for id, ch := range waiters {
			ch <- ipc.RPCResponse{ID: id, Error: &ipc.RPCError{Code: ipc.CodeConnectionClosed, Message: msg}}
		}
		close(c.done)
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("close control connection", "error", err)
		}
	})
}

func decodeNumbers(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decoder.Decode(v)
}
