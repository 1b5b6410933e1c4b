// Package bridge runs the daemon between control clients and Ableton Live.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/simonreitinger/ableton-live-mcp-server/internal/correlate"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/fsm"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/ipc"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/osc"
)

// HealthService is the service name reported on the gRPC health endpoint in
// addition to the server-wide "" entry.
const HealthService = "ableton.bridge"

var errNotStarted = errors.New("bridge daemon not started")

// Daemon owns the control listeners, the OSC transport and the correlation
// table for one process.
type Daemon struct {
	cfg    Config
	logger *slog.Logger

	server *ipc.Server
	table  *correlate.Table[osc.Message]

	mu    sync.RWMutex
	state fsm.State

	transport  *osc.Transport
	listener   net.Listener
	wsListener net.Listener
	healthLis  net.Listener
	grpcServer *grpc.Server
	health     *health.Server

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New builds an idle daemon. Nothing is bound until Start.
func New(cfg Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid bridge config: %w", err)
	}

	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		table:  correlate.New[osc.Message](cfg.MaxPendingPerAddress),
		state:  fsm.StateIdle,
		done:   make(chan struct{}),
	}
	d.server = &ipc.Server{
		Handler:       d,
		Logger:        logger,
		MaxFrameBytes: cfg.MaxFrameBytes,
		QueueSize:     cfg.QueueSize,
	}
	return d, nil
}

// Run starts the daemon and blocks until ctx is cancelled or a component
// fails.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	return d.Wait()
}

// Start binds every socket and begins serving. A bind failure leaves nothing
// open and moves the daemon to failed.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.transition(fsm.EventStart); err != nil {
		return err
	}

	if err := d.bind(ctx); err != nil {
		d.release()
		_ = d.transition(fsm.EventFail)
		d.err = err
		close(d.done)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	_ = d.transition(fsm.EventReady)
	if d.health != nil {
		d.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		d.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return d.server.Serve(groupCtx, d.listener)
	})
	group.Go(func() error {
		return d.transport.Serve(groupCtx, d.handleDatagram)
	})
	if d.wsListener != nil {
		group.Go(func() error {
			return d.server.ServeWebSocket(groupCtx, d.wsListener)
		})
	}
	if d.grpcServer != nil {
		group.Go(func() error {
			return d.grpcServer.Serve(d.healthLis)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		d.shutdown(runCtx.Err() != nil)
		return nil
	})

	d.logger.Info("bridge daemon serving",
		"control", d.listener.Addr().String(),
		"ableton", d.transport.Target().String(),
		"receive", d.transport.ListenAddr().String(),
		"websocket", addrString(d.wsListener),
		"health", addrString(d.healthLis),
	)

	go func() {
		err := group.Wait()
		cancel()
		d.release()
		_ = d.transition(fsm.EventStopped)
		d.err = err
		close(d.done)
		if err != nil {
			d.logger.Error("bridge daemon stopped", "error", err)
			return
		}
		d.logger.Info("bridge daemon stopped")
	}()
	return nil
}

func (d *Daemon) bind(ctx context.Context) error {
	listener, err := ipc.Acquire(ctx, d.cfg.ListenAddr, defaultProbeTimeout)
	if err != nil {
		return err
	}
	d.listener = listener

	transport, err := osc.Open(d.cfg.AbletonAddr, d.cfg.ReceiveAddr, d.logger)
	if err != nil {
		return err
	}
	d.transport = transport

	if d.cfg.WebSocketAddr != "" {
		wsListener, err := net.Listen("tcp", d.cfg.WebSocketAddr)
		if err != nil {
			return fmt.Errorf("listen websocket %s: %w", d.cfg.WebSocketAddr, err)
		}
		d.wsListener = wsListener
	}

	if d.cfg.HealthAddr != "" {
		healthLis, err := net.Listen("tcp", d.cfg.HealthAddr)
		if err != nil {
			return fmt.Errorf("listen grpc health %s: %w", d.cfg.HealthAddr, err)
		}
		d.healthLis = healthLis
		d.health = health.NewServer()
		d.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		d.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
		d.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(d.grpcServer, d.health)
	}
	return nil
}

// shutdown runs once the serving context ends. requested is false when a
// component failure triggered it.
func (d *Daemon) shutdown(requested bool) {
	event := fsm.EventStop
	if !requested {
		event = fsm.EventFail
	}
	if err := d.transition(event); err != nil {
		d.logger.Debug("shutdown transition skipped", "error", err)
	}

	if d.health != nil {
		d.health.Shutdown()
	}
	if d.grpcServer != nil {
		d.grpcServer.Stop()
	}
	d.table.Close(ipc.ErrConnection)
}

// release closes whatever bind opened. Closing twice is harmless.
func (d *Daemon) release() {
	if d.listener != nil {
		_ = d.listener.Close()
	}
	if d.transport != nil {
		_ = d.transport.Close()
	}
	if d.wsListener != nil {
		_ = d.wsListener.Close()
	}
	if d.healthLis != nil {
		_ = d.healthLis.Close()
	}
}

// Stop begins shutdown and waits for it to finish.
func (d *Daemon) Stop() error {
	d.mu.RLock()
	cancel := d.cancel
	state := d.state
	d.mu.RUnlock()

	if state == fsm.StateIdle {
		return errNotStarted
	}
	if cancel != nil {
		cancel()
	}
	return d.Wait()
}

// Wait blocks until the daemon has fully stopped.
func (d *Daemon) Wait() error {
	<-d.done
	return d.err
}

// Done is closed once the daemon has fully stopped.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// State returns the lifecycle state.
func (d *Daemon) State() fsm.State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Addr returns the bound control address, or nil before Start.
func (d *Daemon) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// WebSocketAddr returns the bound WebSocket address, or nil when disabled.
func (d *Daemon) WebSocketAddr() net.Addr {
	if d.wsListener == nil {
		return nil
	}
	return d.wsListener.Addr()
}

// HealthAddr returns the bound gRPC health address, or nil when disabled.
func (d *Daemon) HealthAddr() net.Addr {
	if d.healthLis == nil {
		return nil
	}
	return d.healthLis.Addr()
}

// ReceiveAddr returns the bound OSC receive address, or nil before Start.
func (d *Daemon) ReceiveAddr() *net.UDPAddr {
	if d.transport == nil {
		return nil
	}
	return d.transport.ListenAddr()
}

func (d *Daemon) transition(event fsm.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next, err := fsm.Transition(d.state, event)
	if err != nil {
		return err
	}
	d.logger.Debug("daemon state", "from", d.state, "event", event, "to", next)
	d.state = next
	return nil
}

func addrString(l net.Listener) string {
	if l == nil {
		return ""
	}
	return l.Addr().String()
}
