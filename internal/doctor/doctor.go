// Package doctor runs readiness diagnostics for config, the bridge daemon,
// its health endpoint, and the Ableton OSC addresses.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/simonreitinger/ableton-live-mcp-server/internal/bridge"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/config"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/ipc"
)

const probeTimeout = 2 * time.Second

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes config and connectivity checks for a loaded config.
func Run(ctx context.Context, cfg config.Loaded) Report {
	checks := []Check{checkConfig(cfg)}
	checks = append(checks, checkAddresses(cfg.Config))
	checks = append(checks, checkDaemon(ctx, cfg.Config.Control.Listen))
	if addr := strings.TrimSpace(cfg.Config.Health.GRPC); addr != "" {
		checks = append(checks, checkHealth(ctx, addr))
	}
	return Report{Checks: checks}
}

func checkConfig(cfg config.Loaded) Check {
	message := fmt.Sprintf("loaded %q", cfg.Path)
	if !cfg.Exists {
		message = fmt.Sprintf("%q not found; using defaults", cfg.Path)
	}
	if n := len(cfg.Warnings); n > 0 && cfg.Exists {
		message = fmt.Sprintf("%s (%d warnings)", message, n)
	}
	return Check{Name: "config", Pass: true, Message: message}
}

// checkAddresses resolves the Ableton send and receive UDP endpoints.
func checkAddresses(cfg config.Config) Check {
	for _, addr := range []string{cfg.AbletonAddr(), cfg.ReceiveAddr()} {
		if _, err := net.ResolveUDPAddr("udp", addr); err != nil {
			return Check{Name: "ableton.addresses", Pass: false, Message: fmt.Sprintf("resolve %s: %v", addr, err)}
		}
	}
	return Check{
		Name:    "ableton.addresses",
		Pass:    true,
		Message: fmt.Sprintf("send to %s, receive on %s", cfg.AbletonAddr(), cfg.ReceiveAddr()),
	}
}

// checkDaemon asks the daemon on the control address for a status snapshot.
func checkDaemon(ctx context.Context, addr string) Check {
	reply, err := ipc.Send(ctx, addr, ipc.Command{Command: ipc.CommandGetStatus}, probeTimeout)
	if err != nil {
		return Check{Name: "daemon", Pass: false, Message: fmt.Sprintf("no daemon reachable at %s: %v", addr, err)}
	}
	if reply.Status != ipc.StatusOK {
		return Check{Name: "daemon", Pass: false, Message: fmt.Sprintf("unexpected status %q from %s: %s", reply.Status, addr, reply.Message)}
	}
	return Check{
		Name:    "daemon",
		Pass:    true,
		Message: fmt.Sprintf("%s at %s (ableton %d, receive %d, %d pending)", reply.State, addr, reply.AbletonPort, reply.ReceivePort, reply.Pending),
	}
}

// checkHealth queries the daemon's gRPC health service.
func checkHealth(ctx context.Context, addr string) Check {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return Check{Name: "health", Pass: false, Message: fmt.Sprintf("dial %s: %v", addr, err)}
	}
	defer conn.Close()

	conn.Connect()
	if err := waitForReady(ctx, conn); err != nil {
		return Check{Name: "health", Pass: false, Message: fmt.Sprintf("connect %s: %v", addr, err)}
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: bridge.HealthService})
	if err != nil {
		return Check{Name: "health", Pass: false, Message: fmt.Sprintf("check %s: %v", addr, err)}
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return Check{Name: "health", Pass: false, Message: fmt.Sprintf("%s reports %s", addr, resp.GetStatus())}
	}
	return Check{Name: "health", Pass: true, Message: fmt.Sprintf("serving at %s", addr)}
}

// waitForReady blocks until the gRPC connection enters Ready or fails.
func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpc connection entered shutdown state")
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("grpc readiness wait timed out in state %s", state.String())
		}
	}
}
