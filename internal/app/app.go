package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/simonreitinger/ableton-live-mcp-server/internal/bridge"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/cli"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/client"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/config"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/doctor"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/ipc"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/logging"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/mcpserver"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/version"
)

const clientTimeoutSlack = time.Second

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText(version.Name))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText(version.Name))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	envFile := parsed.EnvFile
	if envFile == "" {
		envFile = config.DefaultEnvFile
	}
	if err := config.LoadEnvFile(envFile, parsed.EnvFile != ""); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	logOpts := logging.Options{Level: cfgLoaded.Config.Log.Level}
	if parsed.Command == cli.CommandDaemon && cfgLoaded.Config.Log.Stderr {
		logOpts.Mirror = r.Stderr
	}
	logRuntime, err := logging.New(logOpts)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(ctx, cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDaemon:
		return r.commandDaemon(ctx, cfgLoaded.Config, logger)
	case cli.CommandStatus:
		return r.commandStatus(ctx, cfgLoaded.Config)
	case cli.CommandSend:
		return r.commandSend(ctx, cfgLoaded.Config, logger, parsed.Args[0], cli.ParseValues(parsed.Args[1:]))
	case cli.CommandMCP:
		return r.commandMCP(ctx, cfgLoaded.Config, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	daemon, err := bridge.New(bridgeConfig(cfg), logger)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if err := daemon.Run(ctx); err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			fmt.Fprintf(r.Stderr, "error: a bridge daemon is already listening on %s\n", cfg.Control.Listen)
			return 1
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (r Runner) commandStatus(ctx context.Context, cfg config.Config) int {
	reply, err := ipc.Send(ctx, cfg.Control.Listen, ipc.Command{Command: ipc.CommandGetStatus}, cfg.Timeout())
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: daemon not reachable at %s: %v\n", cfg.Control.Listen, err)
		return 1
	}
	return r.printReply(reply)
}

func (r Runner) commandSend(ctx context.Context, cfg config.Config, logger *slog.Logger, address string, args []any) int {
	c, err := client.Dial(ctx, cfg.Control.Listen, clientOptions(cfg, logger))
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer c.Close()

	reply, err := c.SendMessage(ctx, address, args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	return r.printReply(reply)
}

func (r Runner) commandMCP(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	requester := client.NewRedialer(cfg.Control.Listen, clientOptions(cfg, logger))
	defer requester.Close()

	if err := mcpserver.New(requester, logger).Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(r.Stderr, "error: mcp server: %v\n", err)
		logger.Error("mcp server failed", "error", err)
		return 1
	}
	return 0
}

func (r Runner) printReply(reply ipc.Reply) int {
	data, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: encode reply: %v\n", err)
		return 1
	}
	fmt.Fprintln(r.Stdout, string(data))
	if reply.Status == ipc.StatusError {
		return 1
	}
	return 0
}

// clientOptions bounds client requests a little past the daemon's own reply
// timeout, so the daemon's timeout reply naming the OSC address arrives
// before the client gives up.
func clientOptions(cfg config.Config, logger *slog.Logger) client.Options {
	return client.Options{
		Timeout:       cfg.Timeout() + clientTimeoutSlack,
		Logger:        logger,
		MaxFrameBytes: cfg.Control.MaxFrameBytes,
	}
}

func bridgeConfig(cfg config.Config) bridge.Config {
	return bridge.Config{
		ListenAddr:           cfg.Control.Listen,
		WebSocketAddr:        cfg.Control.WebSocket,
		HealthAddr:           cfg.Health.GRPC,
		AbletonAddr:          cfg.AbletonAddr(),
		ReceiveAddr:          cfg.ReceiveAddr(),
		Timeout:              cfg.Timeout(),
		ReplyPrefixes:        cfg.Requests.ReplyPrefixes,
		MaxPendingPerAddress: cfg.Requests.MaxPendingPerAddress,
		MaxFrameBytes:        cfg.Control.MaxFrameBytes,
		QueueSize:            cfg.Control.QueueSize,
	}
}
