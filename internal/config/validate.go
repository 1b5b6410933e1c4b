package config

import (
	"fmt"
	"net"
	"strings"
)

const minFrameBytes = 1024

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if err := validateHostPort("control.listen", cfg.Control.Listen); err != nil {
		return nil, err
	}
	if cfg.Control.WebSocket != "" {
		if err := validateHostPort("control.websocket", cfg.Control.WebSocket); err != nil {
			return nil, err
		}
	}
	if cfg.Control.MaxFrameBytes < minFrameBytes {
		return nil, fmt.Errorf("control.max_frame_bytes must be >= %d", minFrameBytes)
	}
	if cfg.Control.QueueSize <= 0 {
		return nil, fmt.Errorf("control.queue_size must be > 0")
	}

	if strings.TrimSpace(cfg.Ableton.Host) == "" {
		return nil, fmt.Errorf("ableton.host must not be empty")
	}
	if err := validatePort("ableton.port", cfg.Ableton.Port); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Ableton.ReceiveHost) == "" {
		return nil, fmt.Errorf("ableton.receive_host must not be empty")
	}
	if err := validatePort("ableton.receive_port", cfg.Ableton.ReceivePort); err != nil {
		return nil, err
	}

	if cfg.Requests.TimeoutMS <= 0 {
		return nil, fmt.Errorf("requests.timeout_ms must be > 0")
	}
	if cfg.Requests.MaxPendingPerAddress <= 0 {
		return nil, fmt.Errorf("requests.max_pending_per_address must be > 0")
	}
	seen := make(map[string]bool, len(cfg.Requests.ReplyPrefixes))
	for _, prefix := range cfg.Requests.ReplyPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("requests.reply_prefixes entry %q must start with '/'", prefix)
		}
		if seen[prefix] {
			warnings = append(warnings, Warning{Message: fmt.Sprintf("requests.reply_prefixes lists %q more than once", prefix)})
		}
		seen[prefix] = true
	}
	if len(cfg.Requests.ReplyPrefixes) == 0 {
		warnings = append(warnings, Warning{Message: "requests.reply_prefixes is empty; every message is fire-and-forget"})
	}

	if cfg.Health.GRPC != "" {
		if err := validateHostPort("health.grpc", cfg.Health.GRPC); err != nil {
			return nil, err
		}
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	return warnings, nil
}

func validateHostPort(key string, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%s must not be empty", key)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s must be host:port: %w", key, err)
	}
	return nil
}

func validatePort(key string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be within 1..65535", key)
	}
	return nil
}
