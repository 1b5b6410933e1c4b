package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment overrides, applied after the config file.
const (
	EnvListen      = "ABLETON_BRIDGE_LISTEN"
	EnvHost        = "ABLETON_HOST"
	EnvPort        = "ABLETON_PORT"
	EnvReceiveHost = "ABLETON_RECEIVE_HOST"
	EnvReceivePort = "ABLETON_RECEIVE_PORT"
	EnvTimeout     = "ABLETON_BRIDGE_TIMEOUT"
	EnvLogLevel    = "ABLETON_BRIDGE_LOG_LEVEL"
)

// DefaultEnvFile is read from the working directory when no --env-file is given.
const DefaultEnvFile = ".env"

// LoadEnvFile exports the variables in path into the process environment
// without overriding variables that are already set. A missing default file
// is not an error; a missing explicit file is.
func LoadEnvFile(path string, explicit bool) error {
	if strings.TrimSpace(path) == "" {
		path = DefaultEnvFile
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("env file %q: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment overrides onto cfg.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvListen); ok {
		if _, _, err := net.SplitHostPort(v); err != nil {
			return fmt.Errorf("%s: %w", EnvListen, err)
		}
		cfg.Control.Listen = v
	}
	if v, ok := get(EnvHost); ok {
		cfg.Ableton.Host = v
	}
	if v, ok := get(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Ableton.Port = port
	}
	if v, ok := get(EnvReceiveHost); ok {
		cfg.Ableton.ReceiveHost = v
	}
	if v, ok := get(EnvReceivePort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvReceivePort, err)
		}
		cfg.Ableton.ReceivePort = port
	}
	if v, ok := get(EnvTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		cfg.Requests.TimeoutMS = int(d / time.Millisecond)
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
	return nil
}
