// Package config resolves, parses, validates, and defaults ableton-bridge configuration.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the fully materialized runtime configuration.
type Config struct {
	Control  ControlConfig
	Ableton  AbletonConfig
	Requests RequestsConfig
	Health   HealthConfig
	Log      LogConfig
}

// ControlConfig controls the client-facing listeners.
type ControlConfig struct {
	Listen        string
	WebSocket     string
	MaxFrameBytes int
	QueueSize     int
}

// AbletonConfig locates AbletonOSC and the local reply socket.
type AbletonConfig struct {
	Host        string
	Port        int
	ReceiveHost string
	ReceivePort int
}

// RequestsConfig controls reply correlation.
type RequestsConfig struct {
	TimeoutMS            int
	ReplyPrefixes        []string
	MaxPendingPerAddress int
}

// HealthConfig controls the optional gRPC health endpoint.
type HealthConfig struct {
	GRPC string
}

// LogConfig controls structured log output.
type LogConfig struct {
	Level  string
	Stderr bool
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}

// AbletonAddr is the UDP address datagrams are sent to.
func (c Config) AbletonAddr() string {
	return net.JoinHostPort(c.Ableton.Host, strconv.Itoa(c.Ableton.Port))
}

// ReceiveAddr is the UDP address replies from Ableton arrive on.
func (c Config) ReceiveAddr() string {
	return net.JoinHostPort(c.Ableton.ReceiveHost, strconv.Itoa(c.Ableton.ReceivePort))
}

// Timeout is the per-request reply bound.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Requests.TimeoutMS) * time.Millisecond
}
