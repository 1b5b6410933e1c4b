package bridge

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTimeout              = 5 * time.Second
	DefaultMaxPendingPerAddress = 64
	defaultProbeTimeout         = 250 * time.Millisecond
)

// DefaultReplyPrefixes are the address prefixes AbletonOSC answers on the
// same address.
var DefaultReplyPrefixes = []string{
	"/live/device/get",
	"/live/scene/get",
	"/live/view/get",
	"/live/clip/get",
	"/live/clip_slot/get",
	"/live/track/get",
	"/live/song/get",
	"/live/api/get",
	"/live/application/get",
	"/live/test",
	"/live/error",
}

// Config is everything the daemon needs at startup.
type Config struct {
	ListenAddr    string
	WebSocketAddr string
	HealthAddr    string

	AbletonAddr string
	ReceiveAddr string

	Timeout              time.Duration
	ReplyPrefixes        []string
	MaxPendingPerAddress int
	MaxFrameBytes        int
	QueueSize            int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ReplyPrefixes == nil {
		c.ReplyPrefixes = DefaultReplyPrefixes
	}
	if c.MaxPendingPerAddress <= 0 {
		c.MaxPendingPerAddress = DefaultMaxPendingPerAddress
	}
	return c
}

func (c Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("control listen address is empty"))
	}
	if strings.TrimSpace(c.AbletonAddr) == "" {
		errs = append(errs, errors.New("ableton address is empty"))
	}
	if strings.TrimSpace(c.ReceiveAddr) == "" {
		errs = append(errs, errors.New("receive address is empty"))
	}
	for _, prefix := range c.ReplyPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			errs = append(errs, fmt.Errorf("reply prefix %q must start with /", prefix))
		}
	}
	return errors.Join(errs...)
}

// ExpectsReply reports whether address is answered by Ableton.
func (c Config) ExpectsReply(address string) bool {
	for _, prefix := range c.ReplyPrefixes {
		if strings.HasPrefix(address, prefix) {
			return true
		}
	}
	return false
}
