// Package version carries build metadata stamped in via -ldflags.
package version

import "runtime"

// Name is the binary and MCP implementation name.
const Name = "ableton-bridge"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return Name + " " + Version + " (commit=" + Commit + ", date=" + Date + ", go=" + runtime.Version() + ")"
}
