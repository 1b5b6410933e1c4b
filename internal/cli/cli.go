package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

type Command string

const (
	CommandDaemon  Command = "daemon"
	CommandStatus  Command = "status"
	CommandSend    Command = "send"
	CommandMCP     Command = "mcp"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandDaemon:  {},
	CommandStatus:  {},
	CommandSend:    {},
	CommandMCP:     {},
	CommandDoctor:  {},
	CommandVersion: {},
	CommandHelp:    {},
}

type Parsed struct {
	Command    Command
	Args       []string
	ConfigPath string
	EnvFile    string
	ShowHelp   bool
}

// Parse reads global flags up to the first positional argument, which names
// the command. Everything after the command belongs to it, so negative
// numbers survive as send arguments.
func Parse(args []string) (Parsed, error) {
	var parsed Parsed
	var showHelp, showVersion bool

	flagSet := pflag.NewFlagSet("ableton-bridge", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&parsed.ConfigPath, "config", "", "config file path")
	flagSet.StringVar(&parsed.EnvFile, "env-file", "", "dotenv file path")
	flagSet.BoolVarP(&showHelp, "help", "h", false, "show help")
	flagSet.BoolVar(&showVersion, "version", false, "show version")

	if err := flagSet.Parse(args); err != nil {
		return Parsed{}, err
	}

	switch {
	case showHelp:
		parsed.Command = CommandHelp
		parsed.ShowHelp = true
		return parsed, nil
	case showVersion:
		parsed.Command = CommandVersion
		return parsed, nil
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		parsed.Command = CommandHelp
		parsed.ShowHelp = true
		return parsed, nil
	}

	cmd := Command(rest[0])
	if _, ok := validCommands[cmd]; !ok {
		return Parsed{}, fmt.Errorf("unknown command: %s", rest[0])
	}
	parsed.Command = cmd
	parsed.ShowHelp = cmd == CommandHelp
	parsed.Args = rest[1:]

	switch cmd {
	case CommandSend:
		if len(parsed.Args) == 0 {
			return Parsed{}, fmt.Errorf("send requires an OSC address")
		}
	default:
		if len(parsed.Args) > 0 {
			return Parsed{}, fmt.Errorf("unexpected arguments after command %q", rest[0])
		}
	}

	return parsed, nil
}

// ParseValues turns command-line words into OSC argument values. Words that
// parse as JSON scalars keep their type; anything else is a string.
func ParseValues(words []string) []any {
	values := make([]any, 0, len(words))
	for _, word := range words {
		values = append(values, parseValue(word))
	}
	return values
}

func parseValue(word string) any {
	decoder := json.NewDecoder(bytes.NewReader([]byte(word)))
	decoder.UseNumber()

	var v any
	if err := decoder.Decode(&v); err != nil || decoder.More() {
		return word
	}
	switch v.(type) {
	case map[string]any, []any:
		return word
	default:
		return v
	}
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] [--env-file PATH] <command> [args]

Commands:
  daemon                 Run the bridge daemon until interrupted
  status                 Print the daemon status snapshot
  send ADDRESS [ARG...]  Send one OSC message through the daemon and print the reply
  mcp                    Serve MCP tools on stdio, backed by the daemon
  doctor                 Run configuration and connectivity checks
  version                Print version information
  help                   Show this help

Flags:
  --config PATH     Config file path (default: $XDG_CONFIG_HOME/ableton-bridge/config.jsonc)
  --env-file PATH   Dotenv file with ABLETON_* overrides (default: ./.env when present)
  -h, --help        Show help
  --version         Show version
`, binaryName)
}
