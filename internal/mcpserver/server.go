// Package mcpserver exposes the bridge as MCP tools on stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/simonreitinger/ableton-live-mcp-server/internal/ipc"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/version"
)

const trackNamesAddress = "/live/song/get/track_names"

// Requester is the part of the client multiplexer the tools need.
type Requester interface {
	SendMessage(ctx context.Context, address string, args []any) (ipc.Reply, error)
	Status(ctx context.Context) (ipc.Reply, error)
}

type Server struct {
	requester Requester
	logger    *slog.Logger
	mcp       *mcp.Server
}

// SendOSCInput is the input of the send_osc tool.
type SendOSCInput struct {
	Address string `json:"address" jsonschema:"OSC address, for example /live/song/start_playing"`
	Args    []any  `json:"args,omitempty" jsonschema:"OSC argument values (numbers, strings, booleans)"`
}

// TrackNamesInput is the input of the get_track_names tool.
type TrackNamesInput struct {
	IndexMin *int `json:"index_min,omitempty" jsonschema:"first track index, used together with index_max"`
	IndexMax *int `json:"index_max,omitempty" jsonschema:"track index after the last one returned"`
}

func New(requester Requester, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		requester: requester,
		logger:    logger,
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    version.Name,
			Version: version.Version,
		}, nil),
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "send_osc",
		Description: "Send an OSC message to Ableton Live through the bridge daemon. Get-style addresses wait for Ableton's reply.",
	}, s.sendOSC)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_osc_status",
		Description: "Report the bridge daemon status: Ableton ports, lifecycle state and outstanding requests.",
	}, s.getStatus)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_track_names",
		Description: "Get the names of tracks in the current Live set, optionally limited to an index range.",
	}, s.getTrackNames)

	s.mcp.AddPrompt(&mcp.Prompt{
		Name:        "osc_help",
		Description: "How to drive Ableton Live with the OSC tools.",
	}, oscHelp)
	return s
}

// Run serves MCP over stdin/stdout until ctx ends or the peer disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("mcp server running on stdio")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) sendOSC(ctx context.Context, _ *mcp.CallToolRequest, in SendOSCInput) (*mcp.CallToolResult, any, error) {
	address := strings.TrimSpace(in.Address)
	if address == "" {
		return errorResult("address is required"), nil, nil
	}

	args := in.Args
	if args == nil {
		args = []any{}
	}
	reply, err := s.requester.SendMessage(ctx, address, args)
	if err != nil {
		s.logger.Debug("send_osc failed", "address", address, "error", err)
		return errorResult(fmt.Sprintf("Error sending message to %s: %v", address, err)), nil, nil
	}
	if reply.Status == ipc.StatusSent {
		return textResult(fmt.Sprintf("Sent OSC message to %s with args %s", address, formatJSON(args))), nil, nil
	}
	return textResult(fmt.Sprintf("Response from %s: %s", reply.Address, formatJSON(reply.Data))), nil, nil
}

func (s *Server) getStatus(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
	reply, err := s.requester.Status(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("Error getting status: %v", err)), nil, nil
	}
	data, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("Error encoding status: %v", err)), nil, nil
	}
	return textResult(string(data)), nil, nil
}

func (s *Server) getTrackNames(ctx context.Context, _ *mcp.CallToolRequest, in TrackNamesInput) (*mcp.CallToolResult, any, error) {
	args := []any{}
	if in.IndexMin != nil && in.IndexMax != nil {
		args = []any{*in.IndexMin, *in.IndexMax}
	}

	reply, err := s.requester.SendMessage(ctx, trackNamesAddress, args)
	if err != nil {
		return errorResult(fmt.Sprintf("Error getting track names: %v", err)), nil, nil
	}
	if len(reply.Data) == 0 {
		return textResult("No tracks found"), nil, nil
	}

	names := make([]string, 0, len(reply.Data))
	for _, v := range reply.Data {
		names = append(names, fmt.Sprint(v))
	}
	return textResult("Track Names: " + strings.Join(names, ", ")), nil, nil
}

func oscHelp(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "OSC tool usage",
		Messages: []*mcp.PromptMessage{{
			Role: "user",
			Content: &mcp.TextContent{Text: `I can help you control Ableton Live over OSC. You can:
1. Send messages to specific addresses with arguments (send_osc)
2. Check the bridge status (get_osc_status)
3. List track names (get_track_names)

Example commands:
- "Send an OSC message to /live/song/set/tempo with arguments [120]"
- "What are the names of the first four tracks?"

Note: the ableton-bridge daemon must be running first.`},
		}},
	}, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func formatJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
