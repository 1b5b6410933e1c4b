package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Control-channel command names.
const (
	CommandSendMessage = "send_message"
	CommandGetStatus   = "get_status"
)

// Reply status values.
const (
	StatusOK      = "ok"
	StatusSent    = "sent"
	StatusSuccess = "success"
	StatusError   = "error"
)

const (
	jsonRPCVersion   = "2.0"
	notificationType = "notification"
)

// Command is the caller -> daemon envelope.
type Command struct {
	Command string `json:"command"`
	Address string `json:"address,omitempty"`
	Args    []any  `json:"args,omitempty"`
}

// Reply is the daemon -> caller envelope. Fields beyond Status are set
// depending on which command produced it.
type Reply struct {
	Status  string `json:"status"`
	Result  any    `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`

	// Resolved reply-expecting requests.
	Address string `json:"address,omitempty"`
	Data    []any  `json:"data,omitempty"`

	// get_status snapshot.
	AbletonPort int    `json:"ableton_port,omitempty"`
	ReceivePort int    `json:"receive_port,omitempty"`
	State       string `json:"state,omitempty"`
	Pending     int    `json:"pending,omitempty"`
	Sessions    int    `json:"sessions,omitempty"`
}

// IsError reports whether the reply carries an error status.
func (r Reply) IsError() bool {
	return r.Status == StatusError
}

// Err converts an error reply back into an error value.
func (r Reply) Err() error {
	if !r.IsError() {
		return nil
	}
	return &RPCError{Code: r.Code, Message: r.Message}
}

// RPCRequest is the JSON-RPC flavored request used by the client multiplexer.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse carries either Result or Error for the request with the same ID.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// MessageParams is the params object of a send_message RPC request.
type MessageParams struct {
	Address string `json:"address"`
	Args    []any  `json:"args"`
}

// Notification is an unsolicited inbound datagram forwarded to RPC sessions.
type Notification struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	Args    []any  `json:"args"`
}

// NewNotification builds a notification envelope for an unclaimed datagram.
func NewNotification(address string, args []any) Notification {
	if args == nil {
		args = []any{}
	}
	return Notification{Type: notificationType, Address: address, Args: args}
}

// Frame is one decoded inbound control frame. RPC frames carry the request
// ID that the reply must echo.
type Frame struct {
	RPC     bool
	ID      string
	Command Command
}

type wireFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Command string          `json:"command"`
	Address string          `json:"address"`
	Args    []any           `json:"args"`
}

// DecodeFrame parses one framed JSON object into either a plain command or a
// JSON-RPC request. Numbers are kept as json.Number so integer arguments
// survive until the wire codec picks an OSC type for them.
func DecodeFrame(data []byte) (Frame, error) {
	var raw wireFrame
	if err := unmarshalNumbers(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if raw.JSONRPC == "" && raw.Method == "" {
		return Frame{Command: Command{Command: strings.TrimSpace(raw.Command), Address: raw.Address, Args: raw.Args}}, nil
	}

	frame := Frame{RPC: true}
	id, err := parseID(raw.ID)
	if err != nil {
		return frame, err
	}
	frame.ID = id
	if raw.Method == "" {
		return frame, fmt.Errorf("%w: missing method", ErrInvalidRequest)
	}
	frame.Command.Command = raw.Method

	if len(raw.Params) > 0 && !bytes.Equal(bytes.TrimSpace(raw.Params), []byte("null")) {
		var params MessageParams
		if err := unmarshalNumbers(raw.Params, &params); err != nil {
			return frame, fmt.Errorf("%w: params: %v", ErrInvalidRequest, err)
		}
		frame.Command.Address = params.Address
		frame.Command.Args = params.Args
	}
	return frame, nil
}

// parseID accepts string IDs and, for tolerance, bare JSON numbers.
func parseID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: missing id", ErrInvalidRequest)
	}

	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}

	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		return number.String(), nil
	}
	return "", fmt.Errorf("%w: id must be a string", ErrInvalidRequest)
}

func unmarshalNumbers(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

// NewRPCResponse wraps a handler reply for the request with the given ID.
// Error replies become JSON-RPC errors; everything else is the result.
func NewRPCResponse(id string, reply Reply) RPCResponse {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id}
	if reply.IsError() {
		code := reply.Code
		if code == 0 {
			code = CodeInternal
		}
		resp.Error = &RPCError{Code: code, Message: reply.Message}
		return resp
	}

	result, err := json.Marshal(reply)
	if err != nil {
		resp.Error = &RPCError{Code: CodeInternal, Message: fmt.Sprintf("encode result: %v", err)}
		return resp
	}
	resp.Result = result
	return resp
}
