package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/jsonc"
)

type jsoncConfig struct {
	Control  *jsoncControl  `json:"control"`
	Ableton  *jsoncAbleton  `json:"ableton"`
	Requests *jsoncRequests `json:"requests"`
	Health   *jsoncHealth   `json:"health"`
	Log      *jsoncLog      `json:"log"`
}

type jsoncControl struct {
	Listen        *string `json:"listen"`
	WebSocket     *string `json:"websocket"`
	MaxFrameBytes *int    `json:"max_frame_bytes"`
	QueueSize     *int    `json:"queue_size"`
}

type jsoncAbleton struct {
	Host        *string `json:"host"`
	Port        *int    `json:"port"`
	ReceiveHost *string `json:"receive_host"`
	ReceivePort *int    `json:"receive_port"`
}

type jsoncRequests struct {
	TimeoutMS            *int             `json:"timeout_ms"`
	ReplyPrefixes        *jsoncStringList `json:"reply_prefixes"`
	MaxPendingPerAddress *int             `json:"max_pending_per_address"`
}

type jsoncHealth struct {
	GRPC *string `json:"grpc"`
}

type jsoncLog struct {
	Level  *string `json:"level"`
	Stderr *bool   `json:"stderr"`
}

type jsoncStringList []string

func (l *jsoncStringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = splitList(single)
		return nil
	}

	return fmt.Errorf("expected string array or comma-delimited string")
}

// Parse reads JSONC content over base and validates the result.
func Parse(content string, base Config) (Config, []Warning, error) {
	cfg := base
	if err := decode([]byte(content), &cfg); err != nil {
		return Config{}, nil, err
	}
	warnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, warnings, nil
}

// decode overlays the JSONC document onto cfg. Comments and trailing commas
// are blanked in place, so decode offsets still point into the original text.
func decode(content []byte, cfg *Config) error {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil
	}
	normalized := jsonc.ToJSON(content)

	decoder := json.NewDecoder(bytes.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return wrapJSONDecodeError(string(normalized), err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return wrapJSONDecodeError(string(normalized), err)
	}

	payload.applyTo(cfg)
	return nil
}

func (payload jsoncConfig) applyTo(cfg *Config) {
	if c := payload.Control; c != nil {
		setString(&cfg.Control.Listen, c.Listen)
		setString(&cfg.Control.WebSocket, c.WebSocket)
		setInt(&cfg.Control.MaxFrameBytes, c.MaxFrameBytes)
		setInt(&cfg.Control.QueueSize, c.QueueSize)
	}
	if a := payload.Ableton; a != nil {
		setString(&cfg.Ableton.Host, a.Host)
		setInt(&cfg.Ableton.Port, a.Port)
		setString(&cfg.Ableton.ReceiveHost, a.ReceiveHost)
		setInt(&cfg.Ableton.ReceivePort, a.ReceivePort)
	}
	if r := payload.Requests; r != nil {
		setInt(&cfg.Requests.TimeoutMS, r.TimeoutMS)
		if r.ReplyPrefixes != nil {
			cfg.Requests.ReplyPrefixes = append([]string(nil), (*r.ReplyPrefixes)...)
		}
		setInt(&cfg.Requests.MaxPendingPerAddress, r.MaxPendingPerAddress)
	}
	if h := payload.Health; h != nil {
		setString(&cfg.Health.GRPC, h.GRPC)
	}
	if l := payload.Log; l != nil {
		setString(&cfg.Log.Level, l.Level)
		if l.Stderr != nil {
			cfg.Log.Stderr = *l.Stderr
		}
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra struct{}
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := int(offset)
	if limit > len(content) {
		limit = len(content)
	}

	line := 1
	col := 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
