// Package osc moves OSC 1.0 datagrams between the bridge and Ableton Live.
package osc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	goosc "github.com/hypebeast/go-osc/osc"
)

// ErrInvalidArgument reports an argument with no OSC representation.
var ErrInvalidArgument = errors.New("unsupported osc argument")

// Message is one decoded OSC message.
type Message struct {
	Address string
	Args    []any
}

// Encode serialises address and args into a single OSC datagram.
func Encode(address string, args []any) ([]byte, error) {
	if !strings.HasPrefix(address, "/") {
		return nil, fmt.Errorf("osc address %q must start with /", address)
	}
	normalized, err := NormalizeArgs(args)
	if err != nil {
		return nil, err
	}
	data, err := goosc.NewMessage(address, normalized...).MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode osc message %s: %w", address, err)
	}
	return data, nil
}

// Decode parses a datagram. Bundles are flattened into their messages in
// order.
func Decode(data []byte) ([]Message, error) {
	packet, err := goosc.ParsePacket(string(data))
	if err != nil {
		return nil, fmt.Errorf("decode osc packet: %w", err)
	}
	var out []Message
	collect(packet, &out)
	return out, nil
}

func collect(packet goosc.Packet, out *[]Message) {
	switch p := packet.(type) {
	case *goosc.Message:
		args := make([]any, len(p.Arguments))
		copy(args, p.Arguments)
		*out = append(*out, Message{Address: p.Address, Args: args})
	case *goosc.Bundle:
		for _, msg := range p.Messages {
			collect(msg, out)
		}
		for _, bundle := range p.Bundles {
			collect(bundle, out)
		}
	}
}

// NormalizeArgs maps JSON-shaped values onto OSC types. Integers become int32
// (int64 when they do not fit), other numbers float32; strings, booleans, nil
// and blobs pass through.
func NormalizeArgs(args []any) ([]any, error) {
	out := make([]any, 0, len(args))
	for i, arg := range args {
		v, err := normalizeArg(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrInvalidArgument, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func normalizeArg(arg any) (any, error) {
	switch v := arg.(type) {
	case nil, bool, string, []byte, int32, int64, float32:
		return v, nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return narrowInt(n), nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", v.String(), err)
		}
		return float32(f), nil
	case int:
		return narrowInt(int64(v)), nil
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, fmt.Errorf("non-finite number %v", v)
		}
		return float32(v), nil
	default:
		return nil, fmt.Errorf("type %T", arg)
	}
}

func narrowInt(n int64) any {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		return int32(n)
	}
	return n
}
