package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrAlreadyRunning reports a responsive daemon already bound to the control address.
	ErrAlreadyRunning = errors.New("bridge daemon already running")

	// ErrConnection reports an unreachable or closed transport.
	ErrConnection = errors.New("connection closed")
	// ErrTimeout reports a request that received no reply within its bound.
	ErrTimeout = errors.New("timeout")
	// ErrProtocol reports an undecodable envelope.
	ErrProtocol = errors.New("invalid payload")
	// ErrInvalidRequest reports a decodable envelope that is missing required fields.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownCommand reports a command or method the daemon does not implement.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrCorrelationCollision reports a registration that cannot get its own correlation slot.
	ErrCorrelationCollision = errors.New("correlation collision")
)

// JSON-RPC error codes used on the control channel.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeUnknownMethod        = -32601
	CodeInternal             = -32603
	CodeTimeout              = -32000
	CodeConnection           = -32001
	CodeConnectionClosed     = -32002
	CodeCorrelationCollision = -32003
)

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e.Code == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Unwrap maps well-known codes back to their sentinel so errors.Is works on
// both sides of the control channel.
func (e *RPCError) Unwrap() error {
	switch e.Code {
	case CodeParseError:
		return ErrProtocol
	case CodeInvalidRequest:
		return ErrInvalidRequest
	case CodeUnknownMethod:
		return ErrUnknownCommand
	case CodeTimeout:
		return ErrTimeout
	case CodeConnection, CodeConnectionClosed:
		return ErrConnection
	case CodeCorrelationCollision:
		return ErrCorrelationCollision
	default:
		return nil
	}
}

// CodeFor returns the JSON-RPC code that represents err.
func CodeFor(err error) int {
	var rpcErr *RPCError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &rpcErr) && rpcErr.Code != 0:
		return rpcErr.Code
	case errors.Is(err, ErrProtocol):
		return CodeParseError
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrUnknownCommand):
		return CodeUnknownMethod
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrCorrelationCollision):
		return CodeCorrelationCollision
	case errors.Is(err, context.Canceled):
		return CodeConnectionClosed
	case errors.Is(err, ErrConnection):
		return CodeConnection
	default:
		return CodeInternal
	}
}

// ErrorReply renders err as an error reply envelope.
func ErrorReply(err error) Reply {
	return Reply{Status: StatusError, Message: err.Error(), Code: CodeFor(err)}
}

// IsExpectedCloseError reports whether err is a normal connection termination:
// EOF, closed connection, broken pipe, or connection reset.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EADDRINUSE)
}
