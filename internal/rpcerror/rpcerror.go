// Package rpcerror provides the closed error taxonomy for the RPC client.
// Every failure a caller of invoke can observe is a *CallError with a stable,
// machine-readable code. Callers classify errors through Kind and Retryable
// rather than by matching message text.
package rpcerror

import (
	"errors"
	"fmt"
)

// Kind is the coarse error classification used for retry decisions.
type Kind int

const (
	KindUnknown    Kind = iota // catch-all; also cancellation and teardown
	KindNetwork                // transport-level failure, retry-eligible
	KindTimeout                // no response within budget, retry-eligible
	KindServer                 // explicit failure reported by the callee
	KindValidation             // malformed request, never retried
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Code is a machine-readable error classification string.
type Code string

// Client error codes. These form a public API contract; callers can program
// against these stable codes. Do not rename or remove existing codes.
const (
	CodeNetwork          Code = "RPC_NETWORK_ERROR"
	CodeTimeout          Code = "RPC_TIMEOUT"
	CodeServer           Code = "RPC_SERVER_ERROR"
	CodeValidation       Code = "RPC_VALIDATION_ERROR"
	CodeCancelled        Code = "RPC_CALL_CANCELLED"
	CodeConnectionClosed Code = "RPC_CONNECTION_CLOSED"
	CodeNotConnected     Code = "RPC_NOT_CONNECTED"
	CodeNoChannel        Code = "RPC_NO_CHANNEL"
	CodeUnknown          Code = "RPC_UNKNOWN_ERROR"
)

// CallError is the single error type surfaced by the call manager and the
// transport layer. ServerFunction is set when the error is tied to a specific
// invoked function; Details carries any structured payload the server
// reported alongside the failure.
type CallError struct {
	Kind           Kind
	Code           Code
	Message        string
	ServerFunction string
	Details        map[string]any
	cause          error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	if e.ServerFunction != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.ServerFunction)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any, for errors.Is/As chains.
func (e *CallError) Unwrap() error { return e.cause }

// WithCause attaches an underlying error and returns the receiver.
func (e *CallError) WithCause(err error) *CallError {
	e.cause = err
	return e
}

// Network reports a transport-level failure.
func Network(fn, message string) *CallError {
	return &CallError{Kind: KindNetwork, Code: CodeNetwork, Message: message, ServerFunction: fn}
}

// Timeout reports that no response arrived within the call budget.
func Timeout(fn string) *CallError {
	return &CallError{Kind: KindTimeout, Code: CodeTimeout, Message: "no response within call timeout", ServerFunction: fn}
}

// Server reports an explicit application-level failure returned by the
// callee. errType is the server's own error type name and is preserved in
// Details under "type" so callers can dispatch on it.
func Server(fn, errType, message string, details map[string]any) *CallError {
	if errType != "" {
		if details == nil {
			details = map[string]any{}
		}
		details["type"] = errType
	}
	return &CallError{Kind: KindServer, Code: CodeServer, Message: message, ServerFunction: fn, Details: details}
}

// Validation reports a malformed request that was never sent.
func Validation(fn, message string) *CallError {
	return &CallError{Kind: KindValidation, Code: CodeValidation, Message: message, ServerFunction: fn}
}

// Cancelled reports an explicit cancellation of a pending call.
func Cancelled(fn string) *CallError {
	return &CallError{Kind: KindUnknown, Code: CodeCancelled, Message: "call cancelled", ServerFunction: fn}
}

// ConnectionClosed reports that the transport was torn down while the call
// was still pending.
func ConnectionClosed(fn string) *CallError {
	return &CallError{Kind: KindUnknown, Code: CodeConnectionClosed, Message: "connection closed", ServerFunction: fn}
}

// NotConnected reports an invoke attempted while no transport is attached.
func NotConnected(fn string) *CallError {
	return &CallError{Kind: KindNetwork, Code: CodeNotConnected, Message: "not connected to a transport", ServerFunction: fn}
}

// NoChannel reports a send attempted while neither channel is usable.
func NoChannel() *CallError {
	return &CallError{Kind: KindNetwork, Code: CodeNoChannel, Message: "no transport channel available"}
}

// KindOf returns the Kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// CodeOf returns the Code of err, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeUnknown
}

// Retryable reports whether err is transient: timeouts and network failures
// are retry-eligible, application errors and validation failures are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// FromWire maps a server-reported error type name to a CallError. Server
// implementations report timeouts and connection drops with their own type
// names; anything unrecognized is an application-level error.
func FromWire(fn, errType, message string, details map[string]any) *CallError {
	switch errType {
	case "TimeoutError":
		e := Timeout(fn)
		if message != "" {
			e.Message = message
		}
		return e
	case "NetworkError", "ConnectionError":
		if message == "" {
			message = "transport failure reported by server"
		}
		return Network(fn, message)
	case "ValidationError":
		if message == "" {
			message = "request rejected as malformed"
		}
		return Validation(fn, message)
	default:
		return Server(fn, errType, message, details)
	}
}
