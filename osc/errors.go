package osc

import (
	"errors"
	"fmt"
)

// Malformed data. Every parse failure wraps ErrMalformed so callers can
// classify it with errors.Is and discard the packet.
var (
	ErrMalformed          = errors.New("osc: malformed packet")
	ErrEmptyAddress       = errors.New("osc: empty address")
	ErrUnterminatedString = errors.New("osc: unterminated string")
	ErrUnknownTypeTag     = errors.New("osc: unknown type tag")
	ErrArrayUnsupported   = errors.New("osc: array arguments are not supported")
	ErrTruncated          = errors.New("osc: truncated element")
	ErrElementLength      = errors.New("osc: invalid bundle element length")
)

// Usage errors, returned to the caller that violated the API contract.
var (
	ErrIndexOutOfRange  = errors.New("osc: argument index out of range")
	ErrStaleView        = errors.New("osc: view used after its packet was re-parsed")
	ErrNotMessage       = errors.New("osc: element is not a message")
	ErrNotBundle        = errors.New("osc: element is not a bundle")
	ErrNoScope          = errors.New("osc: no open message or bundle scope")
	ErrScopeOpen        = errors.New("osc: a message or bundle scope is still open")
	ErrTagMismatch      = errors.New("osc: argument does not match declared type tag")
	ErrMissingArguments = errors.New("osc: message closed before all declared arguments were written")
	ErrPacketComplete   = errors.New("osc: writer already holds a complete packet")
	ErrInvalidAddress   = errors.New("osc: invalid address")
	ErrInvalidPattern   = errors.New("osc: invalid address pattern")
	ErrNilMethod        = errors.New("osc: nil method")
)

// ErrBufferFull is returned when a packet does not fit the writer's fixed
// capacity. The packet under construction is dropped.
var ErrBufferFull = errors.New("osc: write buffer full")

func malformed(cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrMalformed, cause, fmt.Sprintf(format, args...))
}
