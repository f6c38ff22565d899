// internal/model/errors.go
package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced directly to callers.
var (
	// ErrNotFound is returned for operations on an unknown device address.
	ErrNotFound = errors.New("device not found")

	// ErrNoActiveDevice is returned when a command is routed with no
	// active device selected.
	ErrNoActiveDevice = errors.New("no active device selected")

	// ErrEmptyExport is returned when an export is requested for a device
	// with no buffered samples.
	ErrEmptyExport = errors.New("no samples to export")
)

// TransportError wraps connection-level failures: refused connections,
// read/write errors, a serial port that vanished.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a transport failure for op.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// TimeoutError indicates a device did not respond within the bound.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// ProtocolError indicates a malformed or unexpected device response.
type ProtocolError struct {
	Response string
	Reason   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s (response %q)", e.Reason, e.Response)
}

// StateError indicates an operation invalid for the current worker
// state, e.g. Start while Running. Always surfaced to the caller,
// never retried.
type StateError struct {
	Op    string
	State WorkerState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("operation %s not valid in state %s", e.Op, e.State)
}

// IOError indicates an unwritable export destination.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error on %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsTransportLevel reports whether err counts toward the consecutive
// transport failure threshold of a measurement worker.
func IsTransportLevel(err error) bool {
	var te *TransportError
	var to *TimeoutError
	return errors.As(err, &te) || errors.As(err, &to)
}
