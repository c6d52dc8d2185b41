package quikrpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrShutdown is returned by any client call or background suspension
	// point once a cooperative shutdown has started.
	ErrShutdown = errors.New("client is shutting down")
	// ErrNotInitialized is returned when the client is used before Init.
	ErrNotInitialized = errors.New("client is not initialized, call Init first")
	// ErrAlreadyInitialized is returned on a repeated Init call.
	ErrAlreadyInitialized = errors.New("client is already initialized")
)

// Error represents a structured server-side rejection: unknown method, bad
// argument, type-incompatible parameter and the like. It is never retried by
// the transport layer and surfaces to the caller as is.
type Error struct {
	// Method is the RPC method the terminal rejected.
	Method string
	// Reply is the raw reply carried by the rejection, if any.
	Reply []byte
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Reply) == 0 {
		return fmt.Sprintf("%s: RPC error", e.Method)
	}
	return fmt.Sprintf("%s: RPC error: %s", e.Method, string(e.Reply))
}

// ConnError represents a connectivity failure: the transport timed out, the
// retry budget was exhausted or a previously valid parameter subscription
// started coming back empty. Such failures may be transient, background
// tasks back off and retry on them.
type ConnError struct {
	// Endpoint is the transport endpoint involved, when known.
	Endpoint string
	// Err is the underlying cause, when there is one.
	Err error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	s := "connection failed"
	if e.Endpoint != "" {
		s += " (" + e.Endpoint + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap implements the error unwrapping interface.
func (e *ConnError) Unwrap() error {
	return e.Err
}

// NoHistoryError is returned when the backfill budget is spent while
// datasource.Size keeps reporting zero. It is distinct from ConnError so
// that callers can tell "instrument not found / no data" from "network
// down".
type NoHistoryError struct {
	ClassCode string
	SecCode   string
	Interval  Interval
	// Budget is the backfill wait budget that was exhausted.
	Budget time.Duration
}

// Error implements the error interface.
func (e *NoHistoryError) Error() string {
	return fmt.Sprintf("no history for (%s, %s, %s): backfill timeout > %s",
		e.ClassCode, e.SecCode, e.Interval, e.Budget)
}

// IsConnError tells whether err is a connectivity failure.
func IsConnError(err error) bool {
	var connErr *ConnError
	return errors.As(err, &connErr)
}
