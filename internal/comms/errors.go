package comms

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a communication failure so callers can decide between
// fallback, retry, and surfacing the error.
type Kind string

const (
	// KindTimeout means the operation exceeded its deadline.
	KindTimeout Kind = "TIMEOUT"
	// KindCircuitOpen means the breaker rejected the call without attempting it.
	KindCircuitOpen Kind = "CIRCUIT_OPEN"
	// KindConnectionFailed means the bridge/socket was unavailable at call time.
	KindConnectionFailed Kind = "CONNECTION_FAILED"
	// KindInvalidResponse means the peer returned malformed or unexpected data.
	KindInvalidResponse Kind = "INVALID_RESPONSE"
	// KindUnknown wraps anything uncategorized rather than dropping it.
	KindUnknown Kind = "UNKNOWN"
)

// Error is the error type surfaced by the communication layer. It carries the
// failure kind, the originating channel, and the correlation id of the request
// for traceability.
type Error struct {
	Kind          Kind
	Channel       string
	CorrelationID string
	Err           error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: channel=%s corr=%s: %v", e.Kind, e.Channel, e.CorrelationID, e.Err)
	}
	return fmt.Sprintf("%s: channel=%s corr=%s", e.Kind, e.Channel, e.CorrelationID)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind, channel, and correlation id. A nil err is
// allowed for kinds that never attempt the underlying operation (CIRCUIT_OPEN).
func NewError(kind Kind, channel, correlationID string, err error) *Error {
	return &Error{Kind: kind, Channel: channel, CorrelationID: correlationID, Err: err}
}

// KindOf extracts the Kind from err, classifying plain errors that were never
// wrapped. Context deadline errors classify as TIMEOUT.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a failure of this kind is worth retrying.
// Circuit-open rejections and structurally invalid requests cannot succeed on
// retry; timeouts and connection failures can.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindCircuitOpen, KindInvalidResponse:
		return false
	default:
		return true
	}
}
