package comms

import (
	"encoding/json"
	"time"
)

// InvokeOptions controls a single Invoke call. Zero values fall back to the
// client defaults.
type InvokeOptions struct {
	// Timeout bounds a single attempt of the underlying operation.
	Timeout time.Duration
	// Retries is the number of additional attempts after the first.
	Retries int
	// Fallback, when set, is returned instead of surfacing a failure.
	Fallback    json.RawMessage
	HasFallback bool
	// Queueable marks the call as safe to buffer while disconnected.
	Queueable bool
}

// InvokeOption mutates InvokeOptions.
type InvokeOption func(*InvokeOptions)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) InvokeOption {
	return func(o *InvokeOptions) { o.Timeout = d }
}

// WithRetries sets the number of retries after the first attempt.
func WithRetries(n int) InvokeOption {
	return func(o *InvokeOptions) { o.Retries = n }
}

// WithFallback supplies a value returned when the call ultimately fails.
// A nil fallback is valid and yields a nil result with no error.
func WithFallback(v json.RawMessage) InvokeOption {
	return func(o *InvokeOptions) {
		o.Fallback = v
		o.HasFallback = true
	}
}

// WithQueueing allows the call to be buffered and replayed if the connection
// is down when it is issued.
func WithQueueing() InvokeOption {
	return func(o *InvokeOptions) { o.Queueable = true }
}
