package tether

import (
	"github.com/strandline/tether/internal/comms"
	"github.com/strandline/tether/internal/supervisor"
)

// Error is the layer's error type. Every failure surfaced by a Client
// carries a Kind, the channel it happened on, and a correlation id when one
// exists.
type Error = comms.Error

// Kind classifies a failure.
type Kind = comms.Kind

const (
	KindTimeout          = comms.KindTimeout
	KindCircuitOpen      = comms.KindCircuitOpen
	KindConnectionFailed = comms.KindConnectionFailed
	KindInvalidResponse  = comms.KindInvalidResponse
	KindUnknown          = comms.KindUnknown
)

// InvokeOption customizes a single Invoke call.
type InvokeOption = comms.InvokeOption

var (
	WithTimeout  = comms.WithTimeout
	WithRetries  = comms.WithRetries
	WithFallback = comms.WithFallback
	WithQueueing = comms.WithQueueing
)

// KindOf extracts the Kind from any error returned by this layer.
var KindOf = comms.KindOf

// IsKind reports whether err carries the given Kind.
var IsKind = comms.IsKind

// ConnectionState is the socket connection state.
type ConnectionState = supervisor.State

const (
	StateConnecting   = supervisor.StateConnecting
	StateConnected    = supervisor.StateConnected
	StateDisconnected = supervisor.StateDisconnected
	StateReconnecting = supervisor.StateReconnecting
	StateError        = supervisor.StateError
)
