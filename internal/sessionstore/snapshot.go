package sessionstore

import (
	"time"

	"github.com/strandline/tether/internal/queue"
)

const (
	// FreshnessWindow bounds how old a snapshot may be and still have its
	// state bag trusted for restore.
	FreshnessWindow = 5 * time.Minute
	// ReplayWindow bounds how old a snapshot may be and still have its queued
	// messages replayed. Much tighter than the state window: replaying stale
	// operations is worse than dropping them.
	ReplayWindow = 30 * time.Second
	// MaxStateEntries bounds the persisted key/value state bag.
	MaxStateEntries = 64
)

// Metrics are the connection counters carried in a snapshot.
type Metrics struct {
	Connects          int64 `json:"connects"`
	Disconnects       int64 `json:"disconnects"`
	HeartbeatFailures int64 `json:"heartbeatFailures"`
	ReplayedMessages  int64 `json:"replayedMessages"`
}

// Snapshot is the session state captured on disconnect and examined once
// after reconnect.
type Snapshot struct {
	// Timestamp is the capture time in milliseconds since epoch.
	Timestamp int64 `json:"timestamp"`
	// SessionID is the remote session this snapshot belongs to.
	SessionID string `json:"sessionId"`
	// State is the bounded key/value state bag, persisted as [[key, value], ...].
	State [][2]string `json:"state"`
	// QueuedMessages summarizes requests that were buffered at capture time.
	QueuedMessages []queue.Summary `json:"queuedMessages"`
	// ConnectionMetrics carries the counters at capture time.
	ConnectionMetrics Metrics `json:"connectionMetrics"`
}

// Age returns how old the snapshot is at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(s.Timestamp))
}

// FreshForState reports whether the state bag may be restored.
func (s *Snapshot) FreshForState(now time.Time) bool {
	age := s.Age(now)
	return age >= 0 && age <= FreshnessWindow
}

// FreshForReplay reports whether queued messages may be replayed.
func (s *Snapshot) FreshForReplay(now time.Time) bool {
	age := s.Age(now)
	return age >= 0 && age <= ReplayWindow
}
