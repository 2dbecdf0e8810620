// Package supervisor owns the socket connection lifecycle: connect,
// heartbeat, and reconnect with bounded exponential backoff.
//
// All connection state changes flow through one transition path; callers
// observe them through an observable stream and never mutate state directly.
// On every transition to connected the supervisor first flushes the offline
// queue, then runs session recovery, in that order.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strandline/tether/internal/clock"
	"github.com/strandline/tether/internal/protocol/wire"
	"github.com/strandline/tether/internal/queue"
	"github.com/strandline/tether/internal/retry"
	"github.com/strandline/tether/internal/sessionstore"
	"github.com/strandline/tether/internal/stream"
)

// State is the connection state. Exactly one value is held at a time.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	// StateError is terminal: the transport is unavailable in a way that a
	// process restart is needed to recover from.
	StateError State = "error"
)

// Conn is the transport the supervisor drives. Implemented by socket.Client.
type Conn interface {
	Connect() error
	Close() error
	OnConnect(fn func())
	OnDisconnect(fn func(reason string))
	EmitWithAck(event string, data map[string]any, timeout time.Duration) (map[string]any, error)
	SetSessionID(id string)
	IsConnected() bool
}

// Config controls heartbeat and reconnection behavior.
type Config struct {
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int
	// ConnectWait bounds how long one reconnect attempt waits for the
	// connected event before counting the attempt as failed.
	ConnectWait time.Duration
	// AckTimeout bounds session create/validate round-trips.
	AckTimeout time.Duration
}

// DefaultConfig returns the standard supervisor settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      10 * time.Second,
		ReconnectInitialDelay: time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		ReconnectMaxAttempts:  10,
		ConnectWait:           15 * time.Second,
		AckTimeout:            5 * time.Second,
	}
}

// Supervisor drives the connection state machine.
type Supervisor struct {
	log   zerolog.Logger
	cfg   Config
	conn  Conn
	queue *queue.Queue
	store *sessionstore.Store
	send  queue.Sender
	exec  *retry.Executor
	clk   clock.Clock

	states *stream.Stream[State]

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	sessionID   string
	stateBag    map[string]string
	metrics     sessionstore.Metrics
	attempts    int
	closed      bool
	hbCancel    context.CancelFunc
	reconnectMu sync.Mutex // serializes reconnect loops
}

// New creates a Supervisor in the connecting state. Call Start to dial.
func New(log zerolog.Logger, cfg Config, conn Conn, q *queue.Queue, store *sessionstore.Store, send queue.Sender, exec *retry.Executor, clk clock.Clock) *Supervisor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		log:      log,
		cfg:      cfg,
		conn:     conn,
		queue:    q,
		store:    store,
		send:     send,
		exec:     exec,
		clk:      clk,
		states:   stream.New[State](8),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateConnecting,
		stateBag: make(map[string]string),
	}

	conn.OnConnect(s.handleConnected)
	conn.OnDisconnect(s.handleDisconnected)
	return s
}

// Start dials the initial connection. A failed dial enters the reconnect
// path rather than returning an error; the terminal failure mode is the
// error state.
func (s *Supervisor) Start() {
	if err := s.conn.Connect(); err != nil {
		s.log.Warn().Err(err).Msg("initial connect failed")
		s.handleDisconnected("initial connect failed")
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// States returns the observable connection-state stream.
func (s *Supervisor) States() *stream.Stream[State] { return s.states }

// IsConnected reports whether the supervisor is in the connected state.
func (s *Supervisor) IsConnected() bool { return s.State() == StateConnected }

// SessionID returns the current remote session id, if any.
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Metrics returns a copy of the connection counters.
func (s *Supervisor) Metrics() sessionstore.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// SetStateValue stores one entry in the session state bag carried across
// reconnects.
func (s *Supervisor) SetStateValue(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateBag[key] = value
}

// StateValue reads one entry from the session state bag.
func (s *Supervisor) StateValue(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.stateBag[key]
	return v, ok
}

// MarkFatal moves the supervisor to the terminal error state, failing all
// queued messages. Used when the bridge itself goes away.
func (s *Supervisor) MarkFatal(reason string) {
	s.log.Error().Str("reason", reason).Msg("entering terminal error state")
	s.transition(StateError)
	s.stopHeartbeat()
	s.queue.FailAll(errors.New(reason))
}

// Close tears the supervisor down: all timers are cancelled, the socket is
// closed, queued messages are failed, and no further state transitions occur.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	hbCancel := s.hbCancel
	s.hbCancel = nil
	s.mu.Unlock()

	s.cancel()
	if hbCancel != nil {
		hbCancel()
	}
	_ = s.conn.Close()
	s.queue.FailAll(errors.New("supervisor closed"))
	s.states.Close()
	return nil
}

// handleConnected runs on every successful handshake.
func (s *Supervisor) handleConnected() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.attempts = 0
	s.metrics.Connects++
	s.mu.Unlock()

	s.transition(StateConnected)
	s.startHeartbeat()

	// Order matters: flush the offline queue first, then recover the
	// session, so dependent requests issued while offline land before any
	// snapshot replay.
	s.queue.Flush(s.ctx, s.send)
	s.recoverSession()
}

// handleDisconnected runs on socket close/error and on heartbeat failure.
func (s *Supervisor) handleDisconnected(reason string) {
	s.mu.Lock()
	if s.closed || s.state == StateError {
		s.mu.Unlock()
		return
	}
	alreadyDown := s.state == StateDisconnected || s.state == StateReconnecting
	if !alreadyDown {
		s.metrics.Disconnects++
	}
	s.mu.Unlock()

	if alreadyDown {
		return
	}

	s.log.Info().Str("reason", reason).Msg("connection lost")
	s.stopHeartbeat()
	s.captureSnapshot()
	s.transition(StateDisconnected)

	go s.reconnectLoop()
}

// reconnectLoop attempts to re-establish the connection with exponential
// backoff. The attempt counter only resets on a successful connection.
func (s *Supervisor) reconnectLoop() {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()

	backoff := retry.Config{
		InitialDelay: s.cfg.ReconnectInitialDelay,
		MaxDelay:     s.cfg.ReconnectMaxDelay,
		Multiplier:   2.0,
	}

	for {
		s.mu.Lock()
		if s.closed || s.state == StateConnected || s.state == StateError {
			s.mu.Unlock()
			return
		}
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		if attempt > s.cfg.ReconnectMaxAttempts {
			s.log.Error().Int("attempts", attempt-1).Msg("reconnect attempts exhausted")
			s.MarkFatal("reconnect attempts exhausted")
			return
		}

		s.transition(StateReconnecting)

		delay := s.exec.Delay(backoff, attempt-1)
		s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		if !s.sleep(delay) {
			return
		}

		if err := s.conn.Connect(); err != nil {
			s.log.Warn().Int("attempt", attempt).Err(err).Msg("reconnect dial failed")
			continue
		}
		if s.waitForConnect() {
			// handleConnected has run (or will momentarily); it owns the
			// transition to connected.
			return
		}
		_ = s.conn.Close()
	}
}

// waitForConnect polls for the connected event for up to cfg.ConnectWait.
func (s *Supervisor) waitForConnect() bool {
	deadline := time.Now().Add(s.cfg.ConnectWait)
	for time.Now().Before(deadline) {
		if s.conn.IsConnected() {
			return true
		}
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return s.conn.IsConnected()
}

// startHeartbeat runs the heartbeat loop for the current connection epoch.
func (s *Supervisor) startHeartbeat() {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if s.hbCancel != nil {
		s.hbCancel()
	}
	s.hbCancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.heartbeat() {
					s.mu.Lock()
					s.metrics.HeartbeatFailures++
					s.mu.Unlock()
					s.log.Warn().Msg("heartbeat failed, treating as disconnect")
					_ = s.conn.Close()
					s.handleDisconnected("heartbeat failed")
					return
				}
			}
		}
	}()
}

func (s *Supervisor) stopHeartbeat() {
	s.mu.Lock()
	cancel := s.hbCancel
	s.hbCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// heartbeat performs one ping round-trip.
func (s *Supervisor) heartbeat() bool {
	_, err := s.conn.EmitWithAck(string(wire.TypePing), map[string]any{
		"time": s.clk.Now().UnixMilli(),
	}, s.cfg.HeartbeatTimeout)
	return err == nil
}

// captureSnapshot persists session state on disconnect.
func (s *Supervisor) captureSnapshot() {
	s.mu.Lock()
	snap := sessionstore.Snapshot{
		SessionID:         s.sessionID,
		State:             bagToPairs(s.stateBag),
		QueuedMessages:    s.queue.Summaries(),
		ConnectionMetrics: s.metrics,
	}
	s.mu.Unlock()

	if snap.SessionID == "" {
		return
	}
	if err := s.store.Save(snap); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist session snapshot")
	}
}

// recoverSession runs once after each reconnect: it examines any persisted
// snapshot, validates the old session with the remote peer, and either
// restores it or creates a fresh session. The snapshot is deleted after the
// attempt regardless of outcome.
func (s *Supervisor) recoverSession() {
	snap, ok, err := s.store.Load()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to load session snapshot")
	}
	// One recovery attempt per snapshot, success or failure.
	defer func() {
		if err := s.store.Delete(); err != nil {
			s.log.Warn().Err(err).Msg("failed to delete session snapshot")
		}
	}()

	if !ok || snap.SessionID == "" {
		s.createSession()
		return
	}

	now := s.clk.Now()
	if !snap.FreshForState(now) {
		s.log.Info().Dur("age", snap.Age(now)).Msg("session snapshot stale, creating new session")
		s.createSession()
		return
	}

	if !s.validateSession(snap.SessionID) {
		s.log.Info().Str("session", snap.SessionID).Msg("remote rejected session, creating new session")
		s.createSession()
		return
	}

	s.mu.Lock()
	s.sessionID = snap.SessionID
	for _, pair := range snap.State {
		s.stateBag[pair[0]] = pair[1]
	}
	s.mu.Unlock()
	s.conn.SetSessionID(snap.SessionID)
	s.log.Info().Str("session", snap.SessionID).Msg("session restored")

	// Replay is held to a much tighter freshness bar than state restore,
	// and only happens when the live queue is empty: a still-running process
	// already holds its own copies of these messages.
	if snap.FreshForReplay(s.clk.Now()) && s.queue.Len() == 0 && len(snap.QueuedMessages) > 0 {
		s.queue.Restore(snap.QueuedMessages)
		s.mu.Lock()
		s.metrics.ReplayedMessages += int64(len(snap.QueuedMessages))
		s.mu.Unlock()
		s.queue.Flush(s.ctx, s.send)
	}
}

// validateSession asks the remote peer whether sessionID is still valid.
func (s *Supervisor) validateSession(sessionID string) bool {
	resp, err := s.conn.EmitWithAck("session:validate", map[string]any{
		"sessionId": sessionID,
	}, s.cfg.AckTimeout)
	if err != nil {
		return false
	}
	var parsed wire.SessionValidateResponse
	ok, err := wire.ParseAck(resp, &parsed)
	if err != nil || !ok {
		return false
	}
	return parsed.Valid
}

// createSession establishes a fresh session with the remote peer.
func (s *Supervisor) createSession() {
	resp, err := s.conn.EmitWithAck("session:create", map[string]any{}, s.cfg.AckTimeout)
	if err != nil {
		s.log.Warn().Err(err).Msg("session create failed")
		return
	}
	var parsed wire.SessionCreateResponse
	ok, err := wire.ParseAck(resp, &parsed)
	if err != nil || !ok || parsed.SessionID == "" {
		s.log.Warn().Msg("session create returned no session id")
		return
	}

	s.mu.Lock()
	s.sessionID = parsed.SessionID
	s.stateBag = make(map[string]string)
	s.mu.Unlock()
	s.conn.SetSessionID(parsed.SessionID)
	s.log.Info().Str("session", parsed.SessionID).Msg("session created")
}

// transition changes state and publishes it. No transitions happen after
// Close, and the error state is terminal.
func (s *Supervisor) transition(next State) {
	s.mu.Lock()
	if s.closed || s.state == next || s.state == StateError {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	s.mu.Unlock()

	s.log.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("connection state changed")
	s.states.Publish(next)
}

// sleep waits for d unless the supervisor is closed first.
func (s *Supervisor) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func bagToPairs(bag map[string]string) [][2]string {
	pairs := make([][2]string, 0, len(bag))
	for k, v := range bag {
		pairs = append(pairs, [2]string{k, v})
	}
	return pairs
}
