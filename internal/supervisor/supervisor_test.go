package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/strandline/tether/internal/clock/clocktest"
	"github.com/strandline/tether/internal/comms"
	"github.com/strandline/tether/internal/queue"
	"github.com/strandline/tether/internal/retry"
	"github.com/strandline/tether/internal/sessionstore"
)

// ackFunc answers one EmitWithAck event in the fake transport.
type ackFunc func(data map[string]any) (map[string]any, error)

// fakeConn is an in-memory Conn. Connect fires the registered connect
// callbacks synchronously, the way a test double for the socket client can.
type fakeConn struct {
	mu           sync.Mutex
	connected    bool
	connectErrs  []error
	connectCalls int
	closeCalls   int
	sessionID    string
	acks         map[string]ackFunc
	emitted      []string
	onConnect    []func()
	onDisconnect []func(string)
}

func newFakeConn() *fakeConn {
	return &fakeConn{acks: make(map[string]ackFunc)}
}

func (f *fakeConn) Connect() error {
	f.mu.Lock()
	f.connectCalls++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			f.mu.Unlock()
			return err
		}
	}
	f.connected = true
	callbacks := append([]func(){}, f.onConnect...)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closeCalls++
	return nil
}

func (f *fakeConn) OnConnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = append(f.onConnect, fn)
}

func (f *fakeConn) OnDisconnect(fn func(reason string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = append(f.onDisconnect, fn)
}

func (f *fakeConn) EmitWithAck(event string, data map[string]any, _ time.Duration) (map[string]any, error) {
	f.mu.Lock()
	f.emitted = append(f.emitted, event)
	ack := f.acks[event]
	f.mu.Unlock()

	if ack == nil {
		return nil, errors.New("no ack configured for " + event)
	}
	return ack(data)
}

func (f *fakeConn) SetSessionID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID = id
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) setAck(event string, fn ackFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks[event] = fn
}

// fireDisconnect simulates the transport dropping.
func (f *fakeConn) fireDisconnect(reason string) {
	f.mu.Lock()
	f.connected = false
	callbacks := append([]func(string){}, f.onDisconnect...)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(reason)
	}
}

func (f *fakeConn) sessionIDValue() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0 // heartbeats enabled per-test
	cfg.ReconnectInitialDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 2 * time.Millisecond
	cfg.ReconnectMaxAttempts = 5
	cfg.ConnectWait = 500 * time.Millisecond
	cfg.AckTimeout = time.Second
	return cfg
}

type fixture struct {
	sup   *Supervisor
	conn  *fakeConn
	queue *queue.Queue
	store *sessionstore.Store
	clk   *clocktest.FakeClock

	mu   sync.Mutex
	sent []string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	clk := clocktest.NewFakeClock(time.Unix(1700000000, 0))
	dir := t.TempDir()
	store, err := sessionstore.NewStore(zerolog.Nop(), dir, filepath.Join(dir, "snapshot.key"), clk)
	require.NoError(t, err)

	exec := retry.New(nil)
	retryCfg := retry.Config{MaxAttempts: 1, Timeout: time.Second}
	q := queue.New(zerolog.Nop(), exec, retryCfg, 10, clk)

	fx := &fixture{conn: newFakeConn(), queue: q, store: store, clk: clk}
	send := func(ctx context.Context, msg queue.Message) (json.RawMessage, error) {
		fx.mu.Lock()
		fx.sent = append(fx.sent, "send:"+msg.Channel)
		fx.mu.Unlock()
		return json.RawMessage(`{}`), nil
	}

	fx.conn.setAck("session:create", func(map[string]any) (map[string]any, error) {
		fx.mu.Lock()
		fx.sent = append(fx.sent, "session:create")
		fx.mu.Unlock()
		return map[string]any{"sessionId": "s-new"}, nil
	})

	fx.sup = New(zerolog.Nop(), cfg, fx.conn, q, store, send, exec, clk)
	t.Cleanup(func() { _ = fx.sup.Close() })
	return fx
}

func (fx *fixture) sentEvents() []string {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]string{}, fx.sent...)
}

func TestSupervisor_ConnectCreatesSession(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, testConfig())
	fx.sup.Start()

	require.Equal(t, StateConnected, fx.sup.State())
	require.Equal(t, "s-new", fx.sup.SessionID())
	require.Equal(t, "s-new", fx.conn.sessionIDValue())
	require.EqualValues(t, 1, fx.sup.Metrics().Connects)
}

func TestSupervisor_FlushRunsBeforeRecovery(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, testConfig())
	_, err := fx.queue.Enqueue("jobs:start", json.RawMessage(`{"id":1}`))
	require.NoError(t, err)

	fx.sup.Start()

	events := fx.sentEvents()
	require.Equal(t, []string{"send:jobs:start", "session:create"}, events,
		"queued messages flush before session recovery")
}

func TestSupervisor_DisconnectThenReconnect(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, testConfig())
	sub, unsub := fx.sup.States().Subscribe()
	defer unsub()

	fx.sup.Start()
	fx.conn.fireDisconnect("transport close")

	require.Eventually(t, func() bool {
		return fx.sup.State() == StateConnected && fx.sup.Metrics().Connects == 2
	}, 2*time.Second, 5*time.Millisecond)

	seen := map[State]bool{}
	for len(sub) > 0 {
		seen[<-sub] = true
	}
	require.True(t, seen[StateDisconnected])
	require.True(t, seen[StateReconnecting])
	require.True(t, seen[StateConnected])
	require.EqualValues(t, 1, fx.sup.Metrics().Disconnects)
}

func TestSupervisor_ReconnectExhaustionEntersErrorState(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ReconnectMaxAttempts = 3
	fx := newFixture(t, cfg)

	fx.sup.Start()
	require.Equal(t, StateConnected, fx.sup.State())

	// Every further dial fails.
	fx.conn.mu.Lock()
	for i := 0; i < 20; i++ {
		fx.conn.connectErrs = append(fx.conn.connectErrs, errors.New("dial refused"))
	}
	fx.conn.mu.Unlock()

	pending, err := fx.queue.Enqueue("jobs:start", json.RawMessage(`{}`))
	require.NoError(t, err)

	fx.conn.fireDisconnect("transport close")

	require.Eventually(t, func() bool {
		return fx.sup.State() == StateError
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case out := <-pending.Done():
		require.Error(t, out.Err)
		require.True(t, comms.IsKind(out.Err, comms.KindConnectionFailed))
	case <-time.After(time.Second):
		t.Fatal("queued message was not failed on terminal error")
	}

	// The error state is terminal.
	fx.conn.fireDisconnect("again")
	require.Equal(t, StateError, fx.sup.State())
}

func TestSupervisor_SessionRestoredFromFreshSnapshot(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, testConfig())
	require.NoError(t, fx.store.Save(sessionstore.Snapshot{
		SessionID: "s-old",
		State:     [][2]string{{"cursor", "42"}},
	}))
	fx.conn.setAck("session:validate", func(data map[string]any) (map[string]any, error) {
		require.Equal(t, "s-old", data["sessionId"])
		return map[string]any{"valid": true}, nil
	})

	fx.sup.Start()

	require.Equal(t, "s-old", fx.sup.SessionID())
	v, ok := fx.sup.StateValue("cursor")
	require.True(t, ok)
	require.Equal(t, "42", v)

	// One recovery attempt per snapshot.
	_, ok, err := fx.store.Load()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSupervisor_RejectedSessionFallsBackToCreate(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, testConfig())
	require.NoError(t, fx.store.Save(sessionstore.Snapshot{SessionID: "s-old"}))
	fx.conn.setAck("session:validate", func(map[string]any) (map[string]any, error) {
		return map[string]any{"valid": false}, nil
	})

	fx.sup.Start()

	require.Equal(t, "s-new", fx.sup.SessionID())
}

func TestSupervisor_StaleSnapshotCreatesNewSession(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, testConfig())
	require.NoError(t, fx.store.Save(sessionstore.Snapshot{SessionID: "s-old"}))
	fx.clk.Advance(sessionstore.FreshnessWindow + time.Second)

	fx.sup.Start()

	require.Equal(t, "s-new", fx.sup.SessionID())
	// No validate round-trip for a snapshot we will not trust.
	for _, ev := range fx.conn.emitted {
		require.NotEqual(t, "session:validate", ev)
	}
}

func TestSupervisor_FreshSnapshotReplaysQueuedMessages(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, testConfig())
	require.NoError(t, fx.store.Save(sessionstore.Snapshot{
		SessionID: "s-old",
		QueuedMessages: []queue.Summary{
			{ID: "m-1", Channel: "jobs:start", Args: json.RawMessage(`{"n":1}`), Timestamp: fx.clk.Now().UnixMilli()},
			{ID: "m-2", Channel: "jobs:stop", Args: json.RawMessage(`{"n":2}`), Timestamp: fx.clk.Now().UnixMilli()},
		},
	}))
	fx.conn.setAck("session:validate", func(map[string]any) (map[string]any, error) {
		return map[string]any{"valid": true}, nil
	})

	fx.sup.Start()

	require.Equal(t, []string{"send:jobs:start", "send:jobs:stop"}, fx.sentEvents())
	require.EqualValues(t, 2, fx.sup.Metrics().ReplayedMessages)
}

func TestSupervisor_SnapshotCapturedOnDisconnect(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ReconnectMaxAttempts = 0 // no reconnects; just inspect the snapshot
	fx := newFixture(t, cfg)

	fx.sup.Start()
	fx.sup.SetStateValue("cursor", "7")
	fx.conn.fireDisconnect("transport close")

	require.Eventually(t, func() bool {
		snap, ok, err := fx.store.Load()
		if err != nil || !ok {
			return false
		}
		return snap.SessionID == "s-new" && len(snap.State) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_HeartbeatFailureTriggersReconnect(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	fx := newFixture(t, cfg)

	var pings int
	var pingMu sync.Mutex
	fx.conn.setAck("ping", func(map[string]any) (map[string]any, error) {
		pingMu.Lock()
		defer pingMu.Unlock()
		pings++
		if pings == 1 {
			return nil, errors.New("no pong")
		}
		return map[string]any{"type": "pong"}, nil
	})

	fx.sup.Start()

	require.Eventually(t, func() bool {
		m := fx.sup.Metrics()
		return m.HeartbeatFailures >= 1 && m.Connects >= 2 && fx.sup.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_CloseFreezesTransitions(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, testConfig())
	fx.sup.Start()
	require.NoError(t, fx.sup.Close())

	state := fx.sup.State()
	fx.conn.fireDisconnect("transport close")
	require.Equal(t, state, fx.sup.State())
	require.NoError(t, fx.sup.Close())
}
