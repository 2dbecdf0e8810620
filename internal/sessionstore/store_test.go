package sessionstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/strandline/tether/internal/clock/clocktest"
	"github.com/strandline/tether/internal/queue"
)

func newTestStore(t *testing.T, clk *clocktest.FakeClock) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := NewStore(zerolog.Nop(), dir, filepath.Join(dir, "snapshot.key"), clk)
	require.NoError(t, err)
	return st
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()

	clk := clocktest.NewFakeClock(time.Unix(1700000000, 0))
	st := newTestStore(t, clk)

	in := Snapshot{
		SessionID: "s-1",
		State:     [][2]string{{"cursor", "42"}, {"view", "logs"}},
		QueuedMessages: []queue.Summary{
			{ID: "m-1", Channel: "a", Args: json.RawMessage(`{"n":1}`), Timestamp: 123},
		},
		ConnectionMetrics: Metrics{Connects: 3, Disconnects: 2},
	}
	require.NoError(t, st.Save(in))

	got, ok, err := st.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "s-1", got.SessionID)
	require.Equal(t, in.State, got.State)
	require.Len(t, got.QueuedMessages, 1)
	require.Equal(t, "m-1", got.QueuedMessages[0].ID)
	require.EqualValues(t, 3, got.ConnectionMetrics.Connects)
	require.Equal(t, clk.Now().UnixMilli(), got.Timestamp, "capture time is stamped on save")
}

func TestStore_LoadMissing(t *testing.T) {
	t.Parallel()

	st := newTestStore(t, clocktest.NewFakeClock(time.Now()))
	_, ok, err := st.Load()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_WrongKeyTreatedAsAbsent(t *testing.T) {
	t.Parallel()

	clk := clocktest.NewFakeClock(time.Now())
	dir := t.TempDir()

	first, err := NewStore(zerolog.Nop(), dir, filepath.Join(dir, "key-a"), clk)
	require.NoError(t, err)
	require.NoError(t, first.Save(Snapshot{SessionID: "s-1"}))

	// Same blob, different key.
	second, err := NewStore(zerolog.Nop(), dir, filepath.Join(dir, "key-b"), clk)
	require.NoError(t, err)
	_, ok, err := second.Load()
	require.NoError(t, err)
	require.False(t, ok)

	// The unopenable blob was discarded.
	_, statErr := os.Stat(filepath.Join(dir, snapshotFile))
	require.True(t, os.IsNotExist(statErr))
}

func TestStore_CorruptBlobTreatedAsAbsent(t *testing.T) {
	t.Parallel()

	clk := clocktest.NewFakeClock(time.Now())
	dir := t.TempDir()
	st, err := NewStore(zerolog.Nop(), dir, filepath.Join(dir, "snapshot.key"), clk)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotFile), []byte("junk"), 0o600))
	_, ok, err := st.Load()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	st := newTestStore(t, clocktest.NewFakeClock(time.Now()))
	require.NoError(t, st.Save(Snapshot{SessionID: "s-1"}))
	require.NoError(t, st.Delete())
	require.NoError(t, st.Delete())
}

func TestStore_StateBagIsBounded(t *testing.T) {
	t.Parallel()

	st := newTestStore(t, clocktest.NewFakeClock(time.Now()))

	var state [][2]string
	for i := 0; i < MaxStateEntries+10; i++ {
		state = append(state, [2]string{"k", "v"})
	}
	require.NoError(t, st.Save(Snapshot{SessionID: "s-1", State: state}))

	got, ok, err := st.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.State, MaxStateEntries)
}

func TestSnapshot_FreshnessWindows(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	snap := Snapshot{Timestamp: now.UnixMilli()}

	require.True(t, snap.FreshForState(now.Add(time.Minute)))
	require.False(t, snap.FreshForState(now.Add(FreshnessWindow+time.Second)))

	require.True(t, snap.FreshForReplay(now.Add(10*time.Second)))
	require.False(t, snap.FreshForReplay(now.Add(ReplayWindow+time.Second)))

	// A snapshot from the future is never trusted.
	require.False(t, snap.FreshForState(now.Add(-time.Minute)))
}
