package registry

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return New(zerolog.Nop())
}

func TestUnregister_RunsAllCleanupsOnce(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	var ran []string
	require.NoError(t, r.RegisterCleanup("view-1", func() error {
		ran = append(ran, "a")
		return nil
	}))
	require.NoError(t, r.RegisterCleanup("view-1", func() error {
		ran = append(ran, "b")
		return nil
	}))

	r.Unregister("view-1")
	require.Equal(t, []string{"a", "b"}, ran)

	// Idempotent: a second teardown must not rerun cleanups.
	r.Unregister("view-1")
	require.Equal(t, []string{"a", "b"}, ran)
}

func TestUnregister_CleanupErrorsAreIsolated(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	var survived bool
	require.NoError(t, r.RegisterCleanup("view-1", func() error {
		return errors.New("boom")
	}))
	require.NoError(t, r.RegisterCleanup("view-1", func() error {
		panic("worse")
	}))
	require.NoError(t, r.RegisterCleanup("view-1", func() error {
		survived = true
		return nil
	}))

	r.Unregister("view-1")
	require.True(t, survived, "later cleanups must run despite earlier failures")
}

func TestDestroyedOwnerCannotReRegister(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	require.NoError(t, r.Register("view-1"))
	r.Unregister("view-1")

	require.Error(t, r.Register("view-1"))
	require.Error(t, r.RegisterCleanup("view-1", func() error { return nil }))
	require.False(t, r.Alive("view-1"))
}

func TestDeliver_DropsEventsForDestroyedOwner(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	require.NoError(t, r.Register("view-1"))

	var delivered int
	r.Deliver("view-1", func() { delivered++ })
	require.Equal(t, 1, delivered)

	r.Unregister("view-1")
	r.Deliver("view-1", func() { delivered++ })
	require.Equal(t, 1, delivered, "events for destroyed owners must be no-ops")
}

func TestCleanupAll(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	var count int
	for _, id := range []string{"a", "b", "c"} {
		id := id
		require.NoError(t, r.RegisterCleanup(id, func() error {
			count++
			return nil
		}))
	}

	r.CleanupAll()
	require.Equal(t, 3, count)
	for _, id := range []string{"a", "b", "c"} {
		require.False(t, r.Alive(id))
	}
}
