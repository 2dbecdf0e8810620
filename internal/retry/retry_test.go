package retry

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strandline/tether/internal/comms"
)

// fakeRecorder counts outcome reports.
type fakeRecorder struct {
	successes atomic.Int32
	failures  atomic.Int32
}

func (r *fakeRecorder) RecordSuccess(string) { r.successes.Add(1) }
func (r *fakeRecorder) RecordFailure(string) { r.failures.Add(1) }

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		Timeout:      time.Second,
	}
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	e := New(rec)

	result, err := e.Do(context.Background(), "ch", fastConfig(), func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `"ok"`, string(result))
	require.EqualValues(t, 1, rec.successes.Load())
	require.Zero(t, rec.failures.Load())
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	e := New(rec)

	var calls atomic.Int32
	result, err := e.Do(context.Background(), "ch", fastConfig(), func(context.Context) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("flaky")
		}
		return json.RawMessage(`1`), nil
	})
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`1`), result)
	require.EqualValues(t, 3, calls.Load())
	require.EqualValues(t, 1, rec.successes.Load())
	require.Zero(t, rec.failures.Load())
}

func TestDo_ExhaustedAttemptsReportsFailure(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	e := New(rec)

	var calls atomic.Int32
	_, err := e.Do(context.Background(), "ch", fastConfig(), func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("down")
	})
	require.Error(t, err)
	require.EqualValues(t, 3, calls.Load())
	require.Zero(t, rec.successes.Load())
	require.EqualValues(t, 1, rec.failures.Load(), "failure reported once, not per attempt")
}

func TestDo_TimeoutClassifiedAndAbandoned(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	e := New(rec)

	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.Timeout = 10 * time.Millisecond

	_, err := e.Do(context.Background(), "slow", cfg, func(ctx context.Context) (json.RawMessage, error) {
		<-ctx.Done()
		// Late completion after abandonment must not disturb the result.
		return json.RawMessage(`"late"`), nil
	})
	require.Error(t, err)
	require.True(t, comms.IsKind(err, comms.KindTimeout), "got %v", err)
	require.EqualValues(t, 1, rec.failures.Load())
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	e := New(rec)

	var calls atomic.Int32
	_, err := e.Do(context.Background(), "ch", fastConfig(), func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return nil, comms.NewError(comms.KindInvalidResponse, "ch", "", errors.New("bad payload"))
	})
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load(), "invalid requests are not retried")
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	t.Parallel()

	e := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	cfg := fastConfig()
	cfg.InitialDelay = time.Hour // would hang if cancellation were ignored

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Do(ctx, "ch", cfg, func(context.Context) (json.RawMessage, error) {
			calls.Add(1)
			return nil, errors.New("down")
		})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
	require.EqualValues(t, 1, calls.Load())
}

func TestDelay_ExponentialWithCapAndJitter(t *testing.T) {
	t.Parallel()

	e := New(nil)
	cfg := Config{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}

	// Reconnect attempt 4 => 0-based attempt 3 => base 8000ms ± 10%.
	d := e.Delay(cfg, 3)
	require.GreaterOrEqual(t, d, 7200*time.Millisecond)
	require.LessOrEqual(t, d, 8800*time.Millisecond)

	// Far attempts clamp to MaxDelay ± 10%.
	d = e.Delay(cfg, 10)
	require.GreaterOrEqual(t, d, 27*time.Second)
	require.LessOrEqual(t, d, 33*time.Second)
}
