// Package retry wraps a single asynchronous operation with timeout racing and
// exponential backoff.
package retry

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/strandline/tether/internal/comms"
)

// Config controls one execution: attempt count, backoff curve, and the
// per-attempt timeout.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Timeout      time.Duration
}

// DefaultConfig returns the standard retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Timeout:      10 * time.Second,
	}
}

// Recorder receives call outcomes, normally the circuit breaker.
type Recorder interface {
	RecordSuccess(channel string)
	RecordFailure(channel string)
}

// Operation is a single attempt of the underlying call. The context carries
// the per-attempt deadline; implementations should honor it.
type Operation func(ctx context.Context) (json.RawMessage, error)

// Executor runs operations with retry, backoff, and outcome recording.
type Executor struct {
	rec Recorder

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates an Executor reporting outcomes to rec. rec may be nil.
func New(rec Recorder) *Executor {
	return &Executor{
		rec: rec,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs op up to cfg.MaxAttempts times. Each attempt races op against
// cfg.Timeout; a timed-out attempt is abandoned, not killed, and its eventual
// completion is discarded. Between attempts Do sleeps for the backoff delay.
// The final outcome is reported to the Recorder once: success on the first
// successful attempt, failure after attempts are exhausted or a non-retryable
// error occurs.
func (e *Executor) Do(ctx context.Context, channel string, cfg Config, op Operation) (json.RawMessage, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		result, err := e.attempt(ctx, channel, cfg.Timeout, op)
		if err == nil {
			if e.rec != nil {
				e.rec.RecordSuccess(channel)
			}
			return result, nil
		}
		lastErr = err

		if !comms.Retryable(err) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		if err := e.sleep(ctx, e.Delay(cfg, attempt)); err != nil {
			lastErr = err
			break
		}
	}

	if e.rec != nil {
		e.rec.RecordFailure(channel)
	}
	return nil, lastErr
}

// attempt runs one attempt of op with its own deadline. The operation runs in
// a goroutine writing to a buffered channel so an abandoned attempt cannot
// block or double-resolve the caller.
func (e *Executor) attempt(ctx context.Context, channel string, timeout time.Duration, op Operation) (json.RawMessage, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := op(attemptCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, comms.NewError(comms.KindTimeout, channel, "", attemptCtx.Err())
	}
}

// Delay returns the backoff delay before retrying after the given 0-based
// attempt: min(initial × multiplier^attempt, max) with ±10% jitter.
func (e *Executor) Delay(cfg Config, attempt int) time.Duration {
	base := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && base > float64(cfg.MaxDelay) {
		base = float64(cfg.MaxDelay)
	}

	e.mu.Lock()
	f := 0.9 + 0.2*e.rng.Float64()
	e.mu.Unlock()

	return time.Duration(base * f)
}

// sleep waits for d or until ctx is cancelled.
func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
