// Package queue buffers outbound requests while the connection is down and
// replays them strictly in enqueue order once connectivity resumes.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strandline/tether/internal/clock"
	"github.com/strandline/tether/internal/comms"
	"github.com/strandline/tether/internal/retry"
)

// DefaultCapacity bounds how many messages may wait for a reconnect.
const DefaultCapacity = 100

// Message is one buffered request.
type Message struct {
	ID         string
	Channel    string
	Payload    json.RawMessage
	EnqueuedAt time.Time
	RetryCount int
}

// Summary is the compact form of a queued message persisted in session
// snapshots.
type Summary struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Args      json.RawMessage `json:"args"`
	Timestamp int64           `json:"timestamp"`
}

// Outcome resolves a Pending handle: exactly one of Result or Err is set.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// Pending is the caller's handle for an enqueued message. Done yields exactly
// one Outcome when the message is eventually delivered or permanently fails.
type Pending struct {
	ID   string
	done chan Outcome
}

// Done returns the resolution channel.
func (p *Pending) Done() <-chan Outcome { return p.done }

type item struct {
	msg  Message
	done chan Outcome
}

// Sender performs one delivery attempt of a message over the live transport.
type Sender func(ctx context.Context, msg Message) (json.RawMessage, error)

// Queue is the offline message buffer. Messages live here only while the
// connection is down, or transiently during a flush.
type Queue struct {
	log      zerolog.Logger
	exec     *retry.Executor
	retryCfg retry.Config
	clk      clock.Clock
	capacity int

	mu    sync.Mutex
	items []*item
}

// New creates a Queue that flushes through exec using retryCfg per message.
func New(log zerolog.Logger, exec *retry.Executor, retryCfg retry.Config, capacity int, clk clock.Clock) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Queue{
		log:      log,
		exec:     exec,
		retryCfg: retryCfg,
		clk:      clk,
		capacity: capacity,
	}
}

// Enqueue buffers a message and returns its Pending handle. The handle
// resolves only when the message is delivered or permanently fails; no
// delivery is attempted here. A full queue rejects immediately.
func (q *Queue) Enqueue(channel string, payload json.RawMessage) (*Pending, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return nil, comms.NewError(comms.KindConnectionFailed, channel, "",
			errors.New("offline queue full"))
	}

	it := &item{
		msg: Message{
			ID:         uuid.NewString(),
			Channel:    channel,
			Payload:    payload,
			EnqueuedAt: q.clk.Now(),
		},
		done: make(chan Outcome, 1),
	}
	q.items = append(q.items, it)
	q.log.Debug().Str("channel", channel).Str("id", it.msg.ID).Int("depth", len(q.items)).
		Msg("queued message while disconnected")
	return &Pending{ID: it.msg.ID, done: it.done}, nil
}

// Restore re-enqueues messages recovered from a session snapshot, preserving
// their original ids and order. Handles resolve into the void; the original
// callers are gone.
func (q *Queue) Restore(summaries []Summary) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, s := range summaries {
		if len(q.items) >= q.capacity {
			q.log.Warn().Str("id", s.ID).Msg("dropping restored message, queue full")
			continue
		}
		q.items = append(q.items, &item{
			msg: Message{
				ID:         s.ID,
				Channel:    s.Channel,
				Payload:    s.Args,
				EnqueuedAt: time.UnixMilli(s.Timestamp),
			},
			done: make(chan Outcome, 1),
		})
	}
}

// Flush drains the queue strictly FIFO, handing each message to the retry
// executor exactly once. A message whose retries are exhausted is rejected and
// never re-queued. Flush returns when the queue observed at call time is
// drained or ctx is cancelled.
func (q *Queue) Flush(ctx context.Context, send Sender) {
	for {
		it := q.pop()
		if it == nil {
			return
		}
		if ctx.Err() != nil {
			it.done <- Outcome{Err: comms.NewError(comms.KindConnectionFailed, it.msg.Channel, it.msg.ID, ctx.Err())}
			continue
		}

		msg := it.msg
		result, err := q.exec.Do(ctx, msg.Channel, q.retryCfg, func(attemptCtx context.Context) (json.RawMessage, error) {
			return send(attemptCtx, msg)
		})
		if err != nil {
			q.log.Warn().Str("channel", msg.Channel).Str("id", msg.ID).Err(err).
				Msg("replay failed, rejecting queued message")
			it.done <- Outcome{Err: err}
			continue
		}
		it.done <- Outcome{Result: result}
	}
}

// FailAll rejects every buffered message with err. Used on teardown so no
// caller is left waiting forever.
func (q *Queue) FailAll(err error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range items {
		it.done <- Outcome{Err: comms.NewError(comms.KindConnectionFailed, it.msg.Channel, it.msg.ID, err)}
	}
}

// Summaries returns snapshot summaries of all buffered messages in order.
func (q *Queue) Summaries() []Summary {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Summary, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, Summary{
			ID:        it.msg.ID,
			Channel:   it.msg.Channel,
			Args:      it.msg.Payload,
			Timestamp: it.msg.EnqueuedAt.UnixMilli(),
		})
	}
	return out
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// pop removes and returns the oldest buffered message, or nil when empty.
func (q *Queue) pop() *item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it
}
