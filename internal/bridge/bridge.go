// Package bridge implements the narrow message-passing boundary to the
// privileged host process.
//
// The host process is attached over its stdio pipes and speaks a
// newline-delimited JSON-RPC dialect: requests carry a numeric id and a
// channel name, responses echo the id, and host-initiated events arrive as
// id-less notifications. If the pipes close, the bridge is unrecoverable
// without a process restart.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	// scannerMaxToken bounds the size of a single JSONL message accepted from
	// the host process. bufio.Scanner defaults to 64KiB, which large event
	// payloads can exceed.
	scannerMaxToken = 8 * 1024 * 1024
)

// ErrClosed is returned when a call cannot complete because the bridge has
// been closed or the host process went away.
var ErrClosed = errors.New("bridge closed")

// Handler receives host-initiated events for a channel.
type Handler func(payload json.RawMessage)

type rpcResponse struct {
	result json.RawMessage
	err    error
}

type rpcMessage struct {
	ID      *int64          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Bridge manages the host process connection and provides invoke/subscribe
// semantics over its JSONL stdio protocol.
type Bridge struct {
	log zerolog.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        io.ReadCloser
	nextID        int64
	pending       map[int64]chan rpcResponse
	handlers      map[string]map[int]Handler
	nextHandlerID int
	closed        bool
	started       bool

	doneOnce sync.Once
	done     chan struct{}
}

// New creates an unstarted Bridge.
func New(log zerolog.Logger) *Bridge {
	return &Bridge{
		log:      log,
		pending:  make(map[int64]chan rpcResponse),
		handlers: make(map[string]map[int]Handler),
		done:     make(chan struct{}),
	}
}

// Start spawns the host process from command and begins reading its event
// stream.
func (b *Bridge) Start(command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("bridge command not configured")
	}

	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return err
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return err
	}

	b.attach(cmd, stdin, stdout)
	return nil
}

// StartWithPipes attaches the bridge to pre-established pipes instead of
// spawning a process. Used by tests and by embedders that own the host
// process lifecycle.
func (b *Bridge) StartWithPipes(stdin io.WriteCloser, stdout io.ReadCloser) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.attach(nil, stdin, stdout)
}

func (b *Bridge) attach(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.ReadCloser) {
	b.mu.Lock()
	b.cmd = cmd
	b.stdin = stdin
	b.stdout = stdout
	b.mu.Unlock()

	go b.readLoop()
}

// Done is closed when the bridge becomes unusable: the host process exited,
// its stdout stream ended, or Close was called.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Invoke sends a request on channel and waits for the matching response.
// Callers bound the wait through ctx; the per-call timeout policy lives a
// layer above.
func (b *Bridge) Invoke(ctx context.Context, channel string, payload json.RawMessage) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	id := atomic.AddInt64(&b.nextID, 1)

	respCh := make(chan rpcResponse, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.pending[id] = respCh
	b.mu.Unlock()

	if err := b.send(rpcMessage{ID: &id, Channel: channel, Payload: payload}); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-respCh:
		return resp.result, resp.err
	}
}

// On subscribes handler to host-initiated events on channel and returns an
// unsubscribe function. Unsubscribe is idempotent.
func (b *Bridge) On(channel string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[int]Handler)
	}
	id := b.nextHandlerID
	b.nextHandlerID++
	b.handlers[channel][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if hs := b.handlers[channel]; hs != nil {
				delete(hs, id)
				if len(hs) == 0 {
					delete(b.handlers, channel)
				}
			}
		})
	}
}

// Close terminates the host process and fails all in-flight requests.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cmd := b.cmd
	stdin := b.stdin
	pending := b.pending
	b.pending = make(map[int64]chan rpcResponse)
	b.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- rpcResponse{err: ErrClosed}:
		default:
		}
	}

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	b.markDone()
	return nil
}

// readLoop reads newline-delimited JSON messages from the host process and
// dispatches notifications and responses.
func (b *Bridge) readLoop() {
	b.mu.Lock()
	r := b.stdout
	b.mu.Unlock()
	if r == nil {
		return
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerMaxToken)
	for scanner.Scan() {
		line := scanner.Bytes()
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			b.log.Warn().Int("len", len(line)).Err(err).Msg("dropped invalid bridge message")
			continue
		}

		switch {
		case msg.ID == nil && msg.Channel != "":
			b.dispatchEvent(msg.Channel, msg.Payload)
		case msg.ID != nil:
			b.dispatchResponse(*msg.ID, msg.Result, msg.Error)
		default:
			b.log.Debug().Msg("ignored bridge message with no id or channel")
		}
	}

	if err := scanner.Err(); err != nil {
		b.log.Error().Err(err).Msg("bridge stream ended with error")
	}
	_ = b.Close()
}

// dispatchEvent fans a host notification out to channel subscribers. Events
// with no subscriber are dropped with a warning.
func (b *Bridge) dispatchEvent(channel string, payload json.RawMessage) {
	b.mu.Lock()
	hs := make([]Handler, 0, len(b.handlers[channel]))
	for _, h := range b.handlers[channel] {
		hs = append(hs, h)
	}
	b.mu.Unlock()

	if len(hs) == 0 {
		b.log.Warn().Str("channel", channel).Msg("bridge event dropped, no handler")
		return
	}
	for _, h := range hs {
		h(payload)
	}
}

// dispatchResponse resolves a pending request.
func (b *Bridge) dispatchResponse(id int64, result json.RawMessage, rpcErr *rpcError) {
	b.mu.Lock()
	ch := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if ch == nil {
		return
	}

	if rpcErr != nil {
		ch <- rpcResponse{err: fmt.Errorf("host error %d: %s", rpcErr.Code, rpcErr.Message)}
		return
	}
	ch <- rpcResponse{result: result}
}

// send writes a single message to the host process stdin.
func (b *Bridge) send(msg rpcMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.stdin == nil {
		return fmt.Errorf("bridge not started")
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = b.stdin.Write(raw)
	return err
}

func (b *Bridge) markDone() {
	b.doneOnce.Do(func() { close(b.done) })
}
