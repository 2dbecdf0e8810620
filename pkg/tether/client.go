// Package tether is the public face of the resilient communication layer.
//
// A Client multiplexes calls over two transports: channels prefixed "host:"
// go to the privileged host process over the stdio bridge, everything else
// goes to the remote service over the socket connection. Every call passes
// through the per-channel circuit breaker and the retry executor; socket
// calls marked queueable are buffered while the connection is down and
// replayed in order once it returns.
package tether

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strandline/tether/internal/breaker"
	"github.com/strandline/tether/internal/bridge"
	"github.com/strandline/tether/internal/clock"
	"github.com/strandline/tether/internal/comms"
	"github.com/strandline/tether/internal/protocol/wire"
	"github.com/strandline/tether/internal/queue"
	"github.com/strandline/tether/internal/registry"
	"github.com/strandline/tether/internal/retry"
	"github.com/strandline/tether/internal/sessionstore"
	"github.com/strandline/tether/internal/socket"
	"github.com/strandline/tether/internal/stream"
	"github.com/strandline/tether/internal/supervisor"
)

// HostChannelPrefix routes a channel to the host-process bridge instead of
// the remote service.
const HostChannelPrefix = "host:"

// invokeEvent is the socket event name carrying request/response calls.
const invokeEvent = "invoke"

// ErrPayloadTooLarge rejects an oversized request payload before any
// transport or retry work happens.
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client closed")

// Config configures a Client.
type Config struct {
	// ServerURL is the remote service endpoint.
	ServerURL string
	// AccessToken is carried in the socket auth payload. Never minted or
	// verified here.
	AccessToken string
	// TokenRefresher, when set, is invoked to obtain a fresh token after an
	// auth-rejected connect.
	TokenRefresher func() (string, error)
	// BridgeCommand spawns the host process; its stdio pipes become the
	// bridge.
	BridgeCommand []string
	// DataDir holds the session snapshot and its sealing key.
	DataDir string
	// SnapshotKeyPath overrides the sealing key location. Defaults to
	// DataDir/snapshot.key.
	SnapshotKeyPath string

	// InvokeTimeout bounds a single attempt of a call. Default 10s.
	InvokeTimeout time.Duration
	// InvokeRetries is the number of additional attempts after the first.
	// Zero means single-attempt calls.
	InvokeRetries int
	// QueueCapacity bounds the offline message queue. Default 100.
	QueueCapacity int
	// MaxPayloadBytes rejects larger request payloads outright. Default 1MiB.
	MaxPayloadBytes int

	// Supervisor carries heartbeat and reconnect settings. Zero value uses
	// supervisor defaults.
	Supervisor supervisor.Config
	// Breaker carries circuit breaker thresholds. Zero value uses breaker
	// defaults.
	Breaker breaker.Config
}

func (c Config) withDefaults() Config {
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = 10 * time.Second
	}
	if c.InvokeRetries < 0 {
		c.InvokeRetries = 0
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = queue.DefaultCapacity
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 1 << 20
	}
	if c.Supervisor == (supervisor.Config{}) {
		c.Supervisor = supervisor.DefaultConfig()
	}
	if c.SnapshotKeyPath == "" {
		c.SnapshotKeyPath = filepath.Join(c.DataDir, "snapshot.key")
	}
	return c
}

// hostBridge is the bridge surface the client needs. *bridge.Bridge
// implements it.
type hostBridge interface {
	Invoke(ctx context.Context, channel string, payload json.RawMessage) (json.RawMessage, error)
	On(channel string, handler bridge.Handler) func()
	Done() <-chan struct{}
	Close() error
}

// socketConn is the socket surface the client and supervisor share.
// *socket.Client implements it.
type socketConn interface {
	supervisor.Conn
	Emit(event string, data map[string]any) error
	On(event string, handler func(map[string]any)) func()
}

// Client is the resilient communication layer.
type Client struct {
	log  zerolog.Logger
	cfg  Config
	brk  *breaker.Breaker
	exec *retry.Executor
	q    *queue.Queue
	sup  *supervisor.Supervisor
	hb   hostBridge
	sock socketConn
	reg  *registry.Registry

	startBridge func() error

	mu      sync.Mutex
	streams map[string]*stream.Stream[json.RawMessage]
	unsubs  []func()
	closed  bool
}

// New creates a Client over a spawned host process and a socket connection
// to cfg.ServerURL. Call Start to bring both up.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()

	hb := bridge.New(log.With().Str("component", "bridge").Logger())
	sock := socket.NewClient(log.With().Str("component", "socket").Logger(), cfg.ServerURL, cfg.AccessToken)
	if cfg.TokenRefresher != nil {
		sock.SetTokenRefresher(cfg.TokenRefresher)
	}

	c, err := newClient(cfg, log, hb, sock, nil)
	if err != nil {
		return nil, err
	}
	c.startBridge = func() error { return hb.Start(cfg.BridgeCommand) }
	return c, nil
}

// newClient wires the client from its parts. Tests inject fakes here.
func newClient(cfg Config, log zerolog.Logger, hb hostBridge, sock socketConn, clk clock.Clock) (*Client, error) {
	cfg = cfg.withDefaults()

	brk := breaker.New(cfg.Breaker, clk)
	exec := retry.New(brk)

	queueRetry := retry.DefaultConfig()
	queueRetry.MaxAttempts = cfg.InvokeRetries + 1
	queueRetry.Timeout = cfg.InvokeTimeout
	q := queue.New(log.With().Str("component", "queue").Logger(), exec, queueRetry, cfg.QueueCapacity, clk)

	store, err := sessionstore.NewStore(log.With().Str("component", "sessionstore").Logger(),
		cfg.DataDir, cfg.SnapshotKeyPath, clk)
	if err != nil {
		return nil, err
	}

	c := &Client{
		log:     log,
		cfg:     cfg,
		brk:     brk,
		exec:    exec,
		q:       q,
		hb:      hb,
		sock:    sock,
		reg:     registry.New(log.With().Str("component", "registry").Logger()),
		streams: make(map[string]*stream.Stream[json.RawMessage]),
	}
	c.sup = supervisor.New(log.With().Str("component", "supervisor").Logger(),
		cfg.Supervisor, sock, q, store, c.sendQueued, exec, clk)
	return c, nil
}

// Start spawns the host process and dials the remote service. The bridge is
// unrecoverable: if it dies, the client enters the terminal error state.
func (c *Client) Start() error {
	if c.startBridge != nil {
		if err := c.startBridge(); err != nil {
			return fmt.Errorf("failed to start host bridge: %w", err)
		}
	}
	go func() {
		<-c.hb.Done()
		c.sup.MarkFatal("host bridge closed")
	}()
	c.sup.Start()
	return nil
}

// Close tears everything down: listener cleanups run, the supervisor stops,
// both transports close, and all event streams end.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	streams := make([]*stream.Stream[json.RawMessage], 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	c.reg.CleanupAll()
	for _, unsub := range unsubs {
		unsub()
	}
	_ = c.sup.Close()
	_ = c.hb.Close()
	for _, s := range streams {
		s.Close()
	}
	return nil
}

// Invoke performs one request/response call on channel. Channels prefixed
// "host:" go over the bridge; everything else goes over the socket. A
// configured fallback is returned in place of any final failure, including
// an open circuit.
func (c *Client) Invoke(ctx context.Context, channel string, payload json.RawMessage, opts ...comms.InvokeOption) (json.RawMessage, error) {
	o := comms.InvokeOptions{
		Timeout: c.cfg.InvokeTimeout,
		Retries: c.cfg.InvokeRetries,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if len(payload) > c.cfg.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, len(payload), c.cfg.MaxPayloadBytes)
	}

	result, err := c.invoke(ctx, channel, payload, o)
	if err != nil {
		if o.HasFallback {
			c.log.Debug().Str("channel", channel).Err(err).Msg("call failed, returning fallback")
			return o.Fallback, nil
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) invoke(ctx context.Context, channel string, payload json.RawMessage, o comms.InvokeOptions) (json.RawMessage, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if c.brk.IsOpen(channel) {
		return nil, comms.NewError(comms.KindCircuitOpen, channel, "", errors.New("circuit open"))
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = o.Retries + 1
	retryCfg.Timeout = o.Timeout
	corrID := uuid.NewString()

	if hostChannel, ok := strings.CutPrefix(channel, HostChannelPrefix); ok {
		return c.exec.Do(ctx, channel, retryCfg, func(attemptCtx context.Context) (json.RawMessage, error) {
			result, err := c.hb.Invoke(attemptCtx, hostChannel, payload)
			if err != nil {
				return nil, classifyBridgeError(channel, corrID, err)
			}
			return result, nil
		})
	}

	if !c.sup.IsConnected() {
		if o.Queueable {
			return c.enqueue(ctx, channel, payload)
		}
		return nil, comms.NewError(comms.KindConnectionFailed, channel, corrID, errors.New("not connected"))
	}

	return c.exec.Do(ctx, channel, retryCfg, func(attemptCtx context.Context) (json.RawMessage, error) {
		return c.sendSocket(attemptCtx, channel, corrID, payload)
	})
}

// enqueue buffers a queueable call and blocks until it is replayed or
// permanently fails.
func (c *Client) enqueue(ctx context.Context, channel string, payload json.RawMessage) (json.RawMessage, error) {
	pending, err := c.q.Enqueue(channel, payload)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-pending.Done():
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendQueued is the queue's delivery function: one socket send of a buffered
// message, reusing its queue id as the correlation id.
func (c *Client) sendQueued(ctx context.Context, msg queue.Message) (json.RawMessage, error) {
	return c.sendSocket(ctx, msg.Channel, msg.ID, msg.Payload)
}

// sendSocket performs one invoke round-trip over the socket.
func (c *Client) sendSocket(ctx context.Context, channel, corrID string, payload json.RawMessage) (json.RawMessage, error) {
	timeout := c.cfg.InvokeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	resp, err := c.sock.EmitWithAck(invokeEvent, map[string]any{
		"channel":       channel,
		"correlationId": corrID,
		"payload":       payload,
	}, timeout)
	if err != nil {
		return nil, comms.NewError(comms.KindConnectionFailed, channel, corrID, err)
	}

	var parsed wire.InvokeResponse
	ok, perr := wire.ParseAck(resp, &parsed)
	if perr != nil || !ok {
		return nil, comms.NewError(comms.KindInvalidResponse, channel, corrID, errors.New("malformed ack payload"))
	}
	if parsed.Error != nil {
		return nil, comms.NewError(comms.KindUnknown, channel, corrID,
			fmt.Errorf("remote error %s: %s", parsed.Error.Code, parsed.Error.Message))
	}
	if !parsed.OK {
		return nil, comms.NewError(comms.KindInvalidResponse, channel, corrID, errors.New("ack carried no result"))
	}
	return parsed.Result, nil
}

// On returns the broadcast stream of inbound events on channel, creating the
// underlying transport subscription on first use.
func (c *Client) On(channel string) *stream.Stream[json.RawMessage] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.streams[channel]; ok {
		return s
	}
	s := stream.New[json.RawMessage](16)
	c.streams[channel] = s

	var unsub func()
	if hostChannel, ok := strings.CutPrefix(channel, HostChannelPrefix); ok {
		unsub = c.hb.On(hostChannel, func(payload json.RawMessage) {
			s.Publish(payload)
		})
	} else {
		unsub = c.sock.On(channel, func(data map[string]any) {
			raw, err := json.Marshal(data)
			if err != nil {
				c.log.Warn().Str("channel", channel).Err(err).Msg("dropped unmarshalable event")
				return
			}
			s.Publish(raw)
		})
	}
	c.unsubs = append(c.unsubs, unsub)
	return s
}

// Listen subscribes fn to channel events on behalf of ownerID. The
// subscription is torn down when the owner is released, and events arriving
// after release are dropped rather than delivered.
func (c *Client) Listen(ownerID, channel string, fn func(json.RawMessage)) error {
	if err := c.reg.Register(ownerID); err != nil {
		return err
	}

	events, unsub := c.On(channel).Subscribe()
	done := make(chan struct{})
	var stop sync.Once

	go func() {
		for {
			select {
			case payload, ok := <-events:
				if !ok {
					return
				}
				c.reg.Deliver(ownerID, func() { fn(payload) })
			case <-done:
				return
			}
		}
	}()

	cleanup := func() error {
		stop.Do(func() { close(done) })
		unsub()
		return nil
	}
	if err := c.reg.RegisterCleanup(ownerID, cleanup); err != nil {
		_ = cleanup()
		return err
	}
	return nil
}

// Release tears down every subscription owned by ownerID. The owner is
// permanently dead afterwards.
func (c *Client) Release(ownerID string) {
	c.reg.Unregister(ownerID)
}

// ConnectionStates returns the observable connection-state stream.
func (c *Client) ConnectionStates() *stream.Stream[supervisor.State] {
	return c.sup.States()
}

// ConnectionState returns the current connection state.
func (c *Client) ConnectionState() supervisor.State { return c.sup.State() }

// IsConnected reports whether the socket connection is up.
func (c *Client) IsConnected() bool { return c.sup.IsConnected() }

// SessionID returns the current remote session id, if any.
func (c *Client) SessionID() string { return c.sup.SessionID() }

// Metrics returns the connection counters.
func (c *Client) Metrics() sessionstore.Metrics { return c.sup.Metrics() }

// BreakerStatus returns the circuit state for channel.
func (c *Client) BreakerStatus(channel string) breaker.Status {
	return c.brk.Status(channel)
}

// ResetBreaker administratively closes the circuit for channel.
func (c *Client) ResetBreaker(channel string) {
	c.brk.Reset(channel)
}

// classifyBridgeError maps bridge failures into the error taxonomy.
func classifyBridgeError(channel, corrID string, err error) error {
	if errors.Is(err, bridge.ErrClosed) {
		return comms.NewError(comms.KindConnectionFailed, channel, corrID, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return comms.NewError(comms.KindTimeout, channel, corrID, err)
	}
	return err
}
