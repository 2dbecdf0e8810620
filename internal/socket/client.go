// Package socket wraps the Socket.IO client connection to the remote service.
//
// The wrapper owns nothing about reconnection policy; the connection
// supervisor drives Connect/Close and subscribes to lifecycle callbacks. What
// lives here is the transport plumbing: event fan-out, emit-with-ack, and the
// token refresh path for auth-rejected connects.
package socket

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	socketio "github.com/zishang520/socket.io/clients/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"
)

// connectPath is the Socket.IO mount path on the remote service.
const connectPath = "/v1/stream"

// refreshCooldown rate-limits token refresh attempts.
const refreshCooldown = time.Minute

// TokenRefresher returns a fresh access token. Supplied by the thin auth
// layer above this one; this package never mints tokens itself.
type TokenRefresher func() (string, error)

// Client is a Socket.IO client connection to the remote service.
type Client struct {
	log       zerolog.Logger
	serverURL string

	mu            sync.RWMutex
	token         string
	sessionID     string
	socket        *socketio.Socket
	connected     bool
	handlers      map[string]map[int]func(map[string]any)
	nextHandlerID int
	onConnect     []func()
	onDisconnect  []func(reason string)
	refresher     TokenRefresher
	lastRefreshAt time.Time

	// reconnectFn is a seam for tests; defaults to Connect.
	reconnectFn func() error
}

// NewClient creates a disconnected client.
func NewClient(log zerolog.Logger, serverURL, token string) *Client {
	c := &Client{
		log:       log,
		serverURL: serverURL,
		token:     token,
		handlers:  make(map[string]map[int]func(map[string]any)),
	}
	c.reconnectFn = c.Connect
	return c
}

// SetSessionID sets the session id attached to the next connect for
// resumption.
func (c *Client) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// SetTokenRefresher installs the refresh callback used when the server
// rejects the current token.
func (c *Client) SetTokenRefresher(fn TokenRefresher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresher = fn
}

// OnConnect registers a lifecycle callback fired on every successful connect.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers a lifecycle callback fired on every disconnect.
func (c *Client) OnDisconnect(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Connect establishes the Socket.IO connection. A token that is already
// expired is refreshed first so we never dial with a dead credential.
func (c *Client) Connect() error {
	if c.tokenExpired() {
		if err := c.refreshToken(); err != nil {
			c.log.Warn().Err(err).Msg("proactive token refresh failed, dialing anyway")
		}
	}

	c.mu.RLock()
	token := c.token
	sessionID := c.sessionID
	c.mu.RUnlock()

	opts := socketio.DefaultOptions()
	opts.SetPath(connectPath)
	opts.SetTransports(types.NewSet(socketio.Polling, socketio.WebSocket))

	auth := map[string]any{"token": token}
	if sessionID != "" {
		auth["sessionId"] = sessionID
	}
	opts.SetAuth(auth)

	sock, err := socketio.Connect(c.connectURL(sessionID), opts)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.socket = sock
	c.mu.Unlock()

	sock.On(types.EventName("connect"), func(...any) {
		c.mu.Lock()
		c.connected = true
		callbacks := append([]func(){}, c.onConnect...)
		c.mu.Unlock()

		c.log.Debug().Str("id", string(sock.Id())).Msg("socket connected")
		for _, fn := range callbacks {
			fn()
		}
	})

	sock.On(types.EventName("disconnect"), func(args ...any) {
		reason := ""
		if len(args) > 0 {
			if r, ok := args[0].(string); ok {
				reason = r
			}
		}

		c.mu.Lock()
		c.connected = false
		callbacks := append([]func(string){}, c.onDisconnect...)
		c.mu.Unlock()

		c.log.Debug().Str("reason", reason).Msg("socket disconnected")
		for _, fn := range callbacks {
			fn(reason)
		}
	})

	sock.On(types.EventName("connect_error"), func(args ...any) {
		if len(args) > 0 {
			c.log.Warn().Interface("error", args[0]).Msg("socket connect error")
		}
		c.maybeRefreshToken(args)
	})

	c.bindHandlers(sock)
	return nil
}

// On subscribes handler to a named server event and returns an idempotent
// unsubscribe function.
func (c *Client) On(event string, handler func(map[string]any)) func() {
	c.mu.Lock()
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]func(map[string]any))
		if c.socket != nil {
			c.bindEvent(c.socket, event)
		}
	}
	id := c.nextHandlerID
	c.nextHandlerID++
	c.handlers[event][id] = handler
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if hs := c.handlers[event]; hs != nil {
				delete(hs, id)
				if len(hs) == 0 {
					delete(c.handlers, event)
				}
			}
		})
	}
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, data map[string]any) error {
	c.mu.RLock()
	sock := c.socket
	c.mu.RUnlock()

	if sock == nil {
		return errors.New("not connected")
	}
	sock.Emit(event, data)
	return nil
}

// EmitWithAck sends an event and waits for the server's ack, bounded by
// timeout.
func (c *Client) EmitWithAck(event string, data map[string]any, timeout time.Duration) (map[string]any, error) {
	c.mu.RLock()
	sock := c.socket
	c.mu.RUnlock()

	if sock == nil {
		return nil, errors.New("not connected")
	}

	resultCh := make(chan map[string]any, 1)
	errCh := make(chan error, 1)

	sock.Emit(event, data, func(args []any, err error) {
		if err != nil {
			errCh <- err
			return
		}
		if len(args) == 0 {
			resultCh <- nil
			return
		}
		if payload, ok := args[0].(map[string]any); ok {
			resultCh <- payload
			return
		}
		resultCh <- nil
	})

	select {
	case res := <-resultCh:
		return res, nil
	case err := <-errCh:
		return nil, err
	case <-time.After(timeout):
		return nil, errors.New("ack timeout")
	}
}

// IsConnected returns whether the socket currently reports connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	sock := c.socket
	connected := c.connected
	c.mu.RUnlock()

	if connected {
		return true
	}
	if sock != nil && sock.Connected() {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		return true
	}
	return false
}

// Close tears the current connection down. Safe to call multiple times; a
// later Connect establishes a fresh socket.
func (c *Client) Close() error {
	c.mu.Lock()
	sock := c.socket
	c.socket = nil
	c.connected = false
	c.mu.Unlock()

	if sock != nil {
		sock.Disconnect()
	}
	return nil
}

// connectURL appends the session_id query parameter for resumption.
func (c *Client) connectURL(sessionID string) string {
	if sessionID == "" {
		return c.serverURL
	}
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return c.serverURL
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

// bindHandlers subscribes the socket to every event that already has local
// handlers registered.
func (c *Client) bindHandlers(sock *socketio.Socket) {
	c.mu.Lock()
	events := make([]string, 0, len(c.handlers))
	for event := range c.handlers {
		events = append(events, event)
	}
	c.mu.Unlock()

	for _, event := range events {
		c.bindEvent(sock, event)
	}
}

// bindEvent wires one named event from the socket into the local handler map.
// Callers may hold c.mu; the dispatch path takes the lock itself.
func (c *Client) bindEvent(sock *socketio.Socket, event string) {
	sock.On(types.EventName(event), func(args ...any) {
		var data map[string]any
		if len(args) > 0 {
			if m, ok := args[0].(map[string]any); ok {
				data = m
			}
		}
		c.dispatch(event, data)
	})
}

func (c *Client) dispatch(event string, data map[string]any) {
	c.mu.RLock()
	hs := make([]func(map[string]any), 0, len(c.handlers[event]))
	for _, h := range c.handlers[event] {
		hs = append(hs, h)
	}
	c.mu.RUnlock()

	for _, h := range hs {
		h(data)
	}
}

// maybeRefreshToken inspects a connect error and, when it looks like an auth
// rejection, refreshes the token once and reconnects. Rate-limited so a
// rejection loop cannot hammer the auth layer.
func (c *Client) maybeRefreshToken(args []any) {
	if !looksLikeAuthError(args) {
		return
	}

	c.mu.Lock()
	refresher := c.refresher
	last := c.lastRefreshAt
	if refresher == nil || time.Since(last) < refreshCooldown {
		c.mu.Unlock()
		return
	}
	c.lastRefreshAt = time.Now()
	reconnect := c.reconnectFn
	c.mu.Unlock()

	go func() {
		if err := c.refreshWith(refresher); err != nil {
			c.log.Warn().Err(err).Msg("token refresh failed")
			return
		}
		if err := reconnect(); err != nil {
			c.log.Warn().Err(err).Msg("reconnect after token refresh failed")
		}
	}()
}

// refreshToken refreshes through the configured refresher, honoring the
// cooldown.
func (c *Client) refreshToken() error {
	c.mu.Lock()
	refresher := c.refresher
	last := c.lastRefreshAt
	if refresher == nil {
		c.mu.Unlock()
		return errors.New("no token refresher configured")
	}
	if time.Since(last) < refreshCooldown {
		c.mu.Unlock()
		return nil
	}
	c.lastRefreshAt = time.Now()
	c.mu.Unlock()

	return c.refreshWith(refresher)
}

func (c *Client) refreshWith(refresher TokenRefresher) error {
	token, err := refresher()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// tokenExpired reports whether the current token carries an exp claim in the
// past. The parse is unverified: expiry is a routing hint here, not a
// security decision.
func (c *Client) tokenExpired() bool {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	if token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}

// looksLikeAuthError reports whether a connect_error payload reads like a
// credential rejection.
func looksLikeAuthError(args []any) bool {
	for _, arg := range args {
		s := strings.ToLower(fmt.Sprintf("%v", arg))
		if strings.Contains(s, "401") || strings.Contains(s, "unauthorized") ||
			strings.Contains(s, "token expired") || strings.Contains(s, "invalid token") {
			return true
		}
	}
	return false
}
