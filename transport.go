package caselink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// TransportState represents the stream connection state.
type TransportState string

const (
	StateDisconnected TransportState = "disconnected"
	StateConnecting   TransportState = "connecting"
	StateConnected    TransportState = "connected"
	StateReconnecting TransportState = "reconnecting"
)

// TokenSource supplies the auth token attached to each connection attempt.
type TokenSource func() (string, error)

// EventHandler receives a raw inbound event.
type EventHandler func(eventType string, payload json.RawMessage)

// TransportConfig configures a Transport.
type TransportConfig struct {
	// URL is the stream endpoint. http(s) schemes are rewritten to ws(s).
	URL         string
	TokenSource TokenSource

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// ConnectTimeout bounds the wait for the identity acknowledgment.
	ConnectTimeout time.Duration

	Logger zerolog.Logger
}

func (c *TransportConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *TransportConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute resets the attempt counter.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Transport
// ============================================================================

// Transport wraps a single persistent bidirectional stream connection. It
// owns connect/reconnect/backoff and raw event emit/subscribe. It does NOT
// resubscribe per-conversation rooms on reconnect; that belongs to the
// dispatcher, which replays its joined-room set via OnConnected.
//
// Lifecycle: NewTransport → Connect → Emit/Subscribe → Disconnect. A
// rejected Connect must not be retried; issue a fresh Connect call.
type Transport struct {
	config TransportConfig
	log    zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            TransportState
	intentionalClose bool
	cancelFn         context.CancelFunc
	identity         identityInfo

	handlerMu     sync.RWMutex
	nextHandlerID int
	handlers      map[string]map[int]EventHandler
	onConnected   map[int]func()
	onDisconnect  map[int]func(code int, reason string)
	onReconnect   map[int]func(attempt int, delay time.Duration)

	recon *reconnector
}

// NewTransport creates a disconnected Transport.
func NewTransport(cfg TransportConfig) *Transport {
	cfg.defaults()
	return &Transport{
		config:       cfg,
		log:          cfg.Logger,
		state:        StateDisconnected,
		handlers:     make(map[string]map[int]EventHandler),
		onConnected:  make(map[int]func()),
		onDisconnect: make(map[int]func(int, string)),
		onReconnect:  make(map[int]func(int, time.Duration)),
		recon:        newReconnector(&cfg),
	}
}

// State returns the current connection state.
func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether the stream is usable.
func (t *Transport) Connected() bool {
	return t.State() == StateConnected
}

// Identity returns the server-acknowledged identity of the last successful
// connect.
func (t *Transport) Identity() identityInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// Subscribe registers a handler for an inbound event type and returns an
// unsubscribe function. Handlers run serially in wire order.
func (t *Transport) Subscribe(eventType string, h EventHandler) func() {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.nextHandlerID++
	id := t.nextHandlerID
	if t.handlers[eventType] == nil {
		t.handlers[eventType] = make(map[int]EventHandler)
	}
	t.handlers[eventType][id] = h
	return func() {
		t.handlerMu.Lock()
		defer t.handlerMu.Unlock()
		delete(t.handlers[eventType], id)
	}
}

// OnConnected registers a handler invoked after every successful connect,
// including reconnects.
func (t *Transport) OnConnected(h func()) func() {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.nextHandlerID++
	id := t.nextHandlerID
	t.onConnected[id] = h
	return func() {
		t.handlerMu.Lock()
		defer t.handlerMu.Unlock()
		delete(t.onConnected, id)
	}
}

// OnDisconnected registers a handler for connection loss.
func (t *Transport) OnDisconnected(h func(code int, reason string)) func() {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.nextHandlerID++
	id := t.nextHandlerID
	t.onDisconnect[id] = h
	return func() {
		t.handlerMu.Lock()
		defer t.handlerMu.Unlock()
		delete(t.onDisconnect, id)
	}
}

// OnReconnecting registers a handler invoked before each reconnect attempt.
func (t *Transport) OnReconnecting(h func(attempt int, delay time.Duration)) func() {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.nextHandlerID++
	id := t.nextHandlerID
	t.onReconnect[id] = h
	return func() {
		t.handlerMu.Lock()
		defer t.handlerMu.Unlock()
		delete(t.onReconnect, id)
	}
}

// Connect dials the stream endpoint, authenticates, and waits for the
// identity acknowledgment. It returns a *ConnectionError on dial/timeout
// failures and an *AuthError when the remote end rejects the identity.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	t.mu.Unlock()

	token := ""
	if t.config.TokenSource != nil {
		var err error
		token, err = t.config.TokenSource()
		if err != nil {
			t.setState(StateDisconnected)
			return &AuthError{Reason: fmt.Sprintf("token source: %v", err)}
		}
	}

	wsURL := strings.Replace(t.config.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	if token != "" {
		sep := "?"
		if strings.Contains(wsURL, "?") {
			sep = "&"
		}
		wsURL += sep + "token=" + token
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		t.setState(StateDisconnected)
		return &ConnectionError{Op: "dial", Err: err}
	}

	// Identity resolution can race transport-level connect; the connection
	// is not ready until the server acknowledges who we are.
	ident, err := t.awaitIdentity(dialCtx, conn)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setState(StateDisconnected)
		return err
	}

	connCtx, cancelConn := context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Lock()
	// Release the previous connection's context so reconnects do not
	// accumulate live cancel funcs.
	if t.cancelFn != nil {
		t.cancelFn()
	}
	t.conn = conn
	t.state = StateConnected
	t.identity = ident
	t.cancelFn = cancelConn
	t.mu.Unlock()
	t.recon.markConnected()

	t.log.Info().Str("userId", ident.UserID).Msg("stream connected")
	t.dispatch(EventIdentityAck, mustJSON(map[string]string{
		"userId": ident.UserID, "displayName": ident.DisplayName,
	}))
	t.emitConnected()

	go t.readLoop(connCtx, conn)
	return nil
}

func (t *Transport) awaitIdentity(ctx context.Context, conn *websocket.Conn) (identityInfo, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return identityInfo{}, &ConnectionError{Op: "identity wait", Err: err}
		}
		return identityInfo{}, &ConnectionError{Op: "read", Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return identityInfo{}, &ConnectionError{Op: "decode", Err: err}
	}
	switch env.Type {
	case EventIdentityAck:
		ident, err := normalizeIdentity(env.Payload)
		if err != nil {
			return identityInfo{}, &ConnectionError{Op: "decode identity", Err: err}
		}
		return ident, nil
	case EventError:
		m, _ := decodeLoose(env.Payload)
		return identityInfo{}, &AuthError{Reason: strAny(m, "message", "reason", "error")}
	default:
		return identityInfo{}, &ConnectionError{Op: "handshake", Err: fmt.Errorf("expected %q, got %q", EventIdentityAck, env.Type)}
	}
}

// Disconnect closes the connection intentionally; no reconnect is scheduled.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends a command over the stream. It is fire-and-forget: success means
// "accepted by the local transport", nothing more. Business acknowledgments
// arrive as separate inbound events correlated by client-generated id.
func (t *Transport) Emit(eventType string, payload any) error {
	return t.EmitCommand(&Command{Type: eventType, Payload: payload})
}

// EmitCommand sends a raw command, preserving a caller-set request id.
func (t *Transport) EmitCommand(cmd *Command) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return &NotConnectedError{Op: cmd.Type}
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			current := t.conn == conn
			if current {
				t.state = StateDisconnected
				t.conn = nil
			}
			t.mu.Unlock()
			if intentional || !current {
				return
			}

			t.log.Warn().Err(err).Msg("stream lost")
			t.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if t.config.AutoReconnect && t.recon.shouldReconnect() {
				t.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			t.log.Debug().Msg("dropping malformed envelope")
			continue
		}
		t.dispatch(env.Type, env.Payload)
	}
}

func (t *Transport) scheduleReconnect(ctx context.Context) {
	delay := t.recon.nextDelay()
	t.setState(StateReconnecting)
	t.emitReconnecting(t.recon.attempt, delay)
	t.log.Info().Int("attempt", t.recon.attempt).Dur("delay", delay).Msg("reconnecting")

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	t.mu.Lock()
	t.state = StateDisconnected
	t.mu.Unlock()

	if err := t.Connect(context.Background()); err != nil {
		if t.config.AutoReconnect && t.recon.shouldReconnect() {
			t.scheduleReconnect(ctx)
			return
		}
		t.log.Error().Err(err).Msg("reconnect attempts exhausted")
		t.setState(StateDisconnected)
	}
}

// dispatch runs handlers serially so downstream merge logic observes events
// in wire order.
func (t *Transport) dispatch(eventType string, payload json.RawMessage) {
	t.handlerMu.RLock()
	hs := make([]EventHandler, 0, len(t.handlers[eventType]))
	for _, h := range t.handlers[eventType] {
		hs = append(hs, h)
	}
	t.handlerMu.RUnlock()
	for _, h := range hs {
		h(eventType, payload)
	}
}

func (t *Transport) emitConnected() {
	t.handlerMu.RLock()
	hs := make([]func(), 0, len(t.onConnected))
	for _, h := range t.onConnected {
		hs = append(hs, h)
	}
	t.handlerMu.RUnlock()
	for _, h := range hs {
		h()
	}
}

func (t *Transport) emitDisconnected(code int, reason string) {
	t.handlerMu.RLock()
	hs := make([]func(int, string), 0, len(t.onDisconnect))
	for _, h := range t.onDisconnect {
		hs = append(hs, h)
	}
	t.handlerMu.RUnlock()
	for _, h := range hs {
		h(code, reason)
	}
}

func (t *Transport) emitReconnecting(attempt int, delay time.Duration) {
	t.handlerMu.RLock()
	hs := make([]func(int, time.Duration), 0, len(t.onReconnect))
	for _, h := range t.onReconnect {
		hs = append(hs, h)
	}
	t.handlerMu.RUnlock()
	for _, h := range hs {
		h(attempt, delay)
	}
}

func (t *Transport) setState(s TransportState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
