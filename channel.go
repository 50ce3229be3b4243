package nexus

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures a ChannelManager.
type ChannelConfig struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// MaxReconnectAttempts bounds the retries after a drop. Zero or less
	// means the default of five.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// StableAfter is how long a connection must stay up before a later drop
	// gets a fresh retry budget.
	StableAfter       time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.StableAfter == 0 {
		c.StableAfter = 60 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	c.Logger = orDiscard(c.Logger)
}

// ConnectionState is the connectivity of the shared channel.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// InboundHandler receives the raw payload of one inbound event.
type InboundHandler func(payload json.RawMessage)

// Channel is the duplex channel surface the sync components depend on.
type Channel interface {
	State() ConnectionState
	Emit(event string, payload any) bool
	On(event string, h InboundHandler) Subscription
	OnState(h func(ConnectionState)) Subscription
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	stableAfter time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
		stableAfter: config.StableAfter,
	}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// next returns the delay before the following attempt, or false once the
// retry budget is spent.
func (r *reconnector) next() (time.Duration, bool) {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	if r.attempt >= r.maxAttempts {
		return 0, false
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, true
}

// ============================================================================
// ChannelManager
// ============================================================================

type inboundListener struct {
	id uint64
	h  InboundHandler
}

// runHandle identifies one connect session; state writes from a superseded
// session are ignored.
type runHandle struct {
	userID string
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

// ChannelManager owns the single per-user WebSocket connection. Transport
// failures only ever show up as a transition to StateDisconnected; nothing is
// returned to callers of Emit.
type ChannelManager struct {
	config *ChannelConfig
	logger *slog.Logger

	mu    sync.Mutex
	state ConnectionState
	run   *runHandle
	conn  *websocket.Conn

	hmu      sync.RWMutex
	nextID   uint64
	handlers map[string][]inboundListener

	states *emitter
}

// NewChannelManager creates a disconnected channel.
func NewChannelManager(config ChannelConfig) *ChannelManager {
	config.defaults()
	return &ChannelManager{
		config:   &config,
		logger:   config.Logger.With("component", "channel"),
		state:    StateDisconnected,
		handlers: make(map[string][]inboundListener),
		states:   newEmitter(config.Logger),
	}
}

// State returns the current connection state.
func (c *ChannelManager) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the identity the channel is connected (or connecting) as.
func (c *ChannelManager) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return ""
	}
	return c.run.userID
}

// On registers a handler for an inbound event. Handlers run on the read
// goroutine in arrival order and must not block.
func (c *ChannelManager) On(event string, h InboundHandler) Subscription {
	c.hmu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], inboundListener{id: id, h: h})
	c.hmu.Unlock()
	return newSubscription(func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		ls := c.handlers[event]
		for i, l := range ls {
			if l.id == id {
				c.handlers[event] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	})
}

// OnState registers a handler for connection state transitions.
func (c *ChannelManager) OnState(h func(ConnectionState)) Subscription {
	return c.states.On(LocalStateChanged, func(_ string, payload any) {
		h(payload.(ConnectionState))
	})
}

// Connect starts the connection loop for userID. It returns immediately;
// progress is observable through State and OnState. Calling Connect for the
// user that is already connected is a no-op.
func (c *ChannelManager) Connect(userID, token string) {
	if userID == "" {
		c.logger.Warn("connect skipped: empty user id")
		return
	}

	c.mu.Lock()
	if c.run != nil {
		if c.run.userID == userID && c.run.token == token && c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.stopLocked()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{userID: userID, token: token, cancel: cancel, done: make(chan struct{})}
	c.run = h
	c.mu.Unlock()

	go c.loop(ctx, h)
}

// Disconnect closes the channel for good; no reconnection follows.
func (c *ChannelManager) Disconnect() {
	c.mu.Lock()
	if c.run == nil {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Info("channel disconnected by client")
	if changed {
		c.states.emit(LocalStateChanged, StateDisconnected)
	}
}

// Wait blocks until the current connection loop has exited or ctx is done.
func (c *ChannelManager) Wait(ctx context.Context) error {
	c.mu.Lock()
	h := c.run
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ChannelManager) stopLocked() {
	c.run.cancel()
	c.run = nil
	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		go conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// Emit writes one event to the channel. It reports whether the frame was
// handed to the transport; false means the channel is not connected or the
// write failed, in which case the connection is torn down and reconnected.
func (c *ChannelManager) Emit(event string, payload any) bool {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if conn == nil || state != StateConnected {
		c.logger.Debug("emit dropped: not connected", "event", event)
		return false
	}

	data, err := marshalEnvelope(event, payload)
	if err != nil {
		c.logger.Error("emit: marshal payload", "event", event, "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Warn("emit failed, dropping connection", "event", event, "error", err)
		conn.Close(websocket.StatusGoingAway, "write failed")
		return false
	}
	return true
}

func marshalEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: event, Payload: raw})
}

func (c *ChannelManager) setState(h *runHandle, s ConnectionState, conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.run != h {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.states.emit(LocalStateChanged, s)
	}
	return true
}

func (c *ChannelManager) loop(ctx context.Context, h *runHandle) {
	defer close(h.done)
	recon := newReconnector(c.config)

	for {
		if !c.setState(h, StateConnecting, nil) {
			return
		}
		conn, err := c.dial(ctx, h)
		if err != nil {
			c.logger.Info("dial failed", "error", err)
		} else {
			recon.markConnected()
			c.serve(ctx, h, conn)
		}

		if ctx.Err() != nil {
			return
		}
		if !c.setState(h, StateDisconnected, nil) {
			return
		}

		delay, ok := recon.next()
		if !ok {
			c.logger.Warn("reconnect budget exhausted", "attempts", c.config.MaxReconnectAttempts)
			return
		}
		c.logger.Info("reconnecting", "attempt", recon.attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// dial opens the socket and performs the identity handshake.
func (c *ChannelManager) dial(ctx context.Context, h *runHandle) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{HTTPClient: c.config.HTTPClient}
	if h.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + h.token}}
	}
	conn, _, err := websocket.Dial(dctx, c.config.URL, opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)

	data, err := marshalEnvelope(CmdAuthenticate, h.userID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if err := conn.Write(dctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, err
	}
	return conn, nil
}

// serve runs until the connection fails or ctx is cancelled.
func (c *ChannelManager) serve(ctx context.Context, h *runHandle, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !c.setState(h, StateConnected, conn) {
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	c.logger.Info("channel connected", "user_id", h.userID)

	go c.heartbeat(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("channel dropped", "error", err)
			}
			conn.Close(websocket.StatusGoingAway, "")
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *ChannelManager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	if c.config.HeartbeatInterval < 0 {
		return
	}
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *ChannelManager) dispatch(env Envelope) {
	c.hmu.RLock()
	handlers := append([]inboundListener(nil), c.handlers[env.Type]...)
	c.hmu.RUnlock()

	for _, l := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("inbound handler panicked", "event", env.Type, "panic", r)
				}
			}()
			l.h(env.Payload)
		}()
	}
}
