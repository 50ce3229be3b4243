package nexus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// TypingConfig configures a TypingCoordinator.
type TypingConfig struct {
	// Idle is how long after the last keystroke typing=false is sent.
	Idle   time.Duration
	Logger *slog.Logger
}

// TypingEvent is the payload of LocalTypingChanged.
type TypingEvent struct {
	Key      ConversationKey
	IsTyping bool
}

// TypingCoordinator sends local typing transitions for the open direct
// conversation and tracks whether its counterparty is typing.
type TypingCoordinator struct {
	self    string
	channel Channel
	idle    time.Duration
	logger  *slog.Logger
	events  *emitter
	sub     Subscription

	mu        sync.Mutex
	target    ConversationKey
	enabled   bool
	signaling bool
	timer     *time.Timer
	gen       uint64
	remote    bool
}

// NewTypingCoordinator creates a coordinator for userID.
func NewTypingCoordinator(userID string, channel Channel, config TypingConfig) *TypingCoordinator {
	if config.Idle == 0 {
		config.Idle = 3 * time.Second
	}
	logger := orDiscard(config.Logger)
	t := &TypingCoordinator{
		self:    userID,
		channel: channel,
		idle:    config.Idle,
		logger:  logger.With("component", "typing"),
		events:  newEmitter(logger),
		enabled: true,
	}
	t.sub = channel.On(EventUserTyping, t.handleRemote)
	return t
}

// On registers a handler for LocalTypingChanged.
func (t *TypingCoordinator) On(event string, h EventHandler) Subscription {
	return t.events.On(event, h)
}

// RemoteTyping reports whether the counterparty is typing.
func (t *TypingCoordinator) RemoteTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// Signaling reports whether typing=true is currently announced.
func (t *TypingCoordinator) Signaling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signaling
}

// SetTarget switches to key. Typing towards the previous conversation is
// ended and the remote indicator is reset.
func (t *TypingCoordinator) SetTarget(key ConversationKey) {
	t.mu.Lock()
	if t.target == key {
		t.mu.Unlock()
		return
	}
	prev := t.target
	stopped := t.stopLocked()
	hadRemote := t.remote
	t.remote = false
	t.target = key
	t.mu.Unlock()

	if stopped {
		t.send(prev, false)
	}
	if hadRemote {
		t.events.emit(LocalTypingChanged, TypingEvent{Key: prev, IsTyping: false})
	}
}

// SetTyping is the keystroke-level input: true signals activity, false ends
// typing immediately.
func (t *TypingCoordinator) SetTyping(typing bool) {
	if typing {
		t.Signal()
		return
	}
	t.Stop()
}

// Signal records local typing activity. The first signal sends typing=true;
// later ones only push the idle deadline back.
func (t *TypingCoordinator) Signal() {
	t.mu.Lock()
	if !t.enabled || t.target.Kind != KindDirect {
		t.mu.Unlock()
		return
	}
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, func() { t.expire(gen) })
	start := !t.signaling
	t.signaling = true
	target := t.target
	t.mu.Unlock()

	if start {
		t.send(target, true)
	}
}

// Stop ends local typing now. It is what a send calls.
func (t *TypingCoordinator) Stop() {
	t.mu.Lock()
	stopped := t.stopLocked()
	target := t.target
	t.mu.Unlock()

	if stopped {
		t.send(target, false)
	}
}

// SetEnabled turns the coordinator on or off. While off nothing is sent and
// inbound indicators are ignored.
func (t *TypingCoordinator) SetEnabled(enabled bool) {
	t.mu.Lock()
	if t.enabled == enabled {
		t.mu.Unlock()
		return
	}
	t.enabled = enabled
	hadRemote := false
	if !enabled {
		t.stopLocked()
		hadRemote = t.remote
		t.remote = false
	}
	target := t.target
	t.mu.Unlock()

	t.logger.Debug("typing coordinator toggled", "enabled", enabled)
	if hadRemote {
		t.events.emit(LocalTypingChanged, TypingEvent{Key: target, IsTyping: false})
	}
}

// Close cancels the pending timer and stops listening.
func (t *TypingCoordinator) Close() {
	t.sub.Unsubscribe()
	t.mu.Lock()
	t.stopLocked()
	t.mu.Unlock()
	t.events.removeAll()
}

func (t *TypingCoordinator) stopLocked() bool {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	was := t.signaling
	t.signaling = false
	return was
}

func (t *TypingCoordinator) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.signaling {
		t.mu.Unlock()
		return
	}
	t.signaling = false
	t.timer = nil
	target := t.target
	t.mu.Unlock()

	t.send(target, false)
}

func (t *TypingCoordinator) send(key ConversationKey, typing bool) {
	if key.Kind != KindDirect {
		return
	}
	t.channel.Emit(CmdTyping, TypingCommand{SenderID: t.self, ReceiverID: key.UserID, IsTyping: typing})
}

func (t *TypingCoordinator) handleRemote(payload json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		t.logger.Debug("dropping malformed user_typing", "error", err)
		return
	}

	t.mu.Lock()
	if !t.enabled || t.target.Kind != KindDirect || p.UserID != t.target.UserID || t.remote == p.IsTyping {
		t.mu.Unlock()
		return
	}
	t.remote = p.IsTyping
	target := t.target
	t.mu.Unlock()

	t.events.emit(LocalTypingChanged, TypingEvent{Key: target, IsTyping: p.IsTyping})
}
