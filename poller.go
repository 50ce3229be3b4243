package nexus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Refresher refetches the authoritative history of a conversation.
type Refresher interface {
	Refresh(ctx context.Context, key ConversationKey) error
}

// PollerConfig configures a FallbackPoller.
type PollerConfig struct {
	// Grace is how long the channel must stay down before polling starts.
	Grace time.Duration
	// Interval is the time between polls.
	Interval     time.Duration
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

func (c *PollerConfig) defaults() {
	if c.Grace == 0 {
		c.Grace = 5 * time.Second
	}
	if c.Interval == 0 {
		c.Interval = 3 * time.Second
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 10 * time.Second
	}
	c.Logger = orDiscard(c.Logger)
}

type pollLoop struct {
	key    ConversationKey
	cancel context.CancelFunc
	done   chan struct{}
}

// FallbackPoller re-pulls the open conversation while the live channel is
// down. At most one poll loop runs at a time.
type FallbackPoller struct {
	channel Channel
	target  Refresher
	config  PollerConfig
	logger  *slog.Logger
	events  *emitter
	sub     Subscription

	mu       sync.Mutex
	key      ConversationKey
	hasKey   bool
	degraded bool
	grace    *time.Timer
	graceGen uint64
	loop     *pollLoop
	closed   bool
}

// NewFallbackPoller watches channel and polls target once degraded.
func NewFallbackPoller(channel Channel, target Refresher, config PollerConfig) *FallbackPoller {
	config.defaults()
	p := &FallbackPoller{
		channel: channel,
		target:  target,
		config:  config,
		logger:  config.Logger.With("component", "poller"),
		events:  newEmitter(config.Logger),
	}
	p.sub = channel.OnState(p.handleState)
	p.handleState(channel.State())
	return p
}

// On registers a handler for LocalDegradedChanged.
func (p *FallbackPoller) On(event string, h EventHandler) Subscription {
	return p.events.On(event, h)
}

// Degraded reports whether fallback polling is active.
func (p *FallbackPoller) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *FallbackPoller) handleState(s ConnectionState) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	if s == StateConnected {
		p.graceGen++
		if p.grace != nil {
			p.grace.Stop()
			p.grace = nil
		}
		// A running loop notices the reconnect on its next tick.
		idle := p.degraded && p.loop == nil
		if idle {
			p.degraded = false
		}
		p.mu.Unlock()
		if idle {
			p.logger.Info("fallback polling deactivated")
			p.events.emit(LocalDegradedChanged, false)
		}
		return
	}

	if !p.degraded && p.grace == nil {
		p.graceGen++
		gen := p.graceGen
		p.grace = time.AfterFunc(p.config.Grace, func() { p.activate(gen) })
	}
	p.mu.Unlock()
}

func (p *FallbackPoller) activate(gen uint64) {
	p.mu.Lock()
	if gen != p.graceGen || p.closed {
		p.mu.Unlock()
		return
	}
	p.grace = nil
	if p.channel.State() == StateConnected || p.degraded {
		p.mu.Unlock()
		return
	}
	p.degraded = true
	if p.hasKey {
		p.startLocked(p.key)
	}
	p.mu.Unlock()

	p.logger.Info("fallback polling activated", "grace", p.config.Grace, "interval", p.config.Interval)
	p.events.emit(LocalDegradedChanged, true)
}

// SetConversation points the poller at key, stopping any loop for the
// previous conversation first.
func (p *FallbackPoller) SetConversation(key ConversationKey) {
	p.retarget(key, true)
}

// ClearConversation stops polling until another conversation is set.
func (p *FallbackPoller) ClearConversation() {
	p.retarget(ConversationKey{}, false)
}

func (p *FallbackPoller) retarget(key ConversationKey, has bool) {
	p.mu.Lock()
	if p.hasKey == has && p.key == key {
		p.mu.Unlock()
		return
	}
	old := p.loop
	p.loop = nil
	p.key, p.hasKey = key, has
	p.mu.Unlock()

	stopLoop(old)

	p.mu.Lock()
	if p.degraded && p.hasKey && p.loop == nil && !p.closed && p.key == key {
		p.startLocked(key)
	}
	p.mu.Unlock()
}

func (p *FallbackPoller) startLocked(key ConversationKey) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &pollLoop{key: key, cancel: cancel, done: make(chan struct{})}
	p.loop = l
	go p.run(ctx, l)
}

func stopLoop(l *pollLoop) {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

func (p *FallbackPoller) run(ctx context.Context, l *pollLoop) {
	defer close(l.done)

	p.poll(ctx, l.key)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.channel.State() == StateConnected {
				p.deactivate(l)
				return
			}
			p.poll(ctx, l.key)
		}
	}
}

func (p *FallbackPoller) poll(ctx context.Context, key ConversationKey) {
	fctx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
	defer cancel()
	if err := p.target.Refresh(fctx, key); err != nil && ctx.Err() == nil {
		p.logger.Warn("fallback poll failed", "key", key.String(), "error", err)
	}
}

func (p *FallbackPoller) deactivate(l *pollLoop) {
	p.mu.Lock()
	if p.loop != l {
		p.mu.Unlock()
		return
	}
	p.loop = nil
	p.degraded = false
	p.mu.Unlock()

	p.logger.Info("fallback polling deactivated", "key", l.key.String())
	p.events.emit(LocalDegradedChanged, false)

	// The channel may have dropped again between the tick and now.
	if s := p.channel.State(); s != StateConnected {
		p.handleState(s)
	}
}

// Close stops the grace timer and any running loop.
func (p *FallbackPoller) Close() {
	p.sub.Unsubscribe()

	p.mu.Lock()
	p.closed = true
	p.graceGen++
	if p.grace != nil {
		p.grace.Stop()
		p.grace = nil
	}
	old := p.loop
	p.loop = nil
	p.mu.Unlock()

	stopLoop(old)
	p.events.removeAll()
}
