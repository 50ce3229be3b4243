package nexus

import (
	"context"
	"log/slog"
	"sync"
)

// SessionConfig configures a Session. Component loggers and notifiers fall
// back to the session-wide ones.
type SessionConfig struct {
	Channel  ChannelConfig
	Poller   PollerConfig
	Typing   TypingConfig
	Engine   EngineConfig
	Notifier Notifier
	Logger   *slog.Logger
}

// userSession holds the components bound to one authenticated user.
type userSession struct {
	identity Identity
	engine   *SyncEngine
	poller   *FallbackPoller
	typing   *TypingCoordinator
	list     *ConversationList
	subs     Subscriptions
}

func (u *userSession) close() {
	u.subs.Release()
	u.poller.Close()
	u.typing.Close()
	u.engine.Close()
	u.list.Close()
}

// Session is the entry point of the messaging core. It owns the shared
// channel and rebuilds the per-user components whenever the identity
// changes.
type Session struct {
	client  *Client
	config  SessionConfig
	logger  *slog.Logger
	channel *ChannelManager
	events  *emitter
	stateSb Subscription

	mu   sync.Mutex
	user *userSession
}

// NewSession creates a session that talks REST through client.
func NewSession(client *Client, config SessionConfig) *Session {
	config.Logger = orDiscard(config.Logger)
	config.Notifier = orNop(config.Notifier)
	if config.Channel.Logger == nil {
		config.Channel.Logger = config.Logger
	}
	if config.Poller.Logger == nil {
		config.Poller.Logger = config.Logger
	}
	if config.Typing.Logger == nil {
		config.Typing.Logger = config.Logger
	}
	if config.Engine.Logger == nil {
		config.Engine.Logger = config.Logger
	}
	if config.Engine.Notifier == nil {
		config.Engine.Notifier = config.Notifier
	}

	s := &Session{
		client:  client,
		config:  config,
		logger:  config.Logger.With("component", "session"),
		channel: NewChannelManager(config.Channel),
		events:  newEmitter(config.Logger),
	}
	s.stateSb = s.channel.OnState(func(state ConnectionState) {
		s.events.emit(LocalStateChanged, state)
	})
	return s
}

// Subscribe registers h for one of the Local* events.
func (s *Session) Subscribe(event string, h EventHandler) Subscription {
	return s.events.On(event, h)
}

// Channel exposes the shared channel manager.
func (s *Session) Channel() *ChannelManager { return s.channel }

// Identity returns the identity the session currently acts as.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return Identity{Status: Unauthenticated}
	}
	return s.user.identity
}

// SetIdentity switches the session to id. An authenticated identity opens
// the channel and loads the conversation lists; Unauthenticated tears
// everything down; Loading leaves the current state alone.
func (s *Session) SetIdentity(ctx context.Context, id Identity) error {
	if id.Status == Loading {
		return nil
	}

	s.mu.Lock()
	old := s.user
	if old != nil && id.Ready() && old.identity.UserID == id.UserID && old.identity.Token == id.Token {
		s.mu.Unlock()
		return nil
	}
	s.user = nil
	s.mu.Unlock()

	if old != nil {
		old.close()
	}

	if !id.Ready() {
		s.channel.Disconnect()
		s.client.SetIdentity("", "")
		s.logger.Info("signed out")
		return nil
	}

	s.client.SetIdentity(id.UserID, id.Token)
	u := s.build(id)

	s.mu.Lock()
	s.user = u
	s.mu.Unlock()

	s.logger.Info("signed in", "user_id", id.UserID)
	s.channel.Connect(id.UserID, id.Token)
	return u.list.Load(ctx, s.client)
}

func (s *Session) build(id Identity) *userSession {
	listConfig := ListConfig{Notifier: s.config.Notifier, Logger: s.config.Logger}
	u := &userSession{
		identity: id,
		engine:   NewSyncEngine(id.UserID, s.channel, s.client, s.config.Engine),
		typing:   NewTypingCoordinator(id.UserID, s.channel, s.config.Typing),
		list:     NewConversationList(id.UserID, s.channel, listConfig),
	}
	u.poller = NewFallbackPoller(s.channel, u.engine, s.config.Poller)

	forward := func(event string, payload any) { s.events.emit(event, payload) }

	u.subs.Add(u.engine.On(LocalMessagesChanged, forward))
	u.subs.Add(u.engine.On(LocalMessageFailed, forward))
	u.subs.Add(u.engine.On(LocalLoadingChanged, forward))
	u.subs.Add(u.engine.On(LocalConversationRead, func(event string, payload any) {
		u.list.MarkRead(payload.(ConversationKey))
		forward(event, payload)
	}))
	u.subs.Add(u.poller.On(LocalDegradedChanged, func(event string, payload any) {
		u.typing.SetEnabled(!payload.(bool))
		forward(event, payload)
	}))
	u.subs.Add(u.typing.On(LocalTypingChanged, forward))
	u.subs.Add(u.list.On(LocalConversationsChanged, forward))
	return u
}

func (s *Session) current() (*userSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil, ErrUnauthenticated
	}
	return s.user, nil
}

// OpenConversation makes key the active conversation and loads its
// history.
func (s *Session) OpenConversation(ctx context.Context, key ConversationKey) error {
	if !key.Valid() {
		return ErrInvalidKey
	}
	u, err := s.current()
	if err != nil {
		return err
	}
	u.typing.SetTarget(key)
	u.poller.SetConversation(key)
	u.list.SetOpen(key)
	return u.engine.Open(ctx, key)
}

// CloseConversation leaves the active conversation.
func (s *Session) CloseConversation() {
	u, err := s.current()
	if err != nil {
		return
	}
	u.typing.SetTarget(ConversationKey{})
	u.poller.ClearConversation()
	u.list.ClearOpen()
	u.engine.Leave()
}

// ActiveConversation returns the open conversation key.
func (s *Session) ActiveConversation() (ConversationKey, bool) {
	u, err := s.current()
	if err != nil {
		return ConversationKey{}, false
	}
	return u.engine.Key()
}

// Send ends local typing and sends content to the open conversation.
func (s *Session) Send(ctx context.Context, content string) error {
	u, err := s.current()
	if err != nil {
		return err
	}
	u.typing.Stop()
	return u.engine.Send(ctx, content)
}

// Retry re-sends a failed message.
func (s *Session) Retry(ctx context.Context, localID string) error {
	u, err := s.current()
	if err != nil {
		return err
	}
	return u.engine.Retry(ctx, localID)
}

// Discard drops a failed message.
func (s *Session) Discard(localID string) error {
	u, err := s.current()
	if err != nil {
		return err
	}
	return u.engine.Discard(localID)
}

// MarkRead marks the open conversation read.
func (s *Session) MarkRead(ctx context.Context) error {
	u, err := s.current()
	if err != nil {
		return err
	}
	return u.engine.MarkRead(ctx)
}

// SetTyping forwards local keystroke activity.
func (s *Session) SetTyping(typing bool) {
	if u, err := s.current(); err == nil {
		u.typing.SetTyping(typing)
	}
}

// Messages returns the messages of the open conversation.
func (s *Session) Messages() []Message {
	if u, err := s.current(); err == nil {
		return u.engine.Messages()
	}
	return nil
}

// Loading reports whether the open conversation is loading.
func (s *Session) Loading() bool {
	if u, err := s.current(); err == nil {
		return u.engine.Loading()
	}
	return false
}

// RemoteTyping reports whether the counterparty of the open direct
// conversation is typing.
func (s *Session) RemoteTyping() bool {
	if u, err := s.current(); err == nil {
		return u.typing.RemoteTyping()
	}
	return false
}

// Degraded reports whether fallback polling is active.
func (s *Session) Degraded() bool {
	if u, err := s.current(); err == nil {
		return u.poller.Degraded()
	}
	return false
}

// Connected reports whether the live channel is up.
func (s *Session) Connected() bool { return s.channel.State() == StateConnected }

// State returns the channel state.
func (s *Session) State() ConnectionState { return s.channel.State() }

func (s *Session) DirectConversations() []ConversationSummary {
	if u, err := s.current(); err == nil {
		return u.list.Direct()
	}
	return nil
}

func (s *Session) TeamConversations() []ConversationSummary {
	if u, err := s.current(); err == nil {
		return u.list.Team()
	}
	return nil
}

// Search filters both conversation lists.
func (s *Session) Search(query string) SearchResult {
	if u, err := s.current(); err == nil {
		return u.list.Search(query)
	}
	return SearchResult{}
}

// UnreadTotal sums unread counts over both lists.
func (s *Session) UnreadTotal() int {
	if u, err := s.current(); err == nil {
		return u.list.UnreadTotal()
	}
	return 0
}

// ReloadConversations refetches both conversation lists.
func (s *Session) ReloadConversations(ctx context.Context) error {
	u, err := s.current()
	if err != nil {
		return err
	}
	return u.list.Load(ctx, s.client)
}

// Close tears down the per-user components and closes the channel.
func (s *Session) Close() {
	s.mu.Lock()
	u := s.user
	s.user = nil
	s.mu.Unlock()

	if u != nil {
		u.close()
	}
	s.stateSb.Unsubscribe()
	s.channel.Disconnect()
	s.events.removeAll()
}
