package nexus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Types
// ============================================================================

// MessageStore is the REST side of message history.
type MessageStore interface {
	History(ctx context.Context, key ConversationKey) ([]Message, error)
	Send(ctx context.Context, key ConversationKey, content string) (*Message, error)
	MarkRead(ctx context.Context, key ConversationKey) error
}

// EngineState is the lifecycle of the open conversation.
type EngineState string

const (
	EngineIdle    EngineState = "idle"
	EngineLoading EngineState = "loading"
	EngineReady   EngineState = "ready"
)

// LocalConversationRead is raised after a successful read action; payload is
// the ConversationKey.
const LocalConversationRead = "conversation.read"

// MessagesEvent is the payload of LocalMessagesChanged.
type MessagesEvent struct {
	Key      ConversationKey
	Messages []Message
}

// SendFailure is the payload of LocalMessageFailed.
type SendFailure struct {
	Key     ConversationKey
	LocalID string
	Content string
	Err     error
}

// EngineConfig configures a SyncEngine.
type EngineConfig struct {
	Notifier Notifier
	Logger   *slog.Logger
	// MarkReadTimeout bounds the background read receipt sent when a message
	// from the counterparty arrives.
	MarkReadTimeout time.Duration
}

// placeholderPrefix marks ids generated locally for optimistic inserts.
const placeholderPrefix = "temp-"

// IsPlaceholder reports whether id was generated locally.
func IsPlaceholder(id string) bool { return strings.HasPrefix(id, placeholderPrefix) }

// ============================================================================
// Conversation state
// ============================================================================

// conversation is the state of one open conversation. A new instance is
// built on every open, so pending and processed never leak across keys.
type conversation struct {
	key       ConversationKey
	state     EngineState
	messages  []Message
	processed map[string]struct{}
	// pending maps content to the placeholder ids awaiting their echo,
	// oldest first.
	pending map[string][]string
	// fetches counts history requests in flight. While one runs, server
	// messages reaching the conversation are journaled in arrived and
	// replayed over the fetched history.
	fetches int
	arrived []arrival
	// unconfirmed holds ids first seen in a fetched history. Their first
	// live delivery settles a placeholder with the same content.
	unconfirmed map[string]struct{}
}

// arrival is a journaled server message. stored marks a REST send result,
// as opposed to a channel delivery.
type arrival struct {
	msg    Message
	stored bool
}

func newConversation(key ConversationKey) *conversation {
	return &conversation{
		key:         key,
		state:       EngineIdle,
		processed:   make(map[string]struct{}),
		pending:     make(map[string][]string),
		unconfirmed: make(map[string]struct{}),
	}
}

func (c *conversation) snapshot() []Message {
	return append([]Message(nil), c.messages...)
}

func (c *conversation) indexOf(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *conversation) unpend(content, localID string) {
	ids := c.pending[content]
	for i, id := range ids {
		if id == localID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(c.pending, content)
	} else {
		c.pending[content] = ids
	}
}

func (c *conversation) pendingCount() int {
	n := 0
	for _, ids := range c.pending {
		n += len(ids)
	}
	return n
}

// install replaces the list with a fetched history, then carries over what
// the fetch could not know about: placeholders that are still unsettled or
// failed, and server messages journaled while the fetch was in flight.
func (c *conversation) install(msgs []Message, self string) {
	var kept []Message
	for _, m := range c.messages {
		if IsPlaceholder(m.ID) && (m.Status == StatusPending || m.Status == StatusFailed) {
			kept = append(kept, m)
		}
	}
	seen, unconfirmed, pending := c.processed, c.unconfirmed, c.pending

	c.messages = make([]Message, 0, len(msgs)+len(kept))
	c.processed = make(map[string]struct{}, len(msgs)+len(kept))
	c.pending = make(map[string][]string)
	c.unconfirmed = make(map[string]struct{})
	for _, m := range msgs {
		if _, dup := c.processed[m.ID]; dup {
			continue
		}
		if m.Status == "" {
			m.Status = StatusSent
		}
		c.processed[m.ID] = struct{}{}
		_, known := seen[m.ID]
		if _, still := unconfirmed[m.ID]; !known || still {
			c.unconfirmed[m.ID] = struct{}{}
		}
		c.messages = append(c.messages, m)
	}
	for _, m := range kept {
		c.processed[m.ID] = struct{}{}
		c.messages = append(c.messages, m)
	}
	for content, ids := range pending {
		for _, id := range ids {
			if c.indexOf(id) >= 0 {
				c.pending[content] = append(c.pending[content], id)
			}
		}
	}

	for _, a := range c.arrived {
		if a.stored {
			c.applyAuthoritative(a.msg, "")
		} else {
			c.applyInbound(a.msg, self)
		}
	}
}

// beginFetch and endFetch bracket a history request.
func (c *conversation) beginFetch() { c.fetches++ }

func (c *conversation) endFetch() {
	c.fetches--
	if c.fetches <= 0 {
		c.fetches = 0
		c.arrived = nil
	}
}

func (c *conversation) journal(m Message, stored bool) {
	if c.fetches > 0 {
		c.arrived = append(c.arrived, arrival{msg: m, stored: stored})
	}
}

// settle drops the oldest placeholder waiting on content.
func (c *conversation) settle(content string) bool {
	ids := c.pending[content]
	if len(ids) == 0 {
		return false
	}
	localID := ids[0]
	c.unpend(content, localID)
	if i := c.indexOf(localID); i >= 0 {
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
		delete(c.processed, localID)
	}
	return true
}

// applyInbound applies one delivered message. The duplicate check runs before
// reconciliation so a redelivered echo never touches a placeholder. The one
// exception is the first live delivery of a message a fetch already
// installed: that is the echo of a send the fetch overtook.
func (c *conversation) applyInbound(m Message, self string) bool {
	if _, dup := c.processed[m.ID]; dup {
		if _, ok := c.unconfirmed[m.ID]; !ok {
			return false
		}
		delete(c.unconfirmed, m.ID)
		return m.SenderID == self && c.settle(m.Content)
	}
	c.processed[m.ID] = struct{}{}

	if m.SenderID == self {
		if ids := c.pending[m.Content]; len(ids) > 0 {
			localID := ids[0]
			c.unpend(m.Content, localID)
			if i := c.indexOf(localID); i >= 0 {
				c.messages[i] = m
				return true
			}
		}
	}
	c.messages = append(c.messages, m)
	return true
}

// applyAuthoritative installs the REST result of a send, replacing localID
// when given.
func (c *conversation) applyAuthoritative(m Message, localID string) {
	i := -1
	if localID != "" {
		i = c.indexOf(localID)
	}
	if _, dup := c.processed[m.ID]; dup {
		// The echo already landed; only the placeholder is left to drop.
		if i >= 0 {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
		}
		return
	}
	c.processed[m.ID] = struct{}{}
	if i >= 0 {
		c.messages[i] = m
		return
	}
	c.messages = append(c.messages, m)
}

// ============================================================================
// SyncEngine
// ============================================================================

// SyncEngine keeps the message list of the open conversation consistent
// across the live channel, optimistic sends and REST fetches.
type SyncEngine struct {
	self     string
	channel  Channel
	store    MessageStore
	notifier Notifier
	logger   *slog.Logger
	readTTL  time.Duration

	events *emitter
	subs   Subscriptions

	mu     sync.Mutex
	active *conversation
}

// NewSyncEngine creates an engine for userID and subscribes it to the
// message events of channel.
func NewSyncEngine(userID string, channel Channel, store MessageStore, cfg EngineConfig) *SyncEngine {
	logger := orDiscard(cfg.Logger)
	if cfg.MarkReadTimeout == 0 {
		cfg.MarkReadTimeout = 10 * time.Second
	}
	e := &SyncEngine{
		self:     userID,
		channel:  channel,
		store:    store,
		notifier: orNop(cfg.Notifier),
		logger:   logger.With("component", "sync"),
		readTTL:  cfg.MarkReadTimeout,
		events:   newEmitter(logger),
	}
	e.subs.Add(channel.On(EventNewMessage, e.handleDirect))
	e.subs.Add(channel.On(EventNewTeamMessage, e.handleTeam))
	e.subs.Add(channel.OnState(e.handleState))
	return e
}

// On registers a handler for local engine events.
func (e *SyncEngine) On(event string, h EventHandler) Subscription {
	return e.events.On(event, h)
}

// Close releases channel subscriptions and drops the open conversation.
func (e *SyncEngine) Close() {
	e.subs.Release()
	e.mu.Lock()
	e.active = nil
	e.mu.Unlock()
	e.events.removeAll()
}

// Key returns the open conversation key.
func (e *SyncEngine) Key() (ConversationKey, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return ConversationKey{}, false
	}
	return e.active.key, true
}

// State returns the lifecycle state of the open conversation.
func (e *SyncEngine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return EngineIdle
	}
	return e.active.state
}

// Loading reports whether the open conversation is fetching its history.
func (e *SyncEngine) Loading() bool { return e.State() == EngineLoading }

// Messages returns a copy of the open conversation's messages.
func (e *SyncEngine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil
	}
	return e.active.snapshot()
}

// PendingCount returns the number of placeholders awaiting their echo.
func (e *SyncEngine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return 0
	}
	return e.active.pendingCount()
}

func (e *SyncEngine) emitMessages(key ConversationKey, msgs []Message) {
	e.events.emit(LocalMessagesChanged, MessagesEvent{Key: key, Messages: msgs})
}

func (e *SyncEngine) notifyError(key ConversationKey, title string, err error) {
	e.notifier.Notify(Notification{Kind: NotifyError, Key: key, Title: title, Body: err.Error()})
}

// ── Open / refresh ────────────────────────────────────────

// Open makes key the active conversation and loads its history. Reopening
// the key that is already loaded or loading is a no-op. A response that
// arrives after another Open is discarded.
func (e *SyncEngine) Open(ctx context.Context, key ConversationKey) error {
	if !key.Valid() {
		return ErrInvalidKey
	}

	e.mu.Lock()
	prev := e.active
	if prev != nil && prev.key == key && prev.state != EngineIdle {
		e.mu.Unlock()
		return nil
	}
	conv := newConversation(key)
	conv.state = EngineLoading
	conv.beginFetch()
	e.active = conv
	e.mu.Unlock()

	e.switchRooms(prev, key)
	e.events.emit(LocalLoadingChanged, true)
	e.emitMessages(key, nil)

	msgs, err := e.store.History(ctx, key)

	e.mu.Lock()
	if e.active != conv {
		e.mu.Unlock()
		e.logger.Debug("discarding stale history", "key", key.String())
		return nil
	}
	if err != nil {
		conv.state = EngineIdle
		conv.endFetch()
		e.mu.Unlock()
		e.events.emit(LocalLoadingChanged, false)
		e.logger.Warn("load history failed", "key", key.String(), "error", err)
		e.notifyError(key, "Failed to load messages", err)
		return fmt.Errorf("load history %s: %w", key, err)
	}
	conv.install(msgs, e.self)
	conv.endFetch()
	conv.state = EngineReady
	snap := conv.snapshot()
	e.mu.Unlock()

	e.events.emit(LocalLoadingChanged, false)
	e.emitMessages(key, snap)

	if key.Kind == KindDirect {
		_ = e.markRead(ctx, key, false)
	}
	return nil
}

// Leave closes the open conversation without opening another one.
func (e *SyncEngine) Leave() {
	e.mu.Lock()
	prev := e.active
	e.active = nil
	e.mu.Unlock()

	if prev != nil && prev.key.Kind == KindTeam && e.channel.State() == StateConnected {
		e.channel.Emit(CmdLeaveTeamChat, TeamRoomCommand{UserID: e.self, ProjectID: prev.key.ProjectID})
	}
}

// Refresh refetches key and installs the result. It is the fallback poll
// path: a key that is no longer open, or one whose initial load is still
// running, is skipped. Messages delivered live while the request was in
// flight survive it. Failures leave the current list intact.
func (e *SyncEngine) Refresh(ctx context.Context, key ConversationKey) error {
	e.mu.Lock()
	conv := e.active
	if conv == nil || conv.key != key || conv.state != EngineReady {
		e.mu.Unlock()
		return nil
	}
	conv.beginFetch()
	e.mu.Unlock()

	msgs, err := e.store.History(ctx, key)

	e.mu.Lock()
	if err != nil || e.active != conv {
		conv.endFetch()
		e.mu.Unlock()
		if err != nil {
			e.logger.Warn("refresh failed", "key", key.String(), "error", err)
			return fmt.Errorf("refresh %s: %w", key, err)
		}
		return nil
	}
	before := conv.snapshot()
	conv.install(msgs, e.self)
	conv.endFetch()
	snap := conv.snapshot()
	e.mu.Unlock()

	if !sameMessages(before, snap) {
		e.emitMessages(key, snap)
	}
	return nil
}

func sameMessages(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Content != b[i].Content || a[i].Status != b[i].Status {
			return false
		}
	}
	return true
}

// switchRooms leaves the previous team room and joins the new one.
func (e *SyncEngine) switchRooms(prev *conversation, key ConversationKey) {
	if e.channel.State() != StateConnected {
		return
	}
	if prev != nil && prev.key.Kind == KindTeam && prev.key != key {
		e.channel.Emit(CmdLeaveTeamChat, TeamRoomCommand{UserID: e.self, ProjectID: prev.key.ProjectID})
	}
	if key.Kind == KindTeam && (prev == nil || prev.key != key) {
		e.channel.Emit(CmdJoinTeamChat, TeamRoomCommand{UserID: e.self, ProjectID: key.ProjectID})
	}
}

// handleState rejoins the open team room after every reconnect.
func (e *SyncEngine) handleState(s ConnectionState) {
	if s != StateConnected {
		return
	}
	key, ok := e.Key()
	if ok && key.Kind == KindTeam {
		e.channel.Emit(CmdJoinTeamChat, TeamRoomCommand{UserID: e.self, ProjectID: key.ProjectID})
	}
}

// ── Send ──────────────────────────────────────────────────

// Send posts content to the open conversation. With a live channel the
// message is inserted optimistically and reconciled against the server
// echo; otherwise it is sent over REST and appended once stored.
func (e *SyncEngine) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	e.mu.Lock()
	conv := e.active
	if conv == nil {
		e.mu.Unlock()
		return ErrNoConversation
	}
	if e.channel.State() != StateConnected {
		e.mu.Unlock()
		return e.sendREST(ctx, conv, content, "")
	}

	local := Message{
		ID:        placeholderPrefix + uuid.NewString(),
		Content:   content,
		SenderID:  e.self,
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
	}
	if conv.key.Kind == KindTeam {
		local.ProjectID = conv.key.ProjectID
	} else {
		local.ReceiverID = conv.key.UserID
	}
	conv.messages = append(conv.messages, local)
	conv.processed[local.ID] = struct{}{}
	conv.pending[content] = append(conv.pending[content], local.ID)
	snap := conv.snapshot()
	e.mu.Unlock()

	e.emitMessages(conv.key, snap)

	if e.channel.Emit(e.sendCommand(conv.key, content)) {
		return nil
	}
	e.logger.Info("live send failed, using REST", "key", conv.key.String())
	return e.sendREST(ctx, conv, content, local.ID)
}

func (e *SyncEngine) sendCommand(key ConversationKey, content string) (string, any) {
	if key.Kind == KindTeam {
		return CmdSendTeamMessage, SendTeamMessageCommand{UserID: e.self, ProjectID: key.ProjectID, Content: content}
	}
	return CmdSendMessage, SendMessageCommand{SenderID: e.self, ReceiverID: key.UserID, Content: content}
}

// sendREST stores content synchronously. localID names the placeholder to
// replace on success or flag on failure; it is empty on the disconnected path.
func (e *SyncEngine) sendREST(ctx context.Context, conv *conversation, content, localID string) error {
	msg, err := e.store.Send(ctx, conv.key, content)

	e.mu.Lock()
	if e.active != conv {
		// The user moved on; the other conversation must not see this result.
		e.mu.Unlock()
		if err != nil {
			e.notifyError(conv.key, "Failed to send message", err)
			return fmt.Errorf("send message: %w", err)
		}
		return nil
	}

	if err != nil {
		var snap []Message
		if localID != "" {
			conv.unpend(content, localID)
			if i := conv.indexOf(localID); i >= 0 {
				conv.messages[i].Status = StatusFailed
			}
			snap = conv.snapshot()
		}
		e.mu.Unlock()

		e.logger.Warn("send failed", "key", conv.key.String(), "error", err)
		if snap != nil {
			e.emitMessages(conv.key, snap)
		}
		e.events.emit(LocalMessageFailed, SendFailure{Key: conv.key, LocalID: localID, Content: content, Err: err})
		e.notifyError(conv.key, "Failed to send message", err)
		return fmt.Errorf("send message: %w", err)
	}

	if localID != "" {
		conv.unpend(content, localID)
	}
	m := *msg
	m.Status = StatusSent
	conv.applyAuthoritative(m, localID)
	conv.journal(m, true)
	snap := conv.snapshot()
	e.mu.Unlock()

	e.emitMessages(conv.key, snap)
	return nil
}

// Retry re-sends a failed placeholder over REST.
func (e *SyncEngine) Retry(ctx context.Context, localID string) error {
	e.mu.Lock()
	conv := e.active
	if conv == nil {
		e.mu.Unlock()
		return ErrNoConversation
	}
	i := conv.indexOf(localID)
	if i < 0 || conv.messages[i].Status != StatusFailed {
		e.mu.Unlock()
		return ErrUnknownMessage
	}
	conv.messages[i].Status = StatusPending
	content := conv.messages[i].Content
	snap := conv.snapshot()
	e.mu.Unlock()

	e.emitMessages(conv.key, snap)
	return e.sendREST(ctx, conv, content, localID)
}

// Discard removes a failed placeholder.
func (e *SyncEngine) Discard(localID string) error {
	e.mu.Lock()
	conv := e.active
	if conv == nil {
		e.mu.Unlock()
		return ErrNoConversation
	}
	i := conv.indexOf(localID)
	if i < 0 || conv.messages[i].Status != StatusFailed {
		e.mu.Unlock()
		return ErrUnknownMessage
	}
	conv.messages = append(conv.messages[:i], conv.messages[i+1:]...)
	delete(conv.processed, localID)
	snap := conv.snapshot()
	e.mu.Unlock()

	e.emitMessages(conv.key, snap)
	return nil
}

// ── Read receipts ─────────────────────────────────────────

// MarkRead marks the open conversation read. Repeating it is harmless.
func (e *SyncEngine) MarkRead(ctx context.Context) error {
	key, ok := e.Key()
	if !ok {
		return ErrNoConversation
	}
	return e.markRead(ctx, key, true)
}

func (e *SyncEngine) markRead(ctx context.Context, key ConversationKey, notify bool) error {
	if key.Kind != KindDirect {
		return nil
	}
	if e.channel.State() == StateConnected {
		e.channel.Emit(CmdMarkRead, MarkReadCommand{UserID: e.self, OtherUserID: key.UserID})
	}
	if err := e.store.MarkRead(ctx, key); err != nil {
		e.logger.Warn("mark read failed", "key", key.String(), "error", err)
		if notify {
			e.notifyError(key, "Failed to mark messages as read", err)
		}
		return fmt.Errorf("mark read: %w", err)
	}
	e.events.emit(LocalConversationRead, key)
	return nil
}

// ── Inbound ───────────────────────────────────────────────

func (e *SyncEngine) handleDirect(payload json.RawMessage) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil || m.ID == "" {
		e.logger.Debug("dropping malformed new_message", "error", err)
		return
	}
	if m.SenderID != e.self && m.ReceiverID != e.self {
		e.logger.Debug("dropping new_message for another user", "id", m.ID)
		return
	}
	m.Status = StatusSent
	e.apply(m.Key(e.self), m)
}

func (e *SyncEngine) handleTeam(payload json.RawMessage) {
	var p TeamMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Message.ID == "" {
		e.logger.Debug("dropping malformed new_team_message", "error", err)
		return
	}
	m := p.Message.toMessage()
	if m.ProjectID == "" {
		m.ProjectID = p.ProjectID
	}
	if m.ProjectID == "" {
		e.logger.Debug("dropping new_team_message without project", "id", m.ID)
		return
	}
	e.apply(TeamKey(m.ProjectID), m)
}

// apply routes an inbound message to the open conversation. Messages for any
// other conversation are left to the conversation list.
func (e *SyncEngine) apply(key ConversationKey, m Message) {
	e.mu.Lock()
	conv := e.active
	if conv == nil || conv.key != key || conv.state == EngineIdle {
		e.mu.Unlock()
		return
	}
	if conv.state == EngineLoading {
		conv.journal(m, false)
		e.mu.Unlock()
		return
	}
	changed := conv.applyInbound(m, e.self)
	if changed {
		conv.journal(m, false)
	}
	snap := conv.snapshot()
	e.mu.Unlock()

	if !changed {
		e.logger.Debug("dropping duplicate delivery", "id", m.ID)
		return
	}
	e.emitMessages(key, snap)

	if m.SenderID != e.self && key.Kind == KindDirect {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), e.readTTL)
			defer cancel()
			_ = e.markRead(ctx, key, false)
		}()
	}
}
