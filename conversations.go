package nexus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ListLoader supplies the initial conversation lists.
type ListLoader interface {
	Conversations(ctx context.Context) ([]ConversationSummary, error)
	TeamConversations(ctx context.Context) ([]ConversationSummary, error)
}

// ListConfig configures a ConversationList.
type ListConfig struct {
	Notifier Notifier
	Logger   *slog.Logger
}

// ListEvent is the payload of LocalConversationsChanged.
type ListEvent struct {
	Kind ConversationKind
	List []ConversationSummary
}

// SearchResult is a filtered view of both lists.
type SearchResult struct {
	Direct []ConversationSummary
	Team   []ConversationSummary
}

// ConversationList keeps the direct and team conversation lists ordered by
// recency with unread counters, independent of the open conversation.
type ConversationList struct {
	self     string
	notifier Notifier
	logger   *slog.Logger
	events   *emitter
	subs     Subscriptions

	mu       sync.RWMutex
	direct   []ConversationSummary
	team     []ConversationSummary
	open     ConversationKey
	profiles map[string]Participant
}

// NewConversationList creates an empty list for userID fed by channel.
func NewConversationList(userID string, channel Channel, config ListConfig) *ConversationList {
	logger := orDiscard(config.Logger)
	l := &ConversationList{
		self:     userID,
		notifier: orNop(config.Notifier),
		logger:   logger.With("component", "conversations"),
		events:   newEmitter(logger),
		profiles: make(map[string]Participant),
	}
	l.subs.Add(channel.On(EventConversationUpdate, l.handleDirectUpdate))
	l.subs.Add(channel.On(EventTeamConversationUpdate, l.handleTeamUpdate))
	l.subs.Add(channel.On(EventMessagesRead, l.handleMessagesRead))
	l.subs.Add(channel.On(EventNewMessage, l.handleNewMessage))
	l.subs.Add(channel.On(EventNewTeamMessage, l.handleNewTeamMessage))
	return l
}

// On registers a handler for LocalConversationsChanged.
func (l *ConversationList) On(event string, h EventHandler) Subscription {
	return l.events.On(event, h)
}

// Close stops listening to the channel.
func (l *ConversationList) Close() {
	l.subs.Release()
	l.events.removeAll()
}

// Load replaces both lists with the REST snapshot. A failure of one list
// does not prevent the other from loading.
func (l *ConversationList) Load(ctx context.Context, loader ListLoader) error {
	direct, derr := loader.Conversations(ctx)
	team, terr := loader.TeamConversations(ctx)

	l.mu.Lock()
	if derr == nil {
		l.direct = append([]ConversationSummary(nil), direct...)
		sortByRecency(l.direct)
		for _, s := range l.direct {
			if s.Name != "" {
				l.profiles[s.Key.UserID] = Participant{ID: s.Key.UserID, Name: s.Name, Email: s.Email, Image: s.Image}
			}
		}
	}
	if terr == nil {
		l.team = append([]ConversationSummary(nil), team...)
		sortByRecency(l.team)
	}
	d, t := l.snapshotLocked(KindDirect), l.snapshotLocked(KindTeam)
	l.mu.Unlock()

	if derr == nil {
		l.events.emit(LocalConversationsChanged, ListEvent{Kind: KindDirect, List: d})
	}
	if terr == nil {
		l.events.emit(LocalConversationsChanged, ListEvent{Kind: KindTeam, List: t})
	}

	var errs []error
	if derr != nil {
		errs = append(errs, fmt.Errorf("load direct conversations: %w", derr))
	}
	if terr != nil {
		errs = append(errs, fmt.Errorf("load team conversations: %w", terr))
	}
	return errors.Join(errs...)
}

// SetOpen records the open conversation. Updates for it never raise the
// unread count. Team chats have no read receipts, so opening one clears it.
func (l *ConversationList) SetOpen(key ConversationKey) {
	l.mu.Lock()
	l.open = key
	l.mu.Unlock()
	if key.Kind == KindTeam {
		l.MarkRead(key)
	}
}

// ClearOpen records that no conversation is open.
func (l *ConversationList) ClearOpen() {
	l.mu.Lock()
	l.open = ConversationKey{}
	l.mu.Unlock()
}

// Direct returns the direct conversations, newest first.
func (l *ConversationList) Direct() []ConversationSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked(KindDirect)
}

// Team returns the team conversations, newest first.
func (l *ConversationList) Team() []ConversationSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked(KindTeam)
}

// Summary returns the row for key.
func (l *ConversationList) Summary(key ConversationKey) (ConversationSummary, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	list := l.direct
	if key.Kind == KindTeam {
		list = l.team
	}
	if i := indexOfKey(list, key); i >= 0 {
		return list[i], true
	}
	return ConversationSummary{}, false
}

// UnreadTotal sums the unread counters of both lists.
func (l *ConversationList) UnreadTotal() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, s := range l.direct {
		n += s.UnreadCount
	}
	for _, s := range l.team {
		n += s.UnreadCount
	}
	return n
}

// Search filters both lists by a case-insensitive substring. Direct rows
// match on name, email and preview; team rows on name, description and
// preview. An empty query returns everything.
func (l *ConversationList) Search(query string) SearchResult {
	q := strings.ToLower(strings.TrimSpace(query))
	l.mu.RLock()
	defer l.mu.RUnlock()

	var res SearchResult
	for _, s := range l.direct {
		if q == "" || containsFold(q, s.Name, s.Email, s.LastMessagePreview) {
			res.Direct = append(res.Direct, s)
		}
	}
	for _, s := range l.team {
		if q == "" || containsFold(q, s.Name, s.Description, s.LastMessagePreview) {
			res.Team = append(res.Team, s)
		}
	}
	return res
}

func containsFold(q string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// MarkRead zeroes the unread count of key.
func (l *ConversationList) MarkRead(key ConversationKey) {
	l.mu.Lock()
	list := l.listLocked(key.Kind)
	i := indexOfKey(*list, key)
	if i < 0 || (*list)[i].UnreadCount == 0 {
		l.mu.Unlock()
		return
	}
	(*list)[i].UnreadCount = 0
	snap := l.snapshotLocked(key.Kind)
	l.mu.Unlock()

	l.events.emit(LocalConversationsChanged, ListEvent{Kind: key.Kind, List: snap})
}

// ApplyDirectUpdate merges a conversation_update delta.
func (l *ConversationList) ApplyDirectUpdate(p ConversationUpdatePayload) {
	if p.UserID == "" {
		return
	}
	l.apply(DirectKey(p.UserID), p.LastMessageAt, p.LastMessageContent, nil, p.IsUnread)
}

// ApplyTeamUpdate merges a team_conversation_update delta.
func (l *ConversationList) ApplyTeamUpdate(p TeamConversationUpdatePayload) {
	if p.ProjectID == "" {
		return
	}
	l.apply(TeamKey(p.ProjectID), p.LastMessageAt, p.LastMessageContent, p.LastMessageSender, p.IsUnread)
}

// apply moves the updated row to the front. That keeps the list sorted as
// long as updates carry the newest timestamp; a backdated update falls back
// to a full sort.
func (l *ConversationList) apply(key ConversationKey, at time.Time, preview string, sender *Participant, unread bool) {
	l.mu.Lock()
	list := l.listLocked(key.Kind)

	var s ConversationSummary
	if i := indexOfKey(*list, key); i >= 0 {
		s = (*list)[i]
		*list = append((*list)[:i], (*list)[i+1:]...)
	} else {
		s = ConversationSummary{Key: key}
		if p, ok := l.profiles[key.UserID]; ok && key.Kind == KindDirect {
			s.Name, s.Email, s.Image = p.Name, p.Email, p.Image
		}
		l.logger.Debug("new conversation", "key", key.String())
	}

	if !at.IsZero() {
		s.LastMessageAt = at
	}
	if preview != "" {
		s.LastMessagePreview = preview
	}
	if sender != nil {
		s.LastMessageSender = sender
		s.LastMessageSenderID = sender.ID
	}
	if unread && l.open != key {
		s.UnreadCount++
	}

	*list = append([]ConversationSummary{s}, *list...)
	if len(*list) > 1 && (*list)[1].LastMessageAt.After(s.LastMessageAt) {
		sortByRecency(*list)
	}
	snap := l.snapshotLocked(key.Kind)
	l.mu.Unlock()

	l.events.emit(LocalConversationsChanged, ListEvent{Kind: key.Kind, List: snap})
}

func (l *ConversationList) listLocked(kind ConversationKind) *[]ConversationSummary {
	if kind == KindTeam {
		return &l.team
	}
	return &l.direct
}

func (l *ConversationList) snapshotLocked(kind ConversationKind) []ConversationSummary {
	return append([]ConversationSummary(nil), *l.listLocked(kind)...)
}

func indexOfKey(list []ConversationSummary, key ConversationKey) int {
	for i := range list {
		if list[i].Key == key {
			return i
		}
	}
	return -1
}

func sortByRecency(list []ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastMessageAt.After(list[j].LastMessageAt)
	})
}

// ── Inbound ───────────────────────────────────────────────

func (l *ConversationList) handleDirectUpdate(payload json.RawMessage) {
	var p ConversationUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		l.logger.Debug("dropping malformed conversation_update", "error", err)
		return
	}
	l.ApplyDirectUpdate(p)
}

func (l *ConversationList) handleTeamUpdate(payload json.RawMessage) {
	var p TeamConversationUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ProjectID == "" {
		l.logger.Debug("dropping malformed team_conversation_update", "error", err)
		return
	}
	l.ApplyTeamUpdate(p)
}

func (l *ConversationList) handleMessagesRead(payload json.RawMessage) {
	var p MessagesReadPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		l.logger.Debug("dropping malformed messages_read", "error", err)
		return
	}
	l.MarkRead(DirectKey(p.UserID))
}

// handleNewMessage learns the sender profile and raises a notification when
// the message belongs to a conversation that is not open.
func (l *ConversationList) handleNewMessage(payload json.RawMessage) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil || m.ID == "" || m.SenderID == l.self {
		return
	}
	key := DirectKey(m.SenderID)

	l.mu.Lock()
	name := m.SenderID
	if m.Sender != nil {
		p := *m.Sender
		p.ID = m.SenderID
		if known, ok := l.profiles[p.ID]; ok && p.Email == "" {
			p.Email = known.Email
		}
		l.profiles[p.ID] = p
		if p.Name != "" {
			name = p.Name
		}
		if i := indexOfKey(l.direct, key); i >= 0 && l.direct[i].Name == "" {
			l.direct[i].Name, l.direct[i].Image = p.Name, p.Image
		}
	}
	isOpen := l.open == key
	l.mu.Unlock()

	if !isOpen {
		l.notifier.Notify(Notification{Kind: NotifyMessage, Key: key, Title: "New message from " + name, Body: m.Content})
	}
}

func (l *ConversationList) handleNewTeamMessage(payload json.RawMessage) {
	var p TeamMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Message.ID == "" || p.Message.UserID == l.self {
		return
	}
	projectID := p.Message.ProjectID
	if projectID == "" {
		projectID = p.ProjectID
	}
	key := TeamKey(projectID)

	l.mu.RLock()
	isOpen := l.open == key
	title := "New team message"
	if i := indexOfKey(l.team, key); i >= 0 && l.team[i].Name != "" {
		title = "New message in " + l.team[i].Name
	}
	l.mu.RUnlock()

	if !isOpen {
		body := p.Message.Content
		if p.Message.User != nil && p.Message.User.Name != "" {
			body = p.Message.User.Name + ": " + body
		}
		l.notifier.Notify(Notification{Kind: NotifyMessage, Key: key, Title: title, Body: body})
	}
}
