package nexus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ============================================================================
// fakeChannel
// ============================================================================

type emitted struct {
	Event   string
	Payload any
}

// fakeChannel is an in-process Channel. deliver runs inbound handlers
// synchronously, like the read loop of ChannelManager.
type fakeChannel struct {
	mu      sync.Mutex
	state   ConnectionState
	emitErr bool
	sent    []emitted

	inbound *emitter
	states  *emitter
}

func newFakeChannel(state ConnectionState) *fakeChannel {
	return &fakeChannel{
		state:   state,
		inbound: newEmitter(orDiscard(nil)),
		states:  newEmitter(orDiscard(nil)),
	}
}

func (f *fakeChannel) State() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Emit(event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected || f.emitErr {
		return false
	}
	f.sent = append(f.sent, emitted{Event: event, Payload: payload})
	return true
}

func (f *fakeChannel) On(event string, h InboundHandler) Subscription {
	return f.inbound.On(event, func(_ string, p any) { h(p.(json.RawMessage)) })
}

func (f *fakeChannel) OnState(h func(ConnectionState)) Subscription {
	return f.states.On(LocalStateChanged, func(_ string, p any) { h(p.(ConnectionState)) })
}

func (f *fakeChannel) setState(s ConnectionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.states.emit(LocalStateChanged, s)
}

func (f *fakeChannel) failWrites(fail bool) {
	f.mu.Lock()
	f.emitErr = fail
	f.mu.Unlock()
}

func (f *fakeChannel) deliver(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.inbound.emit(event, json.RawMessage(raw))
}

func (f *fakeChannel) deliverRaw(event, raw string) {
	f.inbound.emit(event, json.RawMessage(raw))
}

// sentOf returns the payloads emitted for event.
func (f *fakeChannel) sentOf(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.sent {
		if e.Event == event {
			out = append(out, e.Payload)
		}
	}
	return out
}

// ============================================================================
// fakeStore
// ============================================================================

// fakeStore is a MessageStore with per-key histories. A gate, when set,
// holds the History response for that key until it is closed; the history
// itself is read before the wait, like a slow response.
type fakeStore struct {
	mu         sync.Mutex
	histories  map[ConversationKey][]Message
	gates      map[ConversationKey]chan struct{}
	historyErr error
	sendErr    error
	sent       []string
	reads      []ConversationKey
	fetches    int
	seq        int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		histories: make(map[ConversationKey][]Message),
		gates:     make(map[ConversationKey]chan struct{}),
	}
}

func (s *fakeStore) setHistory(key ConversationKey, msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[key] = msgs
}

func (s *fakeStore) gate(key ConversationKey) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gates[key] = ch
	return ch
}

func (s *fakeStore) History(ctx context.Context, key ConversationKey) ([]Message, error) {
	s.mu.Lock()
	gate := s.gates[key]
	s.fetches++
	msgs, err := append([]Message(nil), s.histories[key]...), s.historyErr
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *fakeStore) Send(_ context.Context, key ConversationKey, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.seq++
	s.sent = append(s.sent, content)
	m := Message{
		ID:        "srv-" + string(rune('a'+s.seq-1)),
		Content:   content,
		SenderID:  "me",
		CreatedAt: time.Now().UTC(),
		Status:    StatusSent,
	}
	if key.Kind == KindTeam {
		m.ProjectID = key.ProjectID
	} else {
		m.ReceiverID = key.UserID
	}
	s.histories[key] = append(s.histories[key], m)
	return &m, nil
}

func (s *fakeStore) MarkRead(_ context.Context, key ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, key)
	return nil
}

func (s *fakeStore) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *fakeStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reads)
}

func (s *fakeStore) fail(history, send error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyErr = history
	s.sendErr = send
}

var errBackend = errors.New("backend unavailable")

// ============================================================================
// Recorders
// ============================================================================

type notifications struct {
	mu  sync.Mutex
	all []Notification
}

func (n *notifications) Notify(x Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all = append(n.all, x)
}

func (n *notifications) list() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.all...)
}

func directMsg(id, from, to, content string) Message {
	return Message{ID: id, Content: content, SenderID: from, ReceiverID: to, CreatedAt: time.Now().UTC()}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
