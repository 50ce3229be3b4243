package nexus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(state ConnectionState) (*SyncEngine, *fakeChannel, *fakeStore, *notifications) {
	ch := newFakeChannel(state)
	store := newFakeStore()
	notes := &notifications{}
	e := NewSyncEngine("me", ch, store, EngineConfig{Notifier: notes})
	return e, ch, store, notes
}

// ============================================================================
// Open
// ============================================================================

func TestSyncEngineOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("loads history and marks it read", func(t *testing.T) {
		e, ch, store, _ := newTestEngine(StateConnected)
		bob := DirectKey("bob")
		store.setHistory(bob, directMsg("m1", "bob", "me", "hi"), directMsg("m2", "me", "bob", "hey"))

		var loading []bool
		e.On(LocalLoadingChanged, func(_ string, p any) { loading = append(loading, p.(bool)) })

		require.NoError(t, e.Open(ctx, bob))
		assert.Equal(t, []string{"m1", "m2"}, ids(e.Messages()))
		assert.Equal(t, EngineReady, e.State())
		assert.Equal(t, []bool{true, false}, loading)
		assert.Len(t, ch.sentOf(CmdMarkRead), 1)
		assert.Equal(t, 1, store.readCount())
	})

	t.Run("reopening the loaded key is a no-op", func(t *testing.T) {
		e, _, store, _ := newTestEngine(StateConnected)
		require.NoError(t, e.Open(ctx, DirectKey("bob")))
		require.NoError(t, e.Open(ctx, DirectKey("bob")))
		assert.Equal(t, 1, store.fetches)
	})

	t.Run("failure leaves the conversation idle and notifies", func(t *testing.T) {
		e, _, store, notes := newTestEngine(StateConnected)
		store.fail(errBackend, nil)

		err := e.Open(ctx, DirectKey("bob"))
		require.ErrorIs(t, err, errBackend)
		assert.Equal(t, EngineIdle, e.State())
		assert.Empty(t, e.Messages())
		require.Len(t, notes.list(), 1)
		assert.Equal(t, NotifyError, notes.list()[0].Kind)
	})

	t.Run("invalid key", func(t *testing.T) {
		e, _, _, _ := newTestEngine(StateConnected)
		assert.ErrorIs(t, e.Open(ctx, ConversationKey{Kind: KindDirect}), ErrInvalidKey)
	})

	t.Run("stale response is discarded", func(t *testing.T) {
		e, _, store, _ := newTestEngine(StateConnected)
		a, b := DirectKey("alice"), DirectKey("bob")
		store.setHistory(a, directMsg("a1", "alice", "me", "from alice"))
		store.setHistory(b, directMsg("b1", "bob", "me", "from bob"))
		gate := store.gate(a)

		done := make(chan error, 1)
		go func() { done <- e.Open(ctx, a) }()
		require.Eventually(t, func() bool {
			k, ok := e.Key()
			return ok && k == a
		}, time.Second, time.Millisecond)

		require.NoError(t, e.Open(ctx, b))
		close(gate)
		require.NoError(t, <-done)

		k, _ := e.Key()
		assert.Equal(t, b, k)
		assert.Equal(t, []string{"b1"}, ids(e.Messages()))
	})

	t.Run("messages arriving during the load are kept", func(t *testing.T) {
		e, ch, store, _ := newTestEngine(StateConnected)
		bob := DirectKey("bob")
		store.setHistory(bob, directMsg("b1", "bob", "me", "one"), directMsg("b2", "bob", "me", "two"))
		gate := store.gate(bob)

		done := make(chan error, 1)
		go func() { done <- e.Open(ctx, bob) }()
		require.Eventually(t, e.Loading, time.Second, time.Millisecond)

		ch.deliver(EventNewMessage, directMsg("b2", "bob", "me", "two"))
		ch.deliver(EventNewMessage, directMsg("b3", "bob", "me", "three"))
		close(gate)
		require.NoError(t, <-done)

		assert.Equal(t, []string{"b1", "b2", "b3"}, ids(e.Messages()))
	})

	t.Run("a REST send during the load survives it", func(t *testing.T) {
		e, _, store, _ := newTestEngine(StateDisconnected)
		bob := DirectKey("bob")
		gate := store.gate(bob)

		done := make(chan error, 1)
		go func() { done <- e.Open(ctx, bob) }()
		require.Eventually(t, func() bool { return store.fetchCount() == 1 }, time.Second, time.Millisecond)

		require.NoError(t, e.Send(ctx, "hello"))
		assert.Equal(t, []string{"srv-a"}, ids(e.Messages()))

		close(gate)
		require.NoError(t, <-done)
		assert.Equal(t, []string{"srv-a"}, ids(e.Messages()))
	})

	t.Run("a live send during the load keeps its placeholder", func(t *testing.T) {
		e, ch, store, _ := newTestEngine(StateConnected)
		bob := DirectKey("bob")
		store.setHistory(bob, directMsg("b1", "bob", "me", "one"))
		gate := store.gate(bob)

		done := make(chan error, 1)
		go func() { done <- e.Open(ctx, bob) }()
		require.Eventually(t, func() bool { return store.fetchCount() == 1 }, time.Second, time.Millisecond)

		require.NoError(t, e.Send(ctx, "hi"))
		close(gate)
		require.NoError(t, <-done)

		msgs := e.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "b1", msgs[0].ID)
		assert.True(t, IsPlaceholder(msgs[1].ID))
		assert.Equal(t, 1, e.PendingCount())

		ch.deliver(EventNewMessage, directMsg("m1", "me", "bob", "hi"))
		assert.Equal(t, []string{"b1", "m1"}, ids(e.Messages()))
		assert.Zero(t, e.PendingCount())
	})
}

// ============================================================================
// Send and reconciliation
// ============================================================================

func TestSyncEngineSend(t *testing.T) {
	ctx := context.Background()
	bob := DirectKey("bob")

	t.Run("optimistic insert is replaced by its echo", func(t *testing.T) {
		e, ch, _, _ := newTestEngine(StateConnected)
		require.NoError(t, e.Open(ctx, bob))

		require.NoError(t, e.Send(ctx, "  hello "))
		msgs := e.Messages()
		require.Len(t, msgs, 1)
		assert.True(t, IsPlaceholder(msgs[0].ID))
		assert.Equal(t, StatusPending, msgs[0].Status)
		assert.Equal(t, "hello", msgs[0].Content)
		assert.Equal(t, 1, e.PendingCount())
		assert.Equal(t, []any{SendMessageCommand{SenderID: "me", ReceiverID: "bob", Content: "hello"}}, ch.sentOf(CmdSendMessage))

		echo := directMsg("m1", "me", "bob", "hello")
		ch.deliver(EventNewMessage, echo)
		msgs = e.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "m1", msgs[0].ID)
		assert.Equal(t, StatusSent, msgs[0].Status)
		assert.Zero(t, e.PendingCount())

		ch.deliver(EventNewMessage, echo)
		assert.Equal(t, []string{"m1"}, ids(e.Messages()))
	})

	t.Run("identical contents reconcile oldest first", func(t *testing.T) {
		e, ch, _, _ := newTestEngine(StateConnected)
		require.NoError(t, e.Open(ctx, bob))

		require.NoError(t, e.Send(ctx, "ok"))
		require.NoError(t, e.Send(ctx, "ok"))
		require.Equal(t, 2, e.PendingCount())

		ch.deliver(EventNewMessage, directMsg("e1", "me", "bob", "ok"))
		ch.deliver(EventNewMessage, directMsg("x1", "bob", "me", "reply"))
		ch.deliver(EventNewMessage, directMsg("e2", "me", "bob", "ok"))

		assert.Equal(t, []string{"e1", "e2", "x1"}, ids(e.Messages()))
		assert.Zero(t, e.PendingCount())
	})

	t.Run("disconnected send goes over REST once", func(t *testing.T) {
		e, ch, store, _ := newTestEngine(StateDisconnected)
		require.NoError(t, e.Open(ctx, bob))

		require.NoError(t, e.Send(ctx, "offline"))
		assert.Equal(t, []string{"srv-a"}, ids(e.Messages()))
		assert.Equal(t, []string{"offline"}, store.sent)
		assert.Empty(t, ch.sentOf(CmdSendMessage))

		ch.setState(StateConnected)
		ch.deliver(EventNewMessage, directMsg("srv-a", "me", "bob", "offline"))
		assert.Equal(t, []string{"srv-a"}, ids(e.Messages()))
	})

	t.Run("failed write falls back to REST", func(t *testing.T) {
		e, ch, _, _ := newTestEngine(StateConnected)
		require.NoError(t, e.Open(ctx, bob))
		ch.failWrites(true)

		require.NoError(t, e.Send(ctx, "fallback"))
		msgs := e.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "srv-a", msgs[0].ID)
		assert.Zero(t, e.PendingCount())
	})

	t.Run("failed send is kept for retry", func(t *testing.T) {
		e, ch, store, notes := newTestEngine(StateConnected)
		require.NoError(t, e.Open(ctx, bob))
		ch.failWrites(true)
		store.fail(nil, errBackend)

		var failures []SendFailure
		e.On(LocalMessageFailed, func(_ string, p any) { failures = append(failures, p.(SendFailure)) })

		err := e.Send(ctx, "lost")
		require.ErrorIs(t, err, errBackend)
		msgs := e.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, StatusFailed, msgs[0].Status)
		require.Len(t, failures, 1)
		assert.Equal(t, msgs[0].ID, failures[0].LocalID)
		assert.NotEmpty(t, notes.list())

		store.fail(nil, nil)
		require.NoError(t, e.Retry(ctx, msgs[0].ID))
		assert.Equal(t, []string{"srv-a"}, ids(e.Messages()))
		assert.ErrorIs(t, e.Retry(ctx, msgs[0].ID), ErrUnknownMessage)
	})

	t.Run("failed send can be discarded", func(t *testing.T) {
		e, ch, store, _ := newTestEngine(StateConnected)
		require.NoError(t, e.Open(ctx, bob))
		ch.failWrites(true)
		store.fail(nil, errBackend)

		require.Error(t, e.Send(ctx, "drop me"))
		local := e.Messages()[0].ID
		require.NoError(t, e.Discard(local))
		assert.Empty(t, e.Messages())
		assert.ErrorIs(t, e.Discard(local), ErrUnknownMessage)
	})

	t.Run("validation", func(t *testing.T) {
		e, _, _, _ := newTestEngine(StateConnected)
		assert.ErrorIs(t, e.Send(ctx, "hi"), ErrNoConversation)
		require.NoError(t, e.Open(ctx, bob))
		assert.ErrorIs(t, e.Send(ctx, "   "), ErrEmptyMessage)
		assert.Empty(t, e.Messages())
	})

	t.Run("team send uses the team command", func(t *testing.T) {
		e, ch, _, _ := newTestEngine(StateConnected)
		require.NoError(t, e.Open(ctx, TeamKey("p1")))
		require.NoError(t, e.Send(ctx, "standup?"))
		assert.Equal(t, []any{SendTeamMessageCommand{UserID: "me", ProjectID: "p1", Content: "standup?"}}, ch.sentOf(CmdSendTeamMessage))

		ch.deliver(EventNewTeamMessage, TeamMessagePayload{
			Message:   teamWireMessage{ID: "t1", Content: "standup?", UserID: "me", ProjectID: "p1", CreatedAt: time.Now()},
			ProjectID: "p1",
		})
		assert.Equal(t, []string{"t1"}, ids(e.Messages()))
		assert.Zero(t, e.PendingCount())
	})
}

// ============================================================================
// Inbound routing
// ============================================================================

func TestSyncEngineInbound(t *testing.T) {
	ctx := context.Background()
	bob := DirectKey("bob")

	t.Run("only the open conversation is updated", func(t *testing.T) {
		e, ch, _, _ := newTestEngine(StateConnected)
		require.NoError(t, e.Open(ctx, bob))

		ch.deliver(EventNewMessage, directMsg("c1", "carol", "me", "psst"))
		ch.deliver(EventNewMessage, directMsg("z1", "bob", "zoe", "not for me"))
		ch.deliver(EventNewTeamMessage, TeamMessagePayload{
			Message:   teamWireMessage{ID: "t1", Content: "team", UserID: "bob", ProjectID: "p1"},
			ProjectID: "p1",
		})
		assert.Empty(t, e.Messages())

		ch.deliver(EventNewMessage, directMsg("b1", "bob", "me", "hello"))
		assert.Equal(t, []string{"b1"}, ids(e.Messages()))
	})

	t.Run("redelivered ids are applied once", func(t *testing.T) {
		e, ch, store, _ := newTestEngine(StateConnected)
		store.setHistory(bob, directMsg("h1", "bob", "me", "earlier"))
		require.NoError(t, e.Open(ctx, bob))

		for i := 0; i < 3; i++ {
			ch.deliver(EventNewMessage, directMsg("b1", "bob", "me", "hello"))
			ch.deliver(EventNewMessage, directMsg("h1", "bob", "me", "earlier"))
		}
		assert.Equal(t, []string{"h1", "b1"}, ids(e.Messages()))
	})

	t.Run("malformed payloads are dropped", func(t *testing.T) {
		e, ch, _, _ := newTestEngine(StateConnected)
		require.NoError(t, e.Open(ctx, bob))
		ch.deliverRaw(EventNewMessage, `{"id":`)
		ch.deliverRaw(EventNewMessage, `{"content":"no id"}`)
		assert.Empty(t, e.Messages())
	})

	t.Run("message from the counterparty is marked read", func(t *testing.T) {
		e, ch, store, _ := newTestEngine(StateConnected)
		require.NoError(t, e.Open(ctx, bob))
		require.Equal(t, 1, store.readCount())

		var mu sync.Mutex
		var read []ConversationKey
		e.On(LocalConversationRead, func(_ string, p any) {
			mu.Lock()
			defer mu.Unlock()
			read = append(read, p.(ConversationKey))
		})

		ch.deliver(EventNewMessage, directMsg("b1", "bob", "me", "ping"))
		require.Eventually(t, func() bool { return store.readCount() == 2 }, time.Second, time.Millisecond)
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(read) == 1 && read[0] == bob
		}, time.Second, time.Millisecond)
	})
}

// ============================================================================
// Refresh
// ============================================================================

func TestSyncEngineRefresh(t *testing.T) {
	ctx := context.Background()
	bob := DirectKey("bob")

	t.Run("replaces the list and keeps failed sends", func(t *testing.T) {
		e, ch, store, _ := newTestEngine(StateConnected)
		store.setHistory(bob, directMsg("b1", "bob", "me", "one"))
		require.NoError(t, e.Open(ctx, bob))

		ch.failWrites(true)
		store.fail(nil, errBackend)
		require.Error(t, e.Send(ctx, "stuck"))
		store.fail(nil, nil)

		store.setHistory(bob, directMsg("b1", "bob", "me", "one"), directMsg("b2", "bob", "me", "two"))
		require.NoError(t, e.Refresh(ctx, bob))

		msgs := e.Messages()
		require.Len(t, msgs, 3)
		assert.Equal(t, []string{"b1", "b2"}, ids(msgs[:2]))
		assert.Equal(t, StatusFailed, msgs[2].Status)
	})

	t.Run("skips keys that are not open", func(t *testing.T) {
		e, _, store, _ := newTestEngine(StateConnected)
		require.NoError(t, e.Open(ctx, bob))
		before := store.fetches
		require.NoError(t, e.Refresh(ctx, DirectKey("carol")))
		assert.Equal(t, before, store.fetches)
	})

	t.Run("failure keeps the current list", func(t *testing.T) {
		e, _, store, _ := newTestEngine(StateConnected)
		store.setHistory(bob, directMsg("b1", "bob", "me", "one"))
		require.NoError(t, e.Open(ctx, bob))
		store.fail(errBackend, nil)
		require.ErrorIs(t, e.Refresh(ctx, bob), errBackend)
		assert.Equal(t, []string{"b1"}, ids(e.Messages()))
	})

	t.Run("no event when nothing changed", func(t *testing.T) {
		e, _, store, _ := newTestEngine(StateConnected)
		store.setHistory(bob, directMsg("b1", "bob", "me", "one"))
		require.NoError(t, e.Open(ctx, bob))

		changes := 0
		e.On(LocalMessagesChanged, func(string, any) { changes++ })
		require.NoError(t, e.Refresh(ctx, bob))
		assert.Zero(t, changes)
	})

	t.Run("live messages delivered during a poll survive it", func(t *testing.T) {
		e, ch, store, _ := newTestEngine(StateConnected)
		store.setHistory(bob, directMsg("m1", "bob", "me", "one"))
		require.NoError(t, e.Open(ctx, bob))
		ch.setState(StateDisconnected)

		gate := store.gate(bob)
		fetched := store.fetchCount()
		done := make(chan error, 1)
		go func() { done <- e.Refresh(ctx, bob) }()
		require.Eventually(t, func() bool { return store.fetchCount() == fetched+1 }, time.Second, time.Millisecond)

		ch.setState(StateConnected)
		ch.deliver(EventNewMessage, directMsg("m2", "bob", "me", "two"))
		require.Equal(t, []string{"m1", "m2"}, ids(e.Messages()))

		close(gate)
		require.NoError(t, <-done)
		assert.Equal(t, []string{"m1", "m2"}, ids(e.Messages()))

		store.setHistory(bob, directMsg("m1", "bob", "me", "one"), directMsg("m2", "bob", "me", "two"))
		require.NoError(t, e.Refresh(ctx, bob))
		assert.Equal(t, []string{"m1", "m2"}, ids(e.Messages()))
	})

	t.Run("pending sends survive a poll", func(t *testing.T) {
		e, ch, store, _ := newTestEngine(StateConnected)
		store.setHistory(bob, directMsg("m1", "bob", "me", "one"))
		require.NoError(t, e.Open(ctx, bob))
		require.NoError(t, e.Send(ctx, "hi"))

		require.NoError(t, e.Refresh(ctx, bob))
		require.Len(t, e.Messages(), 2)
		assert.Equal(t, 1, e.PendingCount())

		ch.deliver(EventNewMessage, directMsg("x1", "me", "bob", "hi"))
		assert.Equal(t, []string{"m1", "x1"}, ids(e.Messages()))
		assert.Zero(t, e.PendingCount())
	})

	t.Run("an echo of a polled message settles its placeholder", func(t *testing.T) {
		e, ch, store, _ := newTestEngine(StateConnected)
		require.NoError(t, e.Open(ctx, bob))
		require.NoError(t, e.Send(ctx, "hi"))

		store.setHistory(bob, directMsg("x1", "me", "bob", "hi"))
		require.NoError(t, e.Refresh(ctx, bob))
		require.Len(t, e.Messages(), 2)

		echo := directMsg("x1", "me", "bob", "hi")
		ch.deliver(EventNewMessage, echo)
		assert.Equal(t, []string{"x1"}, ids(e.Messages()))
		assert.Zero(t, e.PendingCount())

		require.NoError(t, e.Send(ctx, "hi"))
		ch.deliver(EventNewMessage, echo)
		assert.Equal(t, 1, e.PendingCount(), "a redelivered echo leaves the next send alone")
	})
}

// ============================================================================
// Team rooms
// ============================================================================

func TestSyncEngineTeamRooms(t *testing.T) {
	ctx := context.Background()
	e, ch, _, _ := newTestEngine(StateConnected)

	require.NoError(t, e.Open(ctx, TeamKey("p1")))
	assert.Equal(t, []any{TeamRoomCommand{UserID: "me", ProjectID: "p1"}}, ch.sentOf(CmdJoinTeamChat))

	ch.setState(StateDisconnected)
	ch.setState(StateConnected)
	assert.Len(t, ch.sentOf(CmdJoinTeamChat), 2)

	require.NoError(t, e.Open(ctx, DirectKey("bob")))
	assert.Equal(t, []any{TeamRoomCommand{UserID: "me", ProjectID: "p1"}}, ch.sentOf(CmdLeaveTeamChat))

	require.NoError(t, e.Open(ctx, TeamKey("p2")))
	e.Leave()
	assert.Len(t, ch.sentOf(CmdLeaveTeamChat), 2)
	_, ok := e.Key()
	assert.False(t, ok)
}
