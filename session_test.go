package nexus_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nexus "github.com/phongnd2802/nexus-collaboration-sub002"
	"github.com/phongnd2802/nexus-collaboration-sub002/internal/relay"
)

const (
	wait = 2 * time.Second
	tick = 10 * time.Millisecond
)

type inbox struct {
	mu  sync.Mutex
	all []nexus.Notification
}

func (i *inbox) Notify(n nexus.Notification) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.all = append(i.all, n)
}

func (i *inbox) titles() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []string
	for _, n := range i.all {
		out = append(out, n.Title)
	}
	return out
}

type harness struct {
	srv *relay.Server
	ts  *httptest.Server
}

func newHarness(t *testing.T) *harness {
	store := relay.NewStore()
	store.Seed()
	srv := relay.New(store, relay.Config{
		JWTSecret: "session-test",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{srv: srv, ts: ts}
}

// signIn starts a session for userID and waits until the relay has
// registered its connection.
func (h *harness) signIn(t *testing.T, userID string) (*nexus.Session, *inbox) {
	t.Helper()
	token, err := h.srv.Tokens().CreateForUser(userID)
	require.NoError(t, err)

	n := &inbox{}
	s := nexus.NewSession(nexus.NewClient(nexus.WithBaseURL(h.ts.URL)), nexus.SessionConfig{
		Channel: nexus.ChannelConfig{
			URL:               "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws",
			HeartbeatInterval: -1,
		},
		Typing:   nexus.TypingConfig{Idle: 100 * time.Millisecond},
		Notifier: n,
	})
	t.Cleanup(s.Close)

	id, err := nexus.IdentityFromToken(token)
	require.NoError(t, err)
	require.NoError(t, s.SetIdentity(context.Background(), id))
	require.Eventually(t, s.Connected, wait, tick)
	require.Eventually(t, func() bool { return h.srv.Hub().Online(userID) }, wait, tick)
	return s, n
}

func contents(msgs []nexus.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestSessionDirectChat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, _ := h.signIn(t, "alice")
	bob, bobInbox := h.signIn(t, "bob")

	require.NoError(t, alice.OpenConversation(ctx, nexus.DirectKey("bob")))
	assert.Empty(t, alice.Messages())

	t.Run("live send reaches an idle recipient", func(t *testing.T) {
		require.NoError(t, alice.Send(ctx, "hello bob"))

		require.Eventually(t, func() bool {
			msgs := alice.Messages()
			return len(msgs) == 1 && msgs[0].Status == nexus.StatusSent && !nexus.IsPlaceholder(msgs[0].ID)
		}, wait, tick)

		require.Eventually(t, func() bool { return bob.UnreadTotal() == 1 }, wait, tick)
		rows := bob.DirectConversations()
		require.Len(t, rows, 1)
		assert.Equal(t, nexus.DirectKey("alice"), rows[0].Key)
		assert.Equal(t, "Alice Nguyen", rows[0].Name)
		assert.Equal(t, "hello bob", rows[0].LastMessagePreview)
		assert.Contains(t, bobInbox.titles(), "New message from Alice Nguyen")
	})

	t.Run("opening the conversation reads it", func(t *testing.T) {
		require.NoError(t, bob.OpenConversation(ctx, nexus.DirectKey("alice")))
		assert.Equal(t, []string{"hello bob"}, contents(bob.Messages()))
		require.Eventually(t, func() bool { return bob.UnreadTotal() == 0 }, wait, tick)
	})

	t.Run("typing shows on the other side and expires", func(t *testing.T) {
		bob.SetTyping(true)
		require.Eventually(t, alice.RemoteTyping, wait, tick)
		require.Eventually(t, func() bool { return !alice.RemoteTyping() }, wait, tick)
	})

	t.Run("replies arrive live in the open conversation", func(t *testing.T) {
		require.NoError(t, bob.Send(ctx, "hi alice"))
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual([]string{"hello bob", "hi alice"}, contents(alice.Messages()))
		}, wait, tick)
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual([]string{"hello bob", "hi alice"}, contents(bob.Messages()))
		}, wait, tick)

		// the open conversation never counts as unread
		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, alice.UnreadTotal())
	})

	t.Run("search finds the conversation", func(t *testing.T) {
		res := alice.Search("bob tran")
		require.Len(t, res.Direct, 1)
		assert.Equal(t, nexus.DirectKey("bob"), res.Direct[0].Key)
	})
}

func TestSessionTeamChat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, _ := h.signIn(t, "alice")
	carol, carolInbox := h.signIn(t, "carol")

	require.Len(t, carol.TeamConversations(), 1)
	require.NoError(t, alice.OpenConversation(ctx, nexus.TeamKey("launch")))
	require.Eventually(t, func() bool { return h.srv.Hub().InRoom("alice", "launch") }, wait, tick)

	require.NoError(t, alice.Send(ctx, "kickoff at noon"))
	require.Eventually(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == 1 && msgs[0].Status == nexus.StatusSent
	}, wait, tick)

	require.Eventually(t, func() bool { return carol.UnreadTotal() == 1 }, wait, tick)
	assert.Contains(t, carolInbox.titles(), "New message in Launch")

	require.NoError(t, carol.OpenConversation(ctx, nexus.TeamKey("launch")))
	assert.Equal(t, []string{"kickoff at noon"}, contents(carol.Messages()))
	assert.Zero(t, carol.UnreadTotal())

	alice.CloseConversation()
	require.Eventually(t, func() bool { return !h.srv.Hub().InRoom("alice", "launch") }, wait, tick)
	_, open := alice.ActiveConversation()
	assert.False(t, open)
}

func TestSessionIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("nothing works before sign in", func(t *testing.T) {
		s := nexus.NewSession(nexus.NewClient(nexus.WithBaseURL(h.ts.URL)), nexus.SessionConfig{})
		defer s.Close()
		assert.ErrorIs(t, s.OpenConversation(ctx, nexus.DirectKey("bob")), nexus.ErrUnauthenticated)
		assert.ErrorIs(t, s.Send(ctx, "x"), nexus.ErrUnauthenticated)
		assert.ErrorIs(t, s.OpenConversation(ctx, nexus.ConversationKey{}), nexus.ErrInvalidKey)
		assert.Equal(t, nexus.StateDisconnected, s.State())
	})

	t.Run("loading keeps the current user", func(t *testing.T) {
		s, _ := h.signIn(t, "alice")
		require.NoError(t, s.SetIdentity(ctx, nexus.Identity{Status: nexus.Loading}))
		assert.Equal(t, "alice", s.Identity().UserID)
		assert.True(t, s.Connected())
	})

	t.Run("sign out tears everything down", func(t *testing.T) {
		s, _ := h.signIn(t, "bob")
		require.NoError(t, s.OpenConversation(ctx, nexus.DirectKey("alice")))

		require.NoError(t, s.SetIdentity(ctx, nexus.Identity{Status: nexus.Unauthenticated}))
		assert.Equal(t, nexus.StateDisconnected, s.State())
		assert.Nil(t, s.Messages())
		assert.Zero(t, s.UnreadTotal())
		assert.ErrorIs(t, s.Send(ctx, "x"), nexus.ErrUnauthenticated)
		require.Eventually(t, func() bool { return !h.srv.Hub().Online("bob") }, wait, tick)
	})
}
