package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded() *Store {
	s := NewStore()
	s.Seed()
	return s
}

func TestStoreDirect(t *testing.T) {
	t.Run("save trims content and attaches the sender profile", func(t *testing.T) {
		s := seeded()
		m, err := s.SaveDirect("alice", "bob", "  hi  ")
		require.NoError(t, err)
		assert.Equal(t, "hi", m.Content)
		require.NotNil(t, m.Sender)
		assert.Equal(t, "Alice Nguyen", m.Sender.Name)
		assert.NotEmpty(t, m.ID)
	})

	t.Run("empty content is rejected", func(t *testing.T) {
		_, err := seeded().SaveDirect("alice", "bob", " \n ")
		assert.ErrorIs(t, err, ErrEmptyContent)
	})

	t.Run("timestamps are strictly increasing", func(t *testing.T) {
		s := seeded()
		fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return fixed }

		a, _ := s.SaveDirect("alice", "bob", "1")
		b, _ := s.SaveDirect("bob", "alice", "2")
		assert.True(t, b.CreatedAt.After(a.CreatedAt))
	})

	t.Run("history holds both directions only", func(t *testing.T) {
		s := seeded()
		s.SaveDirect("alice", "bob", "1")
		s.SaveDirect("bob", "alice", "2")
		s.SaveDirect("alice", "carol", "3")

		msgs := s.Direct("bob", "alice")
		require.Len(t, msgs, 2)
		assert.Equal(t, "1", msgs[0].Content)
		assert.Equal(t, "2", msgs[1].Content)
		assert.Empty(t, s.Direct("bob", "carol"))
	})

	t.Run("conversations, unread and mark read", func(t *testing.T) {
		s := seeded()
		s.SaveDirect("alice", "bob", "1")
		s.SaveDirect("alice", "bob", "2")
		s.SaveDirect("carol", "bob", "3")

		rows := s.Conversations("bob")
		require.Len(t, rows, 2)
		assert.Equal(t, "carol", rows[0].UserID)
		assert.Equal(t, 1, rows[0].UnreadCount)
		assert.Equal(t, "alice", rows[1].UserID)
		assert.Equal(t, 2, rows[1].UnreadCount)
		assert.Equal(t, "2", rows[1].LastMessageContent)

		u := s.Unread("bob")
		assert.Equal(t, 3, u.UnreadCount)
		assert.Equal(t, []SenderCount{{SenderID: "alice", Count: 2}, {SenderID: "carol", Count: 1}}, u.UnreadBySender)

		assert.Equal(t, 2, s.MarkRead("bob", "alice"))
		assert.Equal(t, 0, s.MarkRead("bob", "alice"))
		assert.Equal(t, 1, s.Unread("bob").UnreadCount)

		// the sender side never has unread
		for _, row := range s.Conversations("alice") {
			assert.Zero(t, row.UnreadCount)
		}
	})

	t.Run("unknown users get a bare profile", func(t *testing.T) {
		s := seeded()
		_, err := s.SaveDirect("alice", "zed", "hello")
		require.NoError(t, err)
		rows := s.Conversations("alice")
		require.Len(t, rows, 1)
		assert.Equal(t, "zed", rows[0].User.ID)
	})
}

func TestStoreTeam(t *testing.T) {
	t.Run("creator counts as a member", func(t *testing.T) {
		members, err := seeded().Members("launch")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, members)
	})

	t.Run("members post and outsiders cannot", func(t *testing.T) {
		s := seeded()
		m, err := s.SaveTeam("bob", "launch", "status?")
		require.NoError(t, err)
		assert.Equal(t, "Bob Tran", m.User.Name)

		_, err = s.SaveTeam("dave", "launch", "hi")
		assert.ErrorIs(t, err, ErrNotMember)
		_, err = s.SaveTeam("bob", "nope", "hi")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.SaveTeam("bob", "launch", "")
		assert.ErrorIs(t, err, ErrEmptyContent)

		msgs, err := s.TeamMessages("launch")
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("projects sort by latest message", func(t *testing.T) {
		s := seeded()
		s.PutProject(Project{ID: "infra", Name: "Infra", CreatorID: "bob", Members: []string{"alice"}})

		rows := s.Projects("alice")
		require.Len(t, rows, 2)
		assert.Equal(t, "infra", rows[0].ProjectID, "ties break on project id")

		_, err := s.SaveTeam("carol", "launch", "ship")
		require.NoError(t, err)
		rows = s.Projects("alice")
		assert.Equal(t, "launch", rows[0].ProjectID)
		assert.Equal(t, "ship", rows[0].LastMessageContent)
		assert.Equal(t, "carol", rows[0].LastMessageSender.ID)
		assert.Equal(t, 3, rows[0].MemberCount)

		assert.Len(t, s.Projects("carol"), 1)
		assert.Empty(t, s.Projects("zed"))
	})
}
