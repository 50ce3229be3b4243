package relay

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNotMember    = errors.New("user is not a member of this project")
	ErrEmptyContent = errors.New("content is required")
)

// User is the public profile embedded in messages and summaries.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Image string `json:"image,omitempty"`
}

// Project is a team chat: the creator and the members may post.
type Project struct {
	ID          string
	Name        string
	Description string
	Image       string
	CreatorID   string
	Members     []string
}

func (p *Project) memberIDs() []string {
	ids := append([]string(nil), p.Members...)
	for _, id := range ids {
		if id == p.CreatorID {
			return ids
		}
	}
	return append(ids, p.CreatorID)
}

func (p *Project) isMember(userID string) bool {
	for _, id := range p.memberIDs() {
		if id == userID {
			return true
		}
	}
	return false
}

type DirectMessage struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	CreatedAt  time.Time `json:"createdAt"`
	Read       bool      `json:"read"`
	Sender     *User     `json:"sender,omitempty"`
}

type TeamMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	UserID    string    `json:"userId"`
	ProjectID string    `json:"projectId"`
	CreatedAt time.Time `json:"createdAt"`
	User      *User     `json:"user,omitempty"`
}

// DirectSummary is one row of GET /api/messages/conversations.
type DirectSummary struct {
	UserID             string    `json:"userId"`
	User               *User     `json:"user"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	LastMessageContent string    `json:"lastMessageContent"`
	UnreadCount        int       `json:"unreadCount"`
}

// TeamSummary is one row of GET /api/team-messages/projects/{userId}.
type TeamSummary struct {
	ProjectID          string    `json:"projectId"`
	Name               string    `json:"name"`
	Description        string    `json:"description"`
	Image              string    `json:"image,omitempty"`
	MemberCount        int       `json:"memberCount"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	LastMessageContent string    `json:"lastMessageContent"`
	LastMessageSender  *User     `json:"lastMessageSender,omitempty"`
	UnreadCount        int       `json:"unreadCount"`
}

type SenderCount struct {
	SenderID string `json:"senderId"`
	Count    int    `json:"count"`
}

type UnreadCounts struct {
	UnreadCount    int           `json:"unreadCount"`
	UnreadBySender []SenderCount `json:"unreadBySender"`
}

// Store is the in-memory message database of the relay.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*User
	projects map[string]*Project
	direct   []*DirectMessage
	team     map[string][]*TeamMessage
	now      func() time.Time
	last     time.Time
}

func NewStore() *Store {
	return &Store{
		users:    make(map[string]*User),
		projects: make(map[string]*Project),
		team:     make(map[string][]*TeamMessage),
		now:      time.Now,
	}
}

// PutUser creates or replaces a profile.
func (s *Store) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

// PutProject creates or replaces a project.
func (s *Store) PutProject(p Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = &p
}

// Members returns everyone who receives the messages of projectID.
func (s *Store) Members(projectID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.memberIDs(), nil
}

// profileLocked returns a copy of the profile, creating a bare one for
// unknown ids.
func (s *Store) profileLocked(id string) *User {
	u, ok := s.users[id]
	if !ok {
		u = &User{ID: id}
		s.users[id] = u
	}
	cp := *u
	return &cp
}

// stampLocked returns a strictly increasing timestamp so stored order and
// time order agree.
func (s *Store) stampLocked() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// SaveDirect stores a direct message.
func (s *Store) SaveDirect(senderID, receiverID, content string) (DirectMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return DirectMessage{}, ErrEmptyContent
	}
	if senderID == "" || receiverID == "" {
		return DirectMessage{}, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m := &DirectMessage{
		ID:         uuid.NewString(),
		Content:    content,
		SenderID:   senderID,
		ReceiverID: receiverID,
		CreatedAt:  s.stampLocked(),
		Sender:     s.profileLocked(senderID),
	}
	s.profileLocked(receiverID)
	s.direct = append(s.direct, m)
	return *m, nil
}

// Direct returns the history between a and b, oldest first.
func (s *Store) Direct(a, b string) []DirectMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []DirectMessage{}
	for _, m := range s.direct {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, *m)
		}
	}
	return out
}

// MarkRead marks every message from otherID to readerID as read and returns
// how many changed.
func (s *Store) MarkRead(readerID, otherID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.direct {
		if m.SenderID == otherID && m.ReceiverID == readerID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n
}

// Conversations lists the direct conversations of userID, newest first.
func (s *Store) Conversations(userID string) []DirectSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPeer := make(map[string]*DirectSummary)
	for _, m := range s.direct {
		var peer string
		switch userID {
		case m.SenderID:
			peer = m.ReceiverID
		case m.ReceiverID:
			peer = m.SenderID
		default:
			continue
		}
		row, ok := byPeer[peer]
		if !ok {
			u := *s.users[peer]
			row = &DirectSummary{UserID: peer, User: &u}
			byPeer[peer] = row
		}
		row.LastMessageAt = m.CreatedAt
		row.LastMessageContent = m.Content
		if m.ReceiverID == userID && !m.Read {
			row.UnreadCount++
		}
	}

	out := make([]DirectSummary, 0, len(byPeer))
	for _, row := range byPeer {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out
}

// Unread counts unread direct messages addressed to userID.
func (s *Store) Unread(userID string) UnreadCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	var order []string
	res := UnreadCounts{UnreadBySender: []SenderCount{}}
	for _, m := range s.direct {
		if m.ReceiverID != userID || m.Read {
			continue
		}
		if counts[m.SenderID] == 0 {
			order = append(order, m.SenderID)
		}
		counts[m.SenderID]++
		res.UnreadCount++
	}
	for _, id := range order {
		res.UnreadBySender = append(res.UnreadBySender, SenderCount{SenderID: id, Count: counts[id]})
	}
	return res
}

// SaveTeam stores a team message from a project member.
func (s *Store) SaveTeam(userID, projectID, content string) (TeamMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return TeamMessage{}, ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return TeamMessage{}, ErrNotFound
	}
	if !p.isMember(userID) {
		return TeamMessage{}, ErrNotMember
	}
	m := &TeamMessage{
		ID:        uuid.NewString(),
		Content:   content,
		UserID:    userID,
		ProjectID: projectID,
		CreatedAt: s.stampLocked(),
		User:      s.profileLocked(userID),
	}
	s.team[projectID] = append(s.team[projectID], m)
	return *m, nil
}

// TeamMessages returns the history of projectID, oldest first.
func (s *Store) TeamMessages(projectID string) ([]TeamMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.projects[projectID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]TeamMessage, 0, len(s.team[projectID]))
	for _, m := range s.team[projectID] {
		out = append(out, *m)
	}
	return out, nil
}

// Projects lists the team chats userID belongs to, newest first. Projects
// without messages sort last.
func (s *Store) Projects(userID string) []TeamSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []TeamSummary{}
	for _, p := range s.projects {
		if !p.isMember(userID) {
			continue
		}
		row := TeamSummary{
			ProjectID:   p.ID,
			Name:        p.Name,
			Description: p.Description,
			Image:       p.Image,
			MemberCount: len(p.memberIDs()),
		}
		if msgs := s.team[p.ID]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			row.LastMessageAt = last.CreatedAt
			row.LastMessageContent = last.Content
			row.LastMessageSender = last.User
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Seed loads a small demo data set.
func (s *Store) Seed() {
	s.PutUser(User{ID: "alice", Name: "Alice Nguyen", Email: "alice@example.com"})
	s.PutUser(User{ID: "bob", Name: "Bob Tran", Email: "bob@example.com"})
	s.PutUser(User{ID: "carol", Name: "Carol Le", Email: "carol@example.com"})
	s.PutProject(Project{
		ID:          "launch",
		Name:        "Launch",
		Description: "Release planning",
		CreatorID:   "alice",
		Members:     []string{"bob", "carol"},
	})
}
