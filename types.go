package nexus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrEmptyMessage    = errors.New("message content cannot be empty")
	ErrNoConversation  = errors.New("no conversation is open")
	ErrNotConnected    = errors.New("channel is not connected")
	ErrUnknownMessage  = errors.New("message not found in conversation")
	ErrUnauthenticated = errors.New("identity is not authenticated")
	ErrInvalidKey      = errors.New("invalid conversation key")
)

// APIError is returned by Client for non-2xx responses.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// ============================================================================
// Conversation keys
// ============================================================================

// ConversationKind discriminates direct and team conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindTeam   ConversationKind = "team"
)

// ConversationKey addresses exactly one conversation. A direct key carries
// UserID (the counterparty), a team key carries ProjectID, never both.
type ConversationKey struct {
	Kind      ConversationKind `json:"kind"`
	UserID    string           `json:"userId,omitempty"`
	ProjectID string           `json:"projectId,omitempty"`
}

// DirectKey returns the key of the 1:1 conversation with userID.
func DirectKey(userID string) ConversationKey {
	return ConversationKey{Kind: KindDirect, UserID: userID}
}

// TeamKey returns the key of the group conversation of projectID.
func TeamKey(projectID string) ConversationKey {
	return ConversationKey{Kind: KindTeam, ProjectID: projectID}
}

// ParseConversationKey accepts "user-id" or "team:project-id".
func ParseConversationKey(s string) (ConversationKey, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "team:"); ok {
		if rest == "" {
			return ConversationKey{}, ErrInvalidKey
		}
		return TeamKey(rest), nil
	}
	if s == "" {
		return ConversationKey{}, ErrInvalidKey
	}
	return DirectKey(strings.TrimPrefix(s, "direct:")), nil
}

// Valid reports whether the key names exactly one conversation.
func (k ConversationKey) Valid() bool {
	switch k.Kind {
	case KindDirect:
		return k.UserID != "" && k.ProjectID == ""
	case KindTeam:
		return k.ProjectID != "" && k.UserID == ""
	}
	return false
}

func (k ConversationKey) String() string {
	if k.Kind == KindTeam {
		return "team:" + k.ProjectID
	}
	return "direct:" + k.UserID
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the local delivery state of a message.
type MessageStatus string

const (
	StatusSent    MessageStatus = "sent"
	StatusPending MessageStatus = "pending"
	StatusFailed  MessageStatus = "failed"
)

// Participant is the public profile attached to messages and summaries.
type Participant struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Image string `json:"image,omitempty"`
}

// Message is one entry of a conversation. Direct messages carry ReceiverID,
// team messages carry ProjectID.
type Message struct {
	ID         string        `json:"id"`
	Content    string        `json:"content"`
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId,omitempty"`
	ProjectID  string        `json:"projectId,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	Read       bool          `json:"read,omitempty"`
	Sender     *Participant  `json:"sender,omitempty"`
	Status     MessageStatus `json:"-"`
}

// Key returns the conversation the message belongs to, seen from self.
func (m Message) Key(self string) ConversationKey {
	if m.ProjectID != "" {
		return TeamKey(m.ProjectID)
	}
	if m.SenderID == self {
		return DirectKey(m.ReceiverID)
	}
	return DirectKey(m.SenderID)
}

// teamWireMessage is the server representation of a team chat message.
type teamWireMessage struct {
	ID        string       `json:"id"`
	Content   string       `json:"content"`
	UserID    string       `json:"userId"`
	ProjectID string       `json:"projectId"`
	CreatedAt time.Time    `json:"createdAt"`
	User      *Participant `json:"user,omitempty"`
}

func (w teamWireMessage) toMessage() Message {
	return Message{
		ID:        w.ID,
		Content:   w.Content,
		SenderID:  w.UserID,
		ProjectID: w.ProjectID,
		CreatedAt: w.CreatedAt,
		Sender:    w.User,
		Status:    StatusSent,
	}
}

// ============================================================================
// Conversation summaries
// ============================================================================

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	Key                 ConversationKey `json:"key"`
	Name                string          `json:"name,omitempty"`
	Email               string          `json:"email,omitempty"`
	Image               string          `json:"image,omitempty"`
	Description         string          `json:"description,omitempty"`
	LastMessageAt       time.Time       `json:"lastMessageAt"`
	LastMessagePreview  string          `json:"lastMessagePreview,omitempty"`
	UnreadCount         int             `json:"unreadCount"`
	LastMessageSenderID string          `json:"lastMessageSenderId,omitempty"`
	LastMessageSender   *Participant    `json:"lastMessageSender,omitempty"`
}

// directSummaryWire is the shape of GET /api/messages/conversations rows.
type directSummaryWire struct {
	UserID             string       `json:"userId"`
	User               *Participant `json:"user"`
	LastMessageAt      time.Time    `json:"lastMessageAt"`
	LastMessageContent string       `json:"lastMessageContent"`
	UnreadCount        int          `json:"unreadCount"`
}

func (w directSummaryWire) toSummary() ConversationSummary {
	s := ConversationSummary{
		Key:                DirectKey(w.UserID),
		LastMessageAt:      w.LastMessageAt,
		LastMessagePreview: w.LastMessageContent,
		UnreadCount:        max(w.UnreadCount, 0),
	}
	if w.User != nil {
		s.Name, s.Email, s.Image = w.User.Name, w.User.Email, w.User.Image
	}
	return s
}

// teamSummaryWire is the shape of GET /api/team-messages/projects/{userId} rows.
type teamSummaryWire struct {
	ProjectID          string       `json:"projectId"`
	Name               string       `json:"name"`
	Description        string       `json:"description"`
	Image              string       `json:"image"`
	MemberCount        int          `json:"memberCount"`
	LastMessageAt      time.Time    `json:"lastMessageAt"`
	LastMessageContent string       `json:"lastMessageContent"`
	LastMessageSender  *Participant `json:"lastMessageSender"`
	UnreadCount        int          `json:"unreadCount"`
}

func (w teamSummaryWire) toSummary() ConversationSummary {
	s := ConversationSummary{
		Key:                TeamKey(w.ProjectID),
		Name:               w.Name,
		Description:        w.Description,
		Image:              w.Image,
		LastMessageAt:      w.LastMessageAt,
		LastMessagePreview: w.LastMessageContent,
		UnreadCount:        max(w.UnreadCount, 0),
		LastMessageSender:  w.LastMessageSender,
	}
	if w.LastMessageSender != nil {
		s.LastMessageSenderID = w.LastMessageSender.ID
	}
	return s
}

// UnreadSummary is the response of GET /api/messages/unread.
type UnreadSummary struct {
	UnreadCount    int `json:"unreadCount"`
	UnreadBySender []struct {
		SenderID string `json:"senderId"`
		Count    int    `json:"count"`
	} `json:"unreadBySender"`
}

// ============================================================================
// Wire envelope and event payloads
// ============================================================================

// Envelope is the wire format of every channel frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound event names.
const (
	EventWelcome                = "welcome"
	EventNewMessage             = "new_message"
	EventNewTeamMessage         = "new_team_message"
	EventUserTyping             = "user_typing"
	EventMessagesRead           = "messages_read"
	EventConversationUpdate     = "conversation_update"
	EventTeamConversationUpdate = "team_conversation_update"
)

// Outbound command names.
const (
	CmdAuthenticate    = "authenticate"
	CmdSendMessage     = "send_message"
	CmdSendTeamMessage = "send_team_message"
	CmdTyping          = "typing"
	CmdMarkRead        = "mark_read"
	CmdJoinTeamChat    = "join_team_chat"
	CmdLeaveTeamChat   = "leave_team_chat"
)

// WelcomePayload acknowledges the authenticate handshake.
type WelcomePayload struct {
	Message string `json:"message"`
}

// TeamMessagePayload wraps a team message with its project.
type TeamMessagePayload struct {
	Message   teamWireMessage `json:"message"`
	ProjectID string          `json:"projectId"`
}

// TypingPayload is the inbound typing indicator; UserID is the typist.
type TypingPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// MessagesReadPayload reports that the conversation with UserID was read.
type MessagesReadPayload struct {
	UserID string `json:"userId"`
}

// ConversationUpdatePayload is the direct conversation summary delta.
type ConversationUpdatePayload struct {
	UserID             string    `json:"userId"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	LastMessageContent string    `json:"lastMessageContent"`
	IsUnread           bool      `json:"isUnread"`
}

// TeamConversationUpdatePayload is the team conversation summary delta.
type TeamConversationUpdatePayload struct {
	ProjectID          string       `json:"projectId"`
	LastMessageAt      time.Time    `json:"lastMessageAt"`
	LastMessageContent string       `json:"lastMessageContent"`
	LastMessageSender  *Participant `json:"lastMessageSender,omitempty"`
	IsUnread           bool         `json:"isUnread"`
}

// SendMessageCommand is the payload of send_message.
type SendMessageCommand struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// SendTeamMessageCommand is the payload of send_team_message.
type SendTeamMessageCommand struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	Content   string `json:"content"`
}

// TypingCommand is the payload of the outbound typing event.
type TypingCommand struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// MarkReadCommand is the payload of mark_read.
type MarkReadCommand struct {
	UserID      string `json:"userId"`
	OtherUserID string `json:"otherUserId"`
}

// TeamRoomCommand is the payload of join_team_chat and leave_team_chat.
type TeamRoomCommand struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
}
