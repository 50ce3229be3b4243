// Package nexus is the real-time messaging core of the Nexus collaboration
// client: one shared WebSocket channel, per-conversation message state with
// optimistic sends, a polling fallback, typing indicators and the
// conversation list.
//
// Example:
//
//	client := nexus.NewClient(nexus.WithBaseURL("http://localhost:8080"), nexus.WithUserID("u1"))
//	session := nexus.NewSession(client, nexus.SessionConfig{Channel: nexus.ChannelConfig{URL: "ws://localhost:8080/ws"}})
//	session.SetIdentity(ctx, nexus.Identity{Status: nexus.Authenticated, UserID: "u1"})
//	session.OpenConversation(ctx, nexus.DirectKey("u2"))
//	session.Send(ctx, "hello")
package nexus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the messaging REST endpoints on behalf of one user.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu     sync.RWMutex
	token  string
	userID string
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithUserID(userID string) ClientOption {
	return func(c *Client) { c.userID = userID }
}

// NewClient creates a REST client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetIdentity updates the user id and bearer token sent with every request.
func (c *Client) SetIdentity(userID, token string) {
	c.mu.Lock()
	c.userID = userID
	c.token = token
	c.mu.Unlock()
}

// UserID returns the user the client acts as.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// BaseURL returns the REST endpoint root.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, headers map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token, userID := c.token, c.userID
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if userID != "" {
		req.Header.Set("x-user-id", userID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Direct messages
// ============================================================================

// Conversations lists the direct conversations of the current user.
func (c *Client) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/messages/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]directSummaryWire](data)
	if err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, 0, len(*rows))
	for _, r := range *rows {
		out = append(out, r.toSummary())
	}
	return out, nil
}

// DirectMessages returns the history with otherUserID, oldest first.
func (c *Client) DirectMessages(ctx context.Context, otherUserID string) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/messages/direct", nil,
		map[string]string{"x-other-user-id": otherUserID})
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	for i := range *msgs {
		(*msgs)[i].Status = StatusSent
	}
	return *msgs, nil
}

// SendDirect persists a direct message and returns the stored record.
func (c *Client) SendDirect(ctx context.Context, receiverID, content string) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/messages/send", SendMessageCommand{
		SenderID:   c.UserID(),
		ReceiverID: receiverID,
		Content:    content,
	}, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return nil, err
	}
	msg.Status = StatusSent
	return msg, nil
}

// MarkDirectRead marks every message from otherUserID as read.
func (c *Client) MarkDirectRead(ctx context.Context, otherUserID string) error {
	_, err := c.doRequest(ctx, http.MethodPatch, "/api/messages/mark-read", nil,
		map[string]string{"x-other-user-id": otherUserID})
	return err
}

// Unread returns the unread counters of the current user.
func (c *Client) Unread(ctx context.Context) (*UnreadSummary, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/messages/unread", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UnreadSummary](data)
}

// ============================================================================
// Team messages
// ============================================================================

// TeamConversations lists the project chats of the current user.
func (c *Client) TeamConversations(ctx context.Context) ([]ConversationSummary, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/team-messages/projects/"+url.PathEscape(c.UserID()), nil, nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]teamSummaryWire](data)
	if err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, 0, len(*rows))
	for _, r := range *rows {
		out = append(out, r.toSummary())
	}
	return out, nil
}

// TeamMessages returns the history of a project chat, oldest first.
func (c *Client) TeamMessages(ctx context.Context, projectID string) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/team-messages/project/"+url.PathEscape(projectID), nil, nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]teamWireMessage](data)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(*rows))
	for _, r := range *rows {
		out = append(out, r.toMessage())
	}
	return out, nil
}

// SendTeam persists a message to a project chat.
func (c *Client) SendTeam(ctx context.Context, projectID, content string) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/team-messages/send", SendTeamMessageCommand{
		UserID:    c.UserID(),
		ProjectID: projectID,
		Content:   content,
	}, nil)
	if err != nil {
		return nil, err
	}
	w, err := decodeJSON[teamWireMessage](data)
	if err != nil {
		return nil, err
	}
	msg := w.toMessage()
	return &msg, nil
}

// ============================================================================
// Key-generic adapters
// ============================================================================

// History fetches the authoritative history of key.
func (c *Client) History(ctx context.Context, key ConversationKey) ([]Message, error) {
	switch key.Kind {
	case KindDirect:
		return c.DirectMessages(ctx, key.UserID)
	case KindTeam:
		return c.TeamMessages(ctx, key.ProjectID)
	}
	return nil, ErrInvalidKey
}

// Send persists content to key over REST.
func (c *Client) Send(ctx context.Context, key ConversationKey, content string) (*Message, error) {
	switch key.Kind {
	case KindDirect:
		return c.SendDirect(ctx, key.UserID, content)
	case KindTeam:
		return c.SendTeam(ctx, key.ProjectID, content)
	}
	return nil, ErrInvalidKey
}

// MarkRead marks key read. Team chats have no read receipts.
func (c *Client) MarkRead(ctx context.Context, key ConversationKey) error {
	switch key.Kind {
	case KindDirect:
		return c.MarkDirectRead(ctx, key.UserID)
	case KindTeam:
		return nil
	}
	return ErrInvalidKey
}
