// Package relay is an in-memory reference server for the messaging wire
// contract: the REST endpoints plus the WebSocket event channel. The CLI
// runs it for local development and the client tests run against it.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Config configures a Server.
type Config struct {
	JWTSecret string
	TokenTTL  time.Duration
	// AllowedOrigins restricts browser origins; empty allows all.
	AllowedOrigins []string
	// AuthTimeout bounds the wait for the authenticate frame.
	AuthTimeout time.Duration
	Logger      *slog.Logger
}

// Server wires the store, the hub and the HTTP surface together.
type Server struct {
	config Config
	store  *Store
	hub    *Hub
	tokens *TokenService
	logger *slog.Logger
	router http.Handler
}

// New creates a server over store.
func New(store *Store, config Config) *Server {
	if config.TokenTTL == 0 {
		config.TokenTTL = 24 * time.Hour
	}
	if config.AuthTimeout == 0 {
		config.AuthTimeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	logger := config.Logger.With("component", "relay")
	s := &Server{
		config: config,
		store:  store,
		hub:    NewHub(logger),
		tokens: NewTokenService(config.JWTSecret, config.TokenTTL),
		logger: logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }
func (s *Server) Store() *Store         { return s.store }
func (s *Server) Hub() *Hub             { return s.hub }
func (s *Server) Tokens() *TokenService { return s.tokens }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ── Fan-out ───────────────────────────────────────────────

type conversationUpdate struct {
	UserID             string    `json:"userId"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	LastMessageContent string    `json:"lastMessageContent"`
	IsUnread           bool      `json:"isUnread"`
}

type teamConversationUpdate struct {
	ProjectID          string    `json:"projectId"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	LastMessageContent string    `json:"lastMessageContent"`
	LastMessageSender  *User     `json:"lastMessageSender,omitempty"`
	IsUnread           bool      `json:"isUnread"`
}

type teamMessageEvent struct {
	Message   TeamMessage `json:"message"`
	ProjectID string      `json:"projectId"`
}

// deliverDirect echoes m to both parties and updates both conversation lists.
func (s *Server) deliverDirect(m DirectMessage) {
	s.hub.SendToUser(m.SenderID, "new_message", m)
	if m.ReceiverID != m.SenderID {
		s.hub.SendToUser(m.ReceiverID, "new_message", m)
	}
	s.hub.SendToUser(m.ReceiverID, "conversation_update", conversationUpdate{
		UserID:             m.SenderID,
		LastMessageAt:      m.CreatedAt,
		LastMessageContent: m.Content,
		IsUnread:           true,
	})
	s.hub.SendToUser(m.SenderID, "conversation_update", conversationUpdate{
		UserID:             m.ReceiverID,
		LastMessageAt:      m.CreatedAt,
		LastMessageContent: m.Content,
		IsUnread:           false,
	})
}

// deliverTeam sends m to every project member.
func (s *Server) deliverTeam(m TeamMessage) {
	members, err := s.store.Members(m.ProjectID)
	if err != nil {
		s.logger.Warn("deliver team message", "project_id", m.ProjectID, "error", err)
		return
	}
	for _, id := range members {
		s.hub.SendToUser(id, "new_team_message", teamMessageEvent{Message: m, ProjectID: m.ProjectID})
		s.hub.SendToUser(id, "team_conversation_update", teamConversationUpdate{
			ProjectID:          m.ProjectID,
			LastMessageAt:      m.CreatedAt,
			LastMessageContent: m.Content,
			LastMessageSender:  m.User,
			IsUnread:           id != m.UserID,
		})
	}
}

// deliverRead tells otherID that readerID has read their messages.
func (s *Server) deliverRead(readerID, otherID string) {
	s.hub.SendToUser(otherID, "messages_read", map[string]string{"userId": readerID})
}
