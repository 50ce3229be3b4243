package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type ctxKey struct{}

func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "x-user-id", "x-other-user-id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/messages", func(r chi.Router) {
			r.Get("/conversations", s.handleConversations)
			r.Get("/direct", s.handleDirect)
			r.Post("/send", s.handleSendDirect)
			r.Patch("/mark-read", s.handleMarkRead)
			r.Get("/unread", s.handleUnread)
		})

		r.Route("/team-messages", func(r chi.Router) {
			r.Get("/projects/{userId}", s.handleProjects)
			r.Get("/project/{projectId}", s.handleTeamMessages)
			r.Post("/send", s.handleSendTeam)
		})
	})

	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware requires a valid bearer token whose subject matches the
// x-user-id header.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("x-user-id")
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		sub, err := s.tokens.Subject(bearerToken(r))
		if err != nil || sub != userID {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

// ── Direct messages ───────────────────────────────────────

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Conversations(userFrom(r.Context())))
}

func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	other := r.Header.Get("x-other-user-id")
	if other == "" {
		writeError(w, http.StatusBadRequest, "Other user ID is required")
		return
	}
	writeJSON(w, http.StatusOK, s.store.Direct(userFrom(r.Context()), other))
}

func (s *Server) handleSendDirect(w http.ResponseWriter, r *http.Request) {
	var body sendMessageCmd
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ReceiverID == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	userID := userFrom(r.Context())
	if body.SenderID != "" && body.SenderID != userID {
		writeError(w, http.StatusForbidden, "Sender does not match the authenticated user")
		return
	}
	m, err := s.store.SaveDirect(userID, body.ReceiverID, body.Content)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.deliverDirect(m)
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	other := r.Header.Get("x-other-user-id")
	if other == "" {
		writeError(w, http.StatusBadRequest, "Other user ID is required")
		return
	}
	userID := userFrom(r.Context())
	n := s.store.MarkRead(userID, other)
	if n > 0 {
		s.deliverRead(userID, other)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": n})
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Unread(userFrom(r.Context())))
}

// ── Team messages ─────────────────────────────────────────

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "userId") != userFrom(r.Context()) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}
	writeJSON(w, http.StatusOK, s.store.Projects(userFrom(r.Context())))
}

func (s *Server) handleTeamMessages(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	members, err := s.store.Members(projectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !contains(members, userFrom(r.Context())) {
		writeStoreError(w, ErrNotMember)
		return
	}
	msgs, err := s.store.TeamMessages(projectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSendTeam(w http.ResponseWriter, r *http.Request) {
	var body sendTeamMessageCmd
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	m, err := s.store.SaveTeam(userFrom(r.Context()), body.ProjectID, body.Content)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.deliverTeam(m)
	writeJSON(w, http.StatusCreated, m)
}

// ── Helpers ───────────────────────────────────────────────

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEmptyContent):
		writeError(w, http.StatusBadRequest, "Message content cannot be empty")
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, ErrNotMember):
		writeError(w, http.StatusForbidden, "You are not a member of this project")
	default:
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
