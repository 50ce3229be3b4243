package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

func bearerToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.config.AllowedOrigins {
		if strings.EqualFold(strings.TrimSpace(o), origin) {
			return true
		}
	}
	return false
}

type sendMessageCmd struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

type sendTeamMessageCmd struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	Content   string `json:"content"`
}

type typingCmd struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

type markReadCmd struct {
	UserID      string `json:"userId"`
	OtherUserID string `json:"otherUserId"`
}

type teamRoomCmd struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
}

// handleWS upgrades the connection, waits for the authenticate frame and
// then dispatches commands until the socket closes.
//
//   - send_message      -> store, echo new_message to both, conversation_update to both
//   - send_team_message -> store, new_team_message and team_conversation_update to members
//   - typing            -> user_typing to the receiver
//   - mark_read         -> mark stored messages read, messages_read to the other user
//   - join/leave_team_chat -> room bookkeeping
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	subject, err := s.tokens.Subject(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	p := &peer{conn: conn, rooms: make(map[string]struct{})}
	if err := p.send("welcome", map[string]string{"message": "Connected to relay"}); err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.config.AuthTimeout))
	userID, ok := s.awaitAuthenticate(conn)
	if !ok || userID != subject {
		s.logger.Info("authenticate rejected", "subject", subject, "user_id", userID)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(writeWait))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	p.userID = userID
	s.hub.Register(p)
	defer s.hub.Unregister(p)
	s.logger.Info("peer authenticated", "user_id", userID)

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("peer dropped", "user_id", userID, "error", err)
			}
			return
		}
		s.dispatch(p, env)
	}
}

func (s *Server) awaitAuthenticate(conn *websocket.Conn) (string, bool) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return "", false
		}
		if env.Type != "authenticate" {
			continue
		}
		var userID string
		if err := json.Unmarshal(env.Payload, &userID); err != nil || userID == "" {
			return "", false
		}
		return userID, true
	}
}

func (s *Server) dispatch(p *peer, env envelope) {
	log := s.logger.With("user_id", p.userID, "event", env.Type)

	switch env.Type {
	case "send_message":
		var cmd sendMessageCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil || cmd.ReceiverID == "" {
			log.Debug("missing data in send_message")
			return
		}
		m, err := s.store.SaveDirect(p.userID, cmd.ReceiverID, cmd.Content)
		if err != nil {
			log.Debug("send_message rejected", "error", err)
			return
		}
		s.deliverDirect(m)

	case "send_team_message":
		var cmd sendTeamMessageCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil || cmd.ProjectID == "" {
			log.Debug("missing data in send_team_message")
			return
		}
		m, err := s.store.SaveTeam(p.userID, cmd.ProjectID, cmd.Content)
		if err != nil {
			log.Debug("send_team_message rejected", "error", err)
			return
		}
		s.deliverTeam(m)

	case "typing":
		var cmd typingCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil || cmd.ReceiverID == "" {
			log.Debug("missing data in typing")
			return
		}
		s.hub.SendToUser(cmd.ReceiverID, "user_typing", map[string]any{
			"userId":   p.userID,
			"isTyping": cmd.IsTyping,
		})

	case "mark_read":
		var cmd markReadCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil || cmd.OtherUserID == "" {
			log.Debug("missing data in mark_read")
			return
		}
		s.store.MarkRead(p.userID, cmd.OtherUserID)
		s.deliverRead(p.userID, cmd.OtherUserID)

	case "join_team_chat", "leave_team_chat":
		var cmd teamRoomCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil || cmd.ProjectID == "" {
			log.Debug("missing data in room command")
			return
		}
		if env.Type == "join_team_chat" {
			s.hub.Join(p, cmd.ProjectID)
		} else {
			s.hub.Leave(p, cmd.ProjectID)
		}

	default:
		log.Debug("ignoring unknown event")
	}
}
