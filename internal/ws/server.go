package ws

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	tokenCookie  = "jwt"
	maxEventSize = 64 << 10
)

type TokenVerifier interface {
	Verify(token string) (string, error)
}

type Server struct {
	auth     TokenVerifier
	hub      *Hub
	upgrader *websocket.Upgrader
	timeouts Timeouts
	log      *slog.Logger
}

func NewServer(auth TokenVerifier, hub *Hub, log *slog.Logger) *Server {
	return &Server{
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		timeouts: DefaultTimeouts,
		log:      log,
	}
}

// HandleConnections upgrades an authenticated request to a live channel.
// The channel belongs to the token's user; a userId query parameter naming
// someone else is rejected.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := s.auth.Verify(TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if claimed := r.URL.Query().Get("userId"); claimed != "" && claimed != userID {
		s.log.Warn("channel identity mismatch", "user_id", userID, "claimed", claimed)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("error upgrading to websocket", "error", err)
		return
	}
	ws.SetReadLimit(maxEventSize)

	s.log.Info("channel opened", "user_id", userID)
	conn := NewConnection(s.hub, ws, userID, s.timeouts, s.log)
	if err := conn.Handle(r.Context()); err != nil {
		s.log.Debug("channel closed with error", "user_id", userID, "error", err)
	}
	s.log.Info("channel closed", "user_id", userID)
}

// TokenFromRequest finds the session token in the jwt cookie, a Bearer
// Authorization header or the token query parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(tokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
