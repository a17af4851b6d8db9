package api

import (
	"log/slog"
	"net/http"

	"whisp/internal/auth"
	"whisp/internal/models"
)

// OnlineLister reports which users hold a live channel.
type OnlineLister interface {
	Online() []string
}

type AdminHandler struct {
	authService *auth.AuthService
	presence    OnlineLister
	log         *slog.Logger
}

func NewAdminHandler(authService *auth.AuthService, presence OnlineLister, log *slog.Logger) *AdminHandler {
	return &AdminHandler{authService: authService, presence: presence, log: log}
}

type AddUserResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	User    *models.User `json:"user,omitempty"`
}

type PresenceResponse struct {
	UserIDs []string `json:"userIds"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	user, err := h.authService.Signup(req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info("user added by admin", "user_id", user.ID)
	writeJSON(w, h.log, http.StatusCreated, AddUserResponse{Success: true, User: &user})
}

func (h *AdminHandler) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	ids := h.presence.Online()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, h.log, http.StatusOK, PresenceResponse{UserIDs: ids})
}
