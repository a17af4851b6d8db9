package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"whisp/internal/auth"
	"whisp/internal/delivery"
	"whisp/internal/media"
	"whisp/internal/models"
	"whisp/internal/push"
	"whisp/internal/ws"

	"github.com/samber/lo"
)

const tokenCookie = "jwt"

type UserDirectory interface {
	ListUsers() ([]models.User, error)
}

type Config struct {
	Auth     *auth.AuthService
	Users    UserDirectory
	Messages *delivery.Coordinator
	Media    *media.LocalStore
	Push     *push.Pusher
	Log      *slog.Logger
	// BaseURL decides whether session cookies are marked Secure.
	BaseURL string
}

type API struct {
	auth     *auth.AuthService
	users    UserDirectory
	messages *delivery.Coordinator
	media    *media.LocalStore
	push     *push.Pusher
	log      *slog.Logger
	secure   bool
}

func New(config Config) *API {
	secure := false
	if u, err := url.Parse(config.BaseURL); err == nil && u.Scheme == "https" {
		secure = true
	}
	return &API{
		auth:     config.Auth,
		users:    config.Users,
		messages: config.Messages,
		media:    config.Media,
		push:     config.Push,
		log:      config.Log,
		secure:   secure,
	}
}

func (a *API) setSession(w http.ResponseWriter, userID string) error {
	token, expiresAt, err := a.auth.Issue(userID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
		Expires:  expiresAt,
	})
	w.Header().Set("X-Auth-Token", token)
	return nil
}

func (a *API) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}

	user, err := a.auth.Signup(req)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	if err := a.setSession(w, user.ID); err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, a.log, http.StatusCreated, user)
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}

	user, err := a.auth.Login(req)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	if err := a.setSession(w, user.ID); err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, user)
}

func (a *API) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if token := ws.TokenFromRequest(r); token != "" {
		if err := a.auth.Revoke(token); err != nil {
			a.log.Debug("logout with invalid token", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    "",
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
		MaxAge:   -1,
	})
	writeJSON(w, a.log, http.StatusOK, models.APIResponse{Success: true, Message: "Logged out successfully"})
}

func (a *API) CheckAuthHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.auth.User(UserID(r.Context()))
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, user)
}

type updateProfileRequest struct {
	ProfilePic string `json:"profilePic"`
}

func (a *API) UpdateProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}

	userID := UserID(r.Context())
	if req.ProfilePic == "" {
		writeError(w, a.log, fmt.Errorf("%w: profile pic is required", models.ErrValidation))
		return
	}
	picURL, err := a.media.Upload(r.Context(), userID, req.ProfilePic)
	if err != nil {
		writeError(w, a.log, err)
		return
	}

	user, err := a.auth.UpdateProfile(userID, picURL)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, user)
}

// UsersHandler lists everyone except the caller for the sidebar.
func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.users.ListUsers()
	if err != nil {
		writeError(w, a.log, err)
		return
	}

	me := UserID(r.Context())
	writeJSON(w, a.log, http.StatusOK, lo.Filter(users, func(u models.User, _ int) bool {
		return u.ID != me
	}))
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	messages, err := a.messages.History(r.Context(), UserID(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, messages)
}

type sendMessageRequest struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, err)
		return
	}

	msg, err := a.messages.Send(r.Context(), delivery.SendRequest{
		SenderID:   UserID(r.Context()),
		ReceiverID: r.PathValue("id"),
		Text:       req.Text,
		Image:      req.Image,
	})
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, a.log, http.StatusCreated, msg)
}

type markSeenResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

func (a *API) MarkSeenHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.messages.MarkSeen(r.Context(), UserID(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, a.log, http.StatusOK, markSeenResponse{Success: true, Count: n})
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.log, http.StatusOK, map[string]string{"publicKey": a.push.PublicKey()})
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var sub models.PushSubscription
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, a.log, err)
		return
	}
	if err := a.push.Subscribe(UserID(r.Context()), sub); err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, a.log, http.StatusCreated, models.APIResponse{Success: true})
}

func (a *API) GetImageHandler(w http.ResponseWriter, r *http.Request) {
	file, meta, err := a.media.Open(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		a.log.Error("failed to open image", "id", r.PathValue("id"), "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	// Content addressed, so the bytes behind an id never change.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, file); err != nil {
		a.log.Debug("image copy interrupted", "error", err)
	}
}

// RequireAuth rejects requests without a valid session and stores the
// caller's ID in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.Verify(ws.TokenFromRequest(r))
		if err != nil {
			writeError(w, a.log, err)
			return
		}
		next(w, r.WithContext(withUserID(r.Context(), userID)))
	}
}

// RequireSameOrigin rejects cross-site state-changing requests.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}
