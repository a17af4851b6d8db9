package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"whisp/internal/api"
	"whisp/internal/ws"
)

type APIServer struct {
	server *http.Server
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(handlers *api.API, channels *ws.Server, addr string, log *slog.Logger) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", healthHandler)

	// Auth
	mux.HandleFunc("POST /api/auth/signup", api.RequireSameOrigin(handlers.SignupHandler))
	mux.HandleFunc("POST /api/auth/login", api.RequireSameOrigin(handlers.LoginHandler))
	mux.HandleFunc("POST /api/auth/logout", api.RequireSameOrigin(handlers.LogoutHandler))
	mux.HandleFunc("GET /api/auth/check", handlers.RequireAuth(handlers.CheckAuthHandler))
	mux.HandleFunc("PUT /api/auth/update-profile", api.RequireSameOrigin(handlers.RequireAuth(handlers.UpdateProfileHandler)))

	// Messages
	mux.HandleFunc("GET /api/messages/users", handlers.RequireAuth(handlers.UsersHandler))
	mux.HandleFunc("GET /api/messages/{id}", handlers.RequireAuth(handlers.HistoryHandler))
	mux.HandleFunc("POST /api/messages/send/{id}", api.RequireSameOrigin(handlers.RequireAuth(handlers.SendMessageHandler)))
	mux.HandleFunc("POST /api/messages/seen/{id}", api.RequireSameOrigin(handlers.RequireAuth(handlers.MarkSeenHandler)))

	// Push
	mux.HandleFunc("GET /api/push/key", handlers.PushKeyHandler)
	mux.HandleFunc("POST /api/push/subscribe", api.RequireSameOrigin(handlers.RequireAuth(handlers.PushSubscribeHandler)))

	mux.HandleFunc("GET /api/images/{id}", handlers.GetImageHandler)

	// WebSocket endpoint
	mux.HandleFunc("GET /api/ws", channels.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

func (s *APIServer) Start() error {
	s.log.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler exposes the routes for tests.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}
