package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whisp/internal/api"
	"whisp/internal/auth"
	"whisp/internal/commands"
	"whisp/internal/config"
	"whisp/internal/delivery"
	"whisp/internal/http"
	"whisp/internal/media"
	"whisp/internal/presence"
	"whisp/internal/push"
	"whisp/internal/storage"
	"whisp/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("whisp", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Email of a user to create through the admin API")
	fullName := flags.String("name", "", "Full name for -add-user")
	password := flags.String("password", "", "Password for -add-user")
	online := flags.Bool("online", false, "List users with a live channel")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cliMode := *addUser != "" || *online
	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(os.Stdout, auth.SignupRequest{
			FullName: *fullName,
			Email:    *addUser,
			Password: *password,
		}, cfg)
	}
	if *online {
		return commands.Online(os.Stdout, cfg)
	}

	log := cfg.Logger(os.Stderr)
	slog.SetDefault(log)

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      cfg.AuthSecret,
		TokenExpiry: cfg.TokenExpiry,
	}, bbStorage, log.With("component", "auth"))
	if err != nil {
		return err
	}

	mediaStore, err := media.NewLocalStore(cfg.UploadsPath, cfg.BaseURL, bbStorage)
	if err != nil {
		return err
	}

	pusher := push.NewPusher(push.Config{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subject:    cfg.VAPIDSubject,
	}, bbStorage, log.With("component", "push"))
	if !pusher.Enabled() {
		log.Info("web push disabled, VAPID keys not configured")
	}

	registry := presence.NewRegistry()
	defer registry.Close()

	coordinator := delivery.New(delivery.Config{
		Store:    bbStorage,
		Users:    authService,
		Presence: registry,
		Notifier: presence.NewBroadcaster(registry, log.With("component", "notify")),
		Media:    mediaStore,
		Offline:  pusher,
		Log:      log.With("component", "delivery"),
	})

	hub := ws.NewHub(registry, coordinator, cfg.SendBuffer, log.With("component", "hub"))
	channels := ws.NewServer(authService, hub, log.With("component", "ws"))

	handlers := api.New(api.Config{
		Auth:     authService,
		Users:    bbStorage,
		Messages: coordinator,
		Media:    mediaStore,
		Push:     pusher,
		Log:      log.With("component", "api"),
		BaseURL:  cfg.BaseURL,
	})
	adminServer := http.NewAdminServer(api.NewAdminHandler(authService, hub, log.With("component", "admin")), cfg.AdminAddr, log)
	apiServer := http.NewAPIServer(handlers, channels, cfg.APIAddr, log)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down servers")

		// Shutdown does not track hijacked channel connections.
		registry.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
