package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mentorchat/internal/api"
	"mentorchat/internal/auth"
	"mentorchat/internal/chat"
	"mentorchat/internal/config"
	"mentorchat/internal/db"
	"mentorchat/internal/fanout"
	"mentorchat/internal/metrics"
	"mentorchat/internal/websocket"
)

func main() {
	isLoadTest := flag.Bool("loadtest", false, "Run server with load testing configuration")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger().With("component", "server")
	logger.Info("starting")

	// Load tests get their own database next to the working directory.
	if *isLoadTest {
		cwd, err := os.Getwd()
		if err != nil {
			logger.Error("getwd_failed", "error", err)
			os.Exit(1)
		}
		loadTestDir := filepath.Join(cwd, "loadtest")
		if err := os.MkdirAll(loadTestDir, 0755); err != nil {
			logger.Error("loadtest_dir_failed", "error", err)
			os.Exit(1)
		}
		loadTestPath := filepath.Join(loadTestDir, "loadtest.db")
		cfg.UpdateDatabasePath(loadTestPath)
		logger.Info("loadtest_database", "path", loadTestPath)
	}

	if err := run(cfg, cfg.NewLogger()); err != nil {
		logger.Error("server_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(cfg *config.Config, base *slog.Logger) error {
	logger := base.With("component", "server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(cfg.CleanDatabasePath(), base.With("component", "db"))
	if err != nil {
		return err
	}
	defer database.Close()
	logger.Info("database_ready", "path", cfg.CleanDatabasePath())

	m := metrics.New(nil)
	hub := websocket.NewHub(nil, m, base.With("component", "websocket"))

	// Without Redis the hub is the publisher; with it every event goes
	// through the relay so other instances see it too.
	var publisher chat.Publisher = hub
	var relay *fanout.Relay
	if cfg.RedisURL != "" {
		rdb, err := fanout.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		relay = fanout.NewRelay(rdb, hub, base.With("component", "fanout"))
		publisher = relay
		logger.Info("fanout_enabled", "channel", fanout.DefaultChannel)
	}

	service := chat.NewService(database, publisher, chat.Options{
		DefaultPageLimit: cfg.DefaultPageLimit,
		MaxPageLimit:     cfg.MaxPageLimit,
		Limiter:          chat.NewSendLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		Metrics:          m,
		Logger:           base.With("component", "chat"),
	})
	hub.SetFrameHandler(service)

	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	relayErr := make(chan error, 1)
	if relay != nil {
		go func() { relayErr <- relay.Run(ctx) }()
		select {
		case <-relay.Ready():
		case err := <-relayErr:
			return err
		case <-ctx.Done():
			return nil
		}
	}

	handlers := api.NewHandlers(database, service, hub, auth.NewManager(cfg.JWTSecret, cfg.JWTTTL), api.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        m,
		Logger:         base.With("component", "api"),
	})

	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           handlers.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.ServerAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case err := <-relayErr:
		if err != nil {
			logger.Error("fanout_failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown_incomplete", "error", err)
	}
	stop()
	<-hubDone
	return nil
}
