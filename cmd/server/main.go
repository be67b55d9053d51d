package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/lumenchat/lumen-server/internal/auth"
	"github.com/lumenchat/lumen-server/internal/config"
	"github.com/lumenchat/lumen-server/internal/server"
	"github.com/lumenchat/lumen-server/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	var logger zerolog.Logger
	if cfg.DevelopmentMode {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	if cfg.JWTSecret == "" {
		logger.Fatal().Msg("JWT_SECRET must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pg, err := store.Open(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer pg.Close()
	logger.Info().Msg("connected to database")

	verifier := auth.NewVerifier(cfg.JWTSecret, pg)

	hub := server.NewHub(pg, logger.With().Str("component", "hub").Logger())
	go hub.Run()

	relay := server.NewRelay(pg, hub.Broadcaster(), cfg.MaxContentLength,
		logger.With().Str("component", "relay").Logger())

	handler := server.NewHandler(hub, relay, verifier, pg, cfg, logger)
	router := server.NewRouter(handler, cfg.AllowedOrigins, logger)
	httpServer := server.CreateServer(cfg.Port, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
		}
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
		logger.Warn().Err(err).Msg("forcing shutdown")
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn().Err(err).Msg("hub shutdown incomplete")
	}
}
