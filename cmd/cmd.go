// Package cmd assembles the core's components into one running process:
// load config, build the dependency graph leaves-first, start
// background workers, serve, shut down gracefully on signal.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"slopestream-core/internal/auth"
	"slopestream-core/internal/backplane"
	"slopestream-core/internal/chat"
	"slopestream-core/internal/config"
	"slopestream-core/internal/gateway"
	"slopestream-core/internal/hot"
	"slopestream-core/internal/jobqueue"
	"slopestream-core/internal/location"
	"slopestream-core/internal/registry"
	"slopestream-core/internal/warm"
)

const version = "0.1.0"

var processStarted = time.Now()

// Run loads configuration, wires every component leaves-first, and
// serves until SIGINT/SIGTERM.
func Run() {
	cfg, err := config.Load(configPath())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setupLogger(cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hotClient := hot.New(cfg.Hot.Endpoint, cfg.Hot.Password, cfg.Hot.DB, time.Duration(cfg.Timeouts.HotTimeoutMs)*time.Millisecond)
	if err := hotClient.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to HOT")
	}
	defer hotClient.Close()
	log.Info().Msg("HOT connection established")

	warmPool, err := warm.NewPool(ctx, cfg.Database.DSN(), time.Duration(cfg.Timeouts.WarmTimeoutMs)*time.Millisecond)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to WARM")
	}
	defer warmPool.Close()
	log.Info().Msg("WARM connection established")

	sessions := warm.NewSessionRepository(warmPool)
	pings := warm.NewPingRepository(warmPool)
	messages := warm.NewMessageRepository(warmPool)
	social := warm.NewSocialRepository(warmPool)

	bp := backplane.New(hotClient)
	reg := registry.New(hotClient, bp)
	jobs := jobqueue.New(hotClient.Raw(), "slopestream-core")

	locEngine := location.New(sessions, social, hotClient, reg, bp, jobs, location.Config{
		ThrottleInterval:      time.Duration(cfg.Throttle.PingThrottleMs) * time.Millisecond,
		ProximityRadiusMeters: float64(cfg.Throttle.ProximityRadiusMeters),
		PresenceTTL:           time.Duration(cfg.Throttle.PresenceTtlSeconds) * time.Second,
	})
	reg.SetPresenceCleaner(locEngine)

	chatEngine := chat.New(messages, social, hotClient, reg, bp, jobs, chat.Config{
		HistoryCacheSize: cfg.Chat.CacheSize,
		HistoryCacheTTL:  time.Duration(cfg.Chat.CacheTtlSecond) * time.Second,
		TypingTTL:        time.Duration(cfg.Chat.TypingTtlSecs) * time.Second,
	})

	verifier := auth.NewJWTVerifier(cfg.JWT.Secret)
	gw := gateway.New(verifier, reg, locEngine, chatEngine)
	bp.SetDispatcher(gw)

	persister := location.NewPersister(pings, sessions, jobs, location.PersisterConfig{
		BatchSize:     cfg.Throttle.BatchSize,
		FlushInterval: time.Duration(cfg.Throttle.BatchFlushMs) * time.Millisecond,
	})
	go func() {
		if err := persister.Run(ctx, "ping-persister-1"); err != nil {
			log.Error().Err(err).Msg("ping persister stopped")
		}
	}()

	presenceTTL := time.Duration(cfg.Throttle.PresenceTtlSeconds) * time.Second
	reapInterval := presenceTTL / 5
	if reapInterval < 10*time.Second {
		reapInterval = 10 * time.Second
	}
	reaper := location.NewPresenceReaper(hotClient, reapInterval)
	go reaper.Run(ctx)

	pushWorker, err := chat.NewPushWorker(cfg.Push.CertFile, chat.PushConfig{
		Enabled:     cfg.Push.Enabled,
		Topic:       cfg.Push.Topic,
		Development: cfg.Push.Development,
	}, chat.SocialDeviceTokens{Social: social}, jobs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build push worker")
	}
	go func() {
		if err := pushWorker.Run(ctx, "chat-push-1"); err != nil {
			log.Error().Err(err).Msg("chat push worker stopped")
		}
	}()

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/ws", gw.HandleWebSocket)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived.
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"uptime":  time.Since(processStarted).String(),
		"version": version,
	})
}

func configPath() string {
	if v := os.Getenv("SLOPESTREAM_CONFIG"); v != "" {
		return v
	}
	return "config.yaml"
}

// setupLogger configures zerolog's global logger and level.
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
