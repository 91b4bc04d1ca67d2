package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunebeat/stream-server-go/internal/channel"
	"github.com/tunebeat/stream-server-go/internal/config"
	"github.com/tunebeat/stream-server-go/internal/database"
	"github.com/tunebeat/stream-server-go/internal/handler"
	"github.com/tunebeat/stream-server-go/internal/jobs"
	"github.com/tunebeat/stream-server-go/internal/loyalty"
	"github.com/tunebeat/stream-server-go/internal/middleware"
	"github.com/tunebeat/stream-server-go/internal/redis"
	"github.com/tunebeat/stream-server-go/internal/repository"
	"github.com/tunebeat/stream-server-go/internal/service"
	"github.com/tunebeat/stream-server-go/internal/settlement"
	"github.com/tunebeat/stream-server-go/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	listenerRepo := repository.NewListenerRepository(db.DB)
	trackRepo := repository.NewTrackRepository(db.DB)
	sessionRepo := repository.NewSessionRepository(db.DB)
	balanceRepo := repository.NewBalanceRepository(db.DB)
	historyRepo := repository.NewHistoryRepository(db.DB)
	loyaltyRepo := repository.NewLoyaltyRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	peer := buildPeer(cfg)
	executor := settlement.NewHTTPExecutor(cfg.SettlementURL)
	tracker := loyalty.NewTracker(historyRepo, loyaltyRepo, cfg.LoyaltyThreshold)

	coordinator := settlement.NewCoordinator(
		db, sessionRepo, balanceRepo, historyRepo, peer, executor, tracker,
		cfg.SettlementMaxAttempts, cfg.SettlementBackoff(), cfg.FinalizeMaxAttempts,
	)

	streamService := service.NewStreamService(
		sessionRepo, balanceRepo, trackRepo, loyaltyRepo, historyRepo,
		coordinator, peer, broker, cfg.TickPeriod(),
	)

	authMiddleware := middleware.NewAuthMiddleware(listenerRepo)
	rateLimitMiddleware := middleware.NewRedisRateLimitMiddleware(redisClient.Client)
	operatorMiddleware := middleware.NewOperatorMiddleware(cfg.OperatorPasswordHash)

	streamHandler := handler.NewStreamHandler(streamService)
	eventsHandler := handler.NewEventsHandler(streamService, broker)
	walletHandler := handler.NewWalletHandler(streamService)
	earningsHandler := handler.NewEarningsHandler(streamService)
	operatorHandler := handler.NewOperatorHandler(db, listenerRepo, balanceRepo, sessionRepo)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":          "ok",
			"active_sessions": streamService.ActiveSessions(),
			"timestamp":       time.Now().UnixMilli(),
		})
	})

	// The events endpoint holds its connection open for the whole session,
	// so the request timeout applies everywhere except there.
	timeout := chimiddleware.Timeout(config.ServerRequestTimeout)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)

		r.Route("/streams", func(r chi.Router) {
			r.With(timeout).Post("/", streamHandler.Start)
			r.With(timeout).Get("/{sessionID}", streamHandler.Get)
			r.With(timeout).Post("/{sessionID}/stop", streamHandler.Stop)
			r.With(timeout).Get("/{sessionID}/result", streamHandler.Result)
			r.Get("/{sessionID}/events", eventsHandler.Stream)
		})

		r.Group(func(r chi.Router) {
			r.Use(timeout)
			r.Mount("/wallet", walletHandler.Routes())
			r.Get("/earnings", earningsHandler.List)
		})
	})

	r.Route("/operator", func(r chi.Router) {
		r.Use(operatorMiddleware.Handler)
		r.Use(timeout)
		r.Mount("/", operatorHandler.Routes())
	})

	recoveryJob := jobs.NewRecoveryJob(
		sessionRepo, coordinator, cfg.RecoveryInterval(), cfg.RecoveryStaleAfter(),
	)
	recoveryJob.Start()
	defer recoveryJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Every running session is stopped and settled before exit; an
	// interrupted settlement is picked up by the next process's recovery pass.
	if err := streamService.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("session drain incomplete, recovery will replay")
	}

	log.Info().Msg("server stopped")
}

// buildPeer selects the channel counterparty. A failing handshake downgrades
// to the unconfigured peer rather than pretending the channel works.
func buildPeer(cfg *config.Config) channel.Peer {
	if !cfg.ChannelConfigured() {
		log.Warn().Msg("no channel peer configured, sessions run without channel acceleration")
		return channel.Unconfigured{}
	}

	peer := channel.NewHTTPPeer(cfg.ChannelPeerURL, cfg.ChannelPeerToken)

	ctx, cancel := context.WithTimeout(context.Background(), config.ChannelCallTimeout)
	defer cancel()
	if err := peer.Handshake(ctx); err != nil {
		log.Error().Err(err).Msg("channel peer handshake failed, continuing without channel")
		return channel.Unconfigured{}
	}

	return peer
}

func setLogLevel(level string) {
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
