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

	"github.com/turnwarden/turnwarden/internal/backup"
	"github.com/turnwarden/turnwarden/internal/config"
	"github.com/turnwarden/turnwarden/internal/database"
	"github.com/turnwarden/turnwarden/internal/events"
	"github.com/turnwarden/turnwarden/internal/handler"
	"github.com/turnwarden/turnwarden/internal/middleware"
	"github.com/turnwarden/turnwarden/internal/process"
	"github.com/turnwarden/turnwarden/internal/redis"
	"github.com/turnwarden/turnwarden/internal/repository"
	"github.com/turnwarden/turnwarden/internal/service"
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

	sessionRepo := repository.NewSessionRepository(db.DB)
	timerRepo := repository.NewTimerStateRepository(db.DB)
	bankRepo := repository.NewTimeBankRepository(db.DB)
	turnRepo := repository.NewTurnRecordRepository(db.DB)
	snapRepo := repository.NewSnapshotRepository(db.DB)

	broker := events.NewBroker(redisClient)
	defer broker.Close()

	store := backup.NewFilesystemStore(cfg.BackupDir)
	registry := process.NewRegistry()
	locks := service.NewSessionLocks()

	lifecycle := service.NewLifecycleService(sessionRepo, timerRepo, locks)
	scheduler := service.NewScheduler(
		timerRepo, sessionRepo, locks, broker, nil,
		cfg.TickInterval(), cfg.LowTimeWarnThreshold(),
	)
	orchestrator := service.NewOrchestrator(
		db, sessionRepo, timerRepo, bankRepo, turnRepo, snapRepo,
		store, registry, locks, lifecycle, scheduler, broker,
		service.LaunchSettings{
			Binary:      cfg.EngineBinary,
			DataDir:     cfg.DataDir,
			HookBaseURL: cfg.HookBaseURL,
		},
	)
	scheduler.SetHandler(orchestrator)
	ledger := service.NewLedger(db, sessionRepo, bankRepo, timerRepo, locks, scheduler)
	monitor := service.NewMonitor(
		sessionRepo, timerRepo, turnRepo, registry, locks, lifecycle,
		broker, orchestrator, cfg.MonitorPollInterval(), int64(cfg.DefaultTurnSeconds),
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.APIToken)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	sessionHandler := handler.NewSessionHandler(lifecycle, orchestrator, scheduler, ledger, turnRepo, snapRepo)
	hookHandler := handler.NewHookHandler(orchestrator)
	eventsHandler := handler.NewEventsHandler(broker, lifecycle)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	// The engine calls the hooks from localhost without credentials, so
	// they sit outside the auth middleware.
	r.Route("/hooks", func(r chi.Router) {
		r.Mount("/", hookHandler.Routes())
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Get("/{sessionID}/events", eventsHandler.ServeHTTP)
		r.Mount("/", sessionHandler.Routes())
	})

	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), time.Minute)
	if err := orchestrator.RecoverOnStartup(recoverCtx); err != nil {
		log.Error().Err(err).Msg("orchestrator startup recovery incomplete")
	}
	if err := scheduler.RecoverOnStartup(recoverCtx); err != nil {
		log.Error().Err(err).Msg("scheduler startup recovery incomplete")
	}
	recoverCancel()

	scheduler.Start()
	defer scheduler.Stop()
	monitor.Start()
	defer monitor.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0, // SSE streams stay open indefinitely
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

	log.Info().Msg("server stopped")
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
