// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"character-relay/internal/config"
	"character-relay/internal/domain/ports/repository"
	"character-relay/internal/infra/adapters/backend"
	"character-relay/internal/infra/adapters/profile"
	"character-relay/internal/infra/db/postgres"
	"character-relay/internal/infra/logging"
	"character-relay/internal/infra/metrics"
	red "character-relay/internal/infra/redis"
	"character-relay/internal/infra/scheduler"
	"character-relay/internal/infra/worker"
	"character-relay/internal/infra/ws"
	"character-relay/internal/prompt"
	"character-relay/internal/usecase"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dev := flag.Bool("dev", false, "dev mode: console logs, noop backend")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath, *dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	logger.Info().Bool("dev", cfg.Runtime.Dev).Msg("starting character relay")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// --- Storage ---
	redisClient, err := red.NewClient(rootCtx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connect failed")
	}
	defer redisClient.Close()

	sessionRepo := red.NewSessionRepo(redisClient, cfg.Redis.TTL)
	summaryQueue := red.NewSummaryQueue(redisClient)
	locker := red.NewLocker(redisClient)

	var archive repository.ConversationArchive
	if cfg.Database.URL != "" {
		pool, err := postgres.NewPgxPool(rootCtx, cfg.Database.URL, 8)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connect failed")
		}
		defer pool.Close()
		archive = postgres.NewArchiveRepo(pool)
	} else {
		logger.Info().Msg("conversation archive disabled")
	}

	// --- External services ---
	profiles, err := profile.NewHTTPClient(cfg.Profile.BaseURL, cfg.Profile.Timeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("profile client init failed")
	}

	gen, err := backend.New(rootCtx, cfg.Backend)
	if err != nil {
		logger.Fatal().Err(err).Msg("backend init failed")
	}

	// --- Core ---
	estimator, err := prompt.NewEstimator(cfg.Assembler.Estimator)
	if err != nil {
		logger.Fatal().Err(err).Msg("estimator init failed")
	}
	asm := prompt.NewAssembler(prompt.Options{
		Budget:           cfg.Assembler.Budget,
		MaxRelationships: cfg.Assembler.MaxRelationships,
		MaxItems:         cfg.Assembler.MaxItems,
		MinScore:         cfg.Assembler.MinScore,
		MaxHistoryTurns:  cfg.Assembler.MaxHistoryTurns,
	}, estimator)

	pool := worker.NewPool(cfg.Session.Workers, logger)
	pool.Start(rootCtx)

	uc := usecase.NewConversationUseCase(
		sessionRepo,
		summaryQueue,
		archive,
		profiles,
		gen,
		asm,
		pool,
		cfg.Session.IdleTimeout,
		cfg.Backend.MaxTokens,
		logger,
	)

	sweep := scheduler.NewScheduler(cfg.Session.SweepInterval, uc, logger)
	sweep.Start(rootCtx)

	// --- Servers ---
	srv := ws.NewServer(cfg.Server, uc, locker, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("realtime server failed")
		}
	}()

	admin := metrics.NewAdminServer(cfg.Admin.Port)
	go func() {
		if err := admin.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin server failed")
		}
	}()

	// --- Shutdown ---
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sweep.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("realtime server shutdown")
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("admin server shutdown")
	}
	pool.Stop()
	rootCancel()
	logger.Info().Msg("stopped")
}
