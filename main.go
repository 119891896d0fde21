package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/coachflow/orchestrator/internal/aggregate"
	"github.com/coachflow/orchestrator/internal/config"
	"github.com/coachflow/orchestrator/internal/llm"
	"github.com/coachflow/orchestrator/internal/logging"
	"github.com/coachflow/orchestrator/internal/metrics"
	"github.com/coachflow/orchestrator/internal/prompt"
	"github.com/coachflow/orchestrator/internal/router"
	"github.com/coachflow/orchestrator/internal/service"
	"github.com/coachflow/orchestrator/internal/session"
	"github.com/coachflow/orchestrator/internal/store"
	handler "github.com/coachflow/orchestrator/internal/transport/http"
	"github.com/coachflow/orchestrator/internal/workflow"
	"github.com/coachflow/orchestrator/policy"
)

const janitorInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().
		Int("http_port", cfg.HTTPPort).
		Str("database", cfg.DatabaseDSN).
		Str("llm_provider", cfg.LLM.Provider).
		Msg("starting orchestrator")

	db, err := store.NewSQLiteStore(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize policy engine")
	}

	m := metrics.New()
	client := llm.NewClient(cfg.LLM, log)
	composer := prompt.NewComposer()

	registry := session.NewRegistry(db, cfg.SessionDuration, cfg.SweepInterval, m, log)
	go registry.RunSweeper(ctx)

	dispatcher := workflow.NewDispatcher(db, client, workflow.DefaultStages(), cfg.WorkflowGracePeriod, cfg.WorkflowTimeout, m, log)
	go dispatcher.RunJanitor(ctx, janitorInterval)

	rt := router.New(client, composer, policyEngine, cfg.ConfidenceThreshold, m, log)
	aggregator := aggregate.NewAggregator(dispatcher, db)
	orchestrator := service.New(registry, db, rt, composer, dispatcher, aggregator, client, m, log)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	handler.NewHandler(orchestrator, m, log).RegisterRoutes(e)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Int("port", cfg.HTTPPort).Msg("orchestrator started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down orchestrator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}
