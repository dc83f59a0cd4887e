package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EternisAI/agentcore/pkg/ai"
	"github.com/EternisAI/agentcore/pkg/config"
	"github.com/EternisAI/agentcore/pkg/db"
	"github.com/EternisAI/agentcore/pkg/logging"
	"github.com/EternisAI/agentcore/pkg/memory"
	"github.com/EternisAI/agentcore/pkg/server"
)

func main() {
	baseLogger := logging.NewBaseLogger()
	factory := logging.NewFactory(baseLogger)
	logger := factory.ForComponent("main")

	cfg, err := config.LoadConfig(false)
	if err != nil {
		logger.Fatal("Failed to load config", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.RunMigrations(cfg.DatabaseURL, factory.ForComponent("db")); err != nil {
		logger.Fatal("Migrations failed", "error", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, factory.ForComponent("db"))
	if err != nil {
		logger.Fatal("Failed to create database pool", "error", err)
	}
	defer pool.Close()

	completionsService := ai.NewOpenAIService(factory.ForComponent("ai"), cfg.CompletionsAPIKey, cfg.CompletionsAPIURL)
	embeddingsService := ai.NewOpenAIService(factory.ForComponent("ai"), cfg.EmbeddingsAPIKey, cfg.EmbeddingsAPIURL)

	var rerankService ai.Reranker
	if cfg.RerankAPIURL != "" {
		rerankService = ai.NewRerankService(factory.ForComponent("rerank"), cfg.RerankAPIURL, cfg.RerankAPIKey, cfg.RerankModel)
	}

	engine, err := memory.New(memory.Dependencies{
		Logger:             factory.ForComponent("memory"),
		Pool:               pool,
		CompletionsService: completionsService,
		EmbeddingsService:  embeddingsService,
		RerankService:      rerankService,
		CompletionsModel:   cfg.CompletionsModel,
		ConsolidationModel: cfg.ConsolidationModel,
		EmbeddingsModel:    cfg.EmbeddingsModel,
	})
	if err != nil {
		logger.Fatal("Failed to create memory engine", "error", err)
	}

	scheduler := memory.NewScheduler(
		engine,
		factory.ForComponent("scheduler"),
		memory.ParseConsolidationInterval(cfg.ConsolidationInterval),
	)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	banks := memory.NewBankStore(pool)
	srv := server.New(engine, banks, factory.ForComponent("http"))

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: srv.Router(),
	}

	go func() {
		logger.Info("Starting HTTP server", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", "error", err)
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
}
