package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/sopline/internal/anthropic"
	"github.com/MikeSquared-Agency/sopline/internal/api"
	"github.com/MikeSquared-Agency/sopline/internal/audit"
	"github.com/MikeSquared-Agency/sopline/internal/compose"
	"github.com/MikeSquared-Agency/sopline/internal/config"
	"github.com/MikeSquared-Agency/sopline/internal/decompose"
	"github.com/MikeSquared-Agency/sopline/internal/hermes"
	"github.com/MikeSquared-Agency/sopline/internal/ingest"
	"github.com/MikeSquared-Agency/sopline/internal/pipeline"
	"github.com/MikeSquared-Agency/sopline/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("sopline starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Artifact store
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("database connected")
	} else {
		st = store.NewMemory()
		slog.Warn("DATABASE_URL not set, artifacts are kept in memory only")
	}
	defer st.Close()

	// Text-generation service (optional, stages fall back to rule-based generators)
	var (
		auditLLM     audit.Completer
		decomposeLLM decompose.Completer
	)
	if cfg.AnthropicAPIKey != "" {
		llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		auditLLM, decomposeLLM = llm, llm
		slog.Info("anthropic client ready", "model", cfg.AnthropicModel)
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set, running rule-based fallbacks only")
	}

	logger := slog.Default()
	opts := []pipeline.Option{pipeline.WithStageTimeout(cfg.StageTimeout)}

	// NATS/Hermes (optional, no stage events without it)
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
	if err != nil {
		slog.Warn("NATS unavailable, running without stage events", "error", err)
		hermesClient = nil
	} else {
		defer hermesClient.Close()
		opts = append(opts, pipeline.WithPublisher(hermesClient))
		slog.Info("NATS connected", "url", cfg.NatsURL)
	}

	ctrl := pipeline.New(st,
		ingest.New(),
		audit.New(auditLLM, logger, audit.WithSampleSize(cfg.AuditSampleSize), audit.WithLLMTimeout(cfg.LLMTimeout)),
		decompose.New(decomposeLLM, logger, decompose.WithLLMTimeout(cfg.LLMTimeout)),
		compose.New(logger, compose.WithWorkers(cfg.PromptWorkers), compose.WithAuthor(cfg.PromptAuthor)),
		logger,
		opts...,
	)

	if hermesClient != nil {
		if err := hermesClient.Subscribe(hermes.SubjectNarrativeSubmitted, ctrl.HandleNarrativeSubmitted); err != nil {
			slog.Error("failed to subscribe to narrative submissions", "error", err)
			os.Exit(1)
		}
		if err := hermesClient.Publish(hermes.SubjectRegistered, map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"port":      cfg.Port,
		}); err != nil {
			slog.Warn("failed to publish registration", "error", err)
		}
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, cfg.APIToken, ctrl, logger)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("sopline ready", "port", cfg.Port, "audit_sample", cfg.AuditSampleSize)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown error", "error", err)
	}
	if hermesClient != nil {
		if err := hermesClient.Drain(); err != nil {
			slog.Warn("NATS drain error", "error", err)
		}
	}
	cancel()
	slog.Info("sopline stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
