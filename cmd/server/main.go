package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/david/opportunity-oasis/internal/ai"
	"github.com/david/opportunity-oasis/internal/api"
	"github.com/david/opportunity-oasis/internal/auth"
	"github.com/david/opportunity-oasis/internal/config"
	"github.com/david/opportunity-oasis/internal/db"
	"github.com/david/opportunity-oasis/internal/logging"
	"github.com/david/opportunity-oasis/internal/notify"
	"github.com/david/opportunity-oasis/internal/reminder"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "opportunity-oasis: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool, logger); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	store := db.NewStore(pool, cfg.DB.OpTimeout, logger)

	prompts, err := ai.LoadPrompts()
	if err != nil {
		return err
	}
	ollama := ai.NewOllamaClient(cfg.AI.OllamaHost, cfg.AI.TextModel, cfg.AI.VisionModel, cfg.AI.RequestTimeout)
	normalizer := ai.NewModelNormalizer(ollama, prompts, cfg.AI.TextModel, loc, logger)
	extractor := ai.NewExtractor(ollama, normalizer, prompts, ai.ExtractorOptions{
		TextModel:     cfg.AI.TextModel,
		VisionModel:   cfg.AI.VisionModel,
		MaxInputChars: cfg.AI.MaxInputChars,
		Location:      loc,
		Logger:        logger,
	})

	composer, err := notify.NewComposer(cfg.App.BaseURL)
	if err != nil {
		return err
	}
	sink := notify.NewSink(cfg, logger)
	scheduler := reminder.NewScheduler(store, sink, composer, cfg.Reminder.OffsetDays, loc, logger)

	gate, err := auth.NewGate(cfg.Auth, logger)
	if err != nil {
		return err
	}

	srv, err := api.NewServer(api.Deps{
		Store:     store,
		Extractor: extractor,
		Reminders: scheduler,
		Gate:      gate,
		Sink:      sink,
		Composer:  composer,
		Logger:    logger,
		Ready:     pool.Ping,
	}, cfg.HTTP)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("port", cfg.HTTP.Port),
			zap.String("env", cfg.App.Env),
			zap.String("timezone", loc.String()),
			zap.Bool("smtp", cfg.SMTPEnabled()),
		)
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.HTTP.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
