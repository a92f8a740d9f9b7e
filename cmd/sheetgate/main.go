package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sheetgate/sheetgate/internal/api"
	"github.com/sheetgate/sheetgate/internal/config"
	"github.com/sheetgate/sheetgate/internal/export"
	"github.com/sheetgate/sheetgate/internal/exporter"
	"github.com/sheetgate/sheetgate/internal/queue"
	"github.com/sheetgate/sheetgate/internal/source"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	if err := run(cfg); err != nil {
		slog.Error("sheetgate", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	store, err := export.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	src, err := source.Open(cfg.SourceDriver, cfg.SourceDSN)
	if err != nil {
		return err
	}
	defer src.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SourceDriver == "sqlite" {
		if err := src.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	rateLimit, err := api.RateLimit(api.RateLimitOptions{
		RPS:    cfg.RateLimit,
		Routes: cfg.RateLimitRoutes,
		By:     cfg.RateLimitBy,
	})
	if err != nil {
		return err
	}

	svc := exporter.New(store, src, queue.New(cfg.QueueSize, cfg.Concurrency), exporter.Options{
		BasePath:        cfg.BasePath,
		BatchSize:       cfg.BatchSize,
		MaxRetries:      cfg.MaxRetries,
		BatchTimeout:    cfg.BatchTimeout,
		Strategy:        cfg.CombineStrategy,
		MaxRowsPerSheet: cfg.MaxRowsPerSheet,
	})
	// gctx ends on a signal or when any loop below fails.
	g, gctx := errgroup.WithContext(ctx)
	svc.Start(gctx)
	defer svc.Wait()

	sweeper := exporter.NewSweeper(svc, cfg.SweepInterval, cfg.StaleAfter)

	mux := http.NewServeMux()
	api.NewHandler(svc).RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.Auth(cfg.APIKeys),
		rateLimit,
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // downloads and SSE streams are long-lived
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		if n := sweeper.Recover(gctx); n > 0 {
			slog.Info("recovery: resumed unfinished jobs", "count", n)
		}
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		svc.RunCleanup(gctx,
			time.Duration(cfg.JobTTLHours)*time.Hour,
			time.Duration(cfg.CleanupIntervalMinutes)*time.Minute)
		return nil
	})
	g.Go(func() error {
		slog.Info("sheetgate listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
