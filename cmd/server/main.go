// Command server serves the LLM dispatcher over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/llm-dispatcher/internal/adapter/observability"
	"github.com/fairyhunter13/llm-dispatcher/internal/app"
	"github.com/fairyhunter13/llm-dispatcher/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(observability.SetupLogger(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		// Tracing is optional; serve without it.
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	if shutdownTracer != nil {
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	comps, err := app.Build(cfg)
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}
	defer func() {
		if err := comps.Close(); err != nil {
			slog.Warn("failed to close components", slog.Any("error", err))
		}
	}()

	if names, err := comps.Catalog.Names(); err != nil {
		slog.Warn("model catalog not readable", slog.String("dir", cfg.ModelsDir), slog.Any("error", err))
	} else {
		slog.Info("model catalog loaded", slog.String("dir", cfg.ModelsDir), slog.Int("models", len(names)))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildRouter(cfg, comps.Server()),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", slog.Duration("grace", cfg.ServerShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
