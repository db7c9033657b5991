package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/schema"
	"github.com/agentworkforce/relaysync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], nil); err != nil {
		fmt.Fprintf(os.Stderr, "relaysync: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	cfg     config.Config
	logger  *slog.Logger
	backend store.Backend
	janitor *store.Janitor
	handler http.Handler
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	dsn, err := cfg.StorageDSN()
	if err != nil {
		return nil, err
	}
	var validator relaysync.Validator
	if cfg.SchemaValidation {
		registry, err := schema.New()
		if err != nil {
			return nil, fmt.Errorf("compile record schemas: %w", err)
		}
		validator = registry
	}
	backend, err := store.BuildBackendFromDSN(dsn, store.Options{
		Validator:        validator,
		Logger:           logger,
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize storage backend: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	handler := httpapi.NewServerWithConfig(backend, httpapi.ServerConfig{
		JWTSecret:      cfg.Auth.JWTSecret,
		Audience:       cfg.Auth.Audience,
		RateLimitRPS:   cfg.Limits.RateLimitRPS,
		RateLimitBurst: cfg.Limits.RateLimitBurst,
		MaxBodyBytes:   cfg.Limits.MaxBodyBytes,
		PingInterval:   cfg.Stream.PingInterval,
		WriteTimeout:   cfg.Stream.WriteTimeout,
		Logger:         logger,
		Registry:       reg,
	})

	a := &app{cfg: cfg, logger: logger, backend: backend, handler: handler}
	if cfg.Retention.Enabled {
		a.janitor, err = store.NewJanitor(backend, store.JanitorOptions{
			Cron:   cfg.Retention.Cron,
			TTL:    cfg.Retention.TTL,
			Logger: logger,
		})
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) close() error {
	if a.janitor != nil {
		a.janitor.Stop()
	}
	return a.backend.Close()
}

// run serves until ctx is cancelled. When ready is non-nil it receives the
// bound listen address.
func run(ctx context.Context, args []string, ready chan<- string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, nil)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	if a.janitor != nil {
		a.janitor.Start(ctx)
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = a.close()
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	server := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()
	logger.Info("relaysync listening", "addr", listener.Addr().String(), "profile", cfg.Storage.Profile)
	if ready != nil {
		ready <- listener.Addr().String()
	}

	select {
	case err := <-serveErr:
		_ = a.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("relaysync shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	shutdownErr := server.Shutdown(shutdownCtx)
	// Shutdown does not track hijacked websocket connections; closing the
	// backend ends their subscriptions.
	closeErr := a.close()
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	return closeErr
}
