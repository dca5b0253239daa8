package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/growthpigs/bravo-revos-sub004/internal/actions"
	"github.com/growthpigs/bravo-revos-sub004/internal/engine"
	"github.com/growthpigs/bravo-revos-sub004/internal/logging"
	"github.com/growthpigs/bravo-revos-sub004/internal/store"
	"github.com/growthpigs/bravo-revos-sub004/internal/streaming"
	"github.com/growthpigs/bravo-revos-sub004/internal/validation"
)

// app is the process-wide wiring shared by every subcommand.
type app struct {
	cfg       *Config
	logger    *slog.Logger
	store     store.Store
	hub       *streaming.MemoryHub
	registry  *actions.Registry
	validator *validation.WorkflowValidator
	guard     engine.Guard
	closers   []io.Closer
}

func newApp(ctx context.Context, cfg *Config, logOut io.Writer) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logging.New(logOut, cfg.Log.Level, cfg.Log.Format),
		hub:    streaming.NewMemoryHub(),
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, s)

	a.registry, err = actions.NewBuiltinRegistry(actions.Deps{
		Tasks:    s,
		Tickets:  s,
		Alerts:   s,
		Entities: s,
		Notifier: streaming.NewHubNotifier(a.hub),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build action registry: %w", err)
	}

	a.validator, err = validation.NewWorkflowValidator(a.registry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build validator: %w", err)
	}

	switch cfg.Idempotency.Backend {
	case "memory":
		a.guard = engine.NewMemoryGuard(cfg.Idempotency.TTL)
	case "redis":
		g := engine.NewRedisGuard(engine.RedisConfig{
			Addrs:     strings.Split(cfg.Idempotency.RedisAddr, ","),
			Namespace: cfg.Idempotency.Namespace,
		})
		a.guard = g
		a.closers = append(a.closers, g)
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *Config) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "memory":
		s = store.NewMemoryStore()
	case "postgres":
		s, err = store.NewPostgresStore(ctx, cfg.Store.DSN)
	default:
		if path, ok := strings.CutPrefix(cfg.Store.DSN, "file:"); ok {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		s, err = store.NewLibSQLStore(cfg.Store.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// engineFor builds an engine bound to tenantID. Engines are cheap; the
// shared collaborators live on app.
func (a *app) engineFor(tenantID string) (*engine.Engine, error) {
	opts := []engine.Option{
		engine.WithDeferrals(a.store),
		engine.WithHub(a.hub),
		engine.WithLogger(a.logger),
		engine.WithDerivedMetrics(a.cfg.DerivedMetrics),
		engine.WithMeterProvider(otel.GetMeterProvider()),
		engine.WithTracerProvider(otel.GetTracerProvider()),
	}
	if a.guard != nil {
		opts = append(opts, engine.WithIdempotency(a.guard, a.cfg.Idempotency.TTL))
	}
	if a.cfg.CircuitBreaker.Enabled {
		opts = append(opts, engine.WithCircuitBreaker(engine.CircuitBreakerConfig{
			FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
			Cooldown:         a.cfg.CircuitBreaker.Cooldown,
			HalfOpenMax:      1,
		}))
	}
	return engine.New(tenantID, a.cfg.UserID, a.store, a.registry, opts...)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
