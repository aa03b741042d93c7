// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"libracirc/internal/auth"
	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/internal/clients"
	"libracirc/internal/config"
	"libracirc/internal/lock"
	"libracirc/internal/notification"
	"libracirc/internal/patron"
	"libracirc/internal/policy"
	"libracirc/internal/storage/postgres"
	"libracirc/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Storage groups the stores behind one backend.
type Storage struct {
	Circulation circulation.Store
	Catalog     catalog.Repository
	Policies    policy.Store
	Patrons     patron.Directory

	// Postgres is nil for the memory backend.
	Postgres *postgres.Store
}

// App holds every wired component of the circulation service.
type App struct {
	Config *config.Config
	Logger *zap.SugaredLogger

	Storage  *Storage
	Resolver *policy.Resolver

	Circulation circulation.Service
	Policies    policy.Service
	Catalog     catalog.Service
	// Patrons is nil when patrons come from a remote service.
	Patrons patron.Service
	Renewer *circulation.Renewer

	closers []func() error
}

// New wires the service from cfg. The caller must call Close.
func New(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	storage, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}
	a.Storage = storage

	resolver, err := policy.NewResolver(storage.Policies, cfg.Policy.CacheSize, cfg.Policy.CacheTTL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Resolver = resolver
	a.Policies = policy.NewService(storage.Policies, resolver, storage.Circulation, logger)
	a.Catalog = catalog.NewService(storage.Catalog, logger)

	var patrons patron.Provider = storage.Patrons
	if cfg.Patrons.ServiceURL != "" {
		patrons = clients.NewPatronClient(cfg.Patrons.ServiceURL)
		logger.Infow("using remote patron service", "url", cfg.Patrons.ServiceURL)
	} else {
		a.Patrons = patron.NewService(storage.Patrons, logger)
	}

	locker, err := a.locker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	engineConfig := circulation.DefaultConfig()
	engineConfig.CancelOnPatronMismatch = cfg.Circulation.CancelOnPatronMismatch
	engine := circulation.NewEngine(resolver, patrons, storage.Circulation)
	svc, err := circulation.NewService(storage.Circulation, engine, locker, a.notifier(), logger,
		circulation.WithConfig(engineConfig),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Circulation = svc
	a.Renewer = circulation.NewRenewer(storage.Circulation, svc, logger)
	return a, nil
}

func (a *App) openStorage(ctx context.Context) (*Storage, error) {
	cfg := a.Config.Database
	if cfg.Driver == "memory" {
		mem := circulation.NewMemoryStore()
		a.Logger.Warnw("using in-memory storage, state is lost on exit")
		return &Storage{
			Circulation: mem,
			Catalog:     mem,
			Policies:    policy.NewMemoryStore(),
			Patrons:     patron.NewMemoryDirectory(),
		}, nil
	}

	db, err := postgres.Open(ctx, cfg.Driver, cfg.URL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	if err := db.Migrate(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Logger.Infow("connected to database", "driver", cfg.Driver)
	return &Storage{
		Circulation: db,
		Catalog:     db,
		Policies:    db,
		Patrons:     db,
		Postgres:    db,
	}, nil
}

func (a *App) locker(ctx context.Context) (circulation.Locker, error) {
	cfg := a.Config.Redis
	if !cfg.Enabled {
		return lock.NewLocal(), nil
	}
	l := lock.NewRedis(cfg.Addr, cfg.Password, cfg.LockTTL, a.Logger)
	if err := l.Ping(ctx); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}
	a.closers = append(a.closers, l.Close)
	return l, nil
}

func (a *App) notifier() circulation.Notifier {
	cfg := a.Config.Notification
	sinks := notification.Multi{notification.NewLogSink(a.Logger)}
	if cfg.WebhookURL != "" {
		webhook := notification.NewWebhookSink(cfg.WebhookURL, cfg.Rate, cfg.QueueSize, a.Logger)
		a.closers = append(a.closers, func() error {
			webhook.Close()
			return nil
		})
		sinks = append(sinks, webhook)
	}
	return sinks
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	cfg := a.Config
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Logging(a.Logger))
	r.Use(telemetry.Metrics)
	r.Use(telemetry.RateLimit(cfg.Server.RateLimit, cfg.Server.Burst, a.Logger))

	guard := auth.Open
	if cfg.Auth.Enabled {
		guard = auth.NewAuthenticator(cfg.Auth.Tokens, a.Logger).Middleware
	}

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	circulation.NewHandler(a.Circulation).Routes(r, guard)
	catalog.NewHandler(a.Catalog).Routes(r, guard)
	policy.NewHandler(a.Policies).Routes(r, guard)
	if a.Patrons != nil {
		patron.NewHandler(a.Patrons).Routes(r, guard)
	}
	return r
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.Storage.Postgres != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Storage.Postgres.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

// Close releases components in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
