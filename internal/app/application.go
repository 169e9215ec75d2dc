package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/lendscope/yieldoracle/internal/app/services/keeper"
	"github.com/lendscope/yieldoracle/internal/app/services/ratesource"
	yieldsvc "github.com/lendscope/yieldoracle/internal/app/services/yield"
	"github.com/lendscope/yieldoracle/internal/app/storage"
	"github.com/lendscope/yieldoracle/internal/app/storage/memory"
	"github.com/lendscope/yieldoracle/internal/app/storage/postgres"
	"github.com/lendscope/yieldoracle/internal/app/system"
	"github.com/lendscope/yieldoracle/internal/auth"
	"github.com/lendscope/yieldoracle/internal/config"
	"github.com/lendscope/yieldoracle/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Assets    storage.AssetStore
	Snapshots storage.SnapshotStore
}

// OpenStores builds the configured persistence layer. A database DSN selects
// Postgres (running migrations first); otherwise everything stays in memory.
func OpenStores(cfg config.Config, log *logger.Logger) (Stores, func(), error) {
	if cfg.Database.DSN == "" {
		mem := memory.New()
		return Stores{Assets: mem, Snapshots: mem}, func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return Stores{}, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return Stores{}, nil, fmt.Errorf("ping database: %w", err)
	}
	if err := postgres.Migrate(db, cfg.Database.MigrationsPath); err != nil {
		db.Close()
		return Stores{}, nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database migrations applied")

	store := postgres.New(db)
	return Stores{Assets: store, Snapshots: store}, func() { db.Close() }, nil
}

// Application ties the oracle services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	cfg     config.Config

	Oracle *yieldsvc.Service
	Keeper *keeper.Keeper
	Gate   *auth.Gate
}

// New builds a fully initialised application with the provided stores.
func New(cfg config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	if stores.Assets == nil || stores.Snapshots == nil {
		mem := memory.New()
		if stores.Assets == nil {
			stores.Assets = mem
		}
		if stores.Snapshots == nil {
			stores.Snapshots = mem
		}
	}

	resolver := ratesource.NewResolver()
	httpClient := &http.Client{Timeout: 10 * time.Second}
	for name, src := range cfg.RateSources {
		source, err := ratesource.NewHTTPSource(httpClient, src.URL, src.APIKey, src.UtilizationPath, src.RatePath, log)
		if err != nil {
			return nil, fmt.Errorf("configure rate source %s: %w", name, err)
		}
		resolver.Bind(name, source)
	}

	oracle := yieldsvc.New(stores.Assets, stores.Snapshots, resolver, log)

	var gate *auth.Gate
	if cfg.Admin.Secret != "" {
		var err error
		gate, err = auth.NewGate(cfg.Admin.Secret)
		if err != nil {
			return nil, fmt.Errorf("configure admin gate: %w", err)
		}
	} else {
		log.Warn("admin secret not set; privileged routes are locked")
	}

	manager := system.NewManager()
	application := &Application{
		manager: manager,
		log:     log,
		cfg:     cfg,
		Oracle:  oracle,
		Gate:    gate,
	}

	if cfg.Keeper.Enabled {
		k, err := keeper.New(oracle, cfg.Keeper.Schedule, log)
		if err != nil {
			return nil, fmt.Errorf("configure keeper: %w", err)
		}
		k.WithInterval(cfg.Keeper.Interval)
		if err := manager.Register(k); err != nil {
			return nil, err
		}
		application.Keeper = k
	}

	return application, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start restores the registry, registers bootstrap assets and begins all
// managed services.
func (a *Application) Start(ctx context.Context) error {
	if err := a.Oracle.Load(ctx); err != nil {
		return err
	}

	bootstrap := auth.Capability{Subject: "bootstrap", Role: auth.RoleAdmin}
	for _, asset := range a.cfg.Assets {
		if _, err := a.Oracle.Register(ctx, bootstrap, asset.Symbol, asset.Source); err != nil {
			return fmt.Errorf("register bootstrap asset %s: %w", asset.Symbol, err)
		}
	}

	return a.manager.Start(ctx)
}

// Stop stops all managed services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
