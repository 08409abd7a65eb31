package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/watch-progress/internal/platform/db"
	"github.com/example/watch-progress/internal/platform/events"
	"github.com/example/watch-progress/internal/platform/logging"
	"github.com/example/watch-progress/internal/platform/natsconn"
	"github.com/example/watch-progress/services/progress/internal/catalog"
	"github.com/example/watch-progress/services/progress/internal/config"
	"github.com/example/watch-progress/services/progress/internal/engine"
	"github.com/example/watch-progress/services/progress/internal/store"
)

// app holds the wired dependencies of one process.
type app struct {
	cfg config.Config
	log *zap.Logger

	store   store.Store
	catalog *catalog.Postgres
	engine  *engine.Engine
	events  *events.Publisher

	pool *pgxpool.Pool
	gorm *gorm.DB
	nc   *nats.Conn
	js   nats.JetStreamContext
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, nil
}

// newApp opens storage and, when configured, NATS. withNATS is false for
// commands that never publish.
func newApp(ctx context.Context, cfg config.Config, log *zap.Logger, withNATS bool) (*app, error) {
	a := &app{cfg: cfg, log: log}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if withNATS && cfg.NATS.URL != "" {
		if err := a.openNATS(); err != nil {
			a.Close()
			return nil, err
		}
	}

	opts := engine.Options{
		Events:      a.events,
		Logger:      log.Named("engine"),
		MaxAttempts: cfg.Progress.MaxAttempts,
	}
	if a.catalog != nil {
		opts.Catalog = a.catalog
	}
	a.engine = engine.New(a.store, opts)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	sc := a.cfg.Store
	switch sc.Backend {
	case config.BackendMemory:
		a.log.Warn("using in-memory progress store; data is lost on restart")
		a.store = store.NewMemoryStore()

	case config.BackendPostgres:
		if sc.AutoMigrate {
			if err := db.Migrate(sc.DatabaseURL); err != nil {
				return err
			}
		}
		pool, err := db.Open(ctx, sc.DatabaseURL, db.PoolOptions{MaxConns: sc.MaxConns})
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		a.pool = pool
		a.store = store.NewPostgresStore(pool)
		if a.cfg.Progress.CatalogEnabled {
			a.catalog = catalog.NewPostgres(pool)
		}

	case config.BackendGormPostgres:
		if sc.AutoMigrate {
			if err := db.Migrate(sc.DatabaseURL); err != nil {
				return err
			}
		}
		gdb, err := db.OpenGorm(ctx, "postgres", sc.DatabaseURL)
		if err != nil {
			return err
		}
		a.gorm = gdb
		a.store = store.NewGormStore(gdb)

	case config.BackendSQLite:
		if dir := filepath.Dir(sc.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		gdb, err := db.OpenGorm(ctx, "sqlite", sc.SQLitePath)
		if err != nil {
			return err
		}
		a.gorm = gdb
		gs := store.NewGormStore(gdb)
		// sqlite has no SQL migrations; the schema comes from the model.
		if err := gs.Migrate(ctx); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
		a.store = gs

	default:
		return fmt.Errorf("unknown store backend %q", sc.Backend)
	}
	a.log.Info("progress store ready", zap.String("backend", sc.Backend))
	return nil
}

func (a *app) openNATS() error {
	nc, err := natsconn.Connect(natsconn.Options{
		URL:           a.cfg.NATS.URL,
		Name:          a.cfg.ServiceName,
		MaxReconnects: a.cfg.NATS.MaxReconnects,
		ReconnectWait: a.cfg.NATS.ReconnectWait,
		Logger:        a.log.Named("nats"),
	})
	if err != nil {
		return err
	}
	a.nc = nc
	js, err := natsconn.JetStream(nc)
	if err != nil {
		return err
	}
	a.js = js
	a.events = events.New(js, a.log.Named("events"))
	return nil
}

// ready reports whether the backing services are reachable.
func (a *app) ready() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.gorm != nil {
		sqlDB, err := a.gorm.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.nc != nil && !a.nc.IsConnected() {
		return errors.New("nats: not connected")
	}
	return nil
}

func (a *app) Close() {
	if a.nc != nil {
		_ = a.nc.Drain()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.gorm != nil {
		_ = db.CloseGorm(a.gorm)
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}
