package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	platformcfg "github.com/example/watch-progress/internal/platform/config"
)

const serviceName = "progress"

// Store backends.
const (
	BackendMemory       = "memory"
	BackendPostgres     = "postgres"
	BackendGormPostgres = "gorm-postgres"
	BackendSQLite       = "sqlite"
)

type GRPCConfig struct {
	Addr string
}

type StoreConfig struct {
	Backend     string
	DatabaseURL string
	SQLitePath  string
	AutoMigrate bool
	MaxConns    int32
}

type AuthConfig struct {
	Secret string
	Issuer string
}

type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// ProgressConfig tunes the merge path. CatalogEnabled rejects unknown videos
// and makes catalog durations authoritative.
type ProgressConfig struct {
	Async          bool
	UpdateTimeout  time.Duration
	MaxAttempts    int
	CatalogEnabled bool
}

type WorkerConfig struct {
	Enabled   bool
	BatchSize int
}

type Config struct {
	platformcfg.AppConfig
	GRPC     GRPCConfig
	Store    StoreConfig
	Auth     AuthConfig
	NATS     NATSConfig
	Progress ProgressConfig
	Worker   WorkerConfig
}

var defaults = map[string]any{
	"grpc.addr":               ":9090",
	"store.backend":           BackendMemory,
	"database.url":            "",
	"sqlite.path":             "./data/progress.db",
	"db.auto_migrate":         false,
	"db.max_conns":            10,
	"jwt.secret":              "",
	"jwt.issuer":              "",
	"nats.url":                "",
	"nats.max_reconnects":     5,
	"nats.reconnect_wait":     2 * time.Second,
	"progress.async":          false,
	"progress.update_timeout": 5 * time.Second,
	"progress.max_attempts":   5,
	"catalog.enabled":         false,
	"worker.enabled":          true,
	"worker.batch_size":       50,
}

// Load reads the progress service configuration.
func Load() (Config, error) {
	v, err := platformcfg.New(serviceName, defaults)
	if err != nil {
		return Config{}, err
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	app, err := platformcfg.App(v)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		AppConfig: app,
		GRPC:      GRPCConfig{Addr: strings.TrimSpace(v.GetString("grpc.addr"))},
		Store: StoreConfig{
			Backend:     strings.ToLower(strings.TrimSpace(v.GetString("store.backend"))),
			DatabaseURL: strings.TrimSpace(v.GetString("database.url")),
			SQLitePath:  strings.TrimSpace(v.GetString("sqlite.path")),
			AutoMigrate: v.GetBool("db.auto_migrate"),
			MaxConns:    v.GetInt32("db.max_conns"),
		},
		Auth: AuthConfig{
			Secret: v.GetString("jwt.secret"),
			Issuer: strings.TrimSpace(v.GetString("jwt.issuer")),
		},
		NATS: NATSConfig{
			URL:           strings.TrimSpace(v.GetString("nats.url")),
			MaxReconnects: v.GetInt("nats.max_reconnects"),
			ReconnectWait: v.GetDuration("nats.reconnect_wait"),
		},
		Progress: ProgressConfig{
			Async:          v.GetBool("progress.async"),
			UpdateTimeout:  v.GetDuration("progress.update_timeout"),
			MaxAttempts:    v.GetInt("progress.max_attempts"),
			CatalogEnabled: v.GetBool("catalog.enabled"),
		},
		Worker: WorkerConfig{
			Enabled:   v.GetBool("worker.enabled"),
			BatchSize: v.GetInt("worker.batch_size"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings that would otherwise fail late at runtime.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres, BackendGormPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s store", c.Store.Backend)
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want memory, postgres, gorm-postgres or sqlite)", c.Store.Backend)
	}
	if c.Progress.UpdateTimeout <= 0 {
		return fmt.Errorf("invalid PROGRESS_UPDATE_TIMEOUT: %v (must be > 0)", c.Progress.UpdateTimeout)
	}
	if c.Progress.MaxAttempts < 1 {
		return fmt.Errorf("invalid PROGRESS_MAX_ATTEMPTS: %d (must be >= 1)", c.Progress.MaxAttempts)
	}
	if c.Progress.Async && c.NATS.URL == "" {
		return errors.New("PROGRESS_ASYNC requires NATS_URL")
	}
	if c.Progress.CatalogEnabled && c.Store.Backend != BackendPostgres {
		return errors.New("CATALOG_ENABLED requires the postgres store")
	}
	return nil
}

// RequireAuth is checked by commands that serve the HTTP API.
func (c Config) RequireAuth() error {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}
