// Package config loads the oracle server configuration: oracle.yaml first,
// then .env and ORACLE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	LogLevel string `yaml:"log_level"`

	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Rituals RitualsConfig `yaml:"rituals"`
	Lore    LoreConfig    `yaml:"lore"`
	Economy EconomyConfig `yaml:"economy"`
	Audit   AuditConfig   `yaml:"audit"`
	Feed    FeedConfig    `yaml:"feed"`
	Archive ArchiveConfig `yaml:"archive"`

	// Secrets never come from the yaml file.
	Secrets Secrets `yaml:"-"`
}

type ServerConfig struct {
	Addr              string          `yaml:"addr"`
	ReadHeaderTimeout time.Duration   `yaml:"read_header_timeout"`
	CORSOrigins       []string        `yaml:"cors_origins"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	// RPS of zero disables limiting.
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type RitualsConfig struct {
	BatchSize   int           `yaml:"batch_size"`
	ClaimTTL    time.Duration `yaml:"claim_ttl"`
	Interval    time.Duration `yaml:"interval"`
	CatalogPath string        `yaml:"catalog_path"`
}

type LoreConfig struct {
	MaxInputLength int    `yaml:"max_input_length"`
	ProphecyModel  string `yaml:"prophecy_model"`
}

type EconomyConfig struct {
	StarterGirth  int64 `yaml:"starter_girth"`
	StarterShards int64 `yaml:"starter_shards"`
}

type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type FeedConfig struct {
	Enabled   bool `yaml:"enabled"`
	QueueSize int  `yaml:"queue_size"`
}

// ArchiveConfig mirrors closed audit files to an S3-compatible bucket.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
}

type Secrets struct {
	Session   string
	Scheduler string
	GenAIKey  string

	ArchiveAccessKeyID     string
	ArchiveSecretAccessKey string
}

func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			CORSOrigins:       []string{"*"},
			RateLimit:         RateLimitConfig{RPS: 5, Burst: 10},
		},
		Store: StoreConfig{
			Backend: BackendSQLite,
			Path:    "./data/oracle.sqlite",
		},
		Rituals: RitualsConfig{
			BatchSize: 10,
			ClaimTTL:  5 * time.Minute,
			Interval:  time.Minute,
		},
		Lore: LoreConfig{
			MaxInputLength: 200,
			ProphecyModel:  "gemini-2.5-flash",
		},
		Economy: EconomyConfig{
			StarterGirth:  1000,
			StarterShards: 10,
		},
		Audit:   AuditConfig{Enabled: true, Dir: "./data/audit"},
		Feed:    FeedConfig{Enabled: true, QueueSize: 32},
		Archive: ArchiveConfig{Workers: 2, QueueSize: 256},
	}
}

// Load reads path (optional), merges .env and the process environment, then
// normalises and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("oracle.yaml: %w", err)
		}
	}
	// A missing .env is normal; variables already set win over the file.
	_ = godotenv.Load()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays ORACLE_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("ORACLE_LOG_LEVEL", &c.LogLevel)
	str("ORACLE_ADDR", &c.Server.Addr)
	str("ORACLE_STORE_BACKEND", &c.Store.Backend)
	str("ORACLE_SQLITE_PATH", &c.Store.Path)
	str("ORACLE_POSTGRES_DSN", &c.Store.DSN)
	str("ORACLE_CATALOG_PATH", &c.Rituals.CatalogPath)
	str("ORACLE_AUDIT_DIR", &c.Audit.Dir)
	str("ORACLE_PROPHECY_MODEL", &c.Lore.ProphecyModel)
	str("ORACLE_SESSION_SECRET", &c.Secrets.Session)
	str("ORACLE_SCHEDULER_SECRET", &c.Secrets.Scheduler)
	str("ORACLE_GENAI_API_KEY", &c.Secrets.GenAIKey)
	str("ORACLE_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	str("ORACLE_ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("ORACLE_ARCHIVE_PREFIX", &c.Archive.Prefix)
	str("ORACLE_ARCHIVE_ACCESS_KEY_ID", &c.Secrets.ArchiveAccessKeyID)
	str("ORACLE_ARCHIVE_SECRET_ACCESS_KEY", &c.Secrets.ArchiveSecretAccessKey)

	if v := strings.TrimSpace(getenv("ORACLE_BATCH_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ORACLE_BATCH_SIZE: %w", err)
		}
		c.Rituals.BatchSize = n
	}
	if v := strings.TrimSpace(getenv("ORACLE_RITUAL_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ORACLE_RITUAL_INTERVAL: %w", err)
		}
		c.Rituals.Interval = d
	}
	if v := strings.TrimSpace(getenv("ORACLE_AUDIT_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ORACLE_AUDIT_ENABLED: %w", err)
		}
		c.Audit.Enabled = b
	}
	if v := strings.TrimSpace(getenv("ORACLE_ARCHIVE_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ORACLE_ARCHIVE_ENABLED: %w", err)
		}
		c.Archive.Enabled = b
	}
	return nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	d := Defaults()
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = d.Server.ReadHeaderTimeout
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = d.Server.CORSOrigins
	}
	if c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = 1
	}
	if c.Rituals.BatchSize <= 0 {
		c.Rituals.BatchSize = d.Rituals.BatchSize
	}
	if c.Rituals.ClaimTTL <= 0 {
		c.Rituals.ClaimTTL = d.Rituals.ClaimTTL
	}
	if c.Rituals.Interval <= 0 {
		c.Rituals.Interval = d.Rituals.Interval
	}
	if c.Lore.MaxInputLength <= 0 {
		c.Lore.MaxInputLength = d.Lore.MaxInputLength
	}
	if strings.TrimSpace(c.Lore.ProphecyModel) == "" {
		c.Lore.ProphecyModel = d.Lore.ProphecyModel
	}
	if c.Feed.QueueSize <= 0 {
		c.Feed.QueueSize = d.Feed.QueueSize
	}
	if c.Archive.Workers <= 0 {
		c.Archive.Workers = d.Archive.Workers
	}
	if c.Archive.QueueSize <= 0 {
		c.Archive.QueueSize = d.Archive.QueueSize
	}
}

func (c Config) Validate() error {
	var errs []error
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q not one of debug|info|warn|error", c.LogLevel))
	}
	switch c.Store.Backend {
	case BackendSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, errors.New("store.path required for sqlite"))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, errors.New("store.dsn (or ORACLE_POSTGRES_DSN) required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q not one of sqlite|postgres", c.Store.Backend))
	}
	if c.Rituals.BatchSize > 100 {
		errs = append(errs, fmt.Errorf("rituals.batch_size %d exceeds 100", c.Rituals.BatchSize))
	}
	if c.Server.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("server.rate_limit.rps must be >= 0"))
	}
	if c.Economy.StarterGirth < 0 || c.Economy.StarterShards < 0 {
		errs = append(errs, errors.New("economy starter balances must be >= 0"))
	}
	if c.Audit.Enabled && strings.TrimSpace(c.Audit.Dir) == "" {
		errs = append(errs, errors.New("audit.dir required when audit is enabled"))
	}
	if c.Archive.Enabled {
		if !c.Audit.Enabled {
			errs = append(errs, errors.New("archive requires audit to be enabled"))
		}
		if strings.TrimSpace(c.Archive.Endpoint) == "" || strings.TrimSpace(c.Archive.Bucket) == "" {
			errs = append(errs, errors.New("archive.endpoint and archive.bucket required when archive is enabled"))
		}
		if c.Secrets.ArchiveAccessKeyID == "" || c.Secrets.ArchiveSecretAccessKey == "" {
			errs = append(errs, errors.New("ORACLE_ARCHIVE_ACCESS_KEY_ID and ORACLE_ARCHIVE_SECRET_ACCESS_KEY required when archive is enabled"))
		}
	}
	if c.Secrets.Session == "" {
		errs = append(errs, errors.New("ORACLE_SESSION_SECRET is required"))
	}
	if c.Secrets.Scheduler == "" {
		errs = append(errs, errors.New("ORACLE_SCHEDULER_SECRET is required"))
	}
	return errors.Join(errs...)
}

// NewLogger builds a production zap logger at level; debug forces debug level.
func NewLogger(level string, debug bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if debug {
		lvl = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
