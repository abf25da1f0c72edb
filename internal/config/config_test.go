package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("ORACLE_SESSION_SECRET", "session")
	t.Setenv("ORACLE_SCHEDULER_SECRET", "scheduler")
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	setSecrets(t)
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, BackendSQLite, cfg.Store.Backend)
	require.Equal(t, 10, cfg.Rituals.BatchSize)
	require.Equal(t, 5*time.Minute, cfg.Rituals.ClaimTTL)
	require.Equal(t, 200, cfg.Lore.MaxInputLength)
	require.Equal(t, "session", cfg.Secrets.Session)
	require.Empty(t, cfg.Secrets.GenAIKey)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	setSecrets(t)
	path := filepath.Join(t.TempDir(), "oracle.yaml")
	yml := `
log_level: DEBUG
server:
  addr: ":9090"
  read_header_timeout: 2s
  rate_limit:
    rps: 2
store:
  backend: postgres
  dsn: postgres://from-file
rituals:
  batch_size: 25
  interval: 30s
economy:
  starter_girth: 500
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("ORACLE_POSTGRES_DSN", "postgres://from-env")
	t.Setenv("ORACLE_BATCH_SIZE", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, 2*time.Second, cfg.Server.ReadHeaderTimeout)
	require.Equal(t, 1, cfg.Server.RateLimit.Burst)
	require.Equal(t, BackendPostgres, cfg.Store.Backend)
	require.Equal(t, "postgres://from-env", cfg.Store.DSN)
	require.Equal(t, 7, cfg.Rituals.BatchSize)
	require.Equal(t, 30*time.Second, cfg.Rituals.Interval)
	require.Equal(t, int64(500), cfg.Economy.StarterGirth)
	// Untouched sections keep defaults.
	require.Equal(t, 32, cfg.Feed.QueueSize)
}

func TestLoad_MissingSecretsFail(t *testing.T) {
	t.Setenv("ORACLE_SESSION_SECRET", "")
	t.Setenv("ORACLE_SCHEDULER_SECRET", "")
	_, err := Load("")
	require.ErrorContains(t, err, "ORACLE_SESSION_SECRET")
	require.ErrorContains(t, err, "ORACLE_SCHEDULER_SECRET")
}

func TestLoad_BadYAML(t *testing.T) {
	setSecrets(t)
	path := filepath.Join(t.TempDir(), "oracle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [oops"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEnv_BadValues(t *testing.T) {
	for key, val := range map[string]string{
		"ORACLE_BATCH_SIZE":      "ten",
		"ORACLE_RITUAL_INTERVAL": "soon",
		"ORACLE_AUDIT_ENABLED":   "maybe",
	} {
		cfg := Defaults()
		env := map[string]string{key: val}
		err := cfg.ApplyEnv(func(k string) string { return env[k] })
		require.Error(t, err, key)
	}
}

func TestValidate(t *testing.T) {
	base := Defaults()
	base.Secrets = Secrets{Session: "a", Scheduler: "b"}
	require.NoError(t, base.Validate())

	cases := map[string]func(c *Config){
		"backend":   func(c *Config) { c.Store.Backend = "mysql" },
		"dsn":       func(c *Config) { c.Store.Backend = BackendPostgres },
		"path":      func(c *Config) { c.Store.Path = "" },
		"batch":     func(c *Config) { c.Rituals.BatchSize = 101 },
		"level":     func(c *Config) { c.LogLevel = "loud" },
		"rps":       func(c *Config) { c.Server.RateLimit.RPS = -1 },
		"starter":   func(c *Config) { c.Economy.StarterShards = -5 },
		"audit dir": func(c *Config) { c.Audit.Dir = "" },
	}
	for name, mutate := range cases {
		c := base
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("warn", false)
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(-1))

	log, err = NewLogger("warn", true)
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(-1))

	_, err = NewLogger("chatty", false)
	require.Error(t, err)
}

func TestLoad_ArchiveRequiresCredentials(t *testing.T) {
	setSecrets(t)
	t.Setenv("ORACLE_ARCHIVE_ENABLED", "true")
	t.Setenv("ORACLE_ARCHIVE_ENDPOINT", "https://r2.example.com")
	t.Setenv("ORACLE_ARCHIVE_BUCKET", "oracle-audit")
	_, err := Load("")
	require.ErrorContains(t, err, "ORACLE_ARCHIVE_ACCESS_KEY_ID")

	t.Setenv("ORACLE_ARCHIVE_ACCESS_KEY_ID", "AKID")
	t.Setenv("ORACLE_ARCHIVE_SECRET_ACCESS_KEY", "secret")
	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.Archive.Enabled)
	require.Equal(t, 2, cfg.Archive.Workers)
	require.Equal(t, 256, cfg.Archive.QueueSize)

	t.Setenv("ORACLE_AUDIT_ENABLED", "false")
	_, err = Load("")
	require.ErrorContains(t, err, "archive requires audit")
}
