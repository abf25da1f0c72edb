// Package sqlitestore is the embedded SQLite backend for profiles, rituals
// and lore cycles.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chodenet.ai/internal/persistence/store"
)

// SchemaVersion is the latest schema version supported by the migrator.
const SchemaVersion = 1

// Timestamps are fixed-width UTC text so lexical order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000Z"

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
// ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: every transaction is serialised by the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

// Migrate ensures the schema exists and is upgraded to SchemaVersion.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}
	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct {
		name string
		sql  string
	}{
		{"catalogs", `CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`},
		{"ritual_bases", `CREATE TABLE IF NOT EXISTS ritual_bases (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			base_cost REAL NOT NULL,
			base_corruption REAL NOT NULL,
			base_success_rate REAL NOT NULL,
			ritual_type TEXT NOT NULL
		);`},
		{"ingredients", `CREATE TABLE IF NOT EXISTS ingredients (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			cost_modifier REAL NOT NULL,
			corruption_modifier REAL NOT NULL,
			success_modifier REAL NOT NULL
		);`},
		{"profiles", `CREATE TABLE IF NOT EXISTS profiles (
			wallet_address TEXT PRIMARY KEY,
			username TEXT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			bio TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			social_links TEXT NOT NULL DEFAULT '{}',
			girth_balance INTEGER NOT NULL DEFAULT 0 CHECK (girth_balance >= 0),
			shard_balance INTEGER NOT NULL DEFAULT 0 CHECK (shard_balance >= 0),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`},
		{"rituals", `CREATE TABLE IF NOT EXISTS rituals (
			id TEXT PRIMARY KEY,
			player_address TEXT NOT NULL,
			base_id TEXT NOT NULL,
			ingredient_ids TEXT NOT NULL DEFAULT '[]',
			shard_boost INTEGER NOT NULL DEFAULT 0,
			girth_cost INTEGER NOT NULL,
			corruption_level REAL NOT NULL,
			base_success_rate REAL NOT NULL,
			outcome TEXT NOT NULL DEFAULT 'pending',
			reward_text TEXT NOT NULL DEFAULT '',
			corruption_effect TEXT NOT NULL DEFAULT '',
			shards_awarded INTEGER NOT NULL DEFAULT 0,
			claim_token TEXT NULL,
			claimed_at TEXT NULL,
			created_at TEXT NOT NULL,
			processed_at TEXT NULL
		);`},
		{"idx_rituals_outcome_created", `CREATE INDEX IF NOT EXISTS idx_rituals_outcome_created ON rituals(outcome, created_at);`},
		{"lore_cycles", `CREATE TABLE IF NOT EXISTS lore_cycles (
			id TEXT PRIMARY KEY,
			cycle_number INTEGER NOT NULL,
			start_time TEXT NOT NULL UNIQUE,
			end_time TEXT NOT NULL,
			status TEXT NOT NULL,
			total_inputs INTEGER NOT NULL DEFAULT 0,
			prophecy TEXT NOT NULL DEFAULT ''
		);`},
		{"community_inputs", `CREATE TABLE IF NOT EXISTS community_inputs (
			id TEXT PRIMARY KEY,
			input_text TEXT NOT NULL,
			player_address TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			cycle_id TEXT NOT NULL REFERENCES lore_cycles(id),
			significance TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			UNIQUE(player_address, cycle_id)
		);`},
	}
	for _, st := range stmts {
		if _, err := tx.Exec(st.sql); err != nil {
			return fmt.Errorf("migrate: create %s: %w", st.name, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?);`, SchemaVersion); err != nil {
		return fmt.Errorf("migrate: record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit transaction: %w", err)
	}
	return nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func parseNullTS(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return parseTS(ns.String)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// mapErr translates driver errors into the store sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	default:
		return err
	}
}

// inTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
