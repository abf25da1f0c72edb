// Package pgstore is the Postgres backend. It implements the same method set
// as sqlitestore on top of a pgx connection pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chodenet.ai/internal/persistence/store"
)

type Store struct {
	db *pgxpool.Pool
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool without migrating.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

func (s *Store) Close() error {
	if s != nil && s.db != nil {
		s.db.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS catalogs (
		name TEXT PRIMARY KEY,
		digest TEXT NOT NULL,
		json JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ritual_bases (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		base_cost DOUBLE PRECISION NOT NULL,
		base_corruption DOUBLE PRECISION NOT NULL,
		base_success_rate DOUBLE PRECISION NOT NULL,
		ritual_type TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ingredients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		cost_modifier DOUBLE PRECISION NOT NULL,
		corruption_modifier DOUBLE PRECISION NOT NULL,
		success_modifier DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS profiles (
		wallet_address TEXT PRIMARY KEY,
		username TEXT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		social_links JSONB NOT NULL DEFAULT '{}'::jsonb,
		girth_balance BIGINT NOT NULL DEFAULT 0 CHECK (girth_balance >= 0),
		shard_balance BIGINT NOT NULL DEFAULT 0 CHECK (shard_balance >= 0),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rituals (
		id TEXT PRIMARY KEY,
		player_address TEXT NOT NULL,
		base_id TEXT NOT NULL,
		ingredient_ids TEXT[] NOT NULL DEFAULT '{}',
		shard_boost INTEGER NOT NULL DEFAULT 0,
		girth_cost BIGINT NOT NULL,
		corruption_level DOUBLE PRECISION NOT NULL,
		base_success_rate DOUBLE PRECISION NOT NULL,
		outcome TEXT NOT NULL DEFAULT 'pending',
		reward_text TEXT NOT NULL DEFAULT '',
		corruption_effect TEXT NOT NULL DEFAULT '',
		shards_awarded BIGINT NOT NULL DEFAULT 0,
		claim_token TEXT NULL,
		claimed_at TIMESTAMPTZ NULL,
		created_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rituals_pending ON rituals(created_at) WHERE outcome = 'pending'`,
	`CREATE TABLE IF NOT EXISTS lore_cycles (
		id TEXT PRIMARY KEY,
		cycle_number BIGINT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL UNIQUE,
		end_time TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		total_inputs INTEGER NOT NULL DEFAULT 0,
		prophecy TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS community_inputs (
		id TEXT PRIMARY KEY,
		input_text TEXT NOT NULL,
		player_address TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		cycle_id TEXT NOT NULL REFERENCES lore_cycles(id),
		significance TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (player_address, cycle_id)
	)`,
}

// Migrate applies the idempotent schema in one transaction.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("migrate: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	for _, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("migrate: commit: %w", err)
	}
	return nil
}

// mapErr translates pgx errors into the store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
