// Package backend opens the configured store implementation.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"chodenet.ai/internal/api"
	"chodenet.ai/internal/catalogs"
	"chodenet.ai/internal/config"
	"chodenet.ai/internal/oracle"
	"chodenet.ai/internal/persistence/pgstore"
	"chodenet.ai/internal/persistence/sqlitestore"
	"chodenet.ai/internal/ritual"
)

// Store is the method set both store implementations share.
type Store interface {
	api.Store
	ritual.Store
	oracle.CycleStore
	UpsertCatalog(ctx context.Context, c *catalogs.Catalog) error
	CatalogDigest(ctx context.Context) (string, error)
	Close() error
}

var (
	_ Store = (*sqlitestore.Store)(nil)
	_ Store = (*pgstore.Store)(nil)
)

func Open(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, err
			}
		}
		s, err := sqlitestore.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		log.Info("store opened", zap.String("backend", cfg.Backend), zap.String("path", cfg.Path))
		return s, nil
	case config.BackendPostgres:
		s, err := pgstore.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		log.Info("store opened", zap.String("backend", cfg.Backend))
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}
