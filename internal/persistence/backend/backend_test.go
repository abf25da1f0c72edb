package backend

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"chodenet.ai/internal/catalogs"
	"chodenet.ai/internal/config"
)

func TestOpen_SQLiteCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "oracle.sqlite")
	st, err := Open(context.Background(), config.StoreConfig{Backend: config.BackendSQLite, Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	cat := catalogs.Default()
	if err := st.UpsertCatalog(ctx, cat); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	digest, err := st.CatalogDigest(ctx)
	if err != nil || digest != cat.Digest {
		t.Fatalf("digest=%q err=%v want=%q", digest, err, cat.Digest)
	}
}

func TestOpen_Unsupported(t *testing.T) {
	if _, err := Open(context.Background(), config.StoreConfig{Backend: "mongo"}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for unsupported backend")
	}
}
