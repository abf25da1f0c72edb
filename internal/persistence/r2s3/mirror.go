package r2s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Uploader is the part of Client the mirror needs.
type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type MirrorConfig struct {
	// DataDir is stripped from local paths to build object keys.
	DataDir   string
	Prefix    string
	Workers   int
	QueueSize int
	Attempts  int
	Backoff   time.Duration
	Logger    *zap.Logger
}

type Stats struct {
	Enqueued uint64
	Dropped  uint64
	Uploaded uint64
	Failed   uint64
}

// Mirror uploads files handed to Enqueue on a small worker pool. Enqueue
// never blocks; a full queue drops the file and counts it.
type Mirror struct {
	up  Uploader
	cfg MirrorConfig
	log *zap.Logger

	jobs      chan string
	wg        sync.WaitGroup
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	mu     sync.RWMutex
	closed bool

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	uploaded atomic.Uint64
	failed   atomic.Uint64
}

func NewMirror(up Uploader, cfg MirrorConfig) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	cfg.Prefix = strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/")
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		up:     up,
		cfg:    cfg,
		log:    logger,
		jobs:   make(chan string, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.uploadOne(p)
			}
		}()
	}
	return m
}

func (m *Mirror) Enqueue(localPath string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
	default:
		m.dropped.Add(1)
		m.log.Warn("archive queue full; dropping file", zap.String("path", localPath))
	}
}

// Close drains queued uploads and stops the workers. Uploads still
// retrying when ctx ends are abandoned.
func (m *Mirror) Close(ctx context.Context) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.jobs)
		m.mu.Unlock()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			m.cancel()
			<-done
		}
		m.cancel()
	})
}

func (m *Mirror) Stats() Stats {
	return Stats{
		Enqueued: m.enqueued.Load(),
		Dropped:  m.dropped.Load(),
		Uploaded: m.uploaded.Load(),
		Failed:   m.failed.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.failed.Add(1)
		m.log.Warn("archive skip", zap.String("path", localPath), zap.Error(err))
		return
	}
	if err := m.uploadWithRetry(key, localPath); err != nil {
		m.failed.Add(1)
		m.log.Error("archive upload failed", zap.String("key", key), zap.Error(err))
		return
	}
	m.uploaded.Add(1)
	m.log.Debug("archived", zap.String("key", key))
}

func (m *Mirror) uploadWithRetry(key, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
		err := m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == m.cfg.Attempts {
			break
		}
		t := time.NewTimer(time.Duration(attempt*attempt) * m.cfg.Backoff)
		select {
		case <-t.C:
		case <-m.ctx.Done():
			t.Stop()
			return lastErr
		}
	}
	return lastErr
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	base, err := filepath.Abs(m.cfg.DataDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, base)
	}
	if m.cfg.Prefix != "" {
		rel = path.Join(m.cfg.Prefix, rel)
	}
	return rel, nil
}
