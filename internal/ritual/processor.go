package ritual

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chodenet.ai/internal/persistence/store"
)

const (
	DefaultBatchSize = 10
	DefaultClaimTTL  = 5 * time.Minute
)

// Store is the persistence the processor needs. Claims make concurrent
// processors safe: only the holder of a claim token may complete or release
// the claimed rows.
type Store interface {
	ClaimPending(ctx context.Context, limit int, token string, now, staleBefore time.Time) ([]Record, error)
	ReleaseClaim(ctx context.Context, id, token string) error
	GetBase(ctx context.Context, id string) (Base, error)
	CompleteRitual(ctx context.Context, id, token string, res Resolution) (Record, error)
}

// OutcomeLogger receives every record that reached a terminal outcome.
type OutcomeLogger interface {
	WriteOutcome(rec Record) error
}

// OutcomeLoggers fans a record out to several sinks. Every sink is tried even
// when an earlier one fails.
type OutcomeLoggers []OutcomeLogger

func (ls OutcomeLoggers) WriteOutcome(rec Record) error {
	var errs []error
	for _, l := range ls {
		if l == nil {
			continue
		}
		if err := l.WriteOutcome(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type ProcessorConfig struct {
	Store     Store
	Rand      Rand
	BatchSize int
	// ClaimTTL is how long a claim blocks other processors before the rows
	// are considered abandoned.
	ClaimTTL time.Duration
	Outcomes OutcomeLogger
	Logger   *zap.Logger
	Now      func() time.Time
}

type Processor struct {
	store     Store
	rand      Rand
	batchSize int
	claimTTL  time.Duration
	outcomes  OutcomeLogger
	log       *zap.Logger
	now       func() time.Time

	// mu serialises batches inside one process; rand is not goroutine safe.
	mu sync.Mutex
}

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("nil store")
	}
	if cfg.Rand == nil {
		return nil, fmt.Errorf("nil rand")
	}
	p := &Processor{
		store:     cfg.Store,
		rand:      cfg.Rand,
		batchSize: cfg.BatchSize,
		claimTTL:  cfg.ClaimTTL,
		outcomes:  cfg.Outcomes,
		log:       cfg.Logger,
		now:       cfg.Now,
	}
	if p.batchSize <= 0 {
		p.batchSize = DefaultBatchSize
	}
	if p.claimTTL <= 0 {
		p.claimTTL = DefaultClaimTTL
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	return p, nil
}

// ProcessBatch resolves up to BatchSize of the oldest pending rituals and
// returns how many reached a terminal outcome. A failure on one record never
// aborts the batch.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	token := uuid.NewString()
	recs, err := p.store.ClaimPending(ctx, p.batchSize, token, now, now.Add(-p.claimTTL))
	if err != nil {
		return 0, fmt.Errorf("claim pending: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	processed := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			// Unprocessed claims expire after ClaimTTL and are picked up again.
			break
		}
		if p.processOne(ctx, rec, token) {
			processed++
		}
	}
	p.log.Info("ritual batch processed",
		zap.Int("claimed", len(recs)),
		zap.Int("processed", processed))
	return processed, nil
}

func (p *Processor) processOne(ctx context.Context, rec Record, token string) (terminal bool) {
	defer func() {
		if r := recover(); r != nil {
			terminal = p.fail(ctx, rec, token, fmt.Errorf("panic: %v", r))
		}
	}()

	base, err := p.store.GetBase(ctx, rec.BaseID)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Warn("ritual base missing; leaving record pending",
			zap.String("ritual_id", rec.ID),
			zap.String("base_id", rec.BaseID))
		if err := p.store.ReleaseClaim(ctx, rec.ID, token); err != nil {
			p.log.Error("release claim", zap.String("ritual_id", rec.ID), zap.Error(err))
		}
		return false
	}
	if err != nil {
		return p.fail(ctx, rec, token, fmt.Errorf("load base: %w", err))
	}

	res := Resolve(rec, base.RitualType, p.rand, p.now())
	done, err := p.store.CompleteRitual(ctx, rec.ID, token, res)
	if errors.Is(err, store.ErrConflict) {
		p.log.Warn("ritual claim lost", zap.String("ritual_id", rec.ID))
		return false
	}
	if err != nil {
		return p.fail(ctx, rec, token, fmt.Errorf("complete: %w", err))
	}
	p.emit(done)
	return true
}

// fail writes a terminal failure so the record cannot loop forever.
func (p *Processor) fail(ctx context.Context, rec Record, token string, cause error) bool {
	p.log.Error("ritual processing failed", zap.String("ritual_id", rec.ID), zap.Error(cause))
	done, err := p.store.CompleteRitual(ctx, rec.ID, token, FailureResolution(p.now()))
	if err != nil {
		p.log.Error("mark ritual failed", zap.String("ritual_id", rec.ID), zap.Error(err))
		return false
	}
	p.emit(done)
	return true
}

func (p *Processor) emit(rec Record) {
	if p.outcomes == nil {
		return
	}
	if err := p.outcomes.WriteOutcome(rec); err != nil {
		p.log.Warn("write outcome", zap.String("ritual_id", rec.ID), zap.Error(err))
	}
}
