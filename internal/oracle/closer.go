package oracle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chodenet.ai/internal/lore"
)

type CycleStore interface {
	CloseExpiredCycles(ctx context.Context, now time.Time) ([]lore.Cycle, error)
	CycleInputs(ctx context.Context, cycleID string) ([]lore.Input, error)
	SetCycleProphecy(ctx context.Context, id, text string) error
}

// Closer marks expired cycles complete and, when a Prophet is set, stores a
// prophecy on each. Prophecy failures are logged; the cycle stays closed.
type Closer struct {
	Store   CycleStore
	Prophet Prophet
	Logger  *zap.Logger
	Now     func() time.Time
}

// Close runs one pass and returns the cycles it closed.
func (c *Closer) Close(ctx context.Context) ([]lore.Cycle, error) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := time.Now().UTC()
	if c.Now != nil {
		now = c.Now()
	}

	closed, err := c.Store.CloseExpiredCycles(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("close cycles: %w", err)
	}
	for i, cy := range closed {
		log.Info("lore cycle closed",
			zap.String("cycle_id", cy.ID),
			zap.Int64("cycle_number", cy.CycleNumber),
			zap.Int("total_inputs", cy.TotalInputs))
		if c.Prophet == nil || cy.TotalInputs == 0 {
			continue
		}
		inputs, err := c.Store.CycleInputs(ctx, cy.ID)
		if err != nil {
			log.Warn("load cycle inputs", zap.String("cycle_id", cy.ID), zap.Error(err))
			continue
		}
		text, err := c.Prophet.Prophesy(ctx, cy, inputs)
		if err != nil {
			log.Warn("prophecy failed", zap.String("cycle_id", cy.ID), zap.Error(err))
			continue
		}
		if text == "" {
			continue
		}
		if err := c.Store.SetCycleProphecy(ctx, cy.ID, text); err != nil {
			log.Warn("store prophecy", zap.String("cycle_id", cy.ID), zap.Error(err))
			continue
		}
		closed[i].Prophecy = text
	}
	return closed, nil
}
