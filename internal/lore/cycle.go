// Package lore buckets community submissions into four-hour lore cycles and
// scores how significant each submission is.
package lore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chodenet.ai/internal/persistence/store"
)

// CycleLength is the width of one lore cycle.
const CycleLength = 4 * time.Hour

const (
	StatusCollecting = "collecting"
	StatusComplete   = "complete"
)

type Cycle struct {
	ID          string    `json:"id"`
	CycleNumber int64     `json:"cycle_number"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Status      string    `json:"status"`
	TotalInputs int       `json:"total_inputs"`
	Prophecy    string    `json:"prophecy,omitempty"`
}

// Remaining is the time left in the cycle at now, never negative.
func (c Cycle) Remaining(now time.Time) time.Duration {
	d := c.EndTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Bounds returns the UTC cycle window containing now: the start hour is
// floored to a multiple of four and minutes/seconds are zeroed.
func Bounds(now time.Time) (start, end time.Time) {
	u := now.UTC()
	start = time.Date(u.Year(), u.Month(), u.Day(), (u.Hour()/4)*4, 0, 0, 0, time.UTC)
	return start, start.Add(CycleLength)
}

// CycleNumber counts four-hour periods since the Unix epoch.
func CycleNumber(now time.Time) int64 {
	ms := now.UnixMilli()
	n := ms / CycleLength.Milliseconds()
	if ms < 0 && ms%CycleLength.Milliseconds() != 0 {
		n--
	}
	return n
}

type CycleStore interface {
	CycleByStart(ctx context.Context, start time.Time) (Cycle, error)
	CreateCycle(ctx context.Context, c Cycle) (Cycle, error)
}

// Resolver finds or lazily creates the cycle for a timestamp.
type Resolver struct {
	Store CycleStore
}

func (r Resolver) Resolve(ctx context.Context, now time.Time) (Cycle, error) {
	start, end := Bounds(now)
	c, err := r.Store.CycleByStart(ctx, start)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Cycle{}, fmt.Errorf("lookup cycle: %w", err)
	}

	c, err = r.Store.CreateCycle(ctx, Cycle{
		ID:          uuid.NewString(),
		CycleNumber: CycleNumber(now),
		StartTime:   start,
		EndTime:     end,
		Status:      StatusCollecting,
	})
	if errors.Is(err, store.ErrConflict) {
		// Another request created the same start first.
		c, err = r.Store.CycleByStart(ctx, start)
	}
	if err != nil {
		return Cycle{}, fmt.Errorf("create cycle: %w", err)
	}
	return c, nil
}
