package lore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chodenet.ai/internal/persistence/store"
)

func TestBounds_AlignsToFourHours(t *testing.T) {
	cases := []struct {
		now       time.Time
		wantStart time.Time
	}{
		{time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 5, 1, 3, 59, 59, 999, time.UTC), time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 5, 1, 4, 0, 0, 0, time.UTC), time.Date(2026, 5, 1, 4, 0, 0, 0, time.UTC)},
		{time.Date(2026, 5, 1, 23, 10, 5, 0, time.UTC), time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)},
		// Non-UTC inputs are bucketed on the UTC clock.
		{time.Date(2026, 5, 1, 1, 30, 0, 0, time.FixedZone("x", 3*3600)), time.Date(2026, 4, 30, 20, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		start, end := Bounds(tc.now)
		require.True(t, start.Equal(tc.wantStart), "now=%s start=%s", tc.now, start)
		require.Equal(t, CycleLength, end.Sub(start))
	}
}

func TestCycleNumber(t *testing.T) {
	require.Equal(t, int64(0), CycleNumber(time.UnixMilli(0)))
	require.Equal(t, int64(0), CycleNumber(time.UnixMilli(4*3600*1000-1)))
	require.Equal(t, int64(1), CycleNumber(time.UnixMilli(4*3600*1000)))

	now := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)
	start, _ := Bounds(now)
	require.Equal(t, CycleNumber(start), CycleNumber(now))
}

func TestScore_Examples(t *testing.T) {
	require.Equal(t, SignificanceStandard, Score("hello world"))
	require.Equal(t, 0, ScoreValue("hello world"))

	long := "The oracle speaks and the divine listens" + strings.Repeat(".", 120)
	require.Equal(t, 160, len(long))
	require.Equal(t, 6, ScoreValue(long))
	require.Equal(t, SignificanceLegendary, Score(long))
}

func TestScore_MembershipNotCount(t *testing.T) {
	require.Equal(t, 2, ScoreValue("ORACLE oracle Oracle oracle"))
	require.Equal(t, SignificanceStandard, Score("oracle oracle oracle"))
}

func TestScore_Thresholds(t *testing.T) {
	// girth(2) + realm(1) = 3
	require.Equal(t, SignificanceNotable, Score("girth of the realm"))
	// minor tier only: legend(1) + epic(1) = 2
	require.Equal(t, SignificanceStandard, Score("an epic legend"))
	// "legendary" contains "legend"
	require.Equal(t, 1, ScoreValue("legendary"))
	// length bonus boundaries
	require.Equal(t, 0, ScoreValue(strings.Repeat("a", 100)))
	require.Equal(t, 1, ScoreValue(strings.Repeat("a", 101)))
	require.Equal(t, 1, ScoreValue(strings.Repeat("a", 150)))
	require.Equal(t, 2, ScoreValue(strings.Repeat("a", 151)))
}

type memCycles struct {
	mu       sync.Mutex
	byStart  map[int64]Cycle
	creates  int
	raceWith *Cycle
	lookErr  error
}

func (m *memCycles) CycleByStart(ctx context.Context, start time.Time) (Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookErr != nil {
		return Cycle{}, m.lookErr
	}
	c, ok := m.byStart[start.Unix()]
	if !ok {
		return Cycle{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memCycles) CreateCycle(ctx context.Context, c Cycle) (Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.raceWith != nil {
		m.byStart[m.raceWith.StartTime.Unix()] = *m.raceWith
		m.raceWith = nil
		return Cycle{}, store.ErrConflict
	}
	if _, ok := m.byStart[c.StartTime.Unix()]; ok {
		return Cycle{}, store.ErrConflict
	}
	m.byStart[c.StartTime.Unix()] = c
	return c, nil
}

func TestResolver_CreatesOncePerBucket(t *testing.T) {
	st := &memCycles{byStart: map[int64]Cycle{}}
	r := Resolver{Store: st}
	ctx := context.Background()

	t1 := time.Date(2026, 5, 1, 9, 5, 0, 0, time.UTC)
	c1, err := r.Resolve(ctx, t1)
	require.NoError(t, err)
	require.Equal(t, StatusCollecting, c1.Status)
	require.Equal(t, CycleNumber(t1), c1.CycleNumber)
	require.True(t, c1.StartTime.Equal(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)))

	c2, err := r.Resolve(ctx, t1.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, c1.ID, c2.ID)
	require.Equal(t, 1, st.creates)

	c3, err := r.Resolve(ctx, c1.EndTime)
	require.NoError(t, err)
	require.NotEqual(t, c1.ID, c3.ID)
	require.Equal(t, c1.CycleNumber+1, c3.CycleNumber)
}

func TestResolver_LostCreateRaceReturnsWinner(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 5, 0, 0, time.UTC)
	start, end := Bounds(now)
	winner := Cycle{ID: "winner", StartTime: start, EndTime: end, Status: StatusCollecting}
	st := &memCycles{byStart: map[int64]Cycle{}, raceWith: &winner}

	c, err := Resolver{Store: st}.Resolve(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, "winner", c.ID)
}

func TestResolver_StorageErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	st := &memCycles{byStart: map[int64]Cycle{}, lookErr: boom}
	_, err := Resolver{Store: st}.Resolve(context.Background(), time.Now())
	require.ErrorIs(t, err, boom)
}

func TestCycle_Remaining(t *testing.T) {
	start, end := Bounds(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	c := Cycle{StartTime: start, EndTime: end}
	require.Equal(t, 3*time.Hour, c.Remaining(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)))
	require.Zero(t, c.Remaining(end.Add(time.Minute)))
}
