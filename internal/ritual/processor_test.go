package ritual

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chodenet.ai/internal/persistence/store"
)

type fakeStore struct {
	mu      sync.Mutex
	bases   map[string]Base
	records map[string]*Record
	claims  map[string]string

	baseErr     error
	claimLimit  int
	writes      int
	releases    int
	failNextFor string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bases:   map[string]Base{},
		records: map[string]*Record{},
		claims:  map[string]string{},
	}
}

func (f *fakeStore) add(rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.Outcome == "" {
		rec.Outcome = OutcomePending
	}
	f.records[rec.ID] = &rec
}

func (f *fakeStore) get(id string) Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.records[id]
}

func (f *fakeStore) ClaimPending(ctx context.Context, limit int, token string, now, staleBefore time.Time) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimLimit = limit
	var pending []Record
	for _, r := range f.records {
		if r.Outcome == OutcomePending && f.claims[r.ID] == "" {
			pending = append(pending, *r)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	for _, r := range pending {
		f.claims[r.ID] = token
	}
	return pending, nil
}

func (f *fakeStore) ReleaseClaim(ctx context.Context, id, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claims[id] != token {
		return store.ErrConflict
	}
	delete(f.claims, id)
	f.releases++
	return nil
}

func (f *fakeStore) GetBase(ctx context.Context, id string) (Base, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.baseErr != nil {
		return Base{}, f.baseErr
	}
	b, ok := f.bases[id]
	if !ok {
		return Base{}, store.ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) CompleteRitual(ctx context.Context, id, token string, res Resolution) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextFor == id && res.Outcome != OutcomeFailure {
		f.failNextFor = ""
		return Record{}, errors.New("write timeout")
	}
	r, ok := f.records[id]
	if !ok || r.Outcome != OutcomePending || f.claims[id] != token {
		return Record{}, store.ErrConflict
	}
	*r = res.Apply(*r)
	delete(f.claims, id)
	f.writes++
	return *r, nil
}

type capturedOutcomes struct {
	mu   sync.Mutex
	recs []Record
}

func (c *capturedOutcomes) WriteOutcome(rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func newTestProcessor(t *testing.T, st Store, rng Rand, out OutcomeLogger) *Processor {
	t.Helper()
	p, err := NewProcessor(ProcessorConfig{
		Store:    st,
		Rand:     rng,
		Outcomes: out,
		Now:      func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return p
}

func TestProcessBatch_NoPendingNoWrites(t *testing.T) {
	st := newFakeStore()
	p := newTestProcessor(t, st, &scriptedRand{}, nil)

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, st.writes)
	require.Zero(t, st.releases)
}

func TestProcessBatch_MissingBaseStaysPending(t *testing.T) {
	st := newFakeStore()
	st.add(Record{ID: "r1", BaseID: "gone", BaseSuccessRate: 90, CreatedAt: testNow})
	p := newTestProcessor(t, st, &scriptedRand{}, nil)

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, OutcomePending, st.get("r1").Outcome)
	require.Equal(t, 1, st.releases)

	// Released, so the next run sees it again.
	st.bases["gone"] = Base{ID: "gone", RitualType: TypeDivination}
	n, err = p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestProcessBatch_ResolvesFIFOUpToBatchSize(t *testing.T) {
	st := newFakeStore()
	st.bases["b"] = Base{ID: "b", RitualType: TypeEnhancement}
	for i := 0; i < 12; i++ {
		st.add(Record{
			ID:              string(rune('a' + i)),
			BaseID:          "b",
			BaseSuccessRate: 95,
			GirthCost:       100,
			CreatedAt:       testNow.Add(time.Duration(i) * time.Second),
		})
	}
	out := &capturedOutcomes{}
	p := newTestProcessor(t, st, &scriptedRand{}, out)

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, DefaultBatchSize, n)
	require.Equal(t, DefaultBatchSize, st.claimLimit)
	require.Len(t, out.recs, DefaultBatchSize)

	for i := 0; i < 10; i++ {
		r := st.get(string(rune('a' + i)))
		require.Equal(t, OutcomeSuccess, r.Outcome, "record %s", r.ID)
		require.Equal(t, int64(20), r.ShardsAwarded)
		require.Equal(t, testNow, r.ProcessedAt)
	}
	require.Equal(t, OutcomePending, st.get("k").Outcome)
	require.Equal(t, OutcomePending, st.get("l").Outcome)
}

func TestProcessBatch_StoreErrorBecomesFailure(t *testing.T) {
	st := newFakeStore()
	st.bases["b"] = Base{ID: "b"}
	st.add(Record{ID: "r1", BaseID: "b", BaseSuccessRate: 95, CreatedAt: testNow})
	st.add(Record{ID: "r2", BaseID: "b", BaseSuccessRate: 95, CreatedAt: testNow.Add(time.Second)})
	st.failNextFor = "r1"
	p := newTestProcessor(t, st, &scriptedRand{}, nil)

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	r1 := st.get("r1")
	require.Equal(t, OutcomeFailure, r1.Outcome)
	require.Equal(t, failureRewardText, r1.RewardText)
	require.Equal(t, OutcomeSuccess, st.get("r2").Outcome)
}

func TestProcessBatch_BaseLookupErrorBecomesFailure(t *testing.T) {
	st := newFakeStore()
	st.baseErr = errors.New("connection reset")
	st.add(Record{ID: "r1", BaseID: "b", CreatedAt: testNow})
	p := newTestProcessor(t, st, &scriptedRand{}, nil)

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, OutcomeFailure, st.get("r1").Outcome)
}

type panicRand struct{}

func (panicRand) Float64() float64 { panic("entropy exhausted") }
func (panicRand) IntN(int) int     { panic("entropy exhausted") }

func TestProcessBatch_PanicBecomesFailure(t *testing.T) {
	st := newFakeStore()
	st.bases["b"] = Base{ID: "b"}
	st.add(Record{ID: "r1", BaseID: "b", CreatedAt: testNow})
	p := newTestProcessor(t, st, panicRand{}, nil)

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, OutcomeFailure, st.get("r1").Outcome)
}

func TestNewProcessor_RequiresStoreAndRand(t *testing.T) {
	_, err := NewProcessor(ProcessorConfig{Rand: &scriptedRand{}})
	require.Error(t, err)
	_, err = NewProcessor(ProcessorConfig{Store: newFakeStore()})
	require.Error(t, err)
}

type recordingLogger struct {
	ids []string
	err error
}

func (l *recordingLogger) WriteOutcome(rec Record) error {
	l.ids = append(l.ids, rec.ID)
	return l.err
}

func TestOutcomeLoggers_WritesAllAndJoinsErrors(t *testing.T) {
	bad := &recordingLogger{err: errors.New("disk full")}
	good := &recordingLogger{}
	err := OutcomeLoggers{bad, nil, good}.WriteOutcome(Record{ID: "r1"})
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, []string{"r1"}, bad.ids)
	require.Equal(t, []string{"r1"}, good.ids)

	require.NoError(t, OutcomeLoggers{good}.WriteOutcome(Record{ID: "r2"}))
}
