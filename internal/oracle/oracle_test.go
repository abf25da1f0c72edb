package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chodenet.ai/internal/lore"
)

var testStart = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func TestPrompt_PicksSignificantInputs(t *testing.T) {
	c := lore.Cycle{CycleNumber: 123, StartTime: testStart, EndTime: testStart.Add(lore.CycleLength)}
	inputs := []lore.Input{
		{Text: "plain", Significance: lore.SignificanceStandard},
		{Text: "the realm of girth", Significance: lore.SignificanceNotable},
		{Text: "oracle divine cosmic", Significance: lore.SignificanceLegendary},
	}
	p := Prompt(c, inputs)
	require.Contains(t, p, "Lore cycle 123")
	require.NotContains(t, p, "plain")
	// Legendary first.
	require.Less(t, strings.Index(p, "oracle divine cosmic"), strings.Index(p, "the realm of girth"))

	require.Empty(t, Prompt(c, inputs[:1]))
}

type fakeCycles struct {
	closed    []lore.Cycle
	inputs    map[string][]lore.Input
	prophecy  map[string]string
	closeErr  error
	closeTime time.Time
}

func (f *fakeCycles) CloseExpiredCycles(ctx context.Context, now time.Time) ([]lore.Cycle, error) {
	f.closeTime = now
	return f.closed, f.closeErr
}

func (f *fakeCycles) CycleInputs(ctx context.Context, id string) ([]lore.Input, error) {
	return f.inputs[id], nil
}

func (f *fakeCycles) SetCycleProphecy(ctx context.Context, id, text string) error {
	f.prophecy[id] = text
	return nil
}

type prophetFunc func(ctx context.Context, c lore.Cycle, in []lore.Input) (string, error)

func (f prophetFunc) Prophesy(ctx context.Context, c lore.Cycle, in []lore.Input) (string, error) {
	return f(ctx, c, in)
}

func TestCloser_StoresProphecy(t *testing.T) {
	st := &fakeCycles{
		closed: []lore.Cycle{
			{ID: "a", TotalInputs: 1},
			{ID: "b", TotalInputs: 0},
			{ID: "c", TotalInputs: 2},
		},
		inputs: map[string][]lore.Input{
			"a": {{Text: "cosmic", Significance: lore.SignificanceNotable}},
			"c": {{Text: "x"}, {Text: "y"}},
		},
		prophecy: map[string]string{},
	}
	calls := 0
	cl := &Closer{
		Store: st,
		Prophet: prophetFunc(func(ctx context.Context, c lore.Cycle, in []lore.Input) (string, error) {
			calls++
			if c.ID == "c" {
				return "", errors.New("quota")
			}
			return "the girth shall rise", nil
		}),
		Now: func() time.Time { return testStart },
	}

	closed, err := cl.Close(context.Background())
	require.NoError(t, err)
	require.Len(t, closed, 3)
	require.Equal(t, testStart, st.closeTime)
	require.Equal(t, 2, calls)
	require.Equal(t, map[string]string{"a": "the girth shall rise"}, st.prophecy)
	require.Equal(t, "the girth shall rise", closed[0].Prophecy)
	require.Empty(t, closed[2].Prophecy)
}

func TestCloser_WithoutProphetOnlyCloses(t *testing.T) {
	st := &fakeCycles{closed: []lore.Cycle{{ID: "a", TotalInputs: 3}}, prophecy: map[string]string{}}
	closed, err := (&Closer{Store: st}).Close(context.Background())
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.Empty(t, st.prophecy)
}

func TestCloser_StoreErrorPropagates(t *testing.T) {
	st := &fakeCycles{closeErr: errors.New("db down")}
	_, err := (&Closer{Store: st}).Close(context.Background())
	require.Error(t, err)
}

func TestNewGenAIProphet_RequiresKey(t *testing.T) {
	_, err := NewGenAIProphet(context.Background(), "", "")
	require.Error(t, err)
}
