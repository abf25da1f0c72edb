package log

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chodenet.ai/internal/lore"
	"chodenet.ai/internal/ritual"
)

func TestOutcomeLogger_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	l := NewOutcomeLogger(dir)

	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.Writer().SetClock(func() time.Time { return now })

	if err := l.WriteOutcome(ritual.Record{ID: "r1", Outcome: ritual.OutcomeSuccess, ShardsAwarded: 20}); err != nil {
		t.Fatalf("write r1: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := l.WriteOutcome(ritual.Record{ID: "r2", Outcome: ritual.OutcomeCorrupted}); err != nil {
		t.Fatalf("write r2: %v", err)
	}
	if err := l.WriteOutcome(ritual.Record{ID: "r3", Outcome: ritual.OutcomeFailure}); err != nil {
		t.Fatalf("write r3: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	first := readRecords(t, l.Writer().PathForHour("2026-03-01-10"))
	second := readRecords(t, l.Writer().PathForHour("2026-03-01-11"))
	if len(first) != 1 || first[0].ID != "r1" || first[0].ShardsAwarded != 20 {
		t.Fatalf("hour 10 = %+v", first)
	}
	if len(second) != 2 || second[0].ID != "r2" || second[1].Outcome != ritual.OutcomeFailure {
		t.Fatalf("hour 11 = %+v", second)
	}

	want := filepath.Join(dir, "rituals", "rituals-2026-03-01-10.jsonl.zst")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected %s: %v", want, err)
	}
}

func TestInputLogger_Writes(t *testing.T) {
	dir := t.TempDir()
	l := NewInputLogger(dir)
	l.Writer().SetClock(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) })
	if err := l.AcceptInput(lore.Input{ID: "i1", Text: "cosmic girth", Significance: lore.SignificanceNotable}, lore.Cycle{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var got []lore.Input
	err := ReadFile(l.Writer().PathForHour("2026-03-01-00"), func(raw json.RawMessage) error {
		var in lore.Input
		if err := json.Unmarshal(raw, &in); err != nil {
			return err
		}
		got = append(got, in)
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].Significance != lore.SignificanceNotable {
		t.Fatalf("got=%+v", got)
	}
}

func readRecords(t *testing.T, path string) []ritual.Record {
	t.Helper()
	var out []ritual.Record
	err := ReadFile(path, func(raw json.RawMessage) error {
		var r ritual.Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return out
}

func TestJSONLZstdWriter_OnCloseReportsFinishedFiles(t *testing.T) {
	w := NewJSONLZstdWriter(t.TempDir(), "inputs")
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	w.SetClock(func() time.Time { return now })
	var finished []string
	w.OnClose(func(p string) { finished = append(finished, p) })

	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	now = now.Add(time.Hour)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	want := []string{w.PathForHour("2026-03-01-10"), w.PathForHour("2026-03-01-11")}
	if len(finished) != len(want) || finished[0] != want[0] || finished[1] != want[1] {
		t.Fatalf("finished=%v want=%v", finished, want)
	}
}

func TestOutcomeLogger_ReadableBeforeClose(t *testing.T) {
	dir := t.TempDir()
	l := NewOutcomeLogger(dir)
	l.Writer().SetClock(func() time.Time { return time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC) })
	path := l.Writer().PathForHour("2026-03-01-10")

	for i := 0; i < 5; i++ {
		if err := l.WriteOutcome(ritual.Record{ID: fmt.Sprintf("r%d", i), Outcome: ritual.OutcomeSuccess}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	got := readRecords(t, path)
	if len(got) != 5 || got[0].ID != "r0" || got[4].ID != "r4" {
		t.Fatalf("before close: %+v", got)
	}

	if err := l.WriteOutcome(ritual.Record{ID: "r5", Outcome: ritual.OutcomeFailure}); err != nil {
		t.Fatalf("write r5: %v", err)
	}
	if got := readRecords(t, path); len(got) != 6 || got[5].ID != "r5" {
		t.Fatalf("after sixth write: %+v", got)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := readRecords(t, path); len(got) != 6 {
		t.Fatalf("after close: %d entries", len(got))
	}
}

func TestOutcomeLoggerWithPrefix_SeparateFiles(t *testing.T) {
	dir := t.TempDir()
	clock := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	server := NewOutcomeLogger(dir)
	admin := NewOutcomeLoggerWithPrefix(dir, "rituals-admin")
	server.Writer().SetClock(clock)
	admin.Writer().SetClock(clock)

	for i := 0; i < 3; i++ {
		if err := server.WriteOutcome(ritual.Record{ID: fmt.Sprintf("s%d", i)}); err != nil {
			t.Fatalf("server write: %v", err)
		}
		if err := admin.WriteOutcome(ritual.Record{ID: fmt.Sprintf("a%d", i)}); err != nil {
			t.Fatalf("admin write: %v", err)
		}
	}
	if err := server.Close(); err != nil {
		t.Fatalf("close server: %v", err)
	}
	if err := admin.Close(); err != nil {
		t.Fatalf("close admin: %v", err)
	}

	want := filepath.Join(dir, "rituals", "rituals-admin-2026-03-01-10.jsonl.zst")
	if admin.Writer().PathForHour("2026-03-01-10") != want {
		t.Fatalf("admin path=%s", admin.Writer().PathForHour("2026-03-01-10"))
	}
	s := readRecords(t, server.Writer().PathForHour("2026-03-01-10"))
	a := readRecords(t, want)
	if len(s) != 3 || len(a) != 3 || s[2].ID != "s2" || a[2].ID != "a2" {
		t.Fatalf("server=%+v admin=%+v", s, a)
	}
}
