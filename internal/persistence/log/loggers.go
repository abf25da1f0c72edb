// Package log writes append-only, hourly rotated JSONL audit files
// compressed with zstd.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"chodenet.ai/internal/lore"
	"chodenet.ai/internal/ritual"
)

const hourLayout = "2006-01-02-15"

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time
	onClose func(path string)

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

// SetClock replaces the clock used to pick the hourly file.
func (w *JSONLZstdWriter) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}

// OnClose registers fn to receive the path of every file the writer
// finishes, either on hourly rotation or on Close.
func (w *JSONLZstdWriter) OnClose(fn func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onClose = fn
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format(hourLayout)
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	// Every entry ends its own zstd frame so the file on disk is always a
	// complete stream, readable before the hour closes.
	if err := w.enc.Close(); err != nil {
		return err
	}
	w.enc.Reset(w.f)
	return nil
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.PathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	finished := ""
	if w.f != nil {
		finished = w.PathForHour(w.curHour)
	}
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	if finished != "" && err1 == nil && w.onClose != nil {
		w.onClose(finished)
	}
	return err1
}

// PathForHour is the file that receives entries written during hour
// (formatted 2006-01-02-15).
func (w *JSONLZstdWriter) PathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// OutcomeLogger records every ritual that reached a terminal outcome.
type OutcomeLogger struct{ w *JSONLZstdWriter }

func NewOutcomeLogger(dir string) *OutcomeLogger {
	return NewOutcomeLoggerWithPrefix(dir, "rituals")
}

// NewOutcomeLoggerWithPrefix writes under dir/rituals with its own file
// prefix. Two processes sharing audit.dir must use different prefixes.
func NewOutcomeLoggerWithPrefix(dir, prefix string) *OutcomeLogger {
	return &OutcomeLogger{w: NewJSONLZstdWriter(filepath.Join(dir, "rituals"), prefix)}
}

func (l *OutcomeLogger) WriteOutcome(rec ritual.Record) error { return l.w.Write(rec) }
func (l *OutcomeLogger) Writer() *JSONLZstdWriter             { return l.w }
func (l *OutcomeLogger) Close() error                         { return l.w.Close() }

// InputLogger records accepted community submissions.
type InputLogger struct{ w *JSONLZstdWriter }

func NewInputLogger(dir string) *InputLogger {
	return &InputLogger{w: NewJSONLZstdWriter(filepath.Join(dir, "lore"), "lore")}
}

func (l *InputLogger) WriteInput(in lore.Input) error { return l.w.Write(in) }
func (l *InputLogger) Writer() *JSONLZstdWriter       { return l.w }
func (l *InputLogger) Close() error                   { return l.w.Close() }

// AcceptInput logs in; the cycle is already referenced by in.CycleID.
func (l *InputLogger) AcceptInput(in lore.Input, _ lore.Cycle) error { return l.WriteInput(in) }

// ReadFile decodes every entry of a log file, including one still being
// written.
func ReadFile(path string, fn func(raw json.RawMessage) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(json.RawMessage(append([]byte(nil), line...))); err != nil {
			return err
		}
	}
	return sc.Err()
}
