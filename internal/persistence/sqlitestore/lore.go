package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"chodenet.ai/internal/lore"
	"chodenet.ai/internal/persistence/store"
)

const cycleColumns = `id, cycle_number, start_time, end_time, status, total_inputs, prophecy`

func scanCycle(row rowScanner) (lore.Cycle, error) {
	var (
		c          lore.Cycle
		start, end string
	)
	if err := row.Scan(&c.ID, &c.CycleNumber, &start, &end, &c.Status, &c.TotalInputs, &c.Prophecy); err != nil {
		return lore.Cycle{}, mapErr(err)
	}
	var err error
	if c.StartTime, err = parseTS(start); err != nil {
		return lore.Cycle{}, err
	}
	if c.EndTime, err = parseTS(end); err != nil {
		return lore.Cycle{}, err
	}
	return c, nil
}

func (s *Store) CycleByStart(ctx context.Context, start time.Time) (lore.Cycle, error) {
	return scanCycle(s.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM lore_cycles WHERE start_time=?`, formatTS(start)))
}

func (s *Store) GetCycle(ctx context.Context, id string) (lore.Cycle, error) {
	return scanCycle(s.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM lore_cycles WHERE id=?`, id))
}

// CreateCycle inserts c. A second cycle with the same start is ErrConflict.
func (s *Store) CreateCycle(ctx context.Context, c lore.Cycle) (lore.Cycle, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO lore_cycles(`+cycleColumns+`) VALUES(?,?,?,?,?,?,?)`,
		c.ID, c.CycleNumber, formatTS(c.StartTime), formatTS(c.EndTime), c.Status, c.TotalInputs, c.Prophecy)
	if err != nil {
		return lore.Cycle{}, mapErr(err)
	}
	return s.GetCycle(ctx, c.ID)
}

// AddInput stores a submission and bumps the cycle's input count. A second
// submission by the same submitter in the same cycle is ErrConflict.
func (s *Store) AddInput(ctx context.Context, in lore.Input) (lore.Cycle, error) {
	meta := "{}"
	if len(in.Metadata) > 0 {
		b, err := json.Marshal(in.Metadata)
		if err != nil {
			return lore.Cycle{}, fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(b)
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	var out lore.Cycle
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO community_inputs(id,input_text,player_address,username,cycle_id,significance,metadata,created_at)
			VALUES(?,?,?,?,?,?,?,?)`,
			in.ID, in.Text, in.SubmitterID, in.Username, in.CycleID, string(in.Significance), meta, formatTS(in.CreatedAt))
		if err != nil {
			return mapErr(err)
		}
		r, err := tx.ExecContext(ctx, `UPDATE lore_cycles SET total_inputs=total_inputs+1 WHERE id=?`, in.CycleID)
		if err != nil {
			return err
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		out, err = scanCycle(tx.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM lore_cycles WHERE id=?`, in.CycleID))
		return err
	})
	if err != nil {
		return lore.Cycle{}, err
	}
	return out, nil
}

// CycleInputs lists a cycle's submissions oldest first.
func (s *Store) CycleInputs(ctx context.Context, cycleID string) ([]lore.Input, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,input_text,player_address,username,cycle_id,significance,metadata,created_at
		FROM community_inputs WHERE cycle_id=? ORDER BY created_at, id`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lore.Input
	for rows.Next() {
		var (
			in        lore.Input
			sig       string
			meta      string
			createdAt string
		)
		if err := rows.Scan(&in.ID, &in.Text, &in.SubmitterID, &in.Username, &in.CycleID, &sig, &meta, &createdAt); err != nil {
			return nil, err
		}
		in.Significance = lore.Significance(sig)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &in.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		if in.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// CloseExpiredCycles marks every collecting cycle whose end is at or before
// now as complete and returns them.
func (s *Store) CloseExpiredCycles(ctx context.Context, now time.Time) ([]lore.Cycle, error) {
	var out []lore.Cycle
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+cycleColumns+` FROM lore_cycles WHERE status=? AND end_time<=? ORDER BY start_time`,
			lore.StatusCollecting, formatTS(now))
		if err != nil {
			return err
		}
		for rows.Next() {
			c, err := scanCycle(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			out = append(out, c)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for i := range out {
			if _, err := tx.ExecContext(ctx, `UPDATE lore_cycles SET status=? WHERE id=?`, lore.StatusComplete, out[i].ID); err != nil {
				return err
			}
			out[i].Status = lore.StatusComplete
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SetCycleProphecy(ctx context.Context, id, text string) error {
	r, err := s.db.ExecContext(ctx, `UPDATE lore_cycles SET prophecy=? WHERE id=?`, text, id)
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
