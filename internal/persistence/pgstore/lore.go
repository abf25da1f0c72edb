package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"chodenet.ai/internal/lore"
	"chodenet.ai/internal/persistence/store"
)

const cycleColumns = `id, cycle_number, start_time, end_time, status, total_inputs, prophecy`

func scanCycle(row pgx.Row) (lore.Cycle, error) {
	var c lore.Cycle
	if err := row.Scan(&c.ID, &c.CycleNumber, &c.StartTime, &c.EndTime, &c.Status, &c.TotalInputs, &c.Prophecy); err != nil {
		return lore.Cycle{}, mapErr(err)
	}
	c.StartTime = c.StartTime.UTC()
	c.EndTime = c.EndTime.UTC()
	return c, nil
}

func (s *Store) CycleByStart(ctx context.Context, start time.Time) (lore.Cycle, error) {
	return scanCycle(s.db.QueryRow(ctx, `SELECT `+cycleColumns+` FROM lore_cycles WHERE start_time=$1`, start.UTC()))
}

func (s *Store) GetCycle(ctx context.Context, id string) (lore.Cycle, error) {
	return scanCycle(s.db.QueryRow(ctx, `SELECT `+cycleColumns+` FROM lore_cycles WHERE id=$1`, id))
}

func (s *Store) CreateCycle(ctx context.Context, c lore.Cycle) (lore.Cycle, error) {
	return scanCycle(s.db.QueryRow(ctx, `INSERT INTO lore_cycles(`+cycleColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7)
		RETURNING `+cycleColumns,
		c.ID, c.CycleNumber, c.StartTime.UTC(), c.EndTime.UTC(), c.Status, c.TotalInputs, c.Prophecy))
}

func (s *Store) AddInput(ctx context.Context, in lore.Input) (lore.Cycle, error) {
	meta := []byte("{}")
	if len(in.Metadata) > 0 {
		b, err := json.Marshal(in.Metadata)
		if err != nil {
			return lore.Cycle{}, fmt.Errorf("encode metadata: %w", err)
		}
		meta = b
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	var out lore.Cycle
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO community_inputs(id,input_text,player_address,username,cycle_id,significance,metadata,created_at)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
			in.ID, in.Text, in.SubmitterID, in.Username, in.CycleID, string(in.Significance), meta, in.CreatedAt)
		if err != nil {
			return mapErr(err)
		}
		out, err = scanCycle(tx.QueryRow(ctx, `UPDATE lore_cycles SET total_inputs=total_inputs+1 WHERE id=$1 RETURNING `+cycleColumns, in.CycleID))
		return err
	})
	if err != nil {
		return lore.Cycle{}, err
	}
	return out, nil
}

func (s *Store) CycleInputs(ctx context.Context, cycleID string) ([]lore.Input, error) {
	rows, err := s.db.Query(ctx, `SELECT id,input_text,player_address,username,cycle_id,significance,metadata,created_at
		FROM community_inputs WHERE cycle_id=$1 ORDER BY created_at, id`, cycleID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (lore.Input, error) {
		var (
			in   lore.Input
			sig  string
			meta []byte
		)
		if err := row.Scan(&in.ID, &in.Text, &in.SubmitterID, &in.Username, &in.CycleID, &sig, &meta, &in.CreatedAt); err != nil {
			return lore.Input{}, err
		}
		in.Significance = lore.Significance(sig)
		in.CreatedAt = in.CreatedAt.UTC()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &in.Metadata); err != nil {
				return lore.Input{}, fmt.Errorf("decode metadata: %w", err)
			}
			if len(in.Metadata) == 0 {
				in.Metadata = nil
			}
		}
		return in, nil
	})
}

func (s *Store) CloseExpiredCycles(ctx context.Context, now time.Time) ([]lore.Cycle, error) {
	rows, err := s.db.Query(ctx, `UPDATE lore_cycles SET status=$1 WHERE status=$2 AND end_time<=$3 RETURNING `+cycleColumns,
		lore.StatusComplete, lore.StatusCollecting, now.UTC())
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (lore.Cycle, error) {
		return scanCycle(row)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *Store) SetCycleProphecy(ctx context.Context, id, text string) error {
	tag, err := s.db.Exec(ctx, `UPDATE lore_cycles SET prophecy=$1 WHERE id=$2`, text, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
