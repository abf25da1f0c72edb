package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"chodenet.ai/internal/catalogs"
	"chodenet.ai/internal/persistence/store"
	"chodenet.ai/internal/ritual"
)

func (s *Store) UpsertCatalog(ctx context.Context, c *catalogs.Catalog) error {
	if c == nil {
		return fmt.Errorf("nil catalog")
	}
	raw, err := json.Marshal(struct {
		Bases       []ritual.Base       `json:"bases"`
		Ingredients []ritual.Ingredient `json:"ingredients"`
	}{c.Bases, c.Ingredients})
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, b := range c.Bases {
			batch.Queue(`INSERT INTO ritual_bases(id,name,base_cost,base_corruption,base_success_rate,ritual_type)
				VALUES($1,$2,$3,$4,$5,$6)
				ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, base_cost=EXCLUDED.base_cost,
					base_corruption=EXCLUDED.base_corruption, base_success_rate=EXCLUDED.base_success_rate,
					ritual_type=EXCLUDED.ritual_type`,
				b.ID, b.Name, b.BaseCost, b.BaseCorruption, b.BaseSuccessRate, b.RitualType)
		}
		for _, ing := range c.Ingredients {
			batch.Queue(`INSERT INTO ingredients(id,name,cost_modifier,corruption_modifier,success_modifier)
				VALUES($1,$2,$3,$4,$5)
				ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, cost_modifier=EXCLUDED.cost_modifier,
					corruption_modifier=EXCLUDED.corruption_modifier, success_modifier=EXCLUDED.success_modifier`,
				ing.ID, ing.Name, ing.CostModifier, ing.CorruptionModifier, ing.SuccessModifier)
		}
		batch.Queue(`INSERT INTO catalogs(name,digest,json,updated_at) VALUES('rituals',$1,$2,$3)
			ON CONFLICT (name) DO UPDATE SET digest=EXCLUDED.digest, json=EXCLUDED.json, updated_at=EXCLUDED.updated_at`,
			c.Digest, raw, time.Now().UTC())
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *Store) CatalogDigest(ctx context.Context) (string, error) {
	var d string
	err := s.db.QueryRow(ctx, `SELECT digest FROM catalogs WHERE name='rituals'`).Scan(&d)
	return d, mapErr(err)
}

func (s *Store) GetBase(ctx context.Context, id string) (ritual.Base, error) {
	var b ritual.Base
	err := s.db.QueryRow(ctx, `SELECT id,name,base_cost,base_corruption,base_success_rate,ritual_type FROM ritual_bases WHERE id=$1`, id).
		Scan(&b.ID, &b.Name, &b.BaseCost, &b.BaseCorruption, &b.BaseSuccessRate, &b.RitualType)
	if err != nil {
		return ritual.Base{}, mapErr(err)
	}
	return b, nil
}

func (s *Store) GetIngredients(ctx context.Context, ids []string) ([]ritual.Ingredient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT id,name,cost_modifier,corruption_modifier,success_modifier
		FROM ingredients WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	found, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ritual.Ingredient, error) {
		var ing ritual.Ingredient
		err := row.Scan(&ing.ID, &ing.Name, &ing.CostModifier, &ing.CorruptionModifier, &ing.SuccessModifier)
		return ing, err
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]ritual.Ingredient, len(found))
	for _, ing := range found {
		byID[ing.ID] = ing
	}
	out := make([]ritual.Ingredient, 0, len(ids))
	for _, id := range ids {
		ing, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("ingredient %q: %w", id, store.ErrNotFound)
		}
		out = append(out, ing)
	}
	return out, nil
}

func (s *Store) CreateRitual(ctx context.Context, rec ritual.Record) (ritual.Record, error) {
	if rec.Outcome == "" {
		rec.Outcome = ritual.OutcomePending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	ids := rec.IngredientIDs
	if ids == nil {
		ids = []string{}
	}

	var out ritual.Record
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := debit(ctx, tx, rec.PlayerAddress, rec.GirthCost, int64(rec.ShardBoost), rec.CreatedAt); err != nil {
			return err
		}
		var err error
		out, err = scanRecord(tx.QueryRow(ctx, `INSERT INTO rituals(id,player_address,base_id,ingredient_ids,shard_boost,girth_cost,
			corruption_level,base_success_rate,outcome,created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			RETURNING `+recordColumns,
			rec.ID, rec.PlayerAddress, rec.BaseID, ids, rec.ShardBoost, rec.GirthCost,
			rec.CorruptionLevel, rec.BaseSuccessRate, string(rec.Outcome), rec.CreatedAt))
		return err
	})
	if err != nil {
		return ritual.Record{}, err
	}
	return out, nil
}

func (s *Store) GetRitual(ctx context.Context, id string) (ritual.Record, error) {
	return scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM rituals WHERE id=$1`, id))
}

// ClaimPending locks the oldest claimable rows with SKIP LOCKED so
// concurrent processors partition the queue instead of colliding.
func (s *Store) ClaimPending(ctx context.Context, limit int, token string, now, staleBefore time.Time) ([]ritual.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `UPDATE rituals SET claim_token=$1, claimed_at=$2
		WHERE id IN (
			SELECT id FROM rituals
			WHERE outcome='pending' AND (claim_token IS NULL OR claimed_at < $3)
			ORDER BY created_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+recordColumns, token, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ritual.Record, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	// RETURNING order is unspecified.
	sortRecords(recs)
	return recs, nil
}

func (s *Store) ReleaseClaim(ctx context.Context, id, token string) error {
	tag, err := s.db.Exec(ctx, `UPDATE rituals SET claim_token=NULL, claimed_at=NULL
		WHERE id=$1 AND claim_token=$2 AND outcome='pending'`, id, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) CompleteRitual(ctx context.Context, id, token string, res ritual.Resolution) (ritual.Record, error) {
	if !res.Outcome.Terminal() {
		return ritual.Record{}, fmt.Errorf("complete ritual %s: non-terminal outcome %q", id, res.Outcome)
	}
	var out ritual.Record
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = scanRecord(tx.QueryRow(ctx, `UPDATE rituals SET outcome=$1, reward_text=$2, corruption_effect=$3,
			shards_awarded=$4, processed_at=$5, claim_token=NULL, claimed_at=NULL
			WHERE id=$6 AND outcome='pending' AND claim_token=$7
			RETURNING `+recordColumns,
			string(res.Outcome), res.RewardText, res.CorruptionEffect, res.ShardsAwarded, res.ProcessedAt, id, token))
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrConflict
		}
		if err != nil {
			return err
		}
		if res.ShardsAwarded > 0 {
			_, err = tx.Exec(ctx, `UPDATE profiles SET shard_balance=shard_balance+$1, updated_at=$2 WHERE wallet_address=$3`,
				res.ShardsAwarded, res.ProcessedAt, out.PlayerAddress)
		}
		return err
	})
	if err != nil {
		return ritual.Record{}, err
	}
	return out, nil
}

const recordColumns = `id, player_address, base_id, ingredient_ids, shard_boost, girth_cost, corruption_level,
	base_success_rate, outcome, reward_text, corruption_effect, shards_awarded, created_at, processed_at`

func scanRecord(row pgx.Row) (ritual.Record, error) {
	var (
		rec       ritual.Record
		outcome   string
		processed *time.Time
	)
	if err := row.Scan(&rec.ID, &rec.PlayerAddress, &rec.BaseID, &rec.IngredientIDs, &rec.ShardBoost, &rec.GirthCost,
		&rec.CorruptionLevel, &rec.BaseSuccessRate, &outcome, &rec.RewardText, &rec.CorruptionEffect,
		&rec.ShardsAwarded, &rec.CreatedAt, &processed); err != nil {
		return ritual.Record{}, mapErr(err)
	}
	rec.Outcome = ritual.Outcome(outcome)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if processed != nil {
		rec.ProcessedAt = processed.UTC()
	}
	return rec, nil
}

func sortRecords(recs []ritual.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
