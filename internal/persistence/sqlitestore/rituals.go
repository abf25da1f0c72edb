package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chodenet.ai/internal/catalogs"
	"chodenet.ai/internal/persistence/store"
	"chodenet.ai/internal/ritual"
)

// UpsertCatalog writes bases and ingredients plus the catalog digest row.
// Rows absent from c are left in place so existing records keep resolving.
func (s *Store) UpsertCatalog(ctx context.Context, c *catalogs.Catalog) error {
	if c == nil {
		return fmt.Errorf("nil catalog")
	}
	now := formatTS(time.Now())
	raw, err := json.Marshal(struct {
		Bases       []ritual.Base       `json:"bases"`
		Ingredients []ritual.Ingredient `json:"ingredients"`
	}{c.Bases, c.Ingredients})
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, b := range c.Bases {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO ritual_bases(id,name,base_cost,base_corruption,base_success_rate,ritual_type)
				VALUES(?,?,?,?,?,?)`, b.ID, b.Name, b.BaseCost, b.BaseCorruption, b.BaseSuccessRate, b.RitualType); err != nil {
				return fmt.Errorf("upsert base %s: %w", b.ID, err)
			}
		}
		for _, ing := range c.Ingredients {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO ingredients(id,name,cost_modifier,corruption_modifier,success_modifier)
				VALUES(?,?,?,?,?)`, ing.ID, ing.Name, ing.CostModifier, ing.CorruptionModifier, ing.SuccessModifier); err != nil {
				return fmt.Errorf("upsert ingredient %s: %w", ing.ID, err)
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES('rituals',?,?,?)`,
			c.Digest, string(raw), now)
		return err
	})
}

// CatalogDigest returns the digest recorded by the last UpsertCatalog.
func (s *Store) CatalogDigest(ctx context.Context) (string, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM catalogs WHERE name='rituals'`).Scan(&d)
	return d, mapErr(err)
}

func (s *Store) GetBase(ctx context.Context, id string) (ritual.Base, error) {
	var b ritual.Base
	err := s.db.QueryRowContext(ctx, `SELECT id,name,base_cost,base_corruption,base_success_rate,ritual_type FROM ritual_bases WHERE id=?`, id).
		Scan(&b.ID, &b.Name, &b.BaseCost, &b.BaseCorruption, &b.BaseSuccessRate, &b.RitualType)
	if err != nil {
		return ritual.Base{}, mapErr(err)
	}
	return b, nil
}

// GetIngredients returns the ingredients in ids order. Any unknown id is
// ErrNotFound.
func (s *Store) GetIngredients(ctx context.Context, ids []string) ([]ritual.Ingredient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id,name,cost_modifier,corruption_modifier,success_modifier FROM ingredients
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]ritual.Ingredient, len(ids))
	for rows.Next() {
		var ing ritual.Ingredient
		if err := rows.Scan(&ing.ID, &ing.Name, &ing.CostModifier, &ing.CorruptionModifier, &ing.SuccessModifier); err != nil {
			return nil, err
		}
		byID[ing.ID] = ing
	}
	if err := rows.Err(); err != nil {
		return nil, err
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

// CreateRitual debits the initiator and inserts the pending record in one
// transaction.
func (s *Store) CreateRitual(ctx context.Context, rec ritual.Record) (ritual.Record, error) {
	if rec.Outcome == "" {
		rec.Outcome = ritual.OutcomePending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	ids, _ := json.Marshal(nonNil(rec.IngredientIDs))

	var out ritual.Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := debit(ctx, tx, rec.PlayerAddress, rec.GirthCost, int64(rec.ShardBoost), rec.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO rituals(id,player_address,base_id,ingredient_ids,shard_boost,girth_cost,
			corruption_level,base_success_rate,outcome,created_at) VALUES(?,?,?,?,?,?,?,?,?,?)`,
			rec.ID, rec.PlayerAddress, rec.BaseID, string(ids), rec.ShardBoost, rec.GirthCost,
			rec.CorruptionLevel, rec.BaseSuccessRate, string(rec.Outcome), formatTS(rec.CreatedAt))
		if err != nil {
			return mapErr(err)
		}
		out, err = scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM rituals WHERE id=?`, rec.ID))
		return err
	})
	if err != nil {
		return ritual.Record{}, err
	}
	return out, nil
}

func (s *Store) GetRitual(ctx context.Context, id string) (ritual.Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM rituals WHERE id=?`, id))
}

// ClaimPending stamps up to limit of the oldest pending rows that are
// unclaimed (or whose claim predates staleBefore) with token.
func (s *Store) ClaimPending(ctx context.Context, limit int, token string, now, staleBefore time.Time) ([]ritual.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []ritual.Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM rituals
			WHERE outcome='pending' AND (claim_token IS NULL OR claimed_at < ?)
			ORDER BY created_at, id LIMIT ?`, formatTS(staleBefore), limit)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE rituals SET claim_token=?, claimed_at=? WHERE id=?`, token, formatTS(now), id); err != nil {
				return err
			}
		}
		out = make([]ritual.Record, 0, len(ids))
		for _, id := range ids {
			rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM rituals WHERE id=?`, id))
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	return out, nil
}

// ReleaseClaim returns a claimed pending row to the queue.
func (s *Store) ReleaseClaim(ctx context.Context, id, token string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rituals SET claim_token=NULL, claimed_at=NULL
		WHERE id=? AND claim_token=? AND outcome='pending'`, id, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

// CompleteRitual moves a claimed pending record to its terminal outcome and
// credits awarded shards. It is a compare-and-set on (pending, token): a
// record completed or re-claimed by someone else yields ErrConflict.
func (s *Store) CompleteRitual(ctx context.Context, id, token string, res ritual.Resolution) (ritual.Record, error) {
	if !res.Outcome.Terminal() {
		return ritual.Record{}, fmt.Errorf("complete ritual %s: non-terminal outcome %q", id, res.Outcome)
	}
	var out ritual.Record
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `UPDATE rituals SET outcome=?, reward_text=?, corruption_effect=?, shards_awarded=?,
			processed_at=?, claim_token=NULL, claimed_at=NULL
			WHERE id=? AND outcome='pending' AND claim_token=?`,
			string(res.Outcome), res.RewardText, res.CorruptionEffect, res.ShardsAwarded, formatTS(res.ProcessedAt), id, token)
		if err != nil {
			return err
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return store.ErrConflict
		}
		out, err = scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM rituals WHERE id=?`, id))
		if err != nil {
			return err
		}
		if res.ShardsAwarded > 0 {
			_, err = tx.ExecContext(ctx, `UPDATE profiles SET shard_balance=shard_balance+?, updated_at=? WHERE wallet_address=?`,
				res.ShardsAwarded, formatTS(res.ProcessedAt), out.PlayerAddress)
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

func scanRecord(row rowScanner) (ritual.Record, error) {
	var (
		rec       ritual.Record
		ids       string
		outcome   string
		createdAt string
		processed sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.PlayerAddress, &rec.BaseID, &ids, &rec.ShardBoost, &rec.GirthCost,
		&rec.CorruptionLevel, &rec.BaseSuccessRate, &outcome, &rec.RewardText, &rec.CorruptionEffect,
		&rec.ShardsAwarded, &createdAt, &processed); err != nil {
		return ritual.Record{}, mapErr(err)
	}
	rec.Outcome = ritual.Outcome(outcome)
	if err := json.Unmarshal([]byte(ids), &rec.IngredientIDs); err != nil {
		return ritual.Record{}, fmt.Errorf("decode ingredient_ids: %w", err)
	}
	var err error
	if rec.CreatedAt, err = parseTS(createdAt); err != nil {
		return ritual.Record{}, err
	}
	if rec.ProcessedAt, err = parseNullTS(processed); err != nil {
		return ritual.Record{}, err
	}
	return rec, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
