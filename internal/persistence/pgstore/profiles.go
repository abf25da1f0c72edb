package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"chodenet.ai/internal/persistence/store"
	"chodenet.ai/internal/profile"
)

const profileColumns = `wallet_address, username, display_name, bio, avatar_url, social_links,
	girth_balance, shard_balance, created_at, updated_at`

func scanProfile(row pgx.Row) (profile.Profile, error) {
	var (
		p        profile.Profile
		username *string
		links    []byte
	)
	if err := row.Scan(&p.WalletAddress, &username, &p.DisplayName, &p.Bio, &p.AvatarURL, &links,
		&p.GirthBalance, &p.ShardBalance, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return profile.Profile{}, mapErr(err)
	}
	if username != nil {
		p.Username = *username
	}
	if len(links) > 0 {
		if err := json.Unmarshal(links, &p.SocialLinks); err != nil {
			return profile.Profile{}, fmt.Errorf("decode social_links: %w", err)
		}
		if len(p.SocialLinks) == 0 {
			p.SocialLinks = nil
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func encodeLinks(m map[string]string) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	b, _ := json.Marshal(m)
	return b
}

func (s *Store) CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	row := s.db.QueryRow(ctx, `INSERT INTO profiles(`+profileColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING `+profileColumns,
		p.WalletAddress, nullText(p.Username), p.DisplayName, p.Bio, p.AvatarURL, encodeLinks(p.SocialLinks),
		p.GirthBalance, p.ShardBalance, p.CreatedAt, p.UpdatedAt)
	return scanProfile(row)
}

func (s *Store) GetProfile(ctx context.Context, wallet string) (profile.Profile, error) {
	return scanProfile(s.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE wallet_address=$1`, wallet))
}

func (s *Store) UpdateProfile(ctx context.Context, wallet string, u profile.Update, now time.Time) (profile.Profile, error) {
	var out profile.Profile
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := scanProfile(tx.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE wallet_address=$1 FOR UPDATE`, wallet))
		if err != nil {
			return err
		}
		next := u.Apply(cur)
		out, err = scanProfile(tx.QueryRow(ctx, `UPDATE profiles SET username=$1, display_name=$2, bio=$3, avatar_url=$4,
			social_links=$5, updated_at=$6 WHERE wallet_address=$7 RETURNING `+profileColumns,
			nullText(next.Username), next.DisplayName, next.Bio, next.AvatarURL, encodeLinks(next.SocialLinks), now.UTC(), wallet))
		return err
	})
	if err != nil {
		return profile.Profile{}, err
	}
	return out, nil
}

func debit(ctx context.Context, tx pgx.Tx, wallet string, girth, shards int64, now time.Time) error {
	var g, sh int64
	err := tx.QueryRow(ctx, `SELECT girth_balance, shard_balance FROM profiles WHERE wallet_address=$1 FOR UPDATE`, wallet).Scan(&g, &sh)
	if err != nil {
		return mapErr(err)
	}
	if g < girth || sh < shards {
		return fmt.Errorf("%w: need girth=%d shards=%d have girth=%d shards=%d",
			store.ErrInsufficientFunds, girth, shards, g, sh)
	}
	_, err = tx.Exec(ctx, `UPDATE profiles SET girth_balance=girth_balance-$1, shard_balance=shard_balance-$2, updated_at=$3
		WHERE wallet_address=$4`, girth, shards, now, wallet)
	return err
}
