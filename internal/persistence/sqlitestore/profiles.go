package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"chodenet.ai/internal/persistence/store"
	"chodenet.ai/internal/profile"
)

const profileColumns = `wallet_address, username, display_name, bio, avatar_url, social_links,
	girth_balance, shard_balance, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (profile.Profile, error) {
	var (
		p         profile.Profile
		username  sql.NullString
		links     string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&p.WalletAddress, &username, &p.DisplayName, &p.Bio, &p.AvatarURL, &links,
		&p.GirthBalance, &p.ShardBalance, &createdAt, &updatedAt); err != nil {
		return profile.Profile{}, mapErr(err)
	}
	p.Username = username.String
	if links != "" && links != "{}" {
		if err := json.Unmarshal([]byte(links), &p.SocialLinks); err != nil {
			return profile.Profile{}, fmt.Errorf("decode social_links: %w", err)
		}
	}
	var err error
	if p.CreatedAt, err = parseTS(createdAt); err != nil {
		return profile.Profile{}, err
	}
	if p.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return profile.Profile{}, err
	}
	return p, nil
}

func encodeLinks(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

// CreateProfile inserts p. A duplicate wallet or username is ErrConflict.
func (s *Store) CreateProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO profiles(`+profileColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		p.WalletAddress, nullString(p.Username), p.DisplayName, p.Bio, p.AvatarURL, encodeLinks(p.SocialLinks),
		p.GirthBalance, p.ShardBalance, formatTS(p.CreatedAt), formatTS(p.UpdatedAt))
	if err != nil {
		return profile.Profile{}, mapErr(err)
	}
	return s.GetProfile(ctx, p.WalletAddress)
}

func (s *Store) GetProfile(ctx context.Context, wallet string) (profile.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE wallet_address=?`, wallet)
	return scanProfile(row)
}

// UpdateProfile applies u to the stored profile inside one transaction.
func (s *Store) UpdateProfile(ctx context.Context, wallet string, u profile.Update, now time.Time) (profile.Profile, error) {
	var out profile.Profile
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanProfile(tx.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE wallet_address=?`, wallet))
		if err != nil {
			return err
		}
		next := u.Apply(cur)
		next.UpdatedAt = now.UTC()
		_, err = tx.ExecContext(ctx, `UPDATE profiles SET username=?, display_name=?, bio=?, avatar_url=?, social_links=?, updated_at=?
			WHERE wallet_address=?`,
			nullString(next.Username), next.DisplayName, next.Bio, next.AvatarURL, encodeLinks(next.SocialLinks),
			formatTS(next.UpdatedAt), wallet)
		if err != nil {
			return mapErr(err)
		}
		out, err = scanProfile(tx.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE wallet_address=?`, wallet))
		return err
	})
	if err != nil {
		return profile.Profile{}, err
	}
	return out, nil
}

// debit subtracts girth and shards from wallet, failing with
// ErrInsufficientFunds when either balance is too low.
func debit(ctx context.Context, tx *sql.Tx, wallet string, girth, shards int64, now time.Time) error {
	var g, sh int64
	err := tx.QueryRowContext(ctx, `SELECT girth_balance, shard_balance FROM profiles WHERE wallet_address=?`, wallet).Scan(&g, &sh)
	if err != nil {
		return mapErr(err)
	}
	if g < girth || sh < shards {
		return fmt.Errorf("%w: need girth=%d shards=%d have girth=%d shards=%d",
			store.ErrInsufficientFunds, girth, shards, g, sh)
	}
	_, err = tx.ExecContext(ctx, `UPDATE profiles SET girth_balance=girth_balance-?, shard_balance=shard_balance-?, updated_at=?
		WHERE wallet_address=?`, girth, shards, formatTS(now), wallet)
	return err
}
