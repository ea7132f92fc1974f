package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/nexus-trading/trenchwatch/internal/store"
	"github.com/shopspring/decimal"
)

// Store implements store.Store on PostgreSQL.
type Store struct {
	pool *Pool
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// NewStore creates a Store over an already migrated pool.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const coinColumns = `address, name, captured_at, created_at, dev_addr, community_id,
	admin_name, admin_followers, dex_status, dex_payment_at, dex_approval_ms,
	ath::text, ath_checked_at, ath_pool_address, migrated_at, migrated_in_ms`

// ---------------------------------------------------------------------------
// Coins
// ---------------------------------------------------------------------------

// AddIfNew serializes inserts per admin with a transaction-scoped advisory
// lock, so the name check and the insert cannot interleave.
func (s *Store) AddIfNew(ctx context.Context, c *coin.Coin) (bool, error) {
	if c == nil || c.Address == "" {
		return false, store.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("add coin: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	norm := c.NormalizedName()
	if c.AdminName != "" && norm != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "coin-admin:"+c.AdminName); err != nil {
			return false, fmt.Errorf("add coin: lock admin: %w", err)
		}
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM coins WHERE admin_name = $1 AND name_norm = $2)`,
			c.AdminName, norm,
		).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("add coin: name check: %w", err)
		}
		if exists {
			return false, nil
		}
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO coins (
			address, name, name_norm, captured_at, created_at, dev_addr, community_id,
			admin_name, admin_followers, dex_status, dex_payment_at, dex_approval_ms,
			ath, ath_checked_at, ath_pool_address, migrated_at, migrated_in_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::numeric, $14, $15, $16, $17)
		ON CONFLICT (address) DO NOTHING`,
		coinArgs(c, norm)...,
	)
	if err != nil {
		return false, fmt.Errorf("add coin: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("add coin: commit: %w", err)
	}
	return true, nil
}

func (s *Store) Get(ctx context.Context, address string) (*coin.Coin, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+coinColumns+` FROM coins WHERE address = $1`, address)
	c, err := scanCoin(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get coin: %w", err)
	}
	return c, nil
}

func (s *Store) ByAdmin(ctx context.Context, admin string) ([]*coin.Coin, error) {
	return s.queryCoins(ctx, `SELECT `+coinColumns+` FROM coins WHERE admin_name = $1 ORDER BY address`, admin)
}

func (s *Store) ByCommunity(ctx context.Context, communityID string) ([]*coin.Coin, error) {
	return s.queryCoins(ctx, `SELECT `+coinColumns+` FROM coins WHERE community_id = $1 ORDER BY address`, communityID)
}

func (s *Store) All(ctx context.Context) ([]*coin.Coin, error) {
	return s.queryCoins(ctx, `SELECT `+coinColumns+` FROM coins ORDER BY address`)
}

func (s *Store) Update(ctx context.Context, address string, fn func(*coin.Coin) bool) (*coin.Coin, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("update coin: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+coinColumns+` FROM coins WHERE address = $1 FOR UPDATE`, address)
	c, err := scanCoin(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("update coin: select: %w", err)
	}

	if !fn(c) {
		return c, nil
	}
	c.Address = address

	_, err = tx.Exec(ctx, `
		UPDATE coins SET
			name = $2, name_norm = $3, captured_at = $4, created_at = $5, dev_addr = $6,
			community_id = $7, admin_name = $8, admin_followers = $9, dex_status = $10,
			dex_payment_at = $11, dex_approval_ms = $12, ath = $13::numeric,
			ath_checked_at = $14, ath_pool_address = $15, migrated_at = $16, migrated_in_ms = $17
		WHERE address = $1`,
		coinArgs(c, c.NormalizedName())...,
	)
	if err != nil {
		return nil, fmt.Errorf("update coin: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("update coin: commit: %w", err)
	}
	return c, nil
}

func (s *Store) DeleteByAddresses(ctx context.Context, addresses []string) (int, error) {
	if len(addresses) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete coins: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM coins WHERE address = ANY($1)`, addresses)
	if err != nil {
		return 0, fmt.Errorf("delete coins: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM discovered WHERE address = ANY($1)`, addresses); err != nil {
		return 0, fmt.Errorf("delete discovered: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("delete coins: commit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) queryCoins(ctx context.Context, query string, args ...any) ([]*coin.Coin, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query coins: %w", err)
	}
	defer rows.Close()

	var out []*coin.Coin
	for rows.Next() {
		c, err := scanCoin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coin: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate coins: %w", err)
	}
	return out, nil
}

func coinArgs(c *coin.Coin, norm string) []any {
	return []any{
		c.Address, c.Name, norm, c.CapturedAt, c.CreatedAt, c.DevAddr, c.CommunityID,
		c.AdminName, c.AdminFollowers, string(c.DexStatus), c.DexPaymentAt, c.DexApprovalMs,
		c.ATH.String(), c.ATHCheckedAt, c.ATHPoolAddress, c.MigratedAt, c.MigratedInMs,
	}
}

func scanCoin(row pgx.Row) (*coin.Coin, error) {
	var (
		c      coin.Coin
		status string
		ath    string
	)
	err := row.Scan(
		&c.Address, &c.Name, &c.CapturedAt, &c.CreatedAt, &c.DevAddr, &c.CommunityID,
		&c.AdminName, &c.AdminFollowers, &status, &c.DexPaymentAt, &c.DexApprovalMs,
		&ath, &c.ATHCheckedAt, &c.ATHPoolAddress, &c.MigratedAt, &c.MigratedInMs,
	)
	if err != nil {
		return nil, err
	}
	c.DexStatus = coin.DexStatus(status)
	if c.ATH, err = decimal.NewFromString(ath); err != nil {
		return nil, fmt.Errorf("parse ath %q: %w", ath, err)
	}
	return &c, nil
}

// ---------------------------------------------------------------------------
// Discovered
// ---------------------------------------------------------------------------

func (s *Store) MarkDiscovered(ctx context.Context, address string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO discovered (address, discovered_at) VALUES ($1, $2)
		ON CONFLICT (address) DO NOTHING`, address, at)
	if err != nil {
		return fmt.Errorf("mark discovered: %w", err)
	}
	return nil
}

func (s *Store) IsDiscovered(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM discovered WHERE address = $1)`, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is discovered: %w", err)
	}
	return exists, nil
}

// ---------------------------------------------------------------------------
// Admins and stats
// ---------------------------------------------------------------------------

func (s *Store) GetAdmin(ctx context.Context, name string) (coin.Admin, error) {
	a := coin.Admin{Name: name}
	err := s.pool.QueryRow(ctx, `SELECT tag, notes FROM admins WHERE name = $1`, name).Scan(&a.Tag, &a.Notes)
	if err != nil {
		if isNotFoundError(err) {
			return a, store.ErrNotFound
		}
		return a, fmt.Errorf("get admin: %w", err)
	}
	return a, nil
}

func (s *Store) UpdateAdmin(ctx context.Context, name string, fn func(*coin.Admin)) (coin.Admin, error) {
	if name == "" {
		return coin.Admin{}, store.ErrInvalidInput
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return coin.Admin{}, fmt.Errorf("update admin: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "admin:"+name); err != nil {
		return coin.Admin{}, fmt.Errorf("update admin: lock: %w", err)
	}

	a := coin.Admin{Name: name}
	err = tx.QueryRow(ctx, `SELECT tag, notes FROM admins WHERE name = $1`, name).Scan(&a.Tag, &a.Notes)
	if err != nil && !isNotFoundError(err) {
		return coin.Admin{}, fmt.Errorf("update admin: select: %w", err)
	}

	fn(&a)
	a.Name = name

	if a.Empty() {
		_, err = tx.Exec(ctx, `DELETE FROM admins WHERE name = $1`, name)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO admins (name, tag, notes) VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE SET tag = EXCLUDED.tag, notes = EXCLUDED.notes`,
			name, a.Tag, a.Notes)
	}
	if err != nil {
		return coin.Admin{}, fmt.Errorf("update admin: write: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return coin.Admin{}, fmt.Errorf("update admin: commit: %w", err)
	}
	return a, nil
}

func (s *Store) ListAdmins(ctx context.Context) ([]coin.Admin, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, tag, notes FROM admins ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()

	var out []coin.Admin
	for rows.Next() {
		var a coin.Admin
		if err := rows.Scan(&a.Name, &a.Tag, &a.Notes); err != nil {
			return nil, fmt.Errorf("scan admin: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetStats(ctx context.Context, admin string) (coin.AdminStats, error) {
	st := coin.AdminStats{Admin: admin}
	err := s.pool.QueryRow(ctx,
		`SELECT last_coins_count, last_updated FROM admin_stats WHERE admin = $1`, admin,
	).Scan(&st.LastCoinsCount, &st.LastUpdated)
	if err != nil {
		if isNotFoundError(err) {
			return coin.AdminStats{}, store.ErrNotFound
		}
		return coin.AdminStats{}, fmt.Errorf("get stats: %w", err)
	}
	return st, nil
}

func (s *Store) PutStats(ctx context.Context, st coin.AdminStats) error {
	if st.Admin == "" {
		return store.ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO admin_stats (admin, last_coins_count, last_updated) VALUES ($1, $2, $3)
		ON CONFLICT (admin) DO UPDATE SET
			last_coins_count = EXCLUDED.last_coins_count,
			last_updated = EXCLUDED.last_updated`,
		st.Admin, st.LastCoinsCount, st.LastUpdated)
	if err != nil {
		return fmt.Errorf("put stats: %w", err)
	}
	return nil
}

func (s *Store) DeleteStats(ctx context.Context, admin string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM admin_stats WHERE admin = $1`, admin); err != nil {
		return fmt.Errorf("delete stats: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Snipe claims and settings
// ---------------------------------------------------------------------------

// ClaimSnipe upserts the claim only when the existing one has expired.
func (s *Store) ClaimSnipe(ctx context.Context, address string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO snipe_cache (address, sniped_at) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET sniped_at = EXCLUDED.sniped_at
		WHERE snipe_cache.sniped_at <= $3`,
		address, now, now.Add(-ttl))
	if err != nil {
		return false, fmt.Errorf("claim snipe: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) PruneSnipes(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM snipe_cache WHERE sniped_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune snipes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) GetSetting(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&v)
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get setting: %w", err)
	}
	return v, nil
}

func (s *Store) PutSetting(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("put setting: %w", err)
	}
	return nil
}
