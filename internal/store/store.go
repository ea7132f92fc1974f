package store

import (
	"context"
	"errors"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/coin"
)

// Storage errors.
var (
	ErrNotFound     = errors.New("store: not found")
	ErrInvalidInput = errors.New("store: invalid input")
)

// CoinStore is the keyed coin table. AddIfNew is the only insert path and is
// atomic per address and per (admin, normalized name).
type CoinStore interface {
	// AddIfNew inserts c unless a coin with the same address, or the same
	// admin and normalized name, already exists.
	AddIfNew(ctx context.Context, c *coin.Coin) (bool, error)
	// Get returns a copy of the coin. Returns ErrNotFound if absent.
	Get(ctx context.Context, address string) (*coin.Coin, error)
	ByAdmin(ctx context.Context, admin string) ([]*coin.Coin, error)
	ByCommunity(ctx context.Context, communityID string) ([]*coin.Coin, error)
	All(ctx context.Context) ([]*coin.Coin, error)
	// Update applies fn to the stored coin under a per-coin write lock. The
	// result is persisted only when fn returns true. Returns ErrNotFound if absent.
	Update(ctx context.Context, address string, fn func(*coin.Coin) bool) (*coin.Coin, error)
	// DeleteByAddresses removes coins and their discovered entries.
	DeleteByAddresses(ctx context.Context, addresses []string) (int, error)
}

// DiscoveredStore is the intake dedup set.
type DiscoveredStore interface {
	MarkDiscovered(ctx context.Context, address string, at time.Time) error
	IsDiscovered(ctx context.Context, address string) (bool, error)
}

// AdminStore holds manual admin tags and notes.
type AdminStore interface {
	// GetAdmin returns ErrNotFound if the admin has no record.
	GetAdmin(ctx context.Context, name string) (coin.Admin, error)
	// UpdateAdmin applies fn and deletes the record when it ends up empty.
	UpdateAdmin(ctx context.Context, name string, fn func(*coin.Admin)) (coin.Admin, error)
	ListAdmins(ctx context.Context) ([]coin.Admin, error)
}

// StatsStore caches derived admin statistics.
type StatsStore interface {
	GetStats(ctx context.Context, admin string) (coin.AdminStats, error)
	PutStats(ctx context.Context, stats coin.AdminStats) error
	DeleteStats(ctx context.Context, admin string) error
}

// SnipeStore is the rolling at-most-once memory for sniper fires.
type SnipeStore interface {
	// ClaimSnipe records now for address unless a claim younger than ttl exists.
	ClaimSnipe(ctx context.Context, address string, now time.Time, ttl time.Duration) (bool, error)
	PruneSnipes(ctx context.Context, before time.Time) (int, error)
}

// SettingsStore is a small opaque key-value area for runtime settings.
type SettingsStore interface {
	// GetSetting returns ErrNotFound if the key is unset.
	GetSetting(ctx context.Context, key string) ([]byte, error)
	PutSetting(ctx context.Context, key string, value []byte) error
}

// Store is the full persistence surface used by the pipeline.
type Store interface {
	CoinStore
	DiscoveredStore
	AdminStore
	StatsStore
	SnipeStore
	SettingsStore
	Close() error
}
