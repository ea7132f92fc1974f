package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/nexus-trading/trenchwatch/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestStore starts a disposable PostgreSQL container and returns a
// migrated Store. Skipped under -short or when Docker is unavailable.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("trenchwatch"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, dsn, 8)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	// Second run must be a no-op.
	require.NoError(t, Migrate(ctx, pool))

	return NewStore(pool)
}

func testCoin(addr, admin, name string) *coin.Coin {
	c := coin.New(addr, time.Now().UTC().Truncate(time.Millisecond))
	c.AdminName = admin
	c.Name = name
	return c
}

func TestStore_Postgres(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	t.Run("AddIfNew dedups by address and by admin+name", func(t *testing.T) {
		ok, err := s.AddIfNew(ctx, testCoin("pg-addr1", "alice", "Foo"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.AddIfNew(ctx, testCoin("pg-addr1", "alice", "Other"))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.AddIfNew(ctx, testCoin("pg-addr2", "alice", " foo  "))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("AddIfNew concurrent same admin+name", func(t *testing.T) {
		var wg sync.WaitGroup
		var accepted atomic.Int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				addr := "race-" + string(rune('a'+i))
				ok, err := s.AddIfNew(ctx, testCoin(addr, "racer", "Same Name"))
				if err == nil && ok {
					accepted.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), accepted.Load())
	})

	t.Run("Update round-trips all fields", func(t *testing.T) {
		created := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
		followers := int64(1234)

		updated, err := s.Update(ctx, "pg-addr1", func(c *coin.Coin) bool {
			c.CreatedAt = &created
			c.AdminFollowers = &followers
			c.ApplyDexApproval(coin.PaymentTime(created.Add(time.Minute).Unix()))
			c.SetATH(decimal.RequireFromString("12345.678"), "pool1", created, coin.DefaultLimits())
			return true
		})
		require.NoError(t, err)
		assert.Equal(t, coin.DexApproved, updated.DexStatus)

		got, err := s.Get(ctx, "pg-addr1")
		require.NoError(t, err)
		assert.Equal(t, coin.DexApproved, got.DexStatus)
		require.NotNil(t, got.DexApprovalMs)
		assert.Equal(t, int64(60000), *got.DexApprovalMs)
		assert.True(t, got.ATH.Equal(decimal.RequireFromString("12345.678")))
		assert.Equal(t, "pool1", got.ATHPoolAddress)
		require.NotNil(t, got.AdminFollowers)
		assert.Equal(t, followers, *got.AdminFollowers)
	})

	t.Run("Get missing", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("DeleteByAddresses removes discovered", func(t *testing.T) {
		require.NoError(t, s.MarkDiscovered(ctx, "pg-addr1", time.Now()))
		n, err := s.DeleteByAddresses(ctx, []string{"pg-addr1"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		seen, err := s.IsDiscovered(ctx, "pg-addr1")
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("UpdateAdmin deletes empty records", func(t *testing.T) {
		_, err := s.UpdateAdmin(ctx, "alice", func(a *coin.Admin) { a.Tag = "Good" })
		require.NoError(t, err)
		a, err := s.GetAdmin(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Good", a.Tag)

		_, err = s.UpdateAdmin(ctx, "alice", func(a *coin.Admin) { a.Tag = "" })
		require.NoError(t, err)
		_, err = s.GetAdmin(ctx, "alice")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Stats", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.PutStats(ctx, coin.AdminStats{Admin: "alice", LastCoinsCount: 3, LastUpdated: now}))
		st, err := s.GetStats(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 3, st.LastCoinsCount)

		require.NoError(t, s.DeleteStats(ctx, "alice"))
		_, err = s.GetStats(ctx, "alice")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ClaimSnipe honours TTL", func(t *testing.T) {
		now := time.Now().UTC()
		ok, err := s.ClaimSnipe(ctx, "snipe1", now, 24*time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ClaimSnipe(ctx, "snipe1", now.Add(time.Hour), 24*time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.ClaimSnipe(ctx, "snipe1", now.Add(25*time.Hour), 24*time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Settings", func(t *testing.T) {
		_, err := s.GetSetting(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.PutSetting(ctx, "k", []byte("v1")))
		require.NoError(t, s.PutSetting(ctx, "k", []byte("v2")))
		v, err := s.GetSetting(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)
	})
}
