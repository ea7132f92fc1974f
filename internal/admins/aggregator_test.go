package admins

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/nexus-trading/trenchwatch/internal/notify"
	"github.com/nexus-trading/trenchwatch/internal/store"
	"github.com/nexus-trading/trenchwatch/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func addCoin(t *testing.T, s *memory.Store, addr, admin string, createdMin int, ath int64) {
	t.Helper()
	c := coin.New(addr, base)
	c.Name = addr
	c.AdminName = admin
	created := base.Add(time.Duration(createdMin) * time.Minute)
	c.CreatedAt = &created
	if ath > 0 {
		c.ATH = decimal.NewFromInt(ath)
	}
	ok, err := s.AddIfNew(context.Background(), c)
	require.NoError(t, err)
	require.True(t, ok)
}

type capture struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capture) Publish(_ context.Context, ev notify.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func TestRecomputeStats(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	a := New(s, nil)
	a.now = func() time.Time { return base }

	for i := 0; i < 7; i++ {
		addCoin(t, s, fmt.Sprintf("A%d", i), "alpha", i, 0)
	}

	st, ok, err := a.RecomputeStats(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, RecentCoins, st.LastCoinsCount)

	got, err := s.GetStats(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, base, got.LastUpdated)

	// Stats are a cache: no coins means no row.
	_, err = s.DeleteByAddresses(ctx, []string{"A0", "A1", "A2", "A3", "A4", "A5", "A6"})
	require.NoError(t, err)
	_, ok, err = a.RecomputeStats(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.GetStats(ctx, "alpha")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecomputeAll_ConcurrentAdminsIsolated(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	a := New(s, nil)

	for i := 0; i < 3; i++ {
		addCoin(t, s, fmt.Sprintf("X%d", i), "x", i, 0)
	}
	addCoin(t, s, "Y0", "y", 0, 0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _, _, _ = a.RecomputeStats(ctx, "x") }()
		go func() { defer wg.Done(); _, _, _ = a.RecomputeStats(ctx, "y") }()
	}
	wg.Wait()

	n, err := a.RecomputeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sx, err := s.GetStats(ctx, "x")
	require.NoError(t, err)
	sy, err := s.GetStats(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, 3, sx.LastCoinsCount)
	assert.Equal(t, 1, sy.LastCoinsCount)
}

func TestLastNATHs_NewestFirstSkippingMissing(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	a := New(s, nil)

	addCoin(t, s, "C1", "alpha", 1, 100)
	addCoin(t, s, "C2", "alpha", 2, 0)
	addCoin(t, s, "C3", "alpha", 3, 300)
	addCoin(t, s, "C4", "alpha", 4, 400)
	addCoin(t, s, "C5", "alpha", 5, 500)

	aths, err := a.LastNATHs(ctx, "alpha", 3)
	require.NoError(t, err)
	require.Len(t, aths, 3)
	assert.Equal(t, "500", aths[0].String())
	assert.Equal(t, "400", aths[1].String())
	assert.Equal(t, "300", aths[2].String())

	none, err := a.LastNATHs(ctx, "nobody", 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLastCoinsAndCounts(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	a := New(s, nil)

	for i := 0; i < 5; i++ {
		addCoin(t, s, fmt.Sprintf("L%d", i), "alpha", i, 0)
	}
	_, err := s.Update(ctx, "L1", func(c *coin.Coin) bool {
		ms := int64(0)
		c.MigratedInMs = &ms
		f := int64(42)
		c.AdminFollowers = &f
		return true
	})
	require.NoError(t, err)

	prev, err := a.LastCoins(ctx, "alpha", 1, 3)
	require.NoError(t, err)
	require.Len(t, prev, 3)
	assert.Equal(t, "L3", prev[0].Address)
	assert.Equal(t, "L1", prev[2].Address)

	count, err := a.CoinCount(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	migrated, err := a.MigratedCount(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, migrated)

	f, err := a.Followers(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, int64(42), *f)

	sum, err := a.Summary(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 5, sum.CoinCount)
	assert.Len(t, sum.PreviousCoins, 3)

	_, err = a.Summary(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTagging(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	a := New(s, nil)

	_, err := a.SetTag(ctx, "alpha", "Good")
	require.NoError(t, err)
	_, err = a.SetTag(ctx, "beta", "Degen")
	require.NoError(t, err)
	rec, err := a.SetNotes(ctx, "alpha", "ships daily")
	require.NoError(t, err)
	assert.Equal(t, "Good", rec.Tag)

	m, err := a.TagMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alpha": "Good", "beta": "Degen"}, m)

	tags, err := a.DistinctTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Degen", "Good"}, tags)

	cats, err := a.Categories(ctx)
	require.NoError(t, err)
	assert.Contains(t, cats, "Degen")
	assert.Contains(t, cats, coin.BlacklistTag)

	// Clearing the tag keeps the notes; clearing both deletes the record.
	_, err = a.SetTag(ctx, "alpha", "")
	require.NoError(t, err)
	got, err := s.GetAdmin(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "ships daily", got.Notes)

	_, err = a.SetNotes(ctx, "alpha", "  ")
	require.NoError(t, err)
	_, err = s.GetAdmin(ctx, "alpha")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCommunityCacheAndNotify(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	pub := &capture{}
	a := New(s, pub)

	addCoin(t, s, "K1", "alpha", 1, 1000)
	addCoin(t, s, "K2", "alpha", 2, 2000)
	_, err := s.Update(ctx, "K2", func(c *coin.Coin) bool {
		c.CommunityID = "comm-2"
		return true
	})
	require.NoError(t, err)
	addCoin(t, s, "Z1", "zeta", 1, 0)

	cache, err := a.CommunityCache(ctx)
	require.NoError(t, err)
	require.Len(t, cache, 2)
	assert.Equal(t, "alpha", cache[0].Admin)
	assert.Equal(t, "comm-2", cache[0].CommunityID)
	assert.Len(t, cache[0].ATHs, 2)

	_, err = a.SetTag(ctx, "alpha", "Alpha")
	require.NoError(t, err)
	k2, err := s.Get(ctx, "K2")
	require.NoError(t, err)
	a.Notify(ctx, notify.KindAdminInfo, k2)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, "alpha", ev.Admin)
	assert.Equal(t, "Alpha", ev.Tag)
	assert.Equal(t, "2000", ev.ATHs[0].String())
}

func TestLockStripes(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 1000; i++ {
		name := fmt.Sprintf("admin-%d", i)
		n := stripe(name)
		require.GreaterOrEqual(t, n, 0)
		require.Less(t, n, lockStripes)
		assert.Equal(t, n, stripe(name))
		seen[n] = true
	}
	assert.Greater(t, len(seen), lockStripes/2, "names spread across stripes")
}

func TestRecomputeStats_ManyAdminsConcurrently(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	a := New(s, nil)
	for i := 0; i < 200; i++ {
		addCoin(t, s, fmt.Sprintf("C%d", i), fmt.Sprintf("admin-%d", i%100), i, 0)
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			st, ok, err := a.RecomputeStats(ctx, name)
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 2, st.LastCoinsCount)
		}(fmt.Sprintf("admin-%d", i))
	}
	wg.Wait()
}
