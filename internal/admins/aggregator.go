package admins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/nexus-trading/trenchwatch/internal/notify"
	"github.com/nexus-trading/trenchwatch/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Aggregator: per-admin rollups derived from coin records
// ---------------------------------------------------------------------------

const (
	// RecentCoins bounds AdminStats.LastCoinsCount.
	RecentCoins = 5
	// DefaultATHCount is the number of recent ATHs shown and used by the sniper.
	DefaultATHCount = 3

	categoriesKey = "admin_categories"

	lockStripes = 64
)

// Store is the persistence surface the aggregator needs.
type Store interface {
	store.CoinStore
	store.StatsStore
	store.AdminStore
	store.SettingsStore
}

// Aggregator recomputes and serves admin-level views. Work for one admin
// is serialized; admins on different lock stripes proceed concurrently.
type Aggregator struct {
	store Store
	pub   notify.Publisher
	now   func() time.Time

	locks [lockStripes]sync.Mutex
}

func New(s Store, pub notify.Publisher) *Aggregator {
	if pub == nil {
		pub = notify.Nop{}
	}
	return &Aggregator{
		store: s,
		pub:   pub,
		now:   time.Now,
	}
}

func stripe(admin string) int {
	h := fnv.New32a()
	h.Write([]byte(admin))
	return int(h.Sum32() % lockStripes)
}

// lock holds admin's stripe. Locked sections never take a second stripe.
func (a *Aggregator) lock(admin string) func() {
	mu := &a.locks[stripe(admin)]
	mu.Lock()
	return mu.Unlock
}

// newestFirst sorts by createdAt (fallback capturedAt) descending.
func newestFirst(coins []*coin.Coin) {
	sort.SliceStable(coins, func(i, j int) bool {
		ai, aj := coins[i].Age(), coins[j].Age()
		if ai.Equal(aj) {
			return coins[i].Address < coins[j].Address
		}
		return ai.After(aj)
	})
}

func (a *Aggregator) sortedCoins(ctx context.Context, admin string) ([]*coin.Coin, error) {
	coins, err := a.store.ByAdmin(ctx, admin)
	if err != nil {
		return nil, fmt.Errorf("coins for %s: %w", admin, err)
	}
	newestFirst(coins)
	return coins, nil
}

// ---------------------------------------------------------------------------
// Rollups
// ---------------------------------------------------------------------------

// RecomputeStats rebuilds the cached stats for admin. With no coins the
// cached row is removed and ok is false.
func (a *Aggregator) RecomputeStats(ctx context.Context, admin string) (stats coin.AdminStats, ok bool, err error) {
	if admin == "" {
		return coin.AdminStats{}, false, nil
	}
	defer a.lock(admin)()

	coins, err := a.sortedCoins(ctx, admin)
	if err != nil {
		return coin.AdminStats{}, false, err
	}
	if len(coins) == 0 {
		if err := a.store.DeleteStats(ctx, admin); err != nil && !errors.Is(err, store.ErrNotFound) {
			return coin.AdminStats{}, false, err
		}
		return coin.AdminStats{}, false, nil
	}

	n := len(coins)
	if n > RecentCoins {
		n = RecentCoins
	}
	stats = coin.AdminStats{Admin: admin, LastCoinsCount: n, LastUpdated: a.now().UTC()}
	if err := a.store.PutStats(ctx, stats); err != nil {
		return coin.AdminStats{}, false, err
	}
	return stats, true, nil
}

// RecomputeAll refreshes stats for every admin that has coins and drops
// stats for admins that no longer do.
func (a *Aggregator) RecomputeAll(ctx context.Context) (int, error) {
	all, err := a.store.All(ctx)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{})
	for _, c := range all {
		if c.AdminName != "" {
			seen[c.AdminName] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if _, _, err := a.RecomputeStats(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}

	log.Info().Int("admins", len(names)).Int("errors", len(errs)).Msg("admins: stats recomputed")
	return len(names), errors.Join(errs...)
}

// LastNATHs returns up to n positive ATHs, newest coin first.
func (a *Aggregator) LastNATHs(ctx context.Context, admin string, n int) ([]decimal.Decimal, error) {
	if n <= 0 {
		n = DefaultATHCount
	}
	coins, err := a.sortedCoins(ctx, admin)
	if err != nil {
		return nil, err
	}
	return lastATHs(coins, n), nil
}

func lastATHs(sorted []*coin.Coin, n int) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, n)
	for _, c := range sorted {
		if len(out) == n {
			break
		}
		if c.HasATH() {
			out = append(out, c.ATH)
		}
	}
	return out
}

// LastCoins returns up to n coins after skipping the newest skip coins.
func (a *Aggregator) LastCoins(ctx context.Context, admin string, skip, n int) ([]*coin.Coin, error) {
	coins, err := a.sortedCoins(ctx, admin)
	if err != nil {
		return nil, err
	}
	if skip >= len(coins) {
		return nil, nil
	}
	coins = coins[skip:]
	if n >= 0 && n < len(coins) {
		coins = coins[:n]
	}
	return coins, nil
}

func (a *Aggregator) CoinCount(ctx context.Context, admin string) (int, error) {
	coins, err := a.store.ByAdmin(ctx, admin)
	if err != nil {
		return 0, err
	}
	return len(coins), nil
}

// MigratedCount counts coins with a non-negative recorded migration time.
func (a *Aggregator) MigratedCount(ctx context.Context, admin string) (int, error) {
	coins, err := a.store.ByAdmin(ctx, admin)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range coins {
		if c.MigratedInMs != nil && *c.MigratedInMs >= 0 {
			n++
		}
	}
	return n, nil
}

// Followers returns the follower count from the newest coin that has one.
func (a *Aggregator) Followers(ctx context.Context, admin string) (*int64, error) {
	coins, err := a.sortedCoins(ctx, admin)
	if err != nil {
		return nil, err
	}
	return followersOf(coins), nil
}

func followersOf(sorted []*coin.Coin) *int64 {
	for _, c := range sorted {
		if c.AdminFollowers != nil {
			v := *c.AdminFollowers
			return &v
		}
	}
	return nil
}

// Summary is everything the UI shows for an admin.
type Summary struct {
	Admin         coin.Admin        `json:"admin"`
	Stats         *coin.AdminStats  `json:"stats,omitempty"`
	CoinCount     int               `json:"coin_count"`
	MigratedCount int               `json:"migrated_count"`
	Followers     *int64            `json:"followers,omitempty"`
	LastATHs      []decimal.Decimal `json:"last_aths"`
	PreviousCoins []*coin.Coin      `json:"previous_coins"`
}

// Summary gathers the admin view. Returns store.ErrNotFound when the admin
// has neither coins nor a manual record.
func (a *Aggregator) Summary(ctx context.Context, admin string) (Summary, error) {
	coins, err := a.sortedCoins(ctx, admin)
	if err != nil {
		return Summary{}, err
	}
	rec, err := a.store.GetAdmin(ctx, admin)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if len(coins) == 0 {
			return Summary{}, store.ErrNotFound
		}
		rec = coin.Admin{Name: admin}
	case err != nil:
		return Summary{}, err
	}

	s := Summary{
		Admin:     rec,
		CoinCount: len(coins),
		Followers: followersOf(coins),
		LastATHs:  lastATHs(coins, DefaultATHCount),
	}
	for _, c := range coins {
		if c.MigratedInMs != nil && *c.MigratedInMs >= 0 {
			s.MigratedCount++
		}
	}
	if len(coins) > 1 {
		end := len(coins)
		if end > 4 {
			end = 4
		}
		s.PreviousCoins = coins[1:end]
	}
	if st, err := a.store.GetStats(ctx, admin); err == nil {
		s.Stats = &st
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Community cache and notifications
// ---------------------------------------------------------------------------

// CommunityEntry is one admin's overlay data.
type CommunityEntry struct {
	CommunityID string            `json:"community_id,omitempty"`
	Admin       string            `json:"admin"`
	Followers   *int64            `json:"followers,omitempty"`
	ATHs        []decimal.Decimal `json:"aths"`
}

// CommunityCache returns one entry per admin, keyed by the newest coin.
func (a *Aggregator) CommunityCache(ctx context.Context) ([]CommunityEntry, error) {
	all, err := a.store.All(ctx)
	if err != nil {
		return nil, err
	}
	byAdmin := make(map[string][]*coin.Coin)
	for _, c := range all {
		if c.AdminName != "" {
			byAdmin[c.AdminName] = append(byAdmin[c.AdminName], c)
		}
	}

	out := make([]CommunityEntry, 0, len(byAdmin))
	for admin, coins := range byAdmin {
		newestFirst(coins)
		out = append(out, CommunityEntry{
			CommunityID: coins[0].CommunityID,
			Admin:       admin,
			Followers:   coins[0].AdminFollowers,
			ATHs:        lastATHs(coins, DefaultATHCount),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Admin < out[j].Admin })
	return out, nil
}

// Notify publishes an event for c's admin carrying the latest ATHs.
func (a *Aggregator) Notify(ctx context.Context, kind notify.Kind, c *coin.Coin) {
	if c == nil {
		return
	}
	ev := notify.NewEvent(kind)
	ev.Address = c.Address
	ev.CommunityID = c.CommunityID
	ev.Admin = c.AdminName
	ev.Followers = c.AdminFollowers
	ev.DexStatus = string(c.DexStatus)

	if c.AdminName != "" {
		coins, err := a.sortedCoins(ctx, c.AdminName)
		if err != nil {
			log.Warn().Err(err).Str("admin", c.AdminName).Msg("admins: notify without ATHs")
		} else {
			ev = ev.WithATHs(lastATHs(coins, notify.MaxATHs))
			if ev.Followers == nil {
				ev.Followers = followersOf(coins)
			}
		}
		if rec, err := a.store.GetAdmin(ctx, c.AdminName); err == nil {
			ev.Tag = rec.Tag
		}
	}
	a.pub.Publish(ctx, ev)
}

// ---------------------------------------------------------------------------
// Manual tagging
// ---------------------------------------------------------------------------

// SetTag sets or clears (empty tag) the admin's tag, keeping notes.
func (a *Aggregator) SetTag(ctx context.Context, admin, tag string) (coin.Admin, error) {
	if admin == "" {
		return coin.Admin{}, store.ErrInvalidInput
	}
	tag = strings.TrimSpace(tag)
	rec, err := a.store.UpdateAdmin(ctx, admin, func(r *coin.Admin) { r.Tag = tag })
	if err != nil {
		return coin.Admin{}, err
	}
	if tag != "" {
		if err := a.AddCategory(ctx, tag); err != nil {
			log.Warn().Err(err).Str("tag", tag).Msg("admins: category not saved")
		}
	}
	log.Info().Str("admin", admin).Str("tag", tag).Msg("admins: tag set")
	return rec, nil
}

// SetNotes sets or clears the admin's notes, keeping the tag.
func (a *Aggregator) SetNotes(ctx context.Context, admin, notes string) (coin.Admin, error) {
	if admin == "" {
		return coin.Admin{}, store.ErrInvalidInput
	}
	notes = strings.TrimSpace(notes)
	return a.store.UpdateAdmin(ctx, admin, func(r *coin.Admin) { r.Notes = notes })
}

// TagMap returns admin → tag for every tagged admin.
func (a *Aggregator) TagMap(ctx context.Context) (map[string]string, error) {
	list, err := a.store.ListAdmins(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(list))
	for _, r := range list {
		if r.Tag != "" {
			out[r.Name] = r.Tag
		}
	}
	return out, nil
}

// DistinctTags returns the sorted set of tags in use.
func (a *Aggregator) DistinctTags(ctx context.Context) ([]string, error) {
	m, err := a.TagMap(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(m))
	for _, t := range m {
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Categories returns the default categories plus any added labels, sorted.
func (a *Aggregator) Categories(ctx context.Context) ([]string, error) {
	extra, err := a.loadCategories(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(coin.DefaultCategories)+len(extra))
	for _, c := range coin.DefaultCategories {
		set[c] = struct{}{}
	}
	for _, c := range extra {
		set[c] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// AddCategory persists a new label. Existing labels are ignored.
func (a *Aggregator) AddCategory(ctx context.Context, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil
	}
	for _, c := range coin.DefaultCategories {
		if c == label {
			return nil
		}
	}
	defer a.lock("\x00categories")()

	extra, err := a.loadCategories(ctx)
	if err != nil {
		return err
	}
	for _, c := range extra {
		if c == label {
			return nil
		}
	}
	data, err := json.Marshal(append(extra, label))
	if err != nil {
		return err
	}
	return a.store.PutSetting(ctx, categoriesKey, data)
}

func (a *Aggregator) loadCategories(ctx context.Context) ([]string, error) {
	raw, err := a.store.GetSetting(ctx, categoriesKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	return out, nil
}
