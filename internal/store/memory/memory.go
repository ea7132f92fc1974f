package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/nexus-trading/trenchwatch/internal/store"
)

// Store is an in-process implementation of store.Store. A single mutex
// serializes all writes, which makes AddIfNew atomic per key.
type Store struct {
	mu         sync.RWMutex
	coins      map[string]*coin.Coin
	byAdmin    map[string]map[string]struct{}
	discovered map[string]time.Time
	admins     map[string]coin.Admin
	stats      map[string]coin.AdminStats
	snipes     map[string]time.Time
	settings   map[string][]byte
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.coins = make(map[string]*coin.Coin)
	s.byAdmin = make(map[string]map[string]struct{})
	s.discovered = make(map[string]time.Time)
	s.admins = make(map[string]coin.Admin)
	s.stats = make(map[string]coin.AdminStats)
	s.snipes = make(map[string]time.Time)
	s.settings = make(map[string][]byte)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ---------------------------------------------------------------------------
// Coins
// ---------------------------------------------------------------------------

func (s *Store) AddIfNew(_ context.Context, c *coin.Coin) (bool, error) {
	if c == nil || c.Address == "" {
		return false, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.coins[c.Address]; ok {
		return false, nil
	}
	if c.AdminName != "" && c.Name != "" {
		norm := c.NormalizedName()
		for addr := range s.byAdmin[c.AdminName] {
			if s.coins[addr].NormalizedName() == norm {
				return false, nil
			}
		}
	}

	s.insertLocked(c.Clone())
	return true, nil
}

func (s *Store) insertLocked(c *coin.Coin) {
	s.coins[c.Address] = c
	if c.AdminName == "" {
		return
	}
	set, ok := s.byAdmin[c.AdminName]
	if !ok {
		set = make(map[string]struct{})
		s.byAdmin[c.AdminName] = set
	}
	set[c.Address] = struct{}{}
}

func (s *Store) removeLocked(address string) bool {
	c, ok := s.coins[address]
	if !ok {
		return false
	}
	delete(s.coins, address)
	if set, ok := s.byAdmin[c.AdminName]; ok {
		delete(set, address)
		if len(set) == 0 {
			delete(s.byAdmin, c.AdminName)
		}
	}
	return true
}

func (s *Store) Get(_ context.Context, address string) (*coin.Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.coins[address]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) ByAdmin(_ context.Context, admin string) ([]*coin.Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*coin.Coin, 0, len(s.byAdmin[admin]))
	for addr := range s.byAdmin[admin] {
		out = append(out, s.coins[addr].Clone())
	}
	sortByAddress(out)
	return out, nil
}

func (s *Store) ByCommunity(_ context.Context, communityID string) ([]*coin.Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*coin.Coin
	for _, c := range s.coins {
		if c.CommunityID == communityID {
			out = append(out, c.Clone())
		}
	}
	sortByAddress(out)
	return out, nil
}

func (s *Store) All(_ context.Context) ([]*coin.Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*coin.Coin, 0, len(s.coins))
	for _, c := range s.coins {
		out = append(out, c.Clone())
	}
	sortByAddress(out)
	return out, nil
}

func (s *Store) Update(_ context.Context, address string, fn func(*coin.Coin) bool) (*coin.Coin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.coins[address]
	if !ok {
		return nil, store.ErrNotFound
	}
	next := cur.Clone()
	if !fn(next) {
		return cur.Clone(), nil
	}
	// Address is the key and cannot be rewritten.
	next.Address = address
	s.removeLocked(address)
	s.insertLocked(next)
	return next.Clone(), nil
}

func (s *Store) DeleteByAddresses(_ context.Context, addresses []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, addr := range addresses {
		if s.removeLocked(addr) {
			n++
		}
		delete(s.discovered, addr)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Discovered
// ---------------------------------------------------------------------------

func (s *Store) MarkDiscovered(_ context.Context, address string, at time.Time) error {
	s.mu.Lock()
	s.discovered[address] = at
	s.mu.Unlock()
	return nil
}

func (s *Store) IsDiscovered(_ context.Context, address string) (bool, error) {
	s.mu.RLock()
	_, ok := s.discovered[address]
	s.mu.RUnlock()
	return ok, nil
}

// ---------------------------------------------------------------------------
// Admins and stats
// ---------------------------------------------------------------------------

func (s *Store) GetAdmin(_ context.Context, name string) (coin.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.admins[name]
	if !ok {
		return coin.Admin{Name: name}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) UpdateAdmin(_ context.Context, name string, fn func(*coin.Admin)) (coin.Admin, error) {
	if name == "" {
		return coin.Admin{}, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.admins[name]
	if !ok {
		a = coin.Admin{Name: name}
	}
	fn(&a)
	a.Name = name
	if a.Empty() {
		delete(s.admins, name)
	} else {
		s.admins[name] = a
	}
	return a, nil
}

func (s *Store) ListAdmins(_ context.Context) ([]coin.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]coin.Admin, 0, len(s.admins))
	for _, a := range s.admins {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetStats(_ context.Context, admin string) (coin.AdminStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stats[admin]
	if !ok {
		return coin.AdminStats{}, store.ErrNotFound
	}
	return st, nil
}

func (s *Store) PutStats(_ context.Context, st coin.AdminStats) error {
	if st.Admin == "" {
		return store.ErrInvalidInput
	}
	s.mu.Lock()
	s.stats[st.Admin] = st
	s.mu.Unlock()
	return nil
}

func (s *Store) DeleteStats(_ context.Context, admin string) error {
	s.mu.Lock()
	delete(s.stats, admin)
	s.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Snipe claims and settings
// ---------------------------------------------------------------------------

func (s *Store) ClaimSnipe(_ context.Context, address string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.snipes[address]; ok && now.Sub(at) < ttl {
		return false, nil
	}
	s.snipes[address] = now
	return true, nil
}

func (s *Store) PruneSnipes(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for addr, at := range s.snipes {
		if at.Before(before) {
			delete(s.snipes, addr)
			n++
		}
	}
	return n, nil
}

func (s *Store) GetSetting(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) PutSetting(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.mu.Lock()
	s.settings[key] = v
	s.mu.Unlock()
	return nil
}

func sortByAddress(coins []*coin.Coin) {
	sort.Slice(coins, func(i, j int) bool { return coins[i].Address < coins[j].Address })
}
