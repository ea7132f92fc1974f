package sniper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/audit"
	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/nexus-trading/trenchwatch/internal/notify"
	"github.com/nexus-trading/trenchwatch/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Sniper Engine: decides once per accepted coin whether to open it
// ---------------------------------------------------------------------------

// AdminFacts supplies the per-admin figures the rules read.
type AdminFacts interface {
	LastNATHs(ctx context.Context, admin string, n int) ([]decimal.Decimal, error)
	CoinCount(ctx context.Context, admin string) (int, error)
	MigratedCount(ctx context.Context, admin string) (int, error)
}

// Store is the persistence the engine reads and writes.
type Store interface {
	store.AdminStore
	store.SettingsStore
}

// Candidate is a newly accepted coin.
type Candidate struct {
	Address     string
	AdminName   string
	CommunityID string
	Followers   *int64
}

// Engine evaluates candidates against the current rules.
type Engine struct {
	store     Store
	facts     AdminFacts
	cache     Cache
	publisher notify.Publisher
	trail     *audit.Trail
	now       func() time.Time

	mu    sync.RWMutex
	rules Rules

	evaluated   atomic.Int64
	blacklisted atomic.Int64
	passed      atomic.Int64
	suppressed  atomic.Int64
	fired       atomic.Int64
}

func NewEngine(s Store, facts AdminFacts, cache Cache, pub notify.Publisher) *Engine {
	if pub == nil {
		pub = notify.Nop{}
	}
	return &Engine{
		store:     s,
		facts:     facts,
		cache:     cache,
		publisher: pub,
		now:       time.Now,
		rules:     DefaultRules(),
	}
}

// SetTrail records every decision and rules change to t.
func (e *Engine) SetTrail(t *audit.Trail) {
	e.trail = t
}

// Load restores the persisted rules, keeping defaults when none are stored.
func (e *Engine) Load(ctx context.Context) error {
	r, err := LoadRules(ctx, e.store, DefaultRules())
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = r
	e.mu.Unlock()
	log.Info().Bool("any_enabled", r.Any()).Bool("and_mode", r.AndMode).Msg("sniper: rules loaded")
	return nil
}

// Rules returns the active rules.
func (e *Engine) Rules() Rules {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r := e.rules
	r.AllowedTags = append([]string(nil), e.rules.AllowedTags...)
	return r
}

// SetRules validates, persists and activates r.
func (e *Engine) SetRules(ctx context.Context, r Rules) error {
	if err := SaveRules(ctx, e.store, r); err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = r
	e.mu.Unlock()
	log.Info().Bool("any_enabled", r.Any()).Bool("and_mode", r.AndMode).Msg("sniper: rules updated")
	e.trail.Record(ctx, audit.EventRules, "", "", "updated", r)
	return nil
}

// Evaluate runs the rules for c and fires at most once per cache TTL.
func (e *Engine) Evaluate(ctx context.Context, c Candidate) (bool, error) {
	e.evaluated.Add(1)
	rules := e.Rules()

	tag := ""
	if c.AdminName != "" {
		rec, err := e.store.GetAdmin(ctx, c.AdminName)
		switch {
		case err == nil:
			tag = rec.Tag
		case !errors.Is(err, store.ErrNotFound):
			return false, fmt.Errorf("sniper: admin %s: %w", c.AdminName, err)
		}
		if tag == coin.BlacklistTag {
			e.blacklisted.Add(1)
			log.Debug().Str("address", c.Address).Str("admin", c.AdminName).Msg("sniper: blacklisted admin")
			e.trail.Record(ctx, audit.EventSnipe, c.Address, c.AdminName, audit.DecisionBlacklisted, nil)
			return false, nil
		}
	}

	if !rules.Any() {
		return false, nil
	}

	facts, err := e.gather(ctx, rules, c, tag)
	if err != nil {
		return false, err
	}
	if !Decide(rules, facts) {
		e.trail.Record(ctx, audit.EventSnipe, c.Address, c.AdminName, audit.DecisionRejected, facts)
		return false, nil
	}
	e.passed.Add(1)

	claimed, err := e.cache.Claim(ctx, c.Address, e.now())
	if err != nil {
		return false, err
	}
	if !claimed {
		e.suppressed.Add(1)
		log.Debug().Str("address", c.Address).Msg("sniper: already fired within ttl")
		e.trail.Record(ctx, audit.EventSnipe, c.Address, c.AdminName, audit.DecisionSuppressed, nil)
		return false, nil
	}

	e.fired.Add(1)
	log.Info().
		Str("address", c.Address).
		Str("admin", c.AdminName).
		Int64("followers", facts.Followers).
		Msg("sniper: fire")
	e.trail.Record(ctx, audit.EventSnipe, c.Address, c.AdminName, audit.DecisionFired, facts)

	ev := notify.NewEvent(notify.KindSnipeOpen)
	ev.Address = c.Address
	ev.Admin = c.AdminName
	ev.CommunityID = c.CommunityID
	ev.Followers = c.Followers
	ev.Tag = tag
	e.publisher.Publish(ctx, ev.WithATHs(facts.LastATHs))
	return true, nil
}

func (e *Engine) gather(ctx context.Context, r Rules, c Candidate, tag string) (Facts, error) {
	f := Facts{Tag: tag, HasAdmin: c.AdminName != ""}
	if c.Followers != nil {
		f.Followers = *c.Followers
	}
	if !f.HasAdmin || !r.NeedsAdminCoins() {
		return f, nil
	}

	var err error
	if r.AvgATHEnabled {
		if f.LastATHs, err = e.facts.LastNATHs(ctx, c.AdminName, 3); err != nil {
			return f, err
		}
	}
	if r.CoinCountEnabled {
		if f.CoinCount, err = e.facts.CoinCount(ctx, c.AdminName); err != nil {
			return f, err
		}
	}
	if r.MigratedEnabled {
		if f.MigratedCount, err = e.facts.MigratedCount(ctx, c.AdminName); err != nil {
			return f, err
		}
	}
	return f, nil
}

// SniperStats are cumulative evaluation counters.
type SniperStats struct {
	Evaluated   int64 `json:"evaluated"`
	Blacklisted int64 `json:"blacklisted"`
	Passed      int64 `json:"passed"`
	Suppressed  int64 `json:"suppressed"`
	Fired       int64 `json:"fired"`
}

func (e *Engine) Stats() SniperStats {
	return SniperStats{
		Evaluated:   e.evaluated.Load(),
		Blacklisted: e.blacklisted.Load(),
		Passed:      e.passed.Load(),
		Suppressed:  e.suppressed.Load(),
		Fired:       e.fired.Load(),
	}
}
