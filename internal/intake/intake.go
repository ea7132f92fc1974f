package intake

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/adapters/community"
	"github.com/nexus-trading/trenchwatch/internal/adapters/jupiter"
	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/nexus-trading/trenchwatch/internal/notify"
	"github.com/nexus-trading/trenchwatch/internal/schedule"
	"github.com/nexus-trading/trenchwatch/internal/sniper"
	"github.com/nexus-trading/trenchwatch/internal/store"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Discovery Intake: gatekeeper between the feed and the coin store
// ---------------------------------------------------------------------------

// ErrInvalidAddress rejects addresses that are not Solana public keys.
var ErrInvalidAddress = errors.New("intake: invalid address")

// Discovery is one feed observation.
type Discovery struct {
	Address     string    `json:"address"`
	CapturedAt  time.Time `json:"captured_at"`
	CommunityID string    `json:"community_id,omitempty"`
}

// Reason explains a Submit outcome.
type Reason string

const (
	Accepted        Reason = "accepted"
	RejectInvalid   Reason = "invalid_address"
	RejectInFlight  Reason = "in_flight"
	RejectSeen      Reason = "already_discovered"
	RejectStale     Reason = "stale_community"
	RejectNoAdmin   Reason = "no_admin"
	RejectDuplicate Reason = "duplicate"
)

// Store is the persistence intake writes to.
type Store interface {
	store.CoinStore
	store.DiscoveredStore
}

// DexChecker schedules and runs DEX approval checks.
type DexChecker interface {
	Schedule(c *coin.Coin) int
	Check(ctx context.Context, address string, final bool) (coin.DexStatus, error)
}

// Sniper evaluates a newly accepted coin.
type Sniper interface {
	Evaluate(ctx context.Context, c sniper.Candidate) (bool, error)
}

// Aggregator refreshes admin rollups and fans out admin updates.
type Aggregator interface {
	RecomputeStats(ctx context.Context, admin string) (coin.AdminStats, bool, error)
	Notify(ctx context.Context, kind notify.Kind, c *coin.Coin)
}

// Scheduler runs the one-shot metadata retry.
type Scheduler interface {
	After(id string, delay time.Duration, fn schedule.Job)
}

// Config holds intake thresholds.
type Config struct {
	MaxCommunityAge time.Duration
	MetaRetryDelay  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxCommunityAge: 45 * time.Minute,
		MetaRetryDelay:  4 * time.Second,
	}
}

// Deps are the collaborators of Intake.
type Deps struct {
	Store      Store
	Community  community.Client
	Metadata   jupiter.MetadataClient
	Dex        DexChecker
	Sniper     Sniper
	Aggregator Aggregator
	Scheduler  Scheduler
}

// Intake validates, gates and persists discoveries.
type Intake struct {
	Deps
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}

	submitted atomic.Int64
	accepted  atomic.Int64
	rejected  sync.Map // Reason -> *atomic.Int64
}

func New(d Deps, cfg Config) *Intake {
	def := DefaultConfig()
	if cfg.MaxCommunityAge <= 0 {
		cfg.MaxCommunityAge = def.MaxCommunityAge
	}
	if cfg.MetaRetryDelay <= 0 {
		cfg.MetaRetryDelay = def.MetaRetryDelay
	}
	return &Intake{
		Deps:     d,
		cfg:      cfg,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

func (in *Intake) begin(address string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.inFlight[address]; ok {
		return false
	}
	in.inFlight[address] = struct{}{}
	return true
}

func (in *Intake) end(address string) {
	in.mu.Lock()
	delete(in.inFlight, address)
	in.mu.Unlock()
}

func (in *Intake) reject(address string, r Reason) Reason {
	v, _ := in.rejected.LoadOrStore(r, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
	log.Debug().Str("address", address).Str("reason", string(r)).Msg("intake: rejected")
	return r
}

// Submit runs a discovery through the intake gates. Only ErrInvalidAddress
// and store failures are returned as errors; every other rejection is a
// reason.
func (in *Intake) Submit(ctx context.Context, d Discovery) (Reason, error) {
	in.submitted.Add(1)
	if err := coin.ValidateAddress(d.Address); err != nil {
		return in.reject(d.Address, RejectInvalid), fmt.Errorf("%w: %q", ErrInvalidAddress, d.Address)
	}
	if !in.begin(d.Address) {
		return in.reject(d.Address, RejectInFlight), nil
	}
	defer in.end(d.Address)

	seen, err := in.Store.IsDiscovered(ctx, d.Address)
	if err != nil {
		return "", err
	}
	if seen {
		return in.reject(d.Address, RejectSeen), nil
	}

	var info *community.Info
	if d.CommunityID != "" {
		info, err = in.Community.Community(ctx, d.CommunityID)
		if err != nil {
			log.Debug().Err(err).Str("community", d.CommunityID).Msg("intake: community lookup failed")
			info = nil
		}
	}

	now := in.now()
	if info != nil && info.CreatedAt != nil && now.Sub(*info.CreatedAt) > in.cfg.MaxCommunityAge {
		return in.reject(d.Address, RejectStale), nil
	}
	if info == nil || info.AdminName == "" {
		return in.reject(d.Address, RejectNoAdmin), nil
	}

	meta, err := in.Metadata.TokenMeta(ctx, d.Address)
	if err != nil {
		log.Debug().Err(err).Str("address", d.Address).Msg("intake: metadata lookup failed")
		meta = nil
	}

	captured := d.CapturedAt
	if captured.IsZero() {
		captured = now
	}
	c := coin.New(d.Address, captured)
	c.CommunityID = d.CommunityID
	c.AdminName = info.AdminName
	c.AdminFollowers = info.AdminFollowers
	applyMeta(c, meta)

	added, err := in.Store.AddIfNew(ctx, c)
	if err != nil {
		return "", err
	}
	if !added {
		return in.reject(d.Address, RejectDuplicate), nil
	}
	in.accepted.Add(1)

	log.Info().
		Str("address", c.Address).
		Str("name", c.Name).
		Str("admin", c.AdminName).
		Str("community", c.CommunityID).
		Bool("meta", meta != nil).
		Msg("intake: coin accepted")

	in.afterAccept(ctx, c, meta == nil)
	return Accepted, nil
}

// afterAccept runs the follow-ups for a new coin. Failures are logged only.
func (in *Intake) afterAccept(ctx context.Context, c *coin.Coin, retryMeta bool) {
	if err := in.Store.MarkDiscovered(ctx, c.Address, in.now()); err != nil {
		log.Warn().Err(err).Str("address", c.Address).Msg("intake: mark discovered failed")
	}

	in.Dex.Schedule(c)
	if _, err := in.Dex.Check(ctx, c.Address, false); err != nil {
		log.Debug().Err(err).Str("address", c.Address).Msg("intake: immediate dex check failed")
	}

	if _, err := in.Sniper.Evaluate(ctx, sniper.Candidate{
		Address:     c.Address,
		AdminName:   c.AdminName,
		CommunityID: c.CommunityID,
		Followers:   c.AdminFollowers,
	}); err != nil {
		log.Warn().Err(err).Str("address", c.Address).Msg("intake: sniper evaluation failed")
	}

	if removed, err := store.ConsolidateDuplicates(ctx, in.Store, c.AdminName); err != nil {
		log.Warn().Err(err).Str("admin", c.AdminName).Msg("intake: consolidation failed")
	} else if len(removed) > 0 {
		log.Info().Str("admin", c.AdminName).Strs("removed", removed).Msg("intake: duplicates consolidated")
	}
	if _, _, err := in.Aggregator.RecomputeStats(ctx, c.AdminName); err != nil {
		log.Warn().Err(err).Str("admin", c.AdminName).Msg("intake: stats recompute failed")
	}

	if current, err := in.Store.Get(ctx, c.Address); err == nil {
		c = current
	}
	in.Aggregator.Notify(ctx, notify.KindAdminInfo, c)
	if c.CommunityID != "" {
		in.Aggregator.Notify(ctx, notify.KindCommunityInfo, c)
	}

	if retryMeta {
		address := c.Address
		in.Scheduler.After("meta:"+address, in.cfg.MetaRetryDelay, func(ctx context.Context) {
			in.retryMeta(ctx, address)
		})
	}
}

// retryMeta is the single delayed metadata re-fetch for coins accepted
// without metadata.
func (in *Intake) retryMeta(ctx context.Context, address string) {
	meta, err := in.Metadata.TokenMeta(ctx, address)
	if err != nil || meta == nil {
		log.Debug().Err(err).Str("address", address).Msg("intake: metadata still missing")
		return
	}
	updated, err := in.Store.Update(ctx, address, func(c *coin.Coin) bool {
		return applyMeta(c, meta)
	})
	if err != nil {
		log.Debug().Err(err).Str("address", address).Msg("intake: metadata retry update failed")
		return
	}
	log.Info().Str("address", address).Str("name", updated.Name).Msg("intake: metadata filled on retry")

	// A late name can collide with another coin of the same admin.
	if admin := updated.AdminName; admin != "" {
		removed, err := store.ConsolidateDuplicates(ctx, in.Store, admin)
		if err != nil {
			log.Warn().Err(err).Str("admin", admin).Msg("intake: consolidation failed")
		}
		if _, _, err := in.Aggregator.RecomputeStats(ctx, admin); err != nil {
			log.Warn().Err(err).Str("admin", admin).Msg("intake: stats recompute failed")
		}
		if slices.Contains(removed, address) {
			return
		}
	}
	in.Dex.Schedule(updated)
}

// applyMeta copies metadata onto c without clearing known values. It
// reports whether anything changed.
func applyMeta(c *coin.Coin, meta *jupiter.TokenMeta) bool {
	if meta == nil {
		return false
	}
	changed := false
	if name := meta.DisplayName(c.Address); name != c.Name && name != coin.PlaceholderName(c.Address) {
		c.Name = name
		changed = true
	}
	if created := meta.PoolCreatedAt(); created != nil {
		c.CreatedAt = created
		changed = true
	}
	if meta.Dev != "" && meta.Dev != c.DevAddr {
		c.DevAddr = meta.Dev
		changed = true
	}
	if grad := meta.GraduatedTime(); grad != nil {
		c.MigratedAt = grad
		if c.CreatedAt != nil {
			ms := grad.Sub(*c.CreatedAt).Milliseconds()
			if ms < 0 {
				ms = 0
			}
			c.MigratedInMs = &ms
		}
		changed = true
	}
	return changed
}

// ---------------------------------------------------------------------------
// Manual follow-ups
// ---------------------------------------------------------------------------

// CommunityMeta fills admin identity on an existing coin that lacks it.
// It reports whether the coin changed.
func (in *Intake) CommunityMeta(ctx context.Context, address, communityID string) (bool, error) {
	if communityID == "" {
		return false, fmt.Errorf("%w: community id required", store.ErrInvalidInput)
	}
	c, err := in.Store.Get(ctx, address)
	if err != nil {
		return false, err
	}
	if c.AdminName != "" && c.AdminFollowers != nil {
		return false, nil
	}

	info, err := in.Community.Community(ctx, communityID)
	if err != nil {
		return false, fmt.Errorf("community %s: %w", communityID, err)
	}
	if info == nil || info.AdminName == "" {
		return false, nil
	}

	updated, err := in.Store.Update(ctx, address, func(x *coin.Coin) bool {
		x.CommunityID = communityID
		x.AdminName = info.AdminName
		x.AdminFollowers = info.AdminFollowers
		return true
	})
	if err != nil {
		return false, err
	}
	if _, err := store.ConsolidateDuplicates(ctx, in.Store, info.AdminName); err != nil {
		log.Warn().Err(err).Str("admin", info.AdminName).Msg("intake: consolidation failed")
	}
	if _, _, err := in.Aggregator.RecomputeStats(ctx, info.AdminName); err != nil {
		log.Warn().Err(err).Str("admin", info.AdminName).Msg("intake: stats recompute failed")
	}
	in.Aggregator.Notify(ctx, notify.KindAdminInfo, updated)
	log.Info().Str("address", address).Str("admin", info.AdminName).Msg("intake: community meta applied")
	return true, nil
}

// RefetchReport is the outcome of RefetchMeta.
type RefetchReport struct {
	Address   string         `json:"address"`
	MetaFound bool           `json:"meta_found"`
	DexStatus coin.DexStatus `json:"dex_status"`
}

// RefetchMeta re-reads metadata and DEX status for one coin and
// re-broadcasts its admin.
func (in *Intake) RefetchMeta(ctx context.Context, address string) (RefetchReport, error) {
	rep := RefetchReport{Address: address}
	c, err := in.Store.Get(ctx, address)
	if err != nil {
		return rep, err
	}
	rep.DexStatus = c.DexStatus

	meta, err := in.Metadata.TokenMeta(ctx, address)
	if err != nil {
		log.Warn().Err(err).Str("address", address).Msg("intake: refetch metadata failed")
	}
	if meta != nil {
		rep.MetaFound = true
		if c, err = in.Store.Update(ctx, address, func(x *coin.Coin) bool {
			return applyMeta(x, meta)
		}); err != nil {
			return rep, err
		}
	}

	if st, err := in.Dex.Check(ctx, address, false); err != nil {
		log.Warn().Err(err).Str("address", address).Msg("intake: refetch dex check failed")
	} else {
		rep.DexStatus = st
	}

	if c.AdminName != "" {
		in.Aggregator.Notify(ctx, notify.KindAdminInfo, c)
	}
	return rep, nil
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// IntakeStats are cumulative counters.
type IntakeStats struct {
	Submitted int64            `json:"submitted"`
	Accepted  int64            `json:"accepted"`
	Rejected  map[Reason]int64 `json:"rejected"`
}

func (in *Intake) Stats() IntakeStats {
	st := IntakeStats{
		Submitted: in.submitted.Load(),
		Accepted:  in.accepted.Load(),
		Rejected:  make(map[Reason]int64),
	}
	in.rejected.Range(func(k, v any) bool {
		st.Rejected[k.(Reason)] = v.(*atomic.Int64).Load()
		return true
	})
	return st
}
