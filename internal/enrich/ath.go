package enrich

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/adapters/dexpaprika"
	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/nexus-trading/trenchwatch/internal/notify"
	"github.com/nexus-trading/trenchwatch/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// ATH: rate-limited, batched lookup of all-time-high market cap per coin.
// ---------------------------------------------------------------------------

var (
	ErrRunInProgress  = errors.New("ath: run already in progress")
	ErrNoCreationDate = errors.New("ath: coin has no creation date")
	ErrNoPool         = errors.New("ath: no pool found")
	ErrNoData         = errors.New("ath: no usable candle data")
)

const (
	backoffThreshold = 3
	backoffStep      = 5 * time.Second
	backoffMax       = 60 * time.Second
	errorCountCap    = 12
)

// ATHConfig configures an ATHProcessor.
type ATHConfig struct {
	BatchSize     int
	Spacing       time.Duration
	MinAge        time.Duration
	MaxCaptureAge time.Duration
	Venue         string
	Limits        coin.Limits
}

// DefaultATHConfig returns the production thresholds.
func DefaultATHConfig() ATHConfig {
	return ATHConfig{
		BatchSize:     60,
		Spacing:       500 * time.Millisecond,
		MinAge:        60 * time.Minute,
		MaxCaptureAge: 12 * time.Hour,
		Venue:         "pump.fun",
		Limits:        coin.DefaultLimits(),
	}
}

// ATHProcessor owns the primary queue, the refresh sweep and manual
// triggers. Only one of them talks to the pool API at a time.
type ATHProcessor struct {
	store    store.CoinStore
	pools    dexpaprika.PoolClient
	notifier Notifier
	cfg      ATHConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu              sync.Mutex
	running         bool
	cancelRequested bool
	errorCount      int
	lastRequest     time.Time
	lastRun         time.Time

	runs      atomic.Int64
	processed atomic.Int64
	updated   atomic.Int64
	kept      atomic.Int64
	noData    atomic.Int64
	failures  atomic.Int64
}

func NewATHProcessor(s store.CoinStore, pools dexpaprika.PoolClient, n Notifier, cfg ATHConfig) *ATHProcessor {
	def := DefaultATHConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Spacing <= 0 {
		cfg.Spacing = def.Spacing
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = def.MinAge
	}
	if cfg.MaxCaptureAge <= 0 {
		cfg.MaxCaptureAge = def.MaxCaptureAge
	}
	if cfg.Venue == "" {
		cfg.Venue = def.Venue
	}
	if cfg.Limits.ATHCeiling.IsZero() {
		cfg.Limits = def.Limits
	}
	return &ATHProcessor{
		store:    s,
		pools:    pools,
		notifier: n,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ---------------------------------------------------------------------------
// Eligibility
// ---------------------------------------------------------------------------

// Eligible reports whether c belongs in the primary queue: created, captured
// recently, old enough for candles, and never checked.
func (p *ATHProcessor) Eligible(c *coin.Coin, now time.Time) bool {
	if c.CreatedAt == nil || c.ATHCheckedAt != nil {
		return false
	}
	if now.Sub(c.CapturedAt) > p.cfg.MaxCaptureAge {
		return false
	}
	return now.Sub(*c.CreatedAt) >= p.cfg.MinAge
}

// RefreshEligible reports whether c can be revisited by the raise-only sweep.
func (p *ATHProcessor) RefreshEligible(c *coin.Coin, now time.Time) bool {
	if c.CreatedAt == nil || now.Sub(*c.CreatedAt) < p.cfg.MinAge {
		return false
	}
	return !c.ATH.GreaterThan(p.cfg.Limits.ATHCeiling)
}

// ---------------------------------------------------------------------------
// Guard, throttle, cancel
// ---------------------------------------------------------------------------

func (p *ATHProcessor) acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrRunInProgress
	}
	p.running = true
	return nil
}

func (p *ATHProcessor) release() {
	p.mu.Lock()
	p.running = false
	p.cancelRequested = false
	p.lastRun = p.now()
	p.mu.Unlock()
}

// Cancel asks the current or next run to stop before its next coin. The
// request is consumed by that run.
func (p *ATHProcessor) Cancel() {
	p.mu.Lock()
	p.cancelRequested = true
	p.mu.Unlock()
	log.Info().Msg("ath: cancel requested")
}

func (p *ATHProcessor) cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelRequested
}

// throttle keeps at least Spacing between the starts of upstream requests.
func (p *ATHProcessor) throttle(ctx context.Context) error {
	p.mu.Lock()
	wait := p.lastRequest.Add(p.cfg.Spacing).Sub(p.now())
	p.mu.Unlock()
	if wait > 0 {
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.lastRequest = p.now()
	p.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Upstream lookup
// ---------------------------------------------------------------------------

func (p *ATHProcessor) resolvePool(ctx context.Context, address string) (string, error) {
	if err := p.throttle(ctx); err != nil {
		return "", err
	}
	pools, err := p.pools.SearchPools(ctx, address)
	if err != nil {
		return "", err
	}
	return dexpaprika.PreferredPool(pools, p.cfg.Venue), nil
}

// fetchATH reads hourly candles from the creation day in both price
// orientations and returns supply × max high. ok is false when neither
// orientation yields sane data. An error on the last attempt is returned.
func (p *ATHProcessor) fetchATH(ctx context.Context, pool string, created time.Time) (ath decimal.Decimal, ok bool, err error) {
	orientations := []bool{true, false}
	for i, inversed := range orientations {
		last := i == len(orientations)-1
		if err := p.throttle(ctx); err != nil {
			return decimal.Zero, false, err
		}
		candles, err := p.pools.Candles(ctx, pool, created, inversed)
		if err != nil {
			if last {
				return decimal.Zero, false, err
			}
			log.Debug().Err(err).Str("pool", pool).Msg("ath: inversed candles failed, retrying")
			continue
		}
		high, found := dexpaprika.MaxHigh(candles)
		if !found || !high.IsPositive() || high.GreaterThan(p.cfg.Limits.MaxCandleHigh) {
			continue
		}
		v := high.Mul(p.cfg.Limits.SupplyMultiple)
		if v.GreaterThan(p.cfg.Limits.ATHCeiling) {
			continue
		}
		return v, true, nil
	}
	return decimal.Zero, false, nil
}

func (p *ATHProcessor) stamp(ctx context.Context, address string) error {
	now := p.now()
	_, err := p.store.Update(ctx, address, func(c *coin.Coin) bool {
		c.ATHCheckedAt = &now
		return true
	})
	return err
}

type outcome int

const (
	outcomeUpdated outcome = iota
	outcomeKept
	outcomeNoData
	outcomeNoPool
	outcomeError
)

// processPrimary resolves and stores the ATH for one coin. Missing data
// stamps the coin; upstream errors leave it eligible for the next run. A
// lookup that does not beat the stored ATH keeps it and reports it.
func (p *ATHProcessor) processPrimary(ctx context.Context, c *coin.Coin) (decimal.Decimal, outcome, error) {
	p.processed.Add(1)
	pool, err := p.resolvePool(ctx, c.Address)
	if err != nil {
		p.failures.Add(1)
		return decimal.Zero, outcomeError, fmt.Errorf("ath: pools %s: %w", c.Address, err)
	}
	if pool == "" {
		p.noData.Add(1)
		return decimal.Zero, outcomeNoPool, p.stamp(ctx, c.Address)
	}

	ath, ok, err := p.fetchATH(ctx, pool, *c.CreatedAt)
	if err != nil {
		p.failures.Add(1)
		return decimal.Zero, outcomeError, fmt.Errorf("ath: candles %s: %w", c.Address, err)
	}
	if !ok {
		p.noData.Add(1)
		return decimal.Zero, outcomeNoData, p.stamp(ctx, c.Address)
	}

	now := p.now()
	set := false
	updated, err := p.store.Update(ctx, c.Address, func(x *coin.Coin) bool {
		set = x.SetATH(ath, pool, now, p.cfg.Limits)
		return true
	})
	if err != nil {
		return decimal.Zero, outcomeError, err
	}
	if !set && updated.HasATH() && !ath.GreaterThan(p.cfg.Limits.ATHCeiling) {
		p.kept.Add(1)
		log.Info().Str("address", c.Address).Str("found", ath.String()).Str("ath", updated.ATH.String()).Msg("ath: existing higher, kept")
		return updated.ATH, outcomeKept, nil
	}
	if !set {
		p.noData.Add(1)
		return decimal.Zero, outcomeNoData, nil
	}
	p.updated.Add(1)
	log.Info().Str("address", c.Address).Str("ath", ath.String()).Str("pool", pool).Msg("ath: stored")
	if p.notifier != nil {
		p.notifier.Notify(ctx, notify.KindATHUpdated, updated)
	}
	return ath, outcomeUpdated, nil
}

// ---------------------------------------------------------------------------
// Primary queue
// ---------------------------------------------------------------------------

// RunReport summarizes one primary-queue batch.
type RunReport struct {
	Candidates int  `json:"candidates"`
	Processed  int  `json:"processed"`
	Updated    int  `json:"updated"`
	Kept       int  `json:"kept"`
	NoData     int  `json:"no_data"`
	Errors     int  `json:"errors"`
	Cancelled  bool `json:"cancelled"`
}

// Pending returns the primary-queue candidates, oldest capture first.
func (p *ATHProcessor) Pending(ctx context.Context) ([]*coin.Coin, error) {
	all, err := p.store.All(ctx)
	if err != nil {
		return nil, err
	}
	now := p.now()
	out := make([]*coin.Coin, 0)
	for _, c := range all {
		if p.Eligible(c, now) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].CapturedAt.Before(out[j].CapturedAt)
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

// Run processes one batch of the primary queue. A concurrent call returns
// ErrRunInProgress.
func (p *ATHProcessor) Run(ctx context.Context) (RunReport, error) {
	var rep RunReport
	if err := p.acquire(); err != nil {
		return rep, err
	}
	defer p.release()
	p.runs.Add(1)

	if p.cancelled() {
		rep.Cancelled = true
		log.Info().Msg("ath: run cancelled before start")
		return rep, nil
	}

	if err := p.backoff(ctx); err != nil {
		return rep, err
	}

	queue, err := p.Pending(ctx)
	if err != nil {
		return rep, err
	}
	rep.Candidates = len(queue)
	if len(queue) > p.cfg.BatchSize {
		queue = queue[:p.cfg.BatchSize]
	}

	for _, c := range queue {
		if p.cancelled() {
			rep.Cancelled = true
			break
		}
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Processed++
		_, out, err := p.processPrimary(ctx, c)
		switch out {
		case outcomeUpdated:
			rep.Updated++
		case outcomeKept:
			rep.Kept++
		case outcomeNoData, outcomeNoPool:
			rep.NoData++
		case outcomeError:
			rep.Errors++
		}
		if err != nil {
			log.Warn().Err(err).Str("address", c.Address).Msg("ath: coin failed")
		}
	}

	p.settle(rep.Updated+rep.Kept, rep.Errors)

	if rep.Processed > 0 {
		log.Info().
			Int("candidates", rep.Candidates).
			Int("processed", rep.Processed).
			Int("updated", rep.Updated).
			Int("no_data", rep.NoData).
			Int("errors", rep.Errors).
			Bool("cancelled", rep.Cancelled).
			Msg("ath: batch complete")
	}
	return rep, nil
}

// backoff sleeps min(n×5s, 60s) once the error counter passes the
// threshold, then resets it.
func (p *ATHProcessor) backoff(ctx context.Context) error {
	p.mu.Lock()
	n := p.errorCount
	p.mu.Unlock()
	if n <= backoffThreshold {
		return nil
	}
	d := time.Duration(n) * backoffStep
	if d > backoffMax {
		d = backoffMax
	}
	log.Warn().Int("error_count", n).Dur("delay", d).Msg("ath: backing off")
	if err := p.sleep(ctx, d); err != nil {
		return err
	}
	p.mu.Lock()
	p.errorCount = 0
	p.mu.Unlock()
	return nil
}

// settle moves the rolling error counter after a batch: up on a batch with
// errors that did not out-succeed them, down on a successful one.
func (p *ATHProcessor) settle(successes, errs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case errs > 0 && errs >= successes:
		if p.errorCount < errorCountCap {
			p.errorCount++
		}
	case successes > 0 && p.errorCount > 0:
		p.errorCount--
	}
}

// ---------------------------------------------------------------------------
// Refresh and manual triggers
// ---------------------------------------------------------------------------

// RefreshReport summarizes a raise-only sweep.
type RefreshReport struct {
	Candidates int  `json:"candidates"`
	Updated    int  `json:"updated"`
	Skipped    int  `json:"skipped"`
	Errors     int  `json:"errors"`
	Cancelled  bool `json:"cancelled"`
}

// Refresh revisits every created coin at least MinAge old and raises its ATH
// when a strictly higher value is found.
func (p *ATHProcessor) Refresh(ctx context.Context) (RefreshReport, error) {
	var rep RefreshReport
	if err := p.acquire(); err != nil {
		return rep, err
	}
	defer p.release()

	all, err := p.store.All(ctx)
	if err != nil {
		return rep, err
	}
	now := p.now()

	for _, c := range all {
		if !p.RefreshEligible(c, now) {
			continue
		}
		rep.Candidates++
		if p.cancelled() {
			rep.Cancelled = true
			break
		}
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}

		pool, err := p.resolvePool(ctx, c.Address)
		if err != nil {
			rep.Errors++
			continue
		}
		if pool == "" {
			rep.Skipped++
			continue
		}
		ath, ok, err := p.fetchATH(ctx, pool, *c.CreatedAt)
		if err != nil {
			rep.Errors++
			continue
		}
		if !ok {
			rep.Skipped++
			continue
		}

		var res coin.ATHResult
		updated, err := p.store.Update(ctx, c.Address, func(x *coin.Coin) bool {
			res = x.RaiseATH(ath, pool, p.now(), p.cfg.Limits)
			return res != coin.ATHExceedsLimit
		})
		if err != nil {
			rep.Errors++
			continue
		}
		if !res.Updated() {
			rep.Skipped++
			continue
		}
		rep.Updated++
		p.updated.Add(1)
		if p.notifier != nil {
			p.notifier.Notify(ctx, notify.KindATHUpdated, updated)
		}
	}

	log.Info().
		Int("candidates", rep.Candidates).
		Int("updated", rep.Updated).
		Int("skipped", rep.Skipped).
		Int("errors", rep.Errors).
		Msg("ath: refresh complete")
	return rep, nil
}

// RecalculateAll clears the checked stamp on every coin old enough to have
// an ATH but lacking one, so the primary queue picks them up again.
func (p *ATHProcessor) RecalculateAll(ctx context.Context) (int, error) {
	all, err := p.store.All(ctx)
	if err != nil {
		return 0, err
	}
	now := p.now()
	n := 0
	for _, c := range all {
		if c.CreatedAt == nil || now.Sub(*c.CreatedAt) < p.cfg.MinAge || c.HasATH() || c.ATHCheckedAt == nil {
			continue
		}
		if _, err := p.store.Update(ctx, c.Address, func(x *coin.Coin) bool {
			x.ATHCheckedAt = nil
			return true
		}); err != nil {
			return n, err
		}
		n++
	}
	log.Info().Int("cleared", n).Msg("ath: recalculation queued")
	return n, nil
}

// ForceAddress runs the primary lookup for one coin regardless of queue
// eligibility.
func (p *ATHProcessor) ForceAddress(ctx context.Context, address string) (decimal.Decimal, error) {
	c, err := p.store.Get(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	if c.CreatedAt == nil {
		return decimal.Zero, ErrNoCreationDate
	}
	ath, out, err := p.processPrimary(ctx, c)
	if err != nil {
		return decimal.Zero, err
	}
	switch out {
	case outcomeNoPool:
		return decimal.Zero, ErrNoPool
	case outcomeNoData:
		return decimal.Zero, ErrNoData
	}
	return ath, nil
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// ATHStats is a snapshot of processor state.
type ATHStats struct {
	Running         bool      `json:"running"`
	CancelRequested bool      `json:"cancel_requested"`
	ErrorCount      int       `json:"error_count"`
	LastRun         time.Time `json:"last_run"`
	Runs            int64     `json:"runs"`
	Processed       int64     `json:"processed"`
	Updated         int64     `json:"updated"`
	Kept            int64     `json:"kept"`
	NoData          int64     `json:"no_data"`
	Failures        int64     `json:"failures"`
}

func (p *ATHProcessor) Stats() ATHStats {
	p.mu.Lock()
	st := ATHStats{
		Running:         p.running,
		CancelRequested: p.cancelRequested,
		ErrorCount:      p.errorCount,
		LastRun:         p.lastRun,
	}
	p.mu.Unlock()
	st.Runs = p.runs.Load()
	st.Processed = p.processed.Load()
	st.Updated = p.updated.Load()
	st.Kept = p.kept.Load()
	st.NoData = p.noData.Load()
	st.Failures = p.failures.Load()
	return st
}
