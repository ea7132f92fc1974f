package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/adapters/dexscreener"
	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/nexus-trading/trenchwatch/internal/notify"
	"github.com/nexus-trading/trenchwatch/internal/schedule"
	"github.com/nexus-trading/trenchwatch/internal/store"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// DEX approval: unknown → approved | none, checked at fixed offsets after
// creation and by a periodic sweep that also force-finalizes stale coins.
// ---------------------------------------------------------------------------

// Notifier publishes admin-level updates for a coin.
type Notifier interface {
	Notify(ctx context.Context, kind notify.Kind, c *coin.Coin)
}

// Scheduler is the subset of schedule.Scheduler used for delayed checks.
type Scheduler interface {
	After(id string, delay time.Duration, fn schedule.Job)
	Cancel(id string) bool
}

// DefaultDexOffsets are the check times after creation.
var DefaultDexOffsets = []time.Duration{
	1 * time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute, 60 * time.Minute,
}

// DexConfig configures a DexChecker.
type DexConfig struct {
	Offsets       []time.Duration
	FinalizeAfter time.Duration
}

// DexChecker drives the per-coin DEX approval state machine.
type DexChecker struct {
	store    store.CoinStore
	orders   dexscreener.OrderClient
	sched    Scheduler
	notifier Notifier
	cfg      DexConfig
	now      func() time.Time

	checks    atomic.Int64
	approved  atomic.Int64
	finalized atomic.Int64
	failures  atomic.Int64
}

func NewDexChecker(s store.CoinStore, orders dexscreener.OrderClient, sched Scheduler, n Notifier, cfg DexConfig) *DexChecker {
	if len(cfg.Offsets) == 0 {
		cfg.Offsets = DefaultDexOffsets
	}
	if cfg.FinalizeAfter <= 0 {
		cfg.FinalizeAfter = cfg.Offsets[len(cfg.Offsets)-1]
	}
	return &DexChecker{store: s, orders: orders, sched: sched, notifier: n, cfg: cfg, now: time.Now}
}

// JobID is the stable scheduler ID for one offset check.
func JobID(address string, offset time.Duration) string {
	return fmt.Sprintf("dex:%s:%d", address, int(offset.Minutes()))
}

// Schedule registers the offset checks still in the future for c.
func (d *DexChecker) Schedule(c *coin.Coin) int {
	if c.DexStatus.Terminal() {
		return 0
	}
	base := c.Age()
	now := d.now()
	n := 0
	for _, off := range d.cfg.Offsets {
		remaining := base.Add(off).Sub(now)
		if remaining <= 0 {
			continue
		}
		address, final := c.Address, off >= d.cfg.FinalizeAfter
		d.sched.After(JobID(address, off), remaining, func(ctx context.Context) {
			if _, err := d.Check(ctx, address, final); err != nil {
				log.Warn().Err(err).Str("address", address).Msg("dex: scheduled check failed")
			}
		})
		n++
	}
	return n
}

// Reschedule restores pending offset checks for every non-terminal coin,
// used after a restart.
func (d *DexChecker) Reschedule(ctx context.Context) (int, error) {
	all, err := d.store.All(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, c := range all {
		total += d.Schedule(c)
	}
	log.Info().Int("jobs", total).Msg("dex: checks rescheduled")
	return total, nil
}

func (d *DexChecker) cancelPending(address string) {
	for _, off := range d.cfg.Offsets {
		d.sched.Cancel(JobID(address, off))
	}
}

// Check polls the order API once. final marks the last offset: without an
// approval the coin becomes none. Upstream failures leave the coin unchanged.
func (d *DexChecker) Check(ctx context.Context, address string, final bool) (coin.DexStatus, error) {
	c, err := d.store.Get(ctx, address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.cancelPending(address)
		}
		return "", err
	}
	if c.DexStatus.Terminal() {
		return c.DexStatus, nil
	}
	return d.apply(ctx, c, final)
}

func (d *DexChecker) apply(ctx context.Context, c *coin.Coin, final bool) (coin.DexStatus, error) {
	d.checks.Add(1)
	order, err := d.orders.Order(ctx, c.Address)
	if err != nil {
		d.failures.Add(1)
		return c.DexStatus, fmt.Errorf("dex: order %s: %w", c.Address, err)
	}

	var mutate func(*coin.Coin) bool
	switch {
	case order.Approved():
		paymentAt := coin.PaymentTime(order.PaymentTimestamp)
		mutate = func(x *coin.Coin) bool { return x.ApplyDexApproval(paymentAt) }
	case final:
		mutate = func(x *coin.Coin) bool { return x.FinalizeDexNone() }
	default:
		return c.DexStatus, nil
	}

	return d.transition(ctx, c.Address, mutate)
}

func (d *DexChecker) transition(ctx context.Context, address string, mutate func(*coin.Coin) bool) (coin.DexStatus, error) {
	changed := false
	updated, err := d.store.Update(ctx, address, func(x *coin.Coin) bool {
		changed = mutate(x)
		return changed
	})
	if err != nil {
		return "", err
	}
	if !changed {
		return updated.DexStatus, nil
	}

	switch updated.DexStatus {
	case coin.DexApproved:
		d.approved.Add(1)
		ev := log.Info().Str("address", address)
		if updated.DexApprovalMs != nil {
			ev = ev.Int64("approval_ms", *updated.DexApprovalMs)
		}
		ev.Msg("dex: approved")
	case coin.DexNone:
		d.finalized.Add(1)
		log.Info().Str("address", address).Msg("dex: no approval, finalized")
	}
	d.cancelPending(address)
	if d.notifier != nil {
		d.notifier.Notify(ctx, notify.KindDexResolved, updated)
	}
	return updated.DexStatus, nil
}

// SweepReport summarizes a sweep.
type SweepReport struct {
	Polled    int `json:"polled"`
	Approved  int `json:"approved"`
	Finalized int `json:"finalized"`
	Errors    int `json:"errors"`
}

// Sweep re-polls every unknown coin younger than FinalizeAfter and
// finalizes older ones to none.
func (d *DexChecker) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	all, err := d.store.All(ctx)
	if err != nil {
		return rep, err
	}
	now := d.now()

	for _, c := range all {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if c.DexStatus.Terminal() {
			continue
		}
		if now.Sub(c.Age()) >= d.cfg.FinalizeAfter {
			if st, err := d.transition(ctx, c.Address, func(x *coin.Coin) bool { return x.FinalizeDexNone() }); err == nil && st == coin.DexNone {
				rep.Finalized++
			}
			continue
		}

		rep.Polled++
		st, err := d.apply(ctx, c, false)
		if err != nil {
			rep.Errors++
			log.Debug().Err(err).Str("address", c.Address).Msg("dex: sweep poll failed")
			continue
		}
		if st == coin.DexApproved {
			rep.Approved++
		}
	}

	if rep.Polled > 0 || rep.Finalized > 0 {
		log.Info().
			Int("polled", rep.Polled).
			Int("approved", rep.Approved).
			Int("finalized", rep.Finalized).
			Int("errors", rep.Errors).
			Msg("dex: sweep complete")
	}
	return rep, nil
}

// StatusReport is a read-only view of the upstream order status.
type StatusReport struct {
	Address          string `json:"address"`
	Status           string `json:"status"`
	Approved         bool   `json:"approved"`
	PaymentTimestamp int64  `json:"payment_timestamp,omitempty"`
}

// Status queries the order API without touching the store.
func (d *DexChecker) Status(ctx context.Context, address string) (StatusReport, error) {
	rep := StatusReport{Address: address}
	order, err := d.orders.Order(ctx, address)
	if err != nil {
		return rep, err
	}
	switch {
	case order == nil || order.Status == "":
		rep.Status = "not_found"
	case order.Approved():
		rep.Status = string(coin.DexApproved)
		rep.Approved = true
		rep.PaymentTimestamp = order.PaymentTimestamp
	default:
		rep.Status = order.Status
	}
	return rep, nil
}

// DexStats are cumulative counters.
type DexStats struct {
	Checks    int64 `json:"checks"`
	Approved  int64 `json:"approved"`
	Finalized int64 `json:"finalized"`
	Failures  int64 `json:"failures"`
}

func (d *DexChecker) Stats() DexStats {
	return DexStats{
		Checks:    d.checks.Load(),
		Approved:  d.approved.Load(),
		Finalized: d.finalized.Load(),
		Failures:  d.failures.Load(),
	}
}
