package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Duplicate consolidation
// ---------------------------------------------------------------------------

// ConsolidateDuplicates keeps the earliest coin per normalized name for one
// admin and deletes the rest. Returns the deleted addresses.
func ConsolidateDuplicates(ctx context.Context, s CoinStore, admin string) ([]string, error) {
	if admin == "" {
		return nil, nil
	}
	coins, err := s.ByAdmin(ctx, admin)
	if err != nil {
		return nil, fmt.Errorf("consolidate %s: %w", admin, err)
	}
	if len(coins) < 2 {
		return nil, nil
	}

	groups := make(map[string][]*coin.Coin)
	for _, c := range coins {
		key := c.NormalizedName()
		groups[key] = append(groups[key], c)
	}

	var remove []string
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			ai, aj := group[i].Age(), group[j].Age()
			if ai.Equal(aj) {
				return group[i].Address < group[j].Address
			}
			return ai.Before(aj)
		})
		for _, c := range group[1:] {
			remove = append(remove, c.Address)
		}
	}
	if len(remove) == 0 {
		return nil, nil
	}

	if _, err := s.DeleteByAddresses(ctx, remove); err != nil {
		return nil, fmt.Errorf("consolidate %s: %w", admin, err)
	}
	log.Info().
		Str("admin", admin).
		Strs("removed", remove).
		Msg("store: duplicates consolidated")
	return remove, nil
}

// ConsolidateAll runs ConsolidateDuplicates for every admin with coins.
func ConsolidateAll(ctx context.Context, s CoinStore) (int, error) {
	coins, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	admins := make(map[string]struct{})
	for _, c := range coins {
		if c.AdminName != "" {
			admins[c.AdminName] = struct{}{}
		}
	}
	total := 0
	for admin := range admins {
		removed, err := ConsolidateDuplicates(ctx, s, admin)
		if err != nil {
			return total, err
		}
		total += len(removed)
	}
	return total, nil
}

// DeleteOrphans removes coins that never resolved an admin identity.
func DeleteOrphans(ctx context.Context, s CoinStore) (int, error) {
	coins, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	var orphans []string
	for _, c := range coins {
		if c.AdminName == "" {
			orphans = append(orphans, c.Address)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	return s.DeleteByAddresses(ctx, orphans)
}

// ---------------------------------------------------------------------------
// Pruning
// ---------------------------------------------------------------------------

// PruneParams selects coins for bulk removal.
type PruneParams struct {
	OlderThanDays int  `json:"older_than_days"`
	NoATH         bool `json:"no_ath"`
	KeepApproved  bool `json:"keep_approved"`
	KeepWithATH   bool `json:"keep_with_ath"`
	DryRun        bool `json:"dry_run"`
}

// DefaultPruneParams protects approved coins and coins with an ATH.
func DefaultPruneParams() PruneParams {
	return PruneParams{KeepApproved: true, KeepWithATH: true}
}

// PruneReport summarizes a prune run.
type PruneReport struct {
	Total    int            `json:"total"`
	Selected int            `json:"selected"`
	Deleted  int            `json:"deleted"`
	DryRun   bool           `json:"dry_run"`
	Reasons  map[string]int `json:"reasons"`
}

// Prune deletes coins older than the cutoff (by createdAt) and/or coins
// without an ATH, skipping protected coins.
func Prune(ctx context.Context, s CoinStore, p PruneParams, now time.Time) (PruneReport, error) {
	report := PruneReport{DryRun: p.DryRun, Reasons: map[string]int{"older": 0, "no_ath": 0}}

	coins, err := s.All(ctx)
	if err != nil {
		return report, err
	}
	report.Total = len(coins)

	protected := func(c *coin.Coin) bool {
		if p.KeepApproved && c.DexStatus == coin.DexApproved {
			return true
		}
		return p.KeepWithATH && c.HasATH()
	}

	selected := make(map[string]struct{})
	var order []string
	pick := func(addr, reason string) {
		if _, ok := selected[addr]; ok {
			return
		}
		selected[addr] = struct{}{}
		order = append(order, addr)
		report.Reasons[reason]++
	}

	if p.OlderThanDays > 0 {
		cutoff := now.Add(-time.Duration(p.OlderThanDays) * 24 * time.Hour)
		for _, c := range coins {
			if c.CreatedAt == nil || protected(c) {
				continue
			}
			if c.CreatedAt.Before(cutoff) {
				pick(c.Address, "older")
			}
		}
	}
	if p.NoATH {
		for _, c := range coins {
			if !c.HasATH() && !protected(c) {
				pick(c.Address, "no_ath")
			}
		}
	}

	report.Selected = len(order)
	if p.DryRun || len(order) == 0 {
		return report, nil
	}

	n, err := s.DeleteByAddresses(ctx, order)
	if err != nil {
		return report, fmt.Errorf("prune: %w", err)
	}
	report.Deleted = n

	log.Info().
		Int("deleted", n).
		Int("older", report.Reasons["older"]).
		Int("no_ath", report.Reasons["no_ath"]).
		Msg("store: pruned coins")
	return report, nil
}
