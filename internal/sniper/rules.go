package sniper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/nexus-trading/trenchwatch/internal/store"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Rules: user-editable fire conditions
// ---------------------------------------------------------------------------

// RulesKey is the settings key holding the persisted rules.
const RulesKey = "sniper_rules"

// Rules configures which admin conditions fire the sniper. Only enabled
// rules are evaluated.
type Rules struct {
	// Admin follower count strictly greater than FollowersMin.
	FollowersEnabled bool  `json:"followers_enabled" yaml:"followers_enabled"`
	FollowersMin     int64 `json:"followers_min" yaml:"followers_min"`

	// Admin tag is one of AllowedTags.
	TagsEnabled bool     `json:"tags_enabled" yaml:"tags_enabled"`
	AllowedTags []string `json:"allowed_tags" yaml:"allowed_tags"`

	// Average of the admin's last three known ATHs at least AvgATHMin.
	AvgATHEnabled bool            `json:"avg_ath_enabled" yaml:"avg_ath_enabled"`
	AvgATHMin     decimal.Decimal `json:"avg_ath_min" yaml:"avg_ath_min"`

	// Admin coin count within [CoinCountMin, CoinCountMax]. Zero max means unbounded.
	CoinCountEnabled bool `json:"coin_count_enabled" yaml:"coin_count_enabled"`
	CoinCountMin     int  `json:"coin_count_min" yaml:"coin_count_min"`
	CoinCountMax     int  `json:"coin_count_max" yaml:"coin_count_max"`

	// Admin coins with a recorded migration at least MigratedMin.
	MigratedEnabled bool `json:"migrated_enabled" yaml:"migrated_enabled"`
	MigratedMin     int  `json:"migrated_min" yaml:"migrated_min"`

	// AND requires every enabled rule; otherwise any one suffices.
	AndMode bool `json:"and_mode" yaml:"and_mode"`
}

// DefaultRules has every rule disabled, so nothing fires until configured.
func DefaultRules() Rules {
	return Rules{
		AvgATHMin: decimal.NewFromInt(10_000),
	}
}

// Validate rejects negative thresholds and inverted ranges.
func (r Rules) Validate() error {
	var errs []error
	if r.FollowersMin < 0 {
		errs = append(errs, errors.New("followers_min must not be negative"))
	}
	if r.AvgATHMin.IsNegative() {
		errs = append(errs, errors.New("avg_ath_min must not be negative"))
	}
	if r.CoinCountMin < 0 || r.CoinCountMax < 0 {
		errs = append(errs, errors.New("coin count bounds must not be negative"))
	}
	if r.CoinCountMax > 0 && r.CoinCountMax < r.CoinCountMin {
		errs = append(errs, fmt.Errorf("coin_count_max %d below coin_count_min %d", r.CoinCountMax, r.CoinCountMin))
	}
	if r.MigratedMin < 0 {
		errs = append(errs, errors.New("migrated_min must not be negative"))
	}
	return errors.Join(errs...)
}

// NeedsAdminCoins reports whether any enabled rule reads the admin's coins.
func (r Rules) NeedsAdminCoins() bool {
	return r.AvgATHEnabled || r.CoinCountEnabled || r.MigratedEnabled
}

// Any reports whether at least one rule is enabled.
func (r Rules) Any() bool {
	return r.FollowersEnabled || r.TagsEnabled || r.NeedsAdminCoins()
}

// Facts are the admin figures a decision reads.
type Facts struct {
	Followers int64  `json:"followers"`
	Tag       string `json:"tag,omitempty"`
	// HasAdmin is false when the coin carries no admin identity. Admin-coin
	// rules fail in that case.
	HasAdmin      bool              `json:"has_admin"`
	LastATHs      []decimal.Decimal `json:"last_aths,omitempty"`
	CoinCount     int               `json:"coin_count"`
	MigratedCount int               `json:"migrated_count"`
}

// AverageATH returns the mean of LastATHs and false when there are none.
func (f Facts) AverageATH() (decimal.Decimal, bool) {
	if len(f.LastATHs) == 0 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, a := range f.LastATHs {
		sum = sum.Add(a)
	}
	return sum.Div(decimal.NewFromInt(int64(len(f.LastATHs)))), true
}

// Decide combines the enabled rules. It never fires with no rule enabled and
// ignores the blacklist, which the engine checks first.
func Decide(r Rules, f Facts) bool {
	results := make([]bool, 0, 5)

	if r.FollowersEnabled {
		results = append(results, f.Followers > r.FollowersMin)
	}
	if r.TagsEnabled {
		results = append(results, f.Tag != "" && slices.Contains(r.AllowedTags, f.Tag))
	}
	if r.AvgATHEnabled {
		avg, ok := f.AverageATH()
		results = append(results, f.HasAdmin && ok && avg.GreaterThanOrEqual(r.AvgATHMin))
	}
	if r.CoinCountEnabled {
		ok := f.HasAdmin && f.CoinCount >= r.CoinCountMin
		if r.CoinCountMax > 0 {
			ok = ok && f.CoinCount <= r.CoinCountMax
		}
		results = append(results, ok)
	}
	if r.MigratedEnabled {
		results = append(results, f.HasAdmin && f.MigratedCount >= r.MigratedMin)
	}

	if len(results) == 0 {
		return false
	}
	if r.AndMode {
		return !slices.Contains(results, false)
	}
	return slices.Contains(results, true)
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

// LoadRules reads the persisted rules, falling back to def when unset.
func LoadRules(ctx context.Context, s store.SettingsStore, def Rules) (Rules, error) {
	raw, err := s.GetSetting(ctx, RulesKey)
	if errors.Is(err, store.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	var r Rules
	if err := json.Unmarshal(raw, &r); err != nil {
		return def, fmt.Errorf("decode sniper rules: %w", err)
	}
	return r, nil
}

// SaveRules validates and persists r.
func SaveRules(ctx context.Context, s store.SettingsStore, r Rules) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.PutSetting(ctx, RulesKey, raw)
}
