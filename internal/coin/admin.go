package coin

import (
	"time"

	"github.com/shopspring/decimal"
)

// BlacklistTag is the reserved admin tag that hard-blocks the sniper.
const BlacklistTag = "Blacklist"

// DefaultCategories are the tags offered before any admin is tagged.
var DefaultCategories = []string{"Good", "Alpha", BlacklistTag, "Quick Dex paid", "Bundler"}

// Admin is a manually curated creator identity.
type Admin struct {
	Name  string `json:"name"`
	Tag   string `json:"tag,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// Empty reports whether the record carries nothing worth keeping.
func (a Admin) Empty() bool {
	return a.Tag == "" && a.Notes == ""
}

// Blacklisted reports whether the admin is hard-blocked.
func (a Admin) Blacklisted() bool {
	return a.Tag == BlacklistTag
}

// AdminStats is a derived cache over an admin's coins.
type AdminStats struct {
	Admin          string    `json:"admin"`
	LastCoinsCount int       `json:"last_coins_count"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Limits are the sanity thresholds applied to upstream price data.
type Limits struct {
	ATHCeiling     decimal.Decimal
	MaxCandleHigh  decimal.Decimal
	SupplyMultiple decimal.Decimal
}

// DefaultLimits returns the thresholds observed for pump-style token supply.
func DefaultLimits() Limits {
	return Limits{
		ATHCeiling:     decimal.NewFromInt(5_000_000),
		MaxCandleHigh:  decimal.NewFromInt(1),
		SupplyMultiple: decimal.NewFromInt(1_000_000_000),
	}
}
