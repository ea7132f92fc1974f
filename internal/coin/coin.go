package coin

import (
	"errors"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Coin: one token observed on the launch feed
// ---------------------------------------------------------------------------

// DexStatus is the DEX-approval state of a coin. It only moves forward.
type DexStatus string

const (
	DexUnknown  DexStatus = "unknown"
	DexApproved DexStatus = "approved"
	DexNone     DexStatus = "none"
)

// Terminal reports whether no further DEX checks are needed.
func (s DexStatus) Terminal() bool {
	return s == DexApproved || s == DexNone
}

// ErrInvalidAddress is returned for addresses that are not 32-byte base58 keys.
var ErrInvalidAddress = errors.New("coin: invalid address")

// Coin is the persisted record for a discovered token.
type Coin struct {
	Address     string     `json:"address"`
	Name        string     `json:"name"`
	CapturedAt  time.Time  `json:"captured_at"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	DevAddr     string     `json:"dev_addr,omitempty"`
	CommunityID string     `json:"community_id,omitempty"`

	AdminName      string `json:"admin_name,omitempty"`
	AdminFollowers *int64 `json:"admin_followers,omitempty"`

	DexStatus     DexStatus  `json:"dex_status"`
	DexPaymentAt  *time.Time `json:"dex_payment_at,omitempty"`
	DexApprovalMs *int64     `json:"dex_approval_ms,omitempty"`

	ATH            decimal.Decimal `json:"ath"`
	ATHCheckedAt   *time.Time      `json:"ath_checked_at,omitempty"`
	ATHPoolAddress string          `json:"ath_pool_address,omitempty"`

	MigratedAt   *time.Time `json:"migrated_at,omitempty"`
	MigratedInMs *int64     `json:"migrated_in_ms,omitempty"`
}

// New returns a coin in its initial state.
func New(address string, capturedAt time.Time) *Coin {
	return &Coin{
		Address:    address,
		Name:       PlaceholderName(address),
		CapturedAt: capturedAt,
		DexStatus:  DexUnknown,
	}
}

// Clone returns a deep copy so callers can mutate freely.
func (c *Coin) Clone() *Coin {
	if c == nil {
		return nil
	}
	out := *c
	out.CreatedAt = cloneTime(c.CreatedAt)
	out.AdminFollowers = cloneInt(c.AdminFollowers)
	out.DexPaymentAt = cloneTime(c.DexPaymentAt)
	out.DexApprovalMs = cloneInt(c.DexApprovalMs)
	out.ATHCheckedAt = cloneTime(c.ATHCheckedAt)
	out.MigratedAt = cloneTime(c.MigratedAt)
	out.MigratedInMs = cloneInt(c.MigratedInMs)
	return &out
}

// Age returns the reference time used for ordering: createdAt, else capturedAt.
func (c *Coin) Age() time.Time {
	if c.CreatedAt != nil && !c.CreatedAt.IsZero() {
		return *c.CreatedAt
	}
	return c.CapturedAt
}

// HasATH reports whether a positive ATH is stored.
func (c *Coin) HasATH() bool {
	return c.ATH.IsPositive()
}

// NormalizedName is the dedup key component for name-based duplicates.
func (c *Coin) NormalizedName() string {
	return NormalizeName(c.Name)
}

// ---------------------------------------------------------------------------
// DEX transitions
// ---------------------------------------------------------------------------

// ApplyDexApproval moves an unknown coin to approved. paymentAt may be nil
// when the upstream omits the timestamp. Returns false if already terminal.
func (c *Coin) ApplyDexApproval(paymentAt *time.Time) bool {
	if c.DexStatus.Terminal() {
		return false
	}
	c.DexStatus = DexApproved
	if paymentAt == nil {
		return true
	}
	ts := *paymentAt
	c.DexPaymentAt = &ts
	if c.CreatedAt != nil {
		ms := ts.Sub(*c.CreatedAt).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		c.DexApprovalMs = &ms
	}
	return true
}

// FinalizeDexNone moves an unknown coin to none. Returns false if already terminal.
func (c *Coin) FinalizeDexNone() bool {
	if c.DexStatus.Terminal() {
		return false
	}
	c.DexStatus = DexNone
	return true
}

// ---------------------------------------------------------------------------
// ATH
// ---------------------------------------------------------------------------

// ATHResult reports the outcome of a raise-only ATH update.
type ATHResult string

const (
	ATHExceedsLimit   ATHResult = "exceeds_limit"
	ATHCoinNotFound   ATHResult = "coin_not_found"
	ATHNoPrevious     ATHResult = "no_previous_ath"
	ATHHigherFound    ATHResult = "higher_ath_found"
	ATHExistingHigher ATHResult = "existing_ath_higher"
)

// Updated reports whether the stored ATH changed.
func (r ATHResult) Updated() bool {
	return r == ATHNoPrevious || r == ATHHigherFound
}

// SetATH stores an ATH from the primary queue. Values above the ceiling and
// values not above an existing ATH are rejected, but the coin is still
// stamped as checked.
func (c *Coin) SetATH(ath decimal.Decimal, pool string, now time.Time, limits Limits) bool {
	c.ATHCheckedAt = &now
	if ath.GreaterThan(limits.ATHCeiling) || !ath.IsPositive() {
		return false
	}
	if c.HasATH() && !ath.GreaterThan(c.ATH) {
		return false
	}
	c.ATH = ath
	c.ATHPoolAddress = pool
	return true
}

// RaiseATH replaces the stored ATH only with a strictly higher value.
func (c *Coin) RaiseATH(ath decimal.Decimal, pool string, now time.Time, limits Limits) ATHResult {
	if ath.GreaterThan(limits.ATHCeiling) {
		return ATHExceedsLimit
	}
	if !c.HasATH() {
		c.ATH = ath
		c.ATHPoolAddress = pool
		c.ATHCheckedAt = &now
		return ATHNoPrevious
	}
	if ath.GreaterThan(c.ATH) {
		c.ATH = ath
		c.ATHPoolAddress = pool
		c.ATHCheckedAt = &now
		return ATHHigherFound
	}
	c.ATHCheckedAt = &now
	return ATHExistingHigher
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// NormalizeName trims, lowercases and collapses internal whitespace.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// PlaceholderName is used until metadata supplies a symbol.
func PlaceholderName(address string) string {
	if len(address) > 6 {
		return address[:6]
	}
	return address
}

// ValidateAddress checks that address decodes to a 32-byte public key.
func ValidateAddress(address string) error {
	if address == "" {
		return ErrInvalidAddress
	}
	raw, err := base58.Decode(address)
	if err != nil || len(raw) != 32 {
		return ErrInvalidAddress
	}
	return nil
}

// PaymentTime converts an upstream payment timestamp to a time. Values below
// 1e12 are seconds, larger ones milliseconds. Zero or negative means absent.
func PaymentTime(raw int64) *time.Time {
	if raw <= 0 {
		return nil
	}
	ms := raw
	if raw < 1_000_000_000_000 {
		ms = raw * 1000
	}
	t := time.UnixMilli(ms)
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int64) *int64 {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
