package notify

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind names what changed.
type Kind string

const (
	KindAdminInfo     Kind = "admin_info"
	KindCommunityInfo Kind = "community_info"
	KindDexResolved   Kind = "dex_resolved"
	KindATHUpdated    Kind = "ath_updated"
	KindSnipeOpen     Kind = "snipe_open"
)

// Event carries enough denormalized data for a surface to render without
// further queries.
type Event struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Time        time.Time         `json:"ts"`
	Address     string            `json:"address,omitempty"`
	CommunityID string            `json:"community_id,omitempty"`
	Admin       string            `json:"admin,omitempty"`
	Followers   *int64            `json:"followers,omitempty"`
	ATHs        []decimal.Decimal `json:"aths,omitempty"`
	DexStatus   string            `json:"dex_status,omitempty"`
	Tag         string            `json:"tag,omitempty"`
}

// MaxATHs is the number of recent ATH values carried per event.
const MaxATHs = 3

// NewEvent returns an event with a fresh ID and timestamp.
func NewEvent(kind Kind) Event {
	return Event{
		ID:   uuid.New().String(),
		Kind: kind,
		Time: time.Now().UTC(),
	}
}

// WithATHs copies up to MaxATHs values onto the event.
func (e Event) WithATHs(aths []decimal.Decimal) Event {
	if len(aths) > MaxATHs {
		aths = aths[:MaxATHs]
	}
	e.ATHs = append([]decimal.Decimal(nil), aths...)
	return e
}
