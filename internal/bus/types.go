package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SchemaVersion is stamped on every record.
const SchemaVersion = "1.0.0"

// Topic names. Pattern: <service>.<entity>.
const (
	TopicAdminEvents = "trenchwatch.admin-events"
	TopicDiscoveries = "trenchwatch.discoveries"
)

// BaseEvent contains fields common to all records.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
}

// NewBaseEvent creates a BaseEvent with a generated ID.
func NewBaseEvent(producer string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		SchemaVersion: SchemaVersion,
		Producer:      producer,
	}
}

// AdminEvent is the wire form of an admin/community notification.
type AdminEvent struct {
	BaseEvent
	Kind        string            `json:"kind"`
	Address     string            `json:"address,omitempty"`
	CommunityID string            `json:"community_id,omitempty"`
	Admin       string            `json:"admin,omitempty"`
	Followers   *int64            `json:"followers,omitempty"`
	ATHs        []decimal.Decimal `json:"aths,omitempty"`
	DexStatus   string            `json:"dex_status,omitempty"`
	Tag         string            `json:"tag,omitempty"`
}

// Discovery is an inbound feed record produced by a scraper.
type Discovery struct {
	Address     string    `json:"address"`
	CapturedAt  time.Time `json:"captured_at"`
	CommunityID string    `json:"community_id,omitempty"`
}
