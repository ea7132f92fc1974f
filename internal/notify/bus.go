package notify

import (
	"context"

	"github.com/nexus-trading/trenchwatch/internal/bus"
)

// BusSurface publishes events to a Kafka topic, keyed by admin so one
// admin's events stay ordered within a partition.
type BusSurface struct {
	producer bus.Producer
	topic    string
	instance string
}

func NewBusSurface(p bus.Producer, topic, instance string) *BusSurface {
	if topic == "" {
		topic = bus.TopicAdminEvents
	}
	return &BusSurface{producer: p, topic: topic, instance: instance}
}

func (s *BusSurface) Name() string { return "kafka" }

func (s *BusSurface) Deliver(ctx context.Context, ev Event) error {
	base := bus.NewBaseEvent(s.instance)
	base.EventID = ev.ID
	base.Timestamp = ev.Time

	key := ev.Admin
	if key == "" {
		key = ev.Address
	}
	return s.producer.PublishJSON(ctx, s.topic, key, bus.AdminEvent{
		BaseEvent:   base,
		Kind:        string(ev.Kind),
		Address:     ev.Address,
		CommunityID: ev.CommunityID,
		Admin:       ev.Admin,
		Followers:   ev.Followers,
		ATHs:        ev.ATHs,
		DexStatus:   ev.DexStatus,
		Tag:         ev.Tag,
	})
}
