package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/bus"
	"github.com/rs/zerolog/log"
)

const (
	// Topic receives every entry when a producer is configured.
	Topic = "trenchwatch.audit"

	EventSnipe       = "snipe_decision"
	EventRules       = "sniper_rules"
	EventAdmin       = "admin_edit"
	EventMaintenance = "maintenance"
)

// Sniper decisions.
const (
	DecisionFired       = "fired"
	DecisionBlacklisted = "blacklisted"
	DecisionRejected    = "rejected"
	DecisionSuppressed  = "suppressed"
)

// Entry is one recorded decision or manual change.
type Entry struct {
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"ts"`
	Address   string          `json:"address,omitempty"`
	Admin     string          `json:"admin,omitempty"`
	Decision  string          `json:"decision,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Trail keeps the newest maxBuf entries in memory and publishes each entry
// to Topic. A nil *Trail records nothing.
type Trail struct {
	mu       sync.Mutex
	producer bus.Producer
	entries  []Entry
	maxBuf   int
	now      func() time.Time
}

// NewTrail creates a trail. producer may be nil. A maxBuf of 0 disables the
// in-memory buffer.
func NewTrail(producer bus.Producer, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{
		producer: producer,
		entries:  make([]Entry, 0, maxBuf),
		maxBuf:   maxBuf,
		now:      time.Now,
	}
}

// Record appends an entry. payload is stored as JSON.
func (t *Trail) Record(ctx context.Context, eventType, address, admin, decision string, payload any) {
	if t == nil {
		return
	}
	e := Entry{
		EventType: eventType,
		Timestamp: t.now(),
		Address:   address,
		Admin:     admin,
		Decision:  decision,
	}
	if payload != nil {
		e.Payload = mustMarshal(payload)
	}

	t.mu.Lock()
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = e
		} else {
			t.entries = append(t.entries, e)
		}
	}
	t.mu.Unlock()

	if t.producer == nil {
		return
	}
	key := e.Address
	if key == "" {
		key = e.Admin
	}
	if err := t.producer.PublishJSON(ctx, Topic, key, e); err != nil {
		log.Error().Err(err).Str("event_type", e.EventType).Msg("audit: publish failed")
	}
}

// Filter selects entries; empty fields match everything.
type Filter struct {
	Address   string
	Admin     string
	EventType string
	Limit     int
}

func (f Filter) match(e Entry) bool {
	return (f.Address == "" || e.Address == f.Address) &&
		(f.Admin == "" || e.Admin == f.Admin) &&
		(f.EventType == "" || e.EventType == f.EventType)
}

// Query returns matching entries newest first, at most f.Limit when positive.
func (t *Trail) Query(f Filter) []Entry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := []Entry{}
	for i := len(t.entries) - 1; i >= 0; i-- {
		if !f.match(t.entries[i]) {
			continue
		}
		out = append(out, t.entries[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (t *Trail) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("audit: marshal payload")
		return json.RawMessage("{}")
	}
	return data
}
