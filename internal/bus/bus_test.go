package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToRecord_MergesHeaders(t *testing.T) {
	p := &KafkaProducer{defaultHeaders: map[string]string{"producer": "tw-1", "schema_version": SchemaVersion}}
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rec := p.toRecord(Message{
		Topic:     TopicAdminEvents,
		Key:       "addr",
		Value:     []byte(`{}`),
		Headers:   map[string]string{"producer": "override"},
		Timestamp: ts,
	})

	msg := recordToMessage(rec)
	assert.Equal(t, TopicAdminEvents, msg.Topic)
	assert.Equal(t, "addr", msg.Key)
	assert.Equal(t, ts, msg.Timestamp)
	assert.Equal(t, "override", msg.Headers["producer"])
	assert.Equal(t, SchemaVersion, msg.Headers["schema_version"])
	assert.NotEmpty(t, msg.Headers["event_id"])
}

func TestToRecord_DefaultsTimestamp(t *testing.T) {
	p := &KafkaProducer{}
	rec := p.toRecord(Message{Topic: TopicDiscoveries})
	assert.False(t, rec.Timestamp.IsZero())
}

func TestStubProducer(t *testing.T) {
	p := NewStubProducer()
	ctx := context.Background()
	require.NoError(t, p.PublishJSON(ctx, TopicDiscoveries, "k", Discovery{Address: "A"}))
	msgs := p.Snapshot()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"address":"A","captured_at":"0001-01-01T00:00:00Z"}`, string(msgs[0].Value))

	p.Err = errors.New("down")
	assert.Error(t, p.Publish(ctx, Message{Topic: TopicDiscoveries}))
	assert.Len(t, p.Snapshot(), 1)
}

func TestStubConsumer_ReplaysThenWaits(t *testing.T) {
	c := &StubConsumer{Messages: []Message{{Key: "1"}, {Key: "2"}, {Key: "3"}}}
	ctx, cancel := context.WithCancel(context.Background())

	var keys []string
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(_ context.Context, m Message) error {
			keys = append(keys, m.Key)
			if m.Key == "2" {
				return errors.New("bad record")
			}
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, []string{"1", "2", "3"}, keys)
}
