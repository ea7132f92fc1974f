package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexus-trading/trenchwatch/internal/bus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) surface(name string) SurfaceFunc {
	return SurfaceFunc{SurfaceName: name, Fn: func(_ context.Context, ev Event) error {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		return nil
	}}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestHub_FailingSurfaceDoesNotAffectOthers(t *testing.T) {
	ctx := context.Background()
	h := NewHub(16)
	rec := &recorder{}
	h.Register(ctx, SurfaceFunc{SurfaceName: "broken", Fn: func(context.Context, Event) error {
		return errors.New("tab closed")
	}})
	h.Register(ctx, SurfaceFunc{SurfaceName: "panicky", Fn: func(context.Context, Event) error {
		panic("boom")
	}})
	h.Register(ctx, rec.surface("ok"))
	h.Start(ctx)

	for i := 0; i < 5; i++ {
		h.Publish(ctx, NewEvent(KindAdminInfo))
	}
	h.Close()

	assert.Equal(t, 5, rec.count())
	stats := h.Stats()
	assert.Equal(t, int64(5), stats.Published)
	require.Len(t, stats.Surfaces, 3)
	assert.Equal(t, int64(5), stats.Surfaces[0].Failed)
	assert.Equal(t, int64(5), stats.Surfaces[1].Failed)
	assert.Equal(t, int64(5), stats.Surfaces[2].Delivered)
}

func TestHub_FullQueueDrops(t *testing.T) {
	ctx := context.Background()
	h := NewHub(2)
	block := make(chan struct{})
	h.Register(ctx, SurfaceFunc{SurfaceName: "slow", Fn: func(context.Context, Event) error {
		<-block
		return nil
	}})
	rec := &recorder{}
	h.Register(ctx, rec.surface("fast"))
	h.Start(ctx)

	// One in flight plus two queued; the rest are dropped for "slow" only.
	for i := 0; i < 10; i++ {
		h.Publish(ctx, NewEvent(KindCommunityInfo))
		time.Sleep(2 * time.Millisecond)
	}
	close(block)
	h.Close()

	stats := h.Stats()
	assert.Greater(t, stats.Surfaces[0].Dropped, int64(0))
	assert.Equal(t, int64(10), stats.Surfaces[0].Dropped+stats.Surfaces[0].Delivered)
	assert.Equal(t, 10-int(stats.Surfaces[1].Dropped), rec.count())
}

func TestHub_PublishAfterCloseIsNoop(t *testing.T) {
	h := NewHub(1)
	h.Start(context.Background())
	h.Close()
	h.Publish(context.Background(), NewEvent(KindAdminInfo))
	assert.Equal(t, int64(0), h.Stats().Published)
}

func TestEvent_WithATHsCapsAtThree(t *testing.T) {
	aths := []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(2), decimal.NewFromInt(3), decimal.NewFromInt(4)}
	ev := NewEvent(KindAdminInfo).WithATHs(aths)
	assert.Len(t, ev.ATHs, MaxATHs)
	assert.NotEmpty(t, ev.ID)
}

func TestBusSurface(t *testing.T) {
	p := bus.NewStubProducer()
	s := NewBusSurface(p, "", "tw-1")

	followers := int64(900)
	ev := NewEvent(KindAdminInfo)
	ev.Admin = "alpha_dev"
	ev.CommunityID = "42"
	ev.Followers = &followers
	require.NoError(t, s.Deliver(context.Background(), ev))

	msgs := p.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, bus.TopicAdminEvents, msgs[0].Topic)
	assert.Equal(t, "alpha_dev", msgs[0].Key)

	var wire bus.AdminEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &wire))
	assert.Equal(t, ev.ID, wire.EventID)
	assert.Equal(t, "admin_info", wire.Kind)
	assert.Equal(t, "tw-1", wire.Producer)
	assert.Equal(t, int64(900), *wire.Followers)
}

func TestWSHub_Broadcast(t *testing.T) {
	hub := NewWSHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conns := make([]*websocket.Conn, 2)
	for i := range conns {
		c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer c.Close()
		conns[i] = c
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	ev := NewEvent(KindSnipeOpen)
	ev.Address = "Mint111"
	require.NoError(t, hub.Deliver(context.Background(), ev))

	for _, c := range conns {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		var got Event
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, KindSnipeOpen, got.Kind)
		assert.Equal(t, "Mint111", got.Address)
	}

	require.NoError(t, conns[0].Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), hub.Stats().Connected)
}
