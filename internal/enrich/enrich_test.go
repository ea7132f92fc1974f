package enrich

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/nexus-trading/trenchwatch/internal/notify"
	"github.com/nexus-trading/trenchwatch/internal/schedule"
	"github.com/nexus-trading/trenchwatch/internal/store/memory"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	slept []time.Duration
}

func newClock() *fakeClock { return &fakeClock{t: t0} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.slept = append(f.slept, d)
	f.mu.Unlock()
	return nil
}

func (f *fakeClock) Slept() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.slept...)
}

type notified struct {
	Kind    notify.Kind
	Address string
}

type recorder struct {
	mu     sync.Mutex
	events []notified
}

func (r *recorder) Notify(_ context.Context, kind notify.Kind, c *coin.Coin) {
	r.mu.Lock()
	r.events = append(r.events, notified{kind, c.Address})
	r.mu.Unlock()
}

func (r *recorder) Events() []notified {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notified(nil), r.events...)
}

type fakeScheduler struct {
	mu        sync.Mutex
	jobs      map[string]schedule.Job
	delays    map[string]time.Duration
	cancelled []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: make(map[string]schedule.Job), delays: make(map[string]time.Duration)}
}

func (f *fakeScheduler) After(id string, delay time.Duration, fn schedule.Job) {
	f.mu.Lock()
	f.jobs[id] = fn
	f.delays[id] = delay
	f.mu.Unlock()
}

func (f *fakeScheduler) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	_, ok := f.jobs[id]
	delete(f.jobs, id)
	delete(f.delays, id)
	return ok
}

// seed adds a coin created createdAgo before t0 and captured capturedAgo before t0.
// createdAgo < 0 leaves createdAt unset.
func seed(t *testing.T, s *memory.Store, addr string, createdAgo, capturedAgo time.Duration) {
	t.Helper()
	c := coin.New(addr, t0.Add(-capturedAgo))
	if createdAgo >= 0 {
		created := t0.Add(-createdAgo)
		c.CreatedAt = &created
	}
	ok, err := s.AddIfNew(context.Background(), c)
	require.NoError(t, err)
	require.True(t, ok)
}
