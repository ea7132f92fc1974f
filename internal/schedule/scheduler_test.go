package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAfter_Fires(t *testing.T) {
	s := New()
	defer s.Stop()

	done := make(chan struct{})
	s.After("dex:A:1", 10*time.Millisecond, func(ctx context.Context) {
		assert.NoError(t, ctx.Err())
		close(done)
	})
	assert.Equal(t, []string{"dex:A:1"}, s.Pending())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire")
	}
	assert.Eventually(t, func() bool { return len(s.Pending()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestAfter_SameIDReplaces(t *testing.T) {
	s := New()
	defer s.Stop()

	var first, second atomic.Int32
	s.After("meta:A", 20*time.Millisecond, func(context.Context) { first.Add(1) })
	s.After("meta:A", 30*time.Millisecond, func(context.Context) { second.Add(1) })
	require.Len(t, s.Pending(), 1)

	assert.Eventually(t, func() bool { return second.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestCancel(t *testing.T) {
	s := New()
	defer s.Stop()

	var ran atomic.Bool
	s.After("x", 20*time.Millisecond, func(context.Context) { ran.Store(true) })
	assert.True(t, s.Cancel("x"))
	assert.False(t, s.Cancel("x"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestDue(t *testing.T) {
	s := New()
	defer s.Stop()

	before := time.Now()
	s.After("y", time.Hour, func(context.Context) {})
	due, ok := s.Due("y")
	require.True(t, ok)
	assert.WithinDuration(t, before.Add(time.Hour), due, time.Second)

	_, ok = s.Due("missing")
	assert.False(t, ok)
}

func TestEvery(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.Every("tick", "@every 1s", func(context.Context) { runs.Add(1) }))
	assert.Error(t, s.Every("bad", "not a spec", func(context.Context) {}))

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
}

func TestStop_DropsPendingAndCancelsContext(t *testing.T) {
	s := New()

	started := make(chan struct{})
	var sawCancel atomic.Bool
	s.After("long", 0, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
	})
	s.After("later", time.Hour, func(context.Context) {})

	<-started
	s.Stop()
	assert.True(t, sawCancel.Load())
	assert.Empty(t, s.Pending())

	s.After("after-stop", 0, func(context.Context) { t.Error("must not run") })
	time.Sleep(20 * time.Millisecond)
}
