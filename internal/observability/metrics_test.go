package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------

func TestCounter_IgnoresNegative(t *testing.T) {
	c := NewRegistry().Counter("c_total", "c")
	c.Inc()
	c.Add(4)
	c.Add(-10)
	assert.Equal(t, int64(5), c.Value())
}

func TestCounter_Concurrent(t *testing.T) {
	c := NewRegistry().Counter("c_total", "c")
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(500), c.Value())
}

func TestRegistry_SameNameReturnsSameMetric(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("x_total", "x")
	b := r.Counter("x_total", "ignored")
	assert.Same(t, a, b)

	g1 := r.Gauge("g", "g")
	g2 := r.Gauge("g", "g")
	assert.Same(t, g1, g2)
}

func TestGauge_SetAdd(t *testing.T) {
	g := NewRegistry().Gauge("depth", "d")
	g.Set(3)
	g.Add(-1.5)
	assert.InDelta(t, 1.5, g.Value(), 1e-9)
}

func TestHistogram_CumulativeBuckets(t *testing.T) {
	h := NewRegistry().Histogram("lat", "l", []float64{1, 0.1, 10})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5)
	h.Observe(50)

	buckets, counts, sum, count := h.Snapshot()
	assert.Equal(t, []float64{0.1, 1, 10}, buckets)
	assert.Equal(t, []int64{1, 2, 3}, counts)
	assert.InDelta(t, 55.55, sum, 1e-9)
	assert.Equal(t, int64(4), count)
}

func TestRegistry_FuncSampledOnSnapshot(t *testing.T) {
	r := NewRegistry()
	n := 0
	r.CounterFunc("calls_total", "calls", func() int64 {
		n++
		return int64(n)
	})

	first := r.Snapshot()
	second := r.Snapshot()
	require.Len(t, first, 1)
	assert.Equal(t, 1.0, first[0].Samples[0].Value)
	assert.Equal(t, 2.0, second[0].Samples[0].Value)
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	r := NewRegistry()
	r.Gauge("b", "")
	r.Counter("a_total", "")
	r.GaugeFunc("c", "", func() float64 { return 1 })

	names := []string{}
	for _, e := range r.Snapshot() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a_total", "b", "c"}, names)
}

func TestMetrics_TrackJob(t *testing.T) {
	m := NewMetrics()
	m.TrackJob(time.Now(), nil)
	m.TrackJob(time.Now(), errors.New("boom"))

	assert.Equal(t, int64(2), m.JobRuns.Value())
	assert.Equal(t, int64(1), m.JobFailures.Value())
	assert.Equal(t, int64(2), m.JobSeconds.Count())
}

// -----------------------------------------------------------------------
// Exporter
// -----------------------------------------------------------------------

func TestExporter_Format(t *testing.T) {
	r := NewRegistry()
	r.Counter("trenchwatch_coins_total", "Coins accepted").Add(7)
	r.Histogram("trenchwatch_job_seconds", "Job time", []float64{1}).Observe(0.5)
	r.Func("trenchwatch_rejected_total", "Rejections", MetricCounter, func() []Sample {
		return []Sample{
			{Labels: map[string]string{"reason": "stale"}, Value: 2},
			{Labels: map[string]string{"reason": "seen"}, Value: 1},
		}
	})

	out := NewPrometheusExporter(r).Format()

	assert.Contains(t, out, "# TYPE trenchwatch_coins_total counter\ntrenchwatch_coins_total 7\n")
	assert.Contains(t, out, `trenchwatch_rejected_total{reason="stale"} 2`)
	assert.Contains(t, out, `trenchwatch_rejected_total{reason="seen"} 1`)
	assert.Contains(t, out, `trenchwatch_job_seconds_bucket{le="1"} 1`)
	assert.Contains(t, out, `trenchwatch_job_seconds_bucket{le="+Inf"} 1`)
	assert.Contains(t, out, "trenchwatch_job_seconds_count 1")

	// Families are emitted in name order.
	assert.Less(t, strings.Index(out, "trenchwatch_coins_total"), strings.Index(out, "trenchwatch_job_seconds"))
	assert.Less(t, strings.Index(out, "trenchwatch_job_seconds"), strings.Index(out, "trenchwatch_rejected_total"))
}

func TestExporter_ServeHTTP(t *testing.T) {
	r := NewRegistry()
	r.GaugeFunc("trenchwatch_ws_clients", "WS clients", func() float64 { return 3 })

	rec := httptest.NewRecorder()
	NewPrometheusExporter(r).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "trenchwatch_ws_clients 3")
}

func TestFormatLabels(t *testing.T) {
	assert.Equal(t, "", formatLabels(nil))
	assert.Equal(t, `{a="1",b="x\"y"}`, formatLabels(map[string]string{"b": `x"y`, "a": "1"}))
}

// -----------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------

func TestHealth_WorstStatusWins(t *testing.T) {
	m := NewHealthMonitor(time.Minute)
	m.Register("store", PingCheck(func(context.Context) error { return nil }))
	m.Register("dexpaprika", BreakerCheck(func() bool { return true }))

	h := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, StatusHealthy, h.Components["store"].Status)
	assert.Equal(t, "circuit open", h.Components["dexpaprika"].Message)

	m.Register("clickhouse", PingCheck(func(context.Context) error { return errors.New("refused") }))
	h = m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
}

func TestHealth_AlertsOnTransitionOnly(t *testing.T) {
	open := false
	m := NewHealthMonitor(time.Minute)
	m.Register("jupiter", BreakerCheck(func() bool { return open }))

	m.Check(context.Background())
	assert.Len(t, m.Alerts(), 0, "healthy first result is silent")

	open = true
	m.Check(context.Background())
	m.Check(context.Background())
	require.Len(t, m.Alerts(), 1)
	a := <-m.Alerts()
	assert.Equal(t, "warn", a.Level)
	assert.Equal(t, "jupiter", a.Component)

	open = false
	m.Check(context.Background())
	require.Len(t, m.Alerts(), 1)
	assert.Equal(t, "info", (<-m.Alerts()).Level)
}

func TestHealth_BacklogCheck(t *testing.T) {
	depth := 9
	check := BacklogCheck(func() int { return depth }, 10)
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)
	depth = 10
	assert.Equal(t, StatusDegraded, check(context.Background()).Status)
}

func TestHealth_ServeHTTP(t *testing.T) {
	fail := false
	m := NewHealthMonitor(time.Minute)
	m.Register("store", PingCheck(func(context.Context) error {
		if fail {
			return errors.New("down")
		}
		return nil
	}))

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusHealthy, body.Status)

	fail = true
	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth_StartStop(t *testing.T) {
	m := NewHealthMonitor(10 * time.Millisecond)
	m.Register("store", PingCheck(func(context.Context) error { return nil }))

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := m.ComponentStatus("store")
		return ok
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
