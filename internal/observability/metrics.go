package observability

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType identifies the kind of metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// Sample is one labelled value of a metric family.
type Sample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// MetricEntry is a snapshot of one metric family.
type MetricEntry struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Samples []Sample   `json:"samples"`
}

// -----------------------------------------------------------------------
// Counter
// -----------------------------------------------------------------------

// Counter is a lock-free monotonically increasing integer.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }

// Add ignores negative deltas.
func (c *Counter) Add(delta int64) {
	if delta > 0 {
		c.value.Add(delta)
	}
}

func (c *Counter) Value() int64 { return c.value.Load() }

// -----------------------------------------------------------------------
// Gauge
// -----------------------------------------------------------------------

type Gauge struct {
	name  string
	help  string
	mu    sync.Mutex
	value float64
}

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Add(delta float64) {
	g.mu.Lock()
	g.value += delta
	g.mu.Unlock()
}

func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// -----------------------------------------------------------------------
// Histogram
// -----------------------------------------------------------------------

// Histogram counts observations into cumulative upper-bound buckets.
type Histogram struct {
	name    string
	help    string
	mu      sync.Mutex
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Snapshot returns bucket bounds, cumulative counts, sum and count.
func (h *Histogram) Snapshot() (buckets []float64, counts []int64, sum float64, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.buckets...), append([]int64(nil), h.counts...), h.sum, h.count
}

// -----------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------

// SampleFunc reads samples from a component at scrape time.
type SampleFunc func() []Sample

type funcMetric struct {
	name string
	help string
	typ  MetricType
	fn   SampleFunc
}

// Registry holds owned metrics and scrape-time collectors.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	funcs      map[string]*funcMetric
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		funcs:      make(map[string]*funcMetric),
	}
}

// Counter returns the named counter, creating it on first use.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: name, help: help}
	r.counters[name] = c
	return c
}

// Gauge returns the named gauge, creating it on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help}
	r.gauges[name] = g
	return g
}

// Histogram returns the named histogram, creating it with buckets on first use.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	h := &Histogram{name: name, help: help, buckets: sorted, counts: make([]int64, len(sorted))}
	r.histograms[name] = h
	return h
}

// Func registers a collector evaluated on every scrape. A later
// registration under the same name replaces the earlier one.
func (r *Registry) Func(name, help string, typ MetricType, fn SampleFunc) {
	r.mu.Lock()
	r.funcs[name] = &funcMetric{name: name, help: help, typ: typ, fn: fn}
	r.mu.Unlock()
}

// CounterFunc registers a single unlabelled cumulative value.
func (r *Registry) CounterFunc(name, help string, fn func() int64) {
	r.Func(name, help, MetricCounter, func() []Sample {
		return []Sample{{Value: float64(fn())}}
	})
}

// GaugeFunc registers a single unlabelled instantaneous value.
func (r *Registry) GaugeFunc(name, help string, fn func() float64) {
	r.Func(name, help, MetricGauge, func() []Sample {
		return []Sample{{Value: fn()}}
	})
}

// Snapshot returns every family sorted by name. Histograms report their
// observation count.
func (r *Registry) Snapshot() []MetricEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]MetricEntry, 0, len(r.counters)+len(r.gauges)+len(r.histograms)+len(r.funcs))
	for _, c := range r.counters {
		out = append(out, MetricEntry{Name: c.name, Type: MetricCounter, Help: c.help,
			Samples: []Sample{{Value: float64(c.Value())}}})
	}
	for _, g := range r.gauges {
		out = append(out, MetricEntry{Name: g.name, Type: MetricGauge, Help: g.help,
			Samples: []Sample{{Value: g.Value()}}})
	}
	for _, h := range r.histograms {
		out = append(out, MetricEntry{Name: h.name, Type: MetricHistogram, Help: h.help,
			Samples: []Sample{{Value: float64(h.Count())}}})
	}
	for _, f := range r.funcs {
		out = append(out, MetricEntry{Name: f.name, Type: f.typ, Help: f.help, Samples: f.fn()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// -----------------------------------------------------------------------
// Service metrics
// -----------------------------------------------------------------------

// DurationBuckets are in seconds, sized for upstream calls and ATH batches.
var DurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics are the metrics owned directly by the service wiring. Component
// counters are exposed through Func collectors instead.
type Metrics struct {
	Registry *Registry

	JobRuns     *Counter
	JobFailures *Counter
	JobSeconds  *Histogram
	HTTPSeconds *Histogram
}

// NewMetrics creates the service registry with its owned metrics.
func NewMetrics() *Metrics {
	r := NewRegistry()
	return &Metrics{
		Registry:    r,
		JobRuns:     r.Counter("trenchwatch_jobs_total", "Periodic job executions"),
		JobFailures: r.Counter("trenchwatch_job_failures_total", "Periodic job executions that returned an error"),
		JobSeconds:  r.Histogram("trenchwatch_job_seconds", "Periodic job duration in seconds", DurationBuckets),
		HTTPSeconds: r.Histogram("trenchwatch_http_seconds", "HTTP handler duration in seconds", DurationBuckets),
	}
}

// TrackJob records one job execution.
func (m *Metrics) TrackJob(start time.Time, err error) {
	m.JobRuns.Inc()
	if err != nil {
		m.JobFailures.Inc()
	}
	m.JobSeconds.ObserveSince(start)
}
