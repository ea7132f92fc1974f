package observability

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// PrometheusExporter serves a Registry in the Prometheus text format.
type PrometheusExporter struct {
	registry *Registry
}

func NewPrometheusExporter(registry *Registry) *PrometheusExporter {
	return &PrometheusExporter{registry: registry}
}

func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(e.Format()))
}

// Format renders every family as
//
//	# HELP <name> <help>
//	# TYPE <name> <type>
//	<name>{labels} <value>
func (e *PrometheusExporter) Format() string {
	r := e.registry
	r.mu.RLock()
	counters := make([]*Counter, 0, len(r.counters))
	for _, c := range r.counters {
		counters = append(counters, c)
	}
	gauges := make([]*Gauge, 0, len(r.gauges))
	for _, g := range r.gauges {
		gauges = append(gauges, g)
	}
	hists := make([]*Histogram, 0, len(r.histograms))
	for _, h := range r.histograms {
		hists = append(hists, h)
	}
	funcs := make([]*funcMetric, 0, len(r.funcs))
	for _, f := range r.funcs {
		funcs = append(funcs, f)
	}
	r.mu.RUnlock()

	type family struct {
		name string
		text string
	}
	var fams []family

	for _, c := range counters {
		fams = append(fams, family{c.name, header(c.name, c.help, MetricCounter) +
			line(c.name, nil, float64(c.Value()))})
	}
	for _, g := range gauges {
		fams = append(fams, family{g.name, header(g.name, g.help, MetricGauge) +
			line(g.name, nil, g.Value())})
	}
	for _, h := range hists {
		fams = append(fams, family{h.name, formatHistogram(h)})
	}
	// Collectors run outside the registry lock; they may call into components.
	for _, f := range funcs {
		var b strings.Builder
		b.WriteString(header(f.name, f.help, f.typ))
		for _, s := range f.fn() {
			b.WriteString(line(f.name, s.Labels, s.Value))
		}
		fams = append(fams, family{f.name, b.String()})
	}

	sort.Slice(fams, func(i, j int) bool { return fams[i].name < fams[j].name })
	var out strings.Builder
	for _, f := range fams {
		out.WriteString(f.text)
		out.WriteByte('\n')
	}
	return out.String()
}

func header(name, help string, typ MetricType) string {
	return fmt.Sprintf("# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

func line(name string, labels map[string]string, v float64) string {
	return name + formatLabels(labels) + " " + formatFloat(v) + "\n"
}

func formatHistogram(h *Histogram) string {
	buckets, counts, sum, count := h.Snapshot()
	var b strings.Builder
	b.WriteString(header(h.name, h.help, MetricHistogram))
	for i, bound := range buckets {
		fmt.Fprintf(&b, "%s_bucket%s %d\n", h.name, formatLabels(map[string]string{"le": formatFloat(bound)}), counts[i])
	}
	fmt.Fprintf(&b, "%s_bucket{le=\"+Inf\"} %d\n", h.name, count)
	fmt.Fprintf(&b, "%s_sum %s\n", h.name, formatFloat(sum))
	fmt.Fprintf(&b, "%s_count %d\n", h.name, count)
	return b.String()
}

// formatLabels renders {k1="v1",k2="v2"} with sorted keys, or "" when empty.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
