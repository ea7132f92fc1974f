package main

import (
	"sort"

	"github.com/nexus-trading/trenchwatch/internal/adapters"
	"github.com/nexus-trading/trenchwatch/internal/clickhouse"
	"github.com/nexus-trading/trenchwatch/internal/enrich"
	"github.com/nexus-trading/trenchwatch/internal/intake"
	"github.com/nexus-trading/trenchwatch/internal/notify"
	"github.com/nexus-trading/trenchwatch/internal/observability"
	"github.com/nexus-trading/trenchwatch/internal/sniper"
)

type collectors struct {
	intake    *intake.Intake
	dex       *enrich.DexChecker
	ath       *enrich.ATHProcessor
	sniper    *sniper.Engine
	hub       *notify.Hub
	ws        *notify.WSHub
	events    *clickhouse.EventWriter
	upstreams func() []adapters.ClientStats
}

func one(v float64) []observability.Sample {
	return []observability.Sample{{Value: v}}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// registerCollectors exposes component counters under trenchwatch_*.
func registerCollectors(r *observability.Registry, c collectors) {
	// intake
	r.CounterFunc("trenchwatch_discoveries_total", "Discoveries submitted", func() int64 {
		return c.intake.Stats().Submitted
	})
	r.CounterFunc("trenchwatch_coins_accepted_total", "Discoveries accepted as new coins", func() int64 {
		return c.intake.Stats().Accepted
	})
	r.Func("trenchwatch_discoveries_rejected_total", "Discoveries rejected, by reason", observability.MetricCounter, func() []observability.Sample {
		rejected := c.intake.Stats().Rejected
		reasons := make([]string, 0, len(rejected))
		for reason := range rejected {
			reasons = append(reasons, string(reason))
		}
		sort.Strings(reasons)
		out := make([]observability.Sample, 0, len(reasons))
		for _, reason := range reasons {
			out = append(out, observability.Sample{Labels: map[string]string{"reason": reason}, Value: float64(rejected[intake.Reason(reason)])})
		}
		return out
	})

	// dex
	r.Func("trenchwatch_dex_checks_total", "DEX approval checks, by outcome", observability.MetricCounter, func() []observability.Sample {
		st := c.dex.Stats()
		return []observability.Sample{
			{Labels: map[string]string{"outcome": "polled"}, Value: float64(st.Checks)},
			{Labels: map[string]string{"outcome": "approved"}, Value: float64(st.Approved)},
			{Labels: map[string]string{"outcome": "finalized_none"}, Value: float64(st.Finalized)},
			{Labels: map[string]string{"outcome": "error"}, Value: float64(st.Failures)},
		}
	})

	// ath
	r.CounterFunc("trenchwatch_ath_runs_total", "ATH primary runs", func() int64 { return c.ath.Stats().Runs })
	r.Func("trenchwatch_ath_coins_total", "Coins processed by the ATH queue, by outcome", observability.MetricCounter, func() []observability.Sample {
		st := c.ath.Stats()
		return []observability.Sample{
			{Labels: map[string]string{"outcome": "updated"}, Value: float64(st.Updated)},
			{Labels: map[string]string{"outcome": "kept"}, Value: float64(st.Kept)},
			{Labels: map[string]string{"outcome": "no_data"}, Value: float64(st.NoData)},
			{Labels: map[string]string{"outcome": "error"}, Value: float64(st.Failures)},
		}
	})
	r.GaugeFunc("trenchwatch_ath_error_count", "Rolling ATH error counter driving backoff", func() float64 {
		return float64(c.ath.Stats().ErrorCount)
	})
	r.GaugeFunc("trenchwatch_ath_running", "1 while an ATH run or refresh is active", func() float64 {
		return boolValue(c.ath.Stats().Running)
	})

	// sniper
	r.Func("trenchwatch_sniper_evaluations_total", "Sniper evaluations, by result", observability.MetricCounter, func() []observability.Sample {
		st := c.sniper.Stats()
		return []observability.Sample{
			{Labels: map[string]string{"result": "evaluated"}, Value: float64(st.Evaluated)},
			{Labels: map[string]string{"result": "blacklisted"}, Value: float64(st.Blacklisted)},
			{Labels: map[string]string{"result": "passed"}, Value: float64(st.Passed)},
			{Labels: map[string]string{"result": "suppressed"}, Value: float64(st.Suppressed)},
			{Labels: map[string]string{"result": "fired"}, Value: float64(st.Fired)},
		}
	})

	// notify
	r.CounterFunc("trenchwatch_events_published_total", "Events published to the hub", func() int64 {
		return c.hub.Stats().Published
	})
	r.Func("trenchwatch_surface_events_total", "Events per surface, by result", observability.MetricCounter, func() []observability.Sample {
		var out []observability.Sample
		for _, s := range c.hub.Stats().Surfaces {
			out = append(out,
				observability.Sample{Labels: map[string]string{"surface": s.Name, "result": "delivered"}, Value: float64(s.Delivered)},
				observability.Sample{Labels: map[string]string{"surface": s.Name, "result": "failed"}, Value: float64(s.Failed)},
				observability.Sample{Labels: map[string]string{"surface": s.Name, "result": "dropped"}, Value: float64(s.Dropped)},
			)
		}
		return out
	})
	r.GaugeFunc("trenchwatch_ws_clients", "Connected UI websocket clients", func() float64 {
		return float64(c.ws.ClientCount())
	})
	if c.events != nil {
		r.Func("trenchwatch_clickhouse_pending", "Events buffered for ClickHouse", observability.MetricGauge, func() []observability.Sample {
			_, _, pending := c.events.Stats()
			return one(float64(pending))
		})
	}

	// upstreams
	r.Func("trenchwatch_upstream_requests_total", "Upstream HTTP requests", observability.MetricCounter, func() []observability.Sample {
		var out []observability.Sample
		for _, s := range c.upstreams() {
			out = append(out, observability.Sample{Labels: map[string]string{"upstream": s.Name}, Value: float64(s.Requests)})
		}
		return out
	})
	r.Func("trenchwatch_upstream_errors_total", "Upstream HTTP failures", observability.MetricCounter, func() []observability.Sample {
		var out []observability.Sample
		for _, s := range c.upstreams() {
			out = append(out, observability.Sample{Labels: map[string]string{"upstream": s.Name}, Value: float64(s.Errors)})
		}
		return out
	})
	r.Func("trenchwatch_upstream_circuit_open", "1 while the upstream breaker is open", observability.MetricGauge, func() []observability.Sample {
		var out []observability.Sample
		for _, s := range c.upstreams() {
			out = append(out, observability.Sample{Labels: map[string]string{"upstream": s.Name}, Value: boolValue(s.CircuitOpen)})
		}
		return out
	})
}
