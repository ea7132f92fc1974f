package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentStatus is the health of one dependency.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	LatencyMs   int64           `json:"latency_ms"`
}

// SystemHealth is the worst component status plus every component report.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	UptimeSec  int64                      `json:"uptime_sec"`
}

// Alert is emitted when a component changes status.
type Alert struct {
	Level     string    `json:"level"` // info|warn|critical
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// HealthMonitor runs registered checks on an interval and on demand.
type HealthMonitor struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	results   map[string]ComponentHealth
	startTime time.Time
	interval  time.Duration
	timeout   time.Duration
	alertCh   chan Alert
	stopCh    chan struct{}
	stopped   sync.Once
}

func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		checks:    make(map[string]HealthCheck),
		results:   make(map[string]ComponentHealth),
		startTime: time.Now(),
		interval:  interval,
		timeout:   5 * time.Second,
		alertCh:   make(chan Alert, 64),
		stopCh:    make(chan struct{}),
	}
}

func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Start blocks until ctx is cancelled or Stop is called.
func (m *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

func (m *HealthMonitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

// Check runs every check now and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.snapshot()
}

// Alerts is buffered; alerts are dropped when nobody drains it.
func (m *HealthMonitor) Alerts() <-chan Alert {
	return m.alertCh
}

func (m *HealthMonitor) ComponentStatus(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

// ServeHTTP answers 200 unless some component is unhealthy, then 503.
// Degraded components still answer 200.
func (m *HealthMonitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := m.Check(r.Context())
	code := http.StatusOK
	if h.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(h)
}

// -----------------------------------------------------------------------
// Checks
// -----------------------------------------------------------------------

// PingCheck is unhealthy when ping fails.
func PingCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// BreakerCheck is degraded while an upstream circuit breaker is open.
// Upstreams are optional to operation so an open breaker never makes the
// service unhealthy.
func BreakerCheck(open func() bool) HealthCheck {
	return func(context.Context) ComponentHealth {
		if open() {
			return ComponentHealth{Status: StatusDegraded, Message: "circuit open"}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// BacklogCheck is degraded once depth reaches limit.
func BacklogCheck(depth func() int, limit int) HealthCheck {
	return func(context.Context) ComponentHealth {
		if d := depth(); limit > 0 && d >= limit {
			return ComponentHealth{Status: StatusDegraded, Message: "backlog full"}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// -----------------------------------------------------------------------
// Internal
// -----------------------------------------------------------------------

func (m *HealthMonitor) runChecks(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	fresh := make(map[string]ComponentHealth, len(checks))
	for name, fn := range checks {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		result := fn(cctx)
		cancel()
		result.Name = name
		result.LastChecked = time.Now()
		result.LatencyMs = time.Since(start).Milliseconds()
		fresh[name] = result
	}

	m.mu.Lock()
	prev := m.results
	m.results = fresh
	m.mu.Unlock()

	for name, cur := range fresh {
		old, existed := prev[name]
		if existed && old.Status == cur.Status {
			continue
		}
		if !existed && cur.Status == StatusHealthy {
			continue
		}
		m.emitAlert(name, cur)
	}
}

func (m *HealthMonitor) emitAlert(name string, h ComponentHealth) {
	level, logLevel := "info", zerolog.InfoLevel
	switch h.Status {
	case StatusUnhealthy:
		level, logLevel = "critical", zerolog.ErrorLevel
	case StatusDegraded:
		level, logLevel = "warn", zerolog.WarnLevel
	}

	msg := h.Message
	if msg == "" {
		msg = "status changed to " + string(h.Status)
	}
	log.WithLevel(logLevel).
		Str("component", name).
		Str("status", string(h.Status)).
		Str("detail", msg).
		Msg("health: status change")

	select {
	case m.alertCh <- Alert{Level: level, Component: name, Message: msg, Timestamp: time.Now()}:
	default:
	}
}

func (m *HealthMonitor) snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results))
	worst := StatusHealthy
	for name, h := range m.results {
		components[name] = h
		if statusSeverity(h.Status) > statusSeverity(worst) {
			worst = h.Status
		}
	}
	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  time.Now(),
		UptimeSec:  int64(time.Since(m.startTime).Seconds()),
	}
}

func statusSeverity(s ComponentStatus) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}
