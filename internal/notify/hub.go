package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Hub: best-effort fan-out. Every surface gets its own queue and worker so a
// slow or failing surface never blocks the publisher or its siblings.
// ---------------------------------------------------------------------------

// Surface is one delivery target (WS clients, Kafka, analytics sink).
type Surface interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Publisher is what pipeline components depend on.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc struct {
	SurfaceName string
	Fn          func(ctx context.Context, ev Event) error
}

func (f SurfaceFunc) Name() string { return f.SurfaceName }

func (f SurfaceFunc) Deliver(ctx context.Context, ev Event) error { return f.Fn(ctx, ev) }

type lane struct {
	surface   Surface
	queue     chan Event
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Hub fans events out to registered surfaces.
type Hub struct {
	queueSize int

	mu      sync.RWMutex
	lanes   []*lane
	started bool
	closed  bool
	wg      sync.WaitGroup

	published atomic.Int64
}

// NewHub creates a hub whose per-surface queues hold queueSize events.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{queueSize: queueSize}
}

// Register adds a surface. Surfaces registered after Start get a worker
// immediately.
func (h *Hub) Register(ctx context.Context, s Surface) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	l := &lane{surface: s, queue: make(chan Event, h.queueSize)}
	h.lanes = append(h.lanes, l)
	if h.started {
		h.runLane(ctx, l)
	}
	log.Info().Str("surface", s.Name()).Msg("notify: surface registered")
}

// Start launches one worker per surface.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.closed {
		return
	}
	h.started = true
	for _, l := range h.lanes {
		h.runLane(ctx, l)
	}
}

func (h *Hub) runLane(ctx context.Context, l *lane) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for ev := range l.queue {
			h.deliver(ctx, l, ev)
		}
	}()
}

func (h *Hub) deliver(ctx context.Context, l *lane, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.failed.Add(1)
			log.Error().Str("surface", l.surface.Name()).Interface("panic", r).Msg("notify: surface panicked")
		}
	}()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := l.surface.Deliver(dctx, ev); err != nil {
		l.failed.Add(1)
		log.Warn().Err(err).
			Str("surface", l.surface.Name()).
			Str("kind", string(ev.Kind)).
			Msg("notify: delivery failed")
		return
	}
	l.delivered.Add(1)
}

// Publish enqueues ev on every surface. A full queue drops the event for that
// surface only. Never blocks and never fails.
func (h *Hub) Publish(_ context.Context, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.published.Add(1)
	for _, l := range h.lanes {
		select {
		case l.queue <- ev:
		default:
			l.dropped.Add(1)
			log.Warn().
				Str("surface", l.surface.Name()).
				Str("kind", string(ev.Kind)).
				Msg("notify: queue full, event dropped")
		}
	}
}

// Close stops accepting events, drains the queues and waits for workers.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, l := range h.lanes {
		close(l.queue)
	}
	started := h.started
	h.mu.Unlock()

	if started {
		h.wg.Wait()
	}
	log.Info().Int64("published", h.published.Load()).Msg("notify: hub closed")
}

// SurfaceStats are per-surface counters.
type SurfaceStats struct {
	Name      string `json:"name"`
	Queued    int    `json:"queued"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	Dropped   int64  `json:"dropped"`
}

// HubStats summarizes fan-out activity.
type HubStats struct {
	Published int64          `json:"published"`
	Surfaces  []SurfaceStats `json:"surfaces"`
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := HubStats{Published: h.published.Load()}
	for _, l := range h.lanes {
		out.Surfaces = append(out.Surfaces, SurfaceStats{
			Name:      l.surface.Name(),
			Queued:    len(l.queue),
			Delivered: l.delivered.Load(),
			Failed:    l.failed.Load(),
			Dropped:   l.dropped.Load(),
		})
	}
	return out
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
