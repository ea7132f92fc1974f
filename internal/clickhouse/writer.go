package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/notify"
	"github.com/rs/zerolog/log"
)

// AdminEventsTable receives every fanned-out notification.
const AdminEventsTable = "admin_events"

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("clickhouse: writer closed")

// FlushFunc receives a batch of rows for a table. Tests replace the
// ClickHouse insert with it.
type FlushFunc func(ctx context.Context, table string, rows [][]any) error

// EventWriter batches notification events and flushes them to ClickHouse
// periodically or when the batch is full. It is a notify.Surface.
type EventWriter struct {
	client        *Client
	table         string
	batchSize     int
	flushInterval time.Duration
	flushHook     FlushFunc

	mu         sync.Mutex
	buf        []notify.Event
	closed     bool
	flushCount int64
	errorCount int64
	written    int64

	stop chan struct{}
	done chan struct{}
}

var _ notify.Surface = (*EventWriter)(nil)

// NewEventWriter creates a writer. database prefixes the table name when set.
func NewEventWriter(client *Client, database string, batchSize int, flushInterval time.Duration) *EventWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &EventWriter{
		client:        client,
		table:         qualify(database, AdminEventsTable),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buf:           make([]notify.Event, 0, batchSize),
	}
}

// SetFlushHook replaces the ClickHouse insert.
func (w *EventWriter) SetFlushHook(fn FlushFunc) {
	w.mu.Lock()
	w.flushHook = fn
	w.mu.Unlock()
}

func (w *EventWriter) Name() string { return "clickhouse" }

// Deliver buffers ev.
func (w *EventWriter) Deliver(ctx context.Context, ev notify.Event) error {
	return w.Write(ctx, ev)
}

// Write buffers ev and flushes when the batch is full.
func (w *EventWriter) Write(ctx context.Context, ev notify.Event) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.buf = append(w.buf, ev)
	full := len(w.buf) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Start launches the periodic flush loop. Close stops it.
func (w *EventWriter) Start(ctx context.Context) {
	w.mu.Lock()
	if w.stop != nil {
		w.mu.Unlock()
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	log.Info().
		Str("table", w.table).
		Int("batch_size", w.batchSize).
		Dur("flush_interval", w.flushInterval).
		Msg("clickhouse: event writer started")

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				if err := w.Flush(ctx); err != nil {
					log.Error().Err(err).Msg("clickhouse: periodic flush failed")
				}
			}
		}
	}()
}

// Flush writes buffered events.
func (w *EventWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	events := w.buf
	w.buf = make([]notify.Event, 0, w.batchSize)
	hook := w.flushHook
	w.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		rows = append(rows, eventRow(ev))
	}

	var err error
	if hook != nil {
		err = hook(ctx, w.table, rows)
	} else {
		err = w.insert(ctx, rows)
	}

	w.mu.Lock()
	w.flushCount++
	if err != nil {
		w.errorCount++
	} else {
		w.written += int64(len(rows))
	}
	w.mu.Unlock()

	if err != nil {
		return fmt.Errorf("flush %d events: %w", len(rows), err)
	}
	log.Debug().Int("events", len(rows)).Str("table", w.table).Msg("clickhouse: batch flushed")
	return nil
}

func (w *EventWriter) insert(ctx context.Context, rows [][]any) error {
	if w.client == nil {
		return errors.New("clickhouse: no client")
	}
	batch, err := w.client.Conn().PrepareBatch(ctx,
		"INSERT INTO "+w.table+" (event_id, kind, ts, address, community_id, admin, followers, aths, dex_status, tag)")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(r...); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	return batch.Send()
}

func eventRow(ev notify.Event) []any {
	aths := make([]float64, 0, len(ev.ATHs))
	for _, a := range ev.ATHs {
		aths = append(aths, a.InexactFloat64())
	}
	return []any{
		ev.ID,
		string(ev.Kind),
		ev.Time,
		ev.Address,
		ev.CommunityID,
		ev.Admin,
		ev.Followers,
		aths,
		ev.DexStatus,
		ev.Tag,
	}
}

// Close stops the flush loop and writes what is left.
func (w *EventWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	stop, done := w.stop, w.done
	w.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	err := w.Flush(context.Background())

	flushes, errs, _ := w.Stats()
	log.Info().
		Int64("flushes", flushes).
		Int64("errors", errs).
		Msg("clickhouse: event writer closed")
	return err
}

// Stats returns flush count, error count and pending events.
func (w *EventWriter) Stats() (flushCount, errorCount int64, pending int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushCount, w.errorCount, len(w.buf)
}
