// Package persist provides the asynchronous persistence pipeline.
//
// Components hand finished records (terminal messages, memory entries,
// closed spans) to a shared Buffer; a background loop flushes batches
// to Postgres with COPY when either the batch size or the flush timeout
// is reached. No component hot path ever waits on the database.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered records to
// prevent OOM. Records past this limit are dropped and counted.
const maxBufferCapacity = 100_000

// Store is the subset of the storage layer the buffer flushes through.
type Store interface {
	InsertMessages(ctx context.Context, msgs []model.Message) (int64, error)
	InsertMemoryEntries(ctx context.Context, entries []model.MemoryEntry) (int64, error)
	InsertSpans(ctx context.Context, spans []model.Span) (int64, error)
}

// Buffer accumulates records in memory and flushes them in batches.
// A nil Store disables persistence: adds are discarded, which is the
// supported in-memory-only mode.
type Buffer struct {
	store        Store
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu       sync.Mutex
	messages []model.Message
	entries  []model.MemoryEntry
	spans    []model.Span

	dropped atomic.Int64 // records lost to capacity exhaustion
	started atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewBuffer creates a record buffer. maxSize is the batch size that
// triggers an early flush; flushTimeout bounds how long a record can
// sit in memory before being written.
func NewBuffer(store Store, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	return &Buffer{
		store:        store,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics.
// Idempotent: a second call logs a warning and returns. Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("persist: buffer already started")
		return
	}
	if b.store == nil {
		b.logger.Info("persist: disabled (no database configured)")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// AddMessage queues a terminal message for archival.
func (b *Buffer) AddMessage(m model.Message) {
	if b.store == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lenLocked() >= maxBufferCapacity {
		b.dropLocked(1)
		return
	}
	b.messages = append(b.messages, m)
	b.maybeSignalLocked()
}

// AddMemoryEntry queues a memory entry for archival.
func (b *Buffer) AddMemoryEntry(e model.MemoryEntry) {
	if b.store == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lenLocked() >= maxBufferCapacity {
		b.dropLocked(1)
		return
	}
	b.entries = append(b.entries, e)
	b.maybeSignalLocked()
}

// AddSpan queues a closed span for archival.
func (b *Buffer) AddSpan(s model.Span) {
	if b.store == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lenLocked() >= maxBufferCapacity {
		b.dropLocked(1)
		return
	}
	b.spans = append(b.spans, s)
	b.maybeSignalLocked()
}

func (b *Buffer) lenLocked() int {
	return len(b.messages) + len(b.entries) + len(b.spans)
}

func (b *Buffer) dropLocked(n int64) {
	b.dropped.Add(n)
}

func (b *Buffer) maybeSignalLocked() {
	if b.lenLocked() >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain().
			// ctx itself is already done; the drain context carries the
			// caller's deadline.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if b.lenLocked() == 0 {
		b.mu.Unlock()
		return
	}
	msgs, entries, spans := b.messages, b.entries, b.spans
	b.messages, b.entries, b.spans = nil, nil, nil
	b.mu.Unlock()

	start := time.Now()
	var flushed int64

	if len(msgs) > 0 {
		n, err := b.store.InsertMessages(ctx, msgs)
		if err != nil {
			b.logger.Error("persist: message flush failed", "error", err, "batch_size", len(msgs))
			b.requeueMessages(msgs)
		} else {
			flushed += n
		}
	}
	if len(entries) > 0 {
		n, err := b.store.InsertMemoryEntries(ctx, entries)
		if err != nil {
			b.logger.Error("persist: memory flush failed", "error", err, "batch_size", len(entries))
			b.requeueEntries(entries)
		} else {
			flushed += n
		}
	}
	if len(spans) > 0 {
		n, err := b.store.InsertSpans(ctx, spans)
		if err != nil {
			b.logger.Error("persist: span flush failed", "error", err, "batch_size", len(spans))
			b.requeueSpans(spans)
		} else {
			flushed += n
		}
	}

	if flushed > 0 {
		b.logger.Debug("persist: batch flushed",
			"records", flushed,
			"flush_duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// requeue* put a failed batch back for retry, respecting capacity.
// Records that no longer fit are dropped and counted.

func (b *Buffer) requeueMessages(batch []model.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lenLocked()+len(batch) <= maxBufferCapacity {
		b.messages = append(batch, b.messages...)
		return
	}
	b.dropLocked(int64(len(batch)))
	b.logger.Error("persist: dropping messages, buffer at capacity after flush failure", "dropped", len(batch))
}

func (b *Buffer) requeueEntries(batch []model.MemoryEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lenLocked()+len(batch) <= maxBufferCapacity {
		b.entries = append(batch, b.entries...)
		return
	}
	b.dropLocked(int64(len(batch)))
	b.logger.Error("persist: dropping memory entries, buffer at capacity after flush failure", "dropped", len(batch))
}

func (b *Buffer) requeueSpans(batch []model.Span) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lenLocked()+len(batch) <= maxBufferCapacity {
		b.spans = append(batch, b.spans...)
		return
	}
	b.dropLocked(int64(len(batch)))
	b.logger.Error("persist: dropping spans, buffer at capacity after flush failure", "dropped", len(batch))
}

// Drain signals the flush loop to stop, waits for its final flush, and
// returns. ctx bounds the wait and is passed to the final flush so it
// respects the caller's deadline.
func (b *Buffer) Drain(ctx context.Context) {
	if b.store == nil || b.cancelLoop == nil {
		return
	}
	b.drainCtx = ctx
	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("persist: drain timed out waiting for flush loop")
	}
}

// Len returns the current number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lenLocked()
}

// Dropped returns the total number of records lost to capacity
// exhaustion. A non-zero value indicates data loss.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

// registerMetrics registers observable OTEL gauges for buffer health.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("renkei/persist")

	_, _ = meter.Int64ObservableGauge("renkei.persist.depth",
		metric.WithDescription("Current number of records in the persist buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("renkei.persist.dropped_total",
		metric.WithDescription("Total records dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}
