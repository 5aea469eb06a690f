package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kataru/internal/telemetry"
)

// Buffer accumulates records in memory and exports them in batches when
// either the batch size or the flush interval is reached. Enqueue never
// blocks: at capacity the oldest records are dropped so the newest (which
// include trace-complete markers) survive.
type Buffer struct {
	exporter      Exporter
	logger        *slog.Logger
	capacity      int
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	records []Record

	droppedRecords atomic.Int64
	started        atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewBuffer creates a record buffer in front of the given exporter.
// Batches are cut at capacity/2 so a full buffer drains in two exports.
func NewBuffer(exporter Exporter, logger *slog.Logger, capacity int, flushInterval time.Duration) *Buffer {
	batchSize := capacity / 2
	if batchSize < 1 {
		batchSize = 1
	}
	return &Buffer{
		exporter:      exporter,
		logger:        logger,
		capacity:      capacity,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics.
// Idempotent; call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("sink: Start called twice, ignoring")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Enqueue adds a record without ever blocking. When the buffer is at
// capacity the oldest record is evicted and counted as dropped.
func (b *Buffer) Enqueue(rec Record) {
	b.mu.Lock()
	if len(b.records) >= b.capacity {
		evict := len(b.records) - b.capacity + 1
		b.records = append(b.records[:0], b.records[evict:]...)
		b.droppedRecords.Add(int64(evict))
	}
	b.records = append(b.records, rec)
	full := len(b.records) >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush exports everything currently buffered, retrying transient failures
// until the context's deadline. Reports whether the buffer emptied.
func (b *Buffer) Flush(ctx context.Context) bool {
	for {
		if !b.flushOnce(ctx) {
			return false
		}
		b.mu.Lock()
		remaining := len(b.records)
		b.mu.Unlock()
		if remaining == 0 {
			return true
		}
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain().
			// ctx is already done, so it cannot carry the deadline.
			if b.drainCtx != nil {
				b.Flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.Flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flushOnce(ctx)
		case <-b.flushCh:
			b.flushOnce(ctx)
		}
	}
}

// flushOnce exports one batch. Returns false when the export ultimately
// failed and the batch was requeued.
func (b *Buffer) flushOnce(ctx context.Context) bool {
	b.mu.Lock()
	if len(b.records) == 0 {
		b.mu.Unlock()
		return true
	}
	n := len(b.records)
	if n > b.batchSize {
		n = b.batchSize
	}
	batch := make([]Record, n)
	copy(batch, b.records[:n])
	b.records = append(b.records[:0], b.records[n:]...)
	b.mu.Unlock()

	start := time.Now()
	err := exportWithRetry(ctx, b.exporter, batch, 3, 200*time.Millisecond)
	if err != nil {
		b.logger.Error("sink: export failed", "error", err, "batch_size", len(batch))
		// Requeue for a later attempt, evicting from the front when over
		// capacity so the newest records survive.
		b.mu.Lock()
		b.records = append(batch, b.records...)
		if over := len(b.records) - b.capacity; over > 0 {
			b.records = append(b.records[:0], b.records[over:]...)
			b.droppedRecords.Add(int64(over))
			b.logger.Error("sink: dropping records, buffer at capacity after export failure", "dropped", over)
		}
		b.mu.Unlock()
		return false
	}

	b.logger.Debug("sink: batch exported",
		"batch_size", len(batch),
		"export_duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}

// Drain signals the background flush loop to stop, waits for its final
// flush, and returns. The ctx deadline bounds both the wait and the flush.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("sink: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("kataru/sink")

	_, _ = meter.Int64ObservableGauge("kataru.sink.depth",
		metric.WithDescription("Current number of records in the sink buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kataru.sink.dropped_total",
		metric.WithDescription("Total records dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedRecords())
			return nil
		}),
	)
}

// Len returns the current number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// DroppedRecords returns the total number of records dropped due to
// capacity exhaustion. A non-zero value indicates data loss.
func (b *Buffer) DroppedRecords() int64 {
	return b.droppedRecords.Load()
}
