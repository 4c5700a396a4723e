// Package audit buffers access records and flushes them to persistent storage
// off the request path. The queue is bounded; when it is full new records are
// dropped and counted rather than blocking a handler.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/observability"
)

const (
	defaultQueueDepth    = 4096
	defaultBatchSize     = 128
	defaultFlushInterval = 2 * time.Second
	flushTimeout         = 5 * time.Second
)

// Sink receives flushed batches.
type Sink interface {
	AppendBatch(ctx context.Context, records []schema.OriginAudit) error
}

// Writer is the async audit pipeline. Record never blocks.
type Writer struct {
	sink     Sink
	queue    chan schema.OriginAudit
	done     chan struct{}
	interval time.Duration
	batch    int
	dropped  atomic.Int64

	mu     sync.Mutex
	closed bool
}

// Option tunes the writer.
type Option func(*Writer)

// WithFlushInterval overrides the periodic flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithQueueDepth overrides the bounded queue size.
func WithQueueDepth(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.queue = make(chan schema.OriginAudit, n)
		}
	}
}

// New builds and starts the writer. A nil sink yields a writer that counts
// drops but persists nothing, which keeps callers unconditional.
func New(sink Sink, opts ...Option) *Writer {
	w := &Writer{
		sink:     sink,
		queue:    make(chan schema.OriginAudit, defaultQueueDepth),
		done:     make(chan struct{}),
		interval: defaultFlushInterval,
		batch:    defaultBatchSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	go w.run()
	return w
}

// Record enqueues one audit row. A full queue or a closed writer drops the
// row; session teardown can race past Close during shutdown.
func (w *Writer) Record(record schema.OriginAudit) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.dropped.Add(1)
		return
	}
	select {
	case w.queue <- record:
	default:
		w.dropped.Add(1)
	}
}

// Dropped reports how many records were discarded under pressure.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close flushes buffered records and stops the writer. Idempotent.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	buf := make([]schema.OriginAudit, 0, w.batch)
	flush := func() {
		if len(buf) == 0 || w.sink == nil {
			buf = buf[:0]
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err := w.sink.AppendBatch(ctx, buf)
		cancel()
		if err != nil {
			w.dropped.Add(int64(len(buf)))
			observability.Log().Warn("audit flush failed",
				observability.F("records", len(buf)),
				observability.F("error", err.Error()))
		}
		buf = buf[:0]
	}

	for {
		select {
		case record, ok := <-w.queue:
			if !ok {
				flush()
				return
			}
			buf = append(buf, record)
			if len(buf) >= w.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
