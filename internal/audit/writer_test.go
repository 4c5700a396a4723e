package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]schema.OriginAudit
	fail    bool
}

func (s *captureSink) AppendBatch(_ context.Context, records []schema.OriginAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return context.DeadlineExceeded
	}
	batch := make([]schema.OriginAudit, len(records))
	copy(batch, records)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, batch := range s.batches {
		n += len(batch)
	}
	return n
}

func TestCloseFlushesBufferedRecords(t *testing.T) {
	sink := &captureSink{}
	w := New(sink, WithFlushInterval(time.Hour))

	for i := 0; i < 5; i++ {
		w.Record(schema.OriginAudit{Event: schema.AuditHTTP, IP: "10.0.0.1", Status: 200})
	}
	w.Close()

	if got := sink.total(); got != 5 {
		t.Fatalf("flushed records: %d", got)
	}
	if w.Dropped() != 0 {
		t.Fatalf("dropped: %d", w.Dropped())
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	sink := &captureSink{}
	w := New(sink, WithFlushInterval(time.Hour), WithQueueDepth(2))

	// Saturate the queue faster than the hour-long flush drains it.
	for i := 0; i < 10; i++ {
		w.Record(schema.OriginAudit{Event: schema.AuditWSConnect})
	}
	if w.Dropped() == 0 {
		t.Fatal("expected drops once the queue filled")
	}
	w.Close()
}

func TestFailedFlushCountsAsDropped(t *testing.T) {
	sink := &captureSink{fail: true}
	w := New(sink, WithFlushInterval(time.Hour))
	w.Record(schema.OriginAudit{Event: schema.AuditWSDisconnect})
	w.Close()

	if w.Dropped() != 1 {
		t.Fatalf("dropped: %d", w.Dropped())
	}
}

func TestRecordAfterCloseDropsWithoutPanic(t *testing.T) {
	sink := &captureSink{}
	w := New(sink, WithFlushInterval(time.Hour))
	w.Record(schema.OriginAudit{Event: schema.AuditHTTP})
	w.Close()

	// Late records during shutdown land after the queue is closed; they
	// must count as drops, not panic.
	w.Record(schema.OriginAudit{Event: schema.AuditWSDisconnect})
	if w.Dropped() != 1 {
		t.Fatalf("dropped: %d", w.Dropped())
	}
	if sink.total() != 1 {
		t.Fatalf("flushed: %d", sink.total())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w := New(&captureSink{}, WithFlushInterval(time.Hour))
	w.Close()
	w.Close()
}

func TestRecordRacingCloseNeverPanics(t *testing.T) {
	w := New(&captureSink{}, WithFlushInterval(time.Hour))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				w.Record(schema.OriginAudit{Event: schema.AuditWSConnect})
			}
		}()
	}
	w.Close()
	wg.Wait()
}

func TestRecordStampsMissingTimestamp(t *testing.T) {
	sink := &captureSink{}
	w := New(sink, WithFlushInterval(time.Hour))
	w.Record(schema.OriginAudit{Event: schema.AuditHTTP})
	w.Close()

	if sink.total() != 1 {
		t.Fatalf("records: %d", sink.total())
	}
	if sink.batches[0][0].Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
}
