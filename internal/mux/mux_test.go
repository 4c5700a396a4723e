package mux

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/adapters/vortex"
)

type captureEmitter struct {
	mu           sync.Mutex
	frames       []vortex.SubscriptionFrame
	disconnected bool
}

func (c *captureEmitter) Send(frames []vortex.SubscriptionFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return vortex.ErrDisconnected
	}
	c.frames = append(c.frames, frames...)
	return nil
}

func (c *captureEmitter) take() []vortex.SubscriptionFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.frames
	c.frames = nil
	return out
}

var (
	pairA = schema.Pair{Exchange: schema.ExchangeNSEEquity, Token: 738561}
	pairB = schema.Pair{Exchange: schema.ExchangeNSEFutures, Token: 53001}
)

func newTestMux(t *testing.T) (*Mux, *captureEmitter) {
	t.Helper()
	emitter := &captureEmitter{}
	m := New(context.Background(), emitter, WithFlushInterval(5*time.Millisecond))
	t.Cleanup(m.Close)
	return m, emitter
}

// settle waits for the worker to drain and snapshot the refcount table.
func settle(m *Mux) []Entry { return m.Snapshot() }

func TestFirstSubscriberOpensUpstream(t *testing.T) {
	m, emitter := newTestMux(t)
	m.Subscribe("s1", []schema.Pair{pairA}, schema.ModeLTP)
	entries := settle(m)

	if len(entries) != 1 || entries[0].Refcount != 1 || entries[0].Mode != schema.ModeLTP {
		t.Fatalf("entries: %+v", entries)
	}
	frames := emitter.take()
	if len(frames) != 1 || frames[0].MessageType != "subscribe" || frames[0].Mode != schema.ModeLTP {
		t.Fatalf("frames: %+v", frames)
	}
}

func TestSecondSubscriberSameModeEmitsNothing(t *testing.T) {
	m, emitter := newTestMux(t)
	m.Subscribe("s1", []schema.Pair{pairA}, schema.ModeLTP)
	settle(m)
	emitter.take()

	m.Subscribe("s2", []schema.Pair{pairA}, schema.ModeLTP)
	entries := settle(m)
	if entries[0].Refcount != 2 {
		t.Fatalf("refcount: %+v", entries)
	}
	if frames := emitter.take(); len(frames) != 0 {
		t.Fatalf("no wire delta expected, got %+v", frames)
	}
}

func TestModeUpgradeEmitsSubscribe(t *testing.T) {
	m, emitter := newTestMux(t)
	m.Subscribe("s1", []schema.Pair{pairA}, schema.ModeLTP)
	settle(m)
	emitter.take()

	m.Subscribe("s2", []schema.Pair{pairA}, schema.ModeFull)
	entries := settle(m)
	if entries[0].Mode != schema.ModeFull {
		t.Fatalf("mode: %+v", entries)
	}
	frames := emitter.take()
	if len(frames) != 1 || frames[0].MessageType != "subscribe" || frames[0].Mode != schema.ModeFull {
		t.Fatalf("frames: %+v", frames)
	}
}

func TestModeDowngradeEmitsUnsubThenSub(t *testing.T) {
	m, emitter := newTestMux(t)
	m.Subscribe("s1", []schema.Pair{pairA}, schema.ModeLTP)
	m.Subscribe("s2", []schema.Pair{pairA}, schema.ModeFull)
	settle(m)
	emitter.take()

	m.Unsubscribe("s2", []schema.Pair{pairA})
	entries := settle(m)
	if entries[0].Mode != schema.ModeLTP || entries[0].Refcount != 1 {
		t.Fatalf("entries: %+v", entries)
	}
	frames := emitter.take()
	if len(frames) != 2 {
		t.Fatalf("frames: %+v", frames)
	}
	if frames[0].MessageType != "unsubscribe" || frames[0].Mode != schema.ModeFull {
		t.Fatalf("first frame: %+v", frames[0])
	}
	if frames[1].MessageType != "subscribe" || frames[1].Mode != schema.ModeLTP {
		t.Fatalf("second frame: %+v", frames[1])
	}
}

func TestLastUnsubscribeClosesUpstream(t *testing.T) {
	m, emitter := newTestMux(t)
	m.Subscribe("s1", []schema.Pair{pairA}, schema.ModeOHLCV)
	settle(m)
	emitter.take()

	m.Unsubscribe("s1", []schema.Pair{pairA})
	if entries := settle(m); len(entries) != 0 {
		t.Fatalf("entries should be empty: %+v", entries)
	}
	frames := emitter.take()
	if len(frames) != 1 || frames[0].MessageType != "unsubscribe" {
		t.Fatalf("frames: %+v", frames)
	}
}

func TestSubscribeUnsubscribeSameBatchIsNoopOnWire(t *testing.T) {
	m, emitter := newTestMux(t)
	m.Subscribe("s1", []schema.Pair{pairA}, schema.ModeLTP)
	m.Unsubscribe("s1", []schema.Pair{pairA})
	if entries := settle(m); len(entries) != 0 {
		t.Fatalf("entries: %+v", entries)
	}
	if frames := emitter.take(); len(frames) != 0 {
		t.Fatalf("coalesced batch must not touch the wire, got %+v", frames)
	}
}

func TestReleaseDropsAllContributions(t *testing.T) {
	m, emitter := newTestMux(t)
	m.Subscribe("s1", []schema.Pair{pairA, pairB}, schema.ModeFull)
	m.Subscribe("s2", []schema.Pair{pairA}, schema.ModeLTP)
	settle(m)
	emitter.take()

	m.Release("s1")
	entries := settle(m)
	if len(entries) != 1 || entries[0].Pair != pairA || entries[0].Mode != schema.ModeLTP {
		t.Fatalf("entries after release: %+v", entries)
	}

	// Release is idempotent.
	m.Release("s1")
	if entries := settle(m); len(entries) != 1 {
		t.Fatalf("second release changed state: %+v", entries)
	}
}

func TestSetModeOnlyAffectsHeldPairs(t *testing.T) {
	m, emitter := newTestMux(t)
	m.Subscribe("s1", []schema.Pair{pairA}, schema.ModeLTP)
	settle(m)
	emitter.take()

	m.SetMode("s1", []schema.Pair{pairA, pairB}, schema.ModeFull)
	entries := settle(m)
	if len(entries) != 1 || entries[0].Mode != schema.ModeFull {
		t.Fatalf("entries: %+v", entries)
	}
	frames := emitter.take()
	if len(frames) != 1 || frames[0].Token != pairA.Token {
		t.Fatalf("frames: %+v", frames)
	}
}

func TestDisconnectedEmitterKeepsRefcounts(t *testing.T) {
	emitter := &captureEmitter{disconnected: true}
	m := New(context.Background(), emitter, WithFlushInterval(5*time.Millisecond))
	t.Cleanup(m.Close)

	m.Subscribe("s1", []schema.Pair{pairA}, schema.ModeFull)
	entries := settle(m)
	if len(entries) != 1 || entries[0].Refcount != 1 {
		t.Fatalf("refcounts must update while disconnected: %+v", entries)
	}

	// After reconnect, Resync replays the table.
	emitter.mu.Lock()
	emitter.disconnected = false
	emitter.mu.Unlock()
	m.Resync()
	settle(m)
	frames := emitter.take()
	if len(frames) != 1 || frames[0].MessageType != "subscribe" || frames[0].Mode != schema.ModeFull {
		t.Fatalf("resync frames: %+v", frames)
	}
}
