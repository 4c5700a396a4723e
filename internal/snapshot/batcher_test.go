package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

type countingFetcher struct {
	mu    sync.Mutex
	calls int32
	seen  [][]schema.Pair
	delay time.Duration
}

func (f *countingFetcher) Quotes(_ context.Context, pairs []schema.Pair, mode schema.Mode) (map[string]*schema.Tick, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.seen = append(f.seen, pairs)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	out := make(map[string]*schema.Tick, len(pairs))
	for _, pair := range pairs {
		out[pair.Key()] = &schema.Tick{
			Token:     pair.Token,
			Exchange:  pair.Exchange,
			Mode:      mode,
			LastPrice: float64(pair.Token),
		}
	}
	return out, nil
}

func pairN(token int32) schema.Pair {
	return schema.Pair{Exchange: schema.ExchangeNSEEquity, Token: token}
}

func TestConcurrentCallersShareOneUpstreamCall(t *testing.T) {
	fetcher := &countingFetcher{}
	b := New(fetcher, 30*time.Millisecond)

	var wg sync.WaitGroup
	results := make([]map[string]*schema.Tick, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := b.Get(context.Background(), []schema.Pair{pairN(int32(100 + i)), pairN(999)}, schema.ModeLTP)
			if err != nil {
				t.Errorf("Get: %v", err)
			}
			results[i] = out
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&fetcher.calls); got != 1 {
		t.Fatalf("upstream calls: %d", got)
	}
	for i, out := range results {
		own := pairN(int32(100 + i)).Key()
		if out[own] == nil || out[own].LastPrice != float64(100+i) {
			t.Fatalf("caller %d missing own pair: %v", i, out)
		}
		if out[pairN(999).Key()] == nil {
			t.Fatalf("caller %d missing shared pair", i)
		}
		// Intersection: callers never see pairs they did not request.
		if len(out) != 2 {
			t.Fatalf("caller %d result leaked extra pairs: %v", i, out)
		}
	}
}

func TestLargeWindowIsChunked(t *testing.T) {
	fetcher := &countingFetcher{}
	b := New(fetcher, 10*time.Millisecond)

	pairs := make([]schema.Pair, 1200)
	for i := range pairs {
		pairs[i] = pairN(int32(i + 1))
	}
	out, err := b.Get(context.Background(), pairs, schema.ModeFull)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(out) != 1200 {
		t.Fatalf("results: %d", len(out))
	}
	// Full-mode chunks cap at 500, so 1200 pairs take 3 calls.
	if got := atomic.LoadInt32(&fetcher.calls); got != 3 {
		t.Fatalf("upstream calls: %d", got)
	}
	for _, chunk := range fetcher.seen {
		if len(chunk) > 500 {
			t.Fatalf("chunk exceeded limit: %d", len(chunk))
		}
	}
}

func TestCancelledCallerDoesNotCancelFlight(t *testing.T) {
	fetcher := &countingFetcher{delay: 30 * time.Millisecond}
	b := New(fetcher, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if _, err := b.Get(ctx, []schema.Pair{pairN(1)}, schema.ModeLTP); err == nil {
			t.Error("cancelled caller should get an error")
		}
	}()
	var survivor map[string]*schema.Tick
	go func() {
		defer wg.Done()
		out, err := b.Get(context.Background(), []schema.Pair{pairN(2)}, schema.ModeLTP)
		if err != nil {
			t.Errorf("surviving caller: %v", err)
		}
		survivor = out
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()
	wg.Wait()

	if atomic.LoadInt32(&fetcher.calls) != 1 {
		t.Fatalf("upstream calls: %d", fetcher.calls)
	}
	if survivor[pairN(2).Key()] == nil {
		t.Fatal("surviving caller lost its result")
	}
}

func TestSequentialWindowsAreSeparateCalls(t *testing.T) {
	fetcher := &countingFetcher{}
	b := New(fetcher, 5*time.Millisecond)

	if _, err := b.Get(context.Background(), []schema.Pair{pairN(1)}, schema.ModeLTP); err != nil {
		t.Fatalf("first window: %v", err)
	}
	if _, err := b.Get(context.Background(), []schema.Pair{pairN(2)}, schema.ModeLTP); err != nil {
		t.Fatalf("second window: %v", err)
	}
	if got := atomic.LoadInt32(&fetcher.calls); got != 2 {
		t.Fatalf("upstream calls: %d", got)
	}
}

func TestEmptyRequestShortCircuits(t *testing.T) {
	fetcher := &countingFetcher{}
	b := New(fetcher, time.Millisecond)
	out, err := b.Get(context.Background(), nil, schema.ModeLTP)
	if err != nil || len(out) != 0 {
		t.Fatalf("empty request: %v %v", out, err)
	}
	if fetcher.calls != 0 {
		t.Fatal("no upstream call expected")
	}
}
