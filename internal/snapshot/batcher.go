// Package snapshot coalesces concurrent quote lookups into chunked upstream
// REST calls. Requests arriving within one window share a single upstream
// round per (mode, chunk), regardless of caller count.
package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/adapters/vortex"
	"github.com/vayulabs/vayu-gateway/internal/observability"
)

const (
	// DefaultWindow bounds how long the first caller in a window waits for
	// company.
	DefaultWindow = 100 * time.Millisecond

	upstreamTimeout = 10 * time.Second
)

// Fetcher is the upstream quote surface.
type Fetcher interface {
	Quotes(ctx context.Context, pairs []schema.Pair, mode schema.Mode) (map[string]*schema.Tick, error)
}

// Batcher coalesces quote requests per mode.
type Batcher struct {
	fetcher Fetcher
	window  time.Duration

	mu      sync.Mutex
	pending map[schema.Mode]*flight
}

// flight is one coalescing window and its eventual shared result.
type flight struct {
	pairs map[schema.Pair]struct{}
	done  chan struct{}

	result map[string]*schema.Tick
	err    error
}

// New builds a batcher over the fetcher. A non-positive window uses the
// default.
func New(fetcher Fetcher, window time.Duration) *Batcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Batcher{
		fetcher: fetcher,
		window:  window,
		pending: make(map[schema.Mode]*flight),
	}
}

// Get returns quotes for the requested pairs, keyed by canonical pair key.
// Pairs the upstream does not know are absent from the result. A cancelled
// caller stops waiting; the in-flight upstream call completes for the
// remaining callers.
func (b *Batcher) Get(ctx context.Context, pairs []schema.Pair, mode schema.Mode) (map[string]*schema.Tick, error) {
	if len(pairs) == 0 {
		return map[string]*schema.Tick{}, nil
	}

	b.mu.Lock()
	current, ok := b.pending[mode]
	if !ok {
		current = &flight{
			pairs: make(map[schema.Pair]struct{}),
			done:  make(chan struct{}),
		}
		b.pending[mode] = current
		time.AfterFunc(b.window, func() { b.fire(mode, current) })
	}
	for _, pair := range pairs {
		current.pairs[pair] = struct{}{}
	}
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-current.done:
	}
	if current.err != nil && len(current.result) == 0 {
		return nil, current.err
	}

	// Each caller sees only the pairs it asked for.
	out := make(map[string]*schema.Tick, len(pairs))
	for _, pair := range pairs {
		if tick, ok := current.result[pair.Key()]; ok {
			out[pair.Key()] = tick
		}
	}
	return out, current.err
}

// fire closes the window, chunks the accumulated set and dispatches the
// chunks in parallel.
func (b *Batcher) fire(mode schema.Mode, f *flight) {
	b.mu.Lock()
	delete(b.pending, mode)
	b.mu.Unlock()
	defer close(f.done)

	unique := make([]schema.Pair, 0, len(f.pairs))
	for pair := range f.pairs {
		unique = append(unique, pair)
	}
	chunks := chunkPairs(unique, chunkSize(mode))

	ctx, cancel := context.WithTimeout(context.Background(), upstreamTimeout)
	defer cancel()

	var (
		resultMu sync.Mutex
		combined = make(map[string]*schema.Tick, len(unique))
		errs     []error
	)
	var wg conc.WaitGroup
	for _, chunk := range chunks {
		chunk := chunk
		wg.Go(func() {
			ticks, err := b.fetcher.Quotes(ctx, chunk, mode)
			resultMu.Lock()
			defer resultMu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			for key, tick := range ticks {
				combined[key] = tick
			}
		})
	}
	wg.Wait()

	f.result = combined
	f.err = errors.Join(errs...)
	if f.err != nil {
		observability.Log().Warn("snapshot window completed with errors",
			observability.F("pairs", len(unique)),
			observability.F("chunks", len(chunks)),
			observability.F("error", f.err.Error()))
	}
}

func chunkSize(mode schema.Mode) int {
	switch mode {
	case schema.ModeLTP:
		return vortex.LTPBatchLimit
	case schema.ModeOHLCV:
		return vortex.OHLCBatchLimit
	default:
		return vortex.QuoteBatchLimit
	}
}

func chunkPairs(pairs []schema.Pair, size int) [][]schema.Pair {
	if len(pairs) == 0 {
		return nil
	}
	if size <= 0 || len(pairs) <= size {
		return [][]schema.Pair{pairs}
	}
	chunks := make([][]schema.Pair, 0, (len(pairs)+size-1)/size)
	for start := 0; start < len(pairs); start += size {
		end := min(start+size, len(pairs))
		chunks = append(chunks, pairs[start:end])
	}
	return chunks
}
