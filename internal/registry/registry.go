// Package registry owns the exchange instrument master: sync jobs that pull
// the broker's CSV, token→exchange resolution and instrument search.
package registry

import (
	"context"
	"io"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
)

// InstrumentStore is the persistence surface the registry needs.
type InstrumentStore interface {
	UpsertBatch(ctx context.Context, records []schema.InstrumentRecord) (int, error)
	DeactivateStale(ctx context.Context, exchange schema.Exchange, syncStart time.Time) (int, error)
	ResolveLive(ctx context.Context, tokens []int32) (map[int32]schema.Exchange, error)
	ResolveMappings(ctx context.Context, tokens []int32) (map[int32]schema.Exchange, error)
	SaveMappings(ctx context.Context, mappings map[int32]schema.Exchange) error
	List(ctx context.Context, exchange schema.Exchange, instrumentType schema.InstrumentType, limit, offset int) ([]schema.InstrumentRecord, error)
	SearchLike(ctx context.Context, pattern string, limit int) ([]schema.InstrumentRecord, error)
	FindByPair(ctx context.Context, pair schema.Pair) (*schema.InstrumentRecord, error)
}

// MasterFetcher downloads the broker's instrument master CSV. The scope is an
// exchange label or empty for the full master.
type MasterFetcher interface {
	FetchMaster(ctx context.Context, exchange schema.Exchange, sourceURL string) (io.ReadCloser, error)
}

// Registry coordinates sync jobs and serves resolution and search.
type Registry struct {
	store   InstrumentStore
	fetcher MasterFetcher
	kv      kv.Store

	jobs conc.WaitGroup
}

// New builds a Registry over the given store, fetcher and KV.
func New(store InstrumentStore, fetcher MasterFetcher, kvStore kv.Store) *Registry {
	return &Registry{store: store, fetcher: fetcher, kv: kvStore}
}

// Close waits for running sync jobs to finish.
func (r *Registry) Close() {
	r.jobs.Wait()
}

// List pages active instruments with optional exchange and type filters.
func (r *Registry) List(ctx context.Context, exchange schema.Exchange, instrumentType schema.InstrumentType, limit, offset int) ([]schema.InstrumentRecord, error) {
	return r.store.List(ctx, exchange, instrumentType, limit, offset)
}

// Find fetches the record for a pair, or nil when unknown.
func (r *Registry) Find(ctx context.Context, pair schema.Pair) (*schema.InstrumentRecord, error) {
	return r.store.FindByPair(ctx, pair)
}
