// Package postgres exposes PostgreSQL-backed repositories for the gateway's
// durable entities.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vayulabs/vayu-gateway/errs"
)

// Store bundles the gateway's repositories over one pgx pool.
type Store struct {
	pool        *pgxpool.Pool
	APIKeys     *APIKeyStore
	Sessions    *SessionStore
	Instruments *InstrumentStore
	Audit       *AuditStore
}

// Connect dials the pool and verifies connectivity. Startup failure is fatal
// to the caller; this function does not degrade.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:        pool,
		APIKeys:     &APIKeyStore{pool: pool},
		Sessions:    &SessionStore{pool: pool},
		Instruments: &InstrumentStore{pool: pool},
		Audit:       &AuditStore{pool: pool},
	}
}

// Pool exposes the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Transient errors after startup retry twice before surfacing as
// persistence_unavailable.
var retryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond}

func withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || attempt >= len(retryDelays) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelays[attempt]):
		}
	}
	return errs.New(errs.KindState, errs.CodePersistenceUnavailable,
		errs.WithMessage(op+" failed"), errs.WithCause(lastErr))
}
