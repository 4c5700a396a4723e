package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

// InstrumentStore persists the exchange master and the token→exchange
// mapping table populated by sync jobs.
type InstrumentStore struct {
	pool *pgxpool.Pool
}

const (
	instrumentColumns = `
token, exchange, symbol, name, instrument_type, expiry_date, strike,
lot_size, tick_size, is_active, updated_at`

	instrumentUpsertSQL = `
INSERT INTO instruments (
    exchange, symbol, token, name, instrument_type, expiry_date, strike,
    lot_size, tick_size, is_active, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, NOW())
ON CONFLICT (exchange, symbol) DO UPDATE SET
    token = EXCLUDED.token,
    name = EXCLUDED.name,
    instrument_type = EXCLUDED.instrument_type,
    expiry_date = EXCLUDED.expiry_date,
    strike = EXCLUDED.strike,
    lot_size = EXCLUDED.lot_size,
    tick_size = EXCLUDED.tick_size,
    is_active = TRUE,
    updated_at = NOW();`

	// Rows absent from the latest master go inactive but remain resolvable so
	// in-flight subscriptions can be torn down cleanly.
	instrumentDeactivateStaleSQL = `
UPDATE instruments SET is_active = FALSE, updated_at = NOW()
WHERE exchange = $1 AND updated_at < $2 AND is_active;`

	instrumentResolveSQL = `
SELECT token, exchange FROM instruments
WHERE token = ANY($1)
  AND (is_active OR updated_at > NOW() - INTERVAL '24 hours');`

	instrumentMappingResolveSQL = `SELECT token, exchange FROM instrument_mappings WHERE token = ANY($1);`

	instrumentMappingUpsertSQL = `
INSERT INTO instrument_mappings (token, exchange, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (token) DO UPDATE SET exchange = EXCLUDED.exchange, updated_at = NOW();`

	instrumentListSQL = `
SELECT ` + instrumentColumns + ` FROM instruments
WHERE ($1 = '' OR exchange = $1)
  AND ($2 = '' OR instrument_type = $2)
  AND is_active
ORDER BY exchange, symbol
LIMIT $3 OFFSET $4;`

	instrumentSearchSQL = `
SELECT ` + instrumentColumns + ` FROM instruments
WHERE is_active AND (symbol ILIKE $1 OR name ILIKE $1)
ORDER BY length(symbol), symbol
LIMIT $2;`

	instrumentByPairSQL = `
SELECT ` + instrumentColumns + ` FROM instruments
WHERE exchange = $1 AND token = $2
ORDER BY is_active DESC, updated_at DESC
LIMIT 1;`
)

// UpsertBatch writes one master chunk inside a transaction and returns the
// number of rows written.
func (s *InstrumentStore) UpsertBatch(ctx context.Context, records []schema.InstrumentRecord) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("instrument store: nil pool")
	}
	if len(records) == 0 {
		return 0, nil
	}
	var written int
	err := withRetry(ctx, "upsert instruments", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		batch := new(pgx.Batch)
		for _, record := range records {
			batch.Queue(instrumentUpsertSQL,
				string(record.Exchange), record.Symbol, record.Token, record.Name,
				string(record.InstrumentType), record.ExpiryDate, record.Strike,
				record.LotSize, record.TickSize)
		}
		results := tx.SendBatch(ctx, batch)
		for range records {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("upsert instrument: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return err
		}
		written = len(records)
		return tx.Commit(ctx)
	})
	return written, err
}

// DeactivateStale marks rows not refreshed since the sync start inactive and
// returns how many were retired.
func (s *InstrumentStore) DeactivateStale(ctx context.Context, exchange schema.Exchange, syncStart time.Time) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("instrument store: nil pool")
	}
	var retired int
	err := withRetry(ctx, "deactivate stale instruments", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, instrumentDeactivateStaleSQL, string(exchange), syncStart)
		if err != nil {
			return err
		}
		retired = int(tag.RowsAffected())
		return nil
	})
	return retired, err
}

// ResolveLive maps tokens to exchanges from the live instrument table.
// Inactive rows stay resolvable for 24 h. Tokens with no row are absent.
func (s *InstrumentStore) ResolveLive(ctx context.Context, tokens []int32) (map[int32]schema.Exchange, error) {
	return s.resolve(ctx, instrumentResolveSQL, tokens)
}

// ResolveMappings maps tokens to exchanges from the mappings table.
func (s *InstrumentStore) ResolveMappings(ctx context.Context, tokens []int32) (map[int32]schema.Exchange, error) {
	return s.resolve(ctx, instrumentMappingResolveSQL, tokens)
}

func (s *InstrumentStore) resolve(ctx context.Context, query string, tokens []int32) (map[int32]schema.Exchange, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("instrument store: nil pool")
	}
	if len(tokens) == 0 {
		return map[int32]schema.Exchange{}, nil
	}
	resolved := make(map[int32]schema.Exchange, len(tokens))
	err := withRetry(ctx, "resolve instruments", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, tokens)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				token    int32
				exchange string
			)
			if err := rows.Scan(&token, &exchange); err != nil {
				return err
			}
			if parsed, ok := schema.ParseExchange(exchange); ok {
				if _, seen := resolved[token]; !seen {
					resolved[token] = parsed
				}
			}
		}
		return rows.Err()
	})
	return resolved, err
}

// SaveMapping records one token→exchange mapping discovered during sync.
func (s *InstrumentStore) SaveMapping(ctx context.Context, token int32, exchange schema.Exchange) error {
	if s.pool == nil {
		return fmt.Errorf("instrument store: nil pool")
	}
	return withRetry(ctx, "save instrument mapping", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, instrumentMappingUpsertSQL, token, string(exchange))
		return err
	})
}

// SaveMappings writes a chunk of token→exchange mappings in one round trip.
func (s *InstrumentStore) SaveMappings(ctx context.Context, mappings map[int32]schema.Exchange) error {
	if s.pool == nil {
		return fmt.Errorf("instrument store: nil pool")
	}
	if len(mappings) == 0 {
		return nil
	}
	return withRetry(ctx, "save instrument mappings", func(ctx context.Context) error {
		batch := new(pgx.Batch)
		for token, exchange := range mappings {
			batch.Queue(instrumentMappingUpsertSQL, token, string(exchange))
		}
		results := s.pool.SendBatch(ctx, batch)
		for range mappings {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("save instrument mapping: %w", err)
			}
		}
		return results.Close()
	})
}

// List pages through active instruments with optional filters.
func (s *InstrumentStore) List(ctx context.Context, exchange schema.Exchange, instrumentType schema.InstrumentType, limit, offset int) ([]schema.InstrumentRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("instrument store: nil pool")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.query(ctx, "list instruments", instrumentListSQL,
		string(exchange), string(instrumentType), limit, offset)
}

// SearchLike finds active instruments whose symbol or name matches the given
// pattern, shortest symbols first.
func (s *InstrumentStore) SearchLike(ctx context.Context, pattern string, limit int) ([]schema.InstrumentRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("instrument store: nil pool")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	trimmed := strings.TrimSpace(pattern)
	if trimmed == "" {
		return nil, nil
	}
	return s.query(ctx, "search instruments", instrumentSearchSQL, trimmed, limit)
}

// FindByPair fetches the most recent record for a pair, active rows first.
func (s *InstrumentStore) FindByPair(ctx context.Context, pair schema.Pair) (*schema.InstrumentRecord, error) {
	records, err := s.query(ctx, "find instrument", instrumentByPairSQL, string(pair.Exchange), pair.Token)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (s *InstrumentStore) query(ctx context.Context, op, sql string, args ...any) ([]schema.InstrumentRecord, error) {
	var records []schema.InstrumentRecord
	err := withRetry(ctx, op, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		records = records[:0]
		for rows.Next() {
			var (
				record         schema.InstrumentRecord
				exchange       string
				instrumentType string
			)
			if err := rows.Scan(
				&record.Token, &exchange, &record.Symbol, &record.Name, &instrumentType,
				&record.ExpiryDate, &record.Strike, &record.LotSize, &record.TickSize,
				&record.IsActive, &record.UpdatedAt,
			); err != nil {
				return err
			}
			if parsed, ok := schema.ParseExchange(exchange); ok {
				record.Exchange = parsed
			}
			record.InstrumentType = schema.InstrumentType(instrumentType)
			records = append(records, record)
		}
		return rows.Err()
	})
	return records, err
}
