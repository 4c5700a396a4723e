package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

// APIKeyStore persists API key records and their policy attributes.
type APIKeyStore struct {
	pool *pgxpool.Pool
}

const (
	apiKeyColumns = `
id, key_string, tenant_id, is_active, rate_limit_per_minute, connection_limit,
ws_subscribe_rps, ws_unsubscribe_rps, ws_mode_rps, exchanges, metadata, created_at`

	apiKeyInsertSQL = `
INSERT INTO api_keys (
    key_string, tenant_id, is_active, rate_limit_per_minute, connection_limit,
    ws_subscribe_rps, ws_unsubscribe_rps, ws_mode_rps, exchanges, metadata
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
RETURNING id, created_at;`

	apiKeyByStringSQL = `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_string = $1;`
	apiKeyListSQL     = `SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY id;`

	apiKeyDeactivateSQL = `UPDATE api_keys SET is_active = FALSE, updated_at = NOW() WHERE key_string = $1;`

	apiKeyUpdateLimitsSQL = `
UPDATE api_keys SET
    rate_limit_per_minute = COALESCE($2, rate_limit_per_minute),
    connection_limit = COALESCE($3, connection_limit),
    ws_subscribe_rps = COALESCE($4, ws_subscribe_rps),
    ws_unsubscribe_rps = COALESCE($5, ws_unsubscribe_rps),
    ws_mode_rps = COALESCE($6, ws_mode_rps),
    exchanges = COALESCE($7, exchanges),
    updated_at = NOW()
WHERE key_string = $1;`
)

// Create inserts a new key record and fills its generated fields.
func (s *APIKeyStore) Create(ctx context.Context, key *schema.APIKey) error {
	if s.pool == nil {
		return fmt.Errorf("api key store: nil pool")
	}
	trimmed := strings.TrimSpace(key.Key)
	if trimmed == "" {
		return fmt.Errorf("api key store: key string required")
	}
	if key.ConnectionLimit < 0 {
		return fmt.Errorf("api key store: connection limit must be >= 0")
	}
	metadata, err := json.Marshal(orEmpty(key.Metadata))
	if err != nil {
		return fmt.Errorf("marshal api key metadata: %w", err)
	}
	return withRetry(ctx, "create api key", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, apiKeyInsertSQL,
			trimmed, key.TenantID, key.IsActive, key.RateLimitPerMinute, key.ConnectionLimit,
			key.WSSubscribeRPS, key.WSUnsubscribeRPS, key.WSModeRPS,
			exchangeStrings(key.Exchanges), metadata,
		).Scan(&key.ID, &key.CreatedAt)
	})
}

// FindByKey looks a key up by its opaque string. Missing keys return
// (nil, nil) so callers can distinguish absence from store failure.
func (s *APIKeyStore) FindByKey(ctx context.Context, keyString string) (*schema.APIKey, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("api key store: nil pool")
	}
	var key *schema.APIKey
	err := withRetry(ctx, "find api key", func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, apiKeyByStringSQL, strings.TrimSpace(keyString))
		found, err := scanAPIKey(row)
		if errors.Is(err, pgx.ErrNoRows) {
			key = nil
			return nil
		}
		if err != nil {
			return err
		}
		key = found
		return nil
	})
	return key, err
}

// List returns every key record.
func (s *APIKeyStore) List(ctx context.Context) ([]schema.APIKey, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("api key store: nil pool")
	}
	var keys []schema.APIKey
	err := withRetry(ctx, "list api keys", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, apiKeyListSQL)
		if err != nil {
			return err
		}
		defer rows.Close()
		keys = keys[:0]
		for rows.Next() {
			key, err := scanAPIKey(rows)
			if err != nil {
				return err
			}
			keys = append(keys, *key)
		}
		return rows.Err()
	})
	return keys, err
}

// Deactivate revokes a key. Idempotent.
func (s *APIKeyStore) Deactivate(ctx context.Context, keyString string) error {
	if s.pool == nil {
		return fmt.Errorf("api key store: nil pool")
	}
	return withRetry(ctx, "deactivate api key", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, apiKeyDeactivateSQL, strings.TrimSpace(keyString))
		return err
	})
}

// UpdateLimits patches rate/connection limits and entitlements; nil fields
// keep their current values.
func (s *APIKeyStore) UpdateLimits(ctx context.Context, keyString string, rpm, connLimit, subRPS, unsubRPS, modeRPS *int, exchanges []schema.Exchange) error {
	if s.pool == nil {
		return fmt.Errorf("api key store: nil pool")
	}
	var exchangeArg any
	if exchanges != nil {
		exchangeArg = exchangeStrings(exchanges)
	}
	return withRetry(ctx, "update api key limits", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, apiKeyUpdateLimitsSQL,
			strings.TrimSpace(keyString), rpm, connLimit, subRPS, unsubRPS, modeRPS, exchangeArg)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*schema.APIKey, error) {
	var (
		key       schema.APIKey
		exchanges []string
		metadata  []byte
	)
	if err := row.Scan(
		&key.ID, &key.Key, &key.TenantID, &key.IsActive, &key.RateLimitPerMinute,
		&key.ConnectionLimit, &key.WSSubscribeRPS, &key.WSUnsubscribeRPS, &key.WSModeRPS,
		&exchanges, &metadata, &key.CreatedAt,
	); err != nil {
		return nil, err
	}
	for _, raw := range exchanges {
		if exchange, ok := schema.ParseExchange(raw); ok {
			key.Exchanges = append(key.Exchanges, exchange)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &key.Metadata); err != nil {
			return nil, fmt.Errorf("decode api key metadata: %w", err)
		}
	}
	return &key, nil
}

func exchangeStrings(exchanges []schema.Exchange) []string {
	out := make([]string, 0, len(exchanges))
	for _, e := range exchanges {
		out = append(out, string(e))
	}
	return out
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
