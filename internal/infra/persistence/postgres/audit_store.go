package postgres

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

// AuditStore appends origin audit records. Callers treat failures as
// best-effort; the async writer in internal/audit owns retries and dropping.
type AuditStore struct {
	pool *pgxpool.Pool
}

const auditInsertSQL = `
INSERT INTO origin_audit (ts, api_key_id, tenant_id, ip, user_agent, origin, event, status, duration_ms, meta)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb);`

// AppendBatch writes a batch of audit rows in one round trip.
func (s *AuditStore) AppendBatch(ctx context.Context, records []schema.OriginAudit) error {
	if s.pool == nil {
		return fmt.Errorf("audit store: nil pool")
	}
	if len(records) == 0 {
		return nil
	}
	batch := new(pgx.Batch)
	for _, record := range records {
		meta, err := json.Marshal(orEmpty(record.Meta))
		if err != nil {
			return fmt.Errorf("marshal audit meta: %w", err)
		}
		var apiKeyID any
		if record.APIKeyID != 0 {
			apiKeyID = record.APIKeyID
		}
		batch.Queue(auditInsertSQL,
			record.Timestamp, apiKeyID, record.TenantID, record.IP, record.UserAgent,
			record.Origin, string(record.Event), record.Status, record.DurationMS, meta)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
	}
	return nil
}
