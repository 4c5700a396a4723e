package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

// SessionStore persists upstream OAuth sessions. The one-active-row invariant
// is enforced transactionally and by a partial unique index.
type SessionStore struct {
	pool *pgxpool.Pool
}

const (
	sessionDeactivateSQL = `UPDATE upstream_sessions SET is_active = FALSE WHERE provider = $1 AND is_active;`
	sessionInsertSQL     = `
INSERT INTO upstream_sessions (provider, access_token, issued_at, expires_at, is_active)
VALUES ($1, $2, $3, $4, TRUE)
RETURNING id;`
	sessionActiveSQL = `
SELECT id, provider, access_token, issued_at, expires_at, is_active
FROM upstream_sessions
WHERE provider = $1 AND is_active;`
)

// Activate atomically retires any prior active session for the provider and
// records the new one.
func (s *SessionStore) Activate(ctx context.Context, session *schema.UpstreamSession) error {
	if s.pool == nil {
		return fmt.Errorf("session store: nil pool")
	}
	provider := strings.TrimSpace(session.Provider)
	if provider == "" || session.AccessToken == "" {
		return fmt.Errorf("session store: provider and access token required")
	}
	if session.IssuedAt.IsZero() {
		session.IssuedAt = time.Now().UTC()
	}
	return withRetry(ctx, "activate upstream session", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx, sessionDeactivateSQL, provider); err != nil {
			return fmt.Errorf("deactivate prior sessions: %w", err)
		}
		if err := tx.QueryRow(ctx, sessionInsertSQL,
			provider, session.AccessToken, session.IssuedAt, session.ExpiresAt,
		).Scan(&session.ID); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return tx.Commit(ctx)
	})
}

// Active returns the current active session for the provider, or (nil, nil)
// when none exists.
func (s *SessionStore) Active(ctx context.Context, provider string) (*schema.UpstreamSession, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("session store: nil pool")
	}
	var session *schema.UpstreamSession
	err := withRetry(ctx, "load upstream session", func(ctx context.Context) error {
		var found schema.UpstreamSession
		err := s.pool.QueryRow(ctx, sessionActiveSQL, strings.TrimSpace(provider)).Scan(
			&found.ID, &found.Provider, &found.AccessToken,
			&found.IssuedAt, &found.ExpiresAt, &found.IsActive,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			session = nil
			return nil
		}
		if err != nil {
			return err
		}
		session = &found
		return nil
	})
	return session, err
}

// Deactivate retires the active session, used when the upstream reports the
// token expired.
func (s *SessionStore) Deactivate(ctx context.Context, provider string) error {
	if s.pool == nil {
		return fmt.Errorf("session store: nil pool")
	}
	return withRetry(ctx, "deactivate upstream session", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, sessionDeactivateSQL, strings.TrimSpace(provider))
		return err
	})
}
