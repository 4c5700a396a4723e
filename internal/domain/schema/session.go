package schema

import "time"

// UpstreamSession is one OAuth access-token row. At most one row is active at
// any time; acquiring a new token deactivates the rest.
type UpstreamSession struct {
	ID          int64     `json:"id"`
	Provider    string    `json:"provider"`
	AccessToken string    `json:"-"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	IsActive    bool      `json:"is_active"`
}

// Expired reports whether the session token is past its expiry.
func (s UpstreamSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// StreamStatus is the process-global streaming state broadcast on the
// stream:status channel and served over REST.
type StreamStatus struct {
	IsStreaming       bool      `json:"is_streaming"`
	Provider          string    `json:"provider_name"`
	SubscribedCount   int       `json:"subscribed_count"`
	UpstreamConnected bool      `json:"upstream_connected"`
	Instance          string    `json:"instance,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Reason            string    `json:"reason,omitempty"`
}

// OriginAudit is one append-only access record. Writes are best effort and
// must never block the request path.
type OriginAudit struct {
	Timestamp  time.Time         `json:"ts"`
	APIKeyID   int64             `json:"api_key_id,omitempty"`
	TenantID   string            `json:"tenant_id,omitempty"`
	IP         string            `json:"ip"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Origin     string            `json:"origin,omitempty"`
	Event      AuditEvent        `json:"event"`
	Status     int               `json:"status"`
	DurationMS int64             `json:"duration_ms"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// AuditEvent enumerates the audited access kinds.
type AuditEvent string

const (
	// AuditHTTP records a REST request.
	AuditHTTP AuditEvent = "http"
	// AuditWSConnect records a websocket handshake accept or reject.
	AuditWSConnect AuditEvent = "ws_connect"
	// AuditWSDisconnect records a websocket teardown.
	AuditWSDisconnect AuditEvent = "ws_disconnect"
)
