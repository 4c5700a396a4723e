package schema

import "time"

// APIKey is the per-tenant credential and policy record consulted on every
// HTTP request and WS handshake.
type APIKey struct {
	ID                 int64             `json:"id"`
	Key                string            `json:"key"`
	TenantID           string            `json:"tenant_id"`
	IsActive           bool              `json:"is_active"`
	RateLimitPerMinute int               `json:"rate_limit_per_minute"`
	ConnectionLimit    int               `json:"connection_limit"`
	WSSubscribeRPS     int               `json:"ws_subscribe_rps,omitempty"`
	WSUnsubscribeRPS   int               `json:"ws_unsubscribe_rps,omitempty"`
	WSModeRPS          int               `json:"ws_mode_rps,omitempty"`
	Exchanges          []Exchange        `json:"exchanges"`
	CreatedAt          time.Time         `json:"created_at"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Entitled reports whether the key may touch the given exchange. An empty
// entitlement list grants nothing.
func (k APIKey) Entitled(exchange Exchange) bool {
	for _, e := range k.Exchanges {
		if e == exchange {
			return true
		}
	}
	return false
}

// AbuseStatus is the risk engine verdict consulted at handshake and on each
// REST request.
type AbuseStatus struct {
	Blocked   bool     `json:"blocked"`
	RiskScore float64  `json:"risk_score"`
	Reasons   []string `json:"reasons,omitempty"`
}
