package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
	"github.com/vayulabs/vayu-gateway/internal/observability"
)

type createAPIKeyRequest struct {
	Key                string            `json:"key,omitempty"`
	TenantID           string            `json:"tenant_id"`
	RateLimitPerMinute int               `json:"rate_limit_per_minute,omitempty"`
	ConnectionLimit    int               `json:"connection_limit,omitempty"`
	WSSubscribeRPS     int               `json:"ws_subscribe_rps,omitempty"`
	WSUnsubscribeRPS   int               `json:"ws_unsubscribe_rps,omitempty"`
	WSModeRPS          int               `json:"ws_mode_rps,omitempty"`
	Exchanges          []string          `json:"exchanges"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func (s *server) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.ConnectionLimit < 0 {
		writeErr(w, r, errs.Validation(errs.CodeInvalidPayload, "connection_limit must be >= 0"))
		return
	}
	exchanges := make([]schema.Exchange, 0, len(req.Exchanges))
	for _, raw := range req.Exchanges {
		exchange, ok := schema.ParseExchange(raw)
		if !ok {
			writeErr(w, r, errs.New(errs.KindValidation, errs.CodeInvalidPayload,
				errs.WithMessage("unknown exchange"),
				errs.WithDetail("exchange", raw)))
			return
		}
		exchanges = append(exchanges, exchange)
	}

	key := &schema.APIKey{
		Key:                strings.TrimSpace(req.Key),
		TenantID:           strings.TrimSpace(req.TenantID),
		IsActive:           true,
		RateLimitPerMinute: req.RateLimitPerMinute,
		ConnectionLimit:    req.ConnectionLimit,
		WSSubscribeRPS:     req.WSSubscribeRPS,
		WSUnsubscribeRPS:   req.WSUnsubscribeRPS,
		WSModeRPS:          req.WSModeRPS,
		Exchanges:          exchanges,
		Metadata:           req.Metadata,
	}
	if key.Key == "" {
		key.Key = uuid.NewString()
	}
	if err := s.deps.Keys.Create(r.Context(), key); err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, key)
}

func (s *server) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Keys.List(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"keys": keys, "count": len(keys)})
}

func (s *server) deactivateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeErr(w, r, errs.Validation(errs.CodeInvalidPayload, "key required"))
		return
	}
	if err := s.deps.Keys.Deactivate(r.Context(), req.Key); err != nil {
		writeErr(w, r, err)
		return
	}
	s.deps.Policy.Invalidate(req.Key)
	writeData(w, http.StatusOK, map[string]string{"key": req.Key, "status": "deactivated"})
}

func (s *server) getGlobalProvider(w http.ResponseWriter, r *http.Request) {
	provider, _ := s.deps.KV.Get(kv.KeyGlobalProvider())
	if provider == "" {
		provider = "vortex"
	}
	writeData(w, http.StatusOK, map[string]string{"provider": provider})
}

func (s *server) setGlobalProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider != "vortex" && provider != "kite" {
		writeErr(w, r, errs.New(errs.KindValidation, errs.CodeInvalidPayload,
			errs.WithMessage("provider must be kite or vortex"),
			errs.WithDetail("provider", req.Provider)))
		return
	}
	s.deps.KV.Set(kv.KeyGlobalProvider(), provider, 0)
	observability.Log().Info("global provider set", observability.F("provider", provider))
	if s.deps.Cluster != nil {
		status := s.deps.Upstream.Status()
		status.Provider = provider
		s.deps.Cluster.PublishStatus(status)
	}
	writeData(w, http.StatusOK, map[string]string{"provider": provider})
}

func (s *server) startStreaming(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Upstream.Authenticated() {
		writeErr(w, r, errs.New(errs.KindState, errs.CodeAuthRequired,
			errs.WithMessage("no upstream session, complete the OAuth login first")))
		return
	}
	// The socket pool lives as long as this context; the request's own
	// context dies as soon as the handler returns.
	if err := s.deps.Upstream.StartStreaming(s.runContext()); err != nil {
		writeErr(w, r, err)
		return
	}
	if s.deps.Cluster != nil {
		s.deps.Cluster.PublishStatus(s.deps.Upstream.Status())
	}
	writeData(w, http.StatusOK, s.deps.Upstream.Status())
}

func (s *server) stopStreaming(w http.ResponseWriter, r *http.Request) {
	s.deps.Upstream.StopStreaming()
	if s.deps.Cluster != nil {
		s.deps.Cluster.PublishStatus(s.deps.Upstream.Status())
	}
	writeData(w, http.StatusOK, s.deps.Upstream.Status())
}

func (s *server) streamStatus(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Upstream.Status()
	status.Timestamp = time.Now().UTC()
	writeData(w, http.StatusOK, status)
}

func (s *server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, partial := s.deps.Cluster.Gather(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"instances": stats,
		"partial":   partial,
		"timestamp": time.Now().UTC(),
	})
}
