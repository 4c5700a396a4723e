package httpserver

import (
	"context"
	"net/http"
	"time"
)

func (s *server) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// getHealthDetailed reports per-component availability. A degraded KV or a
// missing upstream session still answers 200: degradation is a first-class
// state, not an outage.
func (s *server) getHealthDetailed(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{}

	kvAvailable := s.deps.KV != nil && s.deps.KV.Available()
	components["kv"] = map[string]any{"available": kvAvailable}

	dbHealthy := false
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		dbHealthy = s.deps.DB.Ping(ctx) == nil
		cancel()
	}
	components["database"] = map[string]any{"available": dbHealthy}

	if s.deps.Upstream != nil {
		status := s.deps.Upstream.Status()
		components["upstream"] = map[string]any{
			"authenticated": s.deps.Upstream.Authenticated(),
			"streaming":     status.IsStreaming,
			"connected":     status.UpstreamConnected,
			"subscriptions": status.SubscribedCount,
		}
	}
	if s.deps.Sessions != nil {
		components["gateway"] = map[string]any{"sessions": s.deps.Sessions.SessionCount()}
	}

	overall := "ok"
	if !dbHealthy {
		overall = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}
