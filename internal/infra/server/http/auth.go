package httpserver

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/observability"
)

// handleAuth serves /api/auth/<provider>/login and /callback. Only the
// vortex driver is wired; other providers answer not_found.
func (s *server) handleAuth(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/auth/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 {
		writeErr(w, r, errs.New(errs.KindValidation, errs.CodeNotFound,
			errs.WithMessage("unknown auth route"), errs.WithHTTP(http.StatusNotFound)))
		return
	}
	provider, action := strings.ToLower(parts[0]), strings.ToLower(parts[1])
	if provider != "vortex" {
		writeErr(w, r, errs.New(errs.KindValidation, errs.CodeNotFound,
			errs.WithMessage("unknown provider"), errs.WithHTTP(http.StatusNotFound),
			errs.WithDetail("provider", provider)))
		return
	}

	switch action {
	case "login":
		s.authLogin(w, r)
	case "callback":
		s.authCallback(w, r)
	default:
		writeErr(w, r, errs.New(errs.KindValidation, errs.CodeNotFound,
			errs.WithMessage("unknown auth action"), errs.WithHTTP(http.StatusNotFound)))
	}
}

func (s *server) authLogin(w http.ResponseWriter, r *http.Request) {
	loginURL, err := s.deps.Upstream.LoginURL()
	if err != nil {
		writeErr(w, r, err)
		return
	}
	payload := map[string]string{"url": loginURL}
	if parsed, err := url.Parse(loginURL); err == nil {
		if state := parsed.Query().Get("state"); state != "" {
			payload["state"] = state
		}
	}
	writeData(w, http.StatusOK, payload)
}

// authCallback completes the OAuth flow. The upstream redirect carries the
// short-lived auth token in the "auth" query param (older deployments used
// "token").
func (s *server) authCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	authToken := query.Get("auth")
	if authToken == "" {
		authToken = query.Get("token")
	}
	state := query.Get("state")

	start := time.Now()
	if err := s.deps.Upstream.HandleCallback(r.Context(), authToken, state); err != nil {
		writeErr(w, r, err)
		return
	}
	observability.Log().Info("oauth callback completed",
		observability.F("elapsed_ms", time.Since(start).Milliseconds()))
	if s.deps.Cluster != nil {
		s.deps.Cluster.PublishStatus(s.deps.Upstream.Status())
	}
	writeData(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"status":        s.deps.Upstream.Status(),
	})
}
