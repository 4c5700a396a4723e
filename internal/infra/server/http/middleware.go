package httpserver

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// apiKeyFrom returns the validated key attached by the apiKeyed middleware.
func apiKeyFrom(ctx context.Context) *schema.APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*schema.APIKey)
	return key
}

// statusRecorder captures the response status for metrics and audit.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrumented wraps a handler with the latency histogram and an async
// origin audit record. Audit failures never surface to the caller.
func (s *server) instrumented(route string, next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		elapsed := time.Since(start)

		if s.deps.Metrics != nil {
			s.deps.Metrics.HTTPRequestDuration.
				WithLabelValues(route, strconv.Itoa(recorder.status)).
				Observe(elapsed.Seconds())
		}
		if s.deps.Audit != nil {
			record := schema.OriginAudit{
				Timestamp:  start.UTC(),
				IP:         clientIP(r),
				UserAgent:  r.UserAgent(),
				Origin:     r.Header.Get("Origin"),
				Event:      schema.AuditHTTP,
				Status:     recorder.status,
				DurationMS: elapsed.Milliseconds(),
				Meta:       map[string]string{"route": route, "method": r.Method},
			}
			if key := apiKeyFrom(r.Context()); key != nil {
				record.APIKeyID = key.ID
				record.TenantID = key.TenantID
			}
			s.deps.Audit.Record(record)
		}
	}
}

// admin gates control-plane handlers behind the static admin token.
func (s *server) admin(next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("x-admin-token")
		if s.cfg.AdminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeErr(w, r, errs.Auth(errs.CodeInvalidAPIKey, "admin token required"))
			return
		}
		next(w, r)
	}
}

// apiKeyed runs the tenant policy chain: validate, abuse check, HTTP rate
// charge. The validated key rides the request context.
func (s *server) apiKeyed(next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("x-api-key")
		if raw == "" {
			raw = r.URL.Query().Get("api_key")
		}
		key, err := s.deps.Policy.Validate(r.Context(), raw)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		if status := s.deps.Policy.AbuseStatus(key.Key); status.Blocked {
			writeErr(w, r, errs.New(errs.KindPolicy, errs.CodeKeyBlockedForAbuse,
				errs.WithMessage("api key blocked for abuse"),
				errs.WithDetail("reasons", status.Reasons)))
			return
		}
		if err := s.deps.Policy.ChargeHTTP(key); err != nil {
			writeErr(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), apiKeyContextKey, key)))
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx > 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
