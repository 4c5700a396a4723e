package vortex

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
)

// unsignedJWT builds an alg=none token carrying the given claims.
func unsignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	encode := func(v any) string {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal jwt part: %v", err)
		}
		return base64.RawURLEncoding.EncodeToString(raw)
	}
	return encode(map[string]string{"alg": "none", "typ": "JWT"}) + "." + encode(claims) + "."
}

func TestTokenTTLFromExpClaim(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	token := unsignedJWT(t, map[string]any{"exp": now.Add(6 * time.Hour).Unix()})
	if got := TokenTTL(token, now); got != 6*time.Hour {
		t.Fatalf("ttl: %v", got)
	}
}

func TestTokenTTLDefaultsAndFloors(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	if got := TokenTTL("not-a-jwt", now); got != defaultTokenTTL {
		t.Fatalf("malformed token ttl: %v", got)
	}
	if got := TokenTTL(unsignedJWT(t, map[string]any{}), now); got != defaultTokenTTL {
		t.Fatalf("missing exp ttl: %v", got)
	}
	nearExpired := unsignedJWT(t, map[string]any{"exp": now.Add(5 * time.Second).Unix()})
	if got := TokenTTL(nearExpired, now); got != minTokenTTL {
		t.Fatalf("floor ttl: %v", got)
	}
}

func TestExchangeSendsChecksumAndParsesToken(t *testing.T) {
	const (
		appID     = "app-123"
		apiKey    = "key-456"
		authToken = "redirect-789"
	)
	wantSum := sha256.Sum256([]byte(appID + authToken + apiKey))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user/session" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != apiKey {
			t.Errorf("x-api-key: %q", got)
		}
		var req sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Checksum != hex.EncodeToString(wantSum[:]) {
			t.Errorf("checksum: %q", req.Checksum)
		}
		if req.ApplicationID != appID || req.Token != authToken {
			t.Errorf("request fields: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]string{"access_token": "granted-token"},
		})
	}))
	defer server.Close()

	o := NewOAuth(appID, apiKey, server.URL, kv.NewMemory())
	token, expiresAt, err := o.Exchange(context.Background(), authToken)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if token != "granted-token" {
		t.Fatalf("token: %q", token)
	}
	if time.Until(expiresAt) < 23*time.Hour {
		t.Fatalf("expiry for exp-less token should default near 24h: %v", expiresAt)
	}
}

func TestExchangeFailureStatuses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "error", "message": "bad auth"})
	}))
	defer server.Close()

	o := NewOAuth("app", "key", server.URL, kv.NewMemory())
	_, _, err := o.Exchange(context.Background(), "auth")
	if errs.CodeOf(err) != errs.CodeUpstreamSessionFailed {
		t.Fatalf("expected upstream_session_failed, got %v", err)
	}
}

func TestExchangeRejectsAlreadyExpiredToken(t *testing.T) {
	expired := unsignedJWT(t, map[string]any{"exp": time.Now().Add(-time.Hour).Unix()})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]string{"access_token": expired},
		})
	}))
	defer server.Close()

	o := NewOAuth("app", "key", server.URL, kv.NewMemory())
	_, _, err := o.Exchange(context.Background(), "auth")
	if errs.CodeOf(err) != errs.CodeExpiredToken {
		t.Fatalf("expected expired_token, got %v", err)
	}
	if e, ok := errs.As(err); !ok || e.Kind != errs.KindAuth {
		t.Fatalf("expected auth kind, got %v", err)
	}
}

func TestExchangeNoAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "data": map[string]string{}})
	}))
	defer server.Close()

	o := NewOAuth("app", "key", server.URL, kv.NewMemory())
	_, _, err := o.Exchange(context.Background(), "auth")
	if errs.CodeOf(err) != errs.CodeNoAccessToken {
		t.Fatalf("expected no_access_token, got %v", err)
	}
}

func TestExchangeRequiresConfig(t *testing.T) {
	o := NewOAuth("", "", "http://unused", kv.NewMemory())
	if _, _, err := o.Exchange(context.Background(), "auth"); errs.CodeOf(err) != errs.CodeConfigMissing {
		t.Fatalf("expected config_missing, got %v", err)
	}
	if _, err := o.LoginURL(); errs.CodeOf(err) != errs.CodeConfigMissing {
		t.Fatalf("expected config_missing from LoginURL, got %v", err)
	}
}

func TestLoginURLRecordsState(t *testing.T) {
	mem := kv.NewMemory()
	o := NewOAuth("app", "key", "http://unused", mem)
	loginURL, err := o.LoginURL()
	if err != nil {
		t.Fatalf("LoginURL: %v", err)
	}
	if loginURL == "" {
		t.Fatal("empty login url")
	}
	// The recorded nonce round-trips through ConsumeState exactly once.
	parsed, err := parseStateParam(loginURL)
	if err != nil {
		t.Fatalf("parse login url: %v", err)
	}
	if err := o.ConsumeState(parsed); err != nil {
		t.Fatalf("ConsumeState: %v", err)
	}
	if err := o.ConsumeState(parsed); errs.CodeOf(err) != errs.CodeInvalidAuthState {
		t.Fatalf("expected invalid_auth_state on replay, got %v", err)
	}
}

func parseStateParam(loginURL string) (string, error) {
	parsed, err := url.Parse(loginURL)
	if err != nil {
		return "", err
	}
	return parsed.Query().Get("state"), nil
}
