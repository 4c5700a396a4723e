package vortex

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
)

const (
	// ProviderName identifies this broker in sessions, KV keys and status.
	ProviderName = "vortex"

	consentURL      = "https://flow.rupeezy.in"
	defaultTokenTTL = 24 * time.Hour
	minTokenTTL     = 60 * time.Second
	oauthStateTTL   = 10 * time.Minute
	httpCallTimeout = 10 * time.Second
)

// OAuth drives the consent-redirect token exchange with the broker.
type OAuth struct {
	applicationID string
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	kv            kv.Store
	now           func() time.Time
}

// NewOAuth builds the OAuth helper. Empty credentials are allowed; calls then
// fail with config_missing until the operator supplies them.
func NewOAuth(applicationID, apiKey, baseURL string, kvStore kv.Store) *OAuth {
	return &OAuth{
		applicationID: applicationID,
		apiKey:        apiKey,
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: httpCallTimeout},
		kv:            kvStore,
		now:           time.Now,
	}
}

// Configured reports whether the broker credentials are present.
func (o *OAuth) Configured() bool {
	return o.applicationID != "" && o.apiKey != ""
}

// LoginURL returns the broker consent URL and records a state nonce so the
// callback can be tied back to this login.
func (o *OAuth) LoginURL() (string, error) {
	if !o.Configured() {
		return "", errs.State(errs.CodeConfigMissing, "broker credentials are not configured")
	}
	nonce, err := randomNonce()
	if err != nil {
		return "", errs.Internal(err)
	}
	o.kv.Set(kv.KeyOAuthState(ProviderName, nonce), "pending", oauthStateTTL)
	query := url.Values{"applicationId": {o.applicationID}, "state": {nonce}}
	return consentURL + "?" + query.Encode(), nil
}

// ConsumeState validates and burns a callback state nonce. An empty state is
// accepted when the KV is down; the nonce only hardens the happy path.
func (o *OAuth) ConsumeState(state string) error {
	if state == "" {
		if o.kv.Available() {
			return errs.Auth(errs.CodeInvalidAuthState, "missing oauth state")
		}
		return nil
	}
	key := kv.KeyOAuthState(ProviderName, state)
	if _, ok := o.kv.Get(key); !ok && o.kv.Available() {
		return errs.Auth(errs.CodeInvalidAuthState, "unknown or expired oauth state")
	}
	o.kv.Del(key)
	return nil
}

type sessionRequest struct {
	Checksum      string `json:"checksum"`
	ApplicationID string `json:"applicationId"`
	Token         string `json:"token"`
}

type sessionResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

// Exchange swaps the redirect auth token for an access token. Returns the
// token and its expiry as derived from the JWT exp claim.
func (o *OAuth) Exchange(ctx context.Context, authToken string) (string, time.Time, error) {
	if !o.Configured() {
		return "", time.Time{}, errs.State(errs.CodeConfigMissing, "broker credentials are not configured")
	}
	if authToken == "" {
		return "", time.Time{}, errs.Auth(errs.CodeInvalidAuthState, "callback carried no auth token")
	}

	sum := sha256.Sum256([]byte(o.applicationID + authToken + o.apiKey))
	body, err := json.Marshal(sessionRequest{
		Checksum:      hex.EncodeToString(sum[:]),
		ApplicationID: o.applicationID,
		Token:         authToken,
	})
	if err != nil {
		return "", time.Time{}, errs.Internal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/user/session", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, errs.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, errs.Upstream(errs.CodeUpstreamSessionFailed, "session exchange failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, errs.Upstream(errs.CodeUpstreamSessionFailed, "session exchange read failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, errs.New(errs.KindUpstream, errs.CodeUpstreamSessionFailed,
			errs.WithMessage("session exchange rejected"),
			errs.WithDetail("status", resp.StatusCode),
			errs.WithDetail("body", string(raw)))
	}

	var parsed sessionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", time.Time{}, errs.Upstream(errs.CodeUpstreamSessionFailed, "session exchange returned malformed json", err)
	}
	if parsed.Status != "success" {
		return "", time.Time{}, errs.New(errs.KindUpstream, errs.CodeUpstreamSessionFailed,
			errs.WithMessage("session exchange returned failure status"),
			errs.WithDetail("status", parsed.Status),
			errs.WithDetail("message", parsed.Message))
	}
	if parsed.Data.AccessToken == "" {
		return "", time.Time{}, errs.New(errs.KindUpstream, errs.CodeNoAccessToken,
			errs.WithMessage("session exchange carried no access token"))
	}
	if expiry, ok := tokenExpiry(parsed.Data.AccessToken); ok && !expiry.After(o.now()) {
		return "", time.Time{}, errs.Auth(errs.CodeExpiredToken, "session token is already expired")
	}

	return parsed.Data.AccessToken, o.now().Add(TokenTTL(parsed.Data.AccessToken, o.now())), nil
}

// tokenExpiry reads the JWT exp claim without verifying the signature. The
// second return is false when the token carries no readable exp.
func tokenExpiry(accessToken string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// TokenTTL derives the cache TTL from the JWT exp claim, best-effort. Tokens
// without a readable exp default to 24 h; near-expired tokens keep a 60 s
// floor so activation can finish.
func TokenTTL(accessToken string, now time.Time) time.Duration {
	expiry, ok := tokenExpiry(accessToken)
	if !ok {
		return defaultTokenTTL
	}
	ttl := expiry.Sub(now)
	if ttl < minTokenTTL {
		return minTokenTTL
	}
	return ttl
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
