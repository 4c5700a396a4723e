// Package vortex implements the upstream broker driver: OAuth token
// lifecycle, the binary tick websocket pool, the packet parser and the
// snapshot REST client.
package vortex

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
	"github.com/vayulabs/vayu-gateway/internal/observability"
)

// SessionStore persists the single-active upstream session.
type SessionStore interface {
	Activate(ctx context.Context, session *schema.UpstreamSession) error
	Active(ctx context.Context, provider string) (*schema.UpstreamSession, error)
	Deactivate(ctx context.Context, provider string) error
}

// Driver is the broker facade the rest of the gateway talks to.
type Driver struct {
	oauth    *OAuth
	rest     *REST
	socket   *Socket
	sessions SessionStore
	kv       kv.Store
	now      func() time.Time
	onState  func(connected bool)

	mu          sync.Mutex
	accessToken string
	streamCtx   context.Context
	onResync    func()
}

// NewDriver wires the broker subcomponents. onState fires whenever upstream
// connectivity changes so the caller can broadcast stream status.
func NewDriver(applicationID, apiKey, baseURL, wsURL string, sessions SessionStore, kvStore kv.Store, onState func(connected bool)) *Driver {
	d := &Driver{
		oauth:    NewOAuth(applicationID, apiKey, baseURL, kvStore),
		sessions: sessions,
		kv:       kvStore,
		now:      time.Now,
		onState:  onState,
	}
	d.rest = NewREST(baseURL, apiKey, d.Token)
	d.socket = NewSocket(wsURL, d.Token, kvStore, onState)
	d.socket.onAuthFailure = d.authFailure
	return d
}

// OnResync registers the callback fired after the socket pool (re)starts with
// fresh wire state, so the owner of the subscription table can replay it
// upstream. Connection-level reconnects replay their own wire state and do
// not fire this.
func (d *Driver) OnResync(fn func()) {
	d.mu.Lock()
	d.onResync = fn
	d.mu.Unlock()
}

// Token returns the current access token, empty when not authenticated.
func (d *Driver) Token() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accessToken
}

// Authenticated reports whether an access token is loaded.
func (d *Driver) Authenticated() bool { return d.Token() != "" }

// Bootstrap loads a persisted active session at startup. Missing or expired
// sessions leave the driver unauthenticated; the gateway still boots and
// serves snapshots from KV until an operator logs in again.
func (d *Driver) Bootstrap(ctx context.Context) {
	session, err := d.sessions.Active(ctx, ProviderName)
	if err != nil {
		observability.Log().Warn("upstream session load failed",
			observability.F("error", err.Error()))
		return
	}
	if session == nil {
		observability.Log().Info("no upstream session persisted, auth required")
		return
	}
	if session.Expired(d.now()) {
		observability.Log().Warn("persisted upstream session is expired",
			observability.F("expired_at", session.ExpiresAt))
		_ = d.sessions.Deactivate(ctx, ProviderName)
		return
	}
	d.mu.Lock()
	d.accessToken = session.AccessToken
	d.mu.Unlock()
	d.kv.Set(kv.KeyAccessToken(ProviderName), session.AccessToken, TokenTTL(session.AccessToken, d.now()))
	observability.Log().Info("upstream session restored",
		observability.F("expires_at", session.ExpiresAt))
}

// LoginURL returns the broker consent URL for the operator.
func (d *Driver) LoginURL() (string, error) { return d.oauth.LoginURL() }

// HandleCallback completes the OAuth flow: exchange the redirect token, then
// persist, cache, load and (re)start streaming in order. The persisted token
// survives a websocket start failure.
func (d *Driver) HandleCallback(ctx context.Context, authToken, state string) error {
	if err := d.oauth.ConsumeState(state); err != nil {
		return err
	}
	token, expiresAt, err := d.oauth.Exchange(ctx, authToken)
	if err != nil {
		return err
	}

	session := &schema.UpstreamSession{
		Provider:    ProviderName,
		AccessToken: token,
		IssuedAt:    d.now().UTC(),
		ExpiresAt:   expiresAt,
		IsActive:    true,
	}
	if err := d.sessions.Activate(ctx, session); err != nil {
		observability.Log().Error("session persist failed",
			observability.F("error", err.Error()))
		return err
	}

	d.kv.Set(kv.KeyAccessToken(ProviderName), token, TokenTTL(token, d.now()))

	d.mu.Lock()
	d.accessToken = token
	streamCtx := d.streamCtx
	resync := d.onResync
	d.mu.Unlock()

	switch {
	case d.socket.Running():
		if err := d.socket.Reconnect(streamCtx); err != nil {
			observability.Log().Warn("stream reconnect after re-auth failed",
				observability.F("error", err.Error()))
		} else if resync != nil {
			resync()
		}
	default:
		observability.Log().Info("upstream session activated, streaming not started")
	}
	return nil
}

// StartStreaming opens the upstream websocket pool. ctx bounds the pool's
// lifetime, so it must be a process-scoped context, never a request's.
func (d *Driver) StartStreaming(ctx context.Context) error {
	if !d.Authenticated() {
		return errs.State(errs.CodeAuthRequired, "no active upstream session")
	}
	d.mu.Lock()
	d.streamCtx = ctx
	resync := d.onResync
	d.mu.Unlock()
	if err := d.socket.Start(ctx); err != nil {
		return err
	}
	// The pool starts with empty wire state; replay the subscription table.
	if resync != nil {
		resync()
	}
	return nil
}

// StopStreaming closes the pool. Idempotent.
func (d *Driver) StopStreaming() { d.socket.Stop() }

// Streaming reports whether the pool is started.
func (d *Driver) Streaming() bool { return d.socket.Running() }

// Connected reports live upstream connectivity.
func (d *Driver) Connected() bool { return d.socket.Connected() }

// Ticks is the parsed upstream tick stream.
func (d *Driver) Ticks() <-chan *schema.Tick { return d.socket.Ticks() }

// Send routes subscription frames to the wire.
func (d *Driver) Send(frames []SubscriptionFrame) error { return d.socket.Send(frames) }

// Status snapshots the driver for stream:status broadcasts.
func (d *Driver) Status() schema.StreamStatus {
	status := schema.StreamStatus{
		IsStreaming:       d.Streaming(),
		Provider:          ProviderName,
		SubscribedCount:   d.socket.SubscribedCount(),
		UpstreamConnected: d.Connected(),
		Timestamp:         d.now().UTC(),
	}
	if !d.Authenticated() {
		status.Reason = "auth_required"
	}
	return status
}

// DroppedTicks exposes the pool's dropped-tick counter.
func (d *Driver) DroppedTicks() int64 { return d.socket.DroppedTicks() }

// Reconnects exposes the pool's reconnect counter.
func (d *Driver) Reconnects() int64 { return d.socket.Reconnects() }

// Quotes proxies the snapshot REST call.
func (d *Driver) Quotes(ctx context.Context, pairs []schema.Pair, mode schema.Mode) (map[string]*schema.Tick, error) {
	ticks, err := d.rest.Quotes(ctx, pairs, mode)
	if errs.HasCode(err, errs.CodeExpiredToken) {
		d.authFailure()
	}
	return ticks, err
}

// Historical proxies the history REST call.
func (d *Driver) Historical(ctx context.Context, pair schema.Pair, resolution string, from, to time.Time) ([]Candle, error) {
	candles, err := d.rest.Historical(ctx, pair, resolution, from, to)
	if errs.HasCode(err, errs.CodeExpiredToken) {
		d.authFailure()
	}
	return candles, err
}

// FetchMaster proxies the master CSV download for registry sync jobs.
func (d *Driver) FetchMaster(ctx context.Context, exchange schema.Exchange, sourceURL string) (io.ReadCloser, error) {
	return d.rest.FetchMaster(ctx, exchange, sourceURL)
}

// authFailure handles an upstream credential rejection: retire the persisted
// session, drop cached tokens and stop streaming. The resulting stream:status
// broadcast carries reason auth_required until the operator logs in again.
// Idempotent per token.
func (d *Driver) authFailure() {
	d.mu.Lock()
	token := d.accessToken
	d.accessToken = ""
	d.mu.Unlock()
	if token == "" {
		return
	}
	observability.Log().Warn("upstream rejected the access token, auth required")

	d.kv.Del(kv.KeyAccessToken(ProviderName))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.sessions.Deactivate(ctx, ProviderName); err != nil {
		observability.Log().Warn("session deactivate failed",
			observability.F("error", err.Error()))
	}
	d.socket.Stop()
	if d.onState != nil {
		d.onState(false)
	}
}

// Logout deactivates the persisted session and drops the cached token.
func (d *Driver) Logout(ctx context.Context) error {
	d.socket.Stop()
	d.mu.Lock()
	d.accessToken = ""
	d.mu.Unlock()
	d.kv.Del(kv.KeyAccessToken(ProviderName))
	return d.sessions.Deactivate(ctx, ProviderName)
}
