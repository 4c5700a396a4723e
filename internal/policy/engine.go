// Package policy enforces API-key rules: validity, HTTP and WS rate limits,
// concurrent connection caps, exchange entitlements and abuse blocks.
//
// Counters live in the shared KV so limits hold across instances. When the
// KV is unavailable the engine degrades to per-process token buckets; limits
// then bind each instance independently rather than the fleet.
package policy

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
)

const (
	cacheTTL = 30 * time.Second

	// Counter TTLs exceed their window so a straggling read still sees the
	// closing bucket.
	minuteCounterTTL = 90 * time.Second
	secondCounterTTL = 3 * time.Second
	connCounterTTL   = 24 * time.Hour
)

// Defaults apply when a key record leaves a limit unset.
type Defaults struct {
	HTTPPerMinute  int
	ConnectionCap  int
	SubscribeRPS   int
	UnsubscribeRPS int
	ModeRPS        int
}

// KeyStore is the persistence surface the engine reads keys from.
type KeyStore interface {
	FindByKey(ctx context.Context, keyString string) (*schema.APIKey, error)
}

// Engine is safe for concurrent use from the HTTP and WS paths.
type Engine struct {
	store    KeyStore
	kv       kv.Store
	defaults Defaults
	now      func() time.Time

	mu       sync.Mutex
	cache    map[string]cacheEntry
	limiters map[string]*rate.Limiter
	conns    map[string]int
}

type cacheEntry struct {
	key       *schema.APIKey // nil records a negative lookup
	expiresAt time.Time
}

// New builds a policy engine.
func New(store KeyStore, kvStore kv.Store, defaults Defaults) *Engine {
	if defaults.HTTPPerMinute <= 0 {
		defaults.HTTPPerMinute = 600
	}
	if defaults.ConnectionCap <= 0 {
		defaults.ConnectionCap = 10
	}
	if defaults.SubscribeRPS <= 0 {
		defaults.SubscribeRPS = 10
	}
	if defaults.UnsubscribeRPS <= 0 {
		defaults.UnsubscribeRPS = 10
	}
	if defaults.ModeRPS <= 0 {
		defaults.ModeRPS = 10
	}
	return &Engine{
		store:    store,
		kv:       kvStore,
		defaults: defaults,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
		limiters: make(map[string]*rate.Limiter),
		conns:    make(map[string]int),
	}
}

// Validate resolves an API key string to its record. Lookups are cached for
// 30 s, including misses, so a storm of bad keys cannot hammer the store.
func (e *Engine) Validate(ctx context.Context, keyString string) (*schema.APIKey, error) {
	trimmed := strings.TrimSpace(keyString)
	if trimmed == "" {
		return nil, errs.Auth(errs.CodeMissingAPIKey, "api key required")
	}

	now := e.now()
	e.mu.Lock()
	if entry, ok := e.cache[trimmed]; ok && now.Before(entry.expiresAt) {
		e.mu.Unlock()
		if entry.key == nil {
			return nil, errs.Auth(errs.CodeInvalidAPIKey, "unknown or inactive api key")
		}
		return entry.key, nil
	}
	e.mu.Unlock()

	key, err := e.store.FindByKey(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	if key == nil || !key.IsActive {
		e.remember(trimmed, nil, now)
		return nil, errs.Auth(errs.CodeInvalidAPIKey, "unknown or inactive api key")
	}
	e.remember(trimmed, key, now)
	return key, nil
}

// Invalidate drops a key from the cache, used after admin mutations.
func (e *Engine) Invalidate(keyString string) {
	e.mu.Lock()
	delete(e.cache, strings.TrimSpace(keyString))
	e.mu.Unlock()
}

func (e *Engine) remember(keyString string, key *schema.APIKey, now time.Time) {
	e.mu.Lock()
	e.cache[keyString] = cacheEntry{key: key, expiresAt: now.Add(cacheTTL)}
	e.mu.Unlock()
}

// ChargeHTTP consumes one request from the key's per-minute budget.
func (e *Engine) ChargeHTTP(key *schema.APIKey) error {
	limit := key.RateLimitPerMinute
	if limit <= 0 {
		limit = e.defaults.HTTPPerMinute
	}
	now := e.now()

	if e.kv.Available() {
		counterKey := kv.KeyRateLimit(key.Key, now)
		count := e.kv.Incr(counterKey)
		if count == 1 {
			e.kv.Expire(counterKey, minuteCounterTTL)
		}
		if count > int64(limit) {
			return rateLimited(retryAfterNextMinute(now))
		}
		return nil
	}

	if !e.localAllow("http:"+key.Key, float64(limit)/60.0, limit) {
		return rateLimited(retryAfterNextMinute(now))
	}
	return nil
}

// ChargeWSEvent consumes one event from a 1 s per-event-kind budget. The id
// is the API key string or session id, matching the caller's scoping choice.
func (e *Engine) ChargeWSEvent(id, event string, limit int) error {
	if limit <= 0 {
		limit = e.defaults.SubscribeRPS
	}
	now := e.now()

	if e.kv.Available() {
		counterKey := kv.KeyWSEvent(id, event, now)
		count := e.kv.Incr(counterKey)
		if count == 1 {
			e.kv.Expire(counterKey, secondCounterTTL)
		}
		if count > int64(limit) {
			return rateLimited(msUntilNextSecond(now))
		}
		return nil
	}

	if !e.localAllow("ws:"+id+":"+event, float64(limit), limit) {
		return rateLimited(msUntilNextSecond(now))
	}
	return nil
}

// EventLimit resolves the per-second budget for an event kind from the key
// record, falling back to engine defaults.
func (e *Engine) EventLimit(key *schema.APIKey, event string) int {
	switch event {
	case "subscribe":
		if key.WSSubscribeRPS > 0 {
			return key.WSSubscribeRPS
		}
		return e.defaults.SubscribeRPS
	case "unsubscribe":
		if key.WSUnsubscribeRPS > 0 {
			return key.WSUnsubscribeRPS
		}
		return e.defaults.UnsubscribeRPS
	case "set_mode":
		if key.WSModeRPS > 0 {
			return key.WSModeRPS
		}
		return e.defaults.ModeRPS
	default:
		return e.defaults.SubscribeRPS
	}
}

// TrackConnect reserves one concurrent connection slot for the key.
func (e *Engine) TrackConnect(key *schema.APIKey) error {
	limit := key.ConnectionLimit
	if limit <= 0 {
		limit = e.defaults.ConnectionCap
	}

	if e.kv.Available() {
		counterKey := kv.KeyWSConn(key.Key)
		count := e.kv.Incr(counterKey)
		e.kv.Expire(counterKey, connCounterTTL)
		if count > int64(limit) {
			e.kv.Decr(counterKey)
			return errs.New(errs.KindPolicy, errs.CodeLimitExceeded,
				errs.WithMessage("concurrent connection limit reached"),
				errs.WithDetail("limit", limit))
		}
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conns[key.Key] >= limit {
		return errs.New(errs.KindPolicy, errs.CodeLimitExceeded,
			errs.WithMessage("concurrent connection limit reached"),
			errs.WithDetail("limit", limit))
	}
	e.conns[key.Key]++
	return nil
}

// UntrackConnect releases a connection slot. Idempotent; the counter never
// goes below zero.
func (e *Engine) UntrackConnect(key *schema.APIKey) {
	if e.kv.Available() {
		counterKey := kv.KeyWSConn(key.Key)
		if e.kv.Decr(counterKey) < 0 {
			e.kv.Incr(counterKey)
		}
		return
	}
	e.mu.Lock()
	if e.conns[key.Key] > 0 {
		e.conns[key.Key]--
	}
	e.mu.Unlock()
}

// Connections reports the live connection count for a key, best-effort.
func (e *Engine) Connections(key *schema.APIKey) int {
	if e.kv.Available() {
		raw, ok := e.kv.Get(kv.KeyWSConn(key.Key))
		if !ok {
			return 0
		}
		n, _ := strconv.Atoi(raw)
		if n < 0 {
			return 0
		}
		return n
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[key.Key]
}

// CheckEntitlement verifies the key may touch the exchange.
func (e *Engine) CheckEntitlement(key *schema.APIKey, exchange schema.Exchange) error {
	if key.Entitled(exchange) {
		return nil
	}
	return errs.New(errs.KindPolicy, errs.CodeForbiddenExchange,
		errs.WithMessage("api key is not entitled to this exchange"),
		errs.WithDetail("exchange", string(exchange)))
}

// AbuseStatus reads the key's abuse verdict from KV. An unreachable KV
// reports clean; blocking is advisory, not a safety property.
func (e *Engine) AbuseStatus(keyString string) schema.AbuseStatus {
	fields := e.kv.HGetAll(kv.KeyAbuse(keyString))
	if len(fields) == 0 {
		return schema.AbuseStatus{}
	}
	status := schema.AbuseStatus{Blocked: fields["blocked"] == "true"}
	if score, err := strconv.ParseFloat(fields["risk_score"], 64); err == nil {
		status.RiskScore = score
	}
	if reasons := strings.TrimSpace(fields["reasons"]); reasons != "" {
		status.Reasons = strings.Split(reasons, ",")
	}
	return status
}

// Block marks a key blocked for abuse. Admin-facing.
func (e *Engine) Block(keyString string, riskScore float64, reasons []string) {
	e.kv.HSet(kv.KeyAbuse(keyString), map[string]string{
		"blocked":    "true",
		"risk_score": strconv.FormatFloat(riskScore, 'f', -1, 64),
		"reasons":    strings.Join(reasons, ","),
	})
}

// Unblock clears a key's abuse verdict.
func (e *Engine) Unblock(keyString string) {
	e.kv.Del(kv.KeyAbuse(keyString))
}

func (e *Engine) localAllow(id string, perSecond float64, burst int) bool {
	if burst < 1 {
		burst = 1
	}
	e.mu.Lock()
	limiter, ok := e.limiters[id]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		e.limiters[id] = limiter
	}
	e.mu.Unlock()
	return limiter.Allow()
}

func rateLimited(retryAfterMS int64) error {
	return errs.New(errs.KindPolicy, errs.CodeRateLimited,
		errs.WithMessage("rate limit exceeded"),
		errs.WithDetail("retry_after_ms", retryAfterMS))
}

func retryAfterNextMinute(now time.Time) int64 {
	next := now.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(now).Milliseconds()
}

func msUntilNextSecond(now time.Time) int64 {
	next := now.Truncate(time.Second).Add(time.Second)
	ms := next.Sub(now).Milliseconds()
	if ms <= 0 {
		return 1000
	}
	return ms
}
