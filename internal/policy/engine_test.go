package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
)

type fakeKeyStore struct {
	keys    map[string]*schema.APIKey
	lookups int
	err     error
}

func (f *fakeKeyStore) FindByKey(_ context.Context, keyString string) (*schema.APIKey, error) {
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	return f.keys[keyString], nil
}

func activeKey(keyString string) *schema.APIKey {
	return &schema.APIKey{
		ID:        1,
		Key:       keyString,
		TenantID:  "tenant-a",
		IsActive:  true,
		Exchanges: []schema.Exchange{schema.ExchangeNSEEquity},
	}
}

func newEngine(t *testing.T, store *fakeKeyStore) *Engine {
	t.Helper()
	return New(store, kv.NewMemory(), Defaults{})
}

func TestValidateCachesPositiveAndNegative(t *testing.T) {
	store := &fakeKeyStore{keys: map[string]*schema.APIKey{"good": activeKey("good")}}
	e := newEngine(t, store)

	for i := 0; i < 3; i++ {
		if _, err := e.Validate(context.Background(), "good"); err != nil {
			t.Fatalf("Validate good: %v", err)
		}
	}
	if store.lookups != 1 {
		t.Fatalf("positive cache miss: %d lookups", store.lookups)
	}

	for i := 0; i < 3; i++ {
		_, err := e.Validate(context.Background(), "bad")
		if errs.CodeOf(err) != errs.CodeInvalidAPIKey {
			t.Fatalf("expected invalid_api_key, got %v", err)
		}
	}
	if store.lookups != 2 {
		t.Fatalf("negative cache miss: %d lookups", store.lookups)
	}
}

func TestValidateMissingKey(t *testing.T) {
	e := newEngine(t, &fakeKeyStore{})
	_, err := e.Validate(context.Background(), "   ")
	if errs.CodeOf(err) != errs.CodeMissingAPIKey {
		t.Fatalf("expected missing_api_key, got %v", err)
	}
}

func TestValidateSurfacesStoreErrors(t *testing.T) {
	e := newEngine(t, &fakeKeyStore{err: errors.New("db down")})
	if _, err := e.Validate(context.Background(), "any"); err == nil {
		t.Fatal("expected store error to surface")
	}
}

func TestChargeHTTPMinuteWindow(t *testing.T) {
	key := activeKey("k1")
	key.RateLimitPerMinute = 3
	e := newEngine(t, &fakeKeyStore{})
	e.now = func() time.Time { return time.Date(2026, 8, 25, 10, 0, 30, 0, time.UTC) }

	for i := 0; i < 3; i++ {
		if err := e.ChargeHTTP(key); err != nil {
			t.Fatalf("charge %d: %v", i, err)
		}
	}
	err := e.ChargeHTTP(key)
	if errs.CodeOf(err) != errs.CodeRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	envelope, _ := errs.As(err)
	retry, ok := envelope.Details["retry_after_ms"].(int64)
	if !ok || retry <= 0 || retry > 60_000 {
		t.Fatalf("retry_after_ms: %v", envelope.Details["retry_after_ms"])
	}
	if envelope.HTTPStatus() != 429 {
		t.Fatalf("status: %d", envelope.HTTPStatus())
	}
}

func TestChargeWSEventSecondWindow(t *testing.T) {
	e := newEngine(t, &fakeKeyStore{})
	e.now = func() time.Time { return time.Date(2026, 8, 25, 10, 0, 30, 500_000_000, time.UTC) }
	for i := 0; i < 2; i++ {
		if err := e.ChargeWSEvent("sess-1", "subscribe", 2); err != nil {
			t.Fatalf("charge %d: %v", i, err)
		}
	}
	if errs.CodeOf(e.ChargeWSEvent("sess-1", "subscribe", 2)) != errs.CodeRateLimited {
		t.Fatal("expected rate_limited on third event in same second")
	}
	// A different event kind has its own bucket.
	if err := e.ChargeWSEvent("sess-1", "unsubscribe", 2); err != nil {
		t.Fatalf("unsubscribe bucket: %v", err)
	}
}

func TestTrackConnectLimit(t *testing.T) {
	key := activeKey("k2")
	key.ConnectionLimit = 2
	e := newEngine(t, &fakeKeyStore{})

	if err := e.TrackConnect(key); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := e.TrackConnect(key); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if errs.CodeOf(e.TrackConnect(key)) != errs.CodeLimitExceeded {
		t.Fatal("expected limit_exceeded on third connect")
	}
	if got := e.Connections(key); got != 2 {
		t.Fatalf("connections after rejected connect: %d", got)
	}

	e.UntrackConnect(key)
	if err := e.TrackConnect(key); err != nil {
		t.Fatalf("connect after release: %v", err)
	}
}

func TestUntrackConnectClampsAtZero(t *testing.T) {
	key := activeKey("k3")
	e := newEngine(t, &fakeKeyStore{})
	e.UntrackConnect(key)
	e.UntrackConnect(key)
	if got := e.Connections(key); got != 0 {
		t.Fatalf("counter went negative: %d", got)
	}
}

func TestCheckEntitlement(t *testing.T) {
	key := activeKey("k4")
	e := newEngine(t, &fakeKeyStore{})
	if err := e.CheckEntitlement(key, schema.ExchangeNSEEquity); err != nil {
		t.Fatalf("entitled exchange: %v", err)
	}
	if errs.CodeOf(e.CheckEntitlement(key, schema.ExchangeMCXFutures)) != errs.CodeForbiddenExchange {
		t.Fatal("expected forbidden_exchange")
	}
}

func TestAbuseBlockRoundTrip(t *testing.T) {
	e := newEngine(t, &fakeKeyStore{})
	if e.AbuseStatus("k5").Blocked {
		t.Fatal("fresh key must not be blocked")
	}
	e.Block("k5", 0.9, []string{"scraping", "burst"})
	status := e.AbuseStatus("k5")
	if !status.Blocked || status.RiskScore != 0.9 || len(status.Reasons) != 2 {
		t.Fatalf("abuse status: %+v", status)
	}
	e.Unblock("k5")
	if e.AbuseStatus("k5").Blocked {
		t.Fatal("unblock must clear the verdict")
	}
}

func TestEventLimitResolution(t *testing.T) {
	key := activeKey("k6")
	key.WSSubscribeRPS = 25
	e := newEngine(t, &fakeKeyStore{})
	if got := e.EventLimit(key, "subscribe"); got != 25 {
		t.Fatalf("subscribe limit: %d", got)
	}
	if got := e.EventLimit(key, "set_mode"); got != 10 {
		t.Fatalf("default mode limit: %d", got)
	}
}

type unavailableKV struct{ kv.Store }

func (unavailableKV) Available() bool { return false }

func TestLocalDegradationWhenKVDown(t *testing.T) {
	key := activeKey("k7")
	key.ConnectionLimit = 1
	e := New(&fakeKeyStore{}, unavailableKV{kv.NewMemory()}, Defaults{})
	e.now = func() time.Time { return time.Date(2026, 8, 25, 10, 0, 30, 0, time.UTC) }

	if err := e.TrackConnect(key); err != nil {
		t.Fatalf("local connect: %v", err)
	}
	if errs.CodeOf(e.TrackConnect(key)) != errs.CodeLimitExceeded {
		t.Fatal("expected local limit_exceeded")
	}
	e.UntrackConnect(key)
	if err := e.TrackConnect(key); err != nil {
		t.Fatalf("local reconnect: %v", err)
	}

	key.RateLimitPerMinute = 60
	var limited bool
	for i := 0; i < 200; i++ {
		if err := e.ChargeHTTP(key); err != nil {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("local token bucket never limited")
	}
}
