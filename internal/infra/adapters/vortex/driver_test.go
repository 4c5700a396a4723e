package vortex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
)

type memorySessions struct {
	mu          sync.Mutex
	session     *schema.UpstreamSession
	deactivated int
}

func (s *memorySessions) Activate(_ context.Context, session *schema.UpstreamSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	return nil
}

func (s *memorySessions) Active(context.Context, string) (*schema.UpstreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || !s.session.IsActive {
		return nil, nil
	}
	return s.session, nil
}

func (s *memorySessions) Deactivate(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivated++
	if s.session != nil {
		s.session.IsActive = false
	}
	return nil
}

func (s *memorySessions) deactivations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deactivated
}

func newTestDriver(t *testing.T, baseURL string, sessions *memorySessions) (*Driver, kv.Store) {
	t.Helper()
	store := kv.NewMemory()
	t.Cleanup(store.Close)

	driver := NewDriver("app", "key", baseURL, "ws://127.0.0.1:9/ws", sessions, store, nil)
	driver.Bootstrap(context.Background())
	t.Cleanup(driver.StopStreaming)
	return driver, store
}

func activeSession() *memorySessions {
	return &memorySessions{session: &schema.UpstreamSession{
		Provider:    ProviderName,
		AccessToken: "live-token",
		IssuedAt:    time.Now().UTC(),
		ExpiresAt:   time.Now().Add(12 * time.Hour),
		IsActive:    true,
	}}
}

func TestStartStreamingReplaysSubscriptionTable(t *testing.T) {
	driver, _ := newTestDriver(t, "http://unused", activeSession())

	replays := 0
	driver.OnResync(func() { replays++ })

	if err := driver.StartStreaming(context.Background()); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	// The pool comes up with empty wire state, so the subscription table
	// must be replayed exactly once per start.
	if replays != 1 {
		t.Fatalf("replays after start: %d", replays)
	}

	driver.StopStreaming()
	if err := driver.StartStreaming(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if replays != 2 {
		t.Fatalf("replays after restart: %d", replays)
	}
}

func TestStartStreamingUnauthenticatedSkipsReplay(t *testing.T) {
	driver, _ := newTestDriver(t, "http://unused", &memorySessions{})

	replays := 0
	driver.OnResync(func() { replays++ })

	if err := driver.StartStreaming(context.Background()); errs.CodeOf(err) != errs.CodeAuthRequired {
		t.Fatalf("expected auth_required, got %v", err)
	}
	if replays != 0 {
		t.Fatalf("replay fired without a started pool: %d", replays)
	}
}

func TestRejectedTokenRetiresSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	sessions := activeSession()
	driver, store := newTestDriver(t, server.URL, sessions)
	if !driver.Authenticated() {
		t.Fatal("bootstrap did not restore the session")
	}

	_, err := driver.Quotes(context.Background(),
		[]schema.Pair{{Exchange: schema.ExchangeNSEEquity, Token: 26000}}, schema.ModeLTP)
	if !errs.HasCode(err, errs.CodeExpiredToken) {
		t.Fatalf("expected expired_token in chain, got %v", err)
	}

	if driver.Authenticated() {
		t.Fatal("token must be dropped after upstream rejection")
	}
	if cached, ok := store.Get(kv.KeyAccessToken(ProviderName)); ok {
		t.Fatalf("cached token survived rejection: %q", cached)
	}
	if got := sessions.deactivations(); got != 1 {
		t.Fatalf("session deactivations: %d", got)
	}
	if status := driver.Status(); status.Reason != "auth_required" {
		t.Fatalf("status reason: %q", status.Reason)
	}
	if driver.Streaming() {
		t.Fatal("pool must be stopped after rejection")
	}
}

func TestRejectedTokenRetiresSessionOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	sessions := activeSession()
	driver, _ := newTestDriver(t, server.URL, sessions)

	pairs := []schema.Pair{{Exchange: schema.ExchangeNSEEquity, Token: 26000}}
	_, _ = driver.Quotes(context.Background(), pairs, schema.ModeLTP)
	_, _ = driver.Quotes(context.Background(), pairs, schema.ModeLTP)

	if got := sessions.deactivations(); got != 1 {
		t.Fatalf("rejection handling must be idempotent per token, got %d deactivations", got)
	}
}
