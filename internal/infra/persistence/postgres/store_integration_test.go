package postgres_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/persistence/migrations"
	pgstore "github.com/vayulabs/vayu-gateway/internal/infra/persistence/postgres"
)

var (
	testStore   *pgstore.Store
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "vayu"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		// No docker in the environment; every test skips.
		setupErr = fmt.Errorf("start postgres container: %w", err)
		os.Exit(m.Run())
	}
	pgContainer = container

	setupErr = initialiseStore(ctx)
	exitCode := m.Run()

	if testStore != nil {
		testStore.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseStore(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/vayu?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, log.New(io.Discard, "", 0)); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	store, err := pgstore.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	testStore = store
	return nil
}

func requireDatabase(t *testing.T) {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()

	key := &schema.APIKey{
		Key:                "itest-" + uuid.NewString(),
		TenantID:           "tenant-a",
		IsActive:           true,
		RateLimitPerMinute: 120,
		ConnectionLimit:    3,
		Exchanges:          []schema.Exchange{schema.ExchangeNSEEquity, schema.ExchangeNSEFutures},
		Metadata:           map[string]string{"env": "itest"},
	}
	require.NoError(t, testStore.APIKeys.Create(ctx, key))
	require.NotZero(t, key.ID)

	found, err := testStore.APIKeys.FindByKey(ctx, key.Key)
	require.NoError(t, err)
	require.Equal(t, key.TenantID, found.TenantID)
	require.Equal(t, 120, found.RateLimitPerMinute)
	require.ElementsMatch(t, key.Exchanges, found.Exchanges)
	require.Equal(t, "itest", found.Metadata["env"])

	rpm := 60
	require.NoError(t, testStore.APIKeys.UpdateLimits(ctx, key.Key, &rpm, nil, nil, nil, nil,
		[]schema.Exchange{schema.ExchangeNSEEquity}))
	found, err = testStore.APIKeys.FindByKey(ctx, key.Key)
	require.NoError(t, err)
	require.Equal(t, 60, found.RateLimitPerMinute)
	require.Equal(t, []schema.Exchange{schema.ExchangeNSEEquity}, found.Exchanges)

	require.NoError(t, testStore.APIKeys.Deactivate(ctx, key.Key))
	found, err = testStore.APIKeys.FindByKey(ctx, key.Key)
	require.NoError(t, err)
	require.False(t, found.IsActive)
}

func TestInstrumentSyncLifecycle(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	syncStart := time.Now().UTC()

	expiry := time.Date(2026, 9, 25, 0, 0, 0, 0, time.UTC)
	strike := 26000.0
	records := []schema.InstrumentRecord{
		{Token: 26000, Exchange: schema.ExchangeNSEEquity, Symbol: "NIFTY", Name: "Nifty 50",
			InstrumentType: schema.InstrumentIndex, LotSize: 1, TickSize: 0.05, IsActive: true},
		{Token: 43210, Exchange: schema.ExchangeNSEFutures, Symbol: "NIFTY26SEP26000CE",
			InstrumentType: schema.InstrumentCall, ExpiryDate: &expiry, Strike: &strike,
			LotSize: 75, TickSize: 0.05, IsActive: true},
	}
	upserted, err := testStore.Instruments.UpsertBatch(ctx, records)
	require.NoError(t, err)
	require.Equal(t, 2, upserted)

	resolved, err := testStore.Instruments.ResolveLive(ctx, []int32{26000, 43210, 99999999})
	require.NoError(t, err)
	require.Equal(t, schema.ExchangeNSEEquity, resolved[26000])
	require.Equal(t, schema.ExchangeNSEFutures, resolved[43210])
	_, ok := resolved[99999999]
	require.False(t, ok, "unknown token must stay unresolved")

	hits, err := testStore.Instruments.SearchLike(ctx, "NIFTY26SEP%", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, int32(43210), hits[0].Token)
	require.NotNil(t, hits[0].Strike)
	require.InDelta(t, 26000.0, *hits[0].Strike, 0.001)

	record, err := testStore.Instruments.FindByPair(ctx, schema.Pair{Exchange: schema.ExchangeNSEEquity, Token: 26000})
	require.NoError(t, err)
	require.Equal(t, "NIFTY", record.Symbol)

	// A later sync that no longer carries the option marks it stale.
	_, err = testStore.Instruments.UpsertBatch(ctx, records[:1])
	require.NoError(t, err)
	stale, err := testStore.Instruments.DeactivateStale(ctx, schema.ExchangeNSEFutures, syncStart.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, stale)

	// Retired rows keep resolving inside the 24h grace window so inflight
	// subscriptions survive an instrument master refresh.
	resolved, err = testStore.Instruments.ResolveLive(ctx, []int32{43210})
	require.NoError(t, err)
	require.Equal(t, schema.ExchangeNSEFutures, resolved[43210])
}

func TestSessionActivation(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()
	provider := "itest-" + uuid.NewString()

	first := &schema.UpstreamSession{
		Provider:    provider,
		AccessToken: "token-one",
		IssuedAt:    time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(8 * time.Hour),
	}
	require.NoError(t, testStore.Sessions.Activate(ctx, first))

	second := &schema.UpstreamSession{
		Provider:    provider,
		AccessToken: "token-two",
		IssuedAt:    time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(8 * time.Hour),
	}
	require.NoError(t, testStore.Sessions.Activate(ctx, second))

	active, err := testStore.Sessions.Active(ctx, provider)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, "token-two", active.AccessToken, "activation must supersede the previous session")

	require.NoError(t, testStore.Sessions.Deactivate(ctx, provider))
	active, err = testStore.Sessions.Active(ctx, provider)
	require.NoError(t, err)
	require.Nil(t, active)
}

func TestAuditAppendBatch(t *testing.T) {
	requireDatabase(t)
	ctx := context.Background()

	batch := []schema.OriginAudit{
		{Timestamp: time.Now().UTC(), TenantID: "tenant-a", IP: "10.0.0.1",
			Event: schema.AuditHTTP, Status: 200, DurationMS: 12,
			Meta: map[string]string{"route": "/api/stock/quotes"}},
		{Timestamp: time.Now().UTC(), TenantID: "tenant-a", IP: "10.0.0.1",
			Event: schema.AuditWSConnect, Status: 101, DurationMS: 3},
	}
	require.NoError(t, testStore.Audit.AppendBatch(ctx, batch))
	require.NoError(t, testStore.Audit.AppendBatch(ctx, nil), "empty batch is a no-op")
}
