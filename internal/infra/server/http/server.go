// Package httpserver exposes the REST surface: health, admin control plane,
// OAuth, snapshot queries and instrument metadata. Both websocket transports
// mount on the same listener.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/vayulabs/vayu-gateway/internal/audit"
	"github.com/vayulabs/vayu-gateway/internal/cluster"
	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/adapters/vortex"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
	"github.com/vayulabs/vayu-gateway/internal/metrics"
	"github.com/vayulabs/vayu-gateway/internal/policy"
	"github.com/vayulabs/vayu-gateway/internal/registry"
)

const maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

type handlerFunc func(http.ResponseWriter, *http.Request)

// Keys is the API-key persistence surface the admin plane mutates.
type Keys interface {
	Create(ctx context.Context, key *schema.APIKey) error
	List(ctx context.Context) ([]schema.APIKey, error)
	Deactivate(ctx context.Context, keyString string) error
}

// Instruments is the registry surface behind the stock endpoints.
type Instruments interface {
	List(ctx context.Context, exchange schema.Exchange, instrumentType schema.InstrumentType, limit, offset int) ([]schema.InstrumentRecord, error)
	Search(ctx context.Context, query string, filters registry.SearchFilters) ([]schema.InstrumentRecord, bool, error)
	ResolveExchange(ctx context.Context, tokens []int32) (map[int32]schema.Exchange, error)
	Sync(ctx context.Context, exchange schema.Exchange, sourceURL string) (string, error)
	JobStatus(jobID string) map[string]string
}

// Upstream is the driver surface behind auth, streaming control and history.
type Upstream interface {
	LoginURL() (string, error)
	HandleCallback(ctx context.Context, authToken, state string) error
	StartStreaming(ctx context.Context) error
	StopStreaming()
	Streaming() bool
	Authenticated() bool
	Status() schema.StreamStatus
	Historical(ctx context.Context, pair schema.Pair, resolution string, from, to time.Time) ([]vortex.Candle, error)
}

// Quotes serves coalesced snapshot reads.
type Quotes interface {
	Get(ctx context.Context, pairs []schema.Pair, mode schema.Mode) (map[string]*schema.Tick, error)
}

// Cluster is the cross-instance coordination surface.
type Cluster interface {
	Gather(ctx context.Context) ([]cluster.InstanceStats, bool)
	PublishStatus(status schema.StreamStatus)
}

// Pinger reports relational store liveness for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sessions reports live client sessions for health and stats.
type Sessions interface {
	SessionCount() int
}

// Config carries the server's tunables.
type Config struct {
	AdminToken      string
	CORSOrigin      string
	Environment     string
	ProtocolVersion string
}

// Deps wires the REST surface's collaborators. FramedWS and RawWS are the
// gateway's transport handlers; nil handlers disable their routes. RunCtx
// bounds background work started from handlers, notably upstream streaming,
// which must outlive the request that starts it.
type Deps struct {
	Policy      *policy.Engine
	Keys        Keys
	Instruments Instruments
	Upstream    Upstream
	Quotes      Quotes
	Cluster     Cluster
	KV          kv.Store
	DB          Pinger
	Metrics     *metrics.Set
	Audit       *audit.Writer
	Sessions    Sessions
	FramedWS    http.Handler
	RawWS       http.Handler
	RunCtx      context.Context
}

type server struct {
	cfg  Config
	deps Deps
}

// runContext returns the process-scoped context for work that outlives a
// request.
func (s *server) runContext() context.Context {
	if s.deps.RunCtx != nil {
		return s.deps.RunCtx
	}
	return context.Background()
}

// NewHandler builds the complete HTTP routing table.
func NewHandler(cfg Config, deps Deps) http.Handler {
	s := &server{cfg: cfg, deps: deps}
	mux := http.NewServeMux()

	if deps.FramedWS != nil {
		mux.Handle("/market-data", deps.FramedWS)
		mux.Handle("/socket.io/", deps.FramedWS)
	}
	if deps.RawWS != nil {
		mux.Handle("/ws", deps.RawWS)
	}

	mux.Handle("/api/health", s.route("health", map[string]handlerFunc{
		http.MethodGet: s.getHealth,
	}))
	mux.Handle("/api/health/detailed", s.route("health_detailed", map[string]handlerFunc{
		http.MethodGet: s.getHealthDetailed,
	}))
	if deps.Metrics != nil {
		mux.Handle("/api/health/metrics", deps.Metrics.Handler())
	}

	mux.Handle("/api/admin/apikeys", s.route("admin_apikeys", map[string]handlerFunc{
		http.MethodGet:  s.admin(s.listAPIKeys),
		http.MethodPost: s.admin(s.createAPIKey),
	}))
	mux.Handle("/api/admin/apikeys/deactivate", s.route("admin_apikeys_deactivate", map[string]handlerFunc{
		http.MethodPost: s.admin(s.deactivateAPIKey),
	}))
	mux.Handle("/api/admin/provider/global", s.route("admin_provider_global", map[string]handlerFunc{
		http.MethodGet:  s.admin(s.getGlobalProvider),
		http.MethodPost: s.admin(s.setGlobalProvider),
	}))
	mux.Handle("/api/admin/provider/stream/start", s.route("admin_stream_start", map[string]handlerFunc{
		http.MethodPost: s.admin(s.startStreaming),
	}))
	mux.Handle("/api/admin/provider/stream/stop", s.route("admin_stream_stop", map[string]handlerFunc{
		http.MethodPost: s.admin(s.stopStreaming),
	}))
	mux.Handle("/api/admin/stream/status", s.route("admin_stream_status", map[string]handlerFunc{
		http.MethodGet: s.admin(s.streamStatus),
	}))
	mux.Handle("/api/admin/stats", s.route("admin_stats", map[string]handlerFunc{
		http.MethodGet: s.admin(s.getStats),
	}))

	mux.Handle("/api/auth/", s.route("auth", map[string]handlerFunc{
		http.MethodGet: s.handleAuth,
	}))

	mux.Handle("/api/stock/quotes", s.route("stock_quotes", map[string]handlerFunc{
		http.MethodPost: s.apiKeyed(s.quotesHandler(schema.ModeFull)),
	}))
	mux.Handle("/api/stock/ltp", s.route("stock_ltp", map[string]handlerFunc{
		http.MethodPost: s.apiKeyed(s.quotesHandler(schema.ModeLTP)),
	}))
	mux.Handle("/api/stock/ohlc", s.route("stock_ohlc", map[string]handlerFunc{
		http.MethodPost: s.apiKeyed(s.quotesHandler(schema.ModeOHLCV)),
	}))
	mux.Handle("/api/stock/historical/", s.route("stock_historical", map[string]handlerFunc{
		http.MethodGet: s.apiKeyed(s.getHistorical),
	}))
	mux.Handle("/api/stock/instruments", s.route("stock_instruments", map[string]handlerFunc{
		http.MethodGet: s.apiKeyed(s.listInstruments),
	}))
	mux.Handle("/api/stock/instruments/search", s.route("stock_instruments_search", map[string]handlerFunc{
		http.MethodGet: s.apiKeyed(s.searchInstruments),
	}))
	mux.Handle("/api/stock/instruments/sync", s.route("stock_instruments_sync", map[string]handlerFunc{
		http.MethodPost: s.admin(s.syncInstruments),
	}))
	mux.Handle("/api/stock/instruments/sync/", s.route("stock_instruments_sync_job", map[string]handlerFunc{
		http.MethodGet: s.admin(s.syncJobStatus),
	}))

	return s.withCORS(mux)
}

// route dispatches by method and instruments the request: latency histogram
// plus an async origin audit record.
func (s *server) route(name string, handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler, ok := handlers[r.Method]
		if !ok {
			methodNotAllowed(w, r, allowed...)
			return
		}
		s.instrumented(name, handler)(w, r)
	})
}

func (s *server) withCORS(handler http.Handler) http.Handler {
	origin := s.cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, x-api-key, x-admin-token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
