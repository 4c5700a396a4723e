// Package gateway fans normalized ticks out to client websocket sessions and
// serves the shared event contract over two transports: an engine.io style
// framed endpoint and a raw one-JSON-object-per-frame endpoint.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/audit"
	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/adapters/vortex"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
	"github.com/vayulabs/vayu-gateway/internal/metrics"
	"github.com/vayulabs/vayu-gateway/internal/observability"
	"github.com/vayulabs/vayu-gateway/internal/policy"
)

// Resolver maps bare tokens onto exchanges. Unresolved tokens are absent from
// the result, never defaulted.
type Resolver interface {
	ResolveExchange(ctx context.Context, tokens []int32) (map[int32]schema.Exchange, error)
}

// Subscriptions is the refcounting multiplexer surface the gateway applies
// client intents to.
type Subscriptions interface {
	Subscribe(sessionID string, pairs []schema.Pair, mode schema.Mode)
	Unsubscribe(sessionID string, pairs []schema.Pair)
	SetMode(sessionID string, pairs []schema.Pair, mode schema.Mode)
	Release(sessionID string)
}

// Quoter serves coalesced snapshot reads.
type Quoter interface {
	Get(ctx context.Context, pairs []schema.Pair, mode schema.Mode) (map[string]*schema.Tick, error)
}

// Upstream is the driver surface the gateway consumes.
type Upstream interface {
	Streaming() bool
	Status() schema.StreamStatus
	Ticks() <-chan *schema.Tick
	Historical(ctx context.Context, pair schema.Pair, resolution string, from, to time.Time) ([]vortex.Candle, error)
}

// Config carries the gateway's tunables.
type Config struct {
	ProtocolVersion  string
	Provider         string
	Instance         string
	WriteBufferLimit int64
	SessionSendDepth int
}

// Deps wires the gateway's collaborators.
type Deps struct {
	Policy        *policy.Engine
	Resolver      Resolver
	Subscriptions Subscriptions
	Quotes        Quoter
	Upstream      Upstream
	KV            kv.Store
	Audit         *audit.Writer
	Metrics       *metrics.Set
}

// Gateway owns the session table, the room table and the tick dispatcher.
type Gateway struct {
	cfg      Config
	policy   *policy.Engine
	resolver Resolver
	subs     Subscriptions
	quotes   Quoter
	upstream Upstream
	kv       kv.Store
	audit    *audit.Writer
	metrics  *metrics.Set
	rooms    *Rooms

	handlers map[string]handlerFunc

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New builds the gateway. Metrics must be non-nil; audit may be nil.
func New(cfg Config, deps Deps) *Gateway {
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()
	}
	if cfg.SessionSendDepth <= 0 {
		cfg.SessionSendDepth = 1024
	}
	g := &Gateway{
		cfg:      cfg,
		policy:   deps.Policy,
		resolver: deps.Resolver,
		subs:     deps.Subscriptions,
		quotes:   deps.Quotes,
		upstream: deps.Upstream,
		kv:       deps.KV,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		rooms:    NewRooms(deps.KV, cfg.Instance, cfg.WriteBufferLimit),
	}
	g.handlers = g.buildHandlers()
	return g
}

// Rooms exposes the room table for stats readers.
func (g *Gateway) Rooms() *Rooms { return g.rooms }

// SessionCount reports live sessions on this instance.
func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Run drives the tick dispatcher and the stream status relay until the
// context ends. The dispatcher is the single consumer of the upstream tick
// channel and never blocks on client I/O.
func (g *Gateway) Run(ctx context.Context) {
	var cancelStatus func()
	if g.kv != nil {
		cancelStatus = g.kv.Subscribe(kv.ChannelStreamStatus, g.relayStreamStatus)
	}
	defer func() {
		if cancelStatus != nil {
			cancelStatus()
		}
	}()

	ticks := g.upstream.Ticks()
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			g.fanOut(tick)
		}
	}
}

// marketData is the per-tick broadcast payload.
type marketData struct {
	InstrumentToken int32        `json:"instrumentToken"`
	Data            *schema.Tick `json:"data"`
	Timestamp       time.Time    `json:"timestamp"`
}

func (g *Gateway) fanOut(tick *schema.Tick) {
	start := time.Now()
	payload := marketData{
		InstrumentToken: tick.Token,
		Data:            tick,
		Timestamp:       tick.ServerTS,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		observability.Log().Warn("tick marshal failed",
			observability.F("token", tick.Token),
			observability.F("error", err.Error()))
		return
	}
	raw, rawErr := encodeRawEvent(eventMarketData, json.RawMessage(body))
	framed, framedErr := encodeFramedEvent(eventMarketData, json.RawMessage(body))
	if rawErr != nil || framedErr != nil {
		return
	}
	g.metrics.TicksParsedTotal.Inc()
	g.rooms.Broadcast(tick.Token, eventMarketData, body, raw, framed)
	g.metrics.TickFanoutLatency.Observe(time.Since(start).Seconds())
}

// relayStreamStatus forwards stream:status broadcasts to every session, with
// tick drop semantics so a stuck client cannot block the relay.
func (g *Gateway) relayStreamStatus(payload string) {
	var status schema.StreamStatus
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		observability.Log().Warn("stream status decode failed",
			observability.F("error", err.Error()))
		return
	}
	raw, rawErr := encodeRawEvent(eventStreamStatus, status)
	framed, framedErr := encodeFramedEvent(eventStreamStatus, status)
	if rawErr != nil || framedErr != nil {
		return
	}
	now := time.Now()
	g.mu.RLock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.RUnlock()
	for _, s := range sessions {
		frame := raw
		if s.framed {
			frame = framed
		}
		s.EnqueueTick(frame, g.cfg.WriteBufferLimit, now)
	}
}

// handshakeError categorizes a rejected handshake for close codes and audit.
type handshakeError struct {
	code    errs.Code
	message string
}

func (e *handshakeError) Error() string { return string(e.code) + ": " + e.message }

// authenticate runs the handshake contract: extract key, validate, abuse
// check, connection tracking. On success the caller owns one tracked
// connection slot for the returned key.
func (g *Gateway) authenticate(ctx context.Context, r *http.Request) (*schema.APIKey, *handshakeError) {
	keyString := r.URL.Query().Get("api_key")
	if keyString == "" {
		keyString = r.Header.Get("x-api-key")
	}
	key, err := g.policy.Validate(ctx, strings.TrimSpace(keyString))
	if err != nil {
		if e, ok := errs.As(err); ok {
			return nil, &handshakeError{code: e.Code, message: e.Message}
		}
		return nil, &handshakeError{code: errs.CodeInvalidAPIKey, message: "validation failed"}
	}
	if abuse := g.policy.AbuseStatus(key.Key); abuse.Blocked {
		return nil, &handshakeError{code: errs.CodeKeyBlockedForAbuse, message: "api key blocked"}
	}
	if err := g.policy.TrackConnect(key); err != nil {
		if e, ok := errs.As(err); ok {
			return nil, &handshakeError{code: e.Code, message: e.Message}
		}
		return nil, &handshakeError{code: errs.CodeLimitExceeded, message: "connection limit reached"}
	}
	return key, nil
}

// register inserts the session and emits the connect-side bookkeeping.
func (g *Gateway) register(s *Session, r *http.Request) {
	s.RemoteIP = clientIP(r)
	s.UserAgent = r.UserAgent()
	s.Origin = r.Header.Get("Origin")

	g.mu.Lock()
	if g.sessions == nil {
		g.sessions = make(map[string]*Session)
	}
	g.sessions[s.ID] = s
	g.mu.Unlock()

	g.metrics.WSConnectionsByAPIKey.WithLabelValues(keyLabel(s.key)).Inc()
	g.recordAudit(schema.OriginAudit{
		APIKeyID:  s.key.ID,
		TenantID:  s.key.TenantID,
		IP:        s.RemoteIP,
		UserAgent: s.UserAgent,
		Origin:    s.Origin,
		Event:     schema.AuditWSConnect,
		Status:    http.StatusSwitchingProtocols,
		Meta:      map[string]string{"transport": s.Transport, "session": s.ID},
	})
	observability.Log().Info("client connected",
		observability.F("session", s.ID),
		observability.F("transport", s.Transport),
		observability.F("tenant", s.key.TenantID))
}

// unregister tears down everything the session contributed: refcounts, rooms,
// connection counters, metrics, audit. Idempotent.
func (g *Gateway) unregister(s *Session) {
	g.mu.Lock()
	_, present := g.sessions[s.ID]
	delete(g.sessions, s.ID)
	g.mu.Unlock()
	if !present {
		return
	}

	g.subs.Release(s.ID)
	g.rooms.LeaveAll(s)
	g.policy.UntrackConnect(s.key)
	g.metrics.WSConnectionsByAPIKey.WithLabelValues(keyLabel(s.key)).Dec()
	g.recordAudit(schema.OriginAudit{
		APIKeyID:   s.key.ID,
		TenantID:   s.key.TenantID,
		IP:         s.RemoteIP,
		UserAgent:  s.UserAgent,
		Origin:     s.Origin,
		Event:      schema.AuditWSDisconnect,
		DurationMS: time.Since(s.CreatedAt).Milliseconds(),
		Meta:       map[string]string{"transport": s.Transport, "session": s.ID, "drops": strconv.FormatInt(s.Drops(), 10)},
	})
	observability.Log().Info("client disconnected",
		observability.F("session", s.ID),
		observability.F("drops", s.Drops()))
}

func (g *Gateway) recordAudit(record schema.OriginAudit) {
	if g.audit != nil {
		g.audit.Record(record)
	}
}

// rejectHandshake audits and closes an accepted socket that failed the
// handshake contract, after telling the client why.
func (g *Gateway) rejectHandshake(ctx context.Context, conn *websocket.Conn, r *http.Request, transport string, hsErr *handshakeError, encode encoderFunc) {
	payload, err := encode(eventError, errorBody{Code: hsErr.code, Message: hsErr.message})
	if err == nil {
		writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
	}
	_ = conn.Close(websocket.StatusPolicyViolation, string(hsErr.code))
	g.recordAudit(schema.OriginAudit{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Origin:    r.Header.Get("Origin"),
		Event:     schema.AuditWSConnect,
		Status:    http.StatusForbidden,
		Meta:      map[string]string{"transport": transport, "reason": string(hsErr.code)},
	})
	observability.Log().Info("handshake rejected",
		observability.F("transport", transport),
		observability.F("code", string(hsErr.code)))
}

// welcomeBody is the framed transport onboarding payload.
type welcomeBody struct {
	ProtocolVersion string            `json:"protocol_version"`
	Provider        string            `json:"provider"`
	Exchanges       []schema.Exchange `json:"exchanges"`
	Limits          map[string]int    `json:"limits"`
	Instructions    string            `json:"instructions"`
}

func (g *Gateway) welcome(key *schema.APIKey) welcomeBody {
	return welcomeBody{
		ProtocolVersion: g.cfg.ProtocolVersion,
		Provider:        g.cfg.Provider,
		Exchanges:       key.Exchanges,
		Limits:          g.eventLimits(key),
		Instructions:    "subscribe with {instruments: [token | \"EXCHANGE-TOKEN\"], mode: ltp|ohlcv|full}",
	}
}

func (g *Gateway) eventLimits(key *schema.APIKey) map[string]int {
	return map[string]int{
		"subscribe_rps":    g.policy.EventLimit(key, eventSubscribe),
		"unsubscribe_rps":  g.policy.EventLimit(key, eventUnsubscribe),
		"set_mode_rps":     g.policy.EventLimit(key, eventSetMode),
		"http_per_minute":  key.RateLimitPerMinute,
		"connection_limit": key.ConnectionLimit,
	}
}

// connectedBody confirms the handshake on both transports.
type connectedBody struct {
	ClientID string    `json:"clientId"`
	TS       time.Time `json:"ts"`
}

func keyLabel(key *schema.APIKey) string {
	return strconv.FormatInt(key.ID, 10)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx > 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx > 0 {
		return host[:idx]
	}
	return host
}
