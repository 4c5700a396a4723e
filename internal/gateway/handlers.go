package gateway

import (
	"context"
	"sort"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/adapters/vortex"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
)

// subscribeRequest is the shared input shape for subscribe, unsubscribe,
// set_mode and get_quote. Instruments mix bare tokens and "EXCHANGE-TOKEN"
// strings.
type subscribeRequest struct {
	Instruments []json.RawMessage `json:"instruments"`
	Mode        string            `json:"mode,omitempty"`
}

// parsedInstruments separates the request into explicit pairs, bare tokens
// and entries that fit neither shape.
type parsedInstruments struct {
	pairs   []schema.Pair
	tokens  []int32
	invalid []string
}

func parseInstruments(items []json.RawMessage) parsedInstruments {
	var out parsedInstruments
	for _, item := range items {
		var token int64
		if err := json.Unmarshal(item, &token); err == nil {
			if token > 0 && token <= int64(^uint32(0)>>1) {
				out.tokens = append(out.tokens, int32(token))
			} else {
				out.invalid = append(out.invalid, string(item))
			}
			continue
		}
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			if pair, err := schema.ParsePair(text); err == nil {
				out.pairs = append(out.pairs, pair)
			} else {
				out.invalid = append(out.invalid, text)
			}
			continue
		}
		out.invalid = append(out.invalid, string(item))
	}
	return out
}

// queueStats reports the session's outbound queue health inside acks.
type queueStats struct {
	Depth       int   `json:"depth"`
	Capacity    int   `json:"capacity"`
	QueuedBytes int64 `json:"queued_bytes"`
	Dropped     int64 `json:"dropped"`
}

func (g *Gateway) queueStats(s *Session) queueStats {
	return queueStats{
		Depth:       len(s.out),
		Capacity:    cap(s.out),
		QueuedBytes: s.QueuedBytes(),
		Dropped:     s.Drops(),
	}
}

// subscribeAck is the subscription_confirmed payload.
type subscribeAck struct {
	Requested  int                        `json:"requested"`
	Included   []int32                    `json:"included"`
	Unresolved []int32                    `json:"unresolved"`
	Forbidden  []int32                    `json:"forbidden"`
	Pairs      []string                   `json:"pairs"`
	Mode       schema.Mode                `json:"mode"`
	Limits     map[string]int             `json:"limits"`
	Snapshot   map[string]json.RawMessage `json:"snapshot"`
	Queues     queueStats                 `json:"queues"`
	Timestamp  time.Time                  `json:"timestamp"`
}

func (g *Gateway) handleSubscribe(ctx context.Context, s *Session, data json.RawMessage) {
	var req subscribeRequest
	if err := json.Unmarshal(data, &req); err != nil || len(req.Instruments) == 0 {
		g.sendError(s, errs.CodeInvalidPayload, "instruments must be a non-empty array", nil)
		return
	}
	mode := schema.ModeLTP
	if req.Mode != "" {
		parsed, ok := schema.ParseMode(req.Mode)
		if !ok {
			g.sendError(s, errs.CodeInvalidMode, "mode must be ltp, ohlcv or full",
				map[string]any{"mode": req.Mode})
			return
		}
		mode = parsed
	}
	if !g.upstream.Streaming() {
		g.sendError(s, errs.CodeStreamInactive, "streaming is not active", nil)
		return
	}

	parsed := parseInstruments(req.Instruments)
	if len(parsed.invalid) > 0 {
		g.sendError(s, errs.CodeInvalidPayload, "unparseable instrument entries",
			map[string]any{"invalid": parsed.invalid})
		return
	}

	resolved := map[int32]schema.Exchange{}
	if len(parsed.tokens) > 0 {
		var err error
		resolved, err = g.resolver.ResolveExchange(ctx, parsed.tokens)
		if err != nil {
			g.sendError(s, errs.CodeSubscribeFailed, "instrument resolution failed", nil)
			return
		}
	}

	var (
		candidates []schema.Pair
		unresolved []int32
	)
	candidates = append(candidates, parsed.pairs...)
	for _, token := range parsed.tokens {
		exchange, ok := resolved[token]
		if !ok {
			unresolved = append(unresolved, token)
			continue
		}
		candidates = append(candidates, schema.Pair{Exchange: exchange, Token: token})
	}

	var included []schema.Pair
	var forbidden []schema.Pair
	for _, pair := range candidates {
		if s.key.Entitled(pair.Exchange) {
			included = append(included, pair)
		} else {
			forbidden = append(forbidden, pair)
		}
	}

	if len(included) > 0 {
		g.subs.Subscribe(s.ID, included, mode)
		s.trackSubscribe(included, mode)
		for _, pair := range included {
			g.rooms.Join(pair.Token, s)
		}
	}

	for _, token := range unresolved {
		g.sendError(s, errs.CodeExchangeUnresolved, "token could not be resolved to an exchange",
			map[string]any{"token": token})
	}
	for _, pair := range forbidden {
		g.sendError(s, errs.CodeForbiddenExchange, "api key is not entitled to this exchange",
			map[string]any{"token": pair.Token, "exchange": pair.Exchange})
	}

	ack := subscribeAck{
		Requested:  len(req.Instruments),
		Included:   tokensOf(included),
		Unresolved: sortedTokens(unresolved),
		Forbidden:  tokensOf(forbidden),
		Pairs:      keysOf(included),
		Mode:       mode,
		Limits:     g.eventLimits(s.key),
		Snapshot:   g.lastTicks(included),
		Queues:     g.queueStats(s),
		Timestamp:  time.Now().UTC(),
	}
	_ = s.Emit(eventSubscribeAck, ack)
}

// lastTicks reads best-effort lasttick snapshots from KV for the included
// tokens. Missing entries are simply absent.
func (g *Gateway) lastTicks(pairs []schema.Pair) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(pairs))
	if g.kv == nil {
		return out
	}
	for _, pair := range pairs {
		if cached, ok := g.kv.Get(kv.KeyLastTick(pair.Token)); ok && cached != "" {
			out[strconv.FormatInt(int64(pair.Token), 10)] = json.RawMessage(cached)
		}
	}
	return out
}

// unsubscribeAck is the unsubscription_confirmed payload.
type unsubscribeAck struct {
	Requested int        `json:"requested"`
	Removed   []int32    `json:"removed"`
	Pairs     []string   `json:"pairs"`
	Queues    queueStats `json:"queues"`
	Timestamp time.Time  `json:"timestamp"`
}

func (g *Gateway) handleUnsubscribe(_ context.Context, s *Session, data json.RawMessage) {
	var req subscribeRequest
	if err := json.Unmarshal(data, &req); err != nil || len(req.Instruments) == 0 {
		g.sendError(s, errs.CodeInvalidPayload, "instruments must be a non-empty array", nil)
		return
	}
	parsed := parseInstruments(req.Instruments)
	if len(parsed.invalid) > 0 {
		g.sendError(s, errs.CodeInvalidPayload, "unparseable instrument entries",
			map[string]any{"invalid": parsed.invalid})
		return
	}

	// Bare tokens match against the session's own holdings; no registry
	// round trip is needed to stop something this session started.
	targets := append([]schema.Pair{}, parsed.pairs...)
	held := s.subscriptions()
	for _, token := range parsed.tokens {
		for pair := range held {
			if pair.Token == token {
				targets = append(targets, pair)
			}
		}
	}

	removed := s.trackUnsubscribe(targets)
	if len(removed) > 0 {
		g.subs.Unsubscribe(s.ID, removed)
		for _, pair := range removed {
			if !s.holdsToken(pair.Token) {
				g.rooms.Leave(pair.Token, s)
			}
		}
	}
	_ = s.Emit(eventUnsubscribeAck, unsubscribeAck{
		Requested: len(req.Instruments),
		Removed:   tokensOf(removed),
		Pairs:     keysOf(removed),
		Queues:    g.queueStats(s),
		Timestamp: time.Now().UTC(),
	})
}

// modeSetAck is the mode_set payload.
type modeSetAck struct {
	Updated       []int32     `json:"updated"`
	NotSubscribed []int32     `json:"not_subscribed"`
	Mode          schema.Mode `json:"mode"`
	Timestamp     time.Time   `json:"timestamp"`
}

func (g *Gateway) handleSetMode(_ context.Context, s *Session, data json.RawMessage) {
	var req subscribeRequest
	if err := json.Unmarshal(data, &req); err != nil || len(req.Instruments) == 0 {
		g.sendError(s, errs.CodeInvalidPayload, "instruments must be a non-empty array", nil)
		return
	}
	mode, ok := schema.ParseMode(req.Mode)
	if !ok {
		g.sendError(s, errs.CodeInvalidMode, "mode must be ltp, ohlcv or full",
			map[string]any{"mode": req.Mode})
		return
	}
	parsed := parseInstruments(req.Instruments)
	if len(parsed.invalid) > 0 {
		g.sendError(s, errs.CodeInvalidPayload, "unparseable instrument entries",
			map[string]any{"invalid": parsed.invalid})
		return
	}

	targets := append([]schema.Pair{}, parsed.pairs...)
	held := s.subscriptions()
	notSubscribedTokens := make([]int32, 0)
	for _, token := range parsed.tokens {
		found := false
		for pair := range held {
			if pair.Token == token {
				targets = append(targets, pair)
				found = true
			}
		}
		if !found {
			notSubscribedTokens = append(notSubscribedTokens, token)
		}
	}

	updated, notSubscribed := s.trackSetMode(targets, mode)
	if len(updated) > 0 {
		g.subs.SetMode(s.ID, updated, mode)
	}
	_ = s.Emit(eventModeSet, modeSetAck{
		Updated:       tokensOf(updated),
		NotSubscribed: sortedTokens(append(notSubscribedTokens, tokensOf(notSubscribed)...)),
		Mode:          mode,
		Timestamp:     time.Now().UTC(),
	})
}

// subscriptionList is the subscriptions payload.
type subscriptionList struct {
	Count       int                    `json:"count"`
	Pairs       []string               `json:"pairs"`
	ModeByToken map[string]schema.Mode `json:"mode_by_token"`
	Timestamp   time.Time              `json:"timestamp"`
}

func (g *Gateway) handleListSubscriptions(_ context.Context, s *Session, _ json.RawMessage) {
	held := s.subscriptions()
	list := subscriptionList{
		Count:       len(held),
		Pairs:       make([]string, 0, len(held)),
		ModeByToken: make(map[string]schema.Mode, len(held)),
		Timestamp:   time.Now().UTC(),
	}
	for pair, mode := range held {
		list.Pairs = append(list.Pairs, pair.Key())
		list.ModeByToken[strconv.FormatInt(int64(pair.Token), 10)] = mode
	}
	sort.Strings(list.Pairs)
	_ = s.Emit(eventSubscriptions, list)
}

func (g *Gateway) handleUnsubscribeAll(_ context.Context, s *Session, _ json.RawMessage) {
	pairs := s.clearSubscriptions()
	if len(pairs) > 0 {
		g.subs.Unsubscribe(s.ID, pairs)
		for _, pair := range pairs {
			g.rooms.Leave(pair.Token, s)
		}
	}
	_ = s.Emit(eventUnsubscribedAll, map[string]any{
		"removed":   len(pairs),
		"timestamp": time.Now().UTC(),
	})
}

func (g *Gateway) handlePing(_ context.Context, s *Session, _ json.RawMessage) {
	_ = s.Emit(eventPong, map[string]any{"ts": time.Now().UTC()})
}

func (g *Gateway) handleStatus(_ context.Context, s *Session, _ json.RawMessage) {
	status := g.upstream.Status()
	status.Instance = g.cfg.Instance
	_ = s.Emit(eventStatus, status)
}

// whoamiBody is the whoami payload.
type whoamiBody struct {
	APIKeyID    int64             `json:"api_key_id"`
	TenantID    string            `json:"tenant_id"`
	Exchanges   []schema.Exchange `json:"exchanges"`
	Limits      map[string]int    `json:"limits"`
	Connections int               `json:"connections"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (g *Gateway) handleWhoami(_ context.Context, s *Session, _ json.RawMessage) {
	_ = s.Emit(eventWhoami, whoamiBody{
		APIKeyID:    s.key.ID,
		TenantID:    s.key.TenantID,
		Exchanges:   s.key.Exchanges,
		Limits:      g.eventLimits(s.key),
		Connections: g.policy.Connections(s.key),
		CreatedAt:   s.key.CreatedAt,
	})
}

// quoteData is the quote_data payload.
type quoteData struct {
	Mode       schema.Mode             `json:"mode"`
	Ticks      map[string]*schema.Tick `json:"ticks"`
	Unresolved []int32                 `json:"unresolved,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
}

func (g *Gateway) handleGetQuote(ctx context.Context, s *Session, data json.RawMessage) {
	var req subscribeRequest
	if err := json.Unmarshal(data, &req); err != nil || len(req.Instruments) == 0 {
		g.sendError(s, errs.CodeInvalidPayload, "instruments must be a non-empty array", nil)
		return
	}
	mode := schema.ModeFull
	if req.Mode != "" {
		parsed, ok := schema.ParseMode(req.Mode)
		if !ok {
			g.sendError(s, errs.CodeInvalidMode, "mode must be ltp, ohlcv or full",
				map[string]any{"mode": req.Mode})
			return
		}
		mode = parsed
	}
	parsed := parseInstruments(req.Instruments)
	if len(parsed.invalid) > 0 {
		g.sendError(s, errs.CodeInvalidPayload, "unparseable instrument entries",
			map[string]any{"invalid": parsed.invalid})
		return
	}

	pairs := append([]schema.Pair{}, parsed.pairs...)
	var unresolved []int32
	if len(parsed.tokens) > 0 {
		resolved, err := g.resolver.ResolveExchange(ctx, parsed.tokens)
		if err != nil {
			g.sendError(s, errs.CodeQuoteFailed, "instrument resolution failed", nil)
			return
		}
		for _, token := range parsed.tokens {
			if exchange, ok := resolved[token]; ok {
				pairs = append(pairs, schema.Pair{Exchange: exchange, Token: token})
			} else {
				unresolved = append(unresolved, token)
			}
		}
	}

	ticks, err := g.quotes.Get(ctx, pairs, mode)
	if err != nil && len(ticks) == 0 {
		g.sendError(s, errs.CodeQuoteFailed, "quote fetch failed", nil)
		return
	}
	_ = s.Emit(eventQuoteData, quoteData{
		Mode:       mode,
		Ticks:      ticks,
		Unresolved: sortedTokens(unresolved),
		Timestamp:  time.Now().UTC(),
	})
}

// historicalRequest identifies one instrument and candle range.
type historicalRequest struct {
	Token      int32  `json:"token,omitempty"`
	Pair       string `json:"pair,omitempty"`
	Resolution string `json:"resolution"`
	From       int64  `json:"from"`
	To         int64  `json:"to"`
}

// historicalData is the historical_data payload.
type historicalData struct {
	Pair       string          `json:"pair"`
	Resolution string          `json:"resolution"`
	Candles    []vortex.Candle `json:"candles"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (g *Gateway) handleGetHistorical(ctx context.Context, s *Session, data json.RawMessage) {
	var req historicalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(s, errs.CodeInvalidPayload, "malformed historical request", nil)
		return
	}
	if req.Resolution == "" || req.From <= 0 || req.To <= 0 || req.To < req.From {
		g.sendError(s, errs.CodeInvalidPayload, "resolution, from and to are required",
			map[string]any{"from": req.From, "to": req.To})
		return
	}

	var pair schema.Pair
	switch {
	case req.Pair != "":
		parsed, err := schema.ParsePair(req.Pair)
		if err != nil {
			g.sendError(s, errs.CodeInvalidPayload, err.Error(), nil)
			return
		}
		pair = parsed
	case req.Token > 0:
		resolved, err := g.resolver.ResolveExchange(ctx, []int32{req.Token})
		if err != nil {
			g.sendError(s, errs.CodeHistoricalFailed, "instrument resolution failed", nil)
			return
		}
		exchange, ok := resolved[req.Token]
		if !ok {
			g.sendError(s, errs.CodeExchangeUnresolved, "token could not be resolved to an exchange",
				map[string]any{"token": req.Token})
			return
		}
		pair = schema.Pair{Exchange: exchange, Token: req.Token}
	default:
		g.sendError(s, errs.CodeInvalidPayload, "token or pair is required", nil)
		return
	}

	if !s.key.Entitled(pair.Exchange) {
		g.sendError(s, errs.CodeForbiddenExchange, "api key is not entitled to this exchange",
			map[string]any{"token": pair.Token, "exchange": pair.Exchange})
		return
	}

	candles, err := g.upstream.Historical(ctx, pair, req.Resolution,
		time.Unix(req.From, 0).UTC(), time.Unix(req.To, 0).UTC())
	if err != nil {
		g.sendError(s, errs.CodeHistoricalFailed, "historical fetch failed", nil)
		return
	}
	_ = s.Emit(eventHistoricalData, historicalData{
		Pair:       pair.Key(),
		Resolution: req.Resolution,
		Candles:    candles,
		Timestamp:  time.Now().UTC(),
	})
}

func tokensOf(pairs []schema.Pair) []int32 {
	out := make([]int32, 0, len(pairs))
	for _, pair := range pairs {
		out = append(out, pair.Token)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func keysOf(pairs []schema.Pair) []string {
	out := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		out = append(out, pair.Key())
	}
	sort.Strings(out)
	return out
}

func sortedTokens(tokens []int32) []int32 {
	if tokens == nil {
		return []int32{}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}
