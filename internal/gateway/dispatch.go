package gateway

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/observability"
)

// Client → server events.
const (
	eventSubscribe         = "subscribe"
	eventUnsubscribe       = "unsubscribe"
	eventSetMode           = "set_mode"
	eventListSubscriptions = "list_subscriptions"
	eventUnsubscribeAll    = "unsubscribe_all"
	eventPing              = "ping"
	eventStatus            = "status"
	eventWhoami            = "whoami"
	eventGetQuote          = "get_quote"
	eventGetHistorical     = "get_historical_data"
)

// Server → client events.
const (
	eventConnected        = "connected"
	eventWelcome          = "welcome"
	eventSubscribeAck     = "subscription_confirmed"
	eventUnsubscribeAck   = "unsubscription_confirmed"
	eventModeSet          = "mode_set"
	eventSubscriptions    = "subscriptions"
	eventUnsubscribedAll  = "unsubscribed_all"
	eventPong             = "pong"
	eventMarketData       = "market_data"
	eventQuoteData        = "quote_data"
	eventHistoricalData   = "historical_data"
	eventError            = "error"
	eventStreamStatus     = "stream_status"
)

// deprecatedAliases maps legacy event names onto their replacements. Accepted
// for wire compatibility, logged at WARN.
var deprecatedAliases = map[string]string{
	"subscribe_instruments":   eventSubscribe,
	"unsubscribe_instruments": eventUnsubscribe,
}

// rateLimitedEvents charge the per-second policy budget before dispatch.
var rateLimitedEvents = map[string]bool{
	eventSubscribe:   true,
	eventUnsubscribe: true,
	eventSetMode:     true,
}

type handlerFunc func(ctx context.Context, s *Session, data json.RawMessage)

func (g *Gateway) buildHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		eventSubscribe:         g.handleSubscribe,
		eventUnsubscribe:       g.handleUnsubscribe,
		eventSetMode:           g.handleSetMode,
		eventListSubscriptions: g.handleListSubscriptions,
		eventUnsubscribeAll:    g.handleUnsubscribeAll,
		eventPing:              g.handlePing,
		eventStatus:            g.handleStatus,
		eventWhoami:            g.handleWhoami,
		eventGetQuote:          g.handleGetQuote,
		eventGetHistorical:     g.handleGetHistorical,
	}
}

// dispatch routes one inbound client event through the shared handler table.
// Both transports call it with their decoded (event, data).
func (g *Gateway) dispatch(ctx context.Context, s *Session, event string, data json.RawMessage) {
	if canonical, ok := deprecatedAliases[event]; ok {
		observability.Log().Warn("deprecated event alias",
			observability.F("event", event),
			observability.F("use", canonical),
			observability.F("session", s.ID))
		event = canonical
	}
	g.metrics.WSEventsTotal.WithLabelValues(keyLabel(s.key), event).Inc()

	handler, ok := g.handlers[event]
	if !ok {
		g.sendError(s, errs.CodeUnknownEvent, "unknown event "+event, map[string]any{"event": event})
		return
	}
	if rateLimitedEvents[event] {
		limit := g.policy.EventLimit(s.key, event)
		if err := g.policy.ChargeWSEvent(s.key.Key, event, limit); err != nil {
			g.sendErr(s, err)
			return
		}
	}
	handler(ctx, s, data)
}

// errorBody is the wire form of an error event.
type errorBody struct {
	Code    errs.Code      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"-"`
}

// MarshalJSON flattens details into the error object, matching the
// {code, message, [extra fields]} contract.
func (b errorBody) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 2+len(b.Details))
	out["code"] = b.Code
	out["message"] = b.Message
	for k, v := range b.Details {
		if k == "code" || k == "message" {
			continue
		}
		out[k] = v
	}
	return json.Marshal(out)
}

func (g *Gateway) sendError(s *Session, code errs.Code, message string, details map[string]any) {
	_ = s.Emit(eventError, errorBody{Code: code, Message: message, Details: details})
}

// sendErr renders a structured error from any layer as an error event.
func (g *Gateway) sendErr(s *Session, err error) {
	if e, ok := errs.As(err); ok {
		g.sendError(s, e.Code, e.Message, e.Details)
		return
	}
	g.sendError(s, errs.CodeInternal, "internal error", nil)
}
