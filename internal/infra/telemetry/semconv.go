package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for gateway-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrProvider identifies the upstream broker driver (vortex, kite).
	AttrProvider = attribute.Key("provider")
	// AttrExchange labels signals with the market segment (NSE_EQ, MCX_FO, ...).
	AttrExchange = attribute.Key("exchange")
	// AttrMode records the subscription depth (ltp, ohlcv, full).
	AttrMode = attribute.Key("mode")
	// AttrTransport distinguishes the framed and raw client transports.
	AttrTransport = attribute.Key("transport")
	// AttrEventName labels client websocket events (subscribe, set_mode, ...).
	AttrEventName = attribute.Key("event.name")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrErrorCode categorizes failures by the stable protocol code.
	AttrErrorCode = attribute.Key("error.code")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod).
	AttrEnvironment = attribute.Key("environment")
	// AttrConnectionState labels upstream connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
)

// ConnectionAttributes returns attributes for upstream connection state metrics.
func ConnectionAttributes(environment, provider, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrConnectionState.String(state),
	}
}

// EventAttributes returns common attributes for client event metrics.
func EventAttributes(environment, transport, event string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTransport.String(transport),
		AttrEventName.String(event),
	}
}
