package gateway

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// The framed transport speaks the engine.io v4 packet grammar over a single
// websocket: one leading type digit, an optional socket.io sub-type, an
// optional namespace terminated by a comma, an optional ack id, then the JSON
// payload. Only the subset the gateway needs is implemented.
const (
	framedNamespace = "/market-data"

	engineOpen    = '0'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'

	socketConnect    = '0'
	socketDisconnect = '1'
	socketEvent      = '2'

	framedPingInterval = 25000
	framedPingTimeout  = 20000
	framedMaxPayload   = 1 << 20
)

// framedOpen is the engine.io handshake body.
type framedOpen struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

func encodeFramedOpen(sid string) ([]byte, error) {
	body, err := json.Marshal(framedOpen{
		SID:          sid,
		Upgrades:     []string{},
		PingInterval: framedPingInterval,
		PingTimeout:  framedPingTimeout,
		MaxPayload:   framedMaxPayload,
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{engineOpen}, body...), nil
}

func encodeFramedConnectAck(sid string) []byte {
	return []byte(fmt.Sprintf("%c%c%s,{\"sid\":%q}", engineMessage, socketConnect, framedNamespace, sid))
}

// encodeFramedEvent renders 42/market-data,["event",data].
func encodeFramedEvent(event string, data any) ([]byte, error) {
	body, err := json.Marshal([2]any{event, data})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(framedNamespace) + len(body) + 4)
	buf.WriteByte(engineMessage)
	buf.WriteByte(socketEvent)
	buf.WriteString(framedNamespace)
	buf.WriteByte(',')
	buf.Write(body)
	return buf.Bytes(), nil
}

// framedPacket is one decoded inbound frame.
type framedPacket struct {
	engineType byte
	socketType byte
	namespace  string
	event      string
	data       json.RawMessage
}

// parseFramedPacket decodes the subset of inbound frames the gateway accepts:
// pings, pongs, namespace connects/disconnects and events. Ack ids are
// consumed and ignored.
func parseFramedPacket(msg []byte) (framedPacket, error) {
	if len(msg) == 0 {
		return framedPacket{}, fmt.Errorf("empty frame")
	}
	p := framedPacket{engineType: msg[0]}
	switch p.engineType {
	case enginePing, enginePong:
		return p, nil
	case engineMessage:
	default:
		return framedPacket{}, fmt.Errorf("unsupported engine packet %q", p.engineType)
	}
	rest := msg[1:]
	if len(rest) == 0 {
		return framedPacket{}, fmt.Errorf("truncated message frame")
	}
	p.socketType = rest[0]
	rest = rest[1:]

	if len(rest) > 0 && rest[0] == '/' {
		comma := bytes.IndexByte(rest, ',')
		if comma < 0 {
			p.namespace = string(rest)
			rest = nil
		} else {
			p.namespace = string(rest[:comma])
			rest = rest[comma+1:]
		}
	}
	// Ack id digits precede the payload; the gateway does not ack.
	for len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9' {
		rest = rest[1:]
	}

	switch p.socketType {
	case socketConnect, socketDisconnect:
		return p, nil
	case socketEvent:
		var tuple []json.RawMessage
		if err := json.Unmarshal(rest, &tuple); err != nil {
			return framedPacket{}, fmt.Errorf("malformed event payload: %w", err)
		}
		if len(tuple) == 0 {
			return framedPacket{}, fmt.Errorf("event payload missing name")
		}
		var name string
		if err := json.Unmarshal(tuple[0], &name); err != nil {
			return framedPacket{}, fmt.Errorf("malformed event name: %w", err)
		}
		p.event = name
		if len(tuple) > 1 {
			p.data = tuple[1]
		}
		return p, nil
	default:
		return framedPacket{}, fmt.Errorf("unsupported socket packet %q", p.socketType)
	}
}

// namespaceMatches accepts the gateway namespace and the root namespace for
// clients that connect without one.
func namespaceMatches(ns string) bool {
	return ns == "" || ns == "/" || strings.EqualFold(ns, framedNamespace)
}

// rawMessage is the raw transport envelope: one JSON object per frame.
type rawMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// encodeRawEvent renders the raw transport envelope.
func encodeRawEvent(event string, data any) ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: event, Data: data})
}
