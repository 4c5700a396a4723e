package gateway

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
)

func TestParseFramedPacketVariants(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		check func(t *testing.T, p framedPacket)
	}{
		{"ping", "2", func(t *testing.T, p framedPacket) {
			if p.engineType != enginePing {
				t.Fatalf("type: %q", p.engineType)
			}
		}},
		{"pong", "3", func(t *testing.T, p framedPacket) {
			if p.engineType != enginePong {
				t.Fatalf("type: %q", p.engineType)
			}
		}},
		{"namespace connect", "40/market-data,", func(t *testing.T, p framedPacket) {
			if p.socketType != socketConnect || p.namespace != "/market-data" {
				t.Fatalf("packet: %+v", p)
			}
		}},
		{"event with ack id", `42/market-data,17["subscribe",{"instruments":[26000]}]`, func(t *testing.T, p framedPacket) {
			if p.event != "subscribe" {
				t.Fatalf("event: %q", p.event)
			}
			var body map[string]any
			if err := json.Unmarshal(p.data, &body); err != nil {
				t.Fatalf("data: %v", err)
			}
		}},
		{"root namespace event", `42["ping"]`, func(t *testing.T, p framedPacket) {
			if p.event != "ping" || p.namespace != "" {
				t.Fatalf("packet: %+v", p)
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := parseFramedPacket([]byte(tc.frame))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			tc.check(t, p)
		})
	}
}

func TestParseFramedPacketRejectsGarbage(t *testing.T) {
	for _, frame := range []string{"", "9", "4", "42/market-data,not-json"} {
		if _, err := parseFramedPacket([]byte(frame)); err == nil {
			t.Fatalf("frame %q should not parse", frame)
		}
	}
}

func TestEncodeFramedEventRoundTrip(t *testing.T) {
	payload, err := encodeFramedEvent("market_data", map[string]any{"token": 26000})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(payload, []byte("42/market-data,")) {
		t.Fatalf("framing: %s", payload)
	}
	p, err := parseFramedPacket(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.event != "market_data" {
		t.Fatalf("event: %q", p.event)
	}
}

// framedClient drives the engine.io handshake from the client side.
type framedClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialFramed(t *testing.T, env *testEnv, apiKey string) *framedClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := strings.Replace(env.server.URL, "http", "ws", 1) + "/market-data?api_key=" + apiKey
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return &framedClient{t: t, conn: conn}
}

func (c *framedClient) read() []byte {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return data
}

func (c *framedClient) write(payload []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// expectEvent reads 42 frames until the named event arrives.
func (c *framedClient) expectEvent(event string) json.RawMessage {
	c.t.Helper()
	for i := 0; i < 32; i++ {
		packet, err := parseFramedPacket(c.read())
		if err != nil {
			continue
		}
		if packet.engineType == enginePing {
			c.write([]byte{enginePong})
			continue
		}
		if packet.socketType == socketEvent && packet.event == event {
			return packet.data
		}
	}
	c.t.Fatalf("event %s never arrived", event)
	return nil
}

func TestFramedHandshakeAndSubscribe(t *testing.T) {
	env := newTestEnv(t, map[string]*schema.APIKey{"k1": testKey(1, "k1")})
	c := dialFramed(t, env, "k1")

	open := c.read()
	if len(open) == 0 || open[0] != engineOpen {
		t.Fatalf("expected engine open, got %s", open)
	}
	var handshake framedOpen
	if err := json.Unmarshal(open[1:], &handshake); err != nil || handshake.SID == "" {
		t.Fatalf("open payload: %s", open)
	}

	c.write([]byte("40/market-data,"))
	connectAck := c.read()
	if !bytes.HasPrefix(connectAck, []byte("40/market-data,")) {
		t.Fatalf("connect ack: %s", connectAck)
	}

	connected := decodeInto[connectedBody](t, c.expectEvent(eventConnected))
	if connected.ClientID == "" {
		t.Fatal("connected without client id")
	}
	welcome := decodeInto[welcomeBody](t, c.expectEvent(eventWelcome))
	if welcome.ProtocolVersion != "v1" || welcome.Provider != "vortex" {
		t.Fatalf("welcome: %+v", welcome)
	}

	subscribe, err := encodeFramedEvent(eventSubscribe, map[string]any{
		"instruments": []any{26000},
		"mode":        "ltp",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.write(subscribe)
	ack := decodeInto[subscribeAck](t, c.expectEvent(eventSubscribeAck))
	if len(ack.Included) != 1 || ack.Included[0] != 26000 {
		t.Fatalf("ack: %+v", ack)
	}

	env.upstream.ticks <- &schema.Tick{
		Token:     26000,
		Exchange:  schema.ExchangeNSEEquity,
		LastPrice: 24510.25,
		ServerTS:  time.Now().UTC(),
	}
	payload := decodeInto[marketData](t, c.expectEvent(eventMarketData))
	if payload.InstrumentToken != 26000 {
		t.Fatalf("market data: %+v", payload)
	}
}

func TestFramedHandshakeRejectsBadKey(t *testing.T) {
	env := newTestEnv(t, map[string]*schema.APIKey{"k1": testKey(1, "k1")})
	c := dialFramed(t, env, "wrong")

	open := c.read()
	if open[0] != engineOpen {
		t.Fatalf("open: %s", open)
	}
	c.write([]byte("40/market-data,"))

	refusal := c.read()
	if !bytes.HasPrefix(refusal, []byte("44/market-data,")) {
		t.Fatalf("expected connect_error, got %s", refusal)
	}
	if !bytes.Contains(refusal, []byte("invalid_api_key")) {
		t.Fatalf("refusal reason: %s", refusal)
	}
}
