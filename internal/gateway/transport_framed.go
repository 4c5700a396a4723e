package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const framedConnectDeadline = 10 * time.Second

// FramedHandler serves the engine.io style transport on /market-data:
// engine.io open, namespace connect, then the shared event contract inside
// 42-prefixed event frames.
func (g *Gateway) FramedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			return
		}
		conn.SetReadLimit(clientReadLimit)
		ctx := r.Context()

		sid := uuid.NewString()
		open, err := encodeFramedOpen(sid)
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "open packet")
			return
		}
		if err := writeFramedControl(ctx, conn, open); err != nil {
			return
		}
		if !awaitFramedConnect(ctx, conn) {
			_ = conn.Close(websocket.StatusProtocolError, "expected namespace connect")
			return
		}

		key, hsErr := g.authenticate(ctx, r)
		if hsErr != nil {
			// Socket.io connect_error carries the refusal before close.
			refusal := []byte(fmt.Sprintf("44%s,{\"message\":%q}", framedNamespace, string(hsErr.code)))
			_ = writeFramedControl(ctx, conn, refusal)
			g.rejectHandshake(ctx, conn, r, "framed", hsErr, encodeFramedEvent)
			return
		}
		if err := writeFramedControl(ctx, conn, encodeFramedConnectAck(sid)); err != nil {
			return
		}

		s := newSession(sid, key, conn, "framed", true, encodeFramedEvent, g.cfg.SessionSendDepth)
		g.register(s, r)
		defer g.unregister(s)
		defer s.Close(websocket.StatusNormalClosure, "")

		sessionCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go s.writeLoop(sessionCtx)

		var lastPong atomic.Int64
		lastPong.Store(time.Now().UnixNano())
		go g.framedPingLoop(sessionCtx, s, &lastPong)

		_ = s.Emit(eventConnected, connectedBody{ClientID: s.ID, TS: time.Now().UTC()})
		_ = s.Emit(eventWelcome, g.welcome(key))
		g.readFramed(sessionCtx, s, &lastPong)
	})
}

// awaitFramedConnect consumes frames until the namespace connect arrives.
func awaitFramedConnect(ctx context.Context, conn *websocket.Conn) bool {
	deadline, cancel := context.WithTimeout(ctx, framedConnectDeadline)
	defer cancel()
	for {
		_, data, err := conn.Read(deadline)
		if err != nil {
			return false
		}
		packet, err := parseFramedPacket(data)
		if err != nil {
			continue
		}
		if packet.engineType == engineMessage && packet.socketType == socketConnect {
			return namespaceMatches(packet.namespace)
		}
	}
}

func (g *Gateway) readFramed(ctx context.Context, s *Session, lastPong *atomic.Int64) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		packet, err := parseFramedPacket(data)
		if err != nil {
			continue
		}
		switch {
		case packet.engineType == enginePong:
			lastPong.Store(time.Now().UnixNano())
		case packet.engineType == enginePing:
			// Some clients still ping from their side; answer them.
			_ = s.sendRaw([]byte{enginePong})
		case packet.socketType == socketDisconnect:
			s.Close(websocket.StatusNormalClosure, "client disconnect")
			return
		case packet.socketType == socketEvent:
			if !namespaceMatches(packet.namespace) {
				continue
			}
			g.dispatch(ctx, s, packet.event, packet.data)
		}
	}
}

// framedPingLoop emits engine.io pings and enforces the pong deadline.
func (g *Gateway) framedPingLoop(ctx context.Context, s *Session, lastPong *atomic.Int64) {
	interval := framedPingInterval * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-ticker.C:
			lag := time.Since(time.Unix(0, lastPong.Load()))
			if lag > interval+framedPingTimeout*time.Millisecond {
				s.Close(websocket.StatusGoingAway, "pong timeout")
				return
			}
			_ = s.sendRaw([]byte{enginePing})
		}
	}
}

func writeFramedControl(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
