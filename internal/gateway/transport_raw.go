package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/vayulabs/vayu-gateway/errs"
)

const (
	serverPingInterval = 30 * time.Second
	pongLagLimit       = 90 * time.Second
	clientReadLimit    = 1 << 20
)

// RawHandler serves the raw transport: one JSON object {event, data} per
// websocket frame on /ws.
func (g *Gateway) RawHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			return
		}
		conn.SetReadLimit(clientReadLimit)

		ctx := r.Context()
		key, hsErr := g.authenticate(ctx, r)
		if hsErr != nil {
			g.rejectHandshake(ctx, conn, r, "raw", hsErr, encodeRawEvent)
			return
		}

		s := newSession(uuid.NewString(), key, conn, "raw", false, encodeRawEvent, g.cfg.SessionSendDepth)
		g.register(s, r)
		defer g.unregister(s)
		defer s.Close(websocket.StatusNormalClosure, "")

		sessionCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go s.writeLoop(sessionCtx)
		go g.pingLoop(sessionCtx, s)

		_ = s.Emit(eventConnected, connectedBody{ClientID: s.ID, TS: time.Now().UTC()})
		g.readRaw(sessionCtx, s)
	})
}

func (g *Gateway) readRaw(ctx context.Context, s *Session) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg rawMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			g.sendError(s, errs.CodeInvalidPayload, "frames must be {event, data} JSON objects", nil)
			continue
		}
		g.dispatch(ctx, s, msg.Event, msg.Data)
	}
}

// pingLoop issues protocol-level pings; a pong that lags past the limit
// terminates the session.
func (g *Gateway) pingLoop(ctx context.Context, s *Session) {
	ticker := time.NewTicker(serverPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pongLagLimit)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.Close(websocket.StatusGoingAway, "pong timeout")
				return
			}
		}
	}
}
