package vortex

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
	"github.com/vayulabs/vayu-gateway/internal/observability"
)

const (
	maxConns       = 3
	maxSubsPerConn = 1000

	// Wire emit pacing: at most 50 subscription frames per second.
	emitInterval = 20 * time.Millisecond

	pingInterval   = 30 * time.Second
	maxMissedPongs = 3

	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffJitter  = 0.2

	lastTickTTL = 60 * time.Second

	tickChannelDepth = 4096
)

// ErrDisconnected reports that no upstream connection is open; callers keep
// their intent state and retry after reconnect.
var ErrDisconnected = errors.New("vortex: upstream disconnected")

// SubscriptionFrame is one control message on the upstream wire.
type SubscriptionFrame struct {
	Exchange    schema.Exchange `json:"exchange"`
	Token       int32           `json:"token"`
	Mode        schema.Mode     `json:"mode"`
	MessageType string          `json:"message_type"`
}

// Pair returns the frame's instrument pair.
func (f SubscriptionFrame) Pair() schema.Pair {
	return schema.Pair{Exchange: f.Exchange, Token: f.Token}
}

// Socket is the pool of upstream binary websocket connections. It owns the
// wire subscription state: each connection resubscribes its own set after a
// reconnect, so callers only express intent deltas.
type Socket struct {
	wsURL   string
	tokenFn func() string
	kv      kv.Store

	ticks        chan *schema.Tick
	droppedTicks atomic.Int64
	reconnects   atomic.Int64

	onState func(connected bool)

	// onAuthFailure fires when the upstream rejects the access token at dial
	// time. Set once during wiring, before Start.
	onAuthFailure func()

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	conns   []*streamConn
	running bool
}

// NewSocket builds the pool. tokenFn supplies the current access token at
// dial time so a refreshed token is picked up on the next reconnect.
func NewSocket(wsURL string, tokenFn func() string, kvStore kv.Store, onState func(connected bool)) *Socket {
	return &Socket{
		wsURL:   wsURL,
		tokenFn: tokenFn,
		kv:      kvStore,
		ticks:   make(chan *schema.Tick, tickChannelDepth),
		onState: onState,
	}
}

// Ticks is the stream of parsed upstream ticks.
func (s *Socket) Ticks() <-chan *schema.Tick { return s.ticks }

// DroppedTicks reports ticks discarded because the consumer lagged.
func (s *Socket) DroppedTicks() int64 { return s.droppedTicks.Load() }

// Reconnects reports completed reconnect cycles across the pool.
func (s *Socket) Reconnects() int64 { return s.reconnects.Load() }

// Start opens the first connection. Safe to call once per stop cycle.
func (s *Socket) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.tokenFn() == "" {
		return ErrDisconnected
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.conns = nil
	s.addConnLocked()
	return nil
}

// Stop closes every connection and discards wire state.
func (s *Socket) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	for _, conn := range s.conns {
		conn.stop()
	}
	s.conns = nil
	if s.onState != nil {
		s.onState(false)
	}
}

// Running reports whether the pool has been started.
func (s *Socket) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Connected reports whether at least one connection is open.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		if conn.open() {
			return true
		}
	}
	return false
}

// SubscribedCount sums wire subscriptions across the pool.
func (s *Socket) SubscribedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, conn := range s.conns {
		total += conn.subscriptionCount()
	}
	return total
}

// Reconnect tears the pool down and starts it again with the current token.
func (s *Socket) Reconnect(ctx context.Context) error {
	s.Stop()
	return s.Start(ctx)
}

// Send routes subscription frames to their sharded connections. Frames
// always update wire intent; when the target connection is closed the frame
// is queued for its reconnect resubscribe and ErrDisconnected is returned so
// the caller can log the condition.
func (s *Socket) Send(frames []SubscriptionFrame) error {
	if len(frames) == 0 {
		return nil
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.growLocked(len(frames))
	byConn := make(map[*streamConn][]SubscriptionFrame)
	for _, frame := range frames {
		conn := s.conns[shardIndex(frame.Pair(), len(s.conns))]
		byConn[conn] = append(byConn[conn], frame)
	}
	s.mu.Unlock()

	var sendErr error
	for conn, chunk := range byConn {
		if err := conn.send(chunk); err != nil {
			sendErr = err
		}
	}
	return sendErr
}

// growLocked opens additional connections while the pool is over the
// per-connection cap, up to the pool limit.
func (s *Socket) growLocked(incoming int) {
	for len(s.conns) < maxConns {
		total := incoming
		for _, conn := range s.conns {
			total += conn.subscriptionCount()
		}
		if total <= len(s.conns)*maxSubsPerConn {
			return
		}
		s.addConnLocked()
	}
}

func (s *Socket) addConnLocked() {
	conn := newStreamConn(s.ctx, s)
	s.conns = append(s.conns, conn)
	conn.run()
}

// shardIndex assigns a pair to a connection with FNV-1a over its canonical
// key, so every instance routes the same pair to the same slot.
func shardIndex(pair schema.Pair, conns int) int {
	if conns <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(pair.Key()))
	return int(h.Sum32() % uint32(conns))
}

func (s *Socket) publish(tick *schema.Tick) {
	if payload, err := json.Marshal(tick); err == nil {
		s.kv.Set(kv.KeyLastTick(tick.Token), string(payload), lastTickTTL)
	}
	select {
	case s.ticks <- tick:
	default:
		s.droppedTicks.Add(1)
	}
}

// streamConn is one upstream websocket with its own reconnect loop. Its
// subscription map is the system of record for what this connection has on
// the wire.
type streamConn struct {
	parent *Socket
	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	subs   map[schema.Pair]schema.Mode
	subsMu sync.Mutex

	emitMu   sync.Mutex
	lastEmit time.Time
}

func newStreamConn(ctx context.Context, parent *Socket) *streamConn {
	connCtx, cancel := context.WithCancel(ctx)
	return &streamConn{
		parent: parent,
		ctx:    connCtx,
		cancel: cancel,
		subs:   make(map[schema.Pair]schema.Mode),
	}
}

func (c *streamConn) run() {
	go func() {
		if err := c.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Error("upstream connection loop ended",
				observability.F("error", err.Error()))
		}
	}()
}

func (c *streamConn) stop() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *streamConn) open() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

func (c *streamConn) subscriptionCount() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(c.subs)
}

// connectLoop dials, resubscribes and reads until cancelled, backing off
// 1 s..30 s with ±20 % jitter between attempts.
func (c *streamConn) connectLoop() error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = backoffInitial
	policy.MaxInterval = backoffMax
	policy.RandomizationFactor = backoffJitter

	attempt := 0
	for {
		select {
		case <-c.ctx.Done():
			return context.Canceled
		default:
		}

		target := c.parent.wsURL + "?auth_token=" + c.parent.tokenFn()
		conn, resp, err := websocket.Dial(c.ctx, target, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized && c.parent.onAuthFailure != nil {
				// Backing off on a dead token never recovers; hand the
				// failure up so the session is retired and the pool stopped.
				go c.parent.onAuthFailure()
			}
			observability.Log().Warn("upstream dial failed",
				observability.F("attempt", attempt),
				observability.F("error", err.Error()))
			attempt++
			if !sleepCtx(c.ctx, policy.NextBackOff()) {
				return context.Canceled
			}
			continue
		}
		conn.SetReadLimit(1 << 22)

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		policy.Reset()
		attempt = 0
		if c.parent.onState != nil {
			c.parent.onState(true)
		}
		observability.Log().Info("upstream connected",
			observability.F("subscriptions", c.subscriptionCount()))

		if err := c.resubscribeAll(); err != nil {
			observability.Log().Warn("resubscribe after reconnect failed",
				observability.F("error", err.Error()))
		}

		pingCtx, stopPing := context.WithCancel(c.ctx)
		go c.pingLoop(pingCtx, conn)

		err = c.readLoop(conn)
		stopPing()

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		c.parent.reconnects.Add(1)
		if c.parent.onState != nil {
			c.parent.onState(c.parent.Connected())
		}
		if errors.Is(err, context.Canceled) {
			return context.Canceled
		}
		observability.Log().Warn("upstream connection lost",
			observability.F("error", err.Error()))

		if !sleepCtx(c.ctx, policy.NextBackOff()) {
			return context.Canceled
		}
	}
}

func (c *streamConn) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		switch msgType {
		case websocket.MessageBinary:
			ticks, err := ParseFrame(data, time.Now())
			if err != nil {
				observability.Log().Warn("tick frame rejected",
					observability.F("bytes", len(data)),
					observability.F("error", err.Error()))
				continue
			}
			for _, tick := range ticks {
				c.parent.publish(tick)
			}
		case websocket.MessageText:
			// Postbacks and control acks. Logged, not routed.
			observability.Log().Debug("upstream text message",
				observability.F("payload", string(data)))
		}
	}
}

// pingLoop pings every 30 s; three consecutive missed pongs force the
// connection closed so the reconnect loop takes over.
func (c *streamConn) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err == nil {
				missed = 0
				continue
			}
			missed++
			if missed >= maxMissedPongs {
				observability.Log().Warn("upstream pongs missed, forcing reconnect",
					observability.F("missed", missed))
				_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// send writes frames one at a time, pacing to the wire emit budget. Intent is
// recorded before writing so a reconnect replays it even when the write
// fails.
func (c *streamConn) send(frames []SubscriptionFrame) error {
	c.subsMu.Lock()
	for _, frame := range frames {
		if frame.MessageType == "subscribe" {
			c.subs[frame.Pair()] = frame.Mode
		} else {
			delete(c.subs, frame.Pair())
		}
	}
	c.subsMu.Unlock()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrDisconnected
	}

	for _, frame := range frames {
		if err := c.writeFrame(conn, frame); err != nil {
			return err
		}
	}
	return nil
}

// resubscribeAll replays the wire state in one paced burst after reconnect.
func (c *streamConn) resubscribeAll() error {
	c.subsMu.Lock()
	frames := make([]SubscriptionFrame, 0, len(c.subs))
	for pair, mode := range c.subs {
		frames = append(frames, SubscriptionFrame{
			Exchange:    pair.Exchange,
			Token:       pair.Token,
			Mode:        mode,
			MessageType: "subscribe",
		})
	}
	c.subsMu.Unlock()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrDisconnected
	}
	for _, frame := range frames {
		if err := c.writeFrame(conn, frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *streamConn) writeFrame(conn *websocket.Conn, frame SubscriptionFrame) error {
	if err := c.waitEmitWindow(); err != nil {
		return err
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

func (c *streamConn) waitEmitWindow() error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	wait := time.Until(c.lastEmit.Add(emitInterval))
	if wait > 0 {
		if !sleepCtx(c.ctx, wait) {
			return context.Canceled
		}
	}
	c.lastEmit = time.Now()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
