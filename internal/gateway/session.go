package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/observability"
)

const (
	// controlSendTimeout bounds how long a handler waits to enqueue an ack
	// before the connection is declared stuck.
	controlSendTimeout = 2 * time.Second
	// blockedGrace is how long tick drops may persist before the connection
	// is force-closed.
	blockedGrace = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// encoderFunc renders one server event in the session's transport framing.
type encoderFunc func(event string, data any) ([]byte, error)

// Session is one authenticated client connection. The read loop owns its
// subscription map; other goroutines only enqueue encoded frames.
type Session struct {
	ID        string
	Transport string
	RemoteIP  string
	UserAgent string
	Origin    string
	CreatedAt time.Time

	key    *schema.APIKey
	conn   *websocket.Conn
	encode encoderFunc
	framed bool

	out      chan []byte
	outBytes atomic.Int64
	drops    atomic.Int64
	// blockedSince is unix nanos of the first drop in the current stall,
	// zero while the queue is healthy.
	blockedSince atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	mu    sync.Mutex
	modes map[schema.Pair]schema.Mode
}

func newSession(id string, key *schema.APIKey, conn *websocket.Conn, transport string, framed bool, encode encoderFunc, depth int) *Session {
	if depth <= 0 {
		depth = 1024
	}
	return &Session{
		ID:        id,
		Transport: transport,
		CreatedAt: time.Now().UTC(),
		key:       key,
		conn:      conn,
		encode:    encode,
		framed:    framed,
		out:       make(chan []byte, depth),
		closed:    make(chan struct{}),
		modes:     make(map[schema.Pair]schema.Mode),
	}
}

// Key returns the policy record the session authenticated with.
func (s *Session) Key() *schema.APIKey { return s.key }

// Drops reports ticks discarded under write backpressure.
func (s *Session) Drops() int64 { return s.drops.Load() }

// QueuedBytes reports the encoded bytes waiting in the outbound queue.
func (s *Session) QueuedBytes() int64 { return s.outBytes.Load() }

// Emit encodes and queues a control event. Unlike ticks, control frames wait
// briefly for queue space; a connection that cannot absorb an ack within the
// timeout is closed as a slow consumer.
func (s *Session) Emit(event string, data any) error {
	payload, err := s.encode(event, data)
	if err != nil {
		return err
	}
	return s.sendRaw(payload)
}

// sendRaw queues an already-encoded control frame with the same stall policy
// as Emit.
func (s *Session) sendRaw(payload []byte) error {
	timer := time.NewTimer(controlSendTimeout)
	defer timer.Stop()
	select {
	case s.out <- payload:
		s.outBytes.Add(int64(len(payload)))
		return nil
	case <-s.closed:
		return context.Canceled
	case <-timer.C:
		s.Close(websocket.StatusPolicyViolation, "slow_consumer")
		return context.DeadlineExceeded
	}
}

// EnqueueTick queues one pre-encoded market data frame. Over-budget or full
// queues drop the frame; a stall that persists past the grace period closes
// the connection. Returns false when the frame was dropped.
func (s *Session) EnqueueTick(payload []byte, byteLimit int64, now time.Time) bool {
	if byteLimit > 0 && s.outBytes.Load()+int64(len(payload)) > byteLimit {
		s.noteDrop(now)
		return false
	}
	select {
	case s.out <- payload:
		s.outBytes.Add(int64(len(payload)))
		s.blockedSince.Store(0)
		return true
	case <-s.closed:
		return false
	default:
		s.noteDrop(now)
		return false
	}
}

func (s *Session) noteDrop(now time.Time) {
	s.drops.Add(1)
	since := s.blockedSince.Load()
	if since == 0 {
		s.blockedSince.CompareAndSwap(0, now.UnixNano())
		return
	}
	if now.Sub(time.Unix(0, since)) > blockedGrace {
		observability.Log().Warn("closing stalled client connection",
			observability.F("session", s.ID),
			observability.F("drops", s.drops.Load()))
		s.Close(websocket.StatusPolicyViolation, "write_backpressure")
	}
}

// writeLoop drains the outbound queue onto the socket. Runs until the session
// closes or a write fails.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case payload := <-s.out:
			s.outBytes.Add(-int64(len(payload)))
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				s.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// Close tears the connection down once; later calls are no-ops.
func (s *Session) Close(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close(status, reason)
	})
}

// Done exposes the close signal for the transport loops.
func (s *Session) Done() <-chan struct{} { return s.closed }

// trackSubscribe records the session's own view of its subscriptions.
func (s *Session) trackSubscribe(pairs []schema.Pair, mode schema.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pair := range pairs {
		s.modes[pair] = mode
	}
}

// trackUnsubscribe removes pairs and returns the ones actually held.
func (s *Session) trackUnsubscribe(pairs []schema.Pair) []schema.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make([]schema.Pair, 0, len(pairs))
	for _, pair := range pairs {
		if _, held := s.modes[pair]; held {
			delete(s.modes, pair)
			removed = append(removed, pair)
		}
	}
	return removed
}

// trackSetMode updates held pairs only; the rest come back as not subscribed.
func (s *Session) trackSetMode(pairs []schema.Pair, mode schema.Mode) (updated, notSubscribed []schema.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pair := range pairs {
		if _, held := s.modes[pair]; held {
			s.modes[pair] = mode
			updated = append(updated, pair)
		} else {
			notSubscribed = append(notSubscribed, pair)
		}
	}
	return updated, notSubscribed
}

// clearSubscriptions empties the map and returns what was held.
func (s *Session) clearSubscriptions() []schema.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := make([]schema.Pair, 0, len(s.modes))
	for pair := range s.modes {
		pairs = append(pairs, pair)
	}
	s.modes = make(map[schema.Pair]schema.Mode)
	return pairs
}

// subscriptions copies the held pair → mode map.
func (s *Session) subscriptions() map[schema.Pair]schema.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[schema.Pair]schema.Mode, len(s.modes))
	for pair, mode := range s.modes {
		out[pair] = mode
	}
	return out
}

// holdsToken reports whether any held pair carries the token.
func (s *Session) holdsToken(token int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pair := range s.modes {
		if pair.Token == token {
			return true
		}
	}
	return false
}
