// Package mux owns subscription intent: refcounts per (exchange, token) with
// the effective mode as the max across clients. A single worker drains a
// coalescing queue and emits the minimal subscribe/unsubscribe deltas to the
// upstream driver.
package mux

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/adapters/vortex"
	"github.com/vayulabs/vayu-gateway/internal/observability"
)

const (
	defaultFlushInterval = 500 * time.Millisecond
	flushDepthThreshold  = 256
	queueDepth           = 4096
)

// Emitter is the upstream surface the worker emits wire deltas to.
type Emitter interface {
	Send(frames []vortex.SubscriptionFrame) error
}

type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
	opSetMode
	opRelease
	opResync
)

type op struct {
	kind      opKind
	sessionID string
	pairs     []schema.Pair
	mode      schema.Mode
}

// entry is one refcount row. Owned exclusively by the worker goroutine.
type entry struct {
	mode    schema.Mode
	clients map[string]schema.Mode
}

// Entry is a read-only refcount snapshot row.
type Entry struct {
	Pair     schema.Pair `json:"pair"`
	Mode     schema.Mode `json:"mode"`
	Refcount int         `json:"refcount"`
}

// Mux is the subscription multiplexer. All mutations are serialized through
// its queue; public methods only enqueue.
type Mux struct {
	emitter  Emitter
	interval time.Duration

	ops    chan op
	snap   chan chan []Entry
	done   chan struct{}
	cancel context.CancelFunc
}

// Option tunes the multiplexer.
type Option func(*Mux)

// WithFlushInterval overrides the worker tick, capped at 500 ms.
func WithFlushInterval(d time.Duration) Option {
	return func(m *Mux) {
		if d > 0 && d <= defaultFlushInterval {
			m.interval = d
		}
	}
}

// New builds and starts the multiplexer worker.
func New(ctx context.Context, emitter Emitter, opts ...Option) *Mux {
	workerCtx, cancel := context.WithCancel(ctx)
	m := &Mux{
		emitter:  emitter,
		interval: defaultFlushInterval,
		ops:      make(chan op, queueDepth),
		snap:     make(chan chan []Entry),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	go m.worker(workerCtx)
	return m
}

// Close stops the worker after draining queued intents.
func (m *Mux) Close() {
	m.cancel()
	<-m.done
}

// Subscribe registers a session's interest in pairs at the given mode.
func (m *Mux) Subscribe(sessionID string, pairs []schema.Pair, mode schema.Mode) {
	m.enqueue(op{kind: opSubscribe, sessionID: sessionID, pairs: clonePairs(pairs), mode: mode})
}

// Unsubscribe withdraws a session's interest in pairs.
func (m *Mux) Unsubscribe(sessionID string, pairs []schema.Pair) {
	m.enqueue(op{kind: opUnsubscribe, sessionID: sessionID, pairs: clonePairs(pairs)})
}

// SetMode changes the session's mode for pairs it already holds.
func (m *Mux) SetMode(sessionID string, pairs []schema.Pair, mode schema.Mode) {
	m.enqueue(op{kind: opSetMode, sessionID: sessionID, pairs: clonePairs(pairs), mode: mode})
}

// Release removes every contribution of a disconnected session. Idempotent.
func (m *Mux) Release(sessionID string) {
	m.enqueue(op{kind: opRelease, sessionID: sessionID})
}

// Resync replays the full refcount table as subscribes, used after the
// upstream pool restarts with fresh wire state.
func (m *Mux) Resync() {
	m.enqueue(op{kind: opResync})
}

// Snapshot copies the refcount table, sorted by pair key, for stats readers.
func (m *Mux) Snapshot() []Entry {
	reply := make(chan []Entry, 1)
	select {
	case m.snap <- reply:
		return <-reply
	case <-m.done:
		return nil
	}
}

func (m *Mux) enqueue(o op) {
	select {
	case m.ops <- o:
	case <-m.done:
	}
}

func (m *Mux) worker(ctx context.Context) {
	defer close(m.done)

	entries := make(map[schema.Pair]*entry)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var batch []op
	flush := func() {
		if len(batch) > 0 {
			m.apply(entries, batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case o := <-m.ops:
			batch = append(batch, o)
			for len(batch) < flushDepthThreshold {
				select {
				case next := <-m.ops:
					batch = append(batch, next)
				default:
					goto drained
				}
			}
		drained:
			if len(batch) >= flushDepthThreshold {
				flush()
			}
		case <-ticker.C:
			flush()
		case reply := <-m.snap:
			// Apply everything enqueued before the snapshot request.
			for {
				select {
				case o := <-m.ops:
					batch = append(batch, o)
					continue
				default:
				}
				break
			}
			flush()
			reply <- snapshotEntries(entries)
		}
	}
}

// apply folds one batch into the refcount table and emits the resulting wire
// deltas. Per (pair, session) order follows enqueue order.
func (m *Mux) apply(entries map[schema.Pair]*entry, batch []op) {
	type prior struct {
		existed bool
		mode    schema.Mode
	}
	touched := make(map[schema.Pair]prior)
	remember := func(pair schema.Pair) {
		if _, seen := touched[pair]; seen {
			return
		}
		if row, ok := entries[pair]; ok {
			touched[pair] = prior{existed: true, mode: row.mode}
		} else {
			touched[pair] = prior{}
		}
	}

	for _, o := range batch {
		switch o.kind {
		case opSubscribe:
			for _, pair := range o.pairs {
				remember(pair)
				row, ok := entries[pair]
				if !ok {
					row = &entry{clients: make(map[string]schema.Mode)}
					entries[pair] = row
				}
				row.clients[o.sessionID] = o.mode
			}
		case opUnsubscribe:
			for _, pair := range o.pairs {
				if row, ok := entries[pair]; ok {
					remember(pair)
					delete(row.clients, o.sessionID)
				}
			}
		case opSetMode:
			for _, pair := range o.pairs {
				if row, ok := entries[pair]; ok {
					if _, held := row.clients[o.sessionID]; held {
						remember(pair)
						row.clients[o.sessionID] = o.mode
					}
				}
			}
		case opRelease:
			for pair, row := range entries {
				if _, held := row.clients[o.sessionID]; held {
					remember(pair)
					delete(row.clients, o.sessionID)
				}
			}
		case opResync:
			for pair, row := range entries {
				if len(row.clients) > 0 {
					// Force a fresh subscribe by treating the row as new.
					touched[pair] = prior{}
				}
			}
		}
	}

	var frames []vortex.SubscriptionFrame
	for pair, before := range touched {
		row := entries[pair]
		refcount := 0
		if row != nil {
			refcount = len(row.clients)
		}

		switch {
		case refcount == 0:
			delete(entries, pair)
			if before.existed {
				frames = append(frames, frame(pair, before.mode, "unsubscribe"))
			}
		default:
			newMode := maxClientMode(row)
			row.mode = newMode
			switch {
			case !before.existed:
				frames = append(frames, frame(pair, newMode, "subscribe"))
			case newMode.Rank() > before.mode.Rank():
				frames = append(frames, frame(pair, newMode, "subscribe"))
			case newMode.Rank() < before.mode.Rank():
				// Downgrade: drop the richer wire subscription, then re-add
				// at the lower mode in the same batch.
				frames = append(frames,
					frame(pair, before.mode, "unsubscribe"),
					frame(pair, newMode, "subscribe"))
			}
		}
	}
	if len(frames) == 0 {
		return
	}

	if err := m.emitter.Send(frames); err != nil {
		if errors.Is(err, vortex.ErrDisconnected) {
			observability.Log().Info("queued_for_reconnect",
				observability.F("frames", len(frames)))
			return
		}
		observability.Log().Warn("upstream emit failed",
			observability.F("frames", len(frames)),
			observability.F("error", err.Error()))
	}
}

func frame(pair schema.Pair, mode schema.Mode, action string) vortex.SubscriptionFrame {
	return vortex.SubscriptionFrame{
		Exchange:    pair.Exchange,
		Token:       pair.Token,
		Mode:        mode,
		MessageType: action,
	}
}

func maxClientMode(row *entry) schema.Mode {
	mode := schema.ModeLTP
	first := true
	for _, m := range row.clients {
		if first {
			mode = m
			first = false
			continue
		}
		mode = schema.MaxMode(mode, m)
	}
	return mode
}

func snapshotEntries(entries map[schema.Pair]*entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for pair, row := range entries {
		out = append(out, Entry{Pair: pair, Mode: row.mode, Refcount: len(row.clients)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.Key() < out[j].Pair.Key() })
	return out
}

func clonePairs(pairs []schema.Pair) []schema.Pair {
	out := make([]schema.Pair, len(pairs))
	copy(out, pairs)
	return out
}
