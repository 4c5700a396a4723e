// Package cluster coordinates gateway instances over the shared KV pub/sub:
// stream status broadcasts and the admin stats scatter-gather.
package cluster

import (
	"context"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
	"github.com/vayulabs/vayu-gateway/internal/observability"
)

const (
	heartbeatInterval = 5 * time.Second
	// An instance whose heartbeat is older than this is not expected to
	// answer a stats query.
	instanceStaleAfter = 15 * time.Second
	// GatherDeadline bounds the scatter-gather; replies arriving later are
	// dropped and the result is flagged partial.
	GatherDeadline = 250 * time.Millisecond
)

// InstanceStats is one instance's answer to a stats query.
type InstanceStats struct {
	Instance           string    `json:"instance"`
	Sessions           int       `json:"sessions"`
	Rooms              int       `json:"rooms"`
	Subscriptions      int       `json:"subscriptions"`
	DroppedTicks       int64     `json:"dropped_ticks"`
	UpstreamReconnects int64     `json:"upstream_reconnects"`
	Streaming          bool      `json:"streaming"`
	UpstreamConnected  bool      `json:"upstream_connected"`
	Timestamp          time.Time `json:"timestamp"`
}

// StatsFunc snapshots the local instance's counters.
type StatsFunc func() InstanceStats

type statsQuery struct {
	ID string `json:"id"`
}

// Coordinator registers this instance in the KV heartbeat hash, answers
// stats queries and publishes stream status. With the KV degraded every
// method falls back to local-only behaviour: Gather returns just this
// instance and PublishStatus reaches only local subscribers via the KV
// adapter's own no-op path.
type Coordinator struct {
	kv       kv.Store
	instance string
	stats    StatsFunc
}

// New builds a coordinator for this instance.
func New(store kv.Store, instance string, stats StatsFunc) *Coordinator {
	return &Coordinator{kv: store, instance: instance, stats: stats}
}

// Instance returns this process's instance id.
func (c *Coordinator) Instance() string { return c.instance }

// Run heartbeats the instance registry and serves stats queries until the
// context ends.
func (c *Coordinator) Run(ctx context.Context) {
	cancel := c.kv.Subscribe(kv.ChannelStatsQuery, func(payload string) {
		var q statsQuery
		if err := json.Unmarshal([]byte(payload), &q); err != nil || q.ID == "" {
			return
		}
		reply, err := json.Marshal(c.localStats())
		if err != nil {
			return
		}
		c.kv.Publish(kv.ChannelStatsReplyPrefix+q.ID, string(reply))
	})
	defer cancel()

	c.beat()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.beat()
		}
	}
}

func (c *Coordinator) beat() {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	c.kv.HSet(kv.KeyInstances(), map[string]string{c.instance: now})
	c.kv.Expire(kv.KeyInstances(), 24*time.Hour)
}

func (c *Coordinator) localStats() InstanceStats {
	if c.stats == nil {
		return InstanceStats{Instance: c.instance, Timestamp: time.Now().UTC()}
	}
	s := c.stats()
	s.Instance = c.instance
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	return s
}

// PublishStatus broadcasts the stream status on stream:status. Every
// instance, including this one, relays it to its connected clients.
func (c *Coordinator) PublishStatus(status schema.StreamStatus) {
	status.Instance = c.instance
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(status)
	if err != nil {
		observability.Log().Warn("stream status marshal failed",
			observability.F("error", err.Error()))
		return
	}
	c.kv.Publish(kv.ChannelStreamStatus, string(payload))
}

// Gather scatter-gathers stats from every live instance. It returns when all
// expected instances have answered or the deadline fires, whichever is
// first; partial reports whether any expected instance stayed silent.
func (c *Coordinator) Gather(ctx context.Context) (stats []InstanceStats, partial bool) {
	local := c.localStats()
	if !c.kv.Available() {
		return []InstanceStats{local}, false
	}

	expected := c.expectedInstances()
	queryID := uuid.NewString()

	replies := make(chan InstanceStats, 16)
	cancel := c.kv.Subscribe(kv.ChannelStatsReplyPrefix+queryID, func(payload string) {
		var s InstanceStats
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return
		}
		select {
		case replies <- s:
		default:
		}
	})
	defer cancel()

	query, _ := json.Marshal(statsQuery{ID: queryID})
	c.kv.Publish(kv.ChannelStatsQuery, string(query))

	seen := map[string]InstanceStats{c.instance: local}
	timer := time.NewTimer(GatherDeadline)
	defer timer.Stop()
	for len(seen) < expected {
		select {
		case <-ctx.Done():
			return collect(seen), true
		case <-timer.C:
			return collect(seen), true
		case s := <-replies:
			seen[s.Instance] = s
		}
	}
	return collect(seen), false
}

// expectedInstances counts registry entries with a fresh heartbeat. The
// local instance always counts, even before its first beat lands.
func (c *Coordinator) expectedInstances() int {
	cutoff := time.Now().Add(-instanceStaleAfter).Unix()
	expected := 1
	for instance, raw := range c.kv.HGetAll(kv.KeyInstances()) {
		if instance == c.instance {
			continue
		}
		beat, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && beat >= cutoff {
			expected++
		}
	}
	return expected
}

func collect(seen map[string]InstanceStats) []InstanceStats {
	out := make([]InstanceStats, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	return out
}
