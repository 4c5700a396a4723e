// Package kv provides the shared key-value and pub/sub substrate used for
// cross-instance coordination, counters and caches.
//
// Availability is optional by contract: when the backing store is
// unreachable every operation returns its documented safe default (get →
// empty, incr → 0, set → noop) and Available reports false. No operation
// panics or returns an error past this boundary; failures are logged at
// WARN and the gateway degrades to per-process behaviour.
package kv

import (
	"strconv"
	"time"
)

// Store is the cross-process KV and pub/sub contract.
type Store interface {
	Available() bool

	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
	Del(key string)
	Incr(key string) int64
	Decr(key string) int64
	Expire(key string, ttl time.Duration)
	SetNX(key, value string, ttl time.Duration) bool

	HSet(key string, fields map[string]string)
	HGetAll(key string) map[string]string
	LPush(key string, values ...string)
	LRange(key string, start, stop int64) []string

	Publish(channel, payload string)
	Subscribe(channel string, handler func(payload string)) (cancel func())

	Close()
}

// Key layout shared by every instance. Counters embed their window in the
// key so TTL expiry retires whole windows at once.
const (
	// ChannelStreamStatus carries StreamStatus broadcasts.
	ChannelStreamStatus = "stream:status"
	// ChannelStatsQuery carries admin scatter-gather stat requests.
	ChannelStatsQuery = "stats:query"
	// ChannelStatsReplyPrefix prefixes per-query reply channels.
	ChannelStatsReplyPrefix = "stats:reply:"
)

// KeyAccessToken holds the provider OAuth token, TTL bound to JWT expiry.
func KeyAccessToken(provider string) string { return provider + ":access_token" }

// KeyOAuthState holds a pending OAuth nonce.
func KeyOAuthState(provider, nonce string) string { return provider + "_oauth_state:" + nonce }

// KeyRateLimit is the per-key HTTP counter for the given UTC minute.
func KeyRateLimit(apiKey string, now time.Time) string {
	return "ratelimit:" + apiKey + ":" + now.UTC().Format("200601021504")
}

// KeyWSConn is the live connection counter for an API key.
func KeyWSConn(apiKey string) string { return "ws:conn:" + apiKey }

// KeyWSEvent is the per-second event counter for a session or key.
func KeyWSEvent(id, event string, now time.Time) string {
	return "ws:event:" + id + ":" + event + ":" + now.UTC().Format("20060102150405")
}

// KeyLastTick caches the latest normalized tick for snapshot fallback.
func KeyLastTick(token int32) string {
	return "lasttick:" + strconv.FormatInt(int64(token), 10)
}

// KeySyncJob records instrument sync job progress.
func KeySyncJob(id string) string { return "vayu:sync:job:" + id }

// KeySyncLock serializes sync jobs per scope.
func KeySyncLock(scope string) string { return "vayu:sync:lock:" + scope }

// KeyGlobalProvider stores the admin-selected provider name.
func KeyGlobalProvider() string { return "vayu:provider:global" }

// KeyAbuse holds the abuse verdict hash for an API key.
func KeyAbuse(apiKey string) string { return "vayu:abuse:" + apiKey }

// KeyInstances is the heartbeat hash of live gateway instances, used to size
// the admin stats scatter-gather.
func KeyInstances() string { return "vayu:instances" }

// ChannelRoom carries cross-instance broadcasts for one instrument room.
func ChannelRoom(token int32) string {
	return "room:instrument:" + strconv.FormatInt(int64(token), 10)
}
