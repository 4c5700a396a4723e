package kv

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/vayulabs/vayu-gateway/internal/observability"
)

const (
	dialTimeout    = 5 * time.Second
	opTimeout      = 5 * time.Second
	probeInterval  = 15 * time.Second
	reprobeBackoff = 5 * time.Second
)

// RedisStore backs the Store contract with a Redis client. A nil or
// unreachable server never fails a caller: operations degrade to their safe
// defaults and a background probe flips availability back when the server
// returns.
type RedisStore struct {
	client    *redis.Client
	available atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewRedis connects to the given address. The initial ping is bounded by the
// dial timeout; failure leaves the store in degraded mode rather than
// erroring.
func NewRedis(addr, password string, db int) *RedisStore {
	ctx, cancel := context.WithCancel(context.Background())
	store := &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:        addr,
			Password:    password,
			DB:          db,
			DialTimeout: dialTimeout,
			ReadTimeout: opTimeout,
		}),
		ctx:    ctx,
		cancel: cancel,
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, dialTimeout)
	defer pingCancel()
	if err := store.client.Ping(pingCtx).Err(); err != nil {
		observability.Log().Warn("kv unavailable at startup; degrading to local-only",
			observability.F("addr", addr), observability.F("error", err.Error()))
	} else {
		store.available.Store(true)
	}

	go store.probeLoop()
	return store
}

// Available reports the result of the most recent health probe.
func (s *RedisStore) Available() bool { return s.available.Load() }

// Close stops the probe loop and releases the client.
func (s *RedisStore) Close() {
	s.cancel()
	_ = s.client.Close()
}

func (s *RedisStore) probeLoop() {
	for {
		interval := probeInterval
		if !s.available.Load() {
			interval = reprobeBackoff
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(interval):
		}
		pingCtx, cancel := context.WithTimeout(s.ctx, dialTimeout)
		err := s.client.Ping(pingCtx).Err()
		cancel()
		was := s.available.Swap(err == nil)
		if err != nil && was {
			observability.Log().Warn("kv became unavailable", observability.F("error", err.Error()))
		}
		if err == nil && !was {
			observability.Log().Info("kv available again")
		}
	}
}

func (s *RedisStore) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, opTimeout)
}

func (s *RedisStore) warn(op string, err error) {
	if err == nil || err == redis.Nil {
		return
	}
	s.available.Store(false)
	observability.Log().Warn("kv operation failed", observability.F("op", op), observability.F("error", err.Error()))
}

// Get returns the value and presence; absent or failed reads return ("", false).
func (s *RedisStore) Get(key string) (string, bool) {
	ctx, cancel := s.opCtx()
	defer cancel()
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		s.warn("get", err)
		return "", false
	}
	return val, true
}

// Set stores the value; ttl <= 0 means no expiry. Failures are a noop.
func (s *RedisStore) Set(key, value string, ttl time.Duration) {
	ctx, cancel := s.opCtx()
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	s.warn("set", s.client.Set(ctx, key, value, ttl).Err())
}

// Del removes the key.
func (s *RedisStore) Del(key string) {
	ctx, cancel := s.opCtx()
	defer cancel()
	s.warn("del", s.client.Del(ctx, key).Err())
}

// Incr atomically increments and returns the new value, 0 on failure.
func (s *RedisStore) Incr(key string) int64 {
	ctx, cancel := s.opCtx()
	defer cancel()
	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.warn("incr", err)
		return 0
	}
	return val
}

// Decr atomically decrements and returns the new value, 0 on failure.
func (s *RedisStore) Decr(key string) int64 {
	ctx, cancel := s.opCtx()
	defer cancel()
	val, err := s.client.Decr(ctx, key).Result()
	if err != nil {
		s.warn("decr", err)
		return 0
	}
	return val
}

// Expire sets a TTL on an existing key.
func (s *RedisStore) Expire(key string, ttl time.Duration) {
	ctx, cancel := s.opCtx()
	defer cancel()
	s.warn("expire", s.client.Expire(ctx, key, ttl).Err())
}

// SetNX acquires key if absent; false on contention or failure.
func (s *RedisStore) SetNX(key, value string, ttl time.Duration) bool {
	ctx, cancel := s.opCtx()
	defer cancel()
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		s.warn("setnx", err)
		return false
	}
	return ok
}

// HSet writes hash fields.
func (s *RedisStore) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	s.warn("hset", s.client.HSet(ctx, key, args...).Err())
}

// HGetAll reads all hash fields; empty map on absence or failure.
func (s *RedisStore) HGetAll(key string) map[string]string {
	ctx, cancel := s.opCtx()
	defer cancel()
	val, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		s.warn("hgetall", err)
		return map[string]string{}
	}
	return val
}

// LPush prepends values to a list.
func (s *RedisStore) LPush(key string, values ...string) {
	if len(values) == 0 {
		return
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	s.warn("lpush", s.client.LPush(ctx, key, args...).Err())
}

// LRange reads a list slice; nil on failure.
func (s *RedisStore) LRange(key string, start, stop int64) []string {
	ctx, cancel := s.opCtx()
	defer cancel()
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		s.warn("lrange", err)
		return nil
	}
	return vals
}

// Publish broadcasts the payload on the channel.
func (s *RedisStore) Publish(channel, payload string) {
	ctx, cancel := s.opCtx()
	defer cancel()
	s.warn("publish", s.client.Publish(ctx, channel, payload).Err())
}

// Subscribe delivers channel payloads to the handler on a dedicated
// goroutine until the returned cancel func runs. The subscription survives
// transient server loss via the client's own reconnect.
func (s *RedisStore) Subscribe(channel string, handler func(payload string)) func() {
	subCtx, cancel := context.WithCancel(s.ctx)
	sub := s.client.Subscribe(subCtx, channel)
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()
	return func() {
		cancel()
		_ = sub.Close()
	}
}
