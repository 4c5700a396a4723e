package kv

import (
	"strconv"
	"sync"
	"time"
)

// MemoryStore implements the Store contract in-process. It backs deployments
// that run without a shared KV and every package test; cross-instance
// semantics collapse to single-instance.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]memoryEntry
	hashes map[string]map[string]string
	lists  map[string][]string
	subs   map[string][]*memorySub
	closed bool
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

type memorySub struct {
	handler func(string)
	done    chan struct{}
}

// NewMemory constructs an empty in-process store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		data:   make(map[string]memoryEntry),
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		subs:   make(map[string][]*memorySub),
	}
}

// Available always reports true; the process owns its own memory.
func (s *MemoryStore) Available() bool { return true }

// Close drops all subscriptions.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, subs := range s.subs {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	s.subs = make(map[string][]*memorySub)
}

func (s *MemoryStore) liveLocked(key string) (memoryEntry, bool) {
	entry, ok := s.data[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.data, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveLocked(key)
	return entry.value, ok
}

func (s *MemoryStore) Set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.data[key] = entry
}

func (s *MemoryStore) Del(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	delete(s.hashes, key)
	delete(s.lists, key)
}

func (s *MemoryStore) Incr(key string) int64 {
	return s.add(key, 1)
}

func (s *MemoryStore) Decr(key string) int64 {
	return s.add(key, -1)
}

func (s *MemoryStore) add(key string, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, _ := s.liveLocked(key)
	current, _ := strconv.ParseInt(entry.value, 10, 64)
	current += delta
	entry.value = strconv.FormatInt(current, 10)
	s.data[key] = entry
	return current
}

func (s *MemoryStore) Expire(key string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.liveLocked(key); ok {
		entry.expiresAt = time.Now().Add(ttl)
		s.data[key] = entry
	}
}

func (s *MemoryStore) SetNX(key, value string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveLocked(key); ok {
		return false
	}
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.data[key] = entry
	return true
}

func (s *MemoryStore) HSet(key string, fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.hashes[key]
	if !ok {
		hash = make(map[string]string, len(fields))
		s.hashes[key] = hash
	}
	for k, v := range fields {
		hash[k] = v
	}
}

func (s *MemoryStore) HGetAll(key string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) LPush(key string, values ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	for _, v := range values {
		list = append([]string{v}, list...)
	}
	s.lists[key] = list
}

func (s *MemoryStore) LRange(key string, start, stop int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out
}

func (s *MemoryStore) Publish(channel, payload string) {
	s.mu.Lock()
	subs := make([]*memorySub, len(s.subs[channel]))
	copy(subs, s.subs[channel])
	s.mu.Unlock()
	for _, sub := range subs {
		select {
		case <-sub.done:
		default:
			sub.handler(payload)
		}
	}
}

func (s *MemoryStore) Subscribe(channel string, handler func(string)) func() {
	sub := &memorySub{handler: handler, done: make(chan struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	s.subs[channel] = append(s.subs[channel], sub)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(sub.done)
			s.mu.Lock()
			subs := s.subs[channel]
			for i, candidate := range subs {
				if candidate == sub {
					s.subs[channel] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		})
	}
}
