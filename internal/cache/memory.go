package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

type memEntry struct {
	data    []byte
	counter int64
	expires time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// MemoryStore is an in-process Store. Keys are kept ordered so pattern
// invalidation only walks the pattern's literal prefix.
type MemoryStore struct {
	mu    sync.Mutex
	items *btree.Map[string, memEntry]
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: btree.NewMap[string, memEntry](32), now: time.Now}
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) Get(_ context.Context, key string, dest any) error {
	s.mu.Lock()
	e, ok := s.items.Get(key)
	if ok && e.expired(s.now()) {
		s.items.Delete(key)
		ok = false
	}
	s.mu.Unlock()
	if !ok || e.data == nil {
		return ErrCacheMiss
	}
	return json.Unmarshal(e.data, dest)
}

func (s *MemoryStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	s.mu.Lock()
	s.items.Set(key, memEntry{data: data, expires: s.expiry(ttl)})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		s.items.Delete(k)
	}
	s.mu.Unlock()
	return nil
}

// Keys lists live keys matching a glob.
func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.match(pattern), nil
}

func (s *MemoryStore) InvalidatePattern(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := s.match(pattern)
	for _, k := range matched {
		s.items.Delete(k)
	}
	return len(matched), nil
}

// match walks only the pattern's literal prefix. Caller holds mu.
func (s *MemoryStore) match(pattern string) []string {
	prefix := pattern
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		prefix = pattern[:i]
	}
	now := s.now()
	var matched []string
	s.items.Ascend(prefix, func(key string, e memEntry) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		if ok, _ := path.Match(pattern, key); ok && !e.expired(now) {
			matched = append(matched, key)
		}
		return true
	})
	return matched
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items.Get(key)
	if !ok || e.expired(s.now()) {
		e = memEntry{expires: s.expiry(ttl)}
	}
	e.counter++
	s.items.Set(key, e)
	return e.counter, nil
}

func (s *MemoryStore) Count(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items.Get(key)
	if !ok || e.expired(s.now()) {
		return 0, nil
	}
	return e.counter, nil
}
