package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result is the outcome of a single Allow call.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter counts a request against rule for key.
type Limiter interface {
	Allow(ctx context.Context, key string, rule Rule) (Result, error)
}

// MemoryStore keeps a fixed-window counter per group and key in process
// memory. It enforces the same quota as RedisStore: at most Limit requests
// per Window, counted from the first request of the window.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	start    time.Time
	count    int
	lastSeen time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window), now: time.Now}
}

// Allow implements Limiter.
func (m *MemoryStore) Allow(_ context.Context, key string, rule Rule) (Result, error) {
	now := m.now()
	id := rule.Group + "|" + key

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[id]
	if !ok || !now.Before(w.start.Add(rule.Window)) {
		w = &window{start: now}
		m.windows[id] = w
	}
	w.lastSeen = now
	w.count++
	if w.count <= rule.Limit {
		return Result{Allowed: true}, nil
	}
	return Result{RetryAfter: w.start.Add(rule.Window).Sub(now)}, nil
}

// Sweep drops windows idle for longer than idle and returns how many were
// removed.
func (m *MemoryStore) Sweep(idle time.Duration) int {
	cutoff := m.now().Add(-idle)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, w := range m.windows {
		if w.lastSeen.Before(cutoff) {
			delete(m.windows, id)
			n++
		}
	}
	return n
}

// Run sweeps idle windows every interval until ctx is cancelled.
func (m *MemoryStore) Run(ctx context.Context, interval, idle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(idle)
		}
	}
}

// RedisStore is a fixed-window counter shared by every instance pointing at
// the same Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. Keys are written under "ratelimit:".
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

// Allow implements Limiter.
func (s *RedisStore) Allow(ctx context.Context, key string, rule Rule) (Result, error) {
	k := s.prefix + rule.Group + ":" + key
	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return Result{}, fmt.Errorf("redis incr %s: %w", k, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, k, rule.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("redis expire %s: %w", k, err)
		}
	}
	if count <= int64(rule.Limit) {
		return Result{Allowed: true}, nil
	}

	ttl, err := s.client.PTTL(ctx, k).Result()
	if err != nil || ttl <= 0 {
		ttl = rule.Window
	}
	return Result{RetryAfter: ttl}, nil
}
