package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store deduplicates webhook deliveries by delivery ID. With a Redis client
// the replay window survives restarts and is shared across replicas; without
// one it degrades to an in-process cache.
type Store struct {
	ttl time.Duration
	rdb *redis.Client

	mu    sync.Mutex
	local map[string]time.Time
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		ttl:   ttl,
		rdb:   rdb,
		local: make(map[string]time.Time),
	}
}

// FirstDelivery records the key and reports whether this is the first time it
// has been seen within the TTL window. A Redis failure falls back to the
// local cache rather than failing the delivery.
func (s *Store) FirstDelivery(ctx context.Context, key string) bool {
	if key == "" {
		return true
	}
	if s.rdb != nil {
		ok, err := s.rdb.SetNX(ctx, "pad:webhook:delivery:"+key, 1, s.ttl).Result()
		if err == nil {
			return ok
		}
	}
	return s.firstLocal(key)
}

// Seen reports whether the key was recorded within the TTL window, without
// recording it. Paired with Record for flows where the work between check
// and record can fail and must stay retryable.
func (s *Store) Seen(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}
	if s.rdb != nil {
		n, err := s.rdb.Exists(ctx, "pad:webhook:delivery:"+key).Result()
		if err == nil {
			return n > 0
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.local[key]
	return ok && time.Since(seen) < s.ttl
}

// Record marks the key as processed.
func (s *Store) Record(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Set(ctx, "pad:webhook:delivery:"+key, 1, s.ttl).Err(); err == nil {
			return
		}
	}
	s.firstLocal(key)
}

func (s *Store) firstLocal(key string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if seen, ok := s.local[key]; ok && now.Sub(seen) < s.ttl {
		return false
	}
	s.local[key] = now

	// Opportunistic sweep keeps the map bounded under steady traffic.
	if len(s.local) > 4096 {
		for k, t := range s.local {
			if now.Sub(t) >= s.ttl {
				delete(s.local, k)
			}
		}
	}
	return true
}
