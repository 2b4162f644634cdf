package middleware

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/observability"
)

// KeyedLimiter rate limits by caller identity. Limiters for idle keys are
// evicted after an hour so the map does not grow with churned agents.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &KeyedLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether the key may proceed now.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	e, ok := k.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.limiters[key] = e

		if len(k.limiters) > 1024 {
			for id, ent := range k.limiters {
				if now.Sub(ent.lastSeen) > time.Hour {
					delete(k.limiters, id)
				}
			}
		}
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

// RateLimit rejects over-limit requests with 429. The key is the
// authenticated agent when present, the remote address otherwise.
func RateLimit(kl *KeyedLimiter, endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if agent, err := GetAgentFromContext(r.Context()); err == nil {
				key = agent.ID
			}
			if !kl.Allow(key) {
				observability.APIRateLimited.WithLabelValues(endpoint).Inc()
				// Jittered retry hint keeps a throttled fleet from
				// re-synchronizing on the same second.
				w.Header().Set("Retry-After", strconv.Itoa(1+rand.Intn(3)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
