package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter ограничивает частоту запросов отдельно для каждого пользователя.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	logger   *zap.Logger
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter создаёт ограничитель: perSecond запросов в секунду с запасом burst.
func NewRateLimiter(perSecond float64, burst int, logger *zap.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		logger:   logger,
		now:      time.Now,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = rl.now()
	return e.limiter
}

// Handler отклоняет запрос с 429, если пользователь превысил лимит.
// Ключом служит пользователь из контекста, без аутентификации используется адрес клиента.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := GetUserIDFromContext(r.Context())
		if !ok {
			key = r.RemoteAddr
		}

		if !rl.limiter(key).Allow() {
			rl.logger.Warn("rate limit exceeded",
				zap.String("key", key),
				zap.String("path", r.URL.Path),
			)
			retryAfter := 1
			if rl.rate > 0 {
				retryAfter = int(math.Ceil(1 / float64(rl.rate)))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup удаляет ограничители пользователей, не обращавшихся дольше idle.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	removed := 0
	for key, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}
