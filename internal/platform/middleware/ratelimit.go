package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	dErrors "custodian/pkg/domain-errors"
	"custodian/pkg/platform/httputil"
	"custodian/pkg/requestcontext"
)

// RateLimiter keeps a token bucket per caller. Callers are keyed by user ID
// when authenticated and by client IP otherwise.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond sustained requests with the given burst.
// Buckets idle for longer than idleTTL are dropped on the next sweep.
func NewRateLimiter(perSecond float64, burst int, idleTTL time.Duration, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  idleTTL,
		now:      time.Now,
		logger:   logger,
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, ok := rl.limiters[key]
	if !ok {
		rl.evictIdle(now)
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// evictIdle must be called with mu held.
func (rl *RateLimiter) evictIdle(now time.Time) {
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > rl.idleTTL {
			delete(rl.limiters, key)
		}
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := "ip:" + requestcontext.ClientIP(ctx)
		if userID := requestcontext.UserID(ctx); !userID.IsNil() {
			key = "user:" + userID.String()
		}

		if !rl.limiterFor(key).AllowN(rl.now(), 1) {
			rl.logger.WarnContext(ctx, "rate limit exceeded",
				"request_id", requestcontext.RequestID(ctx),
				"key", key,
			)
			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfterSeconds()))
			httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds is the time for one token to refill, at least a second.
func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.rate <= 0 {
		return 60
	}
	return max(1, int(math.Ceil(1/float64(rl.rate))))
}
