package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"pousada/auth"
	"pousada/config"
	"pousada/observability"
	"pousada/observability/logging"
)

const (
	// rateWindow is the span the distributed limiter counts over.
	rateWindow = time.Minute

	// Idle per-property buckets are dropped inline on the request path;
	// no janitor goroutine runs.
	visitorTTL    = 10 * time.Minute
	sweepInterval = 5 * time.Minute
)

// windowCounter records one hit against a keyed time window and reports
// whether the hit is still inside the limit.
type windowCounter interface {
	take(ctx context.Context, key string, limit int) (bool, error)
}

// RateLimiter bounds webhook ingress per property. With a Redis client
// the count is shared across processes through a sliding window;
// without one, and whenever the window store is unreachable, a local
// per-property token bucket enforces the limit instead.
type RateLimiter struct {
	perMinute int
	burst     int
	window    windowCounter

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds the ingress limiter. A nil client selects the
// in-process fallback; PerMinute <= 0 disables limiting entirely.
func NewRateLimiter(cfg config.RateLimitConfig, client *redis.Client) *RateLimiter {
	rl := &RateLimiter{
		perMinute: cfg.PerMinute,
		burst:     cfg.Burst,
		visitors:  make(map[string]*visitor),
		now:       time.Now,
	}
	if rl.burst <= 0 {
		rl.burst = 1
	}
	if client != nil {
		rl.window = &redisWindow{client: client, window: rateWindow}
	}
	return rl
}

// Middleware enforces the limit for one webhook source. Over-limit
// requests are rejected before any handler side effect can run.
func (rl *RateLimiter) Middleware(source string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl == nil || rl.perMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			key := source + ":" + tenantKey(r)
			if !rl.allow(r.Context(), key) {
				observability.Webhooks().Observe(source, "rate_limited", time.Since(start))
				w.Header().Set("Retry-After", strconv.Itoa(int(rateWindow.Seconds())))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "ingress rate limit exceeded for this property")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(ctx context.Context, key string) bool {
	if rl.window != nil {
		ok, err := rl.window.take(ctx, "pousada:ratelimit:"+key, rl.perMinute+rl.burst)
		if err == nil {
			return ok
		}
		logging.FromContext(ctx).Warn("rate limit window unavailable", "error", err)
	}
	return rl.obtainLimiter(key).Allow()
}

func (rl *RateLimiter) obtainLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if now.Sub(rl.lastSweep) >= sweepInterval {
		rl.lastSweep = now
		for id, entry := range rl.visitors {
			if now.Sub(entry.lastSeen) > visitorTTL {
				delete(rl.visitors, id)
			}
		}
	}
	entry, ok := rl.visitors[key]
	if !ok {
		perSecond := float64(rl.perMinute) / 60.0
		entry = &visitor{limiter: rate.NewLimiter(rate.Limit(perSecond), rl.burst)}
		rl.visitors[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// tenantKey scopes the limit to the acting property. Webhook sources
// that do not carry the property header fall back to the caller
// address.
func tenantKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(auth.HeaderPropertyID)); id != "" {
		return id
	}
	return clientID(r)
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if raw := r.Header.Get("X-Forwarded-For"); raw != "" {
		first, _, _ := strings.Cut(raw, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// redisWindow is a one-minute sliding window shared across processes.
// Each hit lands as a sorted-set member scored by its arrival instant;
// members older than the window are trimmed on every take.
type redisWindow struct {
	client *redis.Client
	window time.Duration
}

func (rw *redisWindow) take(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now()
	floor := strconv.FormatInt(now.Add(-rw.window).UnixNano(), 10)
	var count *redis.IntCmd
	_, err := rw.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "0", floor)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
		count = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, rw.window)
		return nil
	})
	if err != nil {
		return false, err
	}
	return count.Val() <= int64(limit), nil
}
