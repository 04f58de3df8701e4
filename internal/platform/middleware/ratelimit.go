package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/fhir-gateway/internal/platform/fhir"
	"github.com/ehr/fhir-gateway/internal/tenant"
)

// RateLimitConfig holds rate limiting configuration. RequestsPerSecond and
// BurstSize are the budget of one tenant. The Client fields bound a single
// client address across every tenant it names; zero means the tenant budget.
type RateLimitConfig struct {
	RequestsPerSecond       float64
	BurstSize               int
	ClientRequestsPerSecond float64
	ClientBurstSize         int
}

// ClientConfig returns the per-client budget as a tenant-style config.
func (c RateLimitConfig) ClientConfig() RateLimitConfig {
	out := RateLimitConfig{RequestsPerSecond: c.RequestsPerSecond, BurstSize: c.BurstSize}
	if c.ClientRequestsPerSecond > 0 {
		out.RequestsPerSecond = c.ClientRequestsPerSecond
	}
	if c.ClientBurstSize > 0 {
		out.BurstSize = c.ClientBurstSize
	}
	return out
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter decides whether a request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RejectObserver is told about every rejected request.
type RejectObserver interface {
	ObserveRateLimited(key string)
}

// minIdleTTL is the shortest time a bucket is kept after its last use.
const minIdleTTL = time.Minute

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter keeps one token bucket per key in process memory. Buckets idle
// long enough to have refilled completely are swept, so they behave exactly
// like new ones.
type LocalLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*bucket
	cfg       RateLimitConfig
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewLocalLimiter(cfg RateLimitConfig) *LocalLimiter {
	ttl := minIdleTTL
	if cfg.RequestsPerSecond > 0 {
		if refill := time.Duration(float64(cfg.BurstSize) / cfg.RequestsPerSecond * float64(time.Second)); refill > ttl {
			ttl = refill
		}
	}
	return &LocalLimiter{
		limiters: make(map[string]*bucket),
		cfg:      cfg,
		idleTTL:  ttl,
		now:      time.Now,
	}
}

func (l *LocalLimiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweep(now)
	}
	b, ok := l.limiters[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)}
		l.limiters[key] = b
	}
	b.lastSeen = now
	return b.lim
}

// sweep drops idle buckets. l.mu must be held.
func (l *LocalLimiter) sweep(now time.Time) {
	for k, b := range l.limiters {
		if now.Sub(b.lastSeen) >= l.idleTTL {
			delete(l.limiters, k)
		}
	}
	l.lastSweep = now
}

// Len reports how many buckets are held.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	r := l.get(key, now).ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: time.Second}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}

type RateLimitOption func(*rateLimiter)

type rateLimiter struct {
	limiter  Limiter
	clients  Limiter
	observer RejectObserver
}

// WithLimiter replaces the default in-process tenant limiter.
func WithLimiter(l Limiter) RateLimitOption {
	return func(r *rateLimiter) {
		r.limiter = l
	}
}

// WithClientLimiter replaces the default in-process per-client limiter.
func WithClientLimiter(l Limiter) RateLimitOption {
	return func(r *rateLimiter) {
		r.clients = l
	}
}

// WithRejectObserver reports rejected requests to o.
func WithRejectObserver(o RejectObserver) RateLimitOption {
	return func(r *rateLimiter) {
		r.observer = o
	}
}

// RateLimit limits requests per client IP and then per tenant. The tenant id
// is asserted by the caller, so the client check runs first: switching tenant
// ids does not earn a client a fresh budget. Rejected requests get 429 with a
// throttled OperationOutcome. A failing limiter lets the request through.
func RateLimit(cfg RateLimitConfig, opts ...RateLimitOption) echo.MiddlewareFunc {
	rl := &rateLimiter{}
	for _, opt := range opts {
		if opt != nil {
			opt(rl)
		}
	}
	if rl.limiter == nil {
		rl.limiter = NewLocalLimiter(cfg)
	}
	if rl.clients == nil {
		rl.clients = NewLocalLimiter(cfg.ClientConfig())
	}
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)

			clientKey := "ip:" + c.RealIP()
			if d := allow(ctx, rl.clients, clientKey); !d.Allowed {
				return rl.reject(c, clientKey, d)
			}

			if tid, _ := c.Get(string(tenant.IDKey)).(string); tid != "" {
				if d := allow(ctx, rl.limiter, "tenant:"+tid); !d.Allowed {
					return rl.reject(c, tid, d)
				}
			}
			return next(c)
		}
	}
}

func allow(ctx context.Context, l Limiter, key string) Decision {
	d, err := l.Allow(ctx, key)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("rate limiter unavailable, allowing request")
		return Decision{Allowed: true}
	}
	return d
}

func (rl *rateLimiter) reject(c echo.Context, key string, d Decision) error {
	if rl.observer != nil {
		rl.observer.ObserveRateLimited(key)
	}
	h := c.Response().Header()
	h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
	h.Set("X-RateLimit-Remaining", "0")
	return c.JSON(http.StatusTooManyRequests, fhir.ThrottleOutcome())
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
