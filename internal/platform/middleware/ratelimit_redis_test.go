package middleware

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestNewRedisLimiter_Window(t *testing.T) {
	tests := []struct {
		name       string
		cfg        RateLimitConfig
		wantLimit  int64
		wantWindow time.Duration
	}{
		{"burst over rate", RateLimitConfig{RequestsPerSecond: 100, BurstSize: 200}, 200, 2 * time.Second},
		{"burst under rate", RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5}, 10, time.Second},
		{"zero rate", RateLimitConfig{BurstSize: 3}, 3, time.Second},
		{"zero burst", RateLimitConfig{RequestsPerSecond: 1}, 1, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewRedisLimiter(nil, tt.cfg)
			if l.limit != tt.wantLimit || l.window != tt.wantWindow {
				t.Errorf("got limit %d window %v, want %d %v", l.limit, l.window, tt.wantLimit, tt.wantWindow)
			}
		})
	}
}

func TestRedisLimiter_FallbackWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	cfg := RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}
	l := NewRedisLimiter(client, cfg, WithFallback(NewLocalLimiter(cfg)))

	d, err := l.Allow(context.Background(), "HOSP-A")
	if err != nil || !d.Allowed {
		t.Fatalf("expected fallback to allow, got %+v %v", d, err)
	}
	d, _ = l.Allow(context.Background(), "HOSP-A")
	if d.Allowed {
		t.Error("expected fallback limiter to reject the second request")
	}
}

func TestRedisLimiter_ErrorWithoutFallback(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	l := NewRedisLimiter(client, DefaultRateLimitConfig())
	if _, err := l.Allow(context.Background(), "HOSP-A"); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}

func TestRedisLimiter_Integration(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	l := NewRedisLimiter(client, RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})
	fixed := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return fixed }
	key := "test-" + uuid.NewString()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(context.Background(), key)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: expected allowed, got %+v %v", i+1, d, err)
		}
	}
	d, err := l.Allow(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Error("expected third request in the window to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 2*time.Second {
		t.Errorf("unexpected retry after %v", d.RetryAfter)
	}
}
