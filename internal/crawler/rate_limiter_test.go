package crawler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(10, nil)
	ctx := context.Background()

	start := time.Now()

	// First request should be immediate
	if err := limiter.Wait(ctx, "https://example.com/page1"); err != nil {
		t.Errorf("First request failed: %v", err)
	}

	// Second request should wait one refill interval
	if err := limiter.Wait(ctx, "https://example.com/page2"); err != nil {
		t.Errorf("Second request failed: %v", err)
	}

	elapsed := time.Since(start)
	if elapsed < 90*time.Millisecond {
		t.Errorf("Rate limiting not working, elapsed time: %v", elapsed)
	}

	// Different domain should not be rate limited
	start2 := time.Now()
	if err := limiter.Wait(ctx, "https://other.com/page1"); err != nil {
		t.Errorf("Different domain request failed: %v", err)
	}
	if elapsed2 := time.Since(start2); elapsed2 > 20*time.Millisecond {
		t.Errorf("Different domain was rate limited, elapsed time: %v", elapsed2)
	}
}

// TestRateLimiterSimulatedTime measures token-bucket time through
// reservations instead of sleeping.
func TestRateLimiterSimulatedTime(t *testing.T) {
	limiter := NewRateLimiter(10, map[string]float64{"fast.example": 100})

	slow := limiter.getLimiter("slow.example")
	fast := limiter.getLimiter("fast.example")

	now := time.Now()
	var slowDelay, fastDelay time.Duration
	for i := 0; i < 100; i++ {
		slowDelay = slow.ReserveN(now, 1).DelayFrom(now)
		fastDelay = fast.ReserveN(now, 1).DelayFrom(now)
	}

	if slowDelay < 9900*time.Millisecond-time.Millisecond {
		t.Errorf("100 requests at 10/s took %v of bucket time, want >= ~9.9s", slowDelay)
	}
	if fastDelay > 1*time.Second {
		t.Errorf("100 requests at 100/s took %v of bucket time, want <= 1s", fastDelay)
	}
}

func TestRateLimiterDomainOverride(t *testing.T) {
	limiter := NewRateLimiter(100, map[string]float64{"Example.com": 5})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := limiter.Wait(ctx, "https://example.com/page"); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 190*time.Millisecond {
		t.Errorf("Override not applied, elapsed time: %v", elapsed)
	}
}

func TestRateLimiterSetDomainRate(t *testing.T) {
	limiter := NewRateLimiter(100, nil)
	limiter.SetDomainRate("example.com", 5)

	if got := float64(limiter.getLimiter("example.com").Limit()); got != 5 {
		t.Errorf("Limit = %v, want 5", got)
	}

	limiter.SetDomainRate("example.com", 0)
	if got := float64(limiter.getLimiter("example.com").Limit()); got != 100 {
		t.Errorf("Limit after reset = %v, want 100", got)
	}
}

func TestRateLimiterApplyCrawlDelay(t *testing.T) {
	tests := []struct {
		name      string
		rps       float64
		overrides map[string]float64
		delay     time.Duration
		changed   bool
		want      float64
	}{
		{"faster default is slowed", 10, nil, 2 * time.Second, true, 0.5},
		{"unlimited default is slowed", 0, nil, time.Second, true, 1},
		{"slower override is kept", 10, map[string]float64{"example.com": 0.25}, time.Second, false, 0.25},
		{"zero delay is ignored", 10, nil, 0, false, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewRateLimiter(tt.rps, tt.overrides)
			if got := limiter.ApplyCrawlDelay("https://example.com/page", tt.delay); got != tt.changed {
				t.Errorf("ApplyCrawlDelay = %v, want %v", got, tt.changed)
			}
			if got := float64(limiter.getLimiter("example.com").Limit()); got != tt.want {
				t.Errorf("Limit = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRateLimiterApplyCrawlDelayKeepsBucket(t *testing.T) {
	limiter := NewRateLimiter(10, nil)
	limiter.ApplyCrawlDelay("https://example.com/a", time.Second)
	bucket := limiter.getLimiter("example.com")

	if limiter.ApplyCrawlDelay("https://example.com/b", time.Second) {
		t.Error("Repeating the same delay should not change the rate")
	}
	if limiter.getLimiter("example.com") != bucket {
		t.Error("Repeating the same delay should keep the existing bucket")
	}
}

func TestRateLimiterContextCancellation(t *testing.T) {
	limiter := NewRateLimiter(2, nil)

	ctx, cancel := context.WithCancel(context.Background())

	// First request consumes the only token
	if err := limiter.Wait(ctx, "https://example.com/page1"); err != nil {
		t.Errorf("First request failed: %v", err)
	}

	cancel()

	err := limiter.Wait(ctx, "https://example.com/page2")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRateLimiterInvalidURL(t *testing.T) {
	limiter := NewRateLimiter(10, nil)

	if err := limiter.Wait(context.Background(), "http://[::1]:namedport"); err == nil {
		t.Errorf("Expected error for invalid URL, got nil")
	}
}
