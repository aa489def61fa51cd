package crawler

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/masahif/kumo/internal/metrics"
)

// RateLimiter paces requests per domain with one token bucket per host.
// Buckets are created lazily and live as long as the RateLimiter.
type RateLimiter struct {
	limiters  map[string]*rate.Limiter
	overrides map[string]float64
	mu        sync.RWMutex
	rps       float64
}

// NewRateLimiter creates a limiter allowing rps requests per second to each
// host, with per-host overrides.
func NewRateLimiter(rps float64, overrides map[string]float64) *RateLimiter {
	r := &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		overrides: make(map[string]float64, len(overrides)),
		rps:       rps,
	}
	for domain, v := range overrides {
		r.overrides[strings.ToLower(domain)] = v
	}
	return r
}

// Wait blocks until a token for urlStr's host is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context, urlStr string) error {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return err
	}

	domain := strings.ToLower(parsedURL.Host)
	limiter := r.getLimiter(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	metrics.ObserveRateLimitDelay(time.Since(start))
	return nil
}

// SetDomainRate sets a custom rate for a specific domain, replacing any
// bucket already created for it.
func (r *RateLimiter) SetDomainRate(domain string, rps float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocked(strings.ToLower(domain), rps)
}

// ApplyCrawlDelay caps urlStr's host at one request per delay. A host that
// is already as slow keeps its rate and bucket. It reports whether the rate
// changed.
func (r *RateLimiter) ApplyCrawlDelay(urlStr string, delay time.Duration) bool {
	if delay <= 0 {
		return false
	}
	domain := hostOf(urlStr)
	if domain == "" {
		return false
	}
	rps := 1 / delay.Seconds()

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.rps
	if override, ok := r.overrides[domain]; ok {
		current = override
	}
	if current > 0 && current <= rps {
		return false
	}
	r.setLocked(domain, rps)
	return true
}

func (r *RateLimiter) setLocked(domain string, rps float64) {
	if rps <= 0 {
		delete(r.overrides, domain)
		rps = r.rps
	} else {
		r.overrides[domain] = rps
	}
	r.limiters[domain] = newBucket(rps)
}

// getLimiter gets or creates a rate limiter for a domain
func (r *RateLimiter) getLimiter(domain string) *rate.Limiter {
	r.mu.RLock()
	limiter, exists := r.limiters[domain]
	r.mu.RUnlock()

	if exists {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Check again in case another goroutine created it
	if limiter, exists := r.limiters[domain]; exists {
		return limiter
	}

	rps := r.rps
	if override, ok := r.overrides[domain]; ok {
		rps = override
	}
	limiter = newBucket(rps)
	r.limiters[domain] = limiter

	return limiter
}

// newBucket builds a bucket refilling at rps with room for a single token,
// so N requests take (N-1)/rps seconds.
func newBucket(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}
