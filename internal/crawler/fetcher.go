package crawler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/masahif/kumo/internal/metrics"
)

// FetcherConfig holds the politeness and resilience settings of a Fetcher.
type FetcherConfig struct {
	RespectRobots  bool
	MaxRetries     int           // Retries after the first attempt
	RetryBaseDelay time.Duration // Sleep before retry n is RetryBaseDelay * 2^n
	RequestTimeout time.Duration // Bounds each transport call (0=none)
}

// Fetcher turns one CrawlRequest into one CrawlResponse.
type Fetcher struct {
	transport   Transport
	robots      *RobotsPolicy // nil disables robots checks
	cache       ResponseCache // nil disables caching
	rateLimiter *RateLimiter
	config      FetcherConfig
	logger      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher wires a fetcher. robots and cache may be nil.
func NewFetcher(transport Transport, rateLimiter *RateLimiter, robots *RobotsPolicy, cache ResponseCache, config FetcherConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		transport:   transport,
		robots:      robots,
		cache:       cache,
		rateLimiter: rateLimiter,
		config:      config,
		logger:      logger,
		sleep:       sleepContext,
	}
}

// Fetch runs the request through robots, cache, rate limiting, the transport
// and the retry loop. Failures are reported in the response, never as errors.
func (f *Fetcher) Fetch(ctx context.Context, req CrawlRequest) CrawlResponse {
	reqCopy := req

	// Robots rules are checked before the cache so updated disallow rules
	// apply to cached URLs too.
	if f.config.RespectRobots && f.robots != nil {
		allowed, err := f.robots.IsAllowed(ctx, req.URL)
		if err != nil {
			f.logger.Warn("robots.txt check failed", "url", req.URL, "error", err)
		}
		if !allowed {
			f.logger.Info("URL disallowed by robots.txt", "url", req.URL)
			return CrawlResponse{
				URL:        req.URL,
				StatusCode: http.StatusForbidden,
				FetchedAt:  time.Now(),
				Error:      "blocked by robots.txt",
				ErrorKind:  KindPolicyDenied,
				Request:    &reqCopy,
			}
		}
		if delay := f.robots.CrawlDelay(req.URL); f.rateLimiter.ApplyCrawlDelay(req.URL, delay) {
			f.logger.Info("Applying robots.txt crawl delay", "host", hostOf(req.URL), "delay", delay)
		}
	}

	if f.cache != nil {
		entry, ok, err := f.cache.Get(ctx, req.URL)
		if err != nil {
			f.logger.Warn("Cache lookup failed", "url", req.URL, "error", err)
		}
		metrics.ObserveCacheLookup(ok)
		if ok {
			return CrawlResponse{
				URL:        entry.URL,
				StatusCode: entry.StatusCode,
				Content:    entry.Content,
				Headers:    entry.Headers,
				FetchedAt:  entry.CachedAt,
				FromCache:  true,
				Request:    &reqCopy,
			}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		if err := f.rateLimiter.Wait(ctx, req.URL); err != nil {
			lastErr = err
			break
		}

		result, err := f.do(ctx, req)
		if err == nil {
			return f.complete(ctx, req, &reqCopy, result)
		}

		lastErr = err
		kind := ClassifyError(err)
		if !kind.Retryable() || ctx.Err() != nil {
			break
		}

		if attempt < f.config.MaxRetries {
			delay := f.config.RetryBaseDelay * time.Duration(1<<attempt)
			f.logger.Debug("Retrying fetch", "url", req.URL, "attempt", attempt+1, "delay", delay, "error", err)
			if err := f.sleep(ctx, delay); err != nil {
				break
			}
		}
	}

	kind := ClassifyError(lastErr)
	if ctx.Err() != nil && kind == KindTransient {
		kind = KindTimeout
	}
	return CrawlResponse{
		URL:        req.URL,
		StatusCode: 0,
		FetchedAt:  time.Now(),
		Error:      lastErr.Error(),
		ErrorKind:  kind,
		Request:    &reqCopy,
	}
}

func (f *Fetcher) do(ctx context.Context, req CrawlRequest) (TransportResult, error) {
	callCtx := ctx
	if f.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, f.config.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := f.transport.Do(callCtx, req.URL, req.Headers())
	outcome := "ok"
	if err != nil {
		outcome = string(ClassifyError(err))
	}
	metrics.ObserveFetchAttempt(outcome, time.Since(start))
	return result, err
}

func (f *Fetcher) complete(ctx context.Context, req CrawlRequest, reqCopy *CrawlRequest, result TransportResult) CrawlResponse {
	finalURL := result.FinalURL
	if finalURL == "" {
		finalURL = req.URL
	}

	resp := CrawlResponse{
		URL:        finalURL,
		StatusCode: result.StatusCode,
		Headers:    result.Headers,
		FetchedAt:  time.Now(),
		Request:    reqCopy,
	}
	metrics.ObservePage(result.StatusCode)

	if result.StatusCode != http.StatusOK {
		resp.ErrorKind = KindPermanentHTTP
		return resp
	}
	resp.Content = result.Body

	if f.cache != nil {
		if err := f.cache.Set(ctx, req.URL, finalURL, result.StatusCode, result.Body, result.Headers); err != nil {
			f.logger.Warn("Cache write failed", "url", req.URL, "error", err)
		}
	}
	return resp
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
