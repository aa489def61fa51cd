package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// DefaultRobotsCacheSize is the number of sites whose rules are kept.
const DefaultRobotsCacheSize = 1000

// RobotsPolicy fetches and evaluates robots.txt per site. Rules are cached
// in insertion order; when the cache is full the single oldest site is
// evicted.
type RobotsPolicy struct {
	transport  Transport
	userAgent  string
	maxEntries int
	logger     *slog.Logger

	mu     sync.Mutex
	groups map[string]*robotstxt.Group // nil group allows everything
	order  []string
}

// NewRobotsPolicy creates a policy that downloads robots.txt through
// transport. A nil logger uses slog.Default().
func NewRobotsPolicy(transport Transport, userAgent string, logger *slog.Logger) *RobotsPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &RobotsPolicy{
		transport:  transport,
		userAgent:  userAgent,
		maxEntries: DefaultRobotsCacheSize,
		logger:     logger,
		groups:     make(map[string]*robotstxt.Group),
	}
}

// IsAllowed checks if a URL is allowed by robots.txt. A robots.txt that
// cannot be fetched, or answers with anything but 200, allows everything.
func (r *RobotsPolicy) IsAllowed(ctx context.Context, urlStr string) (bool, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false, fmt.Errorf("invalid URL: %w", err)
	}

	group := r.group(ctx, parsedURL)
	if group == nil {
		return true, nil
	}
	return group.Test(parsedURL.RequestURI()), nil
}

// CrawlDelay returns the Crawl-delay declared for the URL's site, if its
// rules are cached.
func (r *RobotsPolicy) CrawlDelay(urlStr string) time.Duration {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if group := r.groups[siteKey(parsedURL)]; group != nil {
		return group.CrawlDelay
	}
	return 0
}

// Len returns the number of cached sites.
func (r *RobotsPolicy) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

func siteKey(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func (r *RobotsPolicy) group(ctx context.Context, u *url.URL) *robotstxt.Group {
	key := siteKey(u)

	r.mu.Lock()
	group, exists := r.groups[key]
	r.mu.Unlock()
	if exists {
		return group
	}

	group = r.fetch(ctx, key)
	r.store(key, group)
	return group
}

func (r *RobotsPolicy) fetch(ctx context.Context, site string) *robotstxt.Group {
	robotsURL := site + "/robots.txt"

	result, err := r.transport.Do(ctx, robotsURL, nil)
	if err != nil {
		r.logger.Debug("robots.txt fetch failed", "url", robotsURL, "error", err)
		return nil
	}
	if result.StatusCode != http.StatusOK {
		return nil
	}

	data, err := robotstxt.FromBytes(result.Body)
	if err != nil {
		r.logger.Debug("robots.txt parse failed", "url", robotsURL, "error", err)
		return nil
	}
	return data.FindGroup(r.userAgent)
}

func (r *RobotsPolicy) store(key string, group *robotstxt.Group) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[key]; exists {
		r.groups[key] = group
		return
	}

	if len(r.order) >= r.maxEntries {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.groups, oldest)
		r.logger.Debug("robots.txt cache evicted site", "site", oldest, "limit", r.maxEntries)
	}

	r.groups[key] = group
	r.order = append(r.order, key)
}
