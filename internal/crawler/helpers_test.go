package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/masahif/kumo/internal/storage"
)

// transportFunc adapts a function to the Transport interface.
type transportFunc func(ctx context.Context, url string, headers map[string]string) (TransportResult, error)

func (f transportFunc) Do(ctx context.Context, url string, headers map[string]string) (TransportResult, error) {
	return f(ctx, url, headers)
}

// memoryCache is an in-memory ResponseCache for fetcher tests.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]cachedPage
	sets    int
}

type cachedPage struct {
	url     string
	status  int
	content []byte
	headers map[string]string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]cachedPage)}
}

func (m *memoryCache) Get(_ context.Context, url string) (*storage.CacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	page, ok := m.entries[url]
	if !ok {
		return nil, false, nil
	}
	return &storage.CacheEntry{
		URL:        page.url,
		StatusCode: page.status,
		Content:    page.content,
		Headers:    page.headers,
		CachedAt:   time.Now(),
	}, true, nil
}

func (m *memoryCache) Set(_ context.Context, requestURL, finalURL string, status int, content []byte, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if finalURL == "" {
		finalURL = requestURL
	}
	m.entries[requestURL] = cachedPage{url: finalURL, status: status, content: content, headers: headers}
	m.sets++
	return nil
}

func (m *memoryCache) setCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

// noSleep replaces the fetcher's backoff sleep and records requested delays.
type noSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (n *noSleep) sleep(ctx context.Context, d time.Duration) error {
	n.mu.Lock()
	n.delays = append(n.delays, d)
	n.mu.Unlock()
	return ctx.Err()
}
