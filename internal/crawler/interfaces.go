package crawler

import (
	"context"

	"github.com/masahif/kumo/internal/storage"
)

// Transport performs a single HTTP-shaped exchange. Implementations return a
// *FetchError (or an error ClassifyError understands) on failure and a
// TransportResult for any response the server produced, whatever its status.
type Transport interface {
	Do(ctx context.Context, url string, headers map[string]string) (TransportResult, error)
}

// TransportResult is what a transport hands back for a completed exchange.
type TransportResult struct {
	StatusCode int
	Body       []byte
	FinalURL   string
	Headers    map[string]string
}

// Parser turns a 200 response into at most one record and the absolute URLs
// discovered on the page. A nil record with no error is a valid outcome.
type Parser interface {
	Parse(resp CrawlResponse) (*Record, []string, error)
}

// Hook intercepts requests before they are fetched and responses before they
// are parsed. Returning false skips the request or discards the response and
// halts the chain.
type Hook interface {
	OnRequest(ctx context.Context, req CrawlRequest) (CrawlRequest, bool)
	OnResponse(ctx context.Context, resp CrawlResponse) (CrawlResponse, bool)
}

// Sink receives extracted records and materializes them on finalization.
type Sink interface {
	Add(rec Record) error
	Flush() error
	Consolidate() (string, error)
}

// ResponseCache stores prior successful fetches keyed by URL.
type ResponseCache interface {
	Get(ctx context.Context, url string) (*storage.CacheEntry, bool, error)
	Set(ctx context.Context, requestURL, finalURL string, statusCode int, content []byte, headers map[string]string) error
}
