package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxTextLength bounds Record.Text in tabular output rows.
const MaxTextLength = 10000

// metadataHeaders is the CrawlRequest.Metadata key holding per-request headers.
const metadataHeaders = "headers"

// CrawlRequest is one URL waiting to be fetched. Values are treated as
// immutable once queued; hooks return modified copies.
type CrawlRequest struct {
	URL      string         // Absolute http(s) URL
	Depth    int            // Link hops from a seed
	Priority int            // Higher is dequeued sooner
	Metadata map[string]any // Open map; "headers" carries per-request headers
}

// Headers returns the per-request headers stored in Metadata["headers"].
// Both map[string]string and map[string]any (as decoded from a checkpoint)
// are accepted.
func (r CrawlRequest) Headers() map[string]string {
	if r.Metadata == nil {
		return nil
	}
	switch h := r.Metadata[metadataHeaders].(type) {
	case map[string]string:
		return h
	case map[string]any:
		out := make(map[string]string, len(h))
		for k, v := range h {
			out[k] = fmt.Sprint(v)
		}
		return out
	default:
		return nil
	}
}

// WithHeaders returns a copy of r whose per-request headers are the existing
// ones overlaid with headers. The receiver is not modified.
func (r CrawlRequest) WithHeaders(headers map[string]string) CrawlRequest {
	merged := make(map[string]string, len(headers))
	for k, v := range r.Headers() {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}

	metadata := make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		metadata[k] = v
	}
	metadata[metadataHeaders] = merged

	r.Metadata = metadata
	return r
}

// CrawlResponse is the outcome of one completed fetch.
type CrawlResponse struct {
	URL        string            // Final URL after redirects
	StatusCode int               // 0 when no response was received
	Content    []byte            // Body; empty unless StatusCode is 200
	Headers    map[string]string // Response headers
	FetchedAt  time.Time
	Error      string    // Non-empty iff the fetch failed
	ErrorKind  ErrorKind // Classification of Error
	FromCache  bool
	Request    *CrawlRequest
}

// Failed reports whether the fetch produced an error.
func (r CrawlResponse) Failed() bool {
	return r.Error != ""
}

// Record is one extracted item. URL is its identity for output dedup.
type Record struct {
	URL       string         `json:"url"`
	Title     string         `json:"title"`
	Text      string         `json:"text"`
	Links     []string       `json:"links"`
	Data      map[string]any `json:"extracted_data,omitempty"`
	CrawledAt time.Time      `json:"crawled_at"`
}

// RecordColumns is the column order used by tabular output formats.
var RecordColumns = []string{"url", "title", "text", "links", "extracted_data", "crawled_at"}

// Row flattens the record into RecordColumns order. Links are joined with
// "|", extracted data is encoded as JSON and text is truncated to
// MaxTextLength characters.
func (r Record) Row() []string {
	data := ""
	if len(r.Data) > 0 {
		data = encodeJSON(r.Data)
	}
	return []string{
		r.URL,
		r.Title,
		truncateRunes(r.Text, MaxTextLength),
		strings.Join(r.Links, "|"),
		data,
		r.CrawledAt.UTC().Format(time.RFC3339Nano),
	}
}

// Stats is a point-in-time snapshot of crawl counters.
type Stats struct {
	PagesCrawled   int
	ItemsExtracted int
	Errors         int
	CacheHits      int
	QueueSize      int
	SeenURLs       int
	Dropped        FrontierDrops
	StartedAt      time.Time
	Elapsed        time.Duration
	PagesPerSec    float64
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
