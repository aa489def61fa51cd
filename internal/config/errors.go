package config

import "errors"

var (
	// ErrNoSeedURLs is returned when no seed URLs are provided and there is nothing to resume
	ErrNoSeedURLs = errors.New("no seed URLs provided")
	// ErrInvalidConcurrency is returned when concurrency is not greater than 0
	ErrInvalidConcurrency = errors.New("concurrency must be greater than 0")
	// ErrInvalidMaxPages is returned when the page budget is not greater than 0
	ErrInvalidMaxPages = errors.New("max_pages must be greater than 0")
	// ErrInvalidMaxDepth is returned when max depth is negative
	ErrInvalidMaxDepth = errors.New("max_depth must be 0 or greater")
	// ErrInvalidTimeout is returned when request timeout is not greater than 0
	ErrInvalidTimeout = errors.New("request_timeout must be greater than 0")
	// ErrInvalidRateLimit is returned when a rate limit is not greater than 0
	ErrInvalidRateLimit = errors.New("rate_limit must be greater than 0")
	// ErrInvalidRetries is returned when max retries is negative
	ErrInvalidRetries = errors.New("max_retries must be 0 or greater")
	// ErrInvalidQueueSize is returned when the frontier capacity is not greater than 0
	ErrInvalidQueueSize = errors.New("max_queue_size must be greater than 0")
	// ErrInvalidBatchSize is returned when the output batch size is not greater than 0
	ErrInvalidBatchSize = errors.New("output.batch_size must be greater than 0")
	// ErrInvalidFormat is returned for an unknown output format
	ErrInvalidFormat = errors.New("unsupported output format")
	// ErrInvalidProxy is returned when the proxy URL cannot be parsed
	ErrInvalidProxy = errors.New("invalid proxy URL")
	// ErrInvalidHeader is returned for a header not in "Name: Value" form
	ErrInvalidHeader = errors.New("invalid header format")
	// ErrInvalidPattern is returned when an include/exclude pattern does not compile
	ErrInvalidPattern = errors.New("invalid URL pattern")
	// ErrEmptyCacheDir is returned when caching is enabled without a directory
	ErrEmptyCacheDir = errors.New("cache.dir cannot be empty")
	// ErrInvalidCacheTTL is returned when caching is enabled with a non-positive TTL
	ErrInvalidCacheTTL = errors.New("cache.ttl must be greater than 0")
	// ErrEmptyCheckpointPath is returned when checkpointing is enabled without a path
	ErrEmptyCheckpointPath = errors.New("checkpoint.path cannot be empty")
)
