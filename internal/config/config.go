// Package config provides configuration management for the crawler.
// It defines configuration structures, default values and validation for
// crawling, output, caching, checkpointing and logging parameters.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Authentication types accepted in Auth.Type
const (
	AuthTypeBasic  = "basic"
	AuthTypeBearer = "bearer"
	AuthTypeAPIKey = "api-key"
)

// Output formats accepted in OutputConfig.Format
const (
	FormatAuto   = "auto"
	FormatJSONL  = "jsonl"
	FormatJSON   = "json"
	FormatCSV    = "csv"
	FormatSQLite = "sqlite"
)

// headerEnvPrefix marks environment variables that carry custom request headers.
// KUMO_HEADER_X_API_KEY=abc becomes "X-Api-Key: abc".
const headerEnvPrefix = "KUMO_HEADER_"

// BasicAuth contains HTTP Basic Authentication credentials
type BasicAuth struct {
	Username    string `mapstructure:"username" yaml:"username"`         // Username for basic auth
	Password    string `mapstructure:"password" yaml:"password"`         // Password for basic auth
	UsernameEnv string `mapstructure:"username_env" yaml:"username_env"` // Environment variable for username
	PasswordEnv string `mapstructure:"password_env" yaml:"password_env"` // Environment variable for password
}

// BearerAuth contains a bearer token or the environment variable holding it
type BearerAuth struct {
	Token    string `mapstructure:"token" yaml:"token"`
	TokenEnv string `mapstructure:"token_env" yaml:"token_env"`
}

// APIKeyAuth sends a fixed header with every request
type APIKeyAuth struct {
	Header   string `mapstructure:"header" yaml:"header"`
	Value    string `mapstructure:"value" yaml:"value"`
	ValueEnv string `mapstructure:"value_env" yaml:"value_env"`
}

// Auth contains authentication configuration
type Auth struct {
	Type   string      `mapstructure:"type" yaml:"type"` // basic, bearer or api-key
	Basic  *BasicAuth  `mapstructure:"basic" yaml:"basic"`
	Bearer *BearerAuth `mapstructure:"bearer" yaml:"bearer"`
	APIKey *APIKeyAuth `mapstructure:"apikey" yaml:"apikey"`
}

// OutputConfig controls the batched output pipeline
type OutputConfig struct {
	Path      string `mapstructure:"path" yaml:"path"`             // Final artifact path; empty disables the pipeline
	Format    string `mapstructure:"format" yaml:"format"`         // auto, jsonl, json, csv, sqlite
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"` // Records per batch file
}

// CacheConfig controls the response cache
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Dir     string        `mapstructure:"dir" yaml:"dir"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// CheckpointConfig controls periodic crawl snapshots
type CheckpointConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	Interval int    `mapstructure:"interval" yaml:"interval"` // Pages between checkpoints (0=disabled)
}

// RenderConfig controls the headless browser transport
type RenderConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxParallel  int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	WaitSelector string        `mapstructure:"wait_selector" yaml:"wait_selector"`
	Settle       time.Duration `mapstructure:"settle" yaml:"settle"` // Extra wait after the selector is ready
}

// LogConfig controls structured logging
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json or text
	File       string `mapstructure:"file" yaml:"file"`
	MaxSize    int64  `mapstructure:"max_size" yaml:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// CrawlConfig holds crawler configuration
type CrawlConfig struct {
	// Basic crawling parameters
	SeedURLs       []string      `mapstructure:"seed_urls" yaml:"seed_urls"`             // Starting URLs for crawling
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`         // Number of concurrent workers
	MaxPages       int           `mapstructure:"max_pages" yaml:"max_pages"`             // Page budget
	MaxDepth       int           `mapstructure:"max_depth" yaml:"max_depth"`             // Link hops from a seed (0=seeds only)
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"` // Per-request timeout
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`           // HTTP User-Agent header
	RespectRobots  bool          `mapstructure:"respect_robots" yaml:"respect_robots"`   // Whether to respect robots.txt
	SameDomain     bool          `mapstructure:"same_domain" yaml:"same_domain"`         // Only follow links on seed hosts
	SameSite       bool          `mapstructure:"same_site" yaml:"same_site"`             // Widen SameDomain to the seeds' registrable domains
	Proxy          string        `mapstructure:"proxy" yaml:"proxy"`                     // HTTP(S) proxy URL

	// Politeness and resilience
	RateLimit        float64            `mapstructure:"rate_limit" yaml:"rate_limit"`                 // Requests per second per domain
	DomainRateLimits map[string]float64 `mapstructure:"domain_rate_limits" yaml:"domain_rate_limits"` // Per-host overrides
	MaxRetries       int                `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelay   time.Duration      `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`

	// Frontier limits
	MaxQueueSize int `mapstructure:"max_queue_size" yaml:"max_queue_size"`
	MaxSeenURLs  int `mapstructure:"max_seen_urls" yaml:"max_seen_urls"`

	// Authentication and headers
	Auth    *Auth    `mapstructure:"auth" yaml:"auth"`
	Headers []string `mapstructure:"headers" yaml:"headers"` // "Name: Value"

	// URL filtering
	IncludePatterns []string `mapstructure:"include_patterns" yaml:"include_patterns"` // Regex patterns for URLs to include
	ExcludePatterns []string `mapstructure:"exclude_patterns" yaml:"exclude_patterns"` // Regex patterns for URLs to exclude

	// Extraction
	Selectors       map[string]string `mapstructure:"selectors" yaml:"selectors"`                 // Field name -> CSS selector
	HonorMetaRobots bool              `mapstructure:"honor_meta_robots" yaml:"honor_meta_robots"` // Obey <meta name="robots"> noindex/nofollow

	Output     OutputConfig     `mapstructure:"output" yaml:"output"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint"`
	Render     RenderConfig     `mapstructure:"render" yaml:"render"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`

	StatsInterval time.Duration `mapstructure:"stats_interval" yaml:"stats_interval"` // Progress log period (0=off)
	MetricsAddr   string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`     // Serve Prometheus metrics when set
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *CrawlConfig {
	return &CrawlConfig{
		Concurrency:    10,
		MaxPages:       100,
		MaxDepth:       3,
		RequestTimeout: 30 * time.Second,
		UserAgent:      "Kumo/1.0",
		RespectRobots:  true,
		SameDomain:     true,
		RateLimit:      10,
		MaxRetries:     3,
		RetryBaseDelay: 1 * time.Second,
		MaxQueueSize:   10000,
		MaxSeenURLs:    100000,
		StatsInterval:  10 * time.Second,
		Output: OutputConfig{
			Format:    FormatAuto,
			BatchSize: 100,
		},
		Cache: CacheConfig{
			Dir: ".kumo_cache",
			TTL: time.Hour,
		},
		Checkpoint: CheckpointConfig{
			Path:     ".kumo_checkpoint.json",
			Interval: 100,
		},
		Render: RenderConfig{
			MaxParallel:  2,
			WaitSelector: "body",
			Settle:       500 * time.Millisecond,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSize:    100,
			MaxBackups: 5,
		},
	}
}

// Validate checks if the configuration is valid.
// Only configuration problems are fatal to a crawl run.
func (c *CrawlConfig) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.MaxPages <= 0 {
		return ErrInvalidMaxPages
	}
	if c.MaxDepth < 0 {
		return ErrInvalidMaxDepth
	}
	if c.RequestTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.RateLimit <= 0 {
		return ErrInvalidRateLimit
	}
	for host, rps := range c.DomainRateLimits {
		if rps <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidRateLimit, host)
		}
	}
	if c.MaxRetries < 0 {
		return ErrInvalidRetries
	}
	if c.MaxQueueSize <= 0 {
		return ErrInvalidQueueSize
	}
	if c.Output.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}

	switch c.Output.Format {
	case "", FormatAuto, FormatJSONL, FormatJSON, FormatCSV, FormatSQLite:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidFormat, c.Output.Format)
	}

	if c.Proxy != "" {
		if u, err := url.Parse(c.Proxy); err != nil || u.Host == "" {
			return fmt.Errorf("%w: %s", ErrInvalidProxy, c.Proxy)
		}
	}

	for _, header := range c.Headers {
		if _, _, ok := ParseHeader(header); !ok {
			return fmt.Errorf("%w: %q", ErrInvalidHeader, header)
		}
	}

	for _, pattern := range append(append([]string{}, c.IncludePatterns...), c.ExcludePatterns...) {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPattern, pattern, err)
		}
	}

	if c.Cache.Enabled {
		if c.Cache.Dir == "" {
			return ErrEmptyCacheDir
		}
		if c.Cache.TTL <= 0 {
			return ErrInvalidCacheTTL
		}
	}

	if c.Checkpoint.Interval > 0 && c.Checkpoint.Path == "" {
		return ErrEmptyCheckpointPath
	}

	return nil
}

// OutputFormat resolves the effective output format, detecting it from the
// output path extension when set to auto.
func (c *CrawlConfig) OutputFormat() string {
	if c.Output.Format != "" && c.Output.Format != FormatAuto {
		return c.Output.Format
	}
	return DetectFormat(c.Output.Path)
}

// DetectFormat maps a file extension to an output format. Unknown
// extensions fall back to jsonl.
func DetectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".csv":
		return FormatCSV
	case ".sqlite", ".db":
		return FormatSQLite
	default:
		return FormatJSONL
	}
}

// GetBasicAuthCredentials returns the basic auth username and password,
// resolving environment variables if specified
func (c *CrawlConfig) GetBasicAuthCredentials() (username, password string) {
	if c.Auth == nil || c.Auth.Basic == nil {
		return "", ""
	}

	basic := c.Auth.Basic
	username = envOr(basic.UsernameEnv, basic.Username)
	password = envOr(basic.PasswordEnv, basic.Password)
	return username, password
}

// GetBearerToken returns the bearer token, resolving its environment variable if specified
func (c *CrawlConfig) GetBearerToken() string {
	if c.Auth == nil || c.Auth.Bearer == nil {
		return ""
	}
	return envOr(c.Auth.Bearer.TokenEnv, c.Auth.Bearer.Token)
}

// GetAPIKeyCredentials returns the API key header name and value
func (c *CrawlConfig) GetAPIKeyCredentials() (header, value string) {
	if c.Auth == nil || c.Auth.APIKey == nil {
		return "", ""
	}
	return c.Auth.APIKey.Header, envOr(c.Auth.APIKey.ValueEnv, c.Auth.APIKey.Value)
}

// LoadHeadersFromEnv appends headers declared through KUMO_HEADER_* variables.
// Underscores in the variable suffix become dashes in the header name.
func (c *CrawlConfig) LoadHeadersFromEnv() {
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, headerEnvPrefix) || value == "" {
			continue
		}
		name := strings.ReplaceAll(strings.TrimPrefix(key, headerEnvPrefix), "_", "-")
		if name == "" {
			continue
		}
		c.Headers = append(c.Headers, fmt.Sprintf("%s: %s", canonicalHeaderName(name), value))
	}
}

// HeaderMap returns the custom headers as a map. Invalid entries are skipped;
// Validate reports them.
func (c *CrawlConfig) HeaderMap() map[string]string {
	headers := make(map[string]string, len(c.Headers))
	for _, header := range c.Headers {
		if name, value, ok := ParseHeader(header); ok {
			headers[name] = value
		}
	}
	return headers
}

// ParseHeader splits a "Name: Value" header definition.
func ParseHeader(header string) (name, value string, ok bool) {
	name, value, found := strings.Cut(header, ":")
	if !found {
		return "", "", false
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	if name == "" || value == "" {
		return "", "", false
	}
	return name, value, true
}

func envOr(envName, fallback string) string {
	if envName != "" {
		return os.Getenv(envName)
	}
	return fallback
}

func canonicalHeaderName(name string) string {
	parts := strings.Split(strings.ToLower(name), "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}
