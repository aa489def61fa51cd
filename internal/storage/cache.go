package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CacheFileName is the database file created inside the cache directory.
const CacheFileName = "response_cache.db"

// CacheEntry is a cached HTTP response.
type CacheEntry struct {
	URL        string
	StatusCode int
	Content    []byte
	Headers    map[string]string
	CachedAt   time.Time
}

// CacheStats summarizes the cache contents.
type CacheStats struct {
	Entries   int64
	SizeBytes int64
	Path      string
}

// ResponseCache is a TTL-bounded SQLite cache of fetch results. One
// connection is opened per cache and guarded by a mutex.
type ResponseCache struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
	ttl  time.Duration
	now  func() time.Time
}

// NewResponseCache opens (creating if needed) the cache under dir and
// deletes entries that are already expired.
func NewResponseCache(dir string, ttl time.Duration) (*ResponseCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	path := filepath.Join(dir, CacheFileName)
	db, err := openDB(path, cacheSchemaSQL)
	if err != nil {
		return nil, err
	}

	c := &ResponseCache{
		db:   db,
		path: path,
		ttl:  ttl,
		now:  time.Now,
	}

	if _, err := c.CleanupExpired(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return c, nil
}

// HashURL returns the cache key for url.
func HashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Get returns the entry for url when present and younger than the TTL.
// Expired rows are deleted and reported absent.
func (c *ResponseCache) Get(ctx context.Context, url string) (*CacheEntry, bool, error) {
	hash := HashURL(url)

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		entry    CacheEntry
		headers  sql.NullString
		cachedAt int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT url, status_code, content, headers, cached_at
		FROM responses WHERE url_hash = ?
	`, hash).Scan(&entry.URL, &entry.StatusCode, &entry.Content, &headers, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	entry.CachedAt = time.Unix(0, cachedAt).UTC()
	if c.now().Sub(entry.CachedAt) > c.ttl {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM responses WHERE url_hash = ?`, hash); err != nil {
			return nil, false, fmt.Errorf("failed to delete expired entry: %w", err)
		}
		return nil, false, nil
	}

	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &entry.Headers); err != nil {
			return nil, false, fmt.Errorf("failed to decode cached headers: %w", err)
		}
	}

	return &entry, true, nil
}

// Set stores a response under requestURL, replacing any previous entry.
// finalURL is the address after redirects and is what Get reports back;
// an empty finalURL means no redirect happened.
func (c *ResponseCache) Set(ctx context.Context, requestURL, finalURL string, statusCode int, content []byte, headers map[string]string) error {
	if finalURL == "" {
		finalURL = requestURL
	}

	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO responses (url_hash, url, status_code, content, headers, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, HashURL(requestURL), finalURL, statusCode, content, string(headersJSON), c.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for url, if any.
func (c *ResponseCache) Delete(ctx context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM responses WHERE url_hash = ?`, HashURL(url)); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Clear removes every entry and returns how many were deleted.
func (c *ResponseCache) Clear(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, `DELETE FROM responses`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cache: %w", err)
	}
	return res.RowsAffected()
}

// CleanupExpired deletes all entries older than the TTL and returns how many
// were removed.
func (c *ResponseCache) CleanupExpired(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.ttl).UTC().UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, `DELETE FROM responses WHERE cached_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired entries: %w", err)
	}
	return res.RowsAffected()
}

// Stats reports the number of entries and the database file size.
func (c *ResponseCache) Stats(ctx context.Context) (CacheStats, error) {
	stats := CacheStats{Path: c.path}

	c.mu.Lock()
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM responses`).Scan(&stats.Entries)
	c.mu.Unlock()
	if err != nil {
		return stats, fmt.Errorf("failed to count cache entries: %w", err)
	}

	if info, err := os.Stat(c.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	return stats, nil
}

// Path returns the database file path.
func (c *ResponseCache) Path() string {
	return c.path
}

// Close closes the database connection
func (c *ResponseCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}
