package storage

const cacheSchemaSQL = `
-- Response cache keyed by the hex SHA-256 of the request URL
CREATE TABLE IF NOT EXISTS responses (
    url_hash TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    status_code INTEGER NOT NULL,
    content BLOB,
    headers TEXT,              -- JSON object
    cached_at INTEGER NOT NULL -- unix nanoseconds, UTC
);

CREATE INDEX IF NOT EXISTS idx_responses_cached_at ON responses(cached_at);
`

const recordsSchemaSQL = `
-- Consolidated crawl output; url is the record identity
CREATE TABLE IF NOT EXISTS records (
    url TEXT PRIMARY KEY NOT NULL,
    title TEXT,
    text TEXT,
    links TEXT,
    extracted_data TEXT,
    crawled_at TEXT
);
`
