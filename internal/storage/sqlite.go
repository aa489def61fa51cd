// Package storage provides SQLite persistence for the crawler: the TTL
// response cache used by the fetcher and the record table written by the
// sqlite output format.
package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	// SQLite database driver (CGO-free)
	_ "modernc.org/sqlite"
)

// pragmas run on every new connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"busy_timeout(30000)",
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// openDB opens path on a single connection and applies schema.
func openDB(path, schema string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; WAL keeps readers on the same file unblocked.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}
