package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// RecordColumnCount is the number of values in a records row:
// url, title, text, links, extracted_data, crawled_at.
const RecordColumnCount = 6

// RecordStore is the sqlite output artifact: one row per distinct URL.
type RecordStore struct {
	db *sql.DB
}

// OpenRecordStore opens (creating if needed) the records database at path.
func OpenRecordStore(path string) (*RecordStore, error) {
	db, err := openDB(path, recordsSchemaSQL)
	if err != nil {
		return nil, err
	}
	return &RecordStore{db: db}, nil
}

// RecordBatch writes rows inside one transaction.
type RecordBatch struct {
	tx   *sql.Tx
	stmt *sql.Stmt
}

// Begin starts a transaction for bulk upserts.
func (s *RecordStore) Begin(ctx context.Context) (*RecordBatch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO records (url, title, text, links, extracted_data, crawled_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	return &RecordBatch{tx: tx, stmt: stmt}, nil
}

// Put upserts one row; a later row for the same URL replaces the earlier one.
func (b *RecordBatch) Put(ctx context.Context, row []string) error {
	if len(row) != RecordColumnCount {
		return fmt.Errorf("record row has %d columns, want %d", len(row), RecordColumnCount)
	}
	args := make([]any, len(row))
	for i, v := range row {
		args[i] = v
	}
	if _, err := b.stmt.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("failed to insert record %s: %w", row[0], err)
	}
	return nil
}

// Commit finishes the batch.
func (b *RecordBatch) Commit() error {
	_ = b.stmt.Close()
	return b.tx.Commit()
}

// Rollback abandons the batch.
func (b *RecordBatch) Rollback() error {
	_ = b.stmt.Close()
	return b.tx.Rollback()
}

// Close closes the database connection
func (s *RecordStore) Close() error {
	return s.db.Close()
}
