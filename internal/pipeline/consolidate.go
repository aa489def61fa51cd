package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/masahif/kumo/internal/config"
	"github.com/masahif/kumo/internal/crawler"
	"github.com/masahif/kumo/internal/storage"
)

// position identifies one record inside the batch files.
type position struct {
	file  int
	index int
}

// batchRecord is one record as read back from a batch file. Exactly one of
// raw (jsonl batches) or row (csv batches) is set.
type batchRecord struct {
	url string
	raw []byte
	row []string
}

// Consolidate merges every batch file into the final artifact, keeping only
// the last record written for each URL, and removes the batches. The first
// pass remembers where each URL last occurs; the second streams the batches
// again and writes only those records, so memory grows with the number of
// distinct URLs rather than with content size.
func (p *Pipeline) Consolidate() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	files, err := p.BatchFiles()
	if err != nil {
		return "", err
	}

	winners := make(map[string]position)
	for i, file := range files {
		err := p.scanBatch(file, func(idx int, rec batchRecord) error {
			winners[rec.url] = position{file: i, index: idx}
			return nil
		})
		if err != nil {
			return "", err
		}
	}

	tmp := p.path + ".tmp"
	out, err := p.newFinalWriter(tmp)
	if err != nil {
		return "", err
	}

	written := 0
	for i, file := range files {
		err := p.scanBatch(file, func(idx int, rec batchRecord) error {
			if winners[rec.url] != (position{file: i, index: idx}) {
				return nil
			}
			written++
			return out.write(rec)
		})
		if err != nil {
			_ = out.close()
			_ = os.Remove(tmp)
			return "", err
		}
	}

	if err := out.close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finish %s: %w", p.path, err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename output: %w", err)
	}

	for _, file := range files {
		if err := os.Remove(file); err != nil {
			p.logger.Warn("Failed to remove batch file", "path", file, "error", err)
		}
	}

	p.logger.Info("Output consolidated",
		"path", p.path,
		"format", p.format,
		"batches", len(files),
		"records", written)
	return p.path, nil
}

// scanBatch calls fn for every record of a batch file in order.
func (p *Pipeline) scanBatch(path string, fn func(idx int, rec batchRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open batch: %w", err)
	}
	defer func() { _ = f.Close() }()

	if p.batchExt() == ".csv" {
		return scanCSV(path, f, fn)
	}
	return scanJSONL(path, f, fn)
}

func scanJSONL(path string, r io.Reader, fn func(int, batchRecord) error) error {
	br := bufio.NewReader(r)
	idx := 0
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var key struct {
				URL string `json:"url"`
			}
			if jsonErr := json.Unmarshal(line, &key); jsonErr != nil {
				return fmt.Errorf("%s: record %d: %w", path, idx, jsonErr)
			}
			if fnErr := fn(idx, batchRecord{url: key.URL, raw: bytes.TrimRight(line, "\r\n")}); fnErr != nil {
				return fnErr
			}
			idx++
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
}

func scanCSV(path string, r io.Reader, fn func(int, batchRecord) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(crawler.RecordColumns)

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%s: header: %w", path, err)
	}

	for idx := 0; ; idx++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: row %d: %w", path, idx, err)
		}
		if err := fn(idx, batchRecord{url: row[0], row: row}); err != nil {
			return err
		}
	}
}

// finalWriter writes winning records into the consolidated artifact.
type finalWriter interface {
	write(rec batchRecord) error
	close() error
}

func (p *Pipeline) newFinalWriter(path string) (finalWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(path)

	switch p.format {
	case config.FormatSQLite:
		return newSQLiteWriter(path)
	case config.FormatCSV:
		return newFileWriter(path, &csvFinal{})
	case config.FormatJSON:
		return newFileWriter(path, &jsonArrayFinal{})
	default:
		return newFileWriter(path, jsonlFinal{})
	}
}

// encoder formats records onto a buffered file.
type encoder interface {
	begin(w *bufio.Writer) error
	encode(w *bufio.Writer, rec batchRecord) error
	end(w *bufio.Writer) error
}

type fileWriter struct {
	f   *os.File
	w   *bufio.Writer
	enc encoder
}

func newFileWriter(path string, enc encoder) (*fileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	fw := &fileWriter{f: f, w: bufio.NewWriter(f), enc: enc}
	if err := enc.begin(fw.w); err != nil {
		_ = f.Close()
		return nil, err
	}
	return fw, nil
}

func (fw *fileWriter) write(rec batchRecord) error {
	return fw.enc.encode(fw.w, rec)
}

func (fw *fileWriter) close() error {
	err := fw.enc.end(fw.w)
	if err == nil {
		err = fw.w.Flush()
	}
	if err == nil {
		err = fw.f.Sync()
	}
	if closeErr := fw.f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// jsonlFinal appends the raw batch lines without re-serializing them.
type jsonlFinal struct{}

func (jsonlFinal) begin(*bufio.Writer) error { return nil }

func (jsonlFinal) encode(w *bufio.Writer, rec batchRecord) error {
	if _, err := w.Write(rec.raw); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

func (jsonlFinal) end(*bufio.Writer) error { return nil }

// jsonArrayFinal writes "[", the records joined by ",\n", then "]".
type jsonArrayFinal struct {
	count int
}

func (j *jsonArrayFinal) begin(w *bufio.Writer) error {
	_, err := w.WriteString("[")
	return err
}

func (j *jsonArrayFinal) encode(w *bufio.Writer, rec batchRecord) error {
	if j.count > 0 {
		if _, err := w.WriteString(",\n"); err != nil {
			return err
		}
	}
	j.count++
	_, err := w.Write(rec.raw)
	return err
}

func (j *jsonArrayFinal) end(w *bufio.Writer) error {
	_, err := w.WriteString("]\n")
	return err
}

// csvFinal writes the header once followed by the winning rows.
type csvFinal struct {
	cw *csv.Writer
}

func (c *csvFinal) begin(w *bufio.Writer) error {
	c.cw = csv.NewWriter(w)
	return c.cw.Write(crawler.RecordColumns)
}

func (c *csvFinal) encode(_ *bufio.Writer, rec batchRecord) error {
	return c.cw.Write(rec.row)
}

func (c *csvFinal) end(*bufio.Writer) error {
	c.cw.Flush()
	return c.cw.Error()
}

// sqliteWriter streams records into a records table in one transaction.
type sqliteWriter struct {
	store *storage.RecordStore
	batch *storage.RecordBatch
	ctx   context.Context
}

func newSQLiteWriter(path string) (*sqliteWriter, error) {
	store, err := storage.OpenRecordStore(path)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	batch, err := store.Begin(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &sqliteWriter{store: store, batch: batch, ctx: ctx}, nil
}

func (s *sqliteWriter) write(rec batchRecord) error {
	var r crawler.Record
	if err := json.Unmarshal(rec.raw, &r); err != nil {
		return fmt.Errorf("decode record %s: %w", rec.url, err)
	}
	return s.batch.Put(s.ctx, r.Row())
}

func (s *sqliteWriter) close() error {
	err := s.batch.Commit()
	if closeErr := s.store.Close(); err == nil {
		err = closeErr
	}
	return err
}
