// Package pipeline batches extracted records to numbered files during a
// crawl and consolidates them into one deduplicated artifact afterwards.
package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/masahif/kumo/internal/config"
	"github.com/masahif/kumo/internal/crawler"
	"github.com/masahif/kumo/internal/metrics"
)

// DefaultBatchSize is used when Config.BatchSize is not positive.
const DefaultBatchSize = 100

// batchDigits is the zero-padded width of batch numbers in file names.
const batchDigits = 6

// Config configures a Pipeline.
type Config struct {
	Path      string // Final artifact path
	Format    string // auto, jsonl, json, csv or sqlite
	BatchSize int
	Logger    *slog.Logger
}

// Pipeline buffers records and writes them as numbered batch files named
// <stem>_<NNNNNN><ext> next to the final artifact. It is safe for
// concurrent use.
type Pipeline struct {
	path      string
	format    string
	batchSize int
	logger    *slog.Logger

	mu           sync.Mutex
	buffer       []crawler.Record
	batchNumber  int
	totalWritten int
}

var (
	_ crawler.Sink         = (*Pipeline)(nil)
	_ crawler.BatchTracker = (*Pipeline)(nil)
)

// New resolves the output format and creates the output directory.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Path == "" {
		return nil, errors.New("output path cannot be empty")
	}

	format := cfg.Format
	if format == "" || format == config.FormatAuto {
		format = config.DetectFormat(cfg.Path)
	}
	switch format {
	case config.FormatJSONL, config.FormatJSON, config.FormatCSV, config.FormatSQLite:
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrInvalidFormat, format)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	return &Pipeline{
		path:      cfg.Path,
		format:    format,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// Format returns the resolved output format.
func (p *Pipeline) Format() string {
	return p.format
}

// Path returns the final artifact path.
func (p *Pipeline) Path() string {
	return p.path
}

// Add buffers rec and writes a batch once BatchSize records are buffered.
func (p *Pipeline) Add(rec crawler.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buffer = append(p.buffer, rec)
	if len(p.buffer) >= p.batchSize {
		return p.flushLocked()
	}
	return nil
}

// Flush writes any buffered records as the next batch.
func (p *Pipeline) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.buffer) > 0 {
		if err := p.flushLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) flushLocked() error {
	if len(p.buffer) == 0 {
		return nil
	}

	n := len(p.buffer)
	if n > p.batchSize {
		n = p.batchSize
	}
	batch := p.buffer[:n]

	path := p.batchPath(p.batchNumber + 1)
	if err := p.writeBatch(path, batch); err != nil {
		return fmt.Errorf("write batch %s: %w", path, err)
	}

	p.batchNumber++
	p.totalWritten += n
	p.buffer = append([]crawler.Record(nil), p.buffer[n:]...)
	metrics.ObserveBatchFlush()
	p.logger.Debug("Batch written", "path", path, "records", n)
	return nil
}

func (p *Pipeline) writeBatch(path string, batch []crawler.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	if p.batchExt() == ".csv" {
		err = writeCSVBatch(w, batch)
	} else {
		err = writeJSONLBatch(w, batch)
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

func writeJSONLBatch(w io.Writer, batch []crawler.Record) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, rec := range batch {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record %s: %w", rec.URL, err)
		}
	}
	return nil
}

func writeCSVBatch(w io.Writer, batch []crawler.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(crawler.RecordColumns); err != nil {
		return err
	}
	for _, rec := range batch {
		if err := cw.Write(rec.Row()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// BatchNumber returns the number of the last batch written.
func (p *Pipeline) BatchNumber() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batchNumber
}

// SetBatchNumber continues numbering after n, so batches written before a
// resume are kept and merged on consolidation.
func (p *Pipeline) SetBatchNumber(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batchNumber = n
}

// TotalWritten returns the number of records written to batch files.
func (p *Pipeline) TotalWritten() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalWritten
}

// BatchFiles lists the batch files on disk in batch order.
func (p *Pipeline) BatchFiles() ([]string, error) {
	dir := filepath.Dir(p.path)
	stem := p.stem()
	ext := p.batchExt()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list batch files: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, stem+"_") || !strings.HasSuffix(name, ext) {
			continue
		}
		digits := strings.TrimSuffix(strings.TrimPrefix(name, stem+"_"), ext)
		if len(digits) < batchDigits {
			continue
		}
		if _, err := strconv.Atoi(digits); err != nil {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func (p *Pipeline) stem() string {
	base := filepath.Base(p.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// batchExt is ".csv" for csv output and ".jsonl" for every other format.
func (p *Pipeline) batchExt() string {
	if p.format == config.FormatCSV {
		return ".csv"
	}
	return ".jsonl"
}

func (p *Pipeline) batchPath(n int) string {
	name := fmt.Sprintf("%s_%0*d%s", p.stem(), batchDigits, n, p.batchExt())
	return filepath.Join(filepath.Dir(p.path), name)
}
