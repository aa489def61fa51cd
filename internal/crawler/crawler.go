// Package crawler provides the core web crawling functionality.
// It implements a concurrent, frontier-based crawler with per-domain rate
// limiting, robots.txt compliance, response caching, request/response hooks
// and resumable checkpoints.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/masahif/kumo/internal/config"
	"github.com/masahif/kumo/internal/metrics"
)

// DefaultIdleWait bounds how long an idle worker waits for new work before
// re-checking the termination conditions.
const DefaultIdleWait = 100 * time.Millisecond

// BatchTracker is implemented by sinks that number their batch files, so the
// number can be checkpointed and continued after a resume.
type BatchTracker interface {
	BatchNumber() int
	SetBatchNumber(n int)
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithTransport replaces the default HTTP transport.
func WithTransport(t Transport) Option {
	return func(c *Crawler) { c.transport = t }
}

// WithRobotsTransport sets the transport used to download robots.txt.
// It defaults to the page transport.
func WithRobotsTransport(t Transport) Option {
	return func(c *Crawler) { c.robotsTransport = t }
}

// WithParser sets the parser used for 200 responses. Required.
func WithParser(p Parser) Option {
	return func(c *Crawler) { c.parser = p }
}

// WithHooks appends hooks, run in the given order.
func WithHooks(hooks ...Hook) Option {
	return func(c *Crawler) { c.hooks = append(c.hooks, hooks...) }
}

// WithSink sets the output pipeline receiving every extracted record.
func WithSink(s Sink) Option {
	return func(c *Crawler) { c.sink = s }
}

// WithCache enables the response cache.
func WithCache(cache ResponseCache) Option {
	return func(c *Crawler) { c.cache = cache }
}

// WithResume restores counters and frontier from a checkpoint instead of
// enqueuing the seed URLs.
func WithResume(cp *Checkpoint) Option {
	return func(c *Crawler) { c.resume = cp }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Crawler) { c.logger = logger }
}

// WithIdleWait overrides DefaultIdleWait.
func WithIdleWait(d time.Duration) Option {
	return func(c *Crawler) { c.idleWait = d }
}

// Crawler runs a pool of workers over the frontier until the page budget is
// spent, the frontier drains, or Shutdown is called.
type Crawler struct {
	config          *config.CrawlConfig
	transport       Transport
	robotsTransport Transport
	parser          Parser
	hooks           []Hook
	sink            Sink
	cache           ResponseCache
	resume          *Checkpoint
	logger          *slog.Logger
	idleWait        time.Duration
	runID           string
	seeds           []string

	fetcher   *Fetcher
	scheduler *Scheduler
	filter    *LinkFilter
	ownedHTTP *HTTPTransport

	// Counters, guarded by mu
	mu             sync.Mutex
	pagesCrawled   int
	itemsExtracted int
	errorCount     int
	cacheHits      int
	active         int
	claims         uint64
	inflight       map[int]CrawlRequest
	slotFreed      chan struct{} // closed and replaced on every release
	startedAt      time.Time
	lastCheckpoint int

	// pageGate is held shared from counting a fetched page until its record
	// and links are handed off. Checkpoints hold it exclusively.
	pageGate  sync.RWMutex
	slotWaits atomic.Int64

	started      atomic.Bool
	resumable    atomic.Bool
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New validates seeds and wires the crawler's components from cfg.
func New(cfg *config.CrawlConfig, opts ...Option) (*Crawler, error) {
	c := &Crawler{
		config:    cfg,
		idleWait:  DefaultIdleWait,
		inflight:  make(map[int]CrawlRequest),
		slotFreed: make(chan struct{}),
		shutdown:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.parser == nil {
		return nil, ErrNoParser
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	for _, seed := range cfg.SeedURLs {
		if err := ValidateSeed(seed); err != nil {
			return nil, err
		}
	}
	c.seeds = append(c.seeds, cfg.SeedURLs...)
	if c.resume != nil {
		c.seeds = appendMissing(c.seeds, c.resume.Seeds)
	}
	if len(c.seeds) == 0 {
		return nil, config.ErrNoSeedURLs
	}

	c.runID = uuid.NewString()
	if c.resume != nil && c.resume.RunID != "" {
		c.runID = c.resume.RunID
	}
	c.logger = c.logger.With("run_id", c.runID)

	filter, err := NewLinkFilter(c.seeds, cfg.SameDomain, cfg.SameSite, cfg.IncludePatterns, cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidPattern, err)
	}
	c.filter = filter

	if c.transport == nil {
		c.ownedHTTP = NewTransportFromConfig(cfg)
		c.transport = c.ownedHTTP
	}
	if c.robotsTransport == nil {
		c.robotsTransport = c.transport
	}

	var robots *RobotsPolicy
	if cfg.RespectRobots {
		robots = NewRobotsPolicy(c.robotsTransport, cfg.UserAgent, c.logger)
	}

	c.fetcher = NewFetcher(
		c.transport,
		NewRateLimiter(cfg.RateLimit, cfg.DomainRateLimits),
		robots,
		c.cache,
		FetcherConfig{
			RespectRobots:  cfg.RespectRobots,
			MaxRetries:     cfg.MaxRetries,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RequestTimeout: cfg.RequestTimeout,
		},
		c.logger,
	)

	c.scheduler = NewScheduler(SchedulerConfig{
		MaxDepth:     cfg.MaxDepth,
		MaxQueueSize: cfg.MaxQueueSize,
		MaxSeen:      cfg.MaxSeenURLs,
		Logger:       c.logger,
	})

	return c, nil
}

// NewTransportFromConfig builds the HTTP transport with the configured
// proxy, custom headers and authentication.
func NewTransportFromConfig(cfg *config.CrawlConfig) *HTTPTransport {
	t := NewHTTPTransport(HTTPTransportConfig{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.RequestTimeout,
		Proxy:     cfg.Proxy,
		Headers:   cfg.HeaderMap(),
	})

	if cfg.Auth != nil {
		switch cfg.Auth.Type {
		case config.AuthTypeBasic:
			if username, password := cfg.GetBasicAuthCredentials(); username != "" && password != "" {
				t.SetBasicAuth(username, password)
			}
		case config.AuthTypeBearer:
			if token := cfg.GetBearerToken(); token != "" {
				t.SetBearerAuth(token)
			}
		case config.AuthTypeAPIKey:
			if header, value := cfg.GetAPIKeyCredentials(); header != "" && value != "" {
				t.SetAPIKeyAuth(header, value)
			}
		}
	}
	return t
}

// RunID identifies this crawl in logs and checkpoints.
func (c *Crawler) RunID() string {
	return c.runID
}

// Run crawls to completion and returns every extracted record.
func (c *Crawler) Run(ctx context.Context) ([]Record, error) {
	records, errc := c.Stream(ctx)

	var results []Record
	for rec := range records {
		results = append(results, rec)
	}
	return results, <-errc
}

// Stream starts the crawl and yields records as they are extracted. The
// records channel is closed after finalization, then the error channel
// receives exactly one value. Callers must drain the records channel.
func (c *Crawler) Stream(ctx context.Context) (<-chan Record, <-chan error) {
	out := make(chan Record, c.config.Concurrency)
	errc := make(chan error, 1)

	if !c.started.CompareAndSwap(false, true) {
		close(out)
		errc <- ErrAlreadyStarted
		close(errc)
		return out, errc
	}

	go func() {
		err := c.crawl(ctx, out)
		close(out)
		errc <- err
		close(errc)
	}()
	return out, errc
}

// Shutdown stops dequeuing new work. In-flight pages finish, records are
// drained and the output is finalized. Safe to call more than once.
func (c *Crawler) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Info("Shutdown requested")
		close(c.shutdown)
	})
}

// Resumable reports whether the finished crawl stopped early with a
// checkpoint, leaving its output batches for a resumed run to consolidate.
func (c *Crawler) Resumable() bool {
	return c.resumable.Load()
}

func (c *Crawler) shutdownRequested() bool {
	select {
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of the crawl counters.
func (c *Crawler) Stats() Stats {
	c.mu.Lock()
	stats := Stats{
		PagesCrawled:   c.pagesCrawled,
		ItemsExtracted: c.itemsExtracted,
		Errors:         c.errorCount,
		CacheHits:      c.cacheHits,
		StartedAt:      c.startedAt,
	}
	c.mu.Unlock()

	stats.QueueSize = c.scheduler.Len()
	stats.SeenURLs = c.scheduler.SeenCount()
	stats.Dropped = c.scheduler.Drops()
	if !stats.StartedAt.IsZero() {
		stats.Elapsed = time.Since(stats.StartedAt)
	}
	stats.PagesPerSec = float64(stats.PagesCrawled) / math.Max(stats.Elapsed.Seconds(), 0.1)
	return stats
}

func (c *Crawler) crawl(ctx context.Context, out chan<- Record) error {
	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.prepareFrontier()

	// Shutdown cancels dequeuing only; fetches run on ctx.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.shutdown:
			cancel()
		case <-runCtx.Done():
		}
	}()

	monitorDone := make(chan struct{})
	var monitorWG sync.WaitGroup
	monitorWG.Add(1)
	go func() {
		defer monitorWG.Done()
		c.monitor(monitorDone)
	}()

	c.logger.Info("Starting crawl",
		"seeds", len(c.seeds),
		"concurrency", c.config.Concurrency,
		"max_pages", c.config.MaxPages,
		"max_depth", c.config.MaxDepth,
		"queued", c.scheduler.Len())

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < c.config.Concurrency; i++ {
		id := i
		g.Go(func() error {
			return c.worker(gctx, ctx, id, out)
		})
	}
	workerErr := g.Wait()

	close(monitorDone)
	monitorWG.Wait()

	return c.finalize(ctx, workerErr)
}

func (c *Crawler) prepareFrontier() {
	if cp := c.resume; cp != nil {
		c.mu.Lock()
		c.pagesCrawled = cp.PagesCrawled
		c.itemsExtracted = cp.ItemsExtracted
		c.errorCount = cp.Errors
		c.cacheHits = cp.CacheHits
		c.lastCheckpoint = cp.PagesCrawled
		c.mu.Unlock()

		if tracker, ok := c.sink.(BatchTracker); ok {
			tracker.SetBatchNumber(cp.BatchNumber)
		}
		c.scheduler.Restore(cp.Frontier())
		c.logger.Info("Resumed from checkpoint",
			"pages_crawled", cp.PagesCrawled,
			"pending", len(cp.Pending),
			"seen", len(cp.SeenURLs))
		return
	}

	seeds := make([]CrawlRequest, 0, len(c.seeds))
	for _, seed := range c.seeds {
		seeds = append(seeds, CrawlRequest{URL: seed})
	}
	c.scheduler.AddMany(seeds)
}

func (c *Crawler) finalize(ctx context.Context, workerErr error) error {
	errs := []error{workerErr}
	interrupted := c.shutdownRequested() || ctx.Err() != nil
	resumable := interrupted && c.checkpointEnabled()
	c.resumable.Store(resumable)

	if c.sink != nil {
		if err := c.sink.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush output: %w", err))
		}
		if resumable {
			// Batches stay on disk; the resumed run consolidates them.
			c.logger.Info("Output batches kept for resume")
		} else {
			path, err := c.sink.Consolidate()
			if err != nil {
				errs = append(errs, fmt.Errorf("consolidate output: %w", err))
			} else if path != "" {
				c.logger.Info("Output saved", "path", path)
			}
		}
	}

	if c.checkpointEnabled() {
		if interrupted {
			c.saveCheckpoint()
		} else if c.completed() {
			if err := DeleteCheckpoint(c.config.Checkpoint.Path); err != nil {
				c.logger.Warn("Failed to delete checkpoint", "error", err)
			} else {
				c.logger.Debug("Checkpoint deleted (crawl complete)")
			}
		}
	}

	if c.ownedHTTP != nil {
		c.ownedHTTP.Close()
	}

	stats := c.Stats()
	c.logger.Info("Crawl complete",
		"pages", stats.PagesCrawled,
		"items", stats.ItemsExtracted,
		"errors", stats.Errors,
		"cache_hits", stats.CacheHits,
		"pending", stats.QueueSize,
		"dropped_depth", stats.Dropped.Depth,
		"dropped_queue_full", stats.Dropped.QueueFull,
		"elapsed", stats.Elapsed.Round(time.Millisecond),
		"pages_per_sec", fmt.Sprintf("%.2f", stats.PagesPerSec))

	if err := errors.Join(errs...); err != nil {
		return err
	}
	return ctx.Err()
}

// completed reports whether the budget was spent or the frontier drained.
func (c *Crawler) completed() bool {
	c.mu.Lock()
	budget := c.pagesCrawled >= c.config.MaxPages
	idle := c.active == 0
	c.mu.Unlock()
	return budget || (idle && c.scheduler.IsEmpty())
}

// worker loops DEQUEUE → HOOKS → FETCH → HOOKS → PARSE → EMIT → ENQUEUE
// until the budget is spent, the frontier drains or runCtx is cancelled.
func (c *Crawler) worker(runCtx, fetchCtx context.Context, id int, out chan<- Record) error {
	logger := c.logger.With("worker_id", id)
	logger.Debug("Worker started")
	defer logger.Debug("Worker stopped")

	for runCtx.Err() == nil {
		if c.scheduler.IsEmpty() {
			if c.drained() {
				return nil
			}
			c.waitForWork(runCtx)
			continue
		}

		claimed, budgetSpent, freed := c.claim()
		if budgetSpent {
			logger.Debug("Page budget reached")
			return nil
		}
		if !claimed {
			// In-flight pages may still be skipped by a hook and free a slot.
			c.waitForSlot(runCtx, freed)
			continue
		}

		req, ok := c.dequeue(id)
		if !ok {
			c.release(id)
			continue
		}

		c.processRequest(fetchCtx, logger, id, req, out)
		c.release(id)
	}
	return nil
}

func (c *Crawler) waitForWork(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, c.idleWait)
	defer cancel()
	_ = c.scheduler.WaitNotEmpty(waitCtx)
}

// waitForSlot blocks until freed closes, idleWait passes or ctx is done.
func (c *Crawler) waitForSlot(ctx context.Context, freed <-chan struct{}) {
	c.slotWaits.Add(1)
	timer := time.NewTimer(c.idleWait)
	defer timer.Stop()

	select {
	case <-freed:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// claim reserves a page-budget slot. budgetSpent is true once the budget is
// fully used by completed pages. When every remaining slot is held by pages
// in flight, freed closes on the next release.
func (c *Crawler) claim() (claimed, budgetSpent bool, freed <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pagesCrawled >= c.config.MaxPages {
		return false, true, nil
	}
	if c.pagesCrawled+c.active >= c.config.MaxPages {
		return false, false, c.slotFreed
	}
	c.active++
	c.claims++
	metrics.IncActiveWorkers()
	return true, false, nil
}

func (c *Crawler) release(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active--
	delete(c.inflight, id)
	close(c.slotFreed)
	c.slotFreed = make(chan struct{})
	metrics.DecActiveWorkers()
}

// dequeue pops the next request and records it as in flight in one step
// with respect to checkpoints, so a snapshot never misses it.
func (c *Crawler) dequeue(id int) (CrawlRequest, bool) {
	c.pageGate.RLock()
	defer c.pageGate.RUnlock()

	req, ok := c.scheduler.GetNowait()
	if !ok {
		return CrawlRequest{}, false
	}
	c.mu.Lock()
	c.inflight[id] = req
	c.mu.Unlock()
	return req, true
}

// drained reports whether the frontier is empty with no page in flight. No
// claim may happen between the two counter reads, otherwise a worker could
// have dequeued the last entry and be about to add links.
func (c *Crawler) drained() bool {
	c.mu.Lock()
	active, claims := c.active, c.claims
	c.mu.Unlock()

	if active != 0 || !c.scheduler.IsEmpty() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == 0 && c.claims == claims
}

func (c *Crawler) processRequest(ctx context.Context, logger *slog.Logger, id int, req CrawlRequest, out chan<- Record) {
	req, ok := runRequestHooks(ctx, c.hooks, req)
	if !ok {
		logger.Debug("Request skipped by hook", "url", req.URL)
		return
	}

	resp := c.fetcher.Fetch(ctx, req)

	c.pageGate.RLock()
	defer c.pageGate.RUnlock()

	// A counted page is never also pending in a checkpoint.
	c.mu.Lock()
	delete(c.inflight, id)
	c.pagesCrawled++
	pages := c.pagesCrawled
	if resp.Failed() {
		c.errorCount++
	}
	if resp.FromCache {
		c.cacheHits++
	}
	c.mu.Unlock()

	if resp.Failed() {
		logger.Warn("Fetch error", "url", req.URL, "error", resp.Error, "kind", string(resp.ErrorKind))
		metrics.ObserveError(string(resp.ErrorKind))
	}

	resp, ok = runResponseHooks(ctx, c.hooks, resp)
	if !ok {
		logger.Debug("Response discarded by hook", "url", resp.URL)
		return
	}

	logger.Debug("Fetched",
		"progress", fmt.Sprintf("%d/%d", pages, c.config.MaxPages),
		"status", resp.StatusCode,
		"url", req.URL,
		"cached", resp.FromCache)

	if resp.StatusCode != http.StatusOK || len(resp.Content) == 0 {
		return
	}

	rec, links, err := c.parser.Parse(resp)
	if err != nil {
		logger.Error("Parse error", "url", resp.URL, "error", err)
		c.mu.Lock()
		c.errorCount++
		c.mu.Unlock()
		metrics.ObserveError(string(KindParse))
		return
	}

	if rec != nil {
		c.emit(ctx, logger, *rec, out)
	}

	if req.Depth < c.config.MaxDepth {
		c.enqueueLinks(req, links)
	}
}

func (c *Crawler) emit(ctx context.Context, logger *slog.Logger, rec Record, out chan<- Record) {
	if c.sink != nil {
		if err := c.sink.Add(rec); err != nil {
			logger.Error("Failed to write record", "url", rec.URL, "error", err)
			metrics.ObserveError("output")
		}
	}

	c.mu.Lock()
	c.itemsExtracted++
	c.mu.Unlock()
	metrics.ObserveItem()

	select {
	case out <- rec:
	case <-ctx.Done():
	}
}

func (c *Crawler) enqueueLinks(parent CrawlRequest, links []string) {
	children := make([]CrawlRequest, 0, len(links))
	for _, link := range links {
		if !c.filter.Allow(link) {
			continue
		}
		children = append(children, CrawlRequest{
			URL:      link,
			Depth:    parent.Depth + 1,
			Priority: -(parent.Depth + 1),
		})
	}
	c.scheduler.AddMany(children)
}

func (c *Crawler) checkpointEnabled() bool {
	return c.config.Checkpoint.Interval > 0 && c.config.Checkpoint.Path != ""
}

// monitor writes periodic checkpoints and progress logs until done closes.
func (c *Crawler) monitor(done <-chan struct{}) {
	var statsC <-chan time.Time
	if c.config.StatsInterval > 0 {
		ticker := time.NewTicker(c.config.StatsInterval)
		defer ticker.Stop()
		statsC = ticker.C
	}

	var checkpointC <-chan time.Time
	if c.checkpointEnabled() {
		ticker := time.NewTicker(c.idleWait)
		defer ticker.Stop()
		checkpointC = ticker.C
	}

	for {
		select {
		case <-done:
			return
		case <-statsC:
			stats := c.Stats()
			c.logger.Info("Crawling stats",
				"crawled", stats.PagesCrawled,
				"items", stats.ItemsExtracted,
				"errors", stats.Errors,
				"cache_hits", stats.CacheHits,
				"queued", stats.QueueSize,
				"seen", stats.SeenURLs,
				"pages_per_sec", fmt.Sprintf("%.2f", stats.PagesPerSec),
				"duration", stats.Elapsed.Round(time.Second))
		case <-checkpointC:
			c.mu.Lock()
			due := c.pagesCrawled-c.lastCheckpoint >= c.config.Checkpoint.Interval
			c.mu.Unlock()
			if due {
				c.saveCheckpoint()
			}
		}
	}
}

// saveCheckpoint persists a consistent snapshot of the crawl.
func (c *Crawler) saveCheckpoint() {
	cp := c.snapshotCheckpoint()

	err := SaveCheckpoint(c.config.Checkpoint.Path, cp)
	metrics.ObserveCheckpoint(err)
	if err != nil {
		c.logger.Error("Failed to save checkpoint", "path", c.config.Checkpoint.Path, "error", err)
		return
	}
	c.logger.Debug("Checkpoint saved", "pages", cp.PagesCrawled, "pending", len(cp.Pending))
}

// snapshotCheckpoint waits until no fetched page is between counting and
// enqueueing its links, then flushes the output so written batches match
// the counters. Pages still fetching are stored as pending.
func (c *Crawler) snapshotCheckpoint() *Checkpoint {
	c.pageGate.Lock()
	defer c.pageGate.Unlock()

	if c.sink != nil {
		if err := c.sink.Flush(); err != nil {
			c.logger.Warn("Failed to flush output before checkpoint", "error", err)
		}
	}

	c.mu.Lock()
	cp := &Checkpoint{
		Version:        CheckpointVersion,
		RunID:          c.runID,
		Timestamp:      time.Now().UTC(),
		PagesCrawled:   c.pagesCrawled,
		ItemsExtracted: c.itemsExtracted,
		Errors:         c.errorCount,
		CacheHits:      c.cacheHits,
		Seeds:          c.seeds,
	}
	inflight := make([]CrawlRequest, 0, len(c.inflight))
	for _, req := range c.inflight {
		inflight = append(inflight, req)
	}
	c.lastCheckpoint = c.pagesCrawled
	c.mu.Unlock()

	if tracker, ok := c.sink.(BatchTracker); ok {
		cp.BatchNumber = tracker.BatchNumber()
	}

	state := c.scheduler.Snapshot()
	cp.SeenURLs = state.Seen
	for _, req := range inflight {
		cp.Pending = append(cp.Pending, PendingEntry{
			URL:      req.URL,
			Depth:    req.Depth,
			Priority: req.Priority,
			Metadata: req.Metadata,
		})
	}
	cp.Pending = append(cp.Pending, state.Pending...)
	return cp
}

func appendMissing(dst, src []string) []string {
	have := make(map[string]struct{}, len(dst))
	for _, s := range dst {
		have[s] = struct{}{}
	}
	for _, s := range src {
		if _, ok := have[s]; !ok {
			dst = append(dst, s)
			have[s] = struct{}{}
		}
	}
	return dst
}
