package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/masahif/kumo/internal/config"
	"github.com/masahif/kumo/internal/crawler"
	"github.com/masahif/kumo/internal/metrics"
	"github.com/masahif/kumo/internal/parser"
	"github.com/masahif/kumo/internal/pipeline"
	"github.com/masahif/kumo/internal/render"
	"github.com/masahif/kumo/internal/storage"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl [URLs...]",
	Short: "Crawl from seed URLs and extract records",
	Long: `Crawl fetches pages breadth-first from the seed URLs, extracts a record
per page and follows links within the configured scope.

Records are written to --output when set, otherwise printed to stdout as
JSON lines. Interrupt once to stop gracefully and save a checkpoint; run
again with --resume to continue.`,
	Example: heredoc.Doc(`
		$ kumo crawl https://example.com -n 200 -o out/records.jsonl
		$ kumo crawl https://example.com --format csv -o records.csv --selector price=.price
		$ kumo crawl https://example.com --render --render-wait "#app"
		$ kumo crawl --config kumo.yml --resume
	`),
	Args: cobra.ArbitraryArgs,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd.Flags(), crawlBindings)
	},
	RunE: runCrawl,
}

var crawlBindings = []flagBinding{
	{"log.level", "log-level"},
	{"concurrency", "concurrency"},
	{"max_pages", "max-pages"},
	{"max_depth", "max-depth"},
	{"request_timeout", "timeout"},
	{"user_agent", "user-agent"},
	{"respect_robots", "respect-robots"},
	{"same_domain", "same-domain"},
	{"same_site", "same-site"},
	{"proxy", "proxy"},
	{"rate_limit", "rate-limit"},
	{"max_retries", "max-retries"},
	{"retry_base_delay", "retry-delay"},
	{"headers", "header"},
	{"include_patterns", "include-patterns"},
	{"exclude_patterns", "exclude-patterns"},
	{"selectors", "selector"},
	{"honor_meta_robots", "honor-meta-robots"},
	{"auth.type", "auth-type"},
	{"auth.basic.username", "auth-username"},
	{"auth.basic.password", "auth-password"},
	{"auth.bearer.token", "auth-token"},
	{"auth.apikey.header", "auth-header"},
	{"auth.apikey.value", "auth-value"},
	{"output.path", "output"},
	{"output.format", "format"},
	{"output.batch_size", "batch-size"},
	{"cache.enabled", "cache"},
	{"cache.dir", "cache-dir"},
	{"cache.ttl", "cache-ttl"},
	{"checkpoint.path", "checkpoint"},
	{"checkpoint.interval", "checkpoint-interval"},
	{"render.enabled", "render"},
	{"render.wait_selector", "render-wait"},
	{"stats_interval", "stats-interval"},
	{"metrics_addr", "metrics-addr"},
}

func init() {
	d := config.DefaultConfig()
	f := crawlCmd.Flags()

	f.Bool("show-config", false, "Display current configuration in YAML format and exit")
	f.Bool("resume", false, "Resume from the checkpoint file if present")

	// Crawl scope
	f.IntP("concurrency", "c", d.Concurrency, "Number of concurrent workers")
	f.IntP("max-pages", "n", d.MaxPages, "Stop after N pages")
	f.IntP("max-depth", "d", d.MaxDepth, "Maximum link hops from a seed")
	f.DurationP("timeout", "t", d.RequestTimeout, "HTTP request timeout")
	f.StringP("user-agent", "u", d.UserAgent, "HTTP User-Agent header")
	f.Bool("respect-robots", d.RespectRobots, "Obey robots.txt rules")
	f.Bool("same-domain", d.SameDomain, "Only follow links on the seed hosts")
	f.Bool("same-site", d.SameSite, "Also follow links on the seeds' registrable domains")
	f.String("proxy", "", "HTTP(S) proxy URL")
	f.StringSlice("include-patterns", nil, "Regex patterns for URLs to include")
	f.StringSlice("exclude-patterns", nil, "Regex patterns for URLs to exclude")

	// Politeness and retries
	f.Float64P("rate-limit", "r", d.RateLimit, "Requests per second per domain")
	f.Int("max-retries", d.MaxRetries, "Retries for transient failures")
	f.Duration("retry-delay", d.RetryBaseDelay, "Base delay for exponential backoff")

	// Extraction
	f.StringToString("selector", nil, "Extract a field with a CSS selector (name=selector)")
	f.Bool("honor-meta-robots", false, "Obey noindex/nofollow meta tags")

	// Authentication and headers
	f.String("auth-type", "", "Authentication type: 'basic', 'bearer', or 'api-key'")
	f.String("auth-username", "", "Username for basic authentication")
	f.String("auth-password", "", "Password for basic authentication")
	f.String("auth-token", "", "Bearer token for authorization header")
	f.String("auth-header", "", "API key header name (e.g., X-API-Key)")
	f.String("auth-value", "", "API key header value")
	f.StringSliceP("header", "H", nil, "Custom HTTP headers in 'Name: Value' format (repeatable)")

	// Output
	f.StringP("output", "o", "", "Output file (.jsonl, .json, .csv, .sqlite)")
	f.StringP("format", "f", d.Output.Format, "Output format: auto, jsonl, json, csv or sqlite")
	f.Int("batch-size", d.Output.BatchSize, "Records per batch file")

	// Cache and checkpoints
	f.Bool("cache", d.Cache.Enabled, "Cache successful responses")
	f.String("cache-dir", d.Cache.Dir, "Response cache directory")
	f.Duration("cache-ttl", d.Cache.TTL, "Response cache entry lifetime")
	f.String("checkpoint", d.Checkpoint.Path, "Checkpoint file")
	f.Int("checkpoint-interval", d.Checkpoint.Interval, "Pages between checkpoints (0=disabled)")

	// Rendering
	f.Bool("render", d.Render.Enabled, "Render pages in headless Chrome")
	f.String("render-wait", d.Render.WaitSelector, "CSS selector to wait for before capturing a rendered page")

	// Observability
	f.Duration("stats-interval", d.StatsInterval, "Progress log period (0=off)")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

func runCrawl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	if showConfig, _ := cmd.Flags().GetBool("show-config"); showConfig {
		return showCurrentConfig(cmd.OutOrStdout(), cfg)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	resume, _ := cmd.Flags().GetBool("resume")

	c, cleanup, err := initializeCrawler(cfg, logger, resume)
	if err != nil {
		return fmt.Errorf("failed to initialize crawler: %w", err)
	}
	defer cleanup()

	ctx := cmd.Context()

	if cfg.MetricsAddr != "" {
		srv, err := startMetricsServer(cfg.MetricsAddr, logger)
		if err != nil {
			return err
		}
		defer srv.close()
	}

	// First signal drains gracefully; a second one uses the default handler.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-sigc:
			signal.Stop(sigc)
			logger.Info("Received signal, finishing in-flight pages", "signal", sig.String())
			c.Shutdown()
		case <-done:
		}
	}()

	var records io.Writer
	if cfg.Output.Path == "" {
		records = cmd.OutOrStdout()
	}
	if err := streamRecords(ctx, c, records); err != nil {
		return err
	}

	stats := c.Stats()
	fmt.Fprintf(cmd.ErrOrStderr(), "Crawled %s pages, extracted %s records, %s errors, %s cache hits in %s\n",
		humanize.Comma(int64(stats.PagesCrawled)),
		humanize.Comma(int64(stats.ItemsExtracted)),
		humanize.Comma(int64(stats.Errors)),
		humanize.Comma(int64(stats.CacheHits)),
		stats.Elapsed.Round(time.Millisecond))
	switch {
	case cfg.Output.Path == "":
	case c.Resumable():
		fmt.Fprintf(cmd.ErrOrStderr(), "Interrupted: batches for %s kept, run again with --resume to finish\n", cfg.Output.Path)
	default:
		fmt.Fprintf(cmd.ErrOrStderr(), "Output: %s\n", cfg.Output.Path)
	}
	return nil
}

// streamRecords runs the crawl, writing each record as a JSON line to w
// when w is not nil.
func streamRecords(ctx context.Context, c *crawler.Crawler, w io.Writer) error {
	records, errc := c.Stream(ctx)

	var enc *json.Encoder
	if w != nil {
		enc = json.NewEncoder(w)
		enc.SetEscapeHTML(false)
	}

	var writeErr error
	for rec := range records {
		if enc == nil || writeErr != nil {
			continue
		}
		if err := enc.Encode(rec); err != nil {
			writeErr = fmt.Errorf("failed to write record: %w", err)
			c.Shutdown()
		}
	}
	return errors.Join(<-errc, writeErr)
}

// initializeCrawler creates and configures a crawler instance. The returned
// cleanup releases the cache and the browser.
func initializeCrawler(cfg *config.CrawlConfig, logger *slog.Logger, resume bool) (*crawler.Crawler, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*crawler.Crawler, func(), error) {
		cleanup()
		return nil, nil, err
	}

	p, err := parser.NewHTMLParser(parser.Options{
		Selectors:       cfg.Selectors,
		HonorMetaRobots: cfg.HonorMetaRobots,
	})
	if err != nil {
		return fail(err)
	}

	opts := []crawler.Option{
		crawler.WithParser(p),
		crawler.WithLogger(logger),
		crawler.WithHooks(crawler.LoggingHook{Logger: logger}),
	}

	if resume {
		if cp := loadResumeCheckpoint(cfg.Checkpoint.Path, logger); cp != nil {
			opts = append(opts, crawler.WithResume(cp))
		}
	}

	if cfg.Cache.Enabled {
		cache, err := storage.NewResponseCache(cfg.Cache.Dir, cfg.Cache.TTL)
		if err != nil {
			return fail(fmt.Errorf("failed to open cache: %w", err))
		}
		closers = append(closers, func() { _ = cache.Close() })
		opts = append(opts, crawler.WithCache(cache))
	}

	if cfg.Output.Path != "" {
		sink, err := pipeline.New(pipeline.Config{
			Path:      cfg.Output.Path,
			Format:    cfg.Output.Format,
			BatchSize: cfg.Output.BatchSize,
			Logger:    logger,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to create output: %w", err))
		}
		opts = append(opts, crawler.WithSink(sink))
	}

	if cfg.Render.Enabled {
		rcfg := render.ConfigFrom(cfg)
		rcfg.Logger = logger
		chrome, err := render.NewChromeTransport(rcfg)
		if err != nil {
			return fail(fmt.Errorf("failed to start browser: %w", err))
		}
		closers = append(closers, chrome.Close)

		// robots.txt is plain text; fetch it without the browser.
		robotsHTTP := crawler.NewTransportFromConfig(cfg)
		closers = append(closers, robotsHTTP.Close)
		opts = append(opts, crawler.WithTransport(chrome), crawler.WithRobotsTransport(robotsHTTP))
	}

	c, err := crawler.New(cfg, opts...)
	if err != nil {
		return fail(err)
	}

	logger.Info("Crawler configured",
		"seeds", cfg.SeedURLs,
		"concurrency", cfg.Concurrency,
		"max_pages", cfg.MaxPages,
		"max_depth", cfg.MaxDepth,
		"rate_limit", cfg.RateLimit,
		"respect_robots", cfg.RespectRobots,
		"output", cfg.Output.Path,
		"cache", cfg.Cache.Enabled,
		"render", cfg.Render.Enabled,
		"auth", authSummary(cfg))
	return c, cleanup, nil
}

// loadResumeCheckpoint returns nil, starting fresh, when the checkpoint is
// missing or unreadable.
func loadResumeCheckpoint(path string, logger *slog.Logger) *crawler.Checkpoint {
	cp, err := crawler.LoadCheckpoint(path)
	switch {
	case err == nil:
		logger.Info("Resuming from checkpoint",
			"path", path,
			"run_id", cp.RunID,
			"pages_crawled", cp.PagesCrawled,
			"saved", humanize.Time(cp.Timestamp))
		return cp
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("No checkpoint found, starting fresh", "path", path)
	case errors.Is(err, crawler.ErrCheckpointCorrupt):
		logger.Warn("Checkpoint is corrupt, starting fresh", "path", path, "error", err)
	default:
		logger.Warn("Failed to read checkpoint, starting fresh", "path", path, "error", err)
	}
	return nil
}

// authSummary describes the configured authentication without credentials.
func authSummary(cfg *config.CrawlConfig) string {
	if cfg.Auth == nil || cfg.Auth.Type == "" {
		return "none"
	}
	if cfg.Auth.Type == config.AuthTypeBasic {
		if username, _ := cfg.GetBasicAuthCredentials(); username != "" {
			return fmt.Sprintf("basic (username: %s)", username)
		}
	}
	return cfg.Auth.Type
}

type metricsServer struct {
	srv    *http.Server
	addr   string
	logger *slog.Logger
}

// startMetricsServer serves /metrics and /healthz on addr until close is
// called.
func startMetricsServer(addr string, logger *slog.Logger) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	m := &metricsServer{
		srv:    &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second},
		addr:   ln.Addr().String(),
		logger: logger,
	}
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	logger.Info("Serving metrics", "addr", m.addr)
	return m, nil
}

func (m *metricsServer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Warn("Metrics server shutdown failed", "error", err)
	}
}
