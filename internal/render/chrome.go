// Package render provides a crawler transport that loads pages in headless
// Chrome and returns the DOM after scripts have run.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/masahif/kumo/internal/config"
	"github.com/masahif/kumo/internal/crawler"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	maxBodyBytes             = 10 * 1024 * 1024
)

// Config controls the browser transport.
type Config struct {
	MaxParallel       int           // Concurrent tabs; 0 means unbounded
	WaitSelector      string        // CSS selector awaited before capture
	Settle            time.Duration // Extra wait after the selector is ready
	UserAgent         string
	NavigationTimeout time.Duration
	Headers           map[string]string // Sent with every navigation
	Logger            *slog.Logger
}

// ConfigFrom maps the crawl configuration onto a browser Config.
func ConfigFrom(cfg *config.CrawlConfig) Config {
	return Config{
		MaxParallel:       cfg.Render.MaxParallel,
		WaitSelector:      cfg.Render.WaitSelector,
		Settle:            cfg.Render.Settle,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.RequestTimeout,
		Headers:           cfg.HeaderMap(),
	}
}

var errBrowserClosed = errors.New("browser transport closed")

// ChromeTransport implements crawler.Transport with chromedp. One browser
// process is shared and every request runs in its own tab.
type ChromeTransport struct {
	cfg         Config
	slots       *semaphore.Weighted // nil when unbounded
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *slog.Logger

	browserOnce   sync.Once
	browserCtx    context.Context
	browserCancel context.CancelFunc
	browserErr    error
}

var _ crawler.Transport = (*ChromeTransport)(nil)

// NewChromeTransport prepares the browser allocator. Chrome itself starts
// with the first request.
func NewChromeTransport(cfg Config) (*ChromeTransport, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}

	var slots *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ChromeTransport{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close shuts the browser down. Later requests fail.
func (t *ChromeTransport) Close() {
	t.browserOnce.Do(func() { t.browserErr = errBrowserClosed })
	if t.browserCancel != nil {
		t.browserCancel()
	}
	t.allocCancel()
}

// browser starts the shared Chrome process on first use. Tabs opened from
// the returned context all run in that process.
func (t *ChromeTransport) browser() (context.Context, error) {
	t.browserOnce.Do(func() {
		ctx, cancel := chromedp.NewContext(t.allocator)
		if err := chromedp.Run(ctx); err != nil {
			cancel()
			t.browserErr = fmt.Errorf("start browser: %w", err)
			return
		}
		t.logger.Debug("Browser started")
		t.browserCtx, t.browserCancel = ctx, cancel
	})
	return t.browserCtx, t.browserErr
}

// Do navigates to rawURL and returns the rendered HTML with the status and
// headers of the main document response.
func (t *ChromeTransport) Do(ctx context.Context, rawURL string, headers map[string]string) (crawler.TransportResult, error) {
	if err := t.acquire(ctx); err != nil {
		return crawler.TransportResult{}, &crawler.FetchError{Kind: crawler.KindTimeout, URL: rawURL, Err: err}
	}
	defer t.release()

	browserCtx, err := t.browser()
	if err != nil {
		return crawler.TransportResult{}, &crawler.FetchError{Kind: crawler.KindTransient, URL: rawURL, Err: err}
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()

	// The tab lives under the browser, so follow the caller's cancellation.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, t.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := t.run(tabCtx, rawURL, mergeHeaders(t.cfg.Headers, headers))
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Join(err, ctx.Err())
		}
		return crawler.TransportResult{}, &crawler.FetchError{Kind: crawler.ClassifyError(err), URL: rawURL, Err: err}
	}

	if len(html) > maxBodyBytes {
		html = html[:maxBodyBytes]
	}

	status, respHeaders, responseURL := meta.snapshotWithFallbacks(rawURL, finalURL)
	t.logger.Debug("Page rendered",
		"url", rawURL,
		"final_url", responseURL,
		"status", status,
		"bytes", len(html),
		"latency_ms", time.Since(start).Milliseconds())

	return crawler.TransportResult{
		StatusCode: status,
		Body:       []byte(html),
		FinalURL:   responseURL,
		Headers:    respHeaders,
	}, nil
}

func (t *ChromeTransport) run(ctx context.Context, rawURL string, headers map[string]string) (string, string, error) {
	var html, finalURL string

	actions := []chromedp.Action{
		t.networkSetup(headers),
		chromedp.Navigate(rawURL),
	}
	if sel := strings.TrimSpace(t.cfg.WaitSelector); sel != "" {
		actions = append(actions, chromedp.WaitReady(sel, chromedp.ByQuery))
	}
	if t.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(t.cfg.Settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (t *ChromeTransport) networkSetup(headers map[string]string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if t.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(t.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (t *ChromeTransport) acquire(ctx context.Context) error {
	if t.slots == nil {
		return nil
	}
	if err := t.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("browser slot wait canceled: %w", err)
	}
	return nil
}

func (t *ChromeTransport) release() {
	if t.slots == nil {
		return
	}
	t.slots.Release(1)
}

// responseMeta records the main document response seen by the tab.
type responseMeta struct {
	mu      sync.Mutex
	status  int
	headers map[string]string
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(ev *network.EventResponseReceived) {
	if ev.Type != network.ResourceTypeDocument || ev.Response == nil {
		return
	}

	headers := make(map[string]string, len(ev.Response.Headers))
	for key, value := range ev.Response.Headers {
		headers[http.CanonicalHeaderKey(key)] = fmt.Sprint(value)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Frames emit document responses too; the main document comes first.
	if m.status != 0 {
		return
	}
	m.status = int(ev.Response.Status)
	m.headers = headers
	m.url = ev.Response.URL
}

// snapshotWithFallbacks prefers the tab location as the URL, then the
// document response URL, then the request URL. A missing status is 200.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, map[string]string, string) {
	m.mu.Lock()
	status, headers, url := m.status, m.headers, m.url
	m.mu.Unlock()

	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

// mergeHeaders overlays per-request headers on the configured ones.
func mergeHeaders(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := make(network.Headers, len(h))
	for k, v := range h {
		headers[k] = v
	}
	return headers
}
