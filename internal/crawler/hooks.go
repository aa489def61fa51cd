package crawler

import (
	"context"
	"log/slog"
	"net/http"
)

// BaseHook passes requests and responses through unchanged. Embed it to
// override only one side.
type BaseHook struct{}

func (BaseHook) OnRequest(_ context.Context, req CrawlRequest) (CrawlRequest, bool) {
	return req, true
}

func (BaseHook) OnResponse(_ context.Context, resp CrawlResponse) (CrawlResponse, bool) {
	return resp, true
}

// LoggingHook logs every request and response at debug level.
type LoggingHook struct {
	BaseHook
	Logger *slog.Logger
}

func (h LoggingHook) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h LoggingHook) OnRequest(_ context.Context, req CrawlRequest) (CrawlRequest, bool) {
	h.logger().Debug("Requesting", "url", req.URL, "depth", req.Depth)
	return req, true
}

func (h LoggingHook) OnResponse(_ context.Context, resp CrawlResponse) (CrawlResponse, bool) {
	h.logger().Debug("Response", "url", resp.URL, "status", resp.StatusCode, "cached", resp.FromCache)
	return resp, true
}

// HeaderHook adds headers to every request, overriding per-request headers
// of the same name. Used for auth tokens that only some runs need.
type HeaderHook struct {
	BaseHook
	Headers map[string]string
}

// NewHeaderHook copies headers into a new hook.
func NewHeaderHook(headers map[string]string) *HeaderHook {
	h := &HeaderHook{Headers: make(map[string]string, len(headers))}
	for k, v := range headers {
		h.Headers[k] = v
	}
	return h
}

func (h *HeaderHook) OnRequest(_ context.Context, req CrawlRequest) (CrawlRequest, bool) {
	return req.WithHeaders(h.Headers), true
}

// StatusFilterHook discards responses whose status is not allowed.
type StatusFilterHook struct {
	BaseHook
	allowed map[int]struct{}
	logger  *slog.Logger
}

// NewStatusFilterHook keeps only the given statuses; none means 200 only.
func NewStatusFilterHook(logger *slog.Logger, allowed ...int) *StatusFilterHook {
	if logger == nil {
		logger = slog.Default()
	}
	if len(allowed) == 0 {
		allowed = []int{http.StatusOK}
	}
	h := &StatusFilterHook{allowed: make(map[int]struct{}, len(allowed)), logger: logger}
	for _, code := range allowed {
		h.allowed[code] = struct{}{}
	}
	return h
}

func (h *StatusFilterHook) OnResponse(_ context.Context, resp CrawlResponse) (CrawlResponse, bool) {
	if _, ok := h.allowed[resp.StatusCode]; ok {
		return resp, true
	}
	h.logger.Debug("Discarding response", "url", resp.URL, "status", resp.StatusCode)
	return resp, false
}

// runRequestHooks applies hooks in order, stopping at the first skip.
func runRequestHooks(ctx context.Context, hooks []Hook, req CrawlRequest) (CrawlRequest, bool) {
	for _, h := range hooks {
		var ok bool
		if req, ok = h.OnRequest(ctx, req); !ok {
			return req, false
		}
	}
	return req, true
}

// runResponseHooks applies hooks in order, stopping at the first discard.
func runResponseHooks(ctx context.Context, hooks []Hook, resp CrawlResponse) (CrawlResponse, bool) {
	for _, h := range hooks {
		var ok bool
		if resp, ok = h.OnResponse(ctx, resp); !ok {
			return resp, false
		}
	}
	return resp, true
}
