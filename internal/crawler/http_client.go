package crawler

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 10 << 20

// HTTPTransportConfig configures the plain HTTP transport.
type HTTPTransportConfig struct {
	UserAgent string
	Timeout   time.Duration
	Proxy     string            // Optional proxy URL
	Headers   map[string]string // Sent with every request
}

// HTTPTransport is the default Transport built on net/http.
type HTTPTransport struct {
	client        *http.Client
	userAgent     string
	authType      string
	username      string            // Basic auth username
	password      string            // Basic auth password
	bearerToken   string            // Bearer token
	apiKeyHeader  string            // API key header name
	apiKeyValue   string            // API key header value
	customHeaders map[string]string // Custom headers
}

// NewHTTPTransport creates a transport following up to 10 redirects.
func NewHTTPTransport(config HTTPTransportConfig) *HTTPTransport {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // decoded in readBody
	}
	if config.Proxy != "" {
		if proxyURL, err := url.Parse(config.Proxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	t := &HTTPTransport{
		client:        client,
		userAgent:     config.UserAgent,
		customHeaders: make(map[string]string),
	}
	t.SetCustomHeaders(config.Headers)
	return t
}

// SetBasicAuth configures basic authentication for HTTP requests
func (h *HTTPTransport) SetBasicAuth(username, password string) {
	h.authType = "basic"
	h.username = username
	h.password = password
}

// SetBearerAuth configures bearer token authentication for HTTP requests
func (h *HTTPTransport) SetBearerAuth(token string) {
	h.authType = "bearer"
	h.bearerToken = token
}

// SetAPIKeyAuth configures API key authentication for HTTP requests
func (h *HTTPTransport) SetAPIKeyAuth(header, value string) {
	h.authType = "apikey"
	h.apiKeyHeader = header
	h.apiKeyValue = value
}

// SetCustomHeaders sets custom HTTP headers
func (h *HTTPTransport) SetCustomHeaders(headers map[string]string) {
	for k, v := range headers {
		h.customHeaders[k] = v
	}
}

// Do performs a GET request. Any HTTP status is a result; only failures to
// get a response are errors, returned as *FetchError.
func (h *HTTPTransport) Do(ctx context.Context, rawURL string, headers map[string]string) (TransportResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return TransportResult{}, &FetchError{Kind: KindPermanentHTTP, URL: rawURL, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	switch h.authType {
	case "basic":
		if h.username != "" && h.password != "" {
			req.SetBasicAuth(h.username, h.password)
		}
	case "bearer":
		if h.bearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+h.bearerToken)
		}
	case "apikey":
		if h.apiKeyHeader != "" && h.apiKeyValue != "" {
			req.Header.Set(h.apiKeyHeader, h.apiKeyValue)
		}
	}

	// Configured headers first, per-request headers override them
	for name, value := range h.customHeaders {
		req.Header.Set(name, value)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return TransportResult{}, &FetchError{Kind: classifyTransportError(err), URL: rawURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := readBody(resp)
	if err != nil {
		return TransportResult{}, &FetchError{Kind: classifyTransportError(err), URL: rawURL, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	// The body is stored decoded
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")

	return TransportResult{
		StatusCode: resp.StatusCode,
		Body:       body,
		FinalURL:   resp.Request.URL.String(),
		Headers:    flattenHeaders(resp.Header),
	}, nil
}

// readBody decodes the body according to Content-Encoding and reads at most
// maxBodySize decoded bytes.
func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer func() { _ = fl.Close() }()
		reader = fl
	case "br":
		reader = brotli.NewReader(resp.Body)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}

	return io.ReadAll(io.LimitReader(reader, maxBodySize))
}

// Close releases idle connections
func (h *HTTPTransport) Close() {
	h.client.CloseIdleConnections()
}

func classifyTransportError(err error) ErrorKind {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return KindTimeout
	}
	return ClassifyError(err)
}

// flattenHeaders joins repeated header values with ", ".
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}
