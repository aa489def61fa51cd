package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failed fetch so the retry loop can branch on it.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindPolicyDenied  ErrorKind = "policy_denied"  // robots.txt disallow
	KindTimeout       ErrorKind = "timeout"        // transient, retried
	KindTransient     ErrorKind = "transient"      // transient, retried
	KindPermanentHTTP ErrorKind = "permanent_http" // 4xx/5xx returned as-is
	KindParse         ErrorKind = "parse"
)

// Retryable reports whether a fetch failing with this kind is retried.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindTransient
}

var (
	// ErrInvalidSeed is returned for seed URLs that are not absolute http(s) URLs
	ErrInvalidSeed = errors.New("invalid seed URL")
	// ErrCheckpointCorrupt is returned when a checkpoint file cannot be decoded
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
	// ErrNoParser is returned by New when no Parser option is given
	ErrNoParser = errors.New("no parser configured")
	// ErrAlreadyStarted is returned when Run or Stream is called twice on one Crawler
	ErrAlreadyStarted = errors.New("crawler already started")
)

// FetchError is returned by transports. Kind tells the fetcher whether the
// failure is worth retrying.
type FetchError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ClassifyError maps a transport error to an ErrorKind. A *FetchError keeps
// its own kind; deadline and network timeouts are KindTimeout; anything else
// is KindTransient.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) && fetchErr.Kind != KindNone {
		return fetchErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	return KindTransient
}
