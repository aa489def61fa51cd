package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{403, "4xx"},
		{503, "5xx"},
		{0, "error"},
	}

	for _, tt := range tests {
		if got := StatusClass(tt.code); got != tt.want {
			t.Errorf("StatusClass(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestObservePage(t *testing.T) {
	Init()
	before := testutil.ToFloat64(pagesTotal.WithLabelValues("2xx"))

	ObservePage(200)
	ObservePage(201)

	after := testutil.ToFloat64(pagesTotal.WithLabelValues("2xx"))
	if after-before != 2 {
		t.Errorf("pages counter delta = %v, want 2", after-before)
	}
}

func TestPerPageMetricsHaveNoHostLabel(t *testing.T) {
	ObservePage(404)
	ObserveRateLimitDelay(30 * time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, line := range strings.Split(string(body), "\n") {
		if !strings.HasPrefix(line, "kumo_pages_total") && !strings.HasPrefix(line, "kumo_rate_limit_delay_seconds") {
			continue
		}
		if strings.Contains(line, "host=") {
			t.Errorf("Series carries a host label: %s", line)
		}
	}
	if !strings.Contains(string(body), `kumo_pages_total{status="4xx"}`) {
		t.Error("Pages counter by status class missing from output")
	}
}

func TestObserveCacheLookup(t *testing.T) {
	Init()
	hits := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit"))
	misses := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("miss"))

	ObserveCacheLookup(true)
	ObserveCacheLookup(false)
	ObserveCacheLookup(false)

	if d := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit")) - hits; d != 1 {
		t.Errorf("hit delta = %v, want 1", d)
	}
	if d := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("miss")) - misses; d != 2 {
		t.Errorf("miss delta = %v, want 2", d)
	}
}

func TestObserveCheckpoint(t *testing.T) {
	Init()
	failed := testutil.ToFloat64(checkpointsTotal.WithLabelValues("error"))

	ObserveCheckpoint(errors.New("disk full"))
	ObserveCheckpoint(nil)

	if d := testutil.ToFloat64(checkpointsTotal.WithLabelValues("error")) - failed; d != 1 {
		t.Errorf("error delta = %v, want 1", d)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveFetchAttempt("ok", 20*time.Millisecond)
	ObserveFrontierDrop("duplicate", 3)
	SetFrontierSize(7)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{
		"kumo_fetch_attempts_total",
		"kumo_frontier_dropped_total",
		"kumo_frontier_size 7",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}
