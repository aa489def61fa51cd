package parser

import (
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/masahif/kumo/internal/crawler"
)

func response(rawURL, body string) crawler.CrawlResponse {
	return crawler.CrawlResponse{
		URL:        rawURL,
		StatusCode: 200,
		Content:    []byte(body),
		FetchedAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestHTMLParser(t *testing.T) {
	htmlContent := `
<!DOCTYPE html>
<html>
<head>
	<title>  Test Page
	Title </title>
	<meta name="description" content="This is a test description">
	<style>body { color: red; }</style>
	<script>var hidden = "script text";</script>
</head>
<body>
	<h1>Test Page</h1>
	<p>Some   content</p>
	<noscript>enable javascript</noscript>
	<a href="/relative-link">Relative Link</a>
	<a href="https://example.com/absolute-link#section">Absolute Link</a>
	<a href="https://external.com/page" rel="nofollow">External Link</a>
	<a href="#anchor">Anchor Link</a>
	<a href="javascript:void(0)">JavaScript Link</a>
	<a href="mailto:someone@example.com">Mail</a>
	<a href="tel:+123">Phone</a>
	<a href="ftp://example.com/file">FTP</a>
	<a href="/relative-link">Duplicate</a>
	<a href="/page-with-text">Link with <span>nested</span> text</a>
</body>
</html>
`

	p, err := NewHTMLParser(Options{})
	if err != nil {
		t.Fatalf("Failed to create parser: %v", err)
	}

	rec, links, err := p.Parse(response("https://example.com/test-page", htmlContent))
	if err != nil {
		t.Fatalf("Failed to parse HTML: %v", err)
	}
	if rec == nil {
		t.Fatal("Expected a record")
	}

	if rec.Title != "Test Page Title" {
		t.Errorf("Expected title 'Test Page Title', got '%s'", rec.Title)
	}
	if rec.URL != "https://example.com/test-page" {
		t.Errorf("Record URL = %s", rec.URL)
	}
	if !rec.CrawledAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("CrawledAt = %v, want the fetch time", rec.CrawledAt)
	}

	for _, hidden := range []string{"script text", "color: red", "enable javascript"} {
		if contains(rec.Text, hidden) {
			t.Errorf("Text should not contain %q: %q", hidden, rec.Text)
		}
	}
	if !contains(rec.Text, "Some content") {
		t.Errorf("Text should contain collapsed visible text, got %q", rec.Text)
	}

	expectedLinks := []string{
		"https://example.com/relative-link",
		"https://example.com/absolute-link",
		"https://external.com/page",
		"https://example.com/page-with-text",
	}
	if !reflect.DeepEqual(links, expectedLinks) {
		t.Errorf("Links = %v, want %v", links, expectedLinks)
	}
	if !reflect.DeepEqual(rec.Links, expectedLinks) {
		t.Errorf("Record links = %v, want %v", rec.Links, expectedLinks)
	}
	if rec.Data != nil {
		t.Errorf("Data should be empty without selectors, got %v", rec.Data)
	}
}

func TestHTMLParserSelectors(t *testing.T) {
	p, err := NewHTMLParser(Options{Selectors: map[string]string{
		"price":   "span.price",
		"tags":    "ul.tags li",
		"missing": "div.nothing",
	}})
	if err != nil {
		t.Fatalf("Failed to create parser: %v", err)
	}

	body := `<html><body>
		<span class="price"> 9.99 </span>
		<ul class="tags"><li>go</li><li> crawler </li></ul>
	</body></html>`

	rec, _, err := p.Parse(response("https://shop.example.com/item", body))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if rec.Data["price"] != "9.99" {
		t.Errorf("price = %v, want 9.99", rec.Data["price"])
	}
	if tags, ok := rec.Data["tags"].([]string); !ok || !reflect.DeepEqual(tags, []string{"go", "crawler"}) {
		t.Errorf("tags = %#v, want [go crawler]", rec.Data["tags"])
	}
	if v, ok := rec.Data["missing"]; !ok || v != nil {
		t.Errorf("missing = %#v (present=%v), want nil entry", v, ok)
	}
}

func TestHTMLParserInvalidSelector(t *testing.T) {
	if _, err := NewHTMLParser(Options{Selectors: map[string]string{"bad": "div[["}}); err == nil {
		t.Error("Expected error for invalid selector")
	}
}

func TestHTMLParserMetaRobots(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		honor      bool
		wantRecord bool
		wantLinks  int
	}{
		{"ignored", "noindex,nofollow", false, true, 1},
		{"noindex", "noindex", true, false, 1},
		{"nofollow", "NoFollow", true, true, 0},
		{"none", "none", true, false, 0},
		{"index follow", "index, follow", true, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := NewHTMLParser(Options{HonorMetaRobots: tt.honor})
			body := `<html><head><meta name="robots" content="` + tt.content + `"></head>` +
				`<body><a href="/next">next</a></body></html>`

			rec, links, err := p.Parse(response("https://example.com/", body))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if (rec != nil) != tt.wantRecord {
				t.Errorf("record = %v, want present=%v", rec, tt.wantRecord)
			}
			if len(links) != tt.wantLinks {
				t.Errorf("links = %v, want %d", links, tt.wantLinks)
			}
		})
	}
}

func TestHTMLParserEmptyContent(t *testing.T) {
	p, err := NewHTMLParser(Options{})
	if err != nil {
		t.Fatalf("Failed to create parser: %v", err)
	}

	rec, links, err := p.Parse(response("https://example.com/", ""))
	if err != nil {
		t.Fatalf("Failed to parse empty HTML: %v", err)
	}

	if rec.Title != "" || rec.Text != "" || len(links) != 0 {
		t.Error("Expected empty results for empty HTML")
	}
	if rec.Links == nil {
		t.Error("Record links should be an empty list, not nil")
	}
}

func TestResolveLink(t *testing.T) {
	base := mustParse(t, "https://example.com/dir/page?x=1")

	tests := []struct {
		href string
		want string
		ok   bool
	}{
		{"other", "https://example.com/dir/other", true},
		{"../up", "https://example.com/up", true},
		{"?q=2", "https://example.com/dir/page?q=2", true},
		{"//cdn.example.com/a", "https://cdn.example.com/a", true},
		{"  /trimmed  ", "https://example.com/trimmed", true},
		{"JavaScript:alert(1)", "", false},
		{"", "", false},
		{"data:text/plain,hi", "", false},
	}

	for _, tt := range tests {
		got, ok := resolveLink(base, tt.href)
		if ok != tt.ok || got != tt.want {
			t.Errorf("resolveLink(%q) = (%q, %v), want (%q, %v)", tt.href, got, ok, tt.want, tt.ok)
		}
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}
