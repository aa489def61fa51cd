// Package parser turns fetched HTML pages into crawl records.
// It extracts the title, visible text and outgoing links of a document and,
// when configured, values selected with CSS selectors.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/masahif/kumo/internal/crawler"
)

// skippedTextElements never contribute to a record's visible text.
var skippedTextElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
}

// skippedHrefPrefixes are anchors that never lead to another page.
var skippedHrefPrefixes = []string{"#", "javascript:", "mailto:", "tel:", "data:"}

// Options configures an HTMLParser.
type Options struct {
	// Selectors maps output field names to CSS selectors. Results go to
	// Record.Data: nil when nothing matches, a string for one match, a
	// []string for several.
	Selectors map[string]string
	// HonorMetaRobots drops the record for noindex pages and the links of
	// nofollow pages.
	HonorMetaRobots bool
}

// HTMLParser extracts records and links from HTML responses. It is safe for
// concurrent use.
type HTMLParser struct {
	selectors       map[string]cascadia.Selector
	fields          []string
	honorMetaRobots bool
}

var _ crawler.Parser = (*HTMLParser)(nil)

// NewHTMLParser compiles the configured selectors.
func NewHTMLParser(opts Options) (*HTMLParser, error) {
	p := &HTMLParser{
		selectors:       make(map[string]cascadia.Selector, len(opts.Selectors)),
		honorMetaRobots: opts.HonorMetaRobots,
	}

	for field, selector := range opts.Selectors {
		sel, err := cascadia.Compile(selector)
		if err != nil {
			return nil, fmt.Errorf("invalid selector for %q: %w", field, err)
		}
		p.selectors[field] = sel
		p.fields = append(p.fields, field)
	}
	sort.Strings(p.fields)

	return p, nil
}

// pageInfo collects what a single walk over the document finds.
type pageInfo struct {
	title      string
	metaRobots string
	text       []string
	links      []string
	seenLinks  map[string]struct{}
}

// Parse implements crawler.Parser.
func (p *HTMLParser) Parse(resp crawler.CrawlResponse) (*crawler.Record, []string, error) {
	baseURL, err := url.Parse(resp.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid base URL: %w", err)
	}

	doc, err := html.Parse(bytes.NewReader(resp.Content))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	info := &pageInfo{seenLinks: make(map[string]struct{})}
	p.traverse(doc, baseURL, info)

	noindex, nofollow := false, false
	if p.honorMetaRobots {
		noindex, nofollow = parseMetaRobots(info.metaRobots)
	}

	links := info.links
	if nofollow {
		links = nil
	}
	if noindex {
		return nil, links, nil
	}

	rec := &crawler.Record{
		URL:       resp.URL,
		Title:     info.title,
		Text:      strings.Join(info.text, " "),
		Links:     info.links,
		Data:      p.selectData(doc),
		CrawledAt: resp.FetchedAt,
	}
	if rec.Links == nil {
		rec.Links = []string{}
	}
	return rec, links, nil
}

// traverse walks the HTML tree once, collecting title, meta robots,
// visible text and anchors.
func (p *HTMLParser) traverse(n *html.Node, base *url.URL, info *pageInfo) {
	switch n.Type {
	case html.TextNode:
		info.text = append(info.text, strings.Fields(n.Data)...)
		return

	case html.ElementNode:
		if skippedTextElements[n.Data] {
			return
		}

		switch n.Data {
		case "title":
			if info.title == "" {
				info.title = strings.Join(strings.Fields(extractText(n)), " ")
			}

		case "meta":
			if strings.EqualFold(attr(n, "name"), "robots") {
				info.metaRobots = strings.ToLower(attr(n, "content"))
			}

		case "a":
			if link, ok := resolveLink(base, attr(n, "href")); ok {
				if _, dup := info.seenLinks[link]; !dup {
					info.seenLinks[link] = struct{}{}
					info.links = append(info.links, link)
				}
			}
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.traverse(c, base, info)
	}
}

func (p *HTMLParser) selectData(doc *html.Node) map[string]any {
	if len(p.fields) == 0 {
		return nil
	}

	root := goquery.NewDocumentFromNode(doc)
	data := make(map[string]any, len(p.fields))
	for _, field := range p.fields {
		matches := root.FindMatcher(p.selectors[field])

		switch matches.Length() {
		case 0:
			data[field] = nil
		case 1:
			data[field] = strings.TrimSpace(matches.Text())
		default:
			values := make([]string, 0, matches.Length())
			matches.Each(func(_ int, s *goquery.Selection) {
				values = append(values, strings.TrimSpace(s.Text()))
			})
			data[field] = values
		}
	}
	return data
}

// resolveLink makes href absolute against base and keeps it only when it is
// an http(s) URL. The fragment is dropped.
func resolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}

	lower := strings.ToLower(href)
	for _, prefix := range skippedHrefPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return "", false
		}
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}

	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	if abs.Host == "" {
		return "", false
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String(), true
}

func parseMetaRobots(content string) (noindex, nofollow bool) {
	for _, directive := range strings.Split(content, ",") {
		switch strings.TrimSpace(directive) {
		case "noindex":
			noindex = true
		case "nofollow":
			nofollow = true
		case "none":
			noindex, nofollow = true, true
		}
	}
	return noindex, nofollow
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// extractText recursively extracts text content from a node
func extractText(n *html.Node) string {
	if n.Type == html.TextNode {
		return strings.TrimSpace(n.Data)
	}

	var parts []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		text := extractText(c)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " ")
}
