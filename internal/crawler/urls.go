package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// NormalizeURL returns the dedup key for raw: lowercased scheme, host and
// path, query pairs sorted by key then value, no fragment and no trailing
// slash.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(strings.ToLower(u.EscapedPath()))

	if u.RawQuery != "" {
		values, err := url.ParseQuery(u.RawQuery)
		if err == nil {
			b.WriteByte('?')
			b.WriteString(sortedQuery(values))
		} else {
			b.WriteByte('?')
			b.WriteString(u.RawQuery)
		}
	}

	return strings.TrimRight(b.String(), "/"), nil
}

func sortedQuery(values url.Values) string {
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(values))
	for k, vs := range values {
		for _, v := range vs {
			pairs = append(pairs, pair{k, v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = url.QueryEscape(p.k) + "=" + url.QueryEscape(p.v)
	}
	return strings.Join(parts, "&")
}

// ValidateSeed checks that raw is an absolute http(s) URL with a host.
func ValidateSeed(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSeed, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %s: scheme must be http or https", ErrInvalidSeed, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %s: missing host", ErrInvalidSeed, raw)
	}
	return nil
}

// hostOf returns the lowercased host (with port) of raw, or "" when raw does
// not parse.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// registrableDomain returns the eTLD+1 of host, falling back to the bare
// hostname for IPs, localhost and unknown suffixes.
func registrableDomain(host string) string {
	hostname := (&url.URL{Host: host}).Hostname()
	if domain, err := publicsuffix.EffectiveTLDPlusOne(hostname); err == nil {
		return domain
	}
	return hostname
}

// LinkFilter decides which discovered links are followed: same-domain scope
// against the seed hosts plus include/exclude regular expressions.
type LinkFilter struct {
	sameDomain bool
	sameSite   bool
	hosts      map[string]struct{}
	sites      map[string]struct{}
	include    []*regexp.Regexp
	exclude    []*regexp.Regexp
}

// NewLinkFilter compiles the patterns once and records the seed hosts.
func NewLinkFilter(seeds []string, sameDomain, sameSite bool, include, exclude []string) (*LinkFilter, error) {
	f := &LinkFilter{
		sameDomain: sameDomain,
		sameSite:   sameSite,
		hosts:      make(map[string]struct{}),
		sites:      make(map[string]struct{}),
	}

	for _, seed := range seeds {
		f.AddSeed(seed)
	}

	for _, pattern := range include {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("include pattern %q: %w", pattern, err)
		}
		f.include = append(f.include, re)
	}
	for _, pattern := range exclude {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", pattern, err)
		}
		f.exclude = append(f.exclude, re)
	}

	return f, nil
}

// AddSeed widens the same-domain scope to include seed's host.
func (f *LinkFilter) AddSeed(seed string) {
	host := hostOf(seed)
	if host == "" {
		return
	}
	f.hosts[host] = struct{}{}
	f.sites[registrableDomain(host)] = struct{}{}
}

// Allow reports whether link should be enqueued.
func (f *LinkFilter) Allow(link string) bool {
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}

	if f.sameDomain {
		host := strings.ToLower(u.Host)
		if f.sameSite {
			if _, ok := f.sites[registrableDomain(host)]; !ok {
				return false
			}
		} else if _, ok := f.hosts[host]; !ok {
			return false
		}
	}

	if len(f.include) > 0 {
		matched := false
		for _, re := range f.include {
			if re.MatchString(link) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, re := range f.exclude {
		if re.MatchString(link) {
			return false
		}
	}

	return true
}
