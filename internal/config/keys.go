package config

import (
	"reflect"
	"sort"
	"strings"
)

// UnknownKeys returns the dotted keys that do not map onto a CrawlConfig
// field, typically typos in the config file. Keys below map-typed fields
// (selectors, domain_rate_limits) are always accepted.
func UnknownKeys(keys []string) []string {
	known := make(map[string]bool)
	var open []string
	collectKeys(reflect.TypeOf(CrawlConfig{}), "", known, &open)

	var unknown []string
	for _, key := range keys {
		key = strings.ToLower(key)
		if known[key] || hasOpenPrefix(key, open) {
			continue
		}
		unknown = append(unknown, key)
	}
	sort.Strings(unknown)
	return unknown
}

func collectKeys(t reflect.Type, prefix string, known map[string]bool, open *[]string) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + tag
		known[key] = true

		ft := field.Type
		for ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		switch ft.Kind() {
		case reflect.Struct:
			if ft.PkgPath() == t.PkgPath() {
				collectKeys(ft, key+".", known, open)
			}
		case reflect.Map:
			*open = append(*open, key+".")
		}
	}
}

func hasOpenPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
