package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/masahif/kumo/internal/crawler"
	"github.com/masahif/kumo/internal/storage"
)

// resetFlags restores every flag of cmd and its children to its default so
// tests do not leak flag values into each other.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, child := range cmd.Commands() {
		resetFlags(child)
	}
}

func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	viper.Reset()
	resetFlags(rootCmd)
	t.Cleanup(func() {
		viper.Reset()
		resetFlags(rootCmd)
	})

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestSetVersionInfo(t *testing.T) {
	version := "1.2.3"
	buildTime := "2025-01-01T10:00:00Z"

	SetVersionInfo(version, buildTime)

	expected := "1.2.3 (built 2025-01-01T10:00:00Z)"
	if rootCmd.Version != expected {
		t.Errorf("Expected version %s, got %s", expected, rootCmd.Version)
	}
	if got := generateUserAgent(); got != "Kumo/1.2.3" {
		t.Errorf("Expected user agent Kumo/1.2.3, got %s", got)
	}

	SetVersionInfo("dev", "unknown")
	if got := generateUserAgent(); got != "Kumo/1.0" {
		t.Errorf("Dev builds should keep the default user agent, got %s", got)
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{{"crawl"}, {"cache", "stats"}, {"cache", "clear"}} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("Command %v not found: %v", path, err)
		}
	}

	if rootCmd.PersistentFlags().Lookup("config") == nil {
		t.Error("Expected persistent flag 'config' to be defined")
	}

	// Every binding must name an existing flag
	for _, bind := range crawlBindings {
		if crawlCmd.Flags().Lookup(bind.flagName) == nil && rootCmd.PersistentFlags().Lookup(bind.flagName) == nil {
			t.Errorf("Binding %s refers to missing flag %s", bind.viperKey, bind.flagName)
		}
	}
}

func TestInitConfig(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "kumo.yml")
	err := os.WriteFile(configFile, []byte("concurrency: 5\nuser_agent: \"TestAgent/1.0\"\n"), 0o644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	viper.Reset()
	defer viper.Reset()

	cfgFile = configFile
	defer func() { cfgFile = "" }()

	initConfig()

	if viper.ConfigFileUsed() != configFile {
		t.Errorf("Expected config file %s, got %s", configFile, viper.ConfigFileUsed())
	}
	if viper.GetInt("concurrency") != 5 {
		t.Errorf("Expected concurrency 5, got %d", viper.GetInt("concurrency"))
	}
}

func TestInitConfigLoadsDotEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "KUMO_MAX_PAGES=7\nKUMO_AUTH_BASIC_USERNAME=dotenv-user\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KUMO_AUTH_BASIC_USERNAME", "from-env")
	defer func() { _ = os.Unsetenv("KUMO_MAX_PAGES") }()

	viper.Reset()
	defer viper.Reset()

	old := dotEnvFile
	dotEnvFile = envFile
	defer func() { dotEnvFile = old }()

	initConfig()

	if got := viper.GetInt("max_pages"); got != 7 {
		t.Errorf("max_pages = %d, want 7 from .env", got)
	}
	if got := viper.GetString("auth.basic.username"); got != "from-env" {
		t.Errorf("auth.basic.username = %q, want the existing environment value", got)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "kumo.yml")
	content := `
seed_urls: ["https://from-file.example.com"]
max_pages: 50
request_timeout: 5s
output:
  path: out.csv
cache:
  ttl: 2h
selectors:
  price: span.price
`
	if err := os.WriteFile(configFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	viper.Reset()
	defer viper.Reset()
	resetFlags(rootCmd)
	defer resetFlags(rootCmd)

	cfgFile = configFile
	defer func() { cfgFile = "" }()

	t.Setenv("KUMO_CONCURRENCY", "7")
	t.Setenv("KUMO_HEADER_X_TRACE", "abc")

	initConfig()
	if err := bindFlags(crawlCmd.Flags(), crawlBindings[1:]); err != nil {
		t.Fatal(err)
	}
	if err := crawlCmd.Flags().Set("max-depth", "1"); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}

	if len(cfg.SeedURLs) != 1 || cfg.SeedURLs[0] != "https://from-file.example.com" {
		t.Errorf("SeedURLs = %v, want the file's seeds", cfg.SeedURLs)
	}
	if cfg.MaxPages != 50 || cfg.RequestTimeout != 5*time.Second {
		t.Errorf("File values not applied: max_pages=%d timeout=%v", cfg.MaxPages, cfg.RequestTimeout)
	}
	if cfg.Concurrency != 7 {
		t.Errorf("Env should override file, concurrency=%d", cfg.Concurrency)
	}
	if cfg.MaxDepth != 1 {
		t.Errorf("Flag should win, max_depth=%d", cfg.MaxDepth)
	}
	if cfg.Output.Path != "out.csv" || cfg.OutputFormat() != "csv" {
		t.Errorf("Output = %+v", cfg.Output)
	}
	if cfg.Cache.TTL != 2*time.Hour || cfg.Cache.Dir != ".kumo_cache" {
		t.Errorf("Cache = %+v, want file ttl and default dir", cfg.Cache)
	}
	if cfg.Selectors["price"] != "span.price" {
		t.Errorf("Selectors = %v", cfg.Selectors)
	}
	if cfg.HeaderMap()["X-Trace"] != "abc" {
		t.Errorf("Headers = %v, want X-Trace from env", cfg.Headers)
	}

	cfg, err = loadConfig([]string{"https://arg.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.SeedURLs) != 1 || cfg.SeedURLs[0] != "https://arg.example.com" {
		t.Errorf("Arguments should replace configured seeds, got %v", cfg.SeedURLs)
	}
}

func TestShowConfig(t *testing.T) {
	stdout, _, err := executeCommand(t, "crawl", "--show-config", "--max-pages", "42", "https://example.com")
	if err != nil {
		t.Fatalf("show-config failed: %v", err)
	}

	for _, want := range []string{"# Current kumo configuration", "seed_urls:", "https://example.com", "max_pages: 42", "KUMO_"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("show-config output missing %q:\n%s", want, stdout)
		}
	}
}

func TestCrawlCommandRejectsInvalidConfig(t *testing.T) {
	_, _, err := executeCommand(t, "crawl", "--concurrency", "0", "https://example.com")
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("Expected invalid configuration error, got %v", err)
	}

	_, _, err = executeCommand(t, "crawl", "--checkpoint-interval", "0", "--log-level", "error", "ftp://example.com")
	if err == nil || !strings.Contains(err.Error(), "invalid seed") {
		t.Errorf("Expected invalid seed error, got %v", err)
	}
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><head><title>Home</title></head><body><a href="/next">next</a></body></html>`)
		case "/next":
			fmt.Fprint(w, `<html><head><title>Next</title></head><body><span class="price">10</span></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func crawlArgs(extra ...string) []string {
	args := []string{
		"crawl",
		"--log-level", "error",
		"--rate-limit", "100",
		"--max-retries", "0",
		"--checkpoint-interval", "0",
		"--stats-interval", "0",
	}
	return append(args, extra...)
}

func TestCrawlCommandWritesOutput(t *testing.T) {
	server := newSite(t)
	out := filepath.Join(t.TempDir(), "out.jsonl")

	_, stderr, err := executeCommand(t, crawlArgs("-o", out, server.URL)...)
	if err != nil {
		t.Fatalf("crawl failed: %v", err)
	}
	if !strings.Contains(stderr, "Crawled 2 pages") {
		t.Errorf("Unexpected summary: %s", stderr)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("Output file missing: %v", err)
	}
	defer f.Close()

	titles := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec crawler.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("Invalid record %q: %v", scanner.Text(), err)
		}
		titles[rec.Title] = true
	}
	if !titles["Home"] || !titles["Next"] || len(titles) != 2 {
		t.Errorf("Records = %v, want Home and Next", titles)
	}
}

func TestCrawlCommandStreamsToStdout(t *testing.T) {
	server := newSite(t)

	stdout, _, err := executeCommand(t, crawlArgs("--max-depth", "0", server.URL)...)
	if err != nil {
		t.Fatalf("crawl failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected one record on stdout, got %d:\n%s", len(lines), stdout)
	}
	var rec crawler.Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil || rec.Title != "Home" {
		t.Errorf("Unexpected record %q (%v)", lines[0], err)
	}
}

func TestCacheCommands(t *testing.T) {
	dir := t.TempDir()

	cache, err := storage.NewResponseCache(dir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, u := range []string{"https://example.com/a", "https://example.com/b"} {
		if err := cache.Set(ctx, u, "", 200, []byte("<html></html>"), nil); err != nil {
			t.Fatal(err)
		}
	}
	_ = cache.Close()

	stdout, _, err := executeCommand(t, "cache", "stats", "--dir", dir)
	if err != nil {
		t.Fatalf("cache stats failed: %v", err)
	}
	if !strings.Contains(stdout, "Entries: 2") {
		t.Errorf("Unexpected stats output:\n%s", stdout)
	}

	stdout, _, err = executeCommand(t, "cache", "clear", "--dir", dir)
	if err != nil {
		t.Fatalf("cache clear failed: %v", err)
	}
	if !strings.Contains(stdout, "Removed 2 cached responses") {
		t.Errorf("Unexpected clear output:\n%s", stdout)
	}

	stdout, _, _ = executeCommand(t, "cache", "stats", "--dir", dir)
	if !strings.Contains(stdout, "Entries: 0") {
		t.Errorf("Cache should be empty after clear:\n%s", stdout)
	}
}

func TestLoadResumeCheckpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	if cp := loadResumeCheckpoint(filepath.Join(dir, "missing.json"), logger); cp != nil {
		t.Error("Missing checkpoint should start fresh")
	}

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if cp := loadResumeCheckpoint(corrupt, logger); cp != nil {
		t.Error("Corrupt checkpoint should start fresh")
	}

	valid := filepath.Join(dir, "valid.json")
	saved := &crawler.Checkpoint{Version: crawler.CheckpointVersion, RunID: "run-1", PagesCrawled: 3}
	if err := crawler.SaveCheckpoint(valid, saved); err != nil {
		t.Fatal(err)
	}
	cp := loadResumeCheckpoint(valid, logger)
	if cp == nil || cp.RunID != "run-1" || cp.PagesCrawled != 3 {
		t.Errorf("Loaded checkpoint = %+v", cp)
	}
}

func TestMetricsServer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := startMetricsServer("127.0.0.1:0", logger)
	if err != nil {
		t.Fatalf("startMetricsServer failed: %v", err)
	}
	defer srv.close()

	resp, err := http.Get("http://" + srv.addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "kumo_") {
		t.Errorf("Metrics output should contain kumo collectors:\n%.500s", body)
	}

	health, err := http.Get("http://" + srv.addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", health.StatusCode)
	}

	post, err := http.Post("http://"+srv.addr+"/metrics", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /metrics failed: %v", err)
	}
	defer post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /metrics status = %d, want 405", post.StatusCode)
	}
}
