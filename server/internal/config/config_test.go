package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	p := writeConfig(t, "server: {}\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != DefaultHTTPPort {
		t.Errorf("http_port: got %d, want %d", cfg.Server.HTTPPort, DefaultHTTPPort)
	}
	if cfg.Feed.Backoff.Initial != time.Second || cfg.Feed.Backoff.Max != 30*time.Second || cfg.Feed.Backoff.Multiplier != 2 {
		t.Errorf("backoff: got %+v, want 1s/30s/x2", cfg.Feed.Backoff)
	}
	if len(cfg.Feed.Tables) != 3 {
		t.Errorf("tables: got %d, want 3 defaults", len(cfg.Feed.Tables))
	}
	if cfg.Recompute.Debounce != 250*time.Millisecond {
		t.Errorf("debounce: got %v, want 250ms", cfg.Recompute.Debounce)
	}
	if cfg.Insights.DismissCooldown != 24*time.Hour {
		t.Errorf("dismiss_cooldown: got %v, want 24h", cfg.Insights.DismissCooldown)
	}
	if cfg.Insights.LongRunningSeconds != 300 || cfg.Insights.ComplexityStages != 8 || cfg.Insights.MinSampleSize != 10 {
		t.Errorf("insight thresholds: got %+v", cfg.Insights)
	}
	if cfg.Insights.Dismissals.Backend != "memory" {
		t.Errorf("dismissals.backend: got %q, want memory", cfg.Insights.Dismissals.Backend)
	}
}

func TestLoad_Full(t *testing.T) {
	p := writeConfig(t, `server:
  http_port: 9091
  ws_interval: 2s
  auth:
    mode: apikey
    key_env: MY_KEY
    header: x-pw-key
feed:
  url: wss://realtime.example.com/v1
  key_env: FEED_KEY
  read_timeout: 45s
  tables:
    - table: executions
    - table: logs
      filter:
        column: level
        value: error
  backoff:
    initial: 500ms
    max: 10s
    multiplier: 3
    jitter: 0.2
storage:
  dsn: "file::memory:?cache=shared"
  page_size: 100
reconcile:
  confirm_timeout: 5s
  max_logs: 100
recompute:
  debounce: 1s
  refresh: 30s
insights:
  long_running_seconds: 600
  dismiss_cooldown: 1h
  dismissals:
    backend: badger
    path: /var/lib/pipewatch/dismissals
  webhooks:
    - type: slack
      url_env: SLACK_URL
      min_severity: critical
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 9091 || cfg.Server.WSInterval != 2*time.Second {
		t.Errorf("server: got %+v", cfg.Server)
	}
	if cfg.Server.Auth.EffectiveHeader() != "x-pw-key" {
		t.Errorf("header: got %q, want x-pw-key", cfg.Server.Auth.EffectiveHeader())
	}
	if len(cfg.Feed.Tables) != 2 || cfg.Feed.Tables[1].Filter == nil || cfg.Feed.Tables[1].Filter.Value != "error" {
		t.Errorf("tables: got %+v", cfg.Feed.Tables)
	}
	if cfg.Feed.Backoff.Jitter != 0.2 || cfg.Feed.Backoff.Initial != 500*time.Millisecond {
		t.Errorf("backoff: got %+v", cfg.Feed.Backoff)
	}
	if cfg.Feed.EffectiveHeader() != "apikey" {
		t.Errorf("feed header: got %q, want apikey", cfg.Feed.EffectiveHeader())
	}
	if cfg.Storage.PageSize != 100 || cfg.Storage.MaxRefetch != DefaultMaxRefetch {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if cfg.Reconcile.ConfirmTimeout != 5*time.Second || cfg.Reconcile.MaxLogs != 100 {
		t.Errorf("reconcile: got %+v", cfg.Reconcile)
	}
	if cfg.Insights.LongRunningSeconds != 600 || cfg.Insights.ComplexityStages != DefaultComplexityStages {
		t.Errorf("insights: got %+v", cfg.Insights)
	}
	if cfg.Insights.Dismissals.Backend != "badger" || len(cfg.Insights.Webhooks) != 1 {
		t.Errorf("insights delivery: got %+v", cfg.Insights)
	}
}

func TestLoad_KeyEnvResolution(t *testing.T) {
	t.Setenv("TEST_SERVER_KEY", "supersecret")
	t.Setenv("TEST_HOOK_URL", "https://hooks.example.com/x")
	p := writeConfig(t, `server:
  auth:
    mode: apikey
    key_env: TEST_SERVER_KEY
insights:
  webhooks:
    - type: http
      url_env: TEST_HOOK_URL
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if k := cfg.Server.Auth.Key(); k != "supersecret" {
		t.Errorf("Key(): got %q, want supersecret", k)
	}
	if u := cfg.Insights.Webhooks[0].URL(); u != "https://hooks.example.com/x" {
		t.Errorf("URL(): got %q", u)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown auth mode", "server:\n  auth:\n    mode: oauth2\n", "server.auth.mode"},
		{"port out of range", "server:\n  http_port: 70000\n", "http_port"},
		{"unknown table", "feed:\n  tables:\n    - table: users\n", "unknown table"},
		{"duplicate table", "feed:\n  tables:\n    - table: logs\n    - table: logs\n", "twice"},
		{"filter without column", "feed:\n  tables:\n    - table: logs\n      filter:\n        value: x\n", "filter.column"},
		{"backoff max below initial", "feed:\n  backoff:\n    initial: 10s\n    max: 1s\n", "feed.backoff"},
		{"jitter too large", "feed:\n  backoff:\n    jitter: 1.5\n", "jitter"},
		{"unknown driver", "storage:\n  driver: oracle\n", "storage.driver"},
		{"zero confirm timeout", "reconcile:\n  confirm_timeout: 0s\n", "confirm_timeout"},
		{"fleet thresholds inverted", "insights:\n  fleet_success_rate: 40\n", "fleet_critical_rate"},
		{"unknown dismissal backend", "insights:\n  dismissals:\n    backend: redis\n", "dismissals.backend"},
		{"unknown webhook type", "insights:\n  webhooks:\n    - type: pagerduty\n", "webhooks[0]"},
		{"bad yaml", "server: [", "parse yaml"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestWatch_Reloads(t *testing.T) {
	p := writeConfig(t, "insights:\n  long_running_seconds: 300\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	errc := make(chan error, 1)
	go func() { errc <- Watch(ctx, p, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(p, []byte("insights:\n  long_running_seconds: 900\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-got:
		if cfg.Insights.LongRunningSeconds != 900 {
			t.Errorf("reloaded long_running_seconds: got %v, want 900", cfg.Insights.LongRunningSeconds)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

func TestWatch_InvalidReloadKeepsPrevious(t *testing.T) {
	p := writeConfig(t, "server: {}\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	go Watch(ctx, p, func(c *Config) { got <- c }) //nolint:errcheck

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(p, []byte("server:\n  http_port: -1\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case <-got:
		t.Fatal("onChange called for an invalid config")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "server.example.yaml"))
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if cfg.Feed.ReadTimeout != 90*time.Second {
		t.Errorf("feed.read_timeout: got %v, want 90s", cfg.Feed.ReadTimeout)
	}
	if cfg.Insights.Dismissals.Backend != "badger" {
		t.Errorf("dismissals backend: got %q, want badger", cfg.Insights.Dismissals.Backend)
	}
	if len(cfg.Insights.Webhooks) != 1 || cfg.Insights.Webhooks[0].MinSeverity != "high" {
		t.Errorf("webhooks: got %+v", cfg.Insights.Webhooks)
	}
}
