package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pipewatch/pipewatch/pkg/types"
)

// Default values for the configuration.
const (
	DefaultHTTPPort   = 8080
	DefaultWSInterval = 5 * time.Second

	DefaultFeedBuffer     = 256
	DefaultBackoffInitial = 1 * time.Second
	DefaultBackoffMax     = 30 * time.Second
	DefaultBackoffFactor  = 2.0

	DefaultStorageDriver = "sqlite"
	DefaultStorageDSN    = "file:pipewatch.db?_foreign_keys=on"
	DefaultPageSize      = 500
	DefaultMaxRefetch    = 10000

	DefaultConfirmTimeout = 30 * time.Second
	DefaultLogRetention   = 7 * 24 * time.Hour
	DefaultMaxLogs        = 50000
	DefaultQueueSize      = 1024
	DefaultPruneInterval  = time.Minute

	DefaultDebounce = 250 * time.Millisecond
	DefaultRefresh  = time.Minute

	DefaultLongRunningSeconds = 300
	DefaultComplexityStages   = 8
	DefaultMinSampleSize      = 10
	DefaultFleetSuccessRate   = 70.0
	DefaultFleetCriticalRate  = 50.0
	DefaultDismissCooldown    = 24 * time.Hour
)

// Config is the full pipewatch configuration parsed from config.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Feed      FeedConfig      `yaml:"feed"`
	Storage   StorageConfig   `yaml:"storage"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Recompute RecomputeConfig `yaml:"recompute"`
	Insights  InsightsConfig  `yaml:"insights"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API and WebSocket hub listen on (default 8080).
	HTTPPort int `yaml:"http_port"`

	// Auth configures how the server authenticates REST and WebSocket clients.
	Auth AuthConfig `yaml:"auth"`

	// WSInterval is the fallback push interval of the WebSocket hub.
	// Insight changes are pushed immediately regardless.
	WSInterval time.Duration `yaml:"ws_interval"`
}

// AuthConfig controls client authentication.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header to read the key from. Defaults to "x-api-key".
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// FeedConfig describes the change-feed endpoint.
type FeedConfig struct {
	// URL is the websocket endpoint of the realtime service. When empty the
	// server feeds itself from the local store through an in-process broker.
	URL string `yaml:"url"`

	// Tables lists the subscriptions. Defaults to executions, logs and pipelines.
	Tables []TableConfig `yaml:"tables"`

	// KeyEnv names the environment variable holding the feed API key, sent in Header.
	KeyEnv string `yaml:"key_env"`
	Header string `yaml:"header"`

	// BufferSize bounds the in-process broker's per-stream queue.
	BufferSize int `yaml:"buffer_size"`

	// ReadTimeout drops a silent websocket connection. 0 disables it.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	TLS     TLSConfig     `yaml:"tls"`
	Backoff BackoffConfig `yaml:"backoff"`
}

// Key returns the feed API key resolved from the environment.
func (f FeedConfig) Key() string {
	if f.KeyEnv == "" {
		return ""
	}
	return os.Getenv(f.KeyEnv)
}

// EffectiveHeader returns the header carrying the feed key, default "apikey".
func (f FeedConfig) EffectiveHeader() string {
	if f.Header != "" {
		return f.Header
	}
	return "apikey"
}

// TableConfig is one watched table with an optional equality filter.
type TableConfig struct {
	Table  string        `yaml:"table"`
	Filter *types.Filter `yaml:"filter"`
}

// TLSConfig holds optional client TLS material for the feed endpoint.
type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// BackoffConfig is the resubscribe backoff.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	// Jitter is a ± fraction applied to each delay, 0 disables it.
	Jitter float64 `yaml:"jitter"`
}

// StorageConfig selects the database behind the fetch interface.
type StorageConfig struct {
	// Driver is "sqlite", the only driver compiled in.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// PageSize is the number of rows per refetch page.
	PageSize int `yaml:"page_size"`

	// MaxRefetch caps the rows one refetch loads.
	MaxRefetch int `yaml:"max_refetch"`
}

// ReconcileConfig tunes the reconciler.
type ReconcileConfig struct {
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	LogRetention   time.Duration `yaml:"log_retention"`
	MaxLogs        int           `yaml:"max_logs"`
	QueueSize      int           `yaml:"queue_size"`
	PruneInterval  time.Duration `yaml:"prune_interval"`
}

// RecomputeConfig tunes the risk and insight recompute scheduler.
type RecomputeConfig struct {
	// Debounce is the coalescing window: at most one recompute per window.
	Debounce time.Duration `yaml:"debounce"`

	// Refresh forces a recompute without events so time windows advance.
	Refresh time.Duration `yaml:"refresh"`
}

// InsightsConfig holds the insight rule thresholds and delivery targets.
// It is hot-reloadable.
type InsightsConfig struct {
	LongRunningSeconds float64 `yaml:"long_running_seconds"`
	ComplexityStages   int     `yaml:"complexity_stages"`
	MinSampleSize      int     `yaml:"min_sample_size"`

	// FleetSuccessRate is the 24h success-rate percentage below which a
	// fleet-wide insight is raised; below FleetCriticalRate it is critical.
	FleetSuccessRate  float64 `yaml:"fleet_success_rate"`
	FleetCriticalRate float64 `yaml:"fleet_critical_rate"`

	// DismissCooldown suppresses a dismissed insight with an unchanged
	// signature. 0 suppresses it until the signature changes.
	DismissCooldown time.Duration `yaml:"dismiss_cooldown"`

	Dismissals DismissalsConfig `yaml:"dismissals"`
	Webhooks   []WebhookConfig  `yaml:"webhooks"`
}

// DismissalsConfig selects where dismissals are kept.
type DismissalsConfig struct {
	// Backend is one of: memory | badger.
	Backend string `yaml:"backend"`
	// Path is the badger directory. Empty runs badger in memory.
	Path string `yaml:"path"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`

	// MinSeverity is the lowest severity delivered. Defaults to "high".
	MinSeverity string `yaml:"min_severity"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the config file at path.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if len(cfg.Feed.Tables) == 0 {
		cfg.Feed.Tables = defaultTables()
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:   DefaultHTTPPort,
			WSInterval: DefaultWSInterval,
		},
		Feed: FeedConfig{
			Tables:     defaultTables(),
			BufferSize: DefaultFeedBuffer,
			Backoff: BackoffConfig{
				Initial:    DefaultBackoffInitial,
				Max:        DefaultBackoffMax,
				Multiplier: DefaultBackoffFactor,
			},
		},
		Storage: StorageConfig{
			Driver:     DefaultStorageDriver,
			DSN:        DefaultStorageDSN,
			PageSize:   DefaultPageSize,
			MaxRefetch: DefaultMaxRefetch,
		},
		Reconcile: ReconcileConfig{
			ConfirmTimeout: DefaultConfirmTimeout,
			LogRetention:   DefaultLogRetention,
			MaxLogs:        DefaultMaxLogs,
			QueueSize:      DefaultQueueSize,
			PruneInterval:  DefaultPruneInterval,
		},
		Recompute: RecomputeConfig{
			Debounce: DefaultDebounce,
			Refresh:  DefaultRefresh,
		},
		Insights: InsightsConfig{
			LongRunningSeconds: DefaultLongRunningSeconds,
			ComplexityStages:   DefaultComplexityStages,
			MinSampleSize:      DefaultMinSampleSize,
			FleetSuccessRate:   DefaultFleetSuccessRate,
			FleetCriticalRate:  DefaultFleetCriticalRate,
			DismissCooldown:    DefaultDismissCooldown,
			Dismissals:         DismissalsConfig{Backend: "memory"},
		},
	}
}

func defaultTables() []TableConfig {
	return []TableConfig{
		{Table: string(types.TablePipelines)},
		{Table: string(types.TableExecutions)},
		{Table: string(types.TableLogs)},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}
	if cfg.Server.WSInterval <= 0 {
		return fmt.Errorf("server.ws_interval must be positive")
	}

	seen := make(map[string]bool)
	for i, tc := range cfg.Feed.Tables {
		if !types.Table(tc.Table).Valid() {
			return fmt.Errorf("feed.tables[%d]: unknown table %q", i, tc.Table)
		}
		if tc.Filter != nil && tc.Filter.Column == "" {
			return fmt.Errorf("feed.tables[%d]: filter.column is required", i)
		}
		if seen[tc.Table] {
			return fmt.Errorf("feed.tables[%d]: table %q listed twice", i, tc.Table)
		}
		seen[tc.Table] = true
	}
	b := cfg.Feed.Backoff
	if b.Initial <= 0 || b.Max < b.Initial {
		return fmt.Errorf("feed.backoff: need 0 < initial <= max, got %v/%v", b.Initial, b.Max)
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("feed.backoff.multiplier %.2f must be >= 1", b.Multiplier)
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		return fmt.Errorf("feed.backoff.jitter %.2f must be in [0, 1)", b.Jitter)
	}

	if cfg.Storage.Driver != "sqlite" {
		return fmt.Errorf("storage.driver %q unknown: want sqlite", cfg.Storage.Driver)
	}
	if cfg.Storage.PageSize <= 0 || cfg.Storage.MaxRefetch <= 0 {
		return fmt.Errorf("storage.page_size and storage.max_refetch must be positive")
	}

	if cfg.Reconcile.ConfirmTimeout <= 0 {
		return fmt.Errorf("reconcile.confirm_timeout must be positive")
	}
	if cfg.Reconcile.LogRetention < 0 || cfg.Reconcile.MaxLogs < 0 {
		return fmt.Errorf("reconcile.log_retention and reconcile.max_logs must not be negative")
	}
	if cfg.Reconcile.QueueSize <= 0 {
		return fmt.Errorf("reconcile.queue_size must be positive")
	}

	if cfg.Recompute.Debounce <= 0 || cfg.Recompute.Refresh <= 0 {
		return fmt.Errorf("recompute.debounce and recompute.refresh must be positive")
	}

	return validateInsights(cfg.Insights)
}

func validateInsights(in InsightsConfig) error {
	if in.LongRunningSeconds <= 0 {
		return fmt.Errorf("insights.long_running_seconds must be positive")
	}
	if in.ComplexityStages <= 0 || in.MinSampleSize <= 0 {
		return fmt.Errorf("insights.complexity_stages and insights.min_sample_size must be positive")
	}
	if in.FleetCriticalRate > in.FleetSuccessRate || in.FleetSuccessRate > 100 {
		return fmt.Errorf("insights: need fleet_critical_rate <= fleet_success_rate <= 100")
	}
	if in.DismissCooldown < 0 {
		return fmt.Errorf("insights.dismiss_cooldown must not be negative")
	}
	switch in.Dismissals.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("insights.dismissals.backend %q unknown: want memory|badger", in.Dismissals.Backend)
	}
	for i, wh := range in.Webhooks {
		switch wh.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("insights.webhooks[%d]: type %q unknown: want slack|teams|http", i, wh.Type)
		}
		switch wh.MinSeverity {
		case "", "critical", "high", "medium", "low", "info":
		default:
			return fmt.Errorf("insights.webhooks[%d]: min_severity %q unknown", i, wh.MinSeverity)
		}
	}
	return nil
}
