// Package config loads and validates crawl engine configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	collyfetcher "github.com/JakeFAU/crawl-engine/internal/fetcher/colly"
	"github.com/JakeFAU/crawl-engine/internal/logging"
	"github.com/JakeFAU/crawl-engine/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-engine/internal/spider/links"
	"github.com/JakeFAU/crawl-engine/internal/telemetry"
)

// Storage backends understood by StorageConfig.Backend.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Engine     EngineConfig     `mapstructure:"engine"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Retry      RetryConfig      `mapstructure:"retry"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Robots     RobotsConfig     `mapstructure:"robots"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
	Spider     links.Config     `mapstructure:"spider"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    logging.Config   `mapstructure:"logging"`
	Telemetry  telemetry.Config `mapstructure:"telemetry"`
}

// EngineConfig controls the dispatch loop.
type EngineConfig struct {
	MaxInFlight  int           `mapstructure:"max_in_flight"`
	IdleDebounce time.Duration `mapstructure:"idle_debounce"`
	KeepAlive    bool          `mapstructure:"keep_alive"`
}

// SchedulerConfig controls the pending request queue.
type SchedulerConfig struct {
	Dedup      bool `mapstructure:"dedup"`
	MaxPending int  `mapstructure:"max_pending"`
}

// DownloaderConfig governs the fetch backend and its transport.
type DownloaderConfig struct {
	Concurrency    int                    `mapstructure:"concurrency"`
	Timeout        time.Duration          `mapstructure:"timeout"`
	UserAgent      string                 `mapstructure:"user_agent"`
	MaxBodySize    int                    `mapstructure:"max_body_size"`
	DefaultHeaders map[string]string      `mapstructure:"default_headers"`
	TLS            collyfetcher.TLSConfig `mapstructure:"tls"`
}

// ProxyConfig controls the proxy middleware.
type ProxyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	AuthEncoding string `mapstructure:"auth_encoding"`
	// UseEnv applies http_proxy, https_proxy and no_proxy to requests
	// without explicit proxy metadata.
	UseEnv bool `mapstructure:"use_env"`
}

// RetryConfig controls the retry middleware.
type RetryConfig struct {
	Enabled        bool  `mapstructure:"enabled"`
	MaxRetries     int   `mapstructure:"max_retries"`
	HTTPCodes      []int `mapstructure:"http_codes"`
	PriorityAdjust int   `mapstructure:"priority_adjust"`
}

// RateLimitConfig controls per-domain throttling.
type RateLimitConfig struct {
	Enabled      bool                             `mapstructure:"enabled"`
	DefaultRPS   float64                          `mapstructure:"default_rps"`
	DefaultBurst int                              `mapstructure:"default_burst"`
	Domains      map[string]ratelimit.DomainLimit `mapstructure:"domains"`
}

// RobotsConfig controls robots.txt enforcement.
type RobotsConfig struct {
	Obey    bool          `mapstructure:"obey"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
	ProxyServer        string        `mapstructure:"proxy_server"`
	ReadySelector      string        `mapstructure:"ready_selector"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
}

// ProcessorConfig controls the processor backlog and crawl depth.
type ProcessorConfig struct {
	MaxActiveSize int64 `mapstructure:"max_active_size"`
	MaxDepth      int   `mapstructure:"max_depth"`
}

// StorageConfig selects where page bodies are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the page record database. An empty DSN
// disables record persistence.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for page notifications. An empty project
// keeps notifications in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	Strict    bool   `mapstructure:"strict"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.max_in_flight", 0)
	v.SetDefault("engine.idle_debounce", 250*time.Millisecond)
	v.SetDefault("engine.keep_alive", false)
	v.SetDefault("scheduler.dedup", true)
	v.SetDefault("scheduler.max_pending", 0)
	v.SetDefault("downloader.concurrency", 16)
	v.SetDefault("downloader.timeout", 30*time.Second)
	v.SetDefault("downloader.user_agent", "crawl-engine/0.1")
	v.SetDefault("downloader.max_body_size", 10<<20)
	v.SetDefault("downloader.tls.min_version", "1.2")
	v.SetDefault("downloader.tls.alpn", []string{"h2", "http/1.1"})
	v.SetDefault("proxy.enabled", true)
	v.SetDefault("proxy.auth_encoding", "latin-1")
	v.SetDefault("proxy.use_env", true)
	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.priority_adjust", -1)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("robots.obey", true)
	v.SetDefault("robots.timeout", 10*time.Second)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 25*time.Second)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("headless.ready_selector", "body")
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("processor.max_active_size", 5_000_000)
	v.SetDefault("processor.max_depth", 2)
	v.SetDefault("spider.name", "links")
	v.SetDefault("spider.max_links_per_page", 200)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local_dir", "data/pages")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("db.table", "pages")
	v.SetDefault("pubsub.topic_name", "crawl-pages")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "crawl-engine")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Downloader.Concurrency <= 0 {
		errs = append(errs, errors.New("downloader.concurrency must be > 0"))
	}
	if c.Downloader.Timeout <= 0 {
		errs = append(errs, errors.New("downloader.timeout must be > 0"))
	}
	if c.Engine.MaxInFlight < 0 {
		errs = append(errs, errors.New("engine.max_in_flight must be >= 0"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must be >= 0"))
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		errs = append(errs, errors.New("headless.max_parallel must be > 0 when headless is enabled"))
	}
	if c.Processor.MaxDepth < 0 {
		errs = append(errs, errors.New("processor.max_depth must be >= 0"))
	}
	backends := []string{StorageMemory, StorageLocal, StorageGCS}
	switch {
	case !slices.Contains(backends, c.Storage.Backend):
		errs = append(errs, fmt.Errorf("storage.backend must be one of %v, got %q", backends, c.Storage.Backend))
	case c.Storage.Backend == StorageLocal && c.Storage.LocalDir == "":
		errs = append(errs, errors.New("storage.local_dir is required for the local backend"))
	case c.Storage.Backend == StorageGCS && c.Storage.GCSBucket == "":
		errs = append(errs, errors.New("storage.gcs_bucket is required for the gcs backend"))
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		errs = append(errs, errors.New("pubsub.topic_name is required when pubsub.project_id is set"))
	}
	return errors.Join(errs...)
}
