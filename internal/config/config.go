// Package config loads and validates review crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/review-crawler/internal/browser"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Lock       LockConfig       `mapstructure:"lock"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	TwoGIS     TwoGISConfig     `mapstructure:"twogis"`
	Yandex     YandexConfig     `mapstructure:"yandex"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory stores.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig points at the redis used for locking and the seen-review cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	SeenTTL  time.Duration `mapstructure:"seen_ttl"`
}

// Enabled reports whether a redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// LockConfig selects the scheduler lock backend: "redis", "postgres" or "none".
type LockConfig struct {
	Backend string `mapstructure:"backend"`
}

// SchedulerConfig controls the periodic crawl of every company.
type SchedulerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	LockAtLeast time.Duration `mapstructure:"lock_at_least"`
	LockAtMost  time.Duration `mapstructure:"lock_at_most"`
}

// DispatcherConfig sizes the on-demand crawl queue and worker pool.
type DispatcherConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueDepth    int           `mapstructure:"queue_depth"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

// BrowserConfig configures the headless Chrome launcher. With Enabled false
// every browser-backed step fails fast, which only suits API-only instances.
type BrowserConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	WindowWidth       int           `mapstructure:"window_width"`
	WindowHeight      int           `mapstructure:"window_height"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
	BufferSize        int           `mapstructure:"buffer_size"`
}

// TwoGISConfig configures credential harvesting and the paginated feed.
type TwoGISConfig struct {
	SeedURLTemplate   string           `mapstructure:"seed_url_template"`
	ReadySelector     string           `mapstructure:"ready_selector"`
	Credential        browser.RuleSpec `mapstructure:"credential"`
	HarvestAttempts   int              `mapstructure:"harvest_attempts"`
	HarvestInterval   time.Duration    `mapstructure:"harvest_interval"`
	APITemplate       string           `mapstructure:"api_template"`
	PageSize          int              `mapstructure:"page_size"`
	MaxPages          int              `mapstructure:"max_pages"`
	RequestTimeout    time.Duration    `mapstructure:"request_timeout"`
	RetryAttempts     int              `mapstructure:"retry_attempts"`
	RetryBaseDelay    time.Duration    `mapstructure:"retry_base_delay"`
	RequestsPerSecond float64          `mapstructure:"requests_per_second"`
	Burst             int              `mapstructure:"burst"`
}

// YandexConfig configures the drive-and-intercept crawler.
type YandexConfig struct {
	ReviewURLTemplate         string           `mapstructure:"review_url_template"`
	ReadySelector             string           `mapstructure:"ready_selector"`
	Response                  browser.RuleSpec `mapstructure:"response"`
	SortToggleSelector        string           `mapstructure:"sort_toggle_selector"`
	SortPopupSelector         string           `mapstructure:"sort_popup_selector"`
	SortNewestSelector        string           `mapstructure:"sort_newest_selector"`
	ScrollSelector            string           `mapstructure:"scroll_selector"`
	InitialWait               time.Duration    `mapstructure:"initial_wait"`
	SortWait                  time.Duration    `mapstructure:"sort_wait"`
	IterationPause            time.Duration    `mapstructure:"iteration_pause"`
	MaxIdleIterations         int              `mapstructure:"max_idle_iterations"`
	MaxIterations             int              `mapstructure:"max_iterations"`
	RelaxFrontierWhenUnsorted bool             `mapstructure:"relax_frontier_when_unsorted"`
}

// ArchiveConfig selects where raw feed payloads are kept: "none", "memory", "local" or "gcs".
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Prefix  string `mapstructure:"prefix"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
}

// PubSubConfig holds metadata for review notifications. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REVIEWS")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.seen_ttl", "720h")
	v.SetDefault("lock.backend", "none")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.lock_at_least", "5m")
	v.SetDefault("scheduler.lock_at_most", "30m")
	v.SetDefault("dispatcher.workers", 2)
	v.SetDefault("dispatcher.queue_depth", 64)
	v.SetDefault("dispatcher.submit_timeout", "100ms")
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.buffer_size", 256)
	v.SetDefault("twogis.seed_url_template", "https://2gis.ru/spb/firm/%s/tab/reviews")
	v.SetDefault("twogis.ready_selector", "div[data-scroll='true']")
	v.SetDefault("twogis.credential.name", "2gis-key")
	v.SetDefault("twogis.credential.phase", "request")
	v.SetDefault("twogis.credential.url_pattern", `^https://public-api\.reviews\.2gis\.com/2\.0/branches/[^/]+/reviews`)
	v.SetDefault("twogis.credential.capture", `key=([a-f0-9-]+)`)
	v.SetDefault("twogis.harvest_attempts", 5)
	v.SetDefault("twogis.harvest_interval", "5s")
	v.SetDefault("twogis.api_template", "https://public-api.reviews.2gis.com/2.0/branches/%s/reviews?limit=%d&offset=%d&key=%s")
	v.SetDefault("twogis.page_size", 50)
	v.SetDefault("twogis.max_pages", 200)
	v.SetDefault("twogis.request_timeout", "15s")
	v.SetDefault("twogis.retry_attempts", 3)
	v.SetDefault("twogis.retry_base_delay", "500ms")
	v.SetDefault("twogis.requests_per_second", 2.0)
	v.SetDefault("twogis.burst", 1)
	v.SetDefault("yandex.review_url_template", "https://yandex.ru/maps/org/%s/reviews/")
	v.SetDefault("yandex.ready_selector", "body")
	v.SetDefault("yandex.response.name", "yandex-reviews")
	v.SetDefault("yandex.response.phase", "response")
	v.SetDefault("yandex.response.url_pattern", `/maps/api/business/fetchReviews`)
	v.SetDefault("yandex.initial_wait", "2s")
	v.SetDefault("yandex.sort_wait", "2s")
	v.SetDefault("yandex.iteration_pause", "2s")
	v.SetDefault("yandex.max_idle_iterations", 3)
	v.SetDefault("yandex.max_iterations", 400)
	v.SetDefault("yandex.relax_frontier_when_unsorted", false)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "payloads")
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Lock.Backend {
	case "none":
	case "redis":
		if !c.Redis.Enabled() {
			return errors.New("redis.addr must be set when lock.backend is redis")
		}
	case "postgres":
		if c.DB.DSN == "" {
			return errors.New("db.dsn must be set when lock.backend is postgres")
		}
	default:
		return fmt.Errorf("lock.backend %q must be one of none, redis, postgres", c.Lock.Backend)
	}
	if c.Scheduler.Enabled {
		if c.Scheduler.Interval <= 0 {
			return errors.New("scheduler.interval must be > 0")
		}
		if c.Scheduler.LockAtMost < c.Scheduler.LockAtLeast {
			return errors.New("scheduler.lock_at_most must be >= scheduler.lock_at_least")
		}
	}
	if c.Dispatcher.Workers <= 0 {
		return errors.New("dispatcher.workers must be > 0")
	}
	if c.Dispatcher.QueueDepth <= 0 {
		return errors.New("dispatcher.queue_depth must be > 0")
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return errors.New("browser.max_parallel must be > 0")
	}
	if _, err := browser.CompileRule(c.TwoGIS.Credential); err != nil {
		return fmt.Errorf("twogis.credential: %w", err)
	}
	if c.TwoGIS.Credential.Capture == "" {
		return errors.New("twogis.credential.capture is required")
	}
	if _, err := browser.CompileRule(c.Yandex.Response); err != nil {
		return fmt.Errorf("yandex.response: %w", err)
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.Dir == "" {
			return errors.New("archive.dir must be set when archive.backend is local")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return errors.New("archive.bucket must be set when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("archive.backend %q must be one of none, memory, local, gcs", c.Archive.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// ParseLevel validates a zap level name; empty means info.
func ParseLevel(level string) (string, error) {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "":
		return "info", nil
	case "debug", "info", "warn", "error":
		return l, nil
	default:
		return "", fmt.Errorf("logging.level %q must be one of debug, info, warn, error", level)
	}
}
