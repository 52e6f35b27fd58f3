// Package config loads and validates sync configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
	"github.com/JakeFAU/jobboard-sync/internal/extract"
)

// EnvPrefix namespaces environment overrides, e.g. JOBSYNC_FETCH_RETRIES.
const EnvPrefix = "JOBSYNC"

// Config captures every knob of a sync run.
type Config struct {
	Mode       string `mapstructure:"mode"`
	BaseURL    string `mapstructure:"base_url"`
	StartPage  int    `mapstructure:"start_page"`
	DelayMS    int    `mapstructure:"delay_ms"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	OutDir     string `mapstructure:"out_dir"`
	MaxPages   int    `mapstructure:"max_pages"`

	Fetch   FetchConfig       `mapstructure:"fetch"`
	Extract extract.Selectors `mapstructure:"extract"`
	Logging LoggingConfig     `mapstructure:"logging"`
	Metrics MetricsConfig     `mapstructure:"metrics"`
	DB      DBConfig          `mapstructure:"db"`
	Storage StorageConfig     `mapstructure:"storage"`
	PubSub  PubSubConfig      `mapstructure:"pubsub"`
}

// FetchConfig tunes page fetching.
type FetchConfig struct {
	TimeoutMS      int    `mapstructure:"timeout_ms"`
	Retries        int    `mapstructure:"retries"`
	RetryBackoffMS int    `mapstructure:"retry_backoff_ms"`
	UserAgent      string `mapstructure:"user_agent"`
	Headless       bool   `mapstructure:"headless"`
	// HeadlessFallback refetches client-rendered pages with a browser.
	HeadlessFallback bool `mapstructure:"headless_fallback"`
	RespectRobots    bool `mapstructure:"respect_robots"`
	// MaxRPS caps requests per second per host, retries included. Zero
	// disables the cap.
	MaxRPS float64 `mapstructure:"max_rps"`
	Burst  int     `mapstructure:"burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig controls the metrics and progress listener. Empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DBConfig controls the optional Postgres mirror.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// StorageConfig sets the optional GCS snapshot upload.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds the optional run summary topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from defaults, an optional file, the environment and
// any flags that were set, in increasing precedence.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return Config{}, err
		}
	}

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

// bindFlags binds every flag whose name matches a config key. Flag names use
// dashes where keys use underscores.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil || f.Name == "config" || f.Name == "help" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if prefix, rest, ok := strings.Cut(key, "_"); ok && isSection(prefix) {
			key = prefix + "." + rest
		}
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

func isSection(name string) bool {
	switch name {
	case "fetch", "extract", "logging", "metrics", "db", "storage", "pubsub":
		return true
	default:
		return false
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(crawler.ModeToday))
	v.SetDefault("base_url", "")
	v.SetDefault("start_page", 1)
	v.SetDefault("delay_ms", 1000)
	v.SetDefault("max_age_days", 180)
	v.SetDefault("out_dir", "data")
	v.SetDefault("max_pages", 0)

	v.SetDefault("fetch.timeout_ms", 15000)
	v.SetDefault("fetch.retries", 3)
	v.SetDefault("fetch.retry_backoff_ms", 1000)
	v.SetDefault("fetch.user_agent", "jobboard-sync/1.0")
	v.SetDefault("fetch.headless", false)
	v.SetDefault("fetch.headless_fallback", false)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.max_rps", 0.0)
	v.SetDefault("fetch.burst", 1)

	sel := extract.DefaultSelectors()
	v.SetDefault("extract.card", sel.Card)
	v.SetDefault("extract.title", sel.Title)
	v.SetDefault("extract.location", sel.Location)
	v.SetDefault("extract.experience", sel.Experience)
	v.SetDefault("extract.posted", sel.Posted)
	v.SetDefault("extract.logo", sel.Logo)
	v.SetDefault("extract.company_size", sel.CompanySize)
	v.SetDefault("extract.funding_tag", sel.FundingTag)
	v.SetDefault("extract.industry", sel.Industry)
	v.SetDefault("extract.what_they_do", sel.WhatTheyDo)
	v.SetDefault("extract.apply", sel.Apply)

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "jobs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "jobboard-sync")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch crawler.Mode(c.Mode) {
	case crawler.ModeToday, crawler.ModeAll:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", crawler.ModeToday, crawler.ModeAll, c.Mode)
	}
	if err := validateBaseURL(c.BaseURL); err != nil {
		return err
	}
	if c.StartPage < 1 {
		return errors.New("start_page must be >= 1")
	}
	if c.DelayMS < 0 {
		return errors.New("delay_ms must be >= 0")
	}
	if c.MaxAgeDays < 0 {
		return errors.New("max_age_days must be >= 0")
	}
	if strings.TrimSpace(c.OutDir) == "" {
		return errors.New("out_dir must be set")
	}
	if c.MaxPages < 0 {
		return errors.New("max_pages must be >= 0")
	}
	if c.Fetch.TimeoutMS <= 0 {
		return errors.New("fetch.timeout_ms must be > 0")
	}
	if c.Fetch.Retries < 1 {
		return errors.New("fetch.retries must be >= 1")
	}
	if c.Fetch.RetryBackoffMS < 0 {
		return errors.New("fetch.retry_backoff_ms must be >= 0")
	}
	if c.Fetch.MaxRPS < 0 {
		return errors.New("fetch.max_rps must be >= 0")
	}
	if c.Fetch.MaxRPS > 0 && c.Fetch.Burst < 1 {
		return errors.New("fetch.burst must be >= 1 when fetch.max_rps is set")
	}
	if c.Fetch.Headless && c.Fetch.HeadlessFallback {
		return errors.New("fetch.headless_fallback must be false when fetch.headless is set")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.DB.DSN != "" && c.DB.MaxConns < 1 {
		return errors.New("db.max_conns must be >= 1")
	}
	return nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return errors.New("base_url must be set")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute http(s) URL, got %q", raw)
	}
	return nil
}

// Delay is the politeness pause between pages.
func (c Config) Delay() time.Duration {
	return time.Duration(c.DelayMS) * time.Millisecond
}

// FetchTimeout bounds a single fetch attempt.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutMS) * time.Millisecond
}

// RetryBackoff is the linear backoff unit between attempts.
func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.Fetch.RetryBackoffMS) * time.Millisecond
}
