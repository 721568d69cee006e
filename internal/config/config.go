package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds environment and file driven configuration. Every key maps to
// an environment variable by upper-casing it and replacing dots with
// underscores, e.g. api.base_url -> API_BASE_URL.
type Config struct {
	API struct {
		BaseURL              string        `mapstructure:"base_url"`
		Key                  string        `mapstructure:"key"`
		CallerKey            string        `mapstructure:"caller_key"`
		Timeout              time.Duration `mapstructure:"timeout"`
		MaxRetries           int           `mapstructure:"max_retries"`
		RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
		RateLimit            float64       `mapstructure:"rate_limit"`
		RateBurst            int           `mapstructure:"rate_burst"`
	} `mapstructure:"api"`

	Ledger struct {
		Driver           string        `mapstructure:"driver"` // sqlite, mysql or memory
		DataDir          string        `mapstructure:"data_dir"`
		DSN              string        `mapstructure:"dsn"` // mysql only
		Retention        time.Duration `mapstructure:"retention"`
		RedeliveryWindow time.Duration `mapstructure:"redelivery_window"`
		PruneInterval    time.Duration `mapstructure:"prune_interval"`
	} `mapstructure:"ledger"`

	Poll struct {
		BatchSize int           `mapstructure:"batch_size"`
		Interval  time.Duration `mapstructure:"interval"`
		Timeout   time.Duration `mapstructure:"timeout"`
	} `mapstructure:"poll"`

	Refresh struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"refresh"`

	Retry struct {
		Ceiling              int           `mapstructure:"ceiling"`
		BaseDelay            time.Duration `mapstructure:"base_delay"`
		Multiplier           float64       `mapstructure:"multiplier"`
		MaxDelay             time.Duration `mapstructure:"max_delay"`
		Jitter               float64       `mapstructure:"jitter"`
		TransientStatusCodes []int         `mapstructure:"transient_status_codes"`
		AckAttempts          int           `mapstructure:"ack_attempts"`
	} `mapstructure:"retry"`

	CycleBackoff struct {
		BaseDelay time.Duration `mapstructure:"base_delay"`
		MaxDelay  time.Duration `mapstructure:"max_delay"`
	} `mapstructure:"cycle_backoff"`

	Health struct {
		Addr                  string        `mapstructure:"addr"`
		MaxSinceSuccess       time.Duration `mapstructure:"max_since_success"`
		CheckInterval         time.Duration `mapstructure:"check_interval"`
		ShutdownAfterFailures int           `mapstructure:"shutdown_after_failures"`
	} `mapstructure:"health"`

	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
		Encoding    string `mapstructure:"encoding"`
	} `mapstructure:"log"`

	Spool struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"spool"`
}

var defaults = map[string]any{
	"api.base_url":               "https://wisetime.com/connect/api",
	"api.key":                    "",
	"api.caller_key":             "",
	"api.timeout":                "30s",
	"api.max_retries":            3,
	"api.retry_initial_interval": "500ms",
	"api.rate_limit":             5.0,
	"api.rate_burst":             5,

	"ledger.driver":            "sqlite",
	"ledger.data_dir":          "./data",
	"ledger.dsn":               "",
	"ledger.retention":         "1440h",
	"ledger.redelivery_window": "24h",
	"ledger.prune_interval":    "1h",

	"poll.batch_size": 25,
	"poll.interval":   "10s",
	"poll.timeout":    "5m",

	"refresh.enabled":  true,
	"refresh.interval": "5m",
	"refresh.timeout":  "2m",

	"retry.ceiling":                5,
	"retry.base_delay":             "30s",
	"retry.multiplier":             2.0,
	"retry.max_delay":              "30m",
	"retry.jitter":                 0.2,
	"retry.transient_status_codes": []int{},
	"retry.ack_attempts":           2,

	"cycle_backoff.base_delay": "10s",
	"cycle_backoff.max_delay":  "5m",

	"health.addr":                    ":8080",
	"health.max_since_success":       "10m",
	"health.check_interval":          "1m",
	"health.shutdown_after_failures": 0,

	"log.level":       "info",
	"log.development": false,
	"log.encoding":    "json",

	"spool.dir": "",
}

// Load reads configuration from environment variables and, when path is not
// empty, from a yaml/toml/json file. Environment variables win over the file.
func Load(path string) (Config, error) {
	var cfg Config

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Spool.Dir == "" {
		cfg.Spool.Dir = filepath.Join(cfg.Ledger.DataDir, "posted")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks required keys and value ranges. It also raises the
// retention to at least the redelivery window.
func (c *Config) Validate() error {
	var errs []error

	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("API_BASE_URL is required"))
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("API_BASE_URL %q is not an absolute URL", c.API.BaseURL))
	} else if c.API.Key == "" && !isLoopback(u.Hostname()) {
		errs = append(errs, errors.New("API_KEY is required"))
	}

	switch c.Ledger.Driver {
	case "sqlite":
		if c.Ledger.DataDir == "" {
			errs = append(errs, errors.New("LEDGER_DATA_DIR is required for the sqlite ledger"))
		}
	case "mysql":
		if c.Ledger.DSN == "" {
			errs = append(errs, errors.New("LEDGER_DSN is required for the mysql ledger"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("LEDGER_DRIVER must be sqlite, mysql or memory, got %q", c.Ledger.Driver))
	}

	if c.Poll.BatchSize <= 0 {
		errs = append(errs, errors.New("POLL_BATCH_SIZE must be positive"))
	}
	if c.Retry.Ceiling <= 0 {
		errs = append(errs, errors.New("RETRY_CEILING must be positive"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("RETRY_MULTIPLIER must be at least 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("RETRY_JITTER must be within [0, 1]"))
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"API_TIMEOUT", c.API.Timeout},
		{"POLL_INTERVAL", c.Poll.Interval},
		{"POLL_TIMEOUT", c.Poll.Timeout},
		{"REFRESH_INTERVAL", c.Refresh.Interval},
		{"REFRESH_TIMEOUT", c.Refresh.Timeout},
		{"LEDGER_RETENTION", c.Ledger.Retention},
		{"LEDGER_PRUNE_INTERVAL", c.Ledger.PruneInterval},
		{"HEALTH_MAX_SINCE_SUCCESS", c.Health.MaxSinceSuccess},
		{"HEALTH_CHECK_INTERVAL", c.Health.CheckInterval},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration", d.name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if c.Ledger.Retention < c.Ledger.RedeliveryWindow {
		c.Ledger.Retention = c.Ledger.RedeliveryWindow
	}
	return nil
}

// TransientStatus returns the whitelist as a lookup set.
func (c Config) TransientStatus() map[int]bool {
	out := make(map[int]bool, len(c.Retry.TransientStatusCodes))
	for _, code := range c.Retry.TransientStatusCodes {
		out[code] = true
	}
	return out
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
