package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Environment string `toml:"-"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`

	PrometheusMetricsHost string `toml:"prometheus_metrics_host"`
	PrometheusMetricsPort string `toml:"prometheus_metrics_port"`

	// logging
	LogLevel      string `toml:"log_level"`
	LogsPath      string `toml:"logs_path"`
	LogToStdout   bool   `toml:"log_to_stdout"`
	LogFormatJSON bool   `toml:"log_format_json"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
	LogMaxAgeDays int    `toml:"log_max_age_days"`
	SentryEnabled bool   `toml:"sentry_enabled"`

	// proxied app
	AppOrigin              string `toml:"app_origin"`
	UpstreamURL            string `toml:"upstream_url"`
	ReleaseFile            string `toml:"release_file"`
	UpdateCheckIntervalSec int    `toml:"update_check_interval_sec"`
	NetworkTimeoutMs       int    `toml:"network_timeout_ms"`
	MaxBodyBytes           int64  `toml:"max_body_bytes"`
	InstallTimeoutSec      int    `toml:"install_timeout_sec"`

	// cache
	CacheBackend      string `toml:"cache_backend"`
	MemoryCacheSizeMB int    `toml:"memory_cache_size_mb"`
	RedisHost         string `toml:"redis_host"`
	RedisPort         string `toml:"redis_port"`
	RedisPrefix       string `toml:"redis_prefix"`
	// freecache in front of redis, records stay authoritative in redis
	RedisReadCacheMB     int `toml:"redis_read_cache_mb"`
	RedisReadCacheTTLSec int `toml:"redis_read_cache_ttl_sec"`
	// nil lists fall back to the classifier defaults, an empty
	// cacheable_hosts list disables foreign caching
	CacheableHosts   []string `toml:"cacheable_hosts"`
	StaticExtensions []string `toml:"static_extensions"`

	// offline fallbacks
	NavigationFallback string `toml:"navigation_fallback"`
	OfflineHTMLStatus  int    `toml:"offline_html_status"`
	OfflineLang        string `toml:"offline_lang"`

	// control endpoints
	ControlPrefix         string `toml:"control_prefix"`
	UpdateRateLimitPerMin int    `toml:"update_rate_limit_per_min"`
}

type Toml struct {
	Development *Config
	Production  *Config
}

func (t *Toml) Get(env string) (*Config, error) {
	switch strings.ToLower(env) {
	case "dev", "development":
		return t.Development, nil
	case "prod", "production":
		return t.Production, nil
	default:
		return nil, fmt.Errorf("unknown env: %s", env)
	}
}

// Load reads the section of the TOML file at path that belongs to env,
// fills in defaults and validates the result.
func Load(env string, path string) (*Config, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var tomlConfig Toml
	if _, err := toml.Decode(string(configBytes), &tomlConfig); err != nil {
		return nil, fmt.Errorf("decode config file %s: %w", path, err)
	}

	cfg, err := tomlConfig.Get(env)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("config file %s has no section for env [%s]", path, env)
	}

	cfg.Environment = strings.ToLower(env)
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.PrometheusMetricsHost == "" {
		c.PrometheusMetricsHost = "localhost"
	}
	if c.PrometheusMetricsPort == "" {
		c.PrometheusMetricsPort = "2112"
	}
	if c.UpdateCheckIntervalSec == 0 {
		c.UpdateCheckIntervalSec = 30
	}
	if c.NetworkTimeoutMs == 0 {
		c.NetworkTimeoutMs = 10000
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 20 << 20
	}
	if c.InstallTimeoutSec == 0 {
		c.InstallTimeoutSec = 120
	}
	if c.CacheBackend == "" {
		c.CacheBackend = BackendMemory
	}
	if c.MemoryCacheSizeMB == 0 {
		c.MemoryCacheSizeMB = 256
	}
	if c.RedisPort == "" {
		c.RedisPort = "6379"
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = "offlinecache"
	}
	if c.RedisReadCacheMB == 0 {
		c.RedisReadCacheMB = 32
	}
	if c.RedisReadCacheTTLSec == 0 {
		c.RedisReadCacheTTLSec = 30
	}
	if c.NavigationFallback == "" {
		c.NavigationFallback = "html"
	}
	if c.OfflineHTMLStatus == 0 {
		c.OfflineHTMLStatus = 503
	}
	if c.OfflineLang == "" {
		c.OfflineLang = "ar"
	}
	if c.ControlPrefix == "" {
		c.ControlPrefix = "/__sw"
	}
	if c.UpdateRateLimitPerMin == 0 {
		c.UpdateRateLimitPerMin = 10
	}
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if _, err := c.AppOriginURL(); err != nil {
		return err
	}
	if _, err := c.Upstream(); err != nil {
		return err
	}
	if c.ReleaseFile == "" {
		return errors.New("release_file not set")
	}
	if c.LogMaxSizeMB < 0 || c.LogMaxBackups < 0 || c.LogMaxAgeDays < 0 {
		return errors.New("log rotation settings cannot be negative")
	}
	if c.UpdateCheckIntervalSec < 0 || c.NetworkTimeoutMs < 0 || c.MaxBodyBytes < 0 || c.InstallTimeoutSec < 0 {
		return errors.New("intervals, timeouts and sizes must not be negative")
	}

	switch c.CacheBackend {
	case BackendMemory:
		if c.MemoryCacheSizeMB < 1 {
			return fmt.Errorf("invalid memory_cache_size_mb: %d", c.MemoryCacheSizeMB)
		}
	case BackendRedis:
		if c.RedisHost == "" {
			return errors.New("redis cache backend needs redis_host")
		}
	default:
		return fmt.Errorf("unknown cache_backend: %s", c.CacheBackend)
	}

	if !strings.HasPrefix(c.ControlPrefix, "/") || strings.HasSuffix(c.ControlPrefix, "/") {
		return fmt.Errorf("control_prefix must start and not end with a slash: %s", c.ControlPrefix)
	}
	if c.UpdateRateLimitPerMin < 1 {
		return fmt.Errorf("invalid update_rate_limit_per_min: %d", c.UpdateRateLimitPerMin)
	}

	return nil
}

// AppOriginURL is the origin the pages are loaded from.
func (c *Config) AppOriginURL() (*url.URL, error) {
	origin, err := parseAbsolute("app_origin", c.AppOrigin)
	if err != nil {
		return nil, err
	}
	if origin.Path != "" && origin.Path != "/" {
		return nil, fmt.Errorf("app_origin must not have a path: %s", c.AppOrigin)
	}
	origin.Path = ""
	return origin, nil
}

func (c *Config) Upstream() (*url.URL, error) {
	return parseAbsolute("upstream_url", c.UpstreamURL)
}

func (c *Config) UpdateCheckInterval() time.Duration {
	return time.Duration(c.UpdateCheckIntervalSec) * time.Second
}

func (c *Config) InstallTimeout() time.Duration {
	return time.Duration(c.InstallTimeoutSec) * time.Second
}

func (c *Config) RedisReadCacheTTL() time.Duration {
	return time.Duration(c.RedisReadCacheTTLSec) * time.Second
}

func (c *Config) NetworkTimeout() time.Duration {
	return time.Duration(c.NetworkTimeoutMs) * time.Millisecond
}

func parseAbsolute(name, raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%s not set", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%s must be an absolute http(s) url: %s", name, raw)
	}
	return u, nil
}
