package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/developingchet/ip-tracker/internal/decision"
	"github.com/developingchet/ip-tracker/internal/ratelimit"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// HTTP application
	ListenAddr        string `koanf:"listen_addr"`
	TrustForwardedFor bool   `koanf:"trust_forwarded_for"`

	// Storage
	StoreDriver         string        `koanf:"store_driver"`
	DataDir             string        `koanf:"data_dir"`
	DatabaseDSN         string        `koanf:"database_dsn"`
	RequestLogRetention time.Duration `koanf:"request_log_retention"`

	// Geolocation
	GeoProvider          string        `koanf:"geo_provider"`
	GeoURLTemplate       string        `koanf:"geo_url_template"`
	GeoTimeout           time.Duration `koanf:"geo_timeout"`
	GeoRequestsPerMinute int           `koanf:"geo_requests_per_minute"`
	GeoCacheTTL          time.Duration `koanf:"geo_cache_ttl"`
	GeoCacheSize         int           `koanf:"geo_cache_size"`
	GeoIPDatabasePath    string        `koanf:"geoip_database_path"`

	// Anomaly detection
	DetectorInterval        time.Duration `koanf:"detector_interval"`
	DetectorWindow          time.Duration `koanf:"detector_window"`
	DetectorVolumeThreshold int           `koanf:"detector_volume_threshold"`
	DetectorSensitivePaths  []string      `koanf:"detector_sensitive_paths"`
	DetectorRunOnStart      bool          `koanf:"detector_run_on_start"`

	// Rate limiting
	RateLimitBackend       string `koanf:"ratelimit_backend"`
	RateLimitAuthenticated string `koanf:"ratelimit_authenticated"`
	RateLimitAnonymous     string `koanf:"ratelimit_anonymous"`
	RedisAddr              string `koanf:"redis_addr"`
	RedisPassword          string `koanf:"redis_password"`
	RedisDB                int    `koanf:"redis_db"`
	JWTSecret              string `koanf:"jwt_secret"`

	// CrowdSec feed (optional)
	CrowdSecLAPIURL       string        `koanf:"crowdsec_lapi_url"`
	CrowdSecLAPIKey       string        `koanf:"crowdsec_lapi_key"`
	CrowdSecLAPIVerifyTLS bool          `koanf:"crowdsec_lapi_verify_tls"`
	CrowdSecOrigins       []string      `koanf:"crowdsec_origins"`
	CrowdSecPollInterval  time.Duration `koanf:"crowdsec_poll_interval"`
	BlockScenarioExclude  []string      `koanf:"block_scenario_exclude"`
	BlockWhitelist        []string      `koanf:"block_whitelist"`

	// Usage metrics pushed to the LAPI. 0 disables; values below 10m are clamped.
	LAPIMetricsPushInterval time.Duration `koanf:"lapi_metrics_push_interval"`

	// Worker pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	HealthAddr      string        `koanf:"health_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// CrowdSecEnabled reports whether the LAPI feed should run.
func (c *Config) CrowdSecEnabled() bool {
	return c.CrowdSecLAPIURL != "" && c.CrowdSecLAPIKey != ""
}

// RateLimitOptions parses the configured rate strings.
func (c *Config) RateLimitOptions() (ratelimit.Options, error) {
	auth, err := ratelimit.ParseRule(ratelimit.GroupAuthenticated, c.RateLimitAuthenticated)
	if err != nil {
		return ratelimit.Options{}, fmt.Errorf("RATELIMIT_AUTHENTICATED: %w", err)
	}
	anon, err := ratelimit.ParseRule(ratelimit.GroupAnonymous, c.RateLimitAnonymous)
	if err != nil {
		return ratelimit.Options{}, fmt.Errorf("RATELIMIT_ANONYMOUS: %w", err)
	}
	return ratelimit.Options{Authenticated: auth, Anonymous: anon, TrustForwarded: c.TrustForwardedFor}, nil
}

// sanitise removes one layer of matching surrounding quotes from string
// values. Docker --env-file does not strip shell quoting.
func (c *Config) sanitise() {
	for _, s := range []*string{
		&c.ListenAddr, &c.StoreDriver, &c.DataDir, &c.DatabaseDSN,
		&c.GeoProvider, &c.GeoURLTemplate, &c.GeoIPDatabasePath,
		&c.RateLimitBackend, &c.RateLimitAuthenticated, &c.RateLimitAnonymous,
		&c.RedisAddr, &c.RedisPassword, &c.JWTSecret,
		&c.CrowdSecLAPIURL, &c.CrowdSecLAPIKey,
		&c.LogLevel, &c.LogFormat, &c.MetricsAddr, &c.HealthAddr,
	} {
		*s = stripEnvQuotes(*s)
	}
	for _, list := range [][]string{
		c.DetectorSensitivePaths, c.CrowdSecOrigins, c.BlockScenarioExclude, c.BlockWhitelist,
	} {
		for i, s := range list {
			list[i] = stripEnvQuotes(s)
		}
	}
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":                ":8080",
		"trust_forwarded_for":        true,
		"store_driver":               "bbolt",
		"data_dir":                   "/data",
		"request_log_retention":      "0s",
		"geo_provider":               "http",
		"geo_url_template":           "http://ip-api.com/json/{ip}",
		"geo_timeout":                "2s",
		"geo_requests_per_minute":    45,
		"geo_cache_ttl":              "24h",
		"geo_cache_size":             10000,
		"detector_interval":          "1h",
		"detector_window":            "1h",
		"detector_volume_threshold":  100,
		"detector_sensitive_paths":   "/admin/,/login/",
		"detector_run_on_start":      false,
		"ratelimit_backend":          "memory",
		"ratelimit_authenticated":    "10/m",
		"ratelimit_anonymous":        "5/m",
		"redis_addr":                 "localhost:6379",
		"redis_db":                   0,
		"crowdsec_lapi_verify_tls":   true,
		"crowdsec_poll_interval":     "30s",
		"lapi_metrics_push_interval": "30m",
		"pool_workers":               2,
		"pool_queue_depth":           1024,
		"pool_max_retries":           3,
		"pool_retry_base":            "1s",
		"log_level":                  "info",
		"log_format":                 "json",
		"metrics_enabled":            true,
		"metrics_addr":               ":9090",
		"health_addr":                ":8081",
		"janitor_interval":           "15m",
	}
}

func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, the environment and _FILE secrets, in that order.
func Load() (*Config, error) {
	// "." as delimiter keeps env names with "_" flat: LISTEN_ADDR -> listen_addr.
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := stripEnvQuotes(os.Getenv("CONFIG_FILE")); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// List fields arrive as CSV from the environment and as sequences from YAML.
	cfg.DetectorSensitivePaths = stringList(k, "detector_sensitive_paths")
	cfg.CrowdSecOrigins = stringList(k, "crowdsec_origins")
	cfg.BlockScenarioExclude = stringList(k, "block_scenario_exclude")
	cfg.BlockWhitelist = stringList(k, "block_whitelist")

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks semantic constraints. Messages name the environment
// variable at fault.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "bbolt":
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required when STORE_DRIVER=bbolt")
		}
	case "postgres":
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_DSN is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be bbolt or postgres; got %q", c.StoreDriver)
	}

	switch c.GeoProvider {
	case "http":
		if !strings.Contains(c.GeoURLTemplate, "{ip}") {
			return fmt.Errorf("GEO_URL_TEMPLATE must contain {ip}; got %q", c.GeoURLTemplate)
		}
		if !strings.HasPrefix(c.GeoURLTemplate, "http://") && !strings.HasPrefix(c.GeoURLTemplate, "https://") {
			return fmt.Errorf("GEO_URL_TEMPLATE must start with http:// or https://; got %q", c.GeoURLTemplate)
		}
	case "maxmind":
		if c.GeoIPDatabasePath == "" {
			return fmt.Errorf("GEOIP_DATABASE_PATH is required when GEO_PROVIDER=maxmind")
		}
	case "none":
	default:
		return fmt.Errorf("GEO_PROVIDER must be http, maxmind or none; got %q", c.GeoProvider)
	}
	if c.GeoTimeout <= 0 {
		return fmt.Errorf("GEO_TIMEOUT must be > 0; got %s", c.GeoTimeout)
	}
	if c.GeoRequestsPerMinute < 0 {
		return fmt.Errorf("GEO_REQUESTS_PER_MINUTE must be >= 0; got %d", c.GeoRequestsPerMinute)
	}
	if c.GeoCacheTTL <= 0 {
		return fmt.Errorf("GEO_CACHE_TTL must be > 0; got %s", c.GeoCacheTTL)
	}
	if c.GeoCacheSize < 1 {
		return fmt.Errorf("GEO_CACHE_SIZE must be >= 1; got %d", c.GeoCacheSize)
	}

	if c.DetectorInterval <= 0 {
		return fmt.Errorf("DETECTOR_INTERVAL must be > 0; got %s", c.DetectorInterval)
	}
	if c.DetectorWindow <= 0 {
		return fmt.Errorf("DETECTOR_WINDOW must be > 0; got %s", c.DetectorWindow)
	}
	if c.DetectorVolumeThreshold < 1 {
		return fmt.Errorf("DETECTOR_VOLUME_THRESHOLD must be >= 1; got %d", c.DetectorVolumeThreshold)
	}
	for _, p := range c.DetectorSensitivePaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("DETECTOR_SENSITIVE_PATHS: %q must start with /", p)
		}
	}

	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when RATELIMIT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("RATELIMIT_BACKEND must be memory or redis; got %q", c.RateLimitBackend)
	}
	if _, err := c.RateLimitOptions(); err != nil {
		return err
	}

	if c.CrowdSecLAPIURL != "" &&
		!strings.HasPrefix(c.CrowdSecLAPIURL, "http://") && !strings.HasPrefix(c.CrowdSecLAPIURL, "https://") {
		return fmt.Errorf("CROWDSEC_LAPI_URL must start with http:// or https://; got %q", c.CrowdSecLAPIURL)
	}
	if c.CrowdSecEnabled() && c.CrowdSecPollInterval <= 0 {
		return fmt.Errorf("CROWDSEC_POLL_INTERVAL must be > 0; got %s", c.CrowdSecPollInterval)
	}
	if c.LAPIMetricsPushInterval < 0 {
		return fmt.Errorf("LAPI_METRICS_PUSH_INTERVAL must be >= 0; got %s", c.LAPIMetricsPushInterval)
	}
	if _, err := decision.ParseWhitelist(c.BlockWhitelist); err != nil {
		return fmt.Errorf("BLOCK_WHITELIST: %w", err)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1-64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}
	if c.PoolMaxRetries < 0 {
		return fmt.Errorf("POOL_MAX_RETRIES must be >= 0; got %d", c.PoolMaxRetries)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.RequestLogRetention < 0 {
		return fmt.Errorf("REQUEST_LOG_RETENTION must be >= 0; got %s", c.RequestLogRetention)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}
	return nil
}

var fileSecretKeys = []string{
	"database_dsn",
	"redis_password",
	"jwt_secret",
	"crowdsec_lapi_key",
}

// injectFileSecrets replaces KEY with the trimmed contents of the file named
// by KEY_FILE.
func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		filePath := k.String(key + "_file")
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		if err := k.Set(key, strings.TrimSpace(string(content))); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

// stringList reads key either as a YAML sequence or as a comma-separated
// string.
func stringList(k *koanf.Koanf, key string) []string {
	if v, ok := k.Get(key).([]interface{}); ok {
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	// A key that is present but empty disables the list instead of
	// falling back to the package defaults.
	if out := splitCSV(k.String(key)); out != nil {
		return out
	}
	return []string{}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for an in-memory map.
type rawProvider struct {
	data map[string]interface{}
}

func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
