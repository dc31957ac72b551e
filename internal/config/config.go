package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// configWithPreloadDefault is used for proper default handling of preloadPopular
type configWithPreloadDefault struct {
	Config
	PreloadPopularPtr *bool `json:"preloadPopular"`
}

// Load reads the config file and environment. A missing config file is not an
// error: the service then runs on defaults plus environment.
func Load(path string) (*Config, error) {
	var rawCfg configWithPreloadDefault

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &rawCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &rawCfg.Config

	// Handle preloadPopular default
	if rawCfg.PreloadPopularPtr != nil {
		cfg.PreloadPopular = *rawCfg.PreloadPopularPtr
	} else {
		cfg.PreloadPopular = DefaultPreloadPopular
	}

	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	applyEnv(cfg, env)

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadEnvFile loads variables from a dotenv file into the process environment.
// Variables that are already set win. A missing file is ignored.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// applyEnv overlays environment values on top of the file config
func applyEnv(cfg *Config, env Env) {
	cfg.APIKey = strings.TrimSpace(env.APIKey)
	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}
	if env.Port != 0 {
		cfg.Port = env.Port
	}
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.StatusLogInterval == 0 {
		cfg.StatusLogInterval = DefaultStatusLogInterval
	}
	if cfg.StatusStreamInterval == 0 {
		cfg.StatusStreamInterval = DefaultStatusStreamInterval
	}

	rl := &cfg.RateLimit
	if rl.Window == 0 {
		rl.Window = DefaultRateLimitWindow
	}
	if rl.SweepInterval == 0 {
		rl.SweepInterval = DefaultRateLimitSweepInterval
	}
	if rl.APIKeyHeader == "" {
		rl.APIKeyHeader = DefaultAPIKeyHeader
	}

	c := &cfg.Cache
	if c.TTL == 0 {
		c.TTL = DefaultCacheTTL
	}
	if c.Size == 0 {
		c.Size = DefaultCacheSize
	}
	if c.CoalesceWindow == 0 {
		c.CoalesceWindow = DefaultCacheCoalesceWindow
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCacheCleanupInterval
	}

	p := &cfg.Provider
	if p.BaseURL == "" {
		p.BaseURL = DefaultProviderBaseURL
	}
	p.BaseURL = strings.TrimRight(p.BaseURL, "/")
	if p.Platform == "" {
		p.Platform = DefaultProviderPlatform
	}
	if p.Concurrency == 0 {
		p.Concurrency = DefaultProviderConcurrency
	}
	if p.IndexTTL == 0 {
		p.IndexTTL = DefaultProviderIndexTTL
	}

	cb := &p.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = DefaultBreakerFailureThreshold
	}
	if cb.RecoveryTimeout == 0 {
		cb.RecoveryTimeout = DefaultBreakerRecoveryTimeout
	}
	if cb.HalfOpenMaxRequests == 0 {
		cb.HalfOpenMaxRequests = DefaultBreakerHalfOpenMaxRequests
	}

	for i := range cfg.Translations {
		if cfg.Translations[i].Platform == "" {
			cfg.Translations[i].Platform = p.Platform
		}
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.MaxBodySize < 0 {
		return fmt.Errorf("maxBodySize must be non-negative")
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}
	if cfg.StatusLogInterval < 0 {
		return fmt.Errorf("statusLogInterval must be non-negative")
	}
	if cfg.StatusStreamInterval < 0 {
		return fmt.Errorf("statusStreamInterval must be non-negative")
	}

	if cfg.RateLimit.Window < 0 {
		return fmt.Errorf("rateLimit.window must be positive")
	}
	if cfg.RateLimit.SweepInterval < 0 {
		return fmt.Errorf("rateLimit.sweepInterval must be positive")
	}

	if cfg.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if cfg.Cache.Size < 0 {
		return fmt.Errorf("cache.size must be positive")
	}
	if cfg.Cache.CoalesceWindow < 0 {
		return fmt.Errorf("cache.coalesceWindow must be non-negative")
	}
	if cfg.Cache.CleanupInterval < 0 {
		return fmt.Errorf("cache.cleanupInterval must be positive")
	}
	if cfg.Cache.Endpoint != "" {
		if err := validateURL(cfg.Cache.Endpoint); err != nil {
			return fmt.Errorf("cache.endpoint: %w", err)
		}
	}

	if err := validateURL(cfg.Provider.BaseURL); err != nil {
		return fmt.Errorf("provider.baseUrl: %w", err)
	}
	if cfg.Provider.Concurrency < 0 {
		return fmt.Errorf("provider.concurrency must be positive")
	}
	if cfg.Provider.IndexTTL < 0 {
		return fmt.Errorf("provider.indexTtl must be positive")
	}

	seen := make(map[string]bool)
	for i, t := range cfg.Translations {
		if !addressPattern.MatchString(t.Address) {
			return fmt.Errorf("translations[%d]: invalid address '%s'", i, t.Address)
		}
		if !addressPattern.MatchString(t.Target) {
			return fmt.Errorf("translations[%d]: invalid target '%s'", i, t.Target)
		}
		key := strings.ToLower(t.Address)
		if seen[key] {
			return fmt.Errorf("translations[%d]: duplicate address '%s'", i, t.Address)
		}
		seen[key] = true
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}
