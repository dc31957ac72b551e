package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Host                 string              `json:"host"`
	Port                 int                 `json:"port"`
	LogLevel             string              `json:"logLevel"`
	MaxBodySize          int64               `json:"maxBodySize"`
	RequestTimeout       int                 `json:"requestTimeout"`       // ms - timeout for outbound provider calls
	StatusLogInterval    int                 `json:"statusLogInterval"`    // ms - interval for logging limiter/cache status
	StatusStreamInterval int                 `json:"statusStreamInterval"` // ms - interval between WebSocket status frames
	PreloadPopular       bool                `json:"preloadPopular"`
	RateLimit            RateLimitConfig     `json:"rateLimit"`
	Cache                CacheConfig         `json:"cache"`
	Provider             ProviderConfig      `json:"provider"`
	Translations         []TranslationConfig `json:"translations"`

	// APIKey is the provider credential. It only comes from the environment.
	APIKey string `json:"-"`
}

// RateLimitConfig represents outbound rate limiter configuration.
// Request cap and cooldown are not configurable: they follow the credential profile.
type RateLimitConfig struct {
	Window        int    `json:"window"`        // ms
	SweepInterval int    `json:"sweepInterval"` // ms
	StrictWindow  bool   `json:"strictWindow"`
	APIKeyHeader  string `json:"apiKeyHeader"`
}

// CacheConfig represents metadata cache configuration
type CacheConfig struct {
	TTL             int    `json:"ttl"`             // seconds
	Size            int    `json:"size"`            // number of entries
	CoalesceWindow  int    `json:"coalesceWindow"`  // ms - max age of a pending batch that may still be joined
	CleanupInterval int    `json:"cleanupInterval"` // ms
	Endpoint        string `json:"endpoint"`        // remote batch endpoint; empty means call the provider directly
}

// ProviderConfig represents the metadata provider client configuration
type ProviderConfig struct {
	BaseURL        string               `json:"baseUrl"`
	Platform       string               `json:"platform"`
	Concurrency    int                  `json:"concurrency"`
	IndexTTL       int                  `json:"indexTtl"` // ms - lifetime of the coin id -> contract index
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled             bool `json:"enabled"`
	FailureThreshold    int  `json:"failureThreshold"`
	RecoveryTimeout     int  `json:"recoveryTimeout"` // ms
	HalfOpenMaxRequests int  `json:"halfOpenMaxRequests"`
}

// TranslationConfig maps a requested token address to the address the provider knows
type TranslationConfig struct {
	Address  string `json:"address"`
	Target   string `json:"target"`
	Platform string `json:"platform"`
	Testnet  bool   `json:"testnet"`
}

// Env holds settings read from the process environment (prefix TOKENMETA_)
type Env struct {
	APIKey   string `envconfig:"API_KEY"`
	LogLevel string `envconfig:"LOG_LEVEL"`
	Port     int    `envconfig:"PORT"`
}

// Default values
const (
	DefaultHost                 = "localhost"
	DefaultPort                 = 8080
	DefaultLogLevel             = "info"
	DefaultMaxBodySize          = int64(1 << 20)
	DefaultRequestTimeout       = 10000 // ms
	DefaultStatusLogInterval    = 60000 // ms
	DefaultStatusStreamInterval = 2000  // ms
	DefaultPreloadPopular       = true

	DefaultRateLimitWindow        = 60000 // ms
	DefaultRateLimitSweepInterval = 60000 // ms
	DefaultAPIKeyHeader           = "x-cg-demo-api-key"

	DefaultCacheTTL             = 600    // seconds (10 minutes)
	DefaultCacheSize            = 10000  // entries
	DefaultCacheCoalesceWindow  = 5000   // ms
	DefaultCacheCleanupInterval = 300000 // ms (5 minutes)

	DefaultProviderBaseURL     = "https://api.coingecko.com/api/v3"
	DefaultProviderPlatform    = "ethereum"
	DefaultProviderConcurrency = 4
	DefaultProviderIndexTTL    = 6 * 60 * 60 * 1000 // ms

	DefaultBreakerFailureThreshold    = 5
	DefaultBreakerRecoveryTimeout     = 30000 // ms
	DefaultBreakerHalfOpenMaxRequests = 2

	// EnvPrefix is the envconfig prefix for Env
	EnvPrefix = "tokenmeta"
)

// HasAPIKey returns true if a provider credential is configured
func (c *Config) HasAPIKey() bool {
	return c.APIKey != ""
}

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetStatusLogIntervalDuration returns status log interval as time.Duration
func (c *Config) GetStatusLogIntervalDuration() time.Duration {
	return time.Duration(c.StatusLogInterval) * time.Millisecond
}

// GetStatusStreamIntervalDuration returns the WebSocket status interval as time.Duration
func (c *Config) GetStatusStreamIntervalDuration() time.Duration {
	return time.Duration(c.StatusStreamInterval) * time.Millisecond
}

// GetWindowDuration returns the sliding window length as time.Duration
func (c *RateLimitConfig) GetWindowDuration() time.Duration {
	return time.Duration(c.Window) * time.Millisecond
}

// GetSweepIntervalDuration returns the window sweep interval as time.Duration
func (c *RateLimitConfig) GetSweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Millisecond
}

// GetTTLDuration returns cache TTL as time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// GetCoalesceWindowDuration returns the batch coalescing window as time.Duration
func (c *CacheConfig) GetCoalesceWindowDuration() time.Duration {
	return time.Duration(c.CoalesceWindow) * time.Millisecond
}

// GetCleanupIntervalDuration returns the expired-entry sweep interval as time.Duration
func (c *CacheConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Millisecond
}

// GetIndexTTLDuration returns the coin index lifetime as time.Duration
func (c *ProviderConfig) GetIndexTTLDuration() time.Duration {
	return time.Duration(c.IndexTTL) * time.Millisecond
}

// GetRecoveryTimeoutDuration returns breaker recovery timeout as time.Duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return time.Duration(c.RecoveryTimeout) * time.Millisecond
}
