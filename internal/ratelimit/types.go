package ratelimit

import (
	"context"
	"net/http"
	"time"

	"tokenmeta/internal/config"
)

// Profile is a fixed (request cap, cooldown) pair selected by credential presence
type Profile struct {
	MaxRequests int
	Cooldown    time.Duration
}

var (
	// ProfileNoKey applies when no provider credential is configured
	ProfileNoKey = Profile{MaxRequests: 30, Cooldown: 2000 * time.Millisecond}
	// ProfileAPIKey applies when a provider credential is configured
	ProfileAPIKey = Profile{MaxRequests: 100, Cooldown: 600 * time.Millisecond}
)

// ProfileFor returns the profile matching the credential
func ProfileFor(apiKey string) Profile {
	if apiKey != "" {
		return ProfileAPIKey
	}
	return ProfileNoKey
}

// Config for creating a new Limiter
type Config struct {
	MaxRequests    int
	Window         time.Duration
	Cooldown       time.Duration
	SweepInterval  time.Duration
	StrictWindow   bool
	APIKey         string
	APIKeyHeader   string
	RequestTimeout time.Duration
}

// NewConfig returns a Config using the credential profile and default window settings
func NewConfig(apiKey string) Config {
	profile := ProfileFor(apiKey)
	return Config{
		MaxRequests:    profile.MaxRequests,
		Window:         time.Duration(config.DefaultRateLimitWindow) * time.Millisecond,
		Cooldown:       profile.Cooldown,
		SweepInterval:  time.Duration(config.DefaultRateLimitSweepInterval) * time.Millisecond,
		APIKey:         apiKey,
		APIKeyHeader:   config.DefaultAPIKeyHeader,
		RequestTimeout: time.Duration(config.DefaultRequestTimeout) * time.Millisecond,
	}
}

// ConfigFromGlobal derives the limiter Config from the service configuration.
// The result is computed once at startup and never re-read.
func ConfigFromGlobal(cfg *config.Config) Config {
	c := NewConfig(cfg.APIKey)
	c.Window = cfg.RateLimit.GetWindowDuration()
	c.SweepInterval = cfg.RateLimit.GetSweepIntervalDuration()
	c.StrictWindow = cfg.RateLimit.StrictWindow
	c.APIKeyHeader = cfg.RateLimit.APIKeyHeader
	c.RequestTimeout = cfg.GetRequestTimeoutDuration()
	return c
}

// RequestOptions describes an outbound call. The zero value is a GET without body.
type RequestOptions struct {
	Method string
	Header http.Header
	Body   []byte
}

// Requester performs governed outbound calls and returns the raw JSON body
type Requester interface {
	Request(ctx context.Context, url string, opts *RequestOptions) ([]byte, error)
}

// Status is a point-in-time view of the limiter, for observability only
type Status struct {
	CanMakeRequest   bool `json:"canMakeRequest"`
	RequestsInWindow int  `json:"requestsInWindow"`
	MaxRequests      int  `json:"maxRequests"`
	IsCooldown       bool `json:"isCooldown"`
	PendingRequests  int  `json:"pendingRequests"`
	HasAPIKey        bool `json:"hasApiKey"`
}
