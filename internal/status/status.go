package status

import (
	"time"

	"tokenmeta/internal/metadata"
	"tokenmeta/internal/ratelimit"
)

// LimiterStatus is implemented by ratelimit.Limiter
type LimiterStatus interface {
	Status() ratelimit.Status
}

// CacheStats is implemented by metadata.Cache
type CacheStats interface {
	Stats() metadata.Stats
}

// BreakerState is implemented by provider.Breaker
type BreakerState interface {
	State() string
}

// Snapshot is the combined status of the governance layer
type Snapshot struct {
	Cache       metadata.Stats   `json:"cache"`
	RateLimiter ratelimit.Status `json:"rateLimiter"`
	Breaker     string           `json:"breaker,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Collector builds snapshots from the live components
type Collector struct {
	limiter LimiterStatus
	cache   CacheStats
	breaker BreakerState
	now     func() time.Time
}

// NewCollector creates a Collector. breaker may be nil.
func NewCollector(limiter LimiterStatus, cache CacheStats, breaker BreakerState) *Collector {
	return &Collector{
		limiter: limiter,
		cache:   cache,
		breaker: breaker,
		now:     time.Now,
	}
}

// Snapshot returns the current status
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Cache:       c.cache.Stats(),
		RateLimiter: c.limiter.Status(),
		Timestamp:   c.now().UTC(),
	}
	if c.breaker != nil {
		s.Breaker = c.breaker.State()
	}
	return s
}
