package metadata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"tokenmeta/internal/config"
	"tokenmeta/internal/metrics"
)

// DefaultPopularLimit is the number of tokens fetched by PreloadPopularTokens.
// It stays under the keyless window cap since each one costs a contract call.
const DefaultPopularLimit = 25

// cacheEntry represents a cached token with expiration
type cacheEntry struct {
	token     TokenMetadata
	createdAt time.Time
	expiresAt time.Time
}

// Stats is a point-in-time view of the cache
type Stats struct {
	TotalEntries   int `json:"totalEntries"`
	ValidEntries   int `json:"validEntries"`
	ExpiredEntries int `json:"expiredEntries"`
	PendingBatches int `json:"pendingBatches"`
}

// Cache maps token addresses to metadata with a fixed TTL and coalesces
// concurrent fetches of the same uncached address set.
type Cache struct {
	source          Source
	entries         *lru.Cache[string, *cacheEntry]
	ttl             time.Duration
	coalesceWindow  time.Duration
	cleanupInterval time.Duration
	popularLimit    int
	now             func() time.Time
	metrics         *metrics.Metrics
	logger          zerolog.Logger

	mu      sync.Mutex
	batches map[BatchKey]*batchCall

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Options for creating a new Cache
type Options struct {
	TTL             time.Duration
	Size            int
	CoalesceWindow  time.Duration
	CleanupInterval time.Duration
	PopularLimit    int
	Now             func() time.Time
	Metrics         *metrics.Metrics
	Logger          zerolog.Logger
}

// OptionsFromConfig builds cache Options from the service configuration
func OptionsFromConfig(cfg *config.CacheConfig) Options {
	return Options{
		TTL:             cfg.GetTTLDuration(),
		Size:            cfg.Size,
		CoalesceWindow:  cfg.GetCoalesceWindowDuration(),
		CleanupInterval: cfg.GetCleanupIntervalDuration(),
	}
}

// NewCache creates a Cache reading through source and starts its cleanup loop
func NewCache(source Source, opts Options) (*Cache, error) {
	if source == nil {
		return nil, fmt.Errorf("metadata source is required")
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive")
	}

	size := opts.Size
	if size <= 0 {
		size = config.DefaultCacheSize
	}
	entries, err := lru.New[string, *cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}
	popularLimit := opts.PopularLimit
	if popularLimit <= 0 {
		popularLimit = DefaultPopularLimit
	}

	c := &Cache{
		source:          source,
		entries:         entries,
		ttl:             opts.TTL,
		coalesceWindow:  opts.CoalesceWindow,
		cleanupInterval: opts.CleanupInterval,
		popularLimit:    popularLimit,
		now:             now,
		metrics:         m,
		logger:          opts.Logger.With().Str("component", "metadata").Logger(),
		batches:         make(map[BatchKey]*batchCall),
		done:            make(chan struct{}),
	}

	if c.cleanupInterval > 0 {
		c.wg.Add(1)
		go c.cleanupLoop()
	}

	return c, nil
}

// GetBatchMetadata returns metadata for the given addresses, serving valid
// entries from memory and fetching the rest in one coalesced batch. It never
// fails: addresses that could not be fetched are simply absent from the result.
func (c *Cache) GetBatchMetadata(ctx context.Context, addresses []string) []TokenMetadata {
	if len(addresses) == 0 {
		return []TokenMetadata{}
	}

	now := c.now()
	seen := make(map[string]bool, len(addresses))
	cached := make([]TokenMetadata, 0, len(addresses))
	uncached := make([]string, 0, len(addresses))

	for _, address := range addresses {
		key := NormalizeAddress(address)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		if token, ok := c.lookup(key, now); ok {
			cached = append(cached, token)
		} else {
			uncached = append(uncached, key)
		}
	}

	c.metrics.CacheLookups.WithLabelValues("hit").Add(float64(len(cached)))
	c.metrics.CacheLookups.WithLabelValues("miss").Add(float64(len(uncached)))

	if len(uncached) == 0 {
		return cached
	}

	fetched := c.fetchCoalesced(ctx, uncached)
	return append(cached, fetched...)
}

// GetMetadata returns metadata for a single address, or nil if unavailable
func (c *Cache) GetMetadata(ctx context.Context, address string) *TokenMetadata {
	key := NormalizeAddress(address)
	if key == "" {
		return nil
	}

	for _, token := range c.GetBatchMetadata(ctx, []string{key}) {
		if NormalizeAddress(token.Address) == key {
			return &token
		}
	}
	return nil
}

// SearchTokens passes the query to the source. Complete records are cached
// when the address has no valid entry; partial ones are only returned.
func (c *Cache) SearchTokens(ctx context.Context, query string, limit int) ([]TokenMetadata, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []TokenMetadata{}, nil
	}

	tokens, err := c.source.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("token search failed: %w", err)
	}

	tokens = dedupByAddress(tokens)
	c.storeListing(tokens)
	return cloneAll(tokens), nil
}

// PreloadPopularTokens warms the cache with the top tokens by market cap.
// Partial records are resolved through the batch path so only contract
// details are cached.
func (c *Cache) PreloadPopularTokens(ctx context.Context) error {
	tokens, err := c.source.TopTokens(ctx, c.popularLimit)
	if err != nil {
		return fmt.Errorf("failed to preload popular tokens: %w", err)
	}

	tokens = dedupByAddress(tokens)
	stored := c.storeListing(tokens)

	var partial []string
	for _, token := range tokens {
		if token.Partial {
			partial = append(partial, NormalizeAddress(token.Address))
		}
	}
	resolved := 0
	if len(partial) > 0 {
		resolved = len(c.GetBatchMetadata(ctx, partial))
	}

	c.logger.Info().
		Int("tokens", len(tokens)).
		Int("stored", stored).
		Int("resolved", resolved).
		Msg("preloaded popular tokens")
	return nil
}

// Stats returns entry counts and the number of pending batches
func (c *Cache) Stats() Stats {
	now := c.now()

	var stats Stats
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		stats.TotalEntries++
		if now.Before(entry.expiresAt) {
			stats.ValidEntries++
		} else {
			stats.ExpiredEntries++
		}
	}

	c.mu.Lock()
	stats.PendingBatches = len(c.batches)
	c.mu.Unlock()

	return stats
}

// Close stops the cleanup loop
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

// lookup returns a copy of a valid entry. Expired entries are treated as absent
// and left for the cleanup loop.
func (c *Cache) lookup(key string, now time.Time) (TokenMetadata, bool) {
	entry, ok := c.entries.Get(key)
	if !ok || !now.Before(entry.expiresAt) {
		return TokenMetadata{}, false
	}
	return entry.token.Clone(), true
}

// storeAll writes tokens with a fresh TTL, replacing older entries
func (c *Cache) storeAll(tokens []TokenMetadata) {
	now := c.now()
	for _, token := range tokens {
		key := NormalizeAddress(token.Address)
		if key == "" || token.Partial {
			continue
		}
		c.entries.Add(key, &cacheEntry{
			token:     token.Clone(),
			createdAt: now,
			expiresAt: now.Add(c.ttl),
		})
	}
}

// storeListing caches complete listing records for addresses without a
// valid entry and returns how many were stored
func (c *Cache) storeListing(tokens []TokenMetadata) int {
	now := c.now()
	stored := 0
	for _, token := range tokens {
		key := NormalizeAddress(token.Address)
		if key == "" || token.Partial {
			continue
		}
		if entry, ok := c.entries.Peek(key); ok && now.Before(entry.expiresAt) {
			continue
		}
		c.entries.Add(key, &cacheEntry{
			token:     token.Clone(),
			createdAt: now,
			expiresAt: now.Add(c.ttl),
		})
		stored++
	}
	return stored
}

// cleanupLoop periodically removes expired entries
func (c *Cache) cleanupLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// removeExpired removes all expired entries from the cache
func (c *Cache) removeExpired() int {
	now := c.now()
	removed := 0

	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if ok && !now.Before(entry.expiresAt) {
			c.entries.Remove(key)
			removed++
		}
	}

	if removed > 0 {
		c.metrics.CacheSwept.Add(float64(removed))
		c.logger.Debug().
			Int("removed", removed).
			Msg("removed expired entries")
	}
	return removed
}
