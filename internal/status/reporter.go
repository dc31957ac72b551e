package status

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Reporter periodically logs the limiter and cache status
type Reporter struct {
	collector *Collector
	interval  time.Duration
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReporter creates a Reporter. A non-positive interval disables it.
func NewReporter(collector *Collector, interval time.Duration, logger zerolog.Logger) *Reporter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		collector: collector,
		interval:  interval,
		logger:    logger.With().Str("component", "status").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins periodic logging
func (r *Reporter) Start() {
	if r.interval <= 0 {
		return
	}
	r.wg.Add(1)
	go r.run()
}

// Stop stops the reporter and waits for it to exit
func (r *Reporter) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reporter) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.logCurrentStatus()
		}
	}
}

// logCurrentStatus logs one snapshot
func (r *Reporter) logCurrentStatus() {
	s := r.collector.Snapshot()

	event := r.logger.Info().
		Int("requestsInWindow", s.RateLimiter.RequestsInWindow).
		Int("maxRequests", s.RateLimiter.MaxRequests).
		Bool("cooldown", s.RateLimiter.IsCooldown).
		Int("pendingRequests", s.RateLimiter.PendingRequests).
		Int("cacheEntries", s.Cache.TotalEntries).
		Int("validEntries", s.Cache.ValidEntries).
		Int("expiredEntries", s.Cache.ExpiredEntries).
		Int("pendingBatches", s.Cache.PendingBatches)
	if s.Breaker != "" {
		event = event.Str("breaker", s.Breaker)
	}
	event.Msg("governance status")
}
