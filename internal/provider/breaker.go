package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"tokenmeta/internal/config"
	"tokenmeta/internal/ratelimit"
)

// ErrCircuitOpen is returned while the breaker rejects provider calls
var ErrCircuitOpen = errors.New("provider circuit open")

// Breaker stops calling the provider after consecutive failures and lets a
// few probe calls through once the recovery timeout has passed
type Breaker struct {
	next    ratelimit.Requester
	breaker *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker
func NewBreaker(next ratelimit.Requester, cfg config.CircuitBreakerConfig, logger zerolog.Logger) *Breaker {
	logger = logger.With().Str("component", "breaker").Logger()

	threshold := uint32(cfg.FailureThreshold)
	if threshold == 0 {
		threshold = config.DefaultBreakerFailureThreshold
	}
	halfOpen := uint32(cfg.HalfOpenMaxRequests)
	if halfOpen == 0 {
		halfOpen = config.DefaultBreakerHalfOpenMaxRequests
	}

	settings := gobreaker.Settings{
		Name:        "provider",
		MaxRequests: halfOpen,
		Timeout:     cfg.GetRecoveryTimeoutDuration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	return &Breaker{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Request implements ratelimit.Requester
func (b *Breaker) Request(ctx context.Context, url string, opts *ratelimit.RequestOptions) ([]byte, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Request(ctx, url, opts)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// State returns the breaker state name
func (b *Breaker) State() string {
	return b.breaker.State().String()
}

// isBreakerSuccess treats answers that say nothing about provider health as
// successes: unknown contracts and callers that stopped waiting.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *ratelimit.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusNotFound || statusErr.StatusCode == http.StatusBadRequest
	}
	return false
}
