package ratelimit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"tokenmeta/internal/config"
	"tokenmeta/internal/metrics"
)

// Limiter is the single choke point for calls to the metadata provider.
// It enforces a sliding-window request cap and a post-request cooldown, and
// shares one in-flight call between identical concurrent requests.
type Limiter struct {
	cfg        Config
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	group   singleflight.Group
	pending atomic.Int64

	mu            sync.Mutex
	window        []time.Time
	cooldownUntil time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Options holds optional collaborators for New
type Options struct {
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// New creates a Limiter and starts its background window sweep
func New(cfg Config, opts Options) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = ProfileFor(cfg.APIKey).MaxRequests
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = config.DefaultAPIKeyHeader
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		}
		httpClient = &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		}
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}

	l := &Limiter{
		cfg:        cfg,
		httpClient: httpClient,
		metrics:    m,
		logger:     opts.Logger.With().Str("component", "ratelimit").Logger(),
		window:     make([]time.Time, 0, cfg.MaxRequests),
		done:       make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		l.wg.Add(1)
		go l.sweepLoop()
	}

	l.logger.Info().
		Int("maxRequests", cfg.MaxRequests).
		Dur("window", cfg.Window).
		Dur("cooldown", cfg.Cooldown).
		Bool("hasApiKey", cfg.APIKey != "").
		Bool("strictWindow", cfg.StrictWindow).
		Msg("rate limiter initialized")

	return l
}

// Request performs a governed call and returns the raw response body.
// A call whose signature matches an in-flight call joins it instead of
// issuing a new one. When ctx ends the caller stops waiting, but the call
// itself runs to completion.
func (l *Limiter) Request(ctx context.Context, url string, opts *RequestOptions) ([]byte, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	sig := signature(method, url, opts.Body)
	callCtx := context.WithoutCancel(ctx)

	ch := l.group.DoChan(sig, func() (interface{}, error) {
		l.pending.Add(1)
		defer l.pending.Add(-1)
		return l.execute(callCtx, method, url, opts)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			l.metrics.LimiterShared.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return bytes.Clone(res.Val.([]byte)), nil
	}
}

// Status returns the current window occupancy and flags
func (l *Limiter) Status() Status {
	l.mu.Lock()
	now := time.Now()
	l.pruneLocked(now)
	inWindow := len(l.window)
	isCooldown := now.Before(l.cooldownUntil)
	l.mu.Unlock()

	return Status{
		CanMakeRequest:   inWindow < l.cfg.MaxRequests && !isCooldown,
		RequestsInWindow: inWindow,
		MaxRequests:      l.cfg.MaxRequests,
		IsCooldown:       isCooldown,
		PendingRequests:  int(l.pending.Load()),
		HasAPIKey:        l.cfg.APIKey != "",
	}
}

// Close stops the background sweep
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	l.httpClient.CloseIdleConnections()
}

// execute waits for admission and performs the HTTP call
func (l *Limiter) execute(ctx context.Context, method, url string, opts *RequestOptions) ([]byte, error) {
	start := time.Now()
	defer func() {
		l.metrics.LimiterLatency.Observe(float64(time.Since(start).Milliseconds()))
	}()

	l.acquire()

	var bodyReader io.Reader
	if opts.Body != nil {
		bodyReader = bytes.NewReader(opts.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		l.metrics.LimiterRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: failed to create HTTP request: %v", ErrRequestFailed, err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if opts.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, values := range opts.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if l.cfg.APIKey != "" {
		httpReq.Header.Set(l.cfg.APIKeyHeader, l.cfg.APIKey)
	}

	resp, err := l.httpClient.Do(httpReq)
	if err != nil {
		l.metrics.LimiterRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		l.metrics.LimiterRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrRequestFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		l.metrics.LimiterRequests.WithLabelValues("error").Inc()
		statusErr := newStatusError(resp.StatusCode, body)
		l.logger.Warn().
			Str("method", method).
			Str("url", url).
			Int("status", resp.StatusCode).
			Err(statusErr).
			Msg("provider request failed")
		return nil, statusErr
	}

	l.metrics.LimiterRequests.WithLabelValues("ok").Inc()
	return body, nil
}

// acquire records the call in the window, waiting first when the window is
// full or a cooldown is active. The wait is the cooldown length; in strict
// mode the limiter additionally waits until the window has a free slot.
func (l *Limiter) acquire() {
	l.mu.Lock()
	now := time.Now()
	l.pruneLocked(now)
	if len(l.window) < l.cfg.MaxRequests && !now.Before(l.cooldownUntil) {
		l.recordLocked(now)
		l.mu.Unlock()
		return
	}
	inWindow := len(l.window)
	l.mu.Unlock()

	l.metrics.LimiterThrottled.Inc()
	l.logger.Debug().
		Int("requestsInWindow", inWindow).
		Dur("wait", l.cfg.Cooldown).
		Msg("throttling request")

	sleep(l.cfg.Cooldown)

	for {
		l.mu.Lock()
		now := time.Now()
		l.pruneLocked(now)
		if !l.cfg.StrictWindow || len(l.window) < l.cfg.MaxRequests {
			l.recordLocked(now)
			l.mu.Unlock()
			return
		}
		wait := l.window[0].Add(l.cfg.Window).Sub(now)
		l.mu.Unlock()

		sleep(wait)
	}
}

// recordLocked appends a timestamp and re-arms the cooldown. Must be called with mu held.
func (l *Limiter) recordLocked(now time.Time) {
	l.window = append(l.window, now)
	l.cooldownUntil = now.Add(l.cfg.Cooldown)
}

// pruneLocked drops timestamps that left the window. Must be called with mu held.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

// sweepLoop periodically prunes the window so idle periods release memory
func (l *Limiter) sweepLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.pruneLocked(time.Now())
			l.mu.Unlock()
		}
	}
}

// signature identifies identical requests for deduplication
func signature(method, url string, body []byte) string {
	return method + " " + url + " " + string(body)
}

func sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	<-t.C
}
