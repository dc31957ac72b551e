package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"tokenmeta/internal/config"
	"tokenmeta/internal/metadata"
	"tokenmeta/internal/metrics"
	"tokenmeta/internal/provider"
	"tokenmeta/internal/ratelimit"
	"tokenmeta/internal/server"
	"tokenmeta/internal/status"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "config.json", "path to config file")
	envPath := flag.String("env", ".env", "path to dotenv file")
	flag.Parse()

	// Basic logger for startup errors
	startupLog := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := config.LoadEnvFile(*envPath); err != nil {
		startupLog.Fatal().Err(err).Msg("failed to load env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		startupLog.Fatal().Err(err).Msg("failed to load config")
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", *configPath).
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Bool("apiKey", cfg.HasAPIKey()).
		Str("provider", cfg.Provider.BaseURL).
		Str("endpoint", cfg.Cache.Endpoint).
		Msg("starting tokenmeta")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Rate limiter: profile is fixed by the credential at startup
	limiter := ratelimit.New(ratelimit.ConfigFromGlobal(cfg), ratelimit.Options{
		Metrics: m,
		Logger:  logger,
	})

	var requester ratelimit.Requester = limiter
	var breaker *provider.Breaker
	if cfg.Provider.CircuitBreaker.Enabled {
		breaker = provider.NewBreaker(limiter, cfg.Provider.CircuitBreaker, logger)
		requester = breaker
		logger.Info().
			Int("failureThreshold", cfg.Provider.CircuitBreaker.FailureThreshold).
			Int("recoveryTimeout", cfg.Provider.CircuitBreaker.RecoveryTimeout).
			Msg("provider circuit breaker enabled")
	}

	// Metadata source: a remote batch endpoint or the provider itself
	var source metadata.Source
	var prices server.PriceSource
	if cfg.Cache.Endpoint != "" {
		source = metadata.NewEndpointSource(cfg.Cache.Endpoint, requester)
		logger.Info().Str("endpoint", cfg.Cache.Endpoint).Msg("using remote metadata endpoint")
	} else {
		opts := provider.OptionsFromConfig(cfg)
		opts.Logger = logger
		client := provider.NewClient(requester, opts)
		source = client
		prices = client
		logger.Info().
			Str("platform", cfg.Provider.Platform).
			Int("translations", len(cfg.Translations)).
			Msg("using provider metadata source")
	}

	cacheOpts := metadata.OptionsFromConfig(&cfg.Cache)
	cacheOpts.Metrics = m
	cacheOpts.Logger = logger
	cache, err := metadata.NewCache(source, cacheOpts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create metadata cache")
	}

	if cfg.PreloadPopular {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := cache.PreloadPopularTokens(ctx); err != nil {
				logger.Warn().Err(err).Msg("popular token preload failed")
			}
		}()
	}

	var collector *status.Collector
	if breaker != nil {
		collector = status.NewCollector(limiter, cache, breaker)
	} else {
		collector = status.NewCollector(limiter, cache, nil)
	}
	reporter := status.NewReporter(collector, cfg.GetStatusLogIntervalDuration(), logger)
	reporter.Start()

	srv := server.New(cfg, server.Deps{
		Cache:    cache,
		Source:   source,
		Prices:   prices,
		Status:   collector,
		Metrics:  m,
		Gatherer: reg,
	}, logger)

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
	reporter.Stop()
	cache.Close()
	limiter.Close()
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
