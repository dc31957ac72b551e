package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tokenmeta/internal/config"
	"tokenmeta/internal/metadata"
	"tokenmeta/internal/ratelimit"
)

const (
	// defaultDecimals is used when a contract response carries no decimal_place
	defaultDecimals = 18
	// maxMarketsPage is the largest page /coins/markets accepts
	maxMarketsPage = 250
)

var _ metadata.Source = (*Client)(nil)

// Client is a metadata.Source backed by the CoinGecko v3 REST API.
// Every call goes through the injected Requester.
type Client struct {
	requester   ratelimit.Requester
	baseURL     string
	translator  *Translator
	concurrency int
	indexTTL    time.Duration
	now         func() time.Time
	logger      zerolog.Logger

	mu           sync.RWMutex
	index        map[string]string // coin id -> contract address on the default platform
	indexExpires time.Time
}

// Options for creating a new Client
type Options struct {
	BaseURL     string
	Translator  *Translator
	Concurrency int
	IndexTTL    time.Duration
	Now         func() time.Time
	Logger      zerolog.Logger
}

// OptionsFromConfig builds client Options from the service configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:     cfg.Provider.BaseURL,
		Translator:  NewTranslator(cfg.Provider.Platform, cfg.Translations),
		Concurrency: cfg.Provider.Concurrency,
		IndexTTL:    cfg.Provider.GetIndexTTLDuration(),
	}
}

// NewClient creates a new provider Client
func NewClient(requester ratelimit.Requester, opts Options) *Client {
	translator := opts.Translator
	if translator == nil {
		translator = NewTranslator(config.DefaultProviderPlatform, nil)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = config.DefaultProviderConcurrency
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = config.DefaultProviderBaseURL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		requester:   requester,
		baseURL:     strings.TrimRight(baseURL, "/"),
		translator:  translator,
		concurrency: concurrency,
		indexTTL:    opts.IndexTTL,
		now:         now,
		logger:      opts.Logger.With().Str("component", "provider").Logger(),
	}
}

// FetchBatch fetches contract metadata for every mappable address. Unmappable
// and unknown addresses are omitted. A credential failure aborts the batch;
// other per-address failures are logged and the address omitted, unless
// every lookup failed.
func (c *Client) FetchBatch(ctx context.Context, addresses []string) ([]metadata.TokenMetadata, error) {
	type job struct {
		requested string
		target    Target
	}

	jobs := make([]job, 0, len(addresses))
	for _, address := range addresses {
		target, ok := c.translator.Resolve(address)
		if !ok {
			c.logger.Debug().Str("address", address).Msg("skipping unmappable address")
			continue
		}
		jobs = append(jobs, job{requested: metadata.NormalizeAddress(address), target: target})
	}
	if len(jobs) == 0 {
		return []metadata.TokenMetadata{}, nil
	}

	results := make([]*metadata.TokenMetadata, len(jobs))
	errs := make([]error, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, j := range jobs {
		g.Go(func() error {
			token, err := c.fetchContract(gctx, j.requested, j.target)
			if err == nil {
				results[i] = token
				return nil
			}
			if errors.Is(err, ratelimit.ErrUnauthorized) || errors.Is(err, ratelimit.ErrForbidden) {
				return err
			}
			errs[i] = err
			c.logger.Warn().
				Err(err).
				Str("address", j.requested).
				Msg("contract lookup failed")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	tokens := make([]metadata.TokenMetadata, 0, len(jobs))
	var firstErr error
	failed := 0
	for i := range jobs {
		if results[i] != nil {
			tokens = append(tokens, *results[i])
		}
		if errs[i] != nil {
			failed++
			if firstErr == nil {
				firstErr = errs[i]
			}
		}
	}

	if failed == len(jobs) {
		return nil, fmt.Errorf("all %d contract lookups failed: %w", failed, firstErr)
	}
	return tokens, nil
}

// fetchContract returns nil without error when the provider does not know the contract
func (c *Client) fetchContract(ctx context.Context, requested string, target Target) (*metadata.TokenMetadata, error) {
	params := url.Values{}
	params.Set("localization", "false")
	params.Set("tickers", "false")
	params.Set("community_data", "false")
	params.Set("developer_data", "false")

	endpoint := fmt.Sprintf("%s/coins/%s/contract/%s?%s",
		c.baseURL, url.PathEscape(target.Platform), url.PathEscape(target.Address), params.Encode())

	resp, err := ratelimit.RequestJSON[contractResponse](ctx, c.requester, endpoint, nil)
	if err != nil {
		var statusErr *ratelimit.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	token := metadata.TokenMetadata{
		Address:    requested,
		Symbol:     strings.ToUpper(resp.Symbol),
		Name:       resp.Name,
		Decimals:   defaultDecimals,
		LogoURL:    firstNonEmpty(resp.Image.Large, resp.Image.Small, resp.Image.Thumb),
		Verified:   true,
		ProviderID: stringPtr(resp.ID),
	}
	if detail, ok := resp.DetailPlatforms[target.Platform]; ok && detail.DecimalPlace != nil {
		token.Decimals = *detail.DecimalPlace
	}
	if target.Override {
		testnet := target.Testnet
		token.Testnet = &testnet
	}
	if desc := strings.TrimSpace(resp.Description["en"]); desc != "" {
		token.Description = &desc
	}
	if md := resp.MarketData; md != nil {
		token.Price = md.CurrentPrice.USD
		token.MarketCap = md.MarketCap.USD
		token.Volume24h = md.TotalVolume.USD
		token.PriceChange24h = md.PriceChangePercentage24h
	}
	return &token, nil
}

// Search returns tokens matching query that have a contract on the default
// platform. /search reports no decimals, so the records are partial.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]metadata.TokenMetadata, error) {
	params := url.Values{}
	params.Set("query", query)

	resp, err := ratelimit.RequestJSON[searchResponse](ctx, c.requester, c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	index, err := c.contractIndex(ctx)
	if err != nil {
		return nil, err
	}

	tokens := make([]metadata.TokenMetadata, 0, len(resp.Coins))
	for _, coin := range resp.Coins {
		if limit > 0 && len(tokens) >= limit {
			break
		}
		address, ok := index[coin.ID]
		if !ok {
			continue
		}
		tokens = append(tokens, metadata.TokenMetadata{
			Address:    address,
			Symbol:     strings.ToUpper(coin.Symbol),
			Name:       coin.Name,
			LogoURL:    firstNonEmpty(coin.Large, coin.Thumb),
			Verified:   true,
			ProviderID: stringPtr(coin.ID),
			Partial:    true,
		})
	}
	return tokens, nil
}

// TopTokens returns the largest tokens by market cap that have a contract on
// the default platform. The records are partial, as for Search.
func (c *Client) TopTokens(ctx context.Context, limit int) ([]metadata.TokenMetadata, error) {
	if limit <= 0 || limit > maxMarketsPage {
		limit = maxMarketsPage
	}

	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("order", "market_cap_desc")
	params.Set("per_page", strconv.Itoa(maxMarketsPage))
	params.Set("page", "1")

	coins, err := ratelimit.RequestJSON[[]marketCoin](ctx, c.requester, c.baseURL+"/coins/markets?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("markets request failed: %w", err)
	}

	index, err := c.contractIndex(ctx)
	if err != nil {
		return nil, err
	}

	tokens := make([]metadata.TokenMetadata, 0, limit)
	for _, coin := range coins {
		if len(tokens) >= limit {
			break
		}
		address, ok := index[coin.ID]
		if !ok {
			continue
		}
		tokens = append(tokens, metadata.TokenMetadata{
			Address:        address,
			Symbol:         strings.ToUpper(coin.Symbol),
			Name:           coin.Name,
			LogoURL:        firstNonEmpty(coin.Image),
			Verified:       true,
			ProviderID:     stringPtr(coin.ID),
			MarketCap:      coin.MarketCap,
			Price:          coin.CurrentPrice,
			PriceChange24h: coin.PriceChangePercentage24h,
			Volume24h:      coin.TotalVolume,
			Partial:        true,
		})
	}
	return tokens, nil
}

// Prices returns USD prices keyed by requested address. Addresses the
// provider has no price for are absent.
func (c *Client) Prices(ctx context.Context, addresses []string) (map[string]float64, error) {
	// platform -> provider address -> requested addresses
	groups := make(map[string]map[string][]string)
	for _, address := range addresses {
		target, ok := c.translator.Resolve(address)
		if !ok {
			continue
		}
		if groups[target.Platform] == nil {
			groups[target.Platform] = make(map[string][]string)
		}
		requested := metadata.NormalizeAddress(address)
		groups[target.Platform][target.Address] = append(groups[target.Platform][target.Address], requested)
	}

	prices := make(map[string]float64, len(addresses))
	for platform, byTarget := range groups {
		targets := make([]string, 0, len(byTarget))
		for t := range byTarget {
			targets = append(targets, t)
		}
		sort.Strings(targets)

		params := url.Values{}
		params.Set("contract_addresses", strings.Join(targets, ","))
		params.Set("vs_currencies", "usd")

		endpoint := fmt.Sprintf("%s/simple/token_price/%s?%s", c.baseURL, url.PathEscape(platform), params.Encode())
		resp, err := ratelimit.RequestJSON[tokenPriceResponse](ctx, c.requester, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("token price request for %s failed: %w", platform, err)
		}

		for target, value := range resp {
			if value.USD == nil {
				continue
			}
			for _, requested := range byTarget[strings.ToLower(target)] {
				prices[requested] = *value.USD
			}
		}
	}
	return prices, nil
}

// contractIndex returns the coin id -> contract index, refreshing it when expired
func (c *Client) contractIndex(ctx context.Context) (map[string]string, error) {
	now := c.now()

	c.mu.RLock()
	index, expires := c.index, c.indexExpires
	c.mu.RUnlock()

	if index != nil && now.Before(expires) {
		return index, nil
	}

	coins, err := ratelimit.RequestJSON[[]listCoin](ctx, c.requester, c.baseURL+"/coins/list?include_platform=true", nil)
	if err != nil {
		if index != nil {
			c.logger.Warn().Err(err).Msg("failed to refresh coin index, using stale copy")
			return index, nil
		}
		return nil, fmt.Errorf("coin list request failed: %w", err)
	}

	platform := c.translator.Platform()
	index = make(map[string]string, len(coins))
	for _, coin := range coins {
		address := strings.ToLower(strings.TrimSpace(coin.Platforms[platform]))
		if addressPattern.MatchString(address) {
			index[coin.ID] = address
		}
	}

	c.mu.Lock()
	c.index = index
	c.indexExpires = now.Add(c.indexTTL)
	c.mu.Unlock()

	c.logger.Debug().
		Int("coins", len(coins)).
		Int("indexed", len(index)).
		Str("platform", platform).
		Msg("coin index refreshed")
	return index, nil
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(values ...string) *string {
	for _, v := range values {
		if v != "" {
			return &v
		}
	}
	return nil
}
