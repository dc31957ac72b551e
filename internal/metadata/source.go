package metadata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"tokenmeta/internal/ratelimit"
)

// Source fetches token metadata from outside the process
type Source interface {
	// FetchBatch returns metadata for the addresses the source can map.
	// The result may be shorter than the input and is not index-aligned.
	FetchBatch(ctx context.Context, addresses []string) ([]TokenMetadata, error)
	Search(ctx context.Context, query string, limit int) ([]TokenMetadata, error)
	TopTokens(ctx context.Context, limit int) ([]TokenMetadata, error)
}

// BatchRequest is the body of the batch metadata endpoint
type BatchRequest struct {
	Addresses []string `json:"addresses"`
}

// TokensResponse is the body returned by the token endpoints
type TokensResponse struct {
	Tokens []TokenMetadata `json:"tokens"`
}

// EndpointSource reads metadata from a tokenmeta batch endpoint.
// Every call goes through the rate limiter.
type EndpointSource struct {
	baseURL   string
	requester ratelimit.Requester
}

// NewEndpointSource creates a Source backed by the API rooted at baseURL
func NewEndpointSource(baseURL string, requester ratelimit.Requester) *EndpointSource {
	return &EndpointSource{
		baseURL:   strings.TrimRight(baseURL, "/"),
		requester: requester,
	}
}

// FetchBatch posts the addresses to the batch endpoint
func (s *EndpointSource) FetchBatch(ctx context.Context, addresses []string) ([]TokenMetadata, error) {
	opts, err := ratelimit.PostJSON(BatchRequest{Addresses: addresses})
	if err != nil {
		return nil, err
	}

	resp, err := ratelimit.RequestJSON[TokensResponse](ctx, s.requester, s.baseURL+"/api/tokens/batch", opts)
	if err != nil {
		return nil, fmt.Errorf("batch metadata request failed: %w", err)
	}
	return resp.Tokens, nil
}

// Search queries the search endpoint
func (s *EndpointSource) Search(ctx context.Context, query string, limit int) ([]TokenMetadata, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(limit))

	resp, err := ratelimit.RequestJSON[TokensResponse](ctx, s.requester, s.baseURL+"/api/tokens/search?"+params.Encode(), &ratelimit.RequestOptions{Method: http.MethodGet})
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	return resp.Tokens, nil
}

// TopTokens queries the popular tokens endpoint
func (s *EndpointSource) TopTokens(ctx context.Context, limit int) ([]TokenMetadata, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))

	resp, err := ratelimit.RequestJSON[TokensResponse](ctx, s.requester, s.baseURL+"/api/tokens/popular?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("popular tokens request failed: %w", err)
	}
	return resp.Tokens, nil
}
