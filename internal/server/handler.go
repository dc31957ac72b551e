package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"tokenmeta/internal/metadata"
	"tokenmeta/internal/ratelimit"
	"tokenmeta/internal/status"
)

const (
	maxAddresses       = 250
	defaultSearchLimit = 10
	maxSearchLimit     = 50
	defaultTopLimit    = 20
	maxTopLimit        = 250
)

// TokenCache is the cached lookup surface, implemented by metadata.Cache
type TokenCache interface {
	GetBatchMetadata(ctx context.Context, addresses []string) []metadata.TokenMetadata
	GetMetadata(ctx context.Context, address string) *metadata.TokenMetadata
	SearchTokens(ctx context.Context, query string, limit int) ([]metadata.TokenMetadata, error)
}

// PriceSource is implemented by provider.Client
type PriceSource interface {
	Prices(ctx context.Context, addresses []string) (map[string]float64, error)
}

// StatusSource is implemented by status.Collector
type StatusSource interface {
	Snapshot() status.Snapshot
}

// PricesResponse is the body of the prices endpoint
type PricesResponse struct {
	Prices map[string]float64 `json:"prices"`
}

// ErrorResponse is the body of every error answer
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler serves the token API
type Handler struct {
	cache       TokenCache
	source      metadata.Source
	prices      PriceSource
	status      StatusSource
	maxBodySize int64
}

// handleBatch is the batch metadata endpoint. It reads the source directly
// and is what a remote metadata.EndpointSource calls.
func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var req metadata.BatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	addresses, err := normalizeAddresses(req.Addresses)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(addresses) == 0 {
		h.writeJSON(w, r, http.StatusOK, metadata.TokensResponse{Tokens: []metadata.TokenMetadata{}})
		return
	}

	tokens, err := h.source.FetchBatch(r.Context(), addresses)
	if err != nil {
		h.writeSourceError(w, r, err)
		return
	}
	h.writeTokens(w, r, tokens)
}

// handleTokens returns cached metadata for ?addresses=a,b
func (h *Handler) handleTokens(w http.ResponseWriter, r *http.Request) {
	addresses, err := normalizeAddresses(splitList(r.URL.Query().Get("addresses")))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(addresses) == 0 {
		h.writeError(w, r, http.StatusBadRequest, "addresses is required")
		return
	}

	h.writeTokens(w, r, h.cache.GetBatchMetadata(r.Context(), addresses))
}

// handleToken returns cached metadata for a single address
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	token := h.cache.GetMetadata(r.Context(), r.PathValue("address"))
	if token == nil {
		h.writeError(w, r, http.StatusNotFound, "token not found")
		return
	}
	h.writeJSON(w, r, http.StatusOK, token)
}

// handleSearch searches tokens by name or symbol
func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		h.writeError(w, r, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultSearchLimit, maxSearchLimit)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	tokens, err := h.cache.SearchTokens(r.Context(), query, limit)
	if err != nil {
		h.writeSourceError(w, r, err)
		return
	}
	h.writeTokens(w, r, tokens)
}

// handlePopular returns the top tokens by market cap
func (h *Handler) handlePopular(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultTopLimit, maxTopLimit)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	tokens, err := h.source.TopTokens(r.Context(), limit)
	if err != nil {
		h.writeSourceError(w, r, err)
		return
	}
	h.writeTokens(w, r, tokens)
}

// handlePrices returns USD prices for ?addresses=a,b
func (h *Handler) handlePrices(w http.ResponseWriter, r *http.Request) {
	addresses, err := normalizeAddresses(splitList(r.URL.Query().Get("addresses")))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(addresses) == 0 {
		h.writeError(w, r, http.StatusBadRequest, "addresses is required")
		return
	}

	prices, err := h.prices.Prices(r.Context(), addresses)
	if err != nil {
		h.writeSourceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, PricesResponse{Prices: prices})
}

// handleStatus returns the limiter and cache status
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.status.Snapshot())
}

// readBody reads the request body up to maxBodySize
func (h *Handler) readBody(r *http.Request) ([]byte, error) {
	if h.maxBodySize <= 0 {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errors.New("failed to read request body")
		}
		return body, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
	if err != nil {
		return nil, errors.New("failed to read request body")
	}
	if int64(len(body)) > h.maxBodySize {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

// writeTokens writes a token list, never as null
func (h *Handler) writeTokens(w http.ResponseWriter, r *http.Request, tokens []metadata.TokenMetadata) {
	if tokens == nil {
		tokens = []metadata.TokenMetadata{}
	}
	h.writeJSON(w, r, http.StatusOK, metadata.TokensResponse{Tokens: tokens})
}

// writeJSON writes v as a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to marshal response")
		code = http.StatusInternalServerError
		data = []byte(`{"error":"internal error"}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// writeError writes a JSON error body
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	h.writeJSON(w, r, code, ErrorResponse{Error: message})
}

// writeSourceError reports a failed upstream call. The provider's own status
// is not passed through: from the caller's side it is always a bad gateway.
func (h *Handler) writeSourceError(w http.ResponseWriter, r *http.Request, err error) {
	event := zerolog.Ctx(r.Context()).Warn().Err(err)

	var statusErr *ratelimit.StatusError
	if errors.As(err, &statusErr) {
		event = event.Int("providerStatus", statusErr.StatusCode)
	}
	event.Str("path", r.URL.Path).Msg("metadata source request failed")

	if errors.Is(err, context.Canceled) {
		return
	}
	h.writeError(w, r, http.StatusBadGateway, err.Error())
}

// normalizeAddresses lower-cases, trims and deduplicates addresses
func normalizeAddresses(addresses []string) ([]string, error) {
	seen := make(map[string]bool, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		key := metadata.NormalizeAddress(a)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	if len(out) > maxAddresses {
		return nil, errors.New("too many addresses, max " + strconv.Itoa(maxAddresses))
	}
	return out, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// parseLimit parses an optional positive limit, clamped to max
func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
