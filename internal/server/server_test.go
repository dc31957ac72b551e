package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenmeta/internal/config"
	"tokenmeta/internal/metadata"
	"tokenmeta/internal/metrics"
	"tokenmeta/internal/ratelimit"
	"tokenmeta/internal/status"
)

const (
	addrA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	addrB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeSource struct {
	tokens map[string]metadata.TokenMetadata

	mu      sync.Mutex
	err     error
	batches [][]string
}

func (s *fakeSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeSource) currentErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSource) FetchBatch(ctx context.Context, addresses []string) ([]metadata.TokenMetadata, error) {
	s.mu.Lock()
	s.batches = append(s.batches, addresses)
	err := s.err
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	var out []metadata.TokenMetadata
	for _, a := range addresses {
		if t, ok := s.tokens[a]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeSource) Batches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.batches...)
}

func (s *fakeSource) Search(ctx context.Context, query string, limit int) ([]metadata.TokenMetadata, error) {
	if err := s.currentErr(); err != nil {
		return nil, err
	}
	var out []metadata.TokenMetadata
	for _, t := range s.tokens {
		if strings.EqualFold(t.Symbol, query) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeSource) TopTokens(ctx context.Context, limit int) ([]metadata.TokenMetadata, error) {
	if err := s.currentErr(); err != nil {
		return nil, err
	}
	out := []metadata.TokenMetadata{s.tokens[addrA], s.tokens[addrB]}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

type fakePrices struct{}

func (fakePrices) Prices(ctx context.Context, addresses []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, a := range addresses {
		if a == addrA {
			out[a] = 1.5
		}
	}
	return out, nil
}

type fakeLimiter struct{}

func (fakeLimiter) Status() ratelimit.Status {
	return ratelimit.Status{CanMakeRequest: true, MaxRequests: 30}
}

type testEnv struct {
	source *fakeSource
	cache  *metadata.Cache
	server *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T, withPrices bool) *testEnv {
	t.Helper()

	src := &fakeSource{tokens: map[string]metadata.TokenMetadata{
		addrA: {Address: addrA, Symbol: "AAA", Name: "Token A", Decimals: 18, Verified: true},
		addrB: {Address: addrB, Symbol: "BBB", Name: "Token B", Decimals: 6},
	}}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cache, err := metadata.NewCache(src, metadata.Options{
		TTL:            time.Minute,
		CoalesceWindow: time.Second,
		Metrics:        m,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	cfg := &config.Config{
		MaxBodySize:          256,
		StatusStreamInterval: 20,
	}
	deps := Deps{
		Cache:    cache,
		Source:   src,
		Status:   status.NewCollector(fakeLimiter{}, cache, nil),
		Metrics:  m,
		Gatherer: reg,
	}
	if withPrices {
		deps.Prices = fakePrices{}
	}

	srv := New(cfg, deps, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	return &testEnv{source: src, cache: cache, server: srv, http: ts}
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (e *testEnv) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(e.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeTokens(t *testing.T, body []byte) []metadata.TokenMetadata {
	t.Helper()
	var resp metadata.TokensResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotNil(t, resp.Tokens)
	return resp.Tokens
}

func decodeError(t *testing.T, body []byte) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Error
}

func TestBatchEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	resp, body := env.post(t, "/api/tokens/batch", `{"addresses":["`+strings.ToUpper(addrA[2:])+`","`+addrA+`","`+addrB+`"," `+addrA+` "]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	tokens := decodeTokens(t, body)
	assert.Len(t, tokens, 2)

	batches := env.source.Batches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)
}

func TestBatchEndpoint_Errors(t *testing.T) {
	env := newTestEnv(t, false)

	resp, body := env.post(t, "/api/tokens/batch", `{"addresses":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid request body", decodeError(t, body))

	resp, body = env.post(t, "/api/tokens/batch", `{"addresses":["`+strings.Repeat("a", 300)+`"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "request body too large", decodeError(t, body))

	resp, body = env.post(t, "/api/tokens/batch", `{"addresses":[]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeTokens(t, body))

	env.source.setErr(ratelimit.ErrRateLimited)
	resp, body = env.post(t, "/api/tokens/batch", `{"addresses":["`+addrA+`"]}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, decodeError(t, body), "rate limited")

	resp, _ = env.get(t, "/api/tokens/batch")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTokensEndpoint_UsesCache(t *testing.T) {
	env := newTestEnv(t, false)

	resp, body := env.get(t, "/api/tokens?addresses="+addrA+","+strings.ToUpper(addrB)+",unknown")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeTokens(t, body), 2)

	resp, body = env.get(t, "/api/tokens?addresses="+addrB+","+addrA)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeTokens(t, body), 2)
	assert.Len(t, env.source.Batches(), 1)

	resp, body = env.get(t, "/api/tokens")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "addresses is required", decodeError(t, body))
}

func TestTokenEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	resp, body := env.get(t, "/api/tokens/"+strings.ToUpper(addrA))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var token metadata.TokenMetadata
	require.NoError(t, json.Unmarshal(body, &token))
	assert.Equal(t, "AAA", token.Symbol)
	assert.Equal(t, addrA, token.Address)

	resp, body = env.get(t, "/api/tokens/0xcccccccccccccccccccccccccccccccccccccccc")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "token not found", decodeError(t, body))
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	resp, body := env.get(t, "/api/tokens/search?q=bbb&limit=5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decodeTokens(t, body)
	require.Len(t, tokens, 1)
	assert.Equal(t, "BBB", tokens[0].Symbol)
	assert.Equal(t, 1, env.cache.Stats().ValidEntries)

	resp, _ = env.get(t, "/api/tokens/search")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.get(t, "/api/tokens/search?q=aaa&limit=zero")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "limit must be a positive integer", decodeError(t, body))

	env.source.setErr(errors.New("provider down"))
	resp, _ = env.get(t, "/api/tokens/search?q=aaa")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestPopularEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	resp, body := env.get(t, "/api/tokens/popular?limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decodeTokens(t, body)
	require.Len(t, tokens, 1)
	assert.Equal(t, "AAA", tokens[0].Symbol)
}

func TestPricesEndpoint(t *testing.T) {
	env := newTestEnv(t, true)

	resp, body := env.get(t, "/api/prices?addresses="+addrA+","+addrB)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var prices PricesResponse
	require.NoError(t, json.Unmarshal(body, &prices))
	assert.Equal(t, map[string]float64{addrA: 1.5}, prices.Prices)

	withoutPrices := newTestEnv(t, false)
	resp, _ = withoutPrices.get(t, "/api/prices?addresses="+addrA)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	env.cache.GetBatchMetadata(context.Background(), []string{addrA})

	resp, body := env.get(t, "/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap status.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, 1, snap.Cache.ValidEntries)
	assert.Equal(t, 30, snap.RateLimiter.MaxRequests)
	assert.True(t, snap.RateLimiter.CanMakeRequest)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	env.get(t, "/api/tokens/"+addrA)

	require.Eventually(t, func() bool {
		resp, body := env.get(t, "/metrics")
		return resp.StatusCode == http.StatusOK &&
			strings.Contains(string(body), `tokenmeta_http_requests_total{code="200",route="GET /api/tokens/{address}"} 1`) &&
			strings.Contains(string(body), `tokenmeta_cache_batches_total{outcome="started"} 1`)
	}, time.Second, 10*time.Millisecond)
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, false)

	resp, _ := env.get(t, "/api/status")
	generated := resp.Header.Get(RequestIDHeader)
	assert.Len(t, generated, 36)

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "trace-123")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get(RequestIDHeader))
}

func TestStatusStream(t *testing.T) {
	env := newTestEnv(t, false)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var snap status.Snapshot
		require.NoError(t, conn.ReadJSON(&snap))
		assert.Equal(t, 30, snap.RateLimiter.MaxRequests)
		assert.False(t, snap.Timestamp.IsZero())
	}

	done := make(chan struct{})
	go func() {
		env.server.stream.Close()
		close(done)
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
			break
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close")
	}
}

func TestStatusStream_CloseWithConcurrentRequests(t *testing.T) {
	stream := newStatusStream(nil, time.Second, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// not an upgrade request, so the handler returns right away
			stream.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws/status", nil))
		}()
	}
	stream.Close()
	wg.Wait()

	rec := httptest.NewRecorder()
	stream.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEndpointSourceRoundTrip(t *testing.T) {
	env := newTestEnv(t, false)

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests:    10,
		Window:         time.Minute,
		RequestTimeout: 5 * time.Second,
	}, ratelimit.Options{Logger: zerolog.Nop()})
	defer limiter.Close()

	remote := metadata.NewEndpointSource(env.http.URL, limiter)
	tokens, err := remote.FetchBatch(context.Background(), []string{addrA, addrB})
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	top, err := remote.TopTokens(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)

	found, err := remote.Search(context.Background(), "aaa", 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, addrA, found[0].Address)
}

func TestServer_StartStop(t *testing.T) {
	cfg := &config.Config{Host: "127.0.0.1", Port: 0}
	src := &fakeSource{}
	cache, err := metadata.NewCache(src, metadata.Options{TTL: time.Minute, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer cache.Close()

	srv := New(cfg, Deps{
		Cache:  cache,
		Source: src,
		Status: status.NewCollector(fakeLimiter{}, cache, nil),
	}, zerolog.Nop())
	require.NoError(t, srv.Start())
	require.NotNil(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr().String() + "/api/status")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	_, err = http.Get("http://" + srv.Addr().String() + "/api/status")
	assert.Error(t, err)
}

func TestNormalizeAddresses(t *testing.T) {
	out, err := normalizeAddresses([]string{" 0xAB ", "0xab", "", "0xCD"})
	require.NoError(t, err)
	assert.Equal(t, []string{"0xab", "0xcd"}, out)

	many := make([]string, maxAddresses+1)
	for i := range many {
		many[i] = "0x" + strings.Repeat("0", 10) + string(rune('a'+i%26)) + strings.Repeat("1", i/26+1)
	}
	_, err = normalizeAddresses(many)
	assert.Error(t, err)
}
