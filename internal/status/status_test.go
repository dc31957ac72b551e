package status

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenmeta/internal/metadata"
	"tokenmeta/internal/ratelimit"
)

type fakeLimiter struct{ status ratelimit.Status }

func (f fakeLimiter) Status() ratelimit.Status { return f.status }

type fakeCache struct{ stats metadata.Stats }

func (f fakeCache) Stats() metadata.Stats { return f.stats }

type fakeBreaker struct{}

func (fakeBreaker) State() string { return "half-open" }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testCollector(breaker BreakerState) *Collector {
	return NewCollector(
		fakeLimiter{status: ratelimit.Status{CanMakeRequest: true, RequestsInWindow: 3, MaxRequests: 30}},
		fakeCache{stats: metadata.Stats{TotalEntries: 5, ValidEntries: 4, ExpiredEntries: 1}},
		breaker,
	)
}

func TestCollector_Snapshot(t *testing.T) {
	c := testCollector(nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	s := c.Snapshot()
	assert.Equal(t, 3, s.RateLimiter.RequestsInWindow)
	assert.Equal(t, 4, s.Cache.ValidEntries)
	assert.Empty(t, s.Breaker)
	assert.Equal(t, fixed, s.Timestamp)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "cache")
	assert.Contains(t, decoded, "rateLimiter")
	assert.NotContains(t, decoded, "breaker")

	limiter := decoded["rateLimiter"].(map[string]interface{})
	assert.Equal(t, true, limiter["canMakeRequest"])
	assert.Equal(t, float64(30), limiter["maxRequests"])
}

func TestCollector_SnapshotWithBreaker(t *testing.T) {
	s := testCollector(fakeBreaker{}).Snapshot()
	assert.Equal(t, "half-open", s.Breaker)
}

func TestReporter_LogsPeriodically(t *testing.T) {
	buf := &syncBuffer{}
	r := NewReporter(testCollector(fakeBreaker{}), 10*time.Millisecond, zerolog.New(buf))
	r.Start()

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(buf.String()), []byte("governance status"))
	}, time.Second, 5*time.Millisecond)
	r.Stop()

	out := buf.String()
	assert.Contains(t, out, `"component":"status"`)
	assert.Contains(t, out, `"requestsInWindow":3`)
	assert.Contains(t, out, `"breaker":"half-open"`)
}

func TestReporter_DisabledInterval(t *testing.T) {
	buf := &syncBuffer{}
	r := NewReporter(testCollector(nil), 0, zerolog.New(buf))
	r.Start()
	r.Stop()
	assert.Empty(t, buf.String())
}
