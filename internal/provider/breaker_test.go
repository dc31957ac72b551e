package provider

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenmeta/internal/config"
	"tokenmeta/internal/ratelimit"
)

type stubRequester struct {
	calls atomic.Int32
	err   error
}

func (s *stubRequester) Request(ctx context.Context, url string, opts *ratelimit.RequestOptions) ([]byte, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return []byte(`{}`), nil
}

func testBreakerConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		Enabled:             true,
		FailureThreshold:    3,
		RecoveryTimeout:     50,
		HalfOpenMaxRequests: 1,
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	stub := &stubRequester{err: ratelimit.ErrRequestFailed}
	b := NewBreaker(stub, testBreakerConfig(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Request(ctx, "http://provider/x", nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ratelimit.ErrRequestFailed))
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Request(ctx, "http://provider/x", nil)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, int32(3), stub.calls.Load())
}

func TestBreaker_RecoversAfterTimeout(t *testing.T) {
	stub := &stubRequester{err: ratelimit.ErrRequestFailed}
	b := NewBreaker(stub, testBreakerConfig(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Request(ctx, "http://provider/x", nil)
	}
	require.Equal(t, "open", b.State())

	stub.err = nil
	time.Sleep(80 * time.Millisecond)

	body, err := b.Request(ctx, "http://provider/x", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), body)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_NotFoundDoesNotTrip(t *testing.T) {
	stub := &stubRequester{err: &ratelimit.StatusError{StatusCode: http.StatusNotFound}}
	b := NewBreaker(stub, testBreakerConfig(), zerolog.Nop())

	for i := 0; i < 5; i++ {
		_, err := b.Request(context.Background(), "http://provider/x", nil)
		require.Error(t, err)
	}
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, int32(5), stub.calls.Load())
}
