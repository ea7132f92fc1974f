package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, retries int) ClientConfig {
	t.Helper()
	cfg := DefaultClientConfig("test")
	cfg.MaxRetries = retries
	cfg.RetryBackoff = time.Millisecond
	cfg.BreakerThreshold = 3
	cfg.BreakerReset = time.Hour
	cfg.Headers = map[string]string{"X-Api-Key": "k"}
	return cfg
}

func TestGetJSON_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("X-Api-Key"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"value": 7}`))
	}))
	defer srv.Close()

	c := NewClient(newTestClient(t, 2))
	var out struct {
		Value int `json:"value"`
	}
	require.NoError(t, c.GetJSON(context.Background(), srv.URL, &out))
	assert.Equal(t, 7, out.Value)
	assert.Equal(t, int32(2), calls.Load())

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(1), stats.Errors)
	assert.False(t, stats.CircuitOpen)
}

func TestGetJSON_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(newTestClient(t, 2))
	err := c.GetJSON(context.Background(), srv.URL, &struct{}{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetJSON_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(newTestClient(t, 0))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.Error(t, c.GetJSON(ctx, srv.URL, &struct{}{}))
	}
	assert.True(t, c.Stats().CircuitOpen)

	err := c.GetJSON(ctx, srv.URL, &struct{}{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load(), "open breaker must not hit the upstream")
}

func TestGetJSON_RateLimitDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(newTestClient(t, 0))
	for i := 0; i < 5; i++ {
		assert.Error(t, c.GetJSON(context.Background(), srv.URL, &struct{}{}))
	}
	assert.False(t, c.Stats().CircuitOpen)
}

func TestGetJSON_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := NewClient(newTestClient(t, 0))
	assert.Error(t, c.GetJSON(context.Background(), srv.URL, &struct{}{}))
}
