package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Upstream HTTP client: JSON GET with retry, backoff and a circuit breaker.
// Shared by every upstream collaborator (metadata, community, orders, pools).
// ---------------------------------------------------------------------------

var (
	// ErrCircuitOpen is returned while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrNotFound is returned for a 404; callers treat it as "no data".
	ErrNotFound = errors.New("upstream: not found")
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Name             string
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	BreakerThreshold int64
	BreakerReset     time.Duration
	Headers          map[string]string
}

// DefaultClientConfig returns a 10s timeout, two retries and a breaker that
// opens after 5 consecutive failures for 30s.
func DefaultClientConfig(name string) ClientConfig {
	return ClientConfig{
		Name:             name,
		Timeout:          10 * time.Second,
		MaxRetries:       2,
		RetryBackoff:     500 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
		Headers:          map[string]string{"Accept": "application/json"},
	}
}

// Client performs JSON GET requests against one upstream.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client

	requestCount atomic.Int64
	errorCount   atomic.Int64
	avgLatencyMs atomic.Int64

	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool
}

// NewClient creates a Client. Zero fields fall back to DefaultClientConfig.
func NewClient(cfg ClientConfig) *Client {
	def := DefaultClientConfig(cfg.Name)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = def.BreakerReset
	}
	if cfg.Headers == nil {
		cfg.Headers = def.Headers
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// GetJSON fetches rawURL and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out any) error {
	if c.circuitOpen.Load() {
		return fmt.Errorf("%s: %w", c.cfg.Name, ErrCircuitOpen)
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		body, status, err := c.do(ctx, rawURL)
		c.requestCount.Add(1)
		if err != nil {
			lastErr = fmt.Errorf("%s: HTTP error: %w", c.cfg.Name, err)
			c.errorCount.Add(1)
			c.recordError()
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}

		switch {
		case status == http.StatusNotFound:
			c.resetErrors()
			return fmt.Errorf("%s: %w", c.cfg.Name, ErrNotFound)
		case status == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%s: rate limited (429)", c.cfg.Name)
			c.errorCount.Add(1)
			continue
		case status != http.StatusOK:
			lastErr = fmt.Errorf("%s: HTTP %d: %s", c.cfg.Name, status, truncate(body, 200))
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%s: parse response: %w", c.cfg.Name, err)
		}

		c.resetErrors()
		latency := time.Since(start).Milliseconds()
		c.avgLatencyMs.Store(latency)
		log.Debug().
			Str("upstream", c.cfg.Name).
			Int64("latency_ms", latency).
			Msg("adapters: response received")
		return nil
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", c.cfg.Name, c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) do(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// recordError increments consecutive errors and opens the circuit breaker.
func (c *Client) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count < c.cfg.BreakerThreshold {
		return
	}
	if c.circuitOpen.CompareAndSwap(false, true) {
		log.Error().Str("upstream", c.cfg.Name).Int64("errors", count).Msg("adapters: CIRCUIT BREAKER OPEN")
		time.AfterFunc(c.cfg.BreakerReset, func() {
			c.circuitOpen.Store(false)
			c.consecutiveErrors.Store(0)
			log.Info().Str("upstream", c.cfg.Name).Msg("adapters: circuit breaker reset")
		})
	}
}

func (c *Client) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// ClientStats are per-upstream counters.
type ClientStats struct {
	Name         string `json:"name"`
	Requests     int64  `json:"requests"`
	Errors       int64  `json:"errors"`
	AvgLatencyMs int64  `json:"avg_latency_ms"`
	CircuitOpen  bool   `json:"circuit_open"`
}

func (c *Client) Stats() ClientStats {
	return ClientStats{
		Name:         c.cfg.Name,
		Requests:     c.requestCount.Load(),
		Errors:       c.errorCount.Load(),
		AvgLatencyMs: c.avgLatencyMs.Load(),
		CircuitOpen:  c.circuitOpen.Load(),
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
