package dexpaprika

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/adapters"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// DexPaprika: pool search and hourly OHLCV candles
// ---------------------------------------------------------------------------

const (
	DefaultBaseURL = "https://api.dexpaprika.com"
	candleLimit    = 60
	candleInterval = "1h"
)

// Pool is one pool search hit.
type Pool struct {
	ID      string `json:"id"`
	DexID   string `json:"dex_id"`
	DexName string `json:"dex_name"`
	Chain   string `json:"chain,omitempty"`
}

// Candle is one OHLCV bar. Only High feeds the ATH estimate.
type Candle struct {
	TimeOpen string          `json:"time_open"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
}

// PoolClient covers the two lookups used by the ATH processor.
type PoolClient interface {
	SearchPools(ctx context.Context, address string) ([]Pool, error)
	Candles(ctx context.Context, pool string, start time.Time, inversed bool) ([]Candle, error)
}

// PreferredPool returns the pool on venue (case-insensitive), else the first
// pool, else "".
func PreferredPool(pools []Pool, venue string) string {
	if len(pools) == 0 {
		return ""
	}
	venue = strings.ToLower(venue)
	for _, p := range pools {
		if venue != "" && strings.ToLower(p.DexName) == venue && p.ID != "" {
			return p.ID
		}
	}
	return pools[0].ID
}

// MaxHigh returns the largest high across candles and false when empty.
func MaxHigh(candles []Candle) (decimal.Decimal, bool) {
	if len(candles) == 0 {
		return decimal.Zero, false
	}
	max := candles[0].High
	for _, c := range candles[1:] {
		if c.High.GreaterThan(max) {
			max = c.High
		}
	}
	return max, true
}

type APIClient struct {
	baseURL string
	client  *adapters.Client
}

func NewAPIClient(baseURL string, cfg adapters.ClientConfig) *APIClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	cfg.Name = "dexpaprika"
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  adapters.NewClient(cfg),
	}
}

// SearchPools returns pools matching address. No match is (nil, nil).
func (c *APIClient) SearchPools(ctx context.Context, address string) ([]Pool, error) {
	q := url.Values{}
	q.Set("query", address)

	var resp struct {
		Pools []Pool `json:"pools"`
	}
	if err := c.client.GetJSON(ctx, c.baseURL+"/search?"+q.Encode(), &resp); err != nil {
		if errors.Is(err, adapters.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("dexpaprika: search %s: %w", address, err)
	}
	return resp.Pools, nil
}

// Candles fetches up to 60 hourly candles from the start day.
func (c *APIClient) Candles(ctx context.Context, pool string, start time.Time, inversed bool) ([]Candle, error) {
	q := url.Values{}
	q.Set("start", start.UTC().Format("2006-01-02"))
	q.Set("limit", strconv.Itoa(candleLimit))
	q.Set("interval", candleInterval)
	q.Set("inversed", strconv.FormatBool(inversed))
	endpoint := fmt.Sprintf("%s/networks/solana/pools/%s/ohlcv?%s", c.baseURL, url.PathEscape(pool), q.Encode())

	var candles []Candle
	if err := c.client.GetJSON(ctx, endpoint, &candles); err != nil {
		if errors.Is(err, adapters.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("dexpaprika: ohlcv %s: %w", pool, err)
	}
	log.Debug().
		Str("pool", pool).
		Bool("inversed", inversed).
		Int("candles", len(candles)).
		Msg("dexpaprika: ohlcv")
	return candles, nil
}

func (c *APIClient) Stats() adapters.ClientStats {
	return c.client.Stats()
}

// ---------------------------------------------------------------------------
// Stub client for development/testing
// ---------------------------------------------------------------------------

// StubClient serves pools per address and candles per (pool, orientation).
type StubClient struct {
	mu        sync.Mutex
	pools     map[string][]Pool
	candles   map[string][]Candle
	candErr   map[string]error
	SearchErr error
	requests  []string
}

func NewStubClient() *StubClient {
	return &StubClient{
		pools:   make(map[string][]Pool),
		candles: make(map[string][]Candle),
		candErr: make(map[string]error),
	}
}

func candleKey(pool string, inversed bool) string {
	return pool + "|" + strconv.FormatBool(inversed)
}

func (s *StubClient) SetPools(address string, pools ...Pool) {
	s.mu.Lock()
	s.pools[address] = pools
	s.mu.Unlock()
}

// SetHighs registers candles with the given highs for one orientation.
func (s *StubClient) SetHighs(pool string, inversed bool, highs ...string) {
	candles := make([]Candle, 0, len(highs))
	for _, h := range highs {
		candles = append(candles, Candle{High: decimal.RequireFromString(h)})
	}
	s.mu.Lock()
	s.candles[candleKey(pool, inversed)] = candles
	s.mu.Unlock()
}

func (s *StubClient) SetCandleError(pool string, inversed bool, err error) {
	s.mu.Lock()
	s.candErr[candleKey(pool, inversed)] = err
	s.mu.Unlock()
}

func (s *StubClient) SearchPools(_ context.Context, address string) ([]Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, "search:"+address)
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	return s.pools[address], nil
}

func (s *StubClient) Candles(_ context.Context, pool string, _ time.Time, inversed bool) ([]Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := candleKey(pool, inversed)
	s.requests = append(s.requests, "ohlcv:"+key)
	if err := s.candErr[key]; err != nil {
		return nil, err
	}
	return s.candles[key], nil
}

// Requests returns the ordered request log.
func (s *StubClient) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}
