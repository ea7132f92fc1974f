package jupiter

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/adapters"
	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Jupiter token API: metadata lookup by mint address
// https://dev.jup.ag/docs/token-api/v2
// ---------------------------------------------------------------------------

const DefaultBaseURL = "https://lite-api.jup.ag"

// TokenMeta is the subset of the token search response used for enrichment.
type TokenMeta struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Symbol      string     `json:"symbol"`
	Dev         string     `json:"dev,omitempty"`
	FirstPool   *FirstPool `json:"firstPool,omitempty"`
	GraduatedAt string     `json:"graduatedAt,omitempty"`
}

// FirstPool is the earliest trading pool for the token.
type FirstPool struct {
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
}

// DisplayName prefers symbol, then name, then an address-derived placeholder.
func (m *TokenMeta) DisplayName(address string) string {
	if m != nil {
		if s := strings.TrimSpace(m.Symbol); s != "" {
			return s
		}
		if s := strings.TrimSpace(m.Name); s != "" {
			return s
		}
	}
	return coin.PlaceholderName(address)
}

// PoolCreatedAt parses the first pool creation time.
func (m *TokenMeta) PoolCreatedAt() *time.Time {
	if m == nil || m.FirstPool == nil {
		return nil
	}
	return parseTime(m.FirstPool.CreatedAt)
}

// GraduatedTime parses the migration time.
func (m *TokenMeta) GraduatedTime() *time.Time {
	if m == nil {
		return nil
	}
	return parseTime(m.GraduatedAt)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// MetadataClient resolves token metadata. A nil result with a nil error
// means the token is unknown upstream.
type MetadataClient interface {
	TokenMeta(ctx context.Context, address string) (*TokenMeta, error)
}

// APIClient is the live Jupiter token search client.
type APIClient struct {
	baseURL string
	client  *adapters.Client
}

// NewAPIClient creates a client for baseURL using cfg for transport policy.
func NewAPIClient(baseURL string, cfg adapters.ClientConfig) *APIClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	cfg.Name = "jupiter"
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  adapters.NewClient(cfg),
	}
}

// TokenMeta searches by address and returns the exact match, else the first result.
func (c *APIClient) TokenMeta(ctx context.Context, address string) (*TokenMeta, error) {
	q := url.Values{}
	q.Set("query", address)
	queryURL := c.baseURL + "/tokens/v2/search?" + q.Encode()

	var results []TokenMeta
	if err := c.client.GetJSON(ctx, queryURL, &results); err != nil {
		if errors.Is(err, adapters.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("jupiter: token search: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	match := &results[0]
	for i := range results {
		if results[i].ID == address {
			match = &results[i]
			break
		}
	}

	log.Debug().
		Str("address", address).
		Str("symbol", match.Symbol).
		Bool("has_pool", match.FirstPool != nil).
		Msg("jupiter: token meta")
	return match, nil
}

// Stats returns transport counters.
func (c *APIClient) Stats() adapters.ClientStats {
	return c.client.Stats()
}

// ---------------------------------------------------------------------------
// Stub client for development/testing
// ---------------------------------------------------------------------------

// StubClient serves metadata from an in-memory map.
type StubClient struct {
	mu    sync.Mutex
	Metas map[string]*TokenMeta
	Err   error
	Calls int
}

// NewStubClient creates an empty stub.
func NewStubClient() *StubClient {
	return &StubClient{Metas: make(map[string]*TokenMeta)}
}

// Set registers metadata for address.
func (s *StubClient) Set(address string, meta *TokenMeta) {
	s.mu.Lock()
	s.Metas[address] = meta
	s.mu.Unlock()
}

func (s *StubClient) TokenMeta(_ context.Context, address string) (*TokenMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Metas[address], nil
}

// CallCount returns the number of lookups served.
func (s *StubClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls
}
