package dexscreener

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/nexus-trading/trenchwatch/internal/adapters"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Dexscreener orders API: paid listing status per token
// ---------------------------------------------------------------------------

const DefaultBaseURL = "https://api.dexscreener.com"

// Order is one listing order for a token.
type Order struct {
	ChainID          string `json:"chainId,omitempty"`
	TokenAddress     string `json:"tokenAddress,omitempty"`
	Type             string `json:"type,omitempty"`
	Status           string `json:"status,omitempty"`
	PaymentTimestamp int64  `json:"paymentTimestamp,omitempty"`
}

// Approved reports whether the status normalizes to approved or paid.
func (o *Order) Approved() bool {
	if o == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(o.Status)) {
	case "approved", "paid":
		return true
	}
	return false
}

// OrderClient looks up order status. A nil order with a nil error means no
// order exists.
type OrderClient interface {
	Order(ctx context.Context, address string) (*Order, error)
}

type APIClient struct {
	baseURL string
	client  *adapters.Client
}

func NewAPIClient(baseURL string, cfg adapters.ClientConfig) *APIClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	cfg.Name = "dexscreener"
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  adapters.NewClient(cfg),
	}
}

// Order fetches the order for address. The endpoint answers with an array,
// an {"orders": [...]} wrapper or a bare object.
func (c *APIClient) Order(ctx context.Context, address string) (*Order, error) {
	var raw json.RawMessage
	if err := c.client.GetJSON(ctx, c.baseURL+"/orders/v1/solana/"+url.PathEscape(address), &raw); err != nil {
		if errors.Is(err, adapters.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("dexscreener: order %s: %w", address, err)
	}

	order, err := decodeOrder(raw, address)
	if err != nil {
		return nil, fmt.Errorf("dexscreener: decode order %s: %w", address, err)
	}
	if order != nil {
		log.Debug().
			Str("address", address).
			Str("status", order.Status).
			Int64("payment_ts", order.PaymentTimestamp).
			Msg("dexscreener: order")
	}
	return order, nil
}

func decodeOrder(raw json.RawMessage, address string) (*Order, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '[' {
		var orders []Order
		if err := json.Unmarshal(raw, &orders); err != nil {
			return nil, err
		}
		return pick(orders, address), nil
	}

	var wrapper struct {
		Orders []Order `json:"orders"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, err
	}
	if wrapper.Orders != nil {
		return pick(wrapper.Orders, address), nil
	}

	var single Order
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return &single, nil
}

func pick(orders []Order, address string) *Order {
	if len(orders) == 0 {
		return nil
	}
	lower := strings.ToLower(address)
	for i := range orders {
		if strings.ToLower(orders[i].TokenAddress) == lower {
			return &orders[i]
		}
	}
	return &orders[0]
}

func (c *APIClient) Stats() adapters.ClientStats {
	return c.client.Stats()
}

// ---------------------------------------------------------------------------
// Stub client for development/testing
// ---------------------------------------------------------------------------

type StubClient struct {
	mu     sync.Mutex
	orders map[string]*Order
	Err    error
	calls  map[string]int
}

func NewStubClient() *StubClient {
	return &StubClient{orders: make(map[string]*Order), calls: make(map[string]int)}
}

func (s *StubClient) Set(address string, o *Order) {
	s.mu.Lock()
	s.orders[address] = o
	s.mu.Unlock()
}

func (s *StubClient) Order(_ context.Context, address string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[address]++
	if s.Err != nil {
		return nil, s.Err
	}
	o := s.orders[address]
	if o == nil {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

// Calls returns the number of lookups for address.
func (s *StubClient) Calls(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[address]
}
