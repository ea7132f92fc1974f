package community

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/adapters"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Community identity lookup (twitter283 on RapidAPI)
// ---------------------------------------------------------------------------

const (
	DefaultBaseURL = "https://twitter283.p.rapidapi.com"
	DefaultHost    = "twitter283.p.rapidapi.com"
)

// Info is the admin identity behind a community.
type Info struct {
	CommunityID    string     `json:"community_id"`
	AdminName      string     `json:"admin_name,omitempty"`
	AdminFollowers *int64     `json:"admin_followers,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
}

// Client resolves community info. A nil result with a nil error means the
// community is unknown upstream.
type Client interface {
	Community(ctx context.Context, communityID string) (*Info, error)
}

// APIClient is the live RapidAPI client.
type APIClient struct {
	baseURL string
	client  *adapters.Client
}

// NewAPIClient creates a client. apiKey and host are sent as RapidAPI headers.
func NewAPIClient(baseURL, host, apiKey string, cfg adapters.ClientConfig) *APIClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if host == "" {
		host = DefaultHost
	}
	cfg.Name = "community"
	cfg.Headers = map[string]string{
		"Accept":          "application/json",
		"x-rapidapi-key":  apiKey,
		"x-rapidapi-host": host,
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  adapters.NewClient(cfg),
	}
}

type communityResponse struct {
	Data struct {
		CommunityResultsByRestID struct {
			Result *struct {
				AdminResults struct {
					Result *struct {
						Core struct {
							ScreenName string `json:"screen_name"`
						} `json:"core"`
						RelationshipCounts struct {
							Followers *json.Number `json:"followers"`
						} `json:"relationship_counts"`
					} `json:"result"`
				} `json:"admin_results"`
				AutomoderationSettings struct {
					CreatedAt json.Number `json:"created_at"`
				} `json:"automoderation_settings"`
			} `json:"result"`
		} `json:"community_results_by_rest_id"`
	} `json:"data"`
}

// Community fetches admin identity and community creation time.
func (c *APIClient) Community(ctx context.Context, communityID string) (*Info, error) {
	if communityID == "" {
		return nil, nil
	}
	q := url.Values{}
	q.Set("community_id", communityID)

	var resp communityResponse
	if err := c.client.GetJSON(ctx, c.baseURL+"/CommunityResultsById?"+q.Encode(), &resp); err != nil {
		if errors.Is(err, adapters.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("community: lookup %s: %w", communityID, err)
	}

	result := resp.Data.CommunityResultsByRestID.Result
	if result == nil {
		return nil, nil
	}

	info := &Info{CommunityID: communityID}
	if admin := result.AdminResults.Result; admin != nil {
		info.AdminName = strings.TrimSpace(admin.Core.ScreenName)
		if n := admin.RelationshipCounts.Followers; n != nil {
			if v, err := n.Int64(); err == nil {
				info.AdminFollowers = &v
			}
		}
	}
	if ms, err := result.AutomoderationSettings.CreatedAt.Int64(); err == nil && ms > 0 {
		t := time.UnixMilli(ms).UTC()
		info.CreatedAt = &t
	}

	log.Debug().
		Str("community", communityID).
		Str("admin", info.AdminName).
		Msg("community: resolved")
	return info, nil
}

// Stats returns transport counters.
func (c *APIClient) Stats() adapters.ClientStats {
	return c.client.Stats()
}

// ---------------------------------------------------------------------------
// Stub client for development/testing
// ---------------------------------------------------------------------------

type StubClient struct {
	mu    sync.Mutex
	infos map[string]*Info
	Err   error
	calls int
}

func NewStubClient() *StubClient {
	return &StubClient{infos: make(map[string]*Info)}
}

func (s *StubClient) Set(info *Info) {
	s.mu.Lock()
	s.infos[info.CommunityID] = info
	s.mu.Unlock()
}

func (s *StubClient) Community(_ context.Context, communityID string) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.Err != nil {
		return nil, s.Err
	}
	return s.infos[communityID], nil
}

func (s *StubClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
