package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/adapters/community"
	"github.com/nexus-trading/trenchwatch/internal/adapters/dexpaprika"
	"github.com/nexus-trading/trenchwatch/internal/adapters/dexscreener"
	"github.com/nexus-trading/trenchwatch/internal/adapters/jupiter"
	"github.com/nexus-trading/trenchwatch/internal/admins"
	"github.com/nexus-trading/trenchwatch/internal/audit"
	"github.com/nexus-trading/trenchwatch/internal/coin"
	"github.com/nexus-trading/trenchwatch/internal/enrich"
	"github.com/nexus-trading/trenchwatch/internal/intake"
	"github.com/nexus-trading/trenchwatch/internal/notify"
	"github.com/nexus-trading/trenchwatch/internal/observability"
	"github.com/nexus-trading/trenchwatch/internal/schedule"
	"github.com/nexus-trading/trenchwatch/internal/sniper"
	"github.com/nexus-trading/trenchwatch/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	addrA = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	addrB = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

type nopScheduler struct{}

func (nopScheduler) After(string, time.Duration, schedule.Job) {}
func (nopScheduler) Cancel(string) bool                        { return false }

type harness struct {
	srv     *Server
	store   *memory.Store
	comm    *community.StubClient
	orders  *dexscreener.StubClient
	pools   *dexpaprika.StubClient
	metrics *observability.Metrics
	trail   *audit.Trail
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   memory.New(),
		comm:    community.NewStubClient(),
		orders:  dexscreener.NewStubClient(),
		pools:   dexpaprika.NewStubClient(),
		metrics: observability.NewMetrics(),
		trail:   audit.NewTrail(nil, 100),
	}
	agg := admins.New(h.store, notify.Nop{})
	dex := enrich.NewDexChecker(h.store, h.orders, nopScheduler{}, agg, enrich.DexConfig{})
	cfg := enrich.DefaultATHConfig()
	cfg.Spacing = time.Millisecond
	ath := enrich.NewATHProcessor(h.store, h.pools, agg, cfg)
	snp := sniper.NewEngine(h.store, agg, sniper.NewStoreCache(h.store, sniper.DefaultTTL), notify.Nop{})
	snp.SetTrail(h.trail)
	in := intake.New(intake.Deps{
		Store:      h.store,
		Community:  h.comm,
		Metadata:   jupiter.NewStubClient(),
		Dex:        dex,
		Sniper:     snp,
		Aggregator: agg,
		Scheduler:  nopScheduler{},
	}, intake.DefaultConfig())

	h.srv = New(context.Background(), Deps{
		Store:   h.store,
		Intake:  in,
		Dex:     dex,
		ATH:     ath,
		Admins:  agg,
		Sniper:  snp,
		Metrics: h.metrics,
		Audit:   h.trail,
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, r)
	return rec
}

func (h *harness) seedCoin(t *testing.T, addr, admin string, createdAgo time.Duration) {
	t.Helper()
	c := coin.New(addr, time.Now().Add(-createdAgo))
	c.AdminName = admin
	c.Name = addr[:6]
	if createdAgo > 0 {
		created := time.Now().Add(-createdAgo)
		c.CreatedAt = &created
	}
	ok, err := h.store.AddIfNew(context.Background(), c)
	require.NoError(t, err)
	require.True(t, ok)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(v))
}

// ---------------------------------------------------------------------------
// Discoveries and coins
// ---------------------------------------------------------------------------

func TestDiscovery_AcceptedThenVisible(t *testing.T) {
	h := newHarness(t)
	h.comm.Set(&community.Info{CommunityID: "c1", AdminName: "alice"})

	rec := h.do(t, http.MethodPost, "/discoveries", `{"address":"`+addrA+`","community_id":"c1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp discoveryResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.Accepted)
	assert.Equal(t, intake.Accepted, resp.Reason)

	rec = h.do(t, http.MethodGet, "/coins/"+addrA, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var c coin.Coin
	decodeBody(t, rec, &c)
	assert.Equal(t, "alice", c.AdminName)
	assert.Equal(t, coin.DexUnknown, c.DexStatus)

	rec = h.do(t, http.MethodPost, "/discoveries", `{"address":"`+addrA+`","community_id":"c1"}`)
	decodeBody(t, rec, &resp)
	assert.False(t, resp.Accepted)
	assert.Equal(t, intake.RejectSeen, resp.Reason)
}

func TestDiscovery_BadInput(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/discoveries", `{"address":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp discoveryResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, intake.RejectInvalid, resp.Reason)

	rec = h.do(t, http.MethodPost, "/discoveries", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/discoveries", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCoin_NotFoundAndDelete(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/coins/"+addrA, "").Code)

	h.seedCoin(t, addrA, "alice", 0)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodDelete, "/coins/"+addrA, "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/coins/"+addrA, "").Code)
}

func TestDexStatus_ReadOnly(t *testing.T) {
	h := newHarness(t)
	h.seedCoin(t, addrA, "alice", 0)
	h.orders.Set(addrA, &dexscreener.Order{Status: "approved", PaymentTimestamp: 1_700_000_000})

	rec := h.do(t, http.MethodGet, "/coins/"+addrA+"/dex", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep enrich.StatusReport
	decodeBody(t, rec, &rep)
	assert.True(t, rep.Approved)

	c, err := h.store.Get(context.Background(), addrA)
	require.NoError(t, err)
	assert.Equal(t, coin.DexUnknown, c.DexStatus)
}

func TestCommunityMeta_RequiresID(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/coins/"+addrA+"/community", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ---------------------------------------------------------------------------
// Admins
// ---------------------------------------------------------------------------

func TestAdmins_TagAndSummary(t *testing.T) {
	h := newHarness(t)
	h.seedCoin(t, addrA, "alice", time.Hour)

	rec := h.do(t, http.MethodPut, "/admins/alice/tag", `{"tag":"Alpha"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/admins/tags", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tags tagsResponse
	decodeBody(t, rec, &tags)
	assert.Equal(t, "Alpha", tags.Admins["alice"])
	assert.Equal(t, []string{"Alpha"}, tags.Tags)
	assert.Contains(t, tags.Categories, "Blacklist")

	rec = h.do(t, http.MethodGet, "/admins/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sum admins.Summary
	decodeBody(t, rec, &sum)
	assert.Equal(t, 1, sum.CoinCount)
	assert.Equal(t, "Alpha", sum.Admin.Tag)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/admins/bob", "").Code)
}

func TestAdmins_AddCategory(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/admins/categories", `{"label":"Whale"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Whale")
}

// ---------------------------------------------------------------------------
// Sniper rules
// ---------------------------------------------------------------------------

func TestSniperRules_RoundTrip(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPut, "/sniper/rules", `{"coin_count_enabled":true,"coin_count_min":5,"coin_count_max":2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPut, "/sniper/rules", `{"followers_enabled":true,"followers_min":1000}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/sniper/rules", "")
	var r sniper.Rules
	decodeBody(t, rec, &r)
	assert.True(t, r.FollowersEnabled)
	assert.Equal(t, int64(1000), r.FollowersMin)
}

// ---------------------------------------------------------------------------
// ATH
// ---------------------------------------------------------------------------

func TestATHForce(t *testing.T) {
	h := newHarness(t)
	h.seedCoin(t, addrA, "alice", 2*time.Hour)
	h.seedCoin(t, addrB, "bob", 0)
	h.pools.SetPools(addrA, dexpaprika.Pool{ID: "poolA", DexName: "pump.fun"})
	h.pools.SetHighs("poolA", true, "0.00001")

	rec := h.do(t, http.MethodPost, "/ath/"+addrA, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ath":"10000"`)

	rec = h.do(t, http.MethodPost, "/ath/"+addrB, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestATHRun_Background(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/ath/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	h.srv.Wait()
	assert.Equal(t, int64(1), h.srv.ATH.Stats().Runs)

	rec = h.do(t, http.MethodPost, "/ath/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cancel_requested":false`)
}

func TestATHRecalculate_NothingToReset(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/ath/recalculate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reset":0`)
}

// ---------------------------------------------------------------------------
// Maintenance, stats, metrics
// ---------------------------------------------------------------------------

func TestMaintenance_PruneDryRun(t *testing.T) {
	h := newHarness(t)
	h.seedCoin(t, addrA, "alice", 72*time.Hour)

	rec := h.do(t, http.MethodPost, "/maintenance/prune", `{"older_than_days":1,"dry_run":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"selected":1`)

	_, err := h.store.Get(context.Background(), addrA)
	assert.NoError(t, err)
}

func TestMaintenance_ConsolidateEmptyBody(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/maintenance/consolidate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"removed":0`)
}

func TestStatsAndMetrics(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]json.RawMessage
	decodeBody(t, rec, &stats)
	for _, k := range []string{"intake", "dex", "ath", "sniper"} {
		assert.Contains(t, stats, k)
	}

	rec = h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trenchwatch_http_seconds_count")

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health", "").Code)
}

func TestAudit_RecordsEdits(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPut, "/admins/alice/tag", `{"tag":"Alpha"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPut, "/admins/alice/notes", `{"notes":"watch"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPut, "/admins/bob/notes", `{"notes":"meh"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/audit?admin=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []audit.Entry
	decodeBody(t, rec, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, "notes", entries[0].Decision)
	assert.Equal(t, "tag", entries[1].Decision)
	assert.JSONEq(t, `{"tag":"Alpha"}`, string(entries[1].Payload))

	rec = h.do(t, http.MethodGet, "/audit?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].Admin)

	rec = h.do(t, http.MethodGet, "/audit?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAudit_DryRunPruneNotRecorded(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/maintenance/prune", `{"older_than_days":1,"dry_run":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, h.trail.Len())

	rec = h.do(t, http.MethodPost, "/maintenance/prune", `{"older_than_days":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	got := h.trail.Query(audit.Filter{EventType: audit.EventMaintenance})
	require.Len(t, got, 1)
	assert.Equal(t, "prune", got[0].Decision)
}
