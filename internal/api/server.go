package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/admins"
	"github.com/nexus-trading/trenchwatch/internal/audit"
	"github.com/nexus-trading/trenchwatch/internal/enrich"
	"github.com/nexus-trading/trenchwatch/internal/intake"
	"github.com/nexus-trading/trenchwatch/internal/notify"
	"github.com/nexus-trading/trenchwatch/internal/observability"
	"github.com/nexus-trading/trenchwatch/internal/sniper"
	"github.com/nexus-trading/trenchwatch/internal/store"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// HTTP control surface: discovery ingest, coin/admin views, manual triggers
// ---------------------------------------------------------------------------

const maxBody = 1 << 20

// Deps are the components the API drives. WS, Hub, Health, Metrics and
// Audit are optional.
type Deps struct {
	Store   store.Store
	Intake  *intake.Intake
	Dex     *enrich.DexChecker
	ATH     *enrich.ATHProcessor
	Admins  *admins.Aggregator
	Sniper  *sniper.Engine
	Hub     *notify.Hub
	WS      *notify.WSHub
	Health  *observability.HealthMonitor
	Metrics *observability.Metrics
	Audit   *audit.Trail

	// ExtraStats adds sections to GET /stats.
	ExtraStats func() map[string]any
}

// Server serves the HTTP API. Long-running ATH work started from a request
// runs in the background under the server's base context.
type Server struct {
	Deps
	base context.Context
	mux  *http.ServeMux
	now  func() time.Time
	bg   sync.WaitGroup
}

func New(base context.Context, d Deps) *Server {
	s := &Server{Deps: d, base: base, mux: http.NewServeMux(), now: time.Now}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /discoveries", s.handleDiscovery)

	s.mux.HandleFunc("GET /coins/{address}", s.handleGetCoin)
	s.mux.HandleFunc("DELETE /coins/{address}", s.handleDeleteCoin)
	s.mux.HandleFunc("GET /coins/{address}/dex", s.handleDexStatus)
	s.mux.HandleFunc("POST /coins/{address}/community", s.handleCommunityMeta)
	s.mux.HandleFunc("POST /coins/{address}/refetch", s.handleRefetch)

	s.mux.HandleFunc("GET /admins/tags", s.handleTags)
	s.mux.HandleFunc("POST /admins/categories", s.handleAddCategory)
	s.mux.HandleFunc("GET /admins/{name}", s.handleAdmin)
	s.mux.HandleFunc("PUT /admins/{name}/tag", s.handleSetTag)
	s.mux.HandleFunc("PUT /admins/{name}/notes", s.handleSetNotes)
	s.mux.HandleFunc("GET /community-cache", s.handleCommunityCache)

	s.mux.HandleFunc("GET /sniper/rules", s.handleGetRules)
	s.mux.HandleFunc("PUT /sniper/rules", s.handlePutRules)

	s.mux.HandleFunc("POST /ath/run", s.handleATHRun)
	s.mux.HandleFunc("POST /ath/cancel", s.handleATHCancel)
	s.mux.HandleFunc("POST /ath/refresh", s.handleATHRefresh)
	s.mux.HandleFunc("POST /ath/recalculate", s.handleATHRecalculate)
	s.mux.HandleFunc("POST /ath/{address}", s.handleATHForce)

	s.mux.HandleFunc("POST /maintenance/consolidate", s.handleConsolidate)
	s.mux.HandleFunc("POST /maintenance/prune", s.handlePrune)
	s.mux.HandleFunc("GET /audit", s.handleAudit)

	if s.WS != nil {
		s.mux.Handle("GET /ws", s.WS)
	}
	if s.Health != nil {
		s.mux.Handle("GET /health", s.Health)
	} else {
		s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	s.mux.HandleFunc("GET /stats", s.handleStats)
	if s.Metrics != nil {
		s.mux.Handle("GET /metrics", observability.NewPrometheusExporter(s.Metrics.Registry))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Metrics != nil {
		defer s.Metrics.HTTPSeconds.ObserveSince(time.Now())
	}
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe blocks until ctx is cancelled, then shuts down and waits
// for background ATH work.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("api: listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api: shutdown")
	}
	s.Wait()
	return nil
}

// Wait blocks until background work started by requests finishes.
func (s *Server) Wait() {
	s.bg.Wait()
}

// ---------------------------------------------------------------------------
// Discoveries and coins
// ---------------------------------------------------------------------------

type discoveryResponse struct {
	Accepted bool          `json:"accepted"`
	Reason   intake.Reason `json:"reason"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	var d intake.Discovery
	if !decode(w, r, &d) {
		return
	}
	reason, err := s.Intake.Submit(r.Context(), d)
	if err != nil && !errors.Is(err, intake.ErrInvalidAddress) {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if errors.Is(err, intake.ErrInvalidAddress) {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, discoveryResponse{Accepted: reason == intake.Accepted, Reason: reason})
}

func (s *Server) handleGetCoin(w http.ResponseWriter, r *http.Request) {
	c, err := s.Store.Get(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCoin(w http.ResponseWriter, r *http.Request) {
	n, err := s.Store.DeleteByAddresses(r.Context(), []string{r.PathValue("address")})
	if err != nil {
		writeError(w, err)
		return
	}
	if n == 0 {
		writeError(w, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleDexStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Dex.Status(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleCommunityMeta(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CommunityID string `json:"community_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.CommunityID == "" {
		writeError(w, fmt.Errorf("%w: community_id required", store.ErrInvalidInput))
		return
	}
	applied, err := s.Intake.CommunityMeta(r.Context(), r.PathValue("address"), body.CommunityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) handleRefetch(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Intake.RefetchMeta(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ---------------------------------------------------------------------------
// Admins
// ---------------------------------------------------------------------------

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Admins.Summary(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleSetTag(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tag string `json:"tag"`
	}
	if !decode(w, r, &body) {
		return
	}
	a, err := s.Admins.SetTag(r.Context(), r.PathValue("name"), body.Tag)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Audit.Record(r.Context(), audit.EventAdmin, "", r.PathValue("name"), "tag", body)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleSetNotes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Notes string `json:"notes"`
	}
	if !decode(w, r, &body) {
		return
	}
	a, err := s.Admins.SetNotes(r.Context(), r.PathValue("name"), body.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Audit.Record(r.Context(), audit.EventAdmin, "", r.PathValue("name"), "notes", body)
	writeJSON(w, http.StatusOK, a)
}

type tagsResponse struct {
	Admins     map[string]string `json:"admins"`
	Tags       []string          `json:"tags"`
	Categories []string          `json:"categories"`
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		resp tagsResponse
		err  error
	)
	if resp.Admins, err = s.Admins.TagMap(ctx); err != nil {
		writeError(w, err)
		return
	}
	if resp.Tags, err = s.Admins.DistinctTags(ctx); err != nil {
		writeError(w, err)
		return
	}
	if resp.Categories, err = s.Admins.Categories(ctx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddCategory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label string `json:"label"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.Admins.AddCategory(r.Context(), body.Label); err != nil {
		writeError(w, err)
		return
	}
	cats, err := s.Admins.Categories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"categories": cats})
}

func (s *Server) handleCommunityCache(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Admins.CommunityCache(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ---------------------------------------------------------------------------
// Sniper rules
// ---------------------------------------------------------------------------

func (s *Server) handleGetRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Sniper.Rules())
}

func (s *Server) handlePutRules(w http.ResponseWriter, r *http.Request) {
	var rules sniper.Rules
	if !decode(w, r, &rules) {
		return
	}
	if err := s.Sniper.SetRules(r.Context(), rules); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Sniper.Rules())
}

// ---------------------------------------------------------------------------
// ATH triggers
// ---------------------------------------------------------------------------

// startATH launches fn in the background unless a run is already active.
func (s *Server) startATH(w http.ResponseWriter, name string, fn func(context.Context) error) {
	if s.ATH.Stats().Running {
		writeError(w, enrich.ErrRunInProgress)
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := fn(s.base); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("trigger", name).Msg("api: ath trigger failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"started": name})
}

func (s *Server) handleATHRun(w http.ResponseWriter, _ *http.Request) {
	s.startATH(w, "run", func(ctx context.Context) error {
		_, err := s.ATH.Run(ctx)
		return err
	})
}

func (s *Server) handleATHRefresh(w http.ResponseWriter, _ *http.Request) {
	s.startATH(w, "refresh", func(ctx context.Context) error {
		_, err := s.ATH.Refresh(ctx)
		return err
	})
}

func (s *Server) handleATHCancel(w http.ResponseWriter, _ *http.Request) {
	running := s.ATH.Stats().Running
	if running {
		s.ATH.Cancel()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancel_requested": running})
}

func (s *Server) handleATHRecalculate(w http.ResponseWriter, r *http.Request) {
	n, err := s.ATH.RecalculateAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if n == 0 || s.ATH.Stats().Running {
		writeJSON(w, http.StatusOK, map[string]any{"reset": n, "started": false})
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if _, err := s.ATH.Run(s.base); err != nil && !errors.Is(err, enrich.ErrRunInProgress) {
			log.Warn().Err(err).Msg("api: ath run after recalculation failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"reset": n, "started": true})
}

func (s *Server) handleATHForce(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	ath, err := s.ATH.ForceAddress(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": address, "ath": ath})
}

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Admin string `json:"admin"`
	}
	if !decodeOptional(w, r, &body) {
		return
	}
	if body.Admin != "" {
		removed, err := store.ConsolidateDuplicates(r.Context(), s.Store, body.Admin)
		if err != nil {
			writeError(w, err)
			return
		}
		s.Audit.Record(r.Context(), audit.EventMaintenance, "", body.Admin, "consolidate", removed)
		writeJSON(w, http.StatusOK, map[string]any{"removed": len(removed), "addresses": removed})
		return
	}
	n, err := store.ConsolidateAll(r.Context(), s.Store)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Audit.Record(r.Context(), audit.EventMaintenance, "", "", "consolidate", map[string]int{"removed": n})
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	p := store.DefaultPruneParams()
	if !decodeOptional(w, r, &p) {
		return
	}
	rep, err := store.Prune(r.Context(), s.Store, p, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	if !rep.DryRun {
		s.Audit.Record(r.Context(), audit.EventMaintenance, "", "", "prune", rep)
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleAudit lists recorded decisions and edits, newest first.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Address:   q.Get("address"),
		Admin:     q.Get("admin"),
		EventType: q.Get("type"),
		Limit:     100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("limit %q: %w", v, store.ErrInvalidInput))
			return
		}
		f.Limit = n
	}
	entries := s.Audit.Query(f)
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"intake": s.Intake.Stats(),
		"dex":    s.Dex.Stats(),
		"ath":    s.ATH.Stats(),
		"sniper": s.Sniper.Stats(),
	}
	if s.Hub != nil {
		out["notify"] = s.Hub.Stats()
	}
	if s.WS != nil {
		out["ws"] = s.WS.Stats()
	}
	if s.ExtraStats != nil {
		for k, v := range s.ExtraStats() {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("api: encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("api: request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput), errors.Is(err, intake.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, enrich.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, enrich.ErrNoCreationDate), errors.Is(err, enrich.ErrNoPool), errors.Is(err, enrich.ErrNoData):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

// decodeOptional accepts an empty body and leaves v untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}
