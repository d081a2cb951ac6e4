// Package server exposes the warehouse over HTTP: read-only statistics
// endpoints, the site register, catchment summaries and candidate scoring.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/market-atlas/internal/census"
	"github.com/sells-group/market-atlas/internal/config"
	"github.com/sells-group/market-atlas/internal/market"
	"github.com/sells-group/market-atlas/internal/pipeline"
	"github.com/sells-group/market-atlas/internal/warehouse"
)

// Server wires the HTTP API to the warehouse.
type Server struct {
	cfg   *config.Config
	store *warehouse.Store
	pipe  *pipeline.Pipeline
}

// New builds a server over an opened store.
func New(cfg *config.Config, store *warehouse.Store) *Server {
	return &Server{cfg: cfg, store: store, pipe: pipeline.New(cfg, store)}
}

// Router assembles the chi routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/levels", s.handleLevels)
		r.Get("/levels/{level}/areas", s.handleAreas)
		r.Get("/levels/{level}/stats", s.handleStats)
		r.Get("/levels/{level}/pct", s.handlePct)
		r.Get("/runs", s.handleRuns)

		r.Route("/sites", func(r chi.Router) {
			r.Get("/", s.handleListSites)
			r.Post("/", s.handleCreateSite)
			r.Get("/{id}", s.handleGetSite)
			r.Put("/{id}", s.handleUpdateSite)
			r.Delete("/{id}", s.handleDeleteSite)
		})

		r.Get("/catchments/{level}", s.handleCatchments)
		r.Post("/score/{level}", s.handleScore)
	})
	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("http server listening", zap.Int("port", s.cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps store/engine errors to HTTP statuses.
func statusFor(err error) int {
	if errors.Is(err, warehouse.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLevels(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"levels": s.cfg.Hierarchy.Levels})
}

func (s *Server) level(r *http.Request) census.Level {
	return census.Level(chi.URLParam(r, "level"))
}

func (s *Server) handleAreas(w http.ResponseWriter, r *http.Request) {
	schema, err := s.store.LoadSchema(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	t, err := s.store.LoadTable(r.Context(), s.level(r), schema)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	areas := make([]census.Area, 0, len(t.Areas))
	for _, code := range t.AreaCodes() {
		areas = append(areas, t.Areas[code])
	}
	respondJSON(w, http.StatusOK, areas)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.LoadProcessed(r.Context(), s.level(r))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handlePct(w http.ResponseWriter, r *http.Request) {
	pt, err := s.store.LoadPct(r.Context(), s.level(r))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, pt.Areas)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	if runs == nil {
		runs = []warehouse.Run{}
	}
	respondJSON(w, http.StatusOK, runs)
}

type sitePayload struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

func (p sitePayload) validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return errors.New("coordinate out of range")
	}
	return nil
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.store.ListSites(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	if sites == nil {
		sites = []market.Site{}
	}
	respondJSON(w, http.StatusOK, sites)
}

func (s *Server) handleCreateSite(w http.ResponseWriter, r *http.Request) {
	var p sitePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := p.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	site, err := s.store.CreateSite(r.Context(), p.Name, p.Lat, p.Lon)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusCreated, site)
}

func siteID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) handleGetSite(w http.ResponseWriter, r *http.Request) {
	id, err := siteID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	site, err := s.store.GetSite(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, site)
}

func (s *Server) handleUpdateSite(w http.ResponseWriter, r *http.Request) {
	id, err := siteID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var p sitePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := p.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	site := market.Site{ID: id, Name: p.Name, Lat: p.Lat, Lon: p.Lon}
	if err := s.store.UpdateSite(r.Context(), site); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, site)
}

func (s *Server) handleDeleteSite(w http.ResponseWriter, r *http.Request) {
	id, err := siteID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.DeleteSite(r.Context(), id); err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCatchments(w http.ResponseWriter, r *http.Request) {
	eng, err := s.pipe.Engine(r.Context(), s.level(r))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	ix, err := s.pipe.SiteIndex(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	assignment, err := eng.Assign(r.Context(), ix)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	sums, err := eng.Summaries(assignment, ix)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if sums == nil {
		sums = []market.CatchmentSummary{}
	}
	respondJSON(w, http.StatusOK, sums)
}

type scorePayload struct {
	TargetDimension string             `json:"target_dimension"`
	TargetBins      []string           `json:"target_bins"`
	RadiusKM        float64            `json:"radius_km"`
	TopN            int                `json:"top_n"`
	Candidates      []market.Candidate `json:"candidates"`
	GridSpacingKM   float64            `json:"grid_spacing_km"`
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var p scorePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	eng, err := s.pipe.Engine(r.Context(), s.level(r))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	ix, err := s.pipe.SiteIndex(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	cands := p.Candidates
	if len(cands) == 0 {
		spacing := p.GridSpacingKM
		if spacing <= 0 {
			spacing = s.cfg.Score.GridSpacingKM
		}
		cands = eng.GridCandidates(spacing)
	}

	req := s.pipe.ScoreRequest(p.TargetDimension, p.TargetBins)
	if p.RadiusKM > 0 {
		req.RadiusKM = p.RadiusKM
	}
	if p.TopN > 0 {
		req.TopN = p.TopN
	}

	results, err := eng.ScoreCandidates(r.Context(), ix, cands, req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if results == nil {
		results = []market.ScoreResult{}
	}
	respondJSON(w, http.StatusOK, results)
}
