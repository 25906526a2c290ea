package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/auth"
	"github.com/carbonmeter/emissions/internal/cascade"
	"github.com/carbonmeter/emissions/internal/emission"
	"github.com/carbonmeter/emissions/internal/engine"
	"github.com/carbonmeter/emissions/internal/forecast"
	"github.com/carbonmeter/emissions/internal/ledger"
	"github.com/carbonmeter/emissions/internal/metrics"
	"github.com/carbonmeter/emissions/internal/model"
	"github.com/carbonmeter/emissions/internal/subject"
)

const maxBodyBytes = 4 << 20

// Server exposes the engine over HTTP.
type Server struct {
	engine      *engine.Engine
	metrics     *metrics.Metrics
	logger      *slog.Logger
	limiter     *rate.Limiter
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func NewServer(e *engine.Engine, m *metrics.Metrics, logger *slog.Logger, tokenRate int) *Server {
	return &Server{
		engine:  e,
		metrics: m,
		logger:  logger.With("component", "http"),
		limiter: rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2),
	}
}

// Routes builds the router. authMW guards every /v1 route.
func (s *Server) Routes(authMW func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", s.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMW)
		r.Use(s.rateLimit)

		r.Post("/predict/missing-day", s.handleMissingDay)
		r.Post("/predict/organization", s.handleOrganization)

		r.Route("/subjects/{subjectID}", func(r chi.Router) {
			r.Use(s.subjectAccess)
			r.Post("/backfill", s.handleBackfill)
			r.Post("/forecast", s.handleForecast)
			r.Get("/ledger", s.handleLedger)
			r.Get("/missing", s.handleMissing)
		})

		r.Route("/models/{domain}", func(r chi.Router) {
			r.Use(adminOnly)
			r.Get("/", s.handleModels)
			r.Post("/", s.handleInstallModel)
			r.Post("/rollback", s.handleRollbackModel)
		})
	})
	return r
}

func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			writeError(w, http.StatusForbidden, "forbidden: admin scope required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "10")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// subjectAccess enforces caller/subject binding and per-subject limits.
func (s *Server) subjectAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "subjectID")
		if err := ledger.ValidateSubjectID(id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !auth.CanAccess(r.Context(), id) {
			writeError(w, http.StatusForbidden, "forbidden: subject mismatch")
			return
		}
		if err := s.engine.Subjects().Allow(id); err != nil {
			s.metrics.RateLimited.WithLabelValues(id).Inc()
			w.Header().Set("Retry-After", "10")
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// missingDayRequest accepts either full records or the plain list of daily
// totals, oldest first, ending yesterday.
type missingDayRequest struct {
	UserID           string            `json:"userId"`
	EmissionHistory  []api.Number      `json:"emission_history"`
	HistoricalWindow []api.DailyRecord `json:"historical_window"`
	Date             string            `json:"date,omitempty"`
}

func (s *Server) handleMissingDay(w http.ResponseWriter, r *http.Request) {
	var req missingDayRequest
	if !decodeBody(w, r, &req) {
		return
	}

	window := req.HistoricalWindow
	if len(window) == 0 && len(req.EmissionHistory) > 0 {
		end := api.DateOf(time.Now().UTC()).AddDays(-1)
		if req.Date != "" {
			d, err := api.ParseDate(req.Date)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			end = d.AddDays(-1)
		}
		window = historyRecords(req.EmissionHistory, end)
	}

	id := req.UserID
	if id == "" {
		id = "anonymous"
	}
	res, err := s.engine.Predict(r.Context(), &api.ForecastRequest{
		SubjectID:        id,
		Domain:           api.DomainIndividual,
		HistoricalWindow: window,
		Horizon:          1,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	rec := res.Records[0]
	writeJSON(w, http.StatusOK, map[string]any{
		"date":             rec.Date,
		"predicted_co2":    round2(rec.TotalEmission),
		"confidence":       rec.Confidence,
		"confidence_label": rec.ConfidenceLabel,
		"source":           rec.Source,
		"demo":             rec.Source.IsFallback(),
		"days_used":        res.Samples,
		"record":           rec,
	})
}

func historyRecords(totals []api.Number, end api.Date) []api.DailyRecord {
	out := make([]api.DailyRecord, len(totals))
	for i, v := range totals {
		out[i] = api.DailyRecord{
			Date:          end.AddDays(i - len(totals) + 1),
			TotalEmission: float64(v),
		}
	}
	return out
}

// organizationRequest is the stateless multi-day industrial forecast body.
// historical_data rows are flat field maps; period "next_N_days" sets the
// horizon when horizon is absent.
type organizationRequest struct {
	OrganizationID string                  `json:"organization_id"`
	Industry       string                  `json:"industry"`
	Horizon        int                     `json:"horizon"`
	Period         string                  `json:"period"`
	GrowthRate     *float64                `json:"growth_rate"`
	HistoricalData []map[string]api.Number `json:"historical_data"`
	Overrides      map[string]float64      `json:"feature_overrides"`
}

func (s *Server) handleOrganization(w http.ResponseWriter, r *http.Request) {
	var req organizationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	horizon := req.Horizon
	if horizon == 0 {
		horizon = periodDays(req.Period, 30)
	}
	id := req.OrganizationID
	if id == "" {
		id = "unknown"
	}
	industry := strings.ToLower(req.Industry)
	if _, ok := emission.LookupIndustry(industry); !ok {
		industry = emission.DefaultIndustry
	}

	res, err := s.engine.Predict(r.Context(), &api.ForecastRequest{
		SubjectID:        id,
		Domain:           api.DomainIndustrial,
		Industry:         industry,
		HistoricalWindow: operationalRecords(req.HistoricalData, industry, api.DateOf(time.Now().UTC()).AddDays(-1)),
		Horizon:          horizon,
		WeeklyGrowthRate: req.GrowthRate,
		FeatureOverrides: req.Overrides,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func periodDays(period string, def int) int {
	s, ok := strings.CutPrefix(period, "next_")
	if !ok {
		return def
	}
	s, ok = strings.CutSuffix(s, "_days")
	if !ok {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// operationalRecords turns flat rows into real industrial records dated
// consecutively up to end. A row's own "date" is not numeric and is ignored;
// non-numeric cells are dropped and total_emission is recomputed when absent.
func operationalRecords(rows []map[string]api.Number, industry string, end api.Date) []api.DailyRecord {
	out := make([]api.DailyRecord, 0, len(rows))
	for i, row := range rows {
		rec := api.DailyRecord{
			Date:         end.AddDays(i - len(rows) + 1),
			SectorValues: make(map[string]float64, len(row)),
		}
		for _, f := range emission.IndustrialFields {
			if v, ok := row[f]; ok && v.Valid() {
				rec.SectorValues[f] = float64(v)
			}
		}
		if v, ok := row["total_emission"]; ok && v.Valid() {
			rec.TotalEmission = float64(v)
		} else {
			rec.TotalEmission = emission.RecomputeTotal(api.DomainIndustrial, industry, rec)
		}
		out = append(out, rec)
	}
	return out
}

type forecastBody struct {
	Horizon          int      `json:"horizon"`
	WeeklyGrowthRate *float64 `json:"weekly_growth_rate"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Backfill(r.Context(), chi.URLParam(r, "subjectID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	var body forecastBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Horizon == 0 {
		body.Horizon = 30
	}
	res, err := s.engine.Forecast(r.Context(), chi.URLParam(r, "subjectID"), body.Horizon, body.WeeklyGrowthRate)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	l, err := s.engine.Ledger(r.Context(), chi.URLParam(r, "subjectID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleMissing(w http.ResponseWriter, r *http.Request) {
	lookback := queryInt(r, "days", 30)
	limit := queryInt(r, "limit", 0)
	dates, err := s.engine.Missing(r.Context(), chi.URLParam(r, "subjectID"), lookback, limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"missing_dates": out, "count": len(out)})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	domain, err := api.ParseDomain(chi.URLParam(r, "domain"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	st, err := s.engine.Models(domain)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleInstallModel registers the artifact in the body and activates it.
func (s *Server) handleInstallModel(w http.ResponseWriter, r *http.Request) {
	domain, err := api.ParseDomain(chi.URLParam(r, "domain"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	artifact, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	reg, err := s.engine.InstallModel(domain, artifact)
	switch {
	case errors.Is(err, model.ErrInvalidArtifact),
		errors.Is(err, model.ErrUnknownArtifact),
		errors.Is(err, cascade.ErrSchemaMismatch):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"domain":        domain,
		"version":       reg.Version,
		"status":        reg.Status,
		"artifact_hash": reg.ArtifactHash,
	})
}

func (s *Server) handleRollbackModel(w http.ResponseWriter, r *http.Request) {
	domain, err := api.ParseDomain(chi.URLParam(r, "domain"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	reg, err := s.engine.RollbackModel(domain)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domain":  domain,
		"version": reg.Version,
		"status":  reg.Status,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v >= 0 {
		return v
	}
	return def
}

// writeEngineError maps engine errors to status codes. Configuration errors
// of the request are 400, schema mismatch is a server fault.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, forecast.ErrHorizonExceeded),
		errors.Is(err, forecast.ErrInvalidHorizon),
		errors.Is(err, api.ErrMissingFields),
		errors.Is(err, api.ErrUnknownDomain),
		errors.Is(err, ledger.ErrNoRealRecords),
		errors.Is(err, ledger.ErrInvalidSubject):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrSubjectNotFound), errors.Is(err, model.ErrModelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrNoPrevious), errors.Is(err, model.ErrModelExists):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrNoRegistry):
		status = http.StatusNotImplemented
	case errors.Is(err, subject.ErrRateLimited), errors.Is(err, subject.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, cascade.ErrSchemaMismatch):
		s.logger.Error("model schema mismatch", "err", err)
	default:
		s.logger.Error("request failed", "err", err)
	}
	writeError(w, status, err.Error())
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metricsAuth.enabled {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error":   true,
		"status":  status,
		"message": message,
	})
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
