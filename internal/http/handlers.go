package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/batch"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/ingest"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/observability"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/service"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/traffic"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/validation"
)

// maxUploadBytes bounds the CSV body accepted by POST /analyses.
const maxUploadBytes = 64 << 20

// LiveReader serves live readings; implemented by service.LiveReadingService.
type LiveReader interface {
	CurrentReading(ctx context.Context, city, credential string, baseline models.CityAnalysis) (service.Reading, error)
}

// BatchRunner analyses a full record set; implemented by batch.Orchestrator.
type BatchRunner interface {
	AnalyzeAll(ctx context.Context, records []models.TemperatureRecord) *batch.Result
}

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	// Overloaded when rate-limit denials in OverloadWindow exceed
	// OverloadThresholdPct of the limiter's capacity over that window.
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int

	DegradedWindow   time.Duration
	DegradedErrorPct int
	// Tracker supplies live-lookup outcomes and denials. Optional.
	Tracker *traffic.Tracker
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	live              LiveReader
	store             *batch.Store
	runner            BatchRunner
	defaultCredential string
	healthConfig      *HealthConfig
	logger            *zap.Logger

	shuttingDown     atomic.Bool
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. defaultCredential is used when a request
// carries no X-API-Key header.
func NewHandler(
	live LiveReader,
	store *batch.Store,
	runner BatchRunner,
	defaultCredential string,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		live:              live,
		store:             store,
		runner:            runner,
		defaultCredential: defaultCredential,
		healthConfig:      healthConfig,
		logger:            logger,
	}
}

// SetShuttingDown marks the service as draining; /health reports shutting-down.
func (h *Handler) SetShuttingDown(v bool) {
	h.shuttingDown.Store(v)
}

type citySummary struct {
	City           string `json:"city"`
	Records        int    `json:"records"`
	AnomaliesCount int    `json:"anomaliesCount"`
}

// ListCities handles GET /cities.
func (h *Handler) ListCities(w http.ResponseWriter, r *http.Request) {
	result := h.store.Load()
	summaries := make([]citySummary, 0)
	for _, city := range result.Cities() {
		a, _ := result.Get(city)
		summaries = append(summaries, citySummary{
			City:           city,
			Records:        len(a.Records),
			AnomaliesCount: a.AnomaliesCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cities":   summaries,
		"failures": failureMessages(result),
	})
}

// GetAnalysis handles GET /cities/{city}/analysis.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	baseline, ok := h.baselineFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, baseline)
}

type currentReadingResponse struct {
	City        string        `json:"city"`
	Temperature float64       `json:"temperature"`
	IsAnomaly   bool          `json:"isAnomaly"`
	Season      models.Season `json:"season"`
	FetchedAt   time.Time     `json:"fetchedAt"`
	Cached      bool          `json:"cached"`
}

// GetCurrent handles GET /cities/{city}/current.
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	baseline, ok := h.baselineFromPath(w, r)
	if !ok {
		return
	}
	credential := r.Header.Get("X-API-Key")
	if credential == "" {
		credential = h.defaultCredential
	}
	if credential == "" {
		writeError(w, r, http.StatusUnauthorized, "API_KEY_REQUIRED", "X-API-Key header is required")
		return
	}

	reading, err := h.live.CurrentReading(r.Context(), baseline.City, credential, baseline)
	if err != nil {
		if errors.Is(err, service.ErrNoBaseline) {
			writeError(w, r, http.StatusNotFound, "CITY_NOT_ANALYSED", "no historical analysis for city")
			return
		}
		observability.LoggerFromContext(r.Context(), h.logger).Error("live reading failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "unable to serve live reading")
		return
	}

	snap := reading.Snapshot
	if !snap.OK() {
		status, code := statusForKind(snap.ErrorKind)
		writeJSON(w, status, map[string]interface{}{
			"error": map[string]string{
				"code":      code,
				"message":   snap.Error,
				"kind":      string(snap.ErrorKind),
				"requestId": observability.CorrelationID(r.Context()),
			},
			"cached": reading.Cached,
		})
		return
	}
	writeJSON(w, http.StatusOK, currentReadingResponse{
		City:        snap.City,
		Temperature: snap.Temperature,
		IsAnomaly:   snap.IsAnomaly,
		Season:      snap.Season,
		FetchedAt:   snap.FetchedAt,
		Cached:      reading.Cached,
	})
}

// statusForKind maps a failed lookup to its HTTP status and error code.
func statusForKind(kind models.ErrorKind) (int, string) {
	switch kind {
	case models.ErrorKindAuth:
		return http.StatusUnauthorized, "INVALID_API_KEY"
	case models.ErrorKindNotFound:
		return http.StatusNotFound, "CITY_NOT_FOUND"
	case models.ErrorKindNetwork:
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"
	default:
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	}
}

// PostAnalyses handles POST /analyses. The body is a CSV of historical
// records; the resulting batch replaces the stored one unless the request
// was cancelled or no city could be analysed.
func (h *Handler) PostAnalyses(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	records, err := ingest.ReadCSV(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "CSV body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "INVALID_CSV", err.Error())
		return
	}
	if len(records) == 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_CSV", "no records")
		return
	}

	result := h.runner.AnalyzeAll(r.Context(), records)
	if err := r.Context().Err(); err != nil {
		observability.LoggerFromContext(r.Context(), h.logger).Warn("upload cancelled; baseline kept", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "ANALYSIS_CANCELLED", "analysis cancelled before completion")
		return
	}
	if len(result.Analyses) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": map[string]string{
				"code":      "NO_CITY_ANALYSED",
				"message":   "no city could be analysed; baseline kept",
				"requestId": observability.CorrelationID(r.Context()),
			},
			"failures": failureMessages(result),
		})
		return
	}
	h.store.Swap(result)
	observability.LoggerFromContext(r.Context(), h.logger).Info("baseline replaced",
		zap.Int("records", len(records)),
		zap.Int("cities", len(result.Analyses)),
		zap.Int("failures", len(result.Failures)),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cities":    result.Cities(),
		"failures":  failureMessages(result),
		"elapsedMs": result.Elapsed.Milliseconds(),
	})
}

// baselineFromPath validates the {city} path variable and looks up its
// analysis, writing the error response when either fails.
func (h *Handler) baselineFromPath(w http.ResponseWriter, r *http.Request) (models.CityAnalysis, bool) {
	city, err := validation.ValidateCity(mux.Vars(r)["city"], validation.MinCityLen, validation.MaxCityLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return models.CityAnalysis{}, false
	}
	baseline, ok := h.store.Baseline(city)
	if !ok {
		writeError(w, r, http.StatusNotFound, "CITY_NOT_ANALYSED", "no historical analysis for city")
		return models.CityAnalysis{}, false
	}
	return baseline, true
}

func failureMessages(r *batch.Result) map[string]string {
	out := make(map[string]string)
	if r == nil {
		return out
	}
	for city, err := range r.Failures {
		out[city] = err.Error()
	}
	return out
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "seasonal-anomaly-service",
		"version":   "dev",
		"checks":    result.checks,
		"cities":    len(h.store.Load().Cities()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > overloaded > cache unreachable > live-lookup error rate > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	checks := map[string]string{"weatherApi": "healthy"}
	if h.shuttingDown.Load() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}
	hc := h.healthConfig

	if hc.Tracker != nil && hc.RateLimitRPS > 0 && hc.OverloadWindow > 0 && hc.OverloadThresholdPct > 0 {
		threshold := float64(hc.RateLimitRPS) * hc.OverloadWindow.Seconds() * float64(hc.OverloadThresholdPct) / 100
		if float64(hc.Tracker.DenialCount(hc.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold", checks}
		}
	}

	cacheDown := false
	if hc.CachePing != nil {
		checks["cache"] = "healthy"
		if err := hc.CachePing(); err != nil {
			checks["cache"] = "unhealthy"
			cacheDown = true
		}
	}

	errorRateBreach := false
	if hc.Tracker != nil && hc.DegradedWindow > 0 && hc.DegradedErrorPct > 0 {
		errCount, total := hc.Tracker.ErrorRate(hc.DegradedWindow)
		if total > 0 && float64(errCount)*100/float64(total) >= float64(hc.DegradedErrorPct) {
			checks["weatherApi"] = "unhealthy"
			errorRateBreach = true
		}
	}

	switch {
	case cacheDown:
		return healthResult{"degraded", http.StatusServiceUnavailable, "cache_unreachable", checks}
	case errorRateBreach:
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach", checks}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}
