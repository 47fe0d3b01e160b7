package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/observability"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/traffic"
)

// RouterConfig holds the middleware dependencies for NewRouter.
type RouterConfig struct {
	Logger         *zap.Logger
	Limiter        *rate.Limiter // nil disables rate limiting
	Tracker        *traffic.Tracker
	InFlight       *InFlightTracker
	RequestTimeout time.Duration
}

// NewRouter registers the service routes on a new router. Rate limiting
// applies to the routes that call upstream or run a batch; the request
// timeout applies to the live route only.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := RateLimitMiddleware(cfg.Limiter, cfg.Tracker)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware(cfg.InFlight))

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	router.HandleFunc("/cities", h.ListCities).Methods(http.MethodGet)
	router.HandleFunc("/cities/{city}/analysis", h.GetAnalysis).Methods(http.MethodGet)

	var current http.Handler = http.HandlerFunc(h.GetCurrent)
	if cfg.RequestTimeout > 0 {
		current = TimeoutMiddleware(cfg.RequestTimeout)(current)
	}
	router.Handle("/cities/{city}/current", limit(current)).Methods(http.MethodGet)

	router.Handle("/analyses", limit(http.HandlerFunc(h.PostAnalyses))).Methods(http.MethodPost)
	return router
}
