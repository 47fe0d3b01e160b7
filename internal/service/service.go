package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/cache"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/observability"
)

// ErrNoBaseline is returned when a live reading is requested for a city
// without analysed history to compare against.
var ErrNoBaseline = errors.New("no baseline for city")

// SnapshotFetcher performs one live lookup; implemented by live.Fetcher.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, city, credential string, baseline models.CityAnalysis) models.WeatherSnapshot
}

// OutcomeRecorder observes the outcome of every upstream lookup; implemented by traffic.Tracker.
type OutcomeRecorder interface {
	Record(kind models.ErrorKind)
}

// Reading is a live snapshot plus whether it was served from cache.
type Reading struct {
	Snapshot models.WeatherSnapshot
	Cached   bool
}

// Config holds the cache-aside parameters of LiveReadingService.
type Config struct {
	TTL             time.Duration
	Coalesce        bool
	CoalesceTimeout time.Duration
}

// LiveReadingService serves live readings using the cache-aside pattern with
// the fetcher as the source. Failed lookups are cached like successful ones.
type LiveReadingService struct {
	fetcher   SnapshotFetcher
	cache     cache.Cache
	ttl       time.Duration
	coalescer *requestCoalescer // nil if disabled
	recorder  OutcomeRecorder   // nil if disabled
	logger    *zap.Logger
}

// NewLiveReadingService creates a new LiveReadingService. recorder may be nil.
func NewLiveReadingService(fetcher SnapshotFetcher, c cache.Cache, cfg Config, recorder OutcomeRecorder, logger *zap.Logger) *LiveReadingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	var coalescer *requestCoalescer
	if cfg.Coalesce && cfg.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(cfg.CoalesceTimeout)
	}
	return &LiveReadingService{
		fetcher:   fetcher,
		cache:     c,
		ttl:       cfg.TTL,
		coalescer: coalescer,
		recorder:  recorder,
		logger:    logger,
	}
}

// CurrentReading returns the live reading for city under credential. A fresh
// cache entry is returned as is; otherwise one lookup is made and its result,
// successful or not, is stored before returning. A lookup cut short by the
// caller's own cancellation is returned but neither stored nor recorded.
func (s *LiveReadingService) CurrentReading(ctx context.Context, city, credential string, baseline models.CityAnalysis) (Reading, error) {
	city = strings.TrimSpace(city)
	if !hasBaseline(baseline) {
		return Reading{}, fmt.Errorf("%w: %s", ErrNoBaseline, city)
	}
	key := cache.NewKey(city, credential)
	logger := observability.LoggerFromContext(ctx, s.logger).With(zap.String("city", key.City))
	start := time.Now()

	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		logger.Warn("cache get failed, fetching upstream", zap.Error(err))
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues("live_reading").Inc()
		logger.Debug("reading served", zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return Reading{Snapshot: cached, Cached: true}, nil
	}

	logger.Debug("cache miss, fetching upstream")
	fetch := func() models.WeatherSnapshot {
		return s.fetchAndStore(ctx, logger, key, city, credential, baseline)
	}

	var snap models.WeatherSnapshot
	if s.coalescer != nil {
		// The shared lookup outlives any single caller; the client timeout bounds it.
		leaderCtx := context.WithoutCancel(ctx)
		var shared bool
		snap, shared, err = s.coalescer.Do(ctx, key, func() models.WeatherSnapshot {
			return s.fetchAndStore(leaderCtx, logger, key, city, credential, baseline)
		})
		switch {
		case err != nil:
			logger.Warn("coalesced wait ended early, fetching directly", zap.Error(err))
			snap = fetch()
		case shared:
			observability.RequestCoalescedTotal.Inc()
		}
	} else {
		snap = fetch()
	}

	logger.Debug("reading served", zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return Reading{Snapshot: snap}, nil
}

// Refresh performs a lookup regardless of cache state and stores the result.
func (s *LiveReadingService) Refresh(ctx context.Context, city, credential string, baseline models.CityAnalysis) (models.WeatherSnapshot, error) {
	city = strings.TrimSpace(city)
	if !hasBaseline(baseline) {
		return models.WeatherSnapshot{}, fmt.Errorf("%w: %s", ErrNoBaseline, city)
	}
	key := cache.NewKey(city, credential)
	logger := observability.LoggerFromContext(ctx, s.logger).With(zap.String("city", key.City))
	return s.fetchAndStore(ctx, logger, key, city, credential, baseline), nil
}

func (s *LiveReadingService) fetchAndStore(ctx context.Context, logger *zap.Logger, key cache.Key, city, credential string, baseline models.CityAnalysis) models.WeatherSnapshot {
	snap := s.fetcher.Fetch(ctx, city, credential, baseline)
	if err := ctx.Err(); err != nil {
		// The caller gave up; the outcome says nothing about the provider.
		logger.Debug("lookup abandoned by caller, not cached", zap.Error(err))
		return snap
	}
	if s.recorder != nil {
		s.recorder.Record(snap.ErrorKind)
	}
	if err := s.cache.Set(ctx, key, snap, s.ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set").Inc()
		logger.Warn("cache set failed", zap.Error(err))
	}
	return snap
}

func hasBaseline(a models.CityAnalysis) bool {
	return len(a.Records) > 0 && len(a.SeasonalStats) > 0
}

// BaselineLookup returns the analysed history of a city, if any.
type BaselineLookup func(city string) (models.CityAnalysis, bool)

// Warmer adapts LiveReadingService to cache.ReadingWarmer with a fixed credential.
type Warmer struct {
	service    *LiveReadingService
	baselines  BaselineLookup
	credential string
}

// NewWarmer returns a Warmer that refreshes cities with credential.
func NewWarmer(s *LiveReadingService, baselines BaselineLookup, credential string) *Warmer {
	return &Warmer{service: s, baselines: baselines, credential: credential}
}

// WarmCity refreshes the cached reading of city. A failed lookup is still
// cached and reported as an error.
func (w *Warmer) WarmCity(ctx context.Context, city string) error {
	baseline, ok := w.baselines(city)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoBaseline, city)
	}
	snap, err := w.service.Refresh(ctx, city, w.credential, baseline)
	if err != nil {
		return err
	}
	if !snap.OK() {
		return fmt.Errorf("%s: %s", snap.ErrorKind, snap.Error)
	}
	return nil
}
