// Package live turns one upstream temperature lookup into a WeatherSnapshot
// judged against a city's historical baseline.
package live

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/client"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/observability"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/seasonal"
)

// SeasonSource selects how the current season of a live reading is chosen.
type SeasonSource string

const (
	// SeasonFromLastRecord uses the season of the last baseline record.
	SeasonFromLastRecord SeasonSource = "last_record"
	// SeasonFromCalendar uses the meteorological season of the fetch time.
	SeasonFromCalendar SeasonSource = "calendar"
)

// Valid reports whether s is a known season source.
func (s SeasonSource) Valid() bool {
	return s == SeasonFromLastRecord || s == SeasonFromCalendar
}

// Fetcher performs live lookups. It is safe for concurrent use.
type Fetcher struct {
	client       client.TemperatureClient
	threshold    float64
	seasonSource SeasonSource
	now          func() time.Time
	logger       *zap.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithThreshold sets the anomaly multiplier k.
func WithThreshold(k float64) Option {
	return func(f *Fetcher) {
		if k > 0 {
			f.threshold = k
		}
	}
}

// WithSeasonSource sets how the current season is chosen.
func WithSeasonSource(src SeasonSource) Option {
	return func(f *Fetcher) {
		if src.Valid() {
			f.seasonSource = src
		}
	}
}

// WithClock replaces time.Now for FetchedAt and calendar seasons.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// NewFetcher returns a Fetcher over c. Defaults: threshold 2.0, last-record season.
func NewFetcher(c client.TemperatureClient, logger *zap.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		client:       c,
		threshold:    seasonal.DefaultThreshold,
		seasonSource: SeasonFromLastRecord,
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch looks up city once with credential and returns the reading judged
// against baseline. It never returns an error: failures are reported in the
// snapshot's ErrorKind and Error, with Temperature 0 and IsAnomaly false.
func (f *Fetcher) Fetch(ctx context.Context, city, credential string, baseline models.CityAnalysis) (snap models.WeatherSnapshot) {
	logger := observability.LoggerFromContext(ctx, f.logger).With(zap.String("city", city))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("live lookup panicked", zap.Any("panic", r))
			snap = failure(city, models.ErrorKindProvider, fmt.Sprintf("Unknown error: %v", r), f.now())
		}
		kind := snap.ErrorKind.Label()
		observability.LiveFetchTotal.WithLabelValues(kind).Inc()
		observability.LiveFetchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	logger.Debug("requesting current temperature")
	temp, err := f.client.CurrentTemperature(ctx, city, credential)
	fetchedAt := f.now()
	if err != nil {
		kind := client.Classify(err)
		msg := errorMessage(kind, city, err)
		logger.Error("live lookup failed",
			zap.String("kind", string(kind)),
			zap.String("message", msg),
			zap.Error(err),
		)
		return failure(city, kind, msg, fetchedAt)
	}

	season := f.currentSeason(baseline, fetchedAt)
	snap = models.WeatherSnapshot{
		City:        city,
		Temperature: temp,
		Season:      season,
		FetchedAt:   fetchedAt,
	}
	stats, ok := baseline.SeasonalStats[season]
	if !ok {
		logger.Warn("baseline has no statistics for current season; anomaly not evaluated",
			zap.String("season", string(season)))
		return snap
	}
	snap.IsAnomaly = seasonal.IsAnomaly(temp, stats, f.threshold)
	logger.Info("current temperature fetched",
		zap.Float64("temperature", temp),
		zap.String("season", string(season)),
		zap.Bool("is_anomaly", snap.IsAnomaly),
	)
	return snap
}

func (f *Fetcher) currentSeason(baseline models.CityAnalysis, at time.Time) models.Season {
	if f.seasonSource == SeasonFromCalendar {
		return models.SeasonForMonth(at.Month())
	}
	if s, ok := baseline.LatestSeason(); ok {
		return s
	}
	return models.SeasonForMonth(at.Month())
}

func failure(city string, kind models.ErrorKind, msg string, at time.Time) models.WeatherSnapshot {
	return models.WeatherSnapshot{
		City:      city,
		ErrorKind: kind,
		Error:     msg,
		FetchedAt: at,
	}
}

// errorMessage renders the user-facing message for a failed lookup.
func errorMessage(kind models.ErrorKind, city string, err error) string {
	switch kind {
	case models.ErrorKindAuth:
		return "Invalid API key"
	case models.ErrorKindNotFound:
		return fmt.Sprintf("City %s not found", city)
	case models.ErrorKindNetwork:
		return fmt.Sprintf("Network error: %v", err)
	default:
		if msg := client.ProviderMessage(err); msg != "" {
			return msg
		}
		return "Unknown error"
	}
}
