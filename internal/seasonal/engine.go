// Package seasonal computes per-season baseline statistics for one city's
// temperature series and flags readings outside mean ± k·std.
package seasonal

import (
	"errors"
	"fmt"
	"math"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
)

const (
	// DefaultWindow is the number of samples in the centered rolling mean.
	DefaultWindow = 30
	// DefaultThreshold is the anomaly multiplier k applied to a season's std.
	DefaultThreshold = 2.0
)

var (
	ErrNoRecords            = errors.New("no records")
	ErrMixedCities          = errors.New("records belong to more than one city")
	ErrUnknownSeason        = errors.New("unknown season")
	ErrNonFiniteTemperature = errors.New("temperature is not a finite number")
)

// Engine analyses a single city's ordered series. It holds only configuration
// and is safe for concurrent use.
type Engine struct {
	window    int
	threshold float64
}

// NewEngine returns an Engine. Non-positive window or threshold fall back to the defaults.
func NewEngine(window int, threshold float64) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Engine{window: window, threshold: threshold}
}

// Window returns the rolling-mean window size.
func (e *Engine) Window() int { return e.window }

// Threshold returns the anomaly multiplier k.
func (e *Engine) Threshold() float64 { return e.threshold }

// Analyze computes the rolling mean, seasonal statistics and anomaly flags for
// records, which must all belong to one city and be ordered by timestamp.
// The input slice is not modified.
func (e *Engine) Analyze(records []models.TemperatureRecord) (models.CityAnalysis, error) {
	if err := checkSeries(records); err != nil {
		return models.CityAnalysis{}, err
	}

	out := make([]models.TemperatureRecord, len(records))
	copy(out, records)

	temps := make([]float64, len(out))
	for i, r := range out {
		temps[i] = r.Temperature
	}
	rolling := RollingMean(temps, e.window)

	stats := ComputeSeasonalStats(out)

	anomalies := 0
	for i := range out {
		out[i].RollingMean = rolling[i]
		out[i].IsAnomaly = IsAnomaly(out[i].Temperature, stats[out[i].Season], e.threshold)
		if out[i].IsAnomaly {
			anomalies++
		}
	}

	return models.CityAnalysis{
		City:           out[0].City,
		SeasonalStats:  stats,
		Records:        out,
		AnomaliesCount: anomalies,
	}, nil
}

func checkSeries(records []models.TemperatureRecord) error {
	if len(records) == 0 {
		return ErrNoRecords
	}
	city := records[0].City
	for i, r := range records {
		if r.City != city {
			return fmt.Errorf("%w: record %d is %q, want %q", ErrMixedCities, i, r.City, city)
		}
		if !r.Season.Valid() {
			return fmt.Errorf("%w: record %d has %q", ErrUnknownSeason, i, r.Season)
		}
		if math.IsNaN(r.Temperature) || math.IsInf(r.Temperature, 0) {
			return fmt.Errorf("%w: record %d", ErrNonFiniteTemperature, i)
		}
	}
	return nil
}

// RollingMean returns the centered moving average of values over window
// samples. Position i averages indices i-(window-1)/2 through i+window/2;
// positions where that range leaves the series are nil.
func RollingMean(values []float64, window int) []*float64 {
	out := make([]*float64, len(values))
	if window <= 0 || len(values) < window {
		return out
	}
	before := (window - 1) / 2
	after := window - 1 - before

	prefix := make([]float64, len(values)+1)
	for i, v := range values {
		prefix[i+1] = prefix[i] + v
	}
	for i := before; i+after < len(values); i++ {
		mean := (prefix[i+after+1] - prefix[i-before]) / float64(window)
		out[i] = &mean
	}
	return out
}

// ComputeSeasonalStats groups records by season and returns each season's mean
// and sample standard deviation rounded to two decimals. A season with a
// single record has Std 0.
func ComputeSeasonalStats(records []models.TemperatureRecord) models.SeasonalStats {
	groups := make(map[models.Season][]float64)
	for _, r := range records {
		groups[r.Season] = append(groups[r.Season], r.Temperature)
	}
	stats := make(models.SeasonalStats, len(groups))
	for season, temps := range groups {
		mean, std := meanStd(temps)
		stats[season] = models.SeasonStats{
			Mean:  Round2(mean),
			Std:   Round2(std),
			Count: len(temps),
		}
	}
	return stats
}

func meanStd(values []float64) (mean, std float64) {
	n := float64(len(values))
	for _, v := range values {
		mean += v
	}
	mean /= n
	if len(values) < 2 {
		return mean, 0
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}

// IsAnomaly reports whether t lies outside stats.Mean ± k·stats.Std. With a
// zero std the range collapses to the mean itself, so the test is an explicit
// equality against the (two-decimal) mean.
func IsAnomaly(t float64, stats models.SeasonStats, k float64) bool {
	if stats.Std == 0 {
		return Round2(t) != stats.Mean
	}
	return t > stats.Mean+k*stats.Std || t < stats.Mean-k*stats.Std
}

// Round2 rounds x to two decimal places, half away from zero.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}
