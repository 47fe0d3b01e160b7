package models

import (
	"fmt"
	"strings"
	"time"
)

// Season is one of the four categorical labels attached to historical records.
type Season string

const (
	Winter Season = "winter"
	Spring Season = "spring"
	Summer Season = "summer"
	Autumn Season = "autumn"
)

// Seasons returns all seasons in calendar order.
func Seasons() []Season {
	return []Season{Winter, Spring, Summer, Autumn}
}

// Valid reports whether s is one of the four known seasons.
func (s Season) Valid() bool {
	switch s {
	case Winter, Spring, Summer, Autumn:
		return true
	}
	return false
}

// ParseSeason accepts exactly the four lowercase season names (whitespace trimmed).
func ParseSeason(s string) (Season, error) {
	season := Season(strings.TrimSpace(s))
	if !season.Valid() {
		return "", fmt.Errorf("unknown season %q", s)
	}
	return season, nil
}

// SeasonForMonth maps a calendar month to its northern-hemisphere meteorological season.
func SeasonForMonth(m time.Month) Season {
	switch m {
	case time.December, time.January, time.February:
		return Winter
	case time.March, time.April, time.May:
		return Spring
	case time.June, time.July, time.August:
		return Summer
	default:
		return Autumn
	}
}

// TemperatureRecord is one daily reading for a city. RollingMean and IsAnomaly
// are derived fields filled in by the statistics engine; RollingMean is nil
// where the centered window does not fit inside the series.
type TemperatureRecord struct {
	City        string    `json:"city" validate:"required"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
	Temperature float64   `json:"temperature"`
	Season      Season    `json:"season" validate:"required,oneof=winter spring summer autumn"`
	RollingMean *float64  `json:"rollingMean"`
	IsAnomaly   bool      `json:"isAnomaly"`
}

// SeasonStats holds the rounded mean and sample standard deviation of one season.
type SeasonStats struct {
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Count int     `json:"count"`
}

// SeasonalStats maps each season present in a city's series to its statistics.
type SeasonalStats map[Season]SeasonStats

// CityAnalysis is the complete, read-only result of analysing one city.
type CityAnalysis struct {
	City           string              `json:"city"`
	SeasonalStats  SeasonalStats       `json:"seasonalStats"`
	Records        []TemperatureRecord `json:"records"`
	AnomaliesCount int                 `json:"anomaliesCount"`
}

// LatestSeason returns the season of the most recent record, the baseline
// season used for live readings by default.
func (a CityAnalysis) LatestSeason() (Season, bool) {
	if len(a.Records) == 0 {
		return "", false
	}
	return a.Records[len(a.Records)-1].Season, true
}
