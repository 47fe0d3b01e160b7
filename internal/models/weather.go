package models

import (
	"encoding/json"
	"time"
)

// ErrorKind classifies the outcome of a live lookup. The zero value means success.
type ErrorKind string

const (
	ErrorKindNone     ErrorKind = ""
	ErrorKindAuth     ErrorKind = "auth"
	ErrorKindNotFound ErrorKind = "not_found"
	ErrorKindNetwork  ErrorKind = "network"
	ErrorKindProvider ErrorKind = "provider"
)

// Label returns a metric-safe label; success maps to "success".
func (k ErrorKind) Label() string {
	if k == ErrorKindNone {
		return "success"
	}
	return string(k)
}

// WeatherSnapshot is the result of one live lookup. When Error is set the
// numeric fields carry neutral values (0 / false) and must not be read as data.
type WeatherSnapshot struct {
	City        string
	Temperature float64
	IsAnomaly   bool
	Season      Season
	ErrorKind   ErrorKind
	Error       string
	FetchedAt   time.Time
}

// OK reports whether the snapshot holds a real reading.
func (s WeatherSnapshot) OK() bool {
	return s.Error == ""
}

type snapshotJSON struct {
	City        string    `json:"city"`
	Temperature *float64  `json:"temperature,omitempty"`
	IsAnomaly   *bool     `json:"isAnomaly,omitempty"`
	Season      Season    `json:"season,omitempty"`
	ErrorKind   ErrorKind `json:"errorKind,omitempty"`
	Error       string    `json:"error,omitempty"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// MarshalJSON omits temperature and isAnomaly for failed lookups so a
// neutral 0 is never presented as a real reading.
func (s WeatherSnapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		City:      s.City,
		Season:    s.Season,
		ErrorKind: s.ErrorKind,
		Error:     s.Error,
		FetchedAt: s.FetchedAt,
	}
	if s.OK() {
		temp, anomaly := s.Temperature, s.IsAnomaly
		out.Temperature = &temp
		out.IsAnomaly = &anomaly
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON; used by the memcached backend.
func (s *WeatherSnapshot) UnmarshalJSON(data []byte) error {
	var in snapshotJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = WeatherSnapshot{
		City:      in.City,
		Season:    in.Season,
		ErrorKind: in.ErrorKind,
		Error:     in.Error,
		FetchedAt: in.FetchedAt,
	}
	if in.Temperature != nil {
		s.Temperature = *in.Temperature
	}
	if in.IsAnomaly != nil {
		s.IsAnomaly = *in.IsAnomaly
	}
	return nil
}
