package batch

import (
	"strings"
	"sync/atomic"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
)

// Store holds the latest batch Result. Readers never observe a partly
// replaced result.
type Store struct {
	current atomic.Pointer[Result]
}

// NewStore returns a Store holding r, which may be nil.
func NewStore(r *Result) *Store {
	s := &Store{}
	if r != nil {
		s.current.Store(r)
	}
	return s
}

// Load returns the current Result, or nil before the first Swap.
func (s *Store) Load() *Result {
	return s.current.Load()
}

// Swap installs r and returns the previous Result.
func (s *Store) Swap(r *Result) *Result {
	return s.current.Swap(r)
}

// Baseline returns the analysis of city from the current Result. An exact
// name match wins; otherwise city is matched case-insensitively.
func (s *Store) Baseline(city string) (models.CityAnalysis, bool) {
	r := s.Load()
	if r == nil {
		return models.CityAnalysis{}, false
	}
	city = strings.TrimSpace(city)
	if a, ok := r.Analyses[city]; ok {
		return a, true
	}
	for name, a := range r.Analyses {
		if strings.EqualFold(name, city) {
			return a, true
		}
	}
	return models.CityAnalysis{}, false
}
