package batch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/seasonal"
)

var day0 = time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)

// series builds n winter readings for city starting at day0.
func series(city string, n int, base float64) []models.TemperatureRecord {
	out := make([]models.TemperatureRecord, n)
	for i := range out {
		out[i] = models.TemperatureRecord{
			City:        city,
			Timestamp:   day0.AddDate(0, 0, i),
			Temperature: base + float64(i%5),
			Season:      models.Winter,
		}
	}
	return out
}

// interleave alternates records of the given series.
func interleave(all ...[]models.TemperatureRecord) []models.TemperatureRecord {
	var out []models.TemperatureRecord
	for i := 0; ; i++ {
		added := false
		for _, s := range all {
			if i < len(s) {
				out = append(out, s[i])
				added = true
			}
		}
		if !added {
			return out
		}
	}
}

type analyzerFunc func([]models.TemperatureRecord) (models.CityAnalysis, error)

func (f analyzerFunc) Analyze(r []models.TemperatureRecord) (models.CityAnalysis, error) { return f(r) }

func TestOrchestrator_MatchesSequentialAnalysis(t *testing.T) {
	engine := seasonal.NewEngine(30, 2)
	moscow := series("Moscow", 60, -10)
	oslo := series("Oslo", 45, 0)
	cairo := series("Cairo", 10, 25)

	result := NewOrchestrator(engine, 2, nil).AnalyzeAll(context.Background(), interleave(moscow, oslo, cairo))

	if len(result.Failures) != 0 {
		t.Fatalf("Failures = %v, want none", result.Failures)
	}
	if got, want := result.Cities(), []string{"Cairo", "Moscow", "Oslo"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Cities() = %v, want %v", got, want)
	}
	for city, recs := range map[string][]models.TemperatureRecord{"Moscow": moscow, "Oslo": oslo, "Cairo": cairo} {
		want, err := engine.Analyze(recs)
		if err != nil {
			t.Fatalf("Analyze(%s) error = %v", city, err)
		}
		got, ok := result.Get(city)
		if !ok {
			t.Fatalf("Get(%s) missing", city)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("parallel analysis of %s differs from a sequential one", city)
		}
	}
	if result.Elapsed <= 0 {
		t.Errorf("Elapsed = %v, want > 0", result.Elapsed)
	}
}

func TestOrchestrator_PartitionsCarryOnlyOwnCity(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	analyzer := analyzerFunc(func(r []models.TemperatureRecord) (models.CityAnalysis, error) {
		for _, rec := range r {
			if rec.City != r[0].City {
				return models.CityAnalysis{}, fmt.Errorf("partition mixes %s and %s", r[0].City, rec.City)
			}
		}
		mu.Lock()
		seen[r[0].City] = len(r)
		mu.Unlock()
		return models.CityAnalysis{City: r[0].City, Records: r}, nil
	})

	records := interleave(series("A", 5, 0), series("B", 7, 0), series("C", 3, 0))
	result := NewOrchestrator(analyzer, 4, nil).AnalyzeAll(context.Background(), records)

	if len(result.Failures) != 0 {
		t.Fatalf("Failures = %v", result.Failures)
	}
	if want := map[string]int{"A": 5, "B": 7, "C": 3}; !reflect.DeepEqual(seen, want) {
		t.Errorf("partition sizes = %v, want %v", seen, want)
	}
}

func TestOrchestrator_FailureIsolation(t *testing.T) {
	errBad := errors.New("bad series")
	analyzer := analyzerFunc(func(r []models.TemperatureRecord) (models.CityAnalysis, error) {
		switch r[0].City {
		case "Broken":
			return models.CityAnalysis{}, errBad
		case "Panicky":
			panic("index out of range")
		}
		return models.CityAnalysis{City: r[0].City, Records: r}, nil
	})

	records := interleave(series("Moscow", 5, 0), series("Broken", 5, 0), series("Panicky", 5, 0), series("Oslo", 5, 0))
	result := NewOrchestrator(analyzer, 3, nil).AnalyzeAll(context.Background(), records)

	if got, want := result.Cities(), []string{"Moscow", "Oslo"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Cities() = %v, want %v", got, want)
	}
	if !errors.Is(result.Failures["Broken"], errBad) {
		t.Errorf("Failures[Broken] = %v, want errBad", result.Failures["Broken"])
	}
	if err := result.Failures["Panicky"]; err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("Failures[Panicky] = %v, want recovered panic", err)
	}
	if _, ok := result.Get("Broken"); ok {
		t.Error("failed city present in Analyses")
	}
}

func TestOrchestrator_Cancellation(t *testing.T) {
	var started atomic.Int32
	analyzer := analyzerFunc(func(r []models.TemperatureRecord) (models.CityAnalysis, error) {
		started.Add(1)
		return models.CityAnalysis{City: r[0].City}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewOrchestrator(analyzer, 2, nil).AnalyzeAll(ctx, interleave(series("A", 2, 0), series("B", 2, 0)))

	if started.Load() != 0 {
		t.Errorf("analyses started after cancellation = %d, want 0", started.Load())
	}
	for _, city := range []string{"A", "B"} {
		if !errors.Is(result.Failures[city], context.Canceled) {
			t.Errorf("Failures[%s] = %v, want context.Canceled", city, result.Failures[city])
		}
	}
}

func TestOrchestrator_BoundedWorkers(t *testing.T) {
	var inFlight, peak atomic.Int32
	analyzer := analyzerFunc(func(r []models.TemperatureRecord) (models.CityAnalysis, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return models.CityAnalysis{City: r[0].City}, nil
	})

	var all [][]models.TemperatureRecord
	for i := 0; i < 12; i++ {
		all = append(all, series(fmt.Sprintf("city-%02d", i), 1, 0))
	}
	result := NewOrchestrator(analyzer, 3, nil).AnalyzeAll(context.Background(), interleave(all...))

	if len(result.Analyses) != 12 {
		t.Fatalf("Analyses = %d, want 12", len(result.Analyses))
	}
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
}

func TestOrchestrator_EmptyInput(t *testing.T) {
	result := NewOrchestrator(seasonal.NewEngine(30, 2), 4, nil).AnalyzeAll(context.Background(), nil)
	if len(result.Analyses) != 0 || len(result.Failures) != 0 {
		t.Errorf("AnalyzeAll(nil) = %+v, want empty result", result)
	}
}

func TestPartition_KeepsOrder(t *testing.T) {
	records := interleave(series("B", 3, 0), series("A", 2, 10))
	parts, order := Partition(records)

	if want := []string{"B", "A"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	for city, recs := range parts {
		for i := 1; i < len(recs); i++ {
			if recs[i].Timestamp.Before(recs[i-1].Timestamp) {
				t.Errorf("partition %s out of order at %d", city, i)
			}
		}
	}

	parts["A"][0].Temperature = 999
	if records[1].Temperature == 999 {
		t.Error("partition shares memory with the input")
	}
}

func TestStore(t *testing.T) {
	s := NewStore(nil)
	if s.Load() != nil {
		t.Fatal("Load() on empty store != nil")
	}
	if _, ok := s.Baseline("Moscow"); ok {
		t.Error("Baseline() on empty store ok = true")
	}

	first := &Result{Analyses: map[string]models.CityAnalysis{"Moscow": {City: "Moscow"}}}
	if prev := s.Swap(first); prev != nil {
		t.Errorf("Swap() previous = %v, want nil", prev)
	}
	if a, ok := s.Baseline(" moscow "); !ok || a.City != "Moscow" {
		t.Errorf("Baseline(moscow) = %+v, %v", a, ok)
	}

	second := &Result{Analyses: map[string]models.CityAnalysis{}}
	if prev := s.Swap(second); prev != first {
		t.Error("Swap() did not return the previous result")
	}
	if _, ok := s.Baseline("Moscow"); ok {
		t.Error("Baseline() served a city from the replaced result")
	}
}
