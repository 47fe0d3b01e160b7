// Package batch fans per-city analyses out over a bounded worker pool and
// merges them into one immutable Result.
package batch

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/observability"
)

// Analyzer analyses one city's ordered series; implemented by seasonal.Engine.
type Analyzer interface {
	Analyze(records []models.TemperatureRecord) (models.CityAnalysis, error)
}

// Result is the outcome of one batch. It is not modified after AnalyzeAll returns.
type Result struct {
	Analyses map[string]models.CityAnalysis
	Failures map[string]error
	Elapsed  time.Duration
}

// Cities returns the successfully analysed city names, sorted.
func (r *Result) Cities() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Analyses))
	for city := range r.Analyses {
		out = append(out, city)
	}
	sort.Strings(out)
	return out
}

// Get returns the analysis of city.
func (r *Result) Get(city string) (models.CityAnalysis, bool) {
	if r == nil {
		return models.CityAnalysis{}, false
	}
	a, ok := r.Analyses[city]
	return a, ok
}

// Orchestrator runs analyses concurrently, one job per city.
type Orchestrator struct {
	analyzer Analyzer
	workers  int
	logger   *zap.Logger
}

// NewOrchestrator returns an Orchestrator with at most workers concurrent
// analyses. Non-positive workers means runtime.NumCPU().
func NewOrchestrator(analyzer Analyzer, workers int, logger *zap.Logger) *Orchestrator {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{analyzer: analyzer, workers: workers, logger: logger}
}

type job struct {
	city    string
	records []models.TemperatureRecord
}

type outcome struct {
	city     string
	analysis models.CityAnalysis
	err      error
}

// AnalyzeAll partitions records by city (input order is kept within a city)
// and analyses every partition. A city whose analysis fails or panics is
// recorded in Failures and does not affect the others. Cities whose job has
// not started when ctx is done fail with ctx.Err().
func (o *Orchestrator) AnalyzeAll(ctx context.Context, records []models.TemperatureRecord) *Result {
	start := time.Now()
	partitions, order := Partition(records)

	jobs := make(chan job)
	outcomes := make(chan outcome)

	workers := o.workers
	if workers > len(order) {
		workers = len(order)
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				outcomes <- o.run(ctx, j)
			}
		}()
	}

	go func() {
		for _, city := range order {
			jobs <- job{city: city, records: partitions[city]}
		}
		close(jobs)
		wg.Wait()
		close(outcomes)
	}()

	result := &Result{
		Analyses: make(map[string]models.CityAnalysis, len(order)),
		Failures: make(map[string]error),
	}
	anomalies := 0
	for out := range outcomes {
		if out.err != nil {
			result.Failures[out.city] = out.err
			observability.AnalysisCitiesTotal.WithLabelValues("failure").Inc()
			o.logger.Error("city analysis failed", zap.String("city", out.city), zap.Error(out.err))
			continue
		}
		result.Analyses[out.city] = out.analysis
		anomalies += out.analysis.AnomaliesCount
		observability.AnalysisCitiesTotal.WithLabelValues("success").Inc()
	}
	result.Elapsed = time.Since(start)

	observability.AnalysisBatchDurationSeconds.Observe(result.Elapsed.Seconds())
	observability.AnomaliesDetectedTotal.Add(float64(anomalies))
	o.logger.Info("analysis batch complete",
		zap.Int("cities", len(order)),
		zap.Int("failures", len(result.Failures)),
		zap.Int("anomalies", anomalies),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result
}

// run analyses one partition, converting a panic into a failure.
func (o *Orchestrator) run(ctx context.Context, j job) (out outcome) {
	out.city = j.city
	if err := ctx.Err(); err != nil {
		out.err = err
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			out.analysis = models.CityAnalysis{}
			out.err = fmt.Errorf("analysis of %s panicked: %v", j.city, r)
		}
	}()
	out.analysis, out.err = o.analyzer.Analyze(j.records)
	if out.err != nil {
		out.err = fmt.Errorf("analyse %s: %w", j.city, out.err)
	}
	return out
}

// Partition groups records by city. Each partition is a private copy that
// keeps input order; order lists cities by first appearance.
func Partition(records []models.TemperatureRecord) (partitions map[string][]models.TemperatureRecord, order []string) {
	partitions = make(map[string][]models.TemperatureRecord)
	for _, r := range records {
		if _, ok := partitions[r.City]; !ok {
			order = append(order, r.City)
		}
		partitions[r.City] = append(partitions[r.City], r)
	}
	return partitions, order
}
