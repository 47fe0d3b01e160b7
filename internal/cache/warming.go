package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/observability"
)

// ReadingWarmer is implemented by the service layer to refresh the live reading of one city.
// Used by CacheWarmer to avoid a circular dependency on the service package.
type ReadingWarmer interface {
	WarmCity(ctx context.Context, city string) error
}

// warmTimeout bounds one scheduled warming run.
const warmTimeout = 30 * time.Second

// CacheWarmer warms the cache by prefetching live readings for a list of cities.
type CacheWarmer struct {
	target ReadingWarmer
	cities []string
	logger *zap.Logger

	mu        sync.Mutex
	scheduler *gocron.Scheduler
}

// NewCacheWarmer creates a CacheWarmer that refreshes cities through target.
func NewCacheWarmer(target ReadingWarmer, cities []string, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{target: target, cities: cities, logger: logger}
}

// Warm refreshes each city concurrently. Returns the joined per-city errors, if any.
func (w *CacheWarmer) Warm(ctx context.Context, cities []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("cities", len(cities)))

	var wg sync.WaitGroup
	errCh := make(chan error, len(cities))
	for _, city := range cities {
		city := city
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.target.WarmCity(ctx, city); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", city, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDuration.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("cities", len(cities)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return errors.Join(errs...)
	}
	return nil
}

// Schedule runs Warm over the configured cities now and then every interval
// until Stop is called. A run that outlasts interval is not overlapped.
func (w *CacheWarmer) Schedule(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("warming interval must be positive, got %s", interval)
	}
	if len(w.cities) == 0 {
		w.logger.Info("cache warming: no cities configured; nothing to schedule")
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler != nil {
		return errors.New("cache warming already scheduled")
	}

	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(interval).SingletonMode().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
		defer cancel()
		if err := w.Warm(ctx, w.cities); err != nil {
			w.logger.Warn("periodic cache warm failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cache warming: %w", err)
	}
	s.StartAsync()
	w.scheduler = s
	return nil
}

// Stop stops the scheduler. Safe to call when nothing is scheduled.
func (w *CacheWarmer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler != nil {
		w.scheduler.Stop()
		w.scheduler = nil
	}
}
