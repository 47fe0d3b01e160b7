package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/cache"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
)

// inFlightRequest tracks a single lookup that multiple callers may wait for.
// result is written once, before done is closed.
type inFlightRequest struct {
	done   chan struct{}
	result models.WeatherSnapshot
}

// requestCoalescer prevents cache stampede by coalescing concurrent lookups for the same key.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[cache.Key]*inFlightRequest
	timeout  time.Duration
}

// newRequestCoalescer creates a new requestCoalescer; waiters give up after timeout.
func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[cache.Key]*inFlightRequest),
		timeout:  timeout,
	}
}

// Do runs fn for key unless a lookup for key is already in flight, in which
// case it waits for that lookup's result. shared reports whether the result
// came from another caller. err is non-nil only when a waiter's context or
// the coalescing timeout ended the wait first.
func (rc *requestCoalescer) Do(ctx context.Context, key cache.Key, fn func() models.WeatherSnapshot) (result models.WeatherSnapshot, shared bool, err error) {
	rc.mu.Lock()
	if req, ok := rc.inFlight[key]; ok {
		rc.mu.Unlock()

		waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
		defer cancel()
		select {
		case <-req.done:
			return req.result, true, nil
		case <-waitCtx.Done():
			return models.WeatherSnapshot{}, true, waitCtx.Err()
		}
	}

	req := &inFlightRequest{done: make(chan struct{})}
	rc.inFlight[key] = req
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		delete(rc.inFlight, key)
		rc.mu.Unlock()
		close(req.done)
	}()

	req.result = fn()
	return req.result, false, nil
}
