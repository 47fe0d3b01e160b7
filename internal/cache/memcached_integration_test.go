//go:build integration
// +build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
)

func newTestMemcached(t *testing.T) *MemcachedCache {
	t.Helper()
	c, err := NewMemcachedCache("localhost:11211", 500*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("NewMemcachedCache() error = %v", err)
	}
	if err := c.Ping(); err != nil {
		t.Skipf("memcached not reachable: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// TestMemcachedCache_GetSet_Integration verifies that MemcachedCache successfully
// stores and retrieves snapshots when memcached server is available.
func TestMemcachedCache_GetSet_Integration(t *testing.T) {
	c := newTestMemcached(t)
	ctx := context.Background()
	key := NewKey("Moscow", "integration-key")

	val := models.WeatherSnapshot{City: "Moscow", Temperature: -4.2, Season: models.Winter, IsAnomaly: true}
	if err := c.Set(ctx, key, val, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.City != val.City || got.Temperature != val.Temperature || !got.IsAnomaly {
		t.Errorf("Get() = %+v, want %+v", got, val)
	}
}

// TestMemcachedCache_NegativeEntry_Integration verifies failed snapshots round-trip.
func TestMemcachedCache_NegativeEntry_Integration(t *testing.T) {
	c := newTestMemcached(t)
	ctx := context.Background()
	key := NewKey("Atlantis", "integration-key")

	val := models.WeatherSnapshot{City: "Atlantis", ErrorKind: models.ErrorKindNotFound, Error: "City Atlantis not found"}
	if err := c.Set(ctx, key, val, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got.ErrorKind != models.ErrorKindNotFound || got.Error != val.Error {
		t.Errorf("Get() = %+v, want %+v", got, val)
	}
}

// TestMemcachedCache_StaleEntry_Integration verifies freshness is re-checked
// against storedAt on read.
func TestMemcachedCache_StaleEntry_Integration(t *testing.T) {
	c := newTestMemcached(t)
	ctx := context.Background()
	key := NewKey("Oslo", "integration-key")

	base := time.Now()
	c.now = func() time.Time { return base }
	if err := c.Set(ctx, key, models.WeatherSnapshot{City: "Oslo", Season: models.Spring}, 10*time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	c.now = func() time.Time { return base.Add(10 * time.Second) }
	if _, ok, err := c.Get(ctx, key); err != nil || ok {
		t.Errorf("Get() = %v, %v; want stale miss", ok, err)
	}
}

// TestMemcachedCache_Get_Miss_Integration verifies that MemcachedCache returns
// ok=false when requested key does not exist in memcached.
func TestMemcachedCache_Get_Miss_Integration(t *testing.T) {
	c := newTestMemcached(t)

	_, ok, err := c.Get(context.Background(), NewKey("nonexistent-city-xyz", "k"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}
