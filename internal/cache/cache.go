package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
)

// Key identifies a cached live reading: the city and a fingerprint of the
// credential that produced it. The same city looked up with two different
// credentials yields two independent entries.
type Key struct {
	City        string
	Fingerprint string
}

// NewKey normalises city and fingerprints credential. The raw credential is never stored.
func NewKey(city, credential string) Key {
	return Key{
		City:        strings.ToLower(strings.TrimSpace(city)),
		Fingerprint: Fingerprint(credential),
	}
}

func (k Key) String() string {
	return k.City + "|" + k.Fingerprint
}

// Fingerprint returns a stable, non-reversible identifier for credential.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}

// Cache defines the interface for live-reading cache implementations.
// Get returns cached data if present and younger than its TTL, Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, key Key) (models.WeatherSnapshot, bool, error)
	Set(ctx context.Context, key Key, value models.WeatherSnapshot, ttl time.Duration) error
}

// InMemoryCache implements Cache using a mutex-guarded map. Expired entries are
// reported as absent but kept until the next Set for the same key replaces them.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[Key]cacheEntry
	now  func() time.Time
}

// cacheEntry stores one snapshot with the time it was stored and its TTL.
type cacheEntry struct {
	value    models.WeatherSnapshot
	storedAt time.Time
	ttl      time.Duration
}

func (e cacheEntry) fresh(now time.Time) bool {
	return now.Sub(e.storedAt) < e.ttl
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithClock(time.Now)
}

// NewInMemoryCacheWithClock creates an in-memory cache that reads time from now.
func NewInMemoryCacheWithClock(now func() time.Time) *InMemoryCache {
	return &InMemoryCache{
		data: make(map[Key]cacheEntry),
		now:  now,
	}
}

// Get returns (snapshot, true, nil) when an entry exists and now - storedAt < ttl,
// otherwise (zero, false, nil).
func (c *InMemoryCache) Get(ctx context.Context, key Key) (models.WeatherSnapshot, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || !entry.fresh(c.now()) {
		return models.WeatherSnapshot{}, false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key, replacing any previous entry as a whole.
func (c *InMemoryCache) Set(ctx context.Context, key Key, value models.WeatherSnapshot, ttl time.Duration) error {
	entry := cacheEntry{
		value:    value,
		storedAt: c.now(),
		ttl:      ttl,
	}
	c.mu.Lock()
	c.data[key] = entry
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, fresh or not.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
