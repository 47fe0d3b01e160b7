package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
)

const keyPrefix = "live:"

// maxRelativeExp is the largest relative expiration memcached accepts (30 days).
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client *memcache.Client
	now    func() time.Time
}

// memcachedEntry is the stored form. Freshness is re-checked against StoredAt
// on read because memcached expiration only has whole-second resolution.
type memcachedEntry struct {
	Snapshot   models.WeatherSnapshot `json:"snapshot"`
	StoredAt   time.Time              `json:"storedAt"`
	TTLSeconds float64                `json:"ttlSeconds"`
}

func (e memcachedEntry) fresh(now time.Time) bool {
	return now.Sub(e.StoredAt).Seconds() < e.TTLSeconds
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, now: time.Now}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// maxCityKeyBytes bounds the readable city part of a memcached key, keeping
// the full key well under memcached's 250-byte limit.
const maxCityKeyBytes = 96

// key maps a Key to a memcached key. Memcached keys may not contain whitespace
// or control bytes; long or unusual city names are replaced by their hash.
func (c *MemcachedCache) key(k Key) string {
	city := strings.ReplaceAll(k.City, " ", "_")
	if len(city) > maxCityKeyBytes || strings.IndexFunc(city, illegalKeyRune) >= 0 {
		sum := sha256.Sum256([]byte(k.City))
		city = "h-" + hex.EncodeToString(sum[:16])
	}
	return keyPrefix + city + ":" + k.Fingerprint
}

func illegalKeyRune(r rune) bool {
	return r <= ' ' || r == 0x7f || r == utf8.RuneError
}

// Get implements Cache.Get. Returns false, nil on miss or stale entry; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key Key) (models.WeatherSnapshot, bool, error) {
	if ctx.Err() != nil {
		return models.WeatherSnapshot{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.WeatherSnapshot{}, false, nil
		}
		return models.WeatherSnapshot{}, false, err
	}
	var entry memcachedEntry
	if err := json.Unmarshal(item.Value, &entry); err != nil {
		return models.WeatherSnapshot{}, false, err
	}
	if !entry.fresh(c.now()) {
		return models.WeatherSnapshot{}, false, nil
	}
	return entry.Snapshot, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key Key, value models.WeatherSnapshot, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(memcachedEntry{Snapshot: value, StoredAt: c.now(), TTLSeconds: ttl.Seconds()})
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expirationSeconds(ttl),
	})
}

// expirationSeconds rounds ttl up to whole seconds so memcached never evicts
// an entry that is still fresh by StoredAt.
func expirationSeconds(ttl time.Duration) int32 {
	sec := math.Ceil(ttl.Seconds())
	if sec <= 0 || sec > maxRelativeExp {
		return 3600
	}
	return int32(sec)
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
