package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
)

// fakeClock is a manually advanced clock for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func snapshot(city string, temp float64) models.WeatherSnapshot {
	return models.WeatherSnapshot{City: city, Temperature: temp, Season: models.Winter}
}

// TestInMemoryCache_GetSet verifies that Set stores values and Get retrieves
// them correctly with the expected data.
func TestInMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	key := NewKey("Moscow", "key-a")

	val := snapshot("Moscow", -7.5)
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
	if got.City != val.City || got.Temperature != val.Temperature {
		t.Errorf("Get() = %+v, want %+v", got, val)
	}
}

// TestInMemoryCache_Get_Miss verifies that Get returns ok=false when
// the requested key does not exist in cache.
func TestInMemoryCache_Get_Miss(t *testing.T) {
	c := NewInMemoryCache()

	_, ok, err := c.Get(context.Background(), NewKey("nowhere", "key"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestInMemoryCache_TTLBoundary verifies an entry is served just before its TTL
// elapses, reported absent from the TTL onwards, and kept in storage.
func TestInMemoryCache_TTLBoundary(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewInMemoryCacheWithClock(clock.Now)
	key := NewKey("Moscow", "key-a")
	ttl := 300 * time.Second

	_ = c.Set(ctx, key, snapshot("Moscow", 1), ttl)

	clock.Advance(ttl - time.Second)
	if _, ok, _ := c.Get(ctx, key); !ok {
		t.Fatal("Get() at storedAt+TTL-1s ok = false, want true")
	}

	clock.Advance(time.Second)
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatal("Get() at storedAt+TTL ok = true, want false")
	}

	clock.Advance(time.Second)
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatal("Get() at storedAt+TTL+1s ok = true, want false")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want expired entry to remain stored", c.Len())
	}
}

// TestInMemoryCache_SetSupersedesExpired verifies that a new Set for an
// expired key restarts its TTL.
func TestInMemoryCache_SetSupersedesExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewInMemoryCacheWithClock(clock.Now)
	key := NewKey("Moscow", "key-a")

	_ = c.Set(ctx, key, snapshot("Moscow", 1), time.Minute)
	clock.Advance(2 * time.Minute)
	_ = c.Set(ctx, key, snapshot("Moscow", 2), time.Minute)

	got, ok, _ := c.Get(ctx, key)
	if !ok || got.Temperature != 2 {
		t.Fatalf("Get() = %+v, %v; want the replacement snapshot", got, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

// TestInMemoryCache_CredentialsIndependent verifies the same city cached under
// two credentials yields two independent entries.
func TestInMemoryCache_CredentialsIndependent(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	keyA := NewKey("Moscow", "key-a")
	keyB := NewKey("Moscow", "key-b")

	failed := models.WeatherSnapshot{City: "Moscow", ErrorKind: models.ErrorKindAuth, Error: "Invalid API key"}
	_ = c.Set(ctx, keyA, failed, time.Minute)

	if _, ok, _ := c.Get(ctx, keyB); ok {
		t.Fatal("Get(keyB) hit an entry stored under keyA")
	}
	_ = c.Set(ctx, keyB, snapshot("Moscow", -3), time.Minute)

	gotA, _, _ := c.Get(ctx, keyA)
	gotB, _, _ := c.Get(ctx, keyB)
	if gotA.ErrorKind != models.ErrorKindAuth {
		t.Errorf("keyA entry = %+v, want the auth failure", gotA)
	}
	if !gotB.OK() || gotB.Temperature != -3 {
		t.Errorf("keyB entry = %+v, want the successful reading", gotB)
	}
}

// TestInMemoryCache_ConcurrentAccess verifies that concurrent Get and Set
// operations are thread-safe and leave a complete snapshot per key.
func TestInMemoryCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	key := NewKey("Oslo", "key")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = c.Set(ctx, key, models.WeatherSnapshot{City: "Oslo", Temperature: float64(i), Season: models.Summer}, time.Minute)
		}(i)
		go func() {
			defer wg.Done()
			_, _, _ = c.Get(ctx, key)
		}()
	}
	wg.Wait()

	got, ok, _ := c.Get(ctx, key)
	if !ok {
		t.Fatal("Get() ok = false after concurrent writes")
	}
	if got.City != "Oslo" || got.Season != models.Summer {
		t.Errorf("Get() = %+v, want a complete snapshot from one writer", got)
	}
}

func TestNewKey(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Key
		wantSame bool
	}{
		{"case and space insensitive city", NewKey(" Moscow ", "k"), NewKey("moscow", "k"), true},
		{"different credential", NewKey("Moscow", "k1"), NewKey("Moscow", "k2"), false},
		{"different city", NewKey("Moscow", "k"), NewKey("Oslo", "k"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a == tt.b; got != tt.wantSame {
				t.Errorf("%v == %v is %v, want %v", tt.a, tt.b, got, tt.wantSame)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("secret-key")
	if len(fp) != 16 {
		t.Errorf("len(Fingerprint()) = %d, want 16", len(fp))
	}
	if fp != Fingerprint("secret-key") {
		t.Error("Fingerprint() is not stable")
	}
	if strings.Contains(fp, "secret") {
		t.Error("Fingerprint() leaks the credential")
	}
	if Fingerprint("") == fp {
		t.Error("Fingerprint() collides for different credentials")
	}
}

func TestExpirationSeconds(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want int32
	}{
		{300 * time.Second, 300},
		{1500 * time.Millisecond, 2},
		{0, 3600},
		{60 * 24 * time.Hour, 3600},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.ttl), func(t *testing.T) {
			if got := expirationSeconds(tt.ttl); got != tt.want {
				t.Errorf("expirationSeconds(%s) = %d, want %d", tt.ttl, got, tt.want)
			}
		})
	}
}

func TestMemcachedKey_NoWhitespace(t *testing.T) {
	c := &MemcachedCache{}
	got := c.key(NewKey("New York", "k"))
	want := "live:new_york:" + Fingerprint("k")
	if got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}

func TestMemcachedKey_LongCityHashed(t *testing.T) {
	c := &MemcachedCache{}
	long := strings.Repeat("東", 100)
	got := c.key(NewKey(long, "k"))
	if len(got) > 250 {
		t.Fatalf("key() length = %d, want at most 250", len(got))
	}
	if strings.Contains(got, "東") {
		t.Errorf("key() = %q, want the city part hashed", got)
	}
	if other := c.key(NewKey(strings.Repeat("東", 99)+"西", "k")); other == got {
		t.Error("distinct long cities share a key")
	}
	if again := c.key(NewKey(long, "k")); again != got {
		t.Errorf("key() not stable: %q vs %q", again, got)
	}
}

func TestMemcachedKey_ShortUnicodeKept(t *testing.T) {
	c := &MemcachedCache{}
	if got, want := c.key(NewKey("São Paulo", "k")), "live:são_paulo:"+Fingerprint("k"); got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}
