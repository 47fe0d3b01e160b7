//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/batch"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/cache"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/client"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/ingest"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/live"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/observability"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/seasonal"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/service"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/traffic"
)

// ValidKey is the only credential FakeProvider accepts.
const ValidKey = "integration-key"

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}
	return IntegrationTestConfig{
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// FakeProvider serves OpenWeatherMap-shaped responses. Temperatures maps a
// lowercased city to its current reading; unknown cities get 404.
type FakeProvider struct {
	Server       *httptest.Server
	Temperatures map[string]float64
	calls        atomic.Int64
}

// Calls returns the number of requests served.
func (p *FakeProvider) Calls() int64 {
	return p.calls.Load()
}

// NewFakeProvider starts a FakeProvider and closes it when the test ends.
func NewFakeProvider(t *testing.T, temps map[string]float64) *FakeProvider {
	t.Helper()
	p := &FakeProvider{Temperatures: temps}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("appid") != ValidKey {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"cod":401,"message":"Invalid API key"}`))
			return
		}
		temp, ok := p.Temperatures[strings.ToLower(r.URL.Query().Get("q"))]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"cod":"404","message":"city not found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"main": map[string]float64{"temp": temp},
		})
	}))
	t.Cleanup(p.Server.Close)
	return p
}

// Stack is the service wiring used by the HTTP integration tests.
type Stack struct {
	Store        *batch.Store
	Orchestrator *batch.Orchestrator
	Service      *service.LiveReadingService
	Cache        cache.Cache
	Tracker      *traffic.Tracker
}

// SetupIntegrationStack analyses csvData and wires a live reading service
// against provider. Falls back to the in-memory cache when memcached is
// requested but unreachable.
func SetupIntegrationStack(t *testing.T, cfg IntegrationTestConfig, provider *FakeProvider, csvData string) *Stack {
	t.Helper()
	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	records, err := ingest.ReadCSV(strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	orch := batch.NewOrchestrator(seasonal.NewEngine(seasonal.DefaultWindow, seasonal.DefaultThreshold), 0, logger)
	store := batch.NewStore(orch.AnalyzeAll(context.Background(), records))

	weatherClient, err := client.NewOpenWeatherClient(provider.Server.URL, 2*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}

	var cacheSvc cache.Cache = cache.NewInMemoryCache()
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil && mc.Ping() == nil {
			cacheSvc = mc
			t.Cleanup(func() { _ = mc.Close() })
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available, using in-memory cache")
		}
	}

	tracker := traffic.NewTracker()
	svc := service.NewLiveReadingService(
		live.NewFetcher(weatherClient, logger),
		cacheSvc,
		service.Config{TTL: 5 * time.Minute, Coalesce: true, CoalesceTimeout: 2 * time.Second},
		tracker,
		logger,
	)
	return &Stack{Store: store, Orchestrator: orch, Service: svc, Cache: cacheSvc, Tracker: tracker}
}
