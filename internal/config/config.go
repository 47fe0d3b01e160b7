package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Cache backends.
const (
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
)

// Season sources for live readings.
const (
	SeasonSourceLastRecord = "last_record"
	SeasonSourceCalendar   = "calendar"
)

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	ServerPort string

	// WeatherAPIKey is the default credential; requests may supply their own.
	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPITimeout time.Duration

	RequestTimeout time.Duration

	RollingWindow    int
	AnomalyThreshold float64
	Workers          int
	SeasonSource     string

	DataPath    string
	DefaultCity string

	CacheBackend    string // "in_memory" or "memcached"
	CacheTTL        time.Duration
	Coalesce        bool
	CoalesceTimeout time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	WarmingEnabled  bool
	WarmingInterval time.Duration
	WarmingCities   []string

	RateLimitRPS         int
	RateLimitBurst       int
	OverloadWindow       time.Duration
	OverloadThresholdPct int

	DegradedWindow   time.Duration
	DegradedErrorPct int

	ShutdownTimeout time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Analysis struct {
		RollingWindow    int     `yaml:"rolling_window"`
		AnomalyThreshold float64 `yaml:"anomaly_threshold"`
		Workers          int     `yaml:"workers"`
		SeasonSource     string  `yaml:"season_source"`
	} `yaml:"analysis"`

	Data struct {
		Path        string `yaml:"path"`
		DefaultCity string `yaml:"default_city"`
	} `yaml:"data"`

	Cache struct {
		Backend         string `yaml:"backend"`
		TTL             string `yaml:"ttl"`
		Coalesce        *bool  `yaml:"coalesce"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Warming struct {
		Enabled  bool     `yaml:"enabled"`
		Interval string   `yaml:"interval"`
		Cities   []string `yaml:"cities"`
	} `yaml:"warming"`

	Reliability struct {
		RateLimitRPS         int    `yaml:"rate_limit_rps"`
		RateLimitBurst       int    `yaml:"rate_limit_burst"`
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
	} `yaml:"reliability"`

	Health struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads configuration relative to the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadDir(cwd)
}

// LoadDir reads dir/.env (optional), dir/config/{ENV_NAME}.yaml (default dev)
// and dir/config/secrets.yaml (optional). Environment variables set before
// the call win over .env entries. The API key comes from WEATHER_API_KEY or
// the secrets file and may be empty.
func LoadDir(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.WeatherAPIKey = os.Getenv("WEATHER_API_KEY")
	if cfg.WeatherAPIKey == "" {
		key, err := readSecrets(filepath.Join(dir, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.WeatherAPIKey = key
	}

	cfg.WeatherAPIURL = fc.WeatherAPI.URL
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 2*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)

	cfg.RollingWindow = fc.Analysis.RollingWindow
	if cfg.RollingWindow == 0 {
		cfg.RollingWindow = 30
	}
	cfg.AnomalyThreshold = fc.Analysis.AnomalyThreshold
	if cfg.AnomalyThreshold == 0 {
		cfg.AnomalyThreshold = 2.0
	}
	cfg.Workers = fc.Analysis.Workers
	cfg.SeasonSource = strings.TrimSpace(strings.ToLower(fc.Analysis.SeasonSource))
	if cfg.SeasonSource == "" {
		cfg.SeasonSource = SeasonSourceLastRecord
	}

	cfg.DataPath = strings.TrimSpace(os.Getenv("DATA_PATH"))
	if cfg.DataPath == "" {
		cfg.DataPath = fc.Data.Path
	}
	if cfg.DataPath == "" {
		cfg.DataPath = "data/temperature_data.csv"
	}
	cfg.DefaultCity = fc.Data.DefaultCity

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = BackendInMemory
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.Coalesce = true
	if fc.Cache.Coalesce != nil {
		cfg.Coalesce = *fc.Cache.Coalesce
	}
	cfg.CoalesceTimeout = parseDuration(fc.Cache.CoalesceTimeout, 5*time.Second)

	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.WarmingEnabled = fc.Warming.Enabled
	cfg.WarmingInterval = parseDuration(fc.Warming.Interval, 4*time.Minute)
	cfg.WarmingCities = fc.Warming.Cities

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.OverloadWindow = parseDuration(fc.Reliability.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Reliability.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 20
	}

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return sec.WeatherAPIKey, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// RequestTimeout is raised above WeatherAPITimeout when needed.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if cfg.RollingWindow < 1 {
		return fmt.Errorf("analysis.rolling_window must be at least 1, got %d", cfg.RollingWindow)
	}
	if cfg.AnomalyThreshold <= 0 {
		return fmt.Errorf("analysis.anomaly_threshold must be positive, got %v", cfg.AnomalyThreshold)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("analysis.workers must not be negative, got %d", cfg.Workers)
	}
	switch cfg.SeasonSource {
	case SeasonSourceLastRecord, SeasonSourceCalendar:
	default:
		return fmt.Errorf("analysis.season_source must be %s or %s, got %q", SeasonSourceLastRecord, SeasonSourceCalendar, cfg.SeasonSource)
	}
	switch cfg.CacheBackend {
	case BackendInMemory, BackendMemcached:
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.OverloadThresholdPct > 100 {
		return fmt.Errorf("reliability.overload_threshold_pct must be at most 100, got %d", cfg.OverloadThresholdPct)
	}
	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("health.degraded_error_pct must be at most 100, got %d", cfg.DegradedErrorPct)
	}
	return nil
}
