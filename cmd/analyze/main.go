// Command analyze runs the seasonal analysis over a CSV file and prints one
// city's baseline followed by its current reading.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/batch"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/client"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/config"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/ingest"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/live"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
	"github.com/kjstillabower/seasonal-anomaly-service/internal/seasonal"
)

const defaultAPIURL = "https://api.openweathermap.org/data/2.5/weather"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configDir string
	dataPath  string
	city      string
	apiKey    string
	apiURL    string
	window    int
	threshold float64
	workers   int
	timeout   time.Duration
	verbose   bool
}

func parseFlags(args []string) (options, error) {
	var o options
	flags := flag.NewFlagSet("analyze", flag.ContinueOnError)
	flags.StringVar(&o.configDir, "config-dir", ".", "directory holding config/{ENV_NAME}.yaml; its values replace unset flag defaults")
	flags.StringVar(&o.dataPath, "data", "data/temperature_data.csv", "historical CSV file")
	flags.StringVar(&o.city, "city", "", "city to report (default: first analysed city)")
	flags.StringVar(&o.apiKey, "api-key", os.Getenv("WEATHER_API_KEY"), "OpenWeatherMap API key; empty skips the live reading")
	flags.StringVar(&o.apiURL, "api-url", defaultAPIURL, "current weather endpoint")
	flags.IntVar(&o.window, "window", seasonal.DefaultWindow, "rolling mean window")
	flags.Float64Var(&o.threshold, "threshold", seasonal.DefaultThreshold, "anomaly threshold in standard deviations")
	flags.IntVar(&o.workers, "workers", 0, "concurrent analyses (0 = number of CPUs)")
	flags.DurationVar(&o.timeout, "timeout", 2*time.Second, "live lookup timeout")
	flags.BoolVar(&o.verbose, "v", false, "log progress to stderr")
	if err := flags.Parse(args); err != nil {
		return o, err
	}
	if err := applyConfig(&o, flags); err != nil {
		return o, err
	}
	if o.window < 1 {
		return o, fmt.Errorf("-window must be at least 1, got %d", o.window)
	}
	if o.threshold <= 0 {
		return o, fmt.Errorf("-threshold must be positive, got %v", o.threshold)
	}
	return o, nil
}

// applyConfig fills every flag the caller did not set from the service
// configuration under o.configDir. Without a config directory the built-in
// defaults stand.
func applyConfig(o *options, flags *flag.FlagSet) error {
	if _, err := os.Stat(filepath.Join(o.configDir, "config")); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	cfg, err := config.LoadDir(o.configDir)
	if err != nil {
		return err
	}
	set := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["data"] {
		o.dataPath = cfg.DataPath
		if !filepath.IsAbs(o.dataPath) {
			o.dataPath = filepath.Join(o.configDir, o.dataPath)
		}
	}
	if !set["city"] {
		o.city = cfg.DefaultCity
	}
	if !set["api-key"] {
		o.apiKey = cfg.WeatherAPIKey
	}
	if !set["api-url"] {
		o.apiURL = cfg.WeatherAPIURL
	}
	if !set["window"] {
		o.window = cfg.RollingWindow
	}
	if !set["threshold"] {
		o.threshold = cfg.AnomalyThreshold
	}
	if !set["workers"] {
		o.workers = cfg.Workers
	}
	if !set["timeout"] {
		o.timeout = cfg.WeatherAPITimeout
	}
	return nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if o.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
	}

	records, err := ingest.LoadFile(o.dataPath)
	if err != nil {
		return err
	}

	orch := batch.NewOrchestrator(seasonal.NewEngine(o.window, o.threshold), o.workers, logger)
	result := orch.AnalyzeAll(ctx, records)
	fmt.Fprintf(out, "Analysed %d cities in %s\n", len(result.Analyses), result.Elapsed.Round(time.Microsecond))
	printFailures(out, result)

	cities := result.Cities()
	if len(cities) == 0 {
		return errors.New("no city could be analysed")
	}
	city := o.city
	if city == "" {
		city = cities[0]
	}
	analysis, ok := batch.NewStore(result).Baseline(city)
	if !ok {
		return fmt.Errorf("city %q not in data", city)
	}

	fmt.Fprintln(out)
	printAnalysis(out, analysis)

	if o.apiKey == "" {
		fmt.Fprintln(out, "\nNo API key; skipping current reading.")
		return nil
	}
	weatherClient, err := client.NewOpenWeatherClient(o.apiURL, o.timeout)
	if err != nil {
		return err
	}
	fetcher := live.NewFetcher(weatherClient, logger, live.WithThreshold(o.threshold))
	snap := fetcher.Fetch(ctx, analysis.City, o.apiKey, analysis)

	fmt.Fprintln(out)
	printSnapshot(out, snap)
	return nil
}

func printFailures(out io.Writer, r *batch.Result) {
	if len(r.Failures) == 0 {
		return
	}
	names := make([]string, 0, len(r.Failures))
	for city := range r.Failures {
		names = append(names, city)
	}
	sort.Strings(names)
	fmt.Fprintf(out, "%d cities failed:\n", len(names))
	for _, city := range names {
		fmt.Fprintf(out, "  %s: %v\n", city, r.Failures[city])
	}
}

func printAnalysis(out io.Writer, a models.CityAnalysis) {
	fmt.Fprintf(out, "%s: %d records, %d anomalies\n", a.City, len(a.Records), a.AnomaliesCount)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEASON\tMEAN\tSTD\tCOUNT")
	for _, s := range models.Seasons() {
		st, ok := a.SeasonalStats[s]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%d\n", s, st.Mean, st.Std, st.Count)
	}
	_ = tw.Flush()
}

func printSnapshot(out io.Writer, s models.WeatherSnapshot) {
	if !s.OK() {
		fmt.Fprintf(out, "Current reading failed (%s): %s\n", s.ErrorKind, s.Error)
		return
	}
	status := "normal"
	if s.IsAnomaly {
		status = "ANOMALY"
	}
	fmt.Fprintf(out, "Current temperature in %s: %.2f°C (%s baseline) %s\n", s.City, s.Temperature, s.Season, status)
}
