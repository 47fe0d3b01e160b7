// Package ingest loads historical temperature records from CSV.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
)

// Columns lists the required CSV header fields.
var Columns = []string{"city", "timestamp", "temperature", "season"}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

var (
	ErrMissingColumn = errors.New("missing required column")
	ErrEmptyInput    = errors.New("no header row")
	ErrOutOfOrder    = errors.New("timestamp earlier than previous record of the same city")
)

var validate = validator.New()

// RowError reports a problem with one CSV line (1-based, header is line 1).
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// LoadFile reads records from the CSV file at path.
func LoadFile(path string) ([]models.TemperatureRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	records, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return records, nil
}

// ReadCSV parses records from r. The header must name the city, timestamp,
// temperature and season columns in any order; other columns are ignored.
// Timestamps must be non-decreasing within each city.
func ReadCSV(r io.Reader) ([]models.TemperatureRecord, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyInput
	}
	if err != nil {
		return nil, err
	}
	idx, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	var out []models.TemperatureRecord
	last := make(map[string]time.Time)
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &RowError{Line: line, Err: err}
		}
		rec, err := parseRow(row, idx)
		if err != nil {
			return nil, &RowError{Line: line, Err: err}
		}
		if prev, ok := last[rec.City]; ok && rec.Timestamp.Before(prev) {
			return nil, &RowError{Line: line, Err: fmt.Errorf("%w: %s", ErrOutOfOrder, rec.City)}
		}
		last[rec.City] = rec.Timestamp
		out = append(out, rec)
	}
	return out, nil
}

func columnIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, col := range Columns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}
	return idx, nil
}

func parseRow(row []string, idx map[string]int) (models.TemperatureRecord, error) {
	field := func(name string) string {
		if i := idx[name]; i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var rec models.TemperatureRecord
	rec.City = field("city")
	rec.Season = models.Season(strings.ToLower(field("season")))

	ts, err := parseTimestamp(field("timestamp"))
	if err != nil {
		return rec, err
	}
	rec.Timestamp = ts

	raw := field("temperature")
	temp, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return rec, fmt.Errorf("temperature %q is not a number", raw)
	}
	if math.IsNaN(temp) || math.IsInf(temp, 0) {
		return rec, fmt.Errorf("temperature %q is not finite", raw)
	}
	rec.Temperature = temp

	if err := validate.Struct(rec); err != nil {
		return rec, describeValidation(err)
	}
	return rec, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("timestamp is required")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not RFC3339 or YYYY-MM-DD[ HH:MM:SS]", s)
}

// describeValidation turns validator field errors into a short message.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "oneof":
		return fmt.Errorf("%s %q must be one of %s", field, fe.Value(), fe.Param())
	}
	return fmt.Errorf("%s fails %s", field, fe.Tag())
}
