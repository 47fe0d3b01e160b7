package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/observability"
)

// TemperatureClient looks up the current temperature of a city with the given credential.
type TemperatureClient interface {
	CurrentTemperature(ctx context.Context, city, apiKey string) (float64, error)
}

var (
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrCityNotFound  = errors.New("city not found")
	ErrNetwork       = errors.New("network failure")
	ErrProvider      = errors.New("provider error")
)

// ProviderError carries the status and message of a non-2xx response that is
// neither an authentication nor a not-found failure.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("provider error: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error { return ErrProvider }

// maxBodyBytes bounds how much of a provider response is read.
const maxBodyBytes = 1 << 20

type OpenWeatherClient struct {
	apiURL  string
	timeout time.Duration
	client  *http.Client
}

// NewOpenWeatherClient returns a client for the OpenWeatherMap current-weather
// endpoint. Every call is bounded by timeout; calls are never retried.
func NewOpenWeatherClient(apiURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	if _, err := url.Parse(apiURL); err != nil || apiURL == "" {
		return nil, fmt.Errorf("invalid API URL %q", apiURL)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", timeout)
	}
	return &OpenWeatherClient{
		apiURL:  apiURL,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type openWeatherResponse struct {
	Main *struct {
		Temp *float64 `json:"temp"`
	} `json:"main"`
}

type openWeatherError struct {
	Message string `json:"message"`
}

// CurrentTemperature issues one request for city and returns its temperature in °C.
// Failures wrap ErrInvalidAPIKey, ErrCityNotFound, ErrNetwork or ErrProvider.
func (c *OpenWeatherClient) CurrentTemperature(ctx context.Context, city, apiKey string) (float64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, city, apiKey)
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", ErrProvider, err)
	}
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: request timeout after %s", ErrNetwork, c.timeout)
		}
		return 0, fmt.Errorf("%w: %s", ErrNetwork, transportError(err, apiKey))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, fmt.Errorf("%w: read response body: %s", ErrNetwork, transportError(err, apiKey))
	}

	if err := handleErrorResponse(resp.StatusCode, body); err != nil {
		return 0, err
	}

	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return 0, fmt.Errorf("%w: parse response: %v", ErrProvider, err)
	}
	if apiResp.Main == nil || apiResp.Main.Temp == nil {
		return 0, fmt.Errorf("%w: response has no main.temp", ErrProvider)
	}
	return *apiResp.Main.Temp, nil
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, city, apiKey string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := baseURL.Query()
	params.Set("q", city)
	params.Set("appid", apiKey)
	params.Set("units", "metric")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

// transportError describes a failed round trip without the request URL,
// whose query carries the credential.
func transportError(err error, apiKey string) string {
	msg := err.Error()
	var uerr *url.Error
	if errors.As(err, &uerr) {
		msg = uerr.Op + ": " + uerr.Err.Error()
	}
	if apiKey != "" {
		msg = strings.ReplaceAll(msg, apiKey, "[redacted]")
	}
	return msg
}

func handleErrorResponse(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: HTTP 401", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w: HTTP 404", ErrCityNotFound)
	}
	var payload openWeatherError
	_ = json.Unmarshal(body, &payload)
	return &ProviderError{StatusCode: status, Message: payload.Message}
}
