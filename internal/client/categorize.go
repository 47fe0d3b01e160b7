package client

import (
	"context"
	"errors"

	"github.com/kjstillabower/seasonal-anomaly-service/internal/models"
)

// Classify maps a CurrentTemperature error onto the closed set of live-lookup
// outcomes. Context cancellation and deadlines count as network failures;
// anything unrecognised is a provider error.
func Classify(err error) models.ErrorKind {
	switch {
	case err == nil:
		return models.ErrorKindNone
	case errors.Is(err, ErrInvalidAPIKey):
		return models.ErrorKindAuth
	case errors.Is(err, ErrCityNotFound):
		return models.ErrorKindNotFound
	case errors.Is(err, ErrNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return models.ErrorKindNetwork
	default:
		return models.ErrorKindProvider
	}
}

// ProviderMessage returns the human-readable message the provider attached to
// a non-2xx response, or "" when there was none.
func ProviderMessage(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return ""
}
