package llm

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnknownProvider is returned for provider names with no registered factory.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrNoProvider is returned when the manager has no configured provider.
	ErrNoProvider = errors.New("no LLM provider configured")

	// ErrMissingAPIKey is returned when a provider is built without a key.
	ErrMissingAPIKey = errors.New("missing API key")
)

// ProviderAPIError reports a failed model API request.
type ProviderAPIError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
	Retryable  bool
	Err        error
}

func (e *ProviderAPIError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("%s: request failed: %v", e.Provider, e.Err)
	case e.Type != "":
		return fmt.Sprintf("%s: API error %d: %s: %s", e.Provider, e.StatusCode, e.Type, e.Message)
	default:
		return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, e.Message)
	}
}

func (e *ProviderAPIError) Unwrap() error { return e.Err }

// retryableStatus reports whether an HTTP status is worth retrying.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var apiErr *ProviderAPIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}
