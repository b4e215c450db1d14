package provider

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is returned for any non-2xx provider response. Message carries
// the provider's own error text when the body contained one.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API error %d", e.Provider, e.StatusCode)
}

// TranslateError converts technical provider/transport errors into
// user-friendly messages for failure events.
func TranslateError(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return "Authentication error: check the API key for provider " + apiErr.Provider + "."
		case apiErr.StatusCode == 429:
			return "Rate limit exceeded: wait a moment or switch provider/model."
		case apiErr.StatusCode >= 500:
			return "Provider " + apiErr.Provider + " is temporarily unavailable. Try again later."
		}
	}

	errMsg := err.Error()

	if strings.Contains(errMsg, "max_tokens") || strings.Contains(errMsg, "context_length") || strings.Contains(errMsg, "too many tokens") {
		return "Context full: too much data for this model. Reduce the workflow's step history or pick a larger model."
	}
	if strings.Contains(errMsg, "model_not_found") || (strings.Contains(errMsg, "404") && strings.Contains(errMsg, "model")) {
		return "Model not found: check the model name in settings."
	}
	if strings.Contains(errMsg, "deadline exceeded") || strings.Contains(errMsg, "timeout") {
		return "Connection timeout: check your network or the provider's status page."
	}
	if strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "no such host") {
		return "Network error: cannot reach the AI server."
	}

	return errMsg
}
