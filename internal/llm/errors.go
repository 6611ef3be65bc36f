package llm

import (
	"errors"
	"fmt"
)

// APIError is a provider failure normalized across backends so the relay can
// classify it without knowing which SDK produced it.
type APIError struct {
	Provider   Provider
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Type != "":
		return fmt.Sprintf("%s: HTTP %d: %s (%s): %s", e.Provider, e.StatusCode, e.Type, e.Code, e.Message)
	case e.Type != "":
		return fmt.Sprintf("%s: HTTP %d: %s: %s", e.Provider, e.StatusCode, e.Type, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: HTTP %d", e.Provider, e.StatusCode)
	}
}

// AsAPIError unwraps err into an *APIError if one is present in its chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
