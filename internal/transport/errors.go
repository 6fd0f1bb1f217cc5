package transport

import "fmt"

// ErrorType classifies a transport failure for the retry engine.
type ErrorType string

const (
	// ErrorTypeNetwork covers connection resets, DNS failures, and timeouts.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeServer covers upstream HTTP 5xx responses.
	ErrorTypeServer ErrorType = "server"
	// ErrorTypeAuthentication covers 401/403 responses.
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeUnknown is everything else.
	ErrorTypeUnknown ErrorType = "unknown"
)

// ProviderError is the normalized failure shape surfaced by the transport.
// StatusCode is zero for failures that never produced an HTTP response.
type ProviderError struct {
	Type       ErrorType
	StatusCode int
	Retryable  bool
	Message    string
	Original   error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (%s, status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Type, e.Message)
}

// Unwrap exposes the original error for errors.Is/As.
func (e *ProviderError) Unwrap() error { return e.Original }
