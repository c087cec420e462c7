package arca

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

var (
	// ErrNoTokens is returned by a token store that holds nothing for the requested key.
	ErrNoTokens = errors.New("no cached authorization ticket")
	// ErrUnexpectedResponse marks a SOAP response whose shape does not match the service schema.
	ErrUnexpectedResponse = errors.New("unexpected response structure")
)

// SigningError reports unreadable or malformed key material. It indicates misconfiguration
// and is never retried.
type SigningError struct {
	Path string
	Err  error
}

func (e *SigningError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("signing failed (%s): %v", e.Path, e.Err)
	}
	return fmt.Sprintf("signing failed: %v", e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// AuthenticationError is returned by WSAA after the retry budget is spent or a
// non-retryable failure occurred.
type AuthenticationError struct {
	Attempts int
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("WSAA authentication failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ProtocolError reports a response that could not be interpreted (missing elements, bad XML).
type ProtocolError struct {
	Service string
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: invalid response: %s: %v", e.Service, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: invalid response: %s", e.Service, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ServiceUnavailableError wraps any failure of the WSFE health check.
type ServiceUnavailableError struct {
	Err error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("WSFE unavailable: %v", e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// ErrorDetail is a single entry of the fiscal authority Errors/Observaciones lists.
type ErrorDetail struct {
	Code    int
	Message string
}

func (e ErrorDetail) String() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// APIError carries the Errors list returned by WSFE in an otherwise well formed response.
type APIError struct {
	Operation string
	Details   []ErrorDetail
}

func (e *APIError) Error() string {
	msgs := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		msgs = append(msgs, d.String())
	}
	return fmt.Sprintf("%s rejected: %s", e.Operation, strings.Join(msgs, "; "))
}

// Messages returns the details formatted as "code: message".
func (e *APIError) Messages() []string {
	msgs := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		msgs = append(msgs, d.String())
	}
	return msgs
}

// ValidationError reports an invoice request field that cannot be sent to WSFE.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed on %s: %s (value=%v)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}
