package transcribe

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAlreadyProcessing         = errors.New("transcribe: already processing")
	ErrInvalidAudioData          = errors.New("transcribe: invalid audio data")
	ErrFileTooLarge              = errors.New("transcribe: file too large")
	ErrInvalidURL                = errors.New("transcribe: invalid URL")
	ErrInvalidResponse           = errors.New("transcribe: invalid response")
	ErrAuth                      = errors.New("transcribe: authentication failed")
	ErrModelAccessDenied         = errors.New("transcribe: model access denied")
	ErrModelNotFound             = errors.New("transcribe: model not found")
	ErrSubscriptionLimitExceeded = errors.New("transcribe: subscription limit exceeded")
	ErrInsufficientCredits       = errors.New("transcribe: insufficient credits")
	ErrBackendNotAvailable       = errors.New("transcribe: backend not available")
	ErrAPIKeyNotSet              = errors.New("transcribe: API key not set")
	ErrConnectionTimeout         = errors.New("transcribe: connection timeout")
	ErrConnection                = errors.New("transcribe: connection failed")
	ErrSessionFailed             = errors.New("transcribe: session failed")
)

// APIError is a non-2xx response from a provider. Well-known status codes
// unwrap to the matching sentinel, so callers can test with errors.Is and
// still read the status and body.
type APIError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transcribe: %s API error (status %d): %s", e.Backend, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrAuth
	case http.StatusForbidden:
		return ErrModelAccessDenied
	case http.StatusNotFound:
		return ErrModelNotFound
	case http.StatusRequestEntityTooLarge:
		return ErrFileTooLarge
	}
	return nil
}

// SessionError reports why a streaming session failed.
type SessionError struct {
	Backend  string
	Reason   string
	Attempts int
	Err      error
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("transcribe: %s session failed: %s", e.Backend, e.Reason)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" (after %d attempts)", e.Attempts)
	}
	return msg
}

// Is makes every SessionError match ErrSessionFailed.
func (e *SessionError) Is(target error) bool { return target == ErrSessionFailed }

func (e *SessionError) Unwrap() error { return e.Err }
