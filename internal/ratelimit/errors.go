package ratelimit

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/valyala/fastjson"
)

var (
	// ErrUnauthorized is returned for HTTP 401: the API key is missing or invalid
	ErrUnauthorized = errors.New("unauthorized: missing or invalid API key")
	// ErrRateLimited is returned for HTTP 429 from the provider
	ErrRateLimited = errors.New("rate limited by provider")
	// ErrForbidden is returned for HTTP 403: the key lacks permission for the endpoint
	ErrForbidden = errors.New("forbidden: insufficient permission")
	// ErrRequestFailed covers transport failures and any other non-2xx status
	ErrRequestFailed = errors.New("request failed")
)

// StatusError is returned when the provider answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Message    string
	kind       error
}

func newStatusError(statusCode int, body []byte) *StatusError {
	var kind error
	switch statusCode {
	case http.StatusUnauthorized:
		kind = ErrUnauthorized
	case http.StatusTooManyRequests:
		kind = ErrRateLimited
	case http.StatusForbidden:
		kind = ErrForbidden
	default:
		kind = ErrRequestFailed
	}

	return &StatusError{
		StatusCode: statusCode,
		Message:    providerMessage(body),
		kind:       kind,
	}
}

// Error implements the error interface
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (HTTP %d)", e.kind, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d): %s", e.kind, e.StatusCode, e.Message)
}

// Unwrap exposes the sentinel for errors.Is
func (e *StatusError) Unwrap() error {
	return e.kind
}

// providerMessage pulls a human readable message out of an error body.
// Providers disagree on the shape, so the known paths are tried in order.
func providerMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	v, err := fastjson.ParseBytes(body)
	if err != nil {
		const maxLen = 200
		if len(body) > maxLen {
			return string(body[:maxLen])
		}
		return string(body)
	}

	paths := [][]string{
		{"status", "error_message"},
		{"error", "message"},
		{"error"},
		{"message"},
	}
	for _, path := range paths {
		if s := v.GetStringBytes(path...); len(s) > 0 {
			return string(s)
		}
	}
	return ""
}
