package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrNoBody is reported when a 2xx response carries no body to stream.
	ErrNoBody = errors.New("response has no body")
	// ErrNilResponse is reported when an Opener returns neither a response nor an error.
	ErrNilResponse = errors.New("opener returned no response")
)

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 64 << 10

// StatusError is a non-2xx response from the upstream.
type StatusError struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (e *StatusError) Error() string {
	status := fmt.Sprintf("%d", e.StatusCode)
	if text := http.StatusText(e.StatusCode); text != "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, text)
	}
	var msg string
	if m := e.Message(); m != "" {
		msg = fmt.Sprintf("upstream returned HTTP %s: %s", status, m)
	} else if preview := compactBodyPreview(e.Body, 280); preview != "" {
		msg = fmt.Sprintf("upstream returned HTTP %s with unparsed body: %s", status, preview)
	} else {
		msg = fmt.Sprintf("upstream returned HTTP %s with empty error body", status)
	}
	if id := e.RequestID(); id != "" {
		msg = fmt.Sprintf("%s (request_id: %s)", msg, id)
	}
	return msg
}

// Message extracts the human readable error message from the body, if any.
func (e *StatusError) Message() string {
	return ErrorMessageFromBody(e.Body)
}

// RequestID returns the upstream request id header, if any.
func (e *StatusError) RequestID() string {
	return RequestIDFromHeader(e.Header)
}

// ErrorMessageFromBody looks for a message in the common error body shapes.
func ErrorMessageFromBody(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || !gjson.Valid(trimmed) {
		return ""
	}
	for _, path := range []string{
		"error.message",
		"message",
		"detail",
		"error_description",
		"error",
		"errors.0.message",
		"errors.0",
	} {
		if v := gjson.Get(trimmed, path); v.Type == gjson.String {
			if s := strings.TrimSpace(v.Str); s != "" {
				return s
			}
		}
	}
	return ""
}

// RequestIDFromHeader returns the first request id header the upstream sent.
func RequestIDFromHeader(h http.Header) string {
	if h == nil {
		return ""
	}
	for _, key := range []string{"x-request-id", "x-openai-request-id", "openai-request-id", "request-id", "cf-ray"} {
		if v := strings.TrimSpace(h.Get(key)); v != "" {
			return v
		}
	}
	return ""
}

func compactBodyPreview(body []byte, maxLen int) string {
	clean := strings.Join(strings.Fields(string(body)), " ")
	if len(clean) <= maxLen {
		return clean
	}
	return clean[:maxLen] + "..."
}
