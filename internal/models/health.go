package models

import (
	"context"
	"errors"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// HealthStatus classifies an API key check.
type HealthStatus string

const (
	HealthValid        HealthStatus = "valid"
	HealthInvalidKey   HealthStatus = "invalid_key"
	HealthForbidden    HealthStatus = "forbidden"
	HealthRateLimited  HealthStatus = "rate_limited"
	HealthNetworkError HealthStatus = "network_error"
	HealthUnknownError HealthStatus = "unknown_error"
)

// Health is the result of CheckKey.
type Health struct {
	Status     HealthStatus `json:"status"`
	HTTPStatus int          `json:"http_status,omitempty"`
	Message    string       `json:"message,omitempty"`
}

// OK reports whether the key works.
func (h Health) OK() bool { return h.Status == HealthValid }

// CheckKey validates the client's API key with a lightweight models request.
func CheckKey(ctx context.Context, client openai.Client) Health {
	_, err := client.Models.List(ctx, option.WithMaxRetries(0))
	return classify(err)
}

func classify(err error) Health {
	if err == nil {
		return Health{Status: HealthValid, HTTPStatus: http.StatusOK}
	}
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return Health{Status: HealthNetworkError, Message: err.Error()}
	}
	h := Health{HTTPStatus: apiErr.StatusCode, Message: apiErr.Message}
	if h.Message == "" {
		h.Message = apiErr.RawJSON()
	}
	switch apiErr.StatusCode {
	case http.StatusOK:
		h.Status = HealthValid
	case http.StatusUnauthorized:
		h.Status = HealthInvalidKey
	case http.StatusForbidden:
		h.Status = HealthForbidden
	case http.StatusTooManyRequests:
		h.Status = HealthRateLimited
	default:
		h.Status = HealthUnknownError
	}
	return h
}
