package upstream

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/n0madic/go-elements/internal/config"
	"github.com/n0madic/go-elements/internal/limits"
	"github.com/n0madic/go-elements/internal/session"
)

// Client sends Responses API requests.
type Client struct {
	HTTP    *http.Client
	BaseURL string
	Limits  *limits.Recorder
	Logger  *slog.Logger
}

// NewClient creates a new upstream client. The HTTP client is expected to
// carry authentication, see httpx.NewClient.
func NewClient(httpClient *http.Client, baseURL string, rec *limits.Recorder, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = config.DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{HTTP: httpClient, BaseURL: baseURL, Limits: rec, Logger: logger}
}

// ResponsesURL is the streaming endpoint.
func (c *Client) ResponsesURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/responses"
}

// SDK returns an openai-go client sharing this client's transport and base URL.
func (c *Client) SDK(apiKey string) openai.Client {
	return openai.NewClient(
		option.WithBaseURL(strings.TrimRight(c.BaseURL, "/")+"/"),
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(c.HTTP),
	)
}

// Opener binds req to a session opener. The response is returned untouched
// so the session can classify the status and stream the body.
func (c *Client) Opener(req *Request) session.Opener {
	return func(ctx context.Context) (*http.Response, error) {
		resp, err := c.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusBadRequest && req.Store != nil {
			return c.retryWithoutStore(ctx, req, resp)
		}
		return resp, nil
	}
}

// Do sends a single streaming request.
func (c *Client) Do(ctx context.Context, req *Request) (*http.Response, error) {
	body, err := req.Body()
	if err != nil {
		return nil, err
	}

	c.Logger.Debug("upstream.request",
		"model", req.Model,
		"input_chars", len(req.Input),
		"tools", len(req.Tools),
		"vector_stores", len(req.VectorStoreIDs),
		"previous_response_id", req.PreviousResponseID,
		"store", boolPtrState(req.Store),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ResponsesURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	config.ApplyDefaultHeaders(httpReq.Header)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	attrs := []any{"status", resp.StatusCode}
	if id := session.RequestIDFromHeader(resp.Header); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	c.Logger.Debug("upstream.response", attrs...)

	if err := c.Limits.Record(resp.Header); err != nil {
		c.Logger.Warn("upstream.limits_record_failed", "error", err)
	}
	return resp, nil
}

// FormatError renders a failed upstream response for display.
func FormatError(status int, body []byte, headers http.Header) string {
	return (&session.StatusError{StatusCode: status, Body: body, Header: headers}).Error()
}

func boolPtrState(v *bool) string {
	if v == nil {
		return "unset"
	}
	if *v {
		return "true"
	}
	return "false"
}
