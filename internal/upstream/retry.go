package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/n0madic/go-elements/internal/session"
)

// maxRetryProbe bounds how much of a rejected body is read to decide on a retry.
const maxRetryProbe = 64 << 10

// retryWithoutStore retries once without the store flag when the upstream
// rejects it. Any other 400 is handed back with its body intact.
func (c *Client) retryWithoutStore(ctx context.Context, req *Request, resp *http.Response) (*http.Response, error) {
	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxRetryProbe))
	_ = resp.Body.Close()

	if !IsUnsupportedParameterError(errBody, "store") {
		resp.Body = io.NopCloser(bytes.NewReader(errBody))
		return resp, nil
	}

	c.Logger.Warn("upstream rejected store parameter; retrying without store")
	return c.Do(ctx, req.withoutStore())
}

// IsUnsupportedParameterError reports whether body is an upstream complaint
// about param.
func IsUnsupportedParameterError(body []byte, param string) bool {
	msg := strings.ToLower(session.ErrorMessageFromBody(body))
	if msg == "" {
		return false
	}
	return strings.Contains(msg, "unsupported parameter") && strings.Contains(msg, strings.ToLower(strings.TrimSpace(param)))
}
