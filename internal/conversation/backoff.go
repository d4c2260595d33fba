package conversation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/n0madic/go-elements/internal/httpx"
	"github.com/n0madic/go-elements/internal/limits"
	"github.com/n0madic/go-elements/internal/session"
)

// Backoff controls how failed request starts are retried.
type Backoff struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// MaxHint is the longest server supplied wait that is honoured. A longer
	// hint ends the retries.
	MaxHint time.Duration
}

// DefaultBackoff is used when a Service has none configured.
var DefaultBackoff = Backoff{
	Attempts: 4,
	Base:     500 * time.Millisecond,
	Max:      8 * time.Second,
	MaxHint:  time.Minute,
}

// Delay returns the wait before retry number attempt (starting at 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

func (b Backoff) withDefaults() Backoff {
	if b.Attempts <= 0 {
		b.Attempts = DefaultBackoff.Attempts
	}
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.MaxHint <= 0 {
		b.MaxHint = DefaultBackoff.MaxHint
	}
	return b
}

// RetryableStatus reports whether a response status is worth another try.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// retryableError reports whether a transport failure is worth another try.
func retryableError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, httpx.ErrEgressBlocked) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// retryNotice describes a scheduled retry.
type retryNotice struct {
	attempt int
	wait    time.Duration
	status  int
	err     error
}

// withRetry wraps open so that failures before streaming starts are retried.
// The last failing response is returned unchanged so the session reports it.
func withRetry(open session.Opener, b Backoff, sleep func(context.Context, time.Duration) error, now func() time.Time, notify func(retryNotice)) session.Opener {
	b = b.withDefaults()
	return func(ctx context.Context) (*http.Response, error) {
		for attempt := 1; ; attempt++ {
			resp, err := open(ctx)
			last := attempt >= b.Attempts

			var wait time.Duration
			switch {
			case err != nil:
				discard(resp)
				if last || !retryableError(ctx, err) {
					return nil, err
				}
				wait = b.Delay(attempt)
			case resp != nil && RetryableStatus(resp.StatusCode):
				if last {
					return resp, nil
				}
				hint, ok := limits.RetryAfter(resp.Header, now())
				if ok && hint > b.MaxHint {
					return resp, nil
				}
				wait = b.Delay(attempt)
				if ok && hint > wait {
					wait = hint
				}
				discard(resp)
			default:
				return resp, err
			}

			n := retryNotice{attempt: attempt, wait: wait, err: err}
			if resp != nil {
				n.status = resp.StatusCode
			}
			if notify != nil {
				notify(n)
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}
}

// discard drains and closes the body of a response that will not be used.
func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
