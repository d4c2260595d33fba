// Package session owns one streamed Responses request: it opens the request,
// pumps the SSE body through the event router and delivers the routed events
// to caller supplied callbacks until the stream ends or the handle is closed.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/n0madic/go-elements/internal/stream"
)

// State is the lifecycle position of a session.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}

// Opener performs the outbound request. The context is cancelled when the
// session is closed; the returned body must honour that.
type Opener func(ctx context.Context) (*http.Response, error)

// Callbacks receive the session's events. Any of them may be nil. They are
// invoked from a single goroutine in wire order.
type Callbacks struct {
	OnTextDelta    func(delta string)
	OnToolCall     func(evt stream.Event)
	OnMessage      func(evt stream.Event)
	OnResponseMeta func(meta stream.Meta)
	OnDone         func()
	OnError        func(err error)
}

type options struct {
	logger          *slog.Logger
	router          *stream.Router
	stopOnMalformed bool
}

// Option configures Start.
type Option func(*options)

// WithLogger sets the logger used for lifecycle and parse diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRouter replaces the default event router.
func WithRouter(r *stream.Router) Option {
	return func(o *options) {
		if r != nil {
			o.router = r
		}
	}
}

// WithStopOnMalformed makes a malformed event terminate the session with an
// error instead of being reported and skipped.
func WithStopOnMalformed() Option {
	return func(o *options) {
		o.stopOnMalformed = true
	}
}

// Handle controls a running session.
type Handle struct {
	id     string
	cancel context.CancelFunc
	logger *slog.Logger
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	state  State
	err    error
}

// Start opens the request synchronously and, on success, streams the body in
// a background goroutine. A failed open yields a finished handle whose error
// has already been delivered to OnError.
func Start(ctx context.Context, open Opener, cb Callbacks, opts ...Option) *Handle {
	o := options{logger: slog.Default(), router: stream.NewRouter()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	h := &Handle{
		id:     id,
		cancel: cancel,
		logger: o.logger.With("session_id", id),
		done:   make(chan struct{}),
		state:  StateRequesting,
	}
	h.logger.Debug("session.start")

	resp, err := open(ctx)
	if err == nil {
		err = checkResponse(resp)
	} else if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			h.end(StateCancelled, ctx.Err(), nil)
			return h
		}
		h.logger.Warn("session.open_failed", "error", err)
		h.end(StateErrored, err, func() {
			if cb.OnError != nil {
				cb.OnError(err)
			}
		})
		return h
	}

	h.mu.Lock()
	if !h.state.Terminal() {
		h.state = StateStreaming
	}
	h.mu.Unlock()

	go h.pump(ctx, resp.Body, cb, o)
	return h
}

// ID returns the session's identifier.
func (h *Handle) ID() string { return h.id }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the session has reached a terminal state and its final
// callback, if any, has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the session ends. It returns nil after completion, the
// failure after an error and context.Canceled after Close.
func (h *Handle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close cancels the request and stops delivery. Close does not wait for the
// pump, so it may be called from inside a callback. The pump checks the
// closed flag once per callback; a callback that passed that check before
// Close ran may still start after Close returns, but no later one does, and
// no OnDone or OnError follows. Once Done is closed (or Wait returns) no
// callback is running or will run. Close is idempotent.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	if !h.state.Terminal() {
		h.state = StateCancelled
		h.err = context.Canceled
	}
	h.mu.Unlock()
	h.cancel()
	h.logger.Debug("session.close")
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// emit runs fn unless the handle has been closed. The check and the call are
// not atomic with respect to Close; see Close.
func (h *Handle) emit(fn func()) {
	if h.isClosed() {
		return
	}
	fn()
}

// settle moves to a terminal state. It reports false if the session had
// already ended, which happens when Close won the race.
func (h *Handle) settle(state State, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return false
	}
	h.state = state
	h.err = err
	return true
}

func (h *Handle) end(state State, err error, notify func()) {
	if h.settle(state, err) && notify != nil {
		h.emit(notify)
	}
	h.logger.Debug("session.end", "state", h.State())
	close(h.done)
	h.cancel()
}

func (h *Handle) pump(ctx context.Context, body io.ReadCloser, cb Callbacks, o options) {
	defer func() { _ = body.Close() }()

	handlers := stream.Handlers{
		OnTextDelta: func(delta string) {
			if cb.OnTextDelta != nil {
				h.emit(func() { cb.OnTextDelta(delta) })
			}
		},
		OnToolCall: func(evt stream.Event) {
			if cb.OnToolCall != nil {
				h.emit(func() { cb.OnToolCall(evt) })
			}
		},
		OnMessage: func(evt stream.Event) {
			if cb.OnMessage != nil {
				h.emit(func() { cb.OnMessage(evt) })
			}
		},
		OnResponseMeta: func(meta stream.Meta) {
			if cb.OnResponseMeta != nil {
				h.emit(func() { cb.OnResponseMeta(meta) })
			}
		},
	}
	fail := func(err error) func() {
		return func() {
			if cb.OnError != nil {
				cb.OnError(err)
			}
		}
	}

	reader := stream.NewReader(body)
	for {
		payload, err := reader.Next()
		if errors.Is(err, io.EOF) {
			h.end(StateCompleted, nil, func() {
				if cb.OnDone != nil {
					cb.OnDone()
				}
			})
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				h.end(StateCancelled, context.Canceled, nil)
				return
			}
			h.logger.Warn("session.read_failed", "error", err)
			h.end(StateErrored, err, fail(err))
			return
		}
		if h.isClosed() {
			h.end(StateCancelled, context.Canceled, nil)
			return
		}

		if err := o.router.Route(payload, handlers); err != nil {
			h.logger.Warn("session.malformed_event", "error", err)
			if o.stopOnMalformed {
				h.end(StateErrored, err, fail(err))
				return
			}
			h.emit(fail(err))
		}
	}
}

func checkResponse(resp *http.Response) error {
	if resp == nil {
		return ErrNilResponse
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body []byte
		if resp.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: body, Header: resp.Header}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return ErrNoBody
	}
	return nil
}
