package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/google/uuid"

	"github.com/n0madic/go-elements/internal/stream"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
	done   int
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnTextDelta:    func(d string) { r.add("text:" + d) },
		OnToolCall:     func(e stream.Event) { r.add("tool:" + e.Type) },
		OnMessage:      func(e stream.Event) { r.add("message:" + e.Type) },
		OnResponseMeta: func(m stream.Meta) { r.add("meta:" + m.ID + "|" + m.Type) },
		OnDone: func() {
			r.mu.Lock()
			r.done++
			r.mu.Unlock()
			r.add("done")
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.add("error")
		},
	}
}

func (r *recorder) snapshot() ([]string, []error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]error(nil), r.errs...), r.done
}

func staticOpener(status int, body string) Opener {
	return func(ctx context.Context) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish, state %s", h.ID(), h.State())
	}
}

func equalEvents(got, want []string) bool {
	return strings.Join(got, "\n") == strings.Join(want, "\n")
}

func TestStartStreamsUntilDone(t *testing.T) {
	body := `data: {"id":"resp_123","type":"response.created"}

data: {"type":"response.output_text.delta","delta":"Hel"}

data: {"type":"response.output_text.delta","delta":""}

data: {"type":"response.output_text.delta","delta":"lo"}

data: {"type":"response.tool_call","name":"web_search"}

data: {"type":"response.output_text.done","text":"Hello"}

data: [DONE]

data: {"type":"response.output_text.delta","delta":"late"}

`
	rec := &recorder{}
	h := Start(context.Background(), staticOpener(http.StatusOK, body), rec.callbacks())
	waitDone(t, h)

	if err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if h.State() != StateCompleted {
		t.Errorf("state: got %s, want completed", h.State())
	}
	events, errs, done := rec.snapshot()
	want := []string{
		"meta:resp_123|response.created",
		"message:response.created",
		"text:Hel",
		"text:lo",
		"tool:response.tool_call",
		"done",
	}
	if !equalEvents(events, want) {
		t.Errorf("events:\n got %q\nwant %q", events, want)
	}
	if done != 1 {
		t.Errorf("OnDone fired %d times, want 1", done)
	}
	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
}

func TestStartCleanEOFWithoutDone(t *testing.T) {
	rec := &recorder{}
	h := Start(context.Background(), staticOpener(http.StatusOK, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"x\"}\n"), rec.callbacks())
	waitDone(t, h)

	events, _, done := rec.snapshot()
	if done != 1 {
		t.Fatalf("OnDone fired %d times, want 1", done)
	}
	if !equalEvents(events, []string{"text:x", "done"}) {
		t.Errorf("events: got %q", events)
	}
}

func TestMalformedEventDoesNotStopStream(t *testing.T) {
	body := "data: {\"type\":\"response.output_text.delta\",\"delta\":\"a\"}\n\n" +
		"data: {not json\n\n" +
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"b\"}\n\n" +
		"data: [DONE]\n\n"
	rec := &recorder{}
	h := Start(context.Background(), staticOpener(http.StatusOK, body), rec.callbacks())
	waitDone(t, h)

	events, errs, done := rec.snapshot()
	if !equalEvents(events, []string{"text:a", "error", "text:b", "done"}) {
		t.Errorf("events: got %q", events)
	}
	if len(errs) != 1 || !errors.Is(errs[0], stream.ErrMalformedEvent) {
		t.Errorf("expected one ErrMalformedEvent, got %v", errs)
	}
	if done != 1 {
		t.Errorf("OnDone fired %d times, want 1", done)
	}
	if h.State() != StateCompleted {
		t.Errorf("state: got %s, want completed", h.State())
	}
}

func TestStopOnMalformed(t *testing.T) {
	body := "data: {not json\n\n" +
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"b\"}\n\n" +
		"data: [DONE]\n\n"
	rec := &recorder{}
	h := Start(context.Background(), staticOpener(http.StatusOK, body), rec.callbacks(), WithStopOnMalformed())
	waitDone(t, h)

	events, _, done := rec.snapshot()
	if !equalEvents(events, []string{"error"}) {
		t.Errorf("events: got %q", events)
	}
	if done != 0 {
		t.Errorf("OnDone must not fire after a terminal error")
	}
	if h.State() != StateErrored {
		t.Errorf("state: got %s, want errored", h.State())
	}
	if err := h.Wait(); !errors.Is(err, stream.ErrMalformedEvent) {
		t.Errorf("Wait: got %v, want ErrMalformedEvent", err)
	}
}

func TestNon2xxReportsStatusError(t *testing.T) {
	open := func(ctx context.Context) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusTooManyRequests,
			Header:     http.Header{"X-Request-Id": []string{"req_42"}},
			Body:       io.NopCloser(strings.NewReader(`{"error":{"message":"slow down","type":"rate_limit"}}`)),
		}, nil
	}
	rec := &recorder{}
	h := Start(context.Background(), open, rec.callbacks())

	select {
	case <-h.Done():
	default:
		t.Fatal("a failed open must return a finished handle")
	}
	if h.State() != StateErrored {
		t.Errorf("state: got %s, want errored", h.State())
	}
	_, errs, done := rec.snapshot()
	if len(errs) != 1 || done != 0 {
		t.Fatalf("expected exactly one error and no done, got errs=%v done=%d", errs, done)
	}
	var statusErr *StatusError
	if !errors.As(errs[0], &statusErr) {
		t.Fatalf("expected *StatusError, got %T", errs[0])
	}
	if statusErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode: got %d", statusErr.StatusCode)
	}
	if statusErr.Message() != "slow down" {
		t.Errorf("Message: got %q", statusErr.Message())
	}
	want := "upstream returned HTTP 429 Too Many Requests: slow down (request_id: req_42)"
	if statusErr.Error() != want {
		t.Errorf("Error:\n got %q\nwant %q", statusErr.Error(), want)
	}

	h.Close()
	h.Close()
	if h.State() != StateErrored {
		t.Errorf("Close after failure changed state to %s", h.State())
	}
}

func TestOpenFailures(t *testing.T) {
	transportErr := errors.New("dial tcp: connection refused")
	tests := []struct {
		name string
		open Opener
		want error
	}{
		{
			name: "transport error",
			open: func(ctx context.Context) (*http.Response, error) { return nil, transportErr },
			want: transportErr,
		},
		{
			name: "no body",
			open: func(ctx context.Context) (*http.Response, error) {
				return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
			},
			want: ErrNoBody,
		},
		{
			name: "nil response",
			open: func(ctx context.Context) (*http.Response, error) { return nil, nil },
			want: ErrNilResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			h := Start(context.Background(), tt.open, rec.callbacks())
			waitDone(t, h)
			_, errs, _ := rec.snapshot()
			if len(errs) != 1 || !errors.Is(errs[0], tt.want) {
				t.Fatalf("got errs %v, want %v", errs, tt.want)
			}
			if err := h.Wait(); !errors.Is(err, tt.want) {
				t.Errorf("Wait: got %v", err)
			}
		})
	}
}

func TestReadFailureMidStream(t *testing.T) {
	boom := errors.New("connection reset")
	open := func(ctx context.Context) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body: io.NopCloser(io.MultiReader(
				strings.NewReader("data: {\"type\":\"response.output_text.delta\",\"delta\":\"a\"}\n\n"),
				iotest.ErrReader(boom),
			)),
		}, nil
	}
	rec := &recorder{}
	h := Start(context.Background(), open, rec.callbacks())
	waitDone(t, h)

	events, errs, done := rec.snapshot()
	if !equalEvents(events, []string{"text:a", "error"}) {
		t.Errorf("events: got %q", events)
	}
	if len(errs) != 1 || !errors.Is(errs[0], stream.ErrStreamRead) || !errors.Is(errs[0], boom) {
		t.Errorf("expected wrapped read error, got %v", errs)
	}
	if done != 0 {
		t.Errorf("OnDone must not fire after a read failure")
	}
	if h.State() != StateErrored {
		t.Errorf("state: got %s, want errored", h.State())
	}
}

func TestCloseBeforeCompletion(t *testing.T) {
	pr, pw := io.Pipe()
	release := make(chan struct{})
	first := make(chan struct{})

	open := func(ctx context.Context) (*http.Response, error) {
		go func() {
			_, _ = io.WriteString(pw, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"a\"}\n\n")
			<-release
			_, _ = io.WriteString(pw, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"b\"}\n\n"+
				"data: [DONE]\n\n")
			_ = pw.Close()
		}()
		return &http.Response{StatusCode: http.StatusOK, Body: pr}, nil
	}

	rec := &recorder{}
	cb := rec.callbacks()
	onText := cb.OnTextDelta
	cb.OnTextDelta = func(d string) {
		onText(d)
		if d == "a" {
			close(first)
		}
	}

	h := Start(context.Background(), open, cb)
	<-first
	h.Close()
	close(release)
	waitDone(t, h)

	events, errs, done := rec.snapshot()
	if !equalEvents(events, []string{"text:a"}) {
		t.Errorf("events after Close: got %q", events)
	}
	if len(errs) != 0 || done != 0 {
		t.Errorf("no error or done expected after Close, got errs=%v done=%d", errs, done)
	}
	if h.State() != StateCancelled {
		t.Errorf("state: got %s, want cancelled", h.State())
	}
	if err := h.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait: got %v, want context.Canceled", err)
	}
}

func TestCloseUnblocksPendingRead(t *testing.T) {
	started := make(chan struct{})
	open := func(ctx context.Context) (*http.Response, error) {
		pr, pw := io.Pipe()
		go func() {
			close(started)
			<-ctx.Done()
			_ = pw.CloseWithError(ctx.Err())
		}()
		return &http.Response{StatusCode: http.StatusOK, Body: pr}, nil
	}

	rec := &recorder{}
	h := Start(context.Background(), open, rec.callbacks())
	<-started
	if h.State() != StateStreaming {
		t.Fatalf("state: got %s, want streaming", h.State())
	}
	h.Close()
	waitDone(t, h)

	events, _, _ := rec.snapshot()
	if len(events) != 0 {
		t.Errorf("no callbacks expected, got %q", events)
	}
	if h.State() != StateCancelled {
		t.Errorf("state: got %s, want cancelled", h.State())
	}
}

func TestCloseFromInsideCallback(t *testing.T) {
	body := "data: {\"type\":\"response.output_text.delta\",\"delta\":\"a\"}\n\n" +
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"b\"}\n\n" +
		"data: [DONE]\n\n"
	handles := make(chan *Handle, 1)
	rec := &recorder{}
	cb := rec.callbacks()
	onText := cb.OnTextDelta
	cb.OnTextDelta = func(d string) {
		onText(d)
		(<-handles).Close()
	}

	h := Start(context.Background(), staticOpener(http.StatusOK, body), cb)
	handles <- h
	waitDone(t, h)

	events, _, done := rec.snapshot()
	if !equalEvents(events, []string{"text:a"}) {
		t.Errorf("events: got %q", events)
	}
	if done != 0 {
		t.Errorf("OnDone must not fire after Close")
	}
}

// endlessReader repeats chunk forever.
type endlessReader struct {
	chunk []byte
	off   int
}

func (r *endlessReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		c := copy(p[n:], r.chunk[r.off:])
		n += c
		r.off = (r.off + c) % len(r.chunk)
	}
	return n, nil
}

func TestCloseRacingDeliveryStartsAtMostOneCallback(t *testing.T) {
	chunk := []byte("data: {\"type\":\"response.output_text.delta\",\"delta\":\"x\"}\n\n")
	open := func(ctx context.Context) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(&endlessReader{chunk: chunk})}, nil
	}

	for i := 0; i < 2000; i++ {
		var closeReturned, finished atomic.Bool
		var late, afterDone atomic.Int32
		started := make(chan struct{})
		var once sync.Once

		h := Start(context.Background(), open, Callbacks{
			OnTextDelta: func(string) {
				if finished.Load() {
					afterDone.Add(1)
				}
				if closeReturned.Load() {
					late.Add(1)
				}
				once.Do(func() { close(started) })
			},
			OnDone:  func() { t.Errorf("iteration %d: OnDone after Close", i) },
			OnError: func(err error) { t.Errorf("iteration %d: OnError after Close: %v", i, err) },
		})
		<-started
		h.Close()
		closeReturned.Store(true)
		waitDone(t, h)
		finished.Store(true)

		if n := late.Load(); n > 1 {
			t.Fatalf("iteration %d: %d callbacks started after Close returned", i, n)
		}
		if n := afterDone.Load(); n != 0 {
			t.Fatalf("iteration %d: %d callbacks ran after Done", i, n)
		}
		if h.State() != StateCancelled {
			t.Fatalf("iteration %d: state %s, want cancelled", i, h.State())
		}
	}
}

func TestParentContextCancelledBeforeOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	open := func(ctx context.Context) (*http.Response, error) {
		return nil, ctx.Err()
	}
	rec := &recorder{}
	h := Start(ctx, open, rec.callbacks())
	waitDone(t, h)

	events, _, _ := rec.snapshot()
	if len(events) != 0 {
		t.Errorf("cancellation is not an error, got %q", events)
	}
	if h.State() != StateCancelled {
		t.Errorf("state: got %s, want cancelled", h.State())
	}
}

func TestHandleID(t *testing.T) {
	a := Start(context.Background(), staticOpener(http.StatusOK, "data: [DONE]\n\n"), Callbacks{})
	b := Start(context.Background(), staticOpener(http.StatusOK, "data: [DONE]\n\n"), Callbacks{})
	waitDone(t, a)
	waitDone(t, b)
	if _, err := uuid.Parse(a.ID()); err != nil {
		t.Errorf("ID is not a uuid: %q", a.ID())
	}
	if a.ID() == b.ID() {
		t.Errorf("sessions share an id: %q", a.ID())
	}
}

func TestWithRouterBuiltinTools(t *testing.T) {
	body := "data: {\"type\":\"response.web_search_call.completed\"}\n\ndata: [DONE]\n\n"
	rec := &recorder{}
	h := Start(context.Background(), staticOpener(http.StatusOK, body), rec.callbacks(),
		WithRouter(stream.NewRouter(stream.WithToolTypes(stream.BuiltinToolTypes...))))
	waitDone(t, h)
	events, _, _ := rec.snapshot()
	if !equalEvents(events, []string{"tool:response.web_search_call.completed", "done"}) {
		t.Errorf("events: got %q", events)
	}
}

func TestErrorMessageFromBody(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"error":{"message":" bad key "}}`, "bad key"},
		{`{"message":"plain"}`, "plain"},
		{`{"detail":"nope"}`, "nope"},
		{`{"error":"invalid_request"}`, "invalid_request"},
		{`{"errors":[{"message":"first"}]}`, "first"},
		{`<html>oops</html>`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		if got := ErrorMessageFromBody([]byte(tt.body)); got != tt.want {
			t.Errorf("ErrorMessageFromBody(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
