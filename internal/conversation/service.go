// Package conversation continues stored conversations against the Responses
// API, chaining turns through previous_response_id and persisting both sides.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/n0madic/go-elements/internal/logging"
	"github.com/n0madic/go-elements/internal/session"
	"github.com/n0madic/go-elements/internal/store"
	"github.com/n0madic/go-elements/internal/stream"
	"github.com/n0madic/go-elements/internal/upstream"
)

// ErrEmptyInput is returned when there is nothing to send.
var ErrEmptyInput = errors.New("input is empty")

// titleLimit caps the title derived from a conversation's first prompt.
const titleLimit = 60

// Upstream builds openers for Responses requests.
type Upstream interface {
	Opener(req *upstream.Request) session.Opener
}

// Service continues conversations.
type Service struct {
	Store        *store.Store
	Upstream     Upstream
	Logger       *slog.Logger
	Backoff      Backoff
	DefaultModel string
	// DefaultTools and DefaultVectorStoreIDs apply when a turn leaves them nil.
	DefaultTools          []upstream.ToolKind
	DefaultVectorStoreIDs []string
	// StopOnMalformed ends a turn at the first unparseable event.
	StopOnMalformed bool

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// NewService creates a service with the default backoff.
func NewService(st *store.Store, up Upstream, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: st, Upstream: up, Logger: logger, Backoff: DefaultBackoff}
}

// ContinueParams describes one user turn.
type ContinueParams struct {
	ConversationID string
	Input          string
	Model          string
	Instructions   string
	Tools          []upstream.ToolKind
	VectorStoreIDs []string
}

// Callbacks mirror the session callbacks plus a retry notification.
type Callbacks struct {
	session.Callbacks
	// OnRetry fires before waiting for another attempt.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Turn is a running continuation.
type Turn struct {
	ConversationID string
	UserMessage    *store.Message

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	handle    *session.Handle
	collected *stream.Collector
	reply     *store.Message
	err       error
}

// Continue stores the user message and starts streaming the reply. The
// request chains from the conversation's last response id.
func (s *Service) Continue(ctx context.Context, p ContinueParams, cb Callbacks) (*Turn, error) {
	input := strings.TrimSpace(p.Input)
	if input == "" {
		return nil, ErrEmptyInput
	}
	conv, err := s.Store.GetConversation(ctx, p.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	user := &store.Message{ConversationID: conv.ID, Role: store.RoleUser, Content: input}
	if err := s.Store.AppendMessage(ctx, user); err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}
	if conv.Title == "" {
		if err := s.Store.SetTitle(ctx, conv.ID, deriveTitle(input)); err != nil {
			s.logger().Warn("conversation.title_failed", "conversation_id", conv.ID, "error", err)
		}
	}

	model := strings.TrimSpace(p.Model)
	if model == "" {
		model = s.DefaultModel
	}
	tools := p.Tools
	if tools == nil {
		tools = s.DefaultTools
	}
	storeIDs := p.VectorStoreIDs
	if storeIDs == nil {
		storeIDs = withStore(s.DefaultVectorStoreIDs, conv.L3StoreID)
	}
	req := &upstream.Request{
		Model:              model,
		Input:              input,
		Instructions:       p.Instructions,
		PreviousResponseID: conv.LastResponseID,
		Tools:              tools,
		VectorStoreIDs:     storeIDs,
	}

	runCtx, cancel := context.WithCancel(ctx)
	t := &Turn{
		ConversationID: conv.ID,
		UserMessage:    user,
		cancel:         cancel,
		done:           make(chan struct{}),
		collected:      stream.NewCollector(""),
	}
	logger := s.logger().With("conversation_id", conv.ID)
	logger.Info("conversation.continue",
		"model", model,
		"previous_response_id", conv.LastResponseID,
		"tools", len(tools),
	)

	open := withRetry(s.Upstream.Opener(req), s.Backoff, s.sleeper(), s.clock(), func(n retryNotice) {
		logger.Warn("conversation.retry", "attempt", n.attempt, "wait", n.wait, "status", n.status, "error", n.err)
		if cb.OnRetry != nil && !t.isClosed() {
			err := n.err
			if err == nil {
				err = fmt.Errorf("upstream returned HTTP %d", n.status)
			}
			cb.OnRetry(n.attempt, n.wait, err)
		}
	})

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithRouter(stream.NewRouter(stream.WithToolTypes(stream.BuiltinToolTypes...))),
	}
	if s.StopOnMalformed {
		opts = append(opts, session.WithStopOnMalformed())
	}

	go t.run(runCtx, s, logger, open, cb, opts)
	return t, nil
}

func (t *Turn) run(ctx context.Context, s *Service, logger *slog.Logger, open session.Opener, cb Callbacks, opts []session.Option) {
	defer close(t.done)
	// Persistence must outlive a cancelled turn.
	persistCtx := context.WithoutCancel(ctx)

	wrapped := session.Callbacks{
		OnTextDelta: func(delta string) {
			t.mu.Lock()
			t.collected.AddText(delta)
			t.mu.Unlock()
			if cb.OnTextDelta != nil {
				cb.OnTextDelta(delta)
			}
		},
		OnToolCall: func(evt stream.Event) {
			t.mu.Lock()
			t.collected.AddTool(evt)
			t.mu.Unlock()
			if cb.OnToolCall != nil {
				cb.OnToolCall(evt)
			}
		},
		OnMessage: func(evt stream.Event) {
			t.mu.Lock()
			t.collected.AddMessage(evt)
			t.mu.Unlock()
			if cb.OnMessage != nil {
				cb.OnMessage(evt)
			}
		},
		OnResponseMeta: func(meta stream.Meta) {
			t.recordResponseID(persistCtx, s, logger, meta.ID)
			if cb.OnResponseMeta != nil {
				cb.OnResponseMeta(meta)
			}
		},
		OnDone: func() {
			if err := t.storeReply(persistCtx, s); err != nil {
				logger.Error("conversation.store_reply_failed", "error", err)
			}
			if cb.OnDone != nil {
				cb.OnDone()
			}
		},
		OnError: cb.OnError,
	}

	h := session.Start(ctx, open, wrapped, opts...)
	t.mu.Lock()
	t.handle = h
	closed := t.closed
	t.mu.Unlock()
	if closed {
		h.Close()
	}

	err := h.Wait()
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	attrs := []any{"state", h.State(), "response_id", t.ResponseID()}
	if u := t.Usage(); u != nil {
		attrs = append(attrs, "input_tokens", u.InputTokens, "output_tokens", u.OutputTokens)
	}
	logger.Info("conversation.turn_end", attrs...)
}

func (t *Turn) recordResponseID(ctx context.Context, s *Service, logger *slog.Logger, id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	if t.collected.Result().ResponseID == id {
		t.mu.Unlock()
		return
	}
	t.collected.AddMeta(stream.Meta{ID: id})
	t.mu.Unlock()
	if err := s.Store.SetLastResponseID(ctx, t.ConversationID, id); err != nil {
		logger.Warn("conversation.last_response_id_failed", "response_id", id, "error", err)
	}
}

func (t *Turn) storeReply(ctx context.Context, s *Service) error {
	t.mu.Lock()
	res := t.collected.Result()
	t.mu.Unlock()
	reply := &store.Message{
		ConversationID: t.ConversationID,
		Role:           store.RoleAssistant,
		Content:        res.Text,
		ResponseID:     res.ResponseID,
		ToolCalls:      append([]json.RawMessage(nil), res.ToolEvents...),
	}
	if err := s.Store.AppendMessage(ctx, reply); err != nil {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		return err
	}
	t.mu.Lock()
	t.reply = reply
	t.mu.Unlock()
	return nil
}

// Close cancels the turn, including a pending backoff wait. It is idempotent
// and may be called from a callback.
func (t *Turn) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	h := t.handle
	t.mu.Unlock()
	if h != nil {
		h.Close()
	}
	t.cancel()
}

func (t *Turn) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Done is closed when the turn has finished.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn finishes and returns its error, nil on success
// and context.Canceled after Close.
func (t *Turn) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Text returns the reply text received so far.
func (t *Turn) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collected.Result().Text
}

// ResponseID returns the latest response id seen.
func (t *Turn) ResponseID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collected.Result().ResponseID
}

// Usage returns the token usage reported on completion, if any.
func (t *Turn) Usage() *stream.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collected.Result().Usage
}

// Reply returns the stored assistant message once the turn has completed.
func (t *Turn) Reply() *store.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reply
}

func (s *Service) logger() *slog.Logger {
	return logging.OrDefault(s.Logger)
}

func (s *Service) sleeper() func(context.Context, time.Duration) error {
	if s.sleep != nil {
		return s.sleep
	}
	return sleepContext
}

func (s *Service) clock() func() time.Time {
	if s.now != nil {
		return s.now
	}
	return time.Now
}

// withStore appends id to ids unless it is empty or already present.
func withStore(ids []string, id string) []string {
	out := append([]string(nil), ids...)
	if id == "" {
		return out
	}
	for _, existing := range out {
		if existing == id {
			return out
		}
	}
	return append(out, id)
}

func deriveTitle(input string) string {
	title := strings.Join(strings.Fields(input), " ")
	if utf8.RuneCountInString(title) <= titleLimit {
		return title
	}
	runes := []rune(title)
	return string(runes[:titleLimit]) + "..."
}
