package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/n0madic/go-elements/internal/conversation"
	"github.com/n0madic/go-elements/internal/models"
	"github.com/n0madic/go-elements/internal/session"
	"github.com/n0madic/go-elements/internal/store"
	"github.com/n0madic/go-elements/internal/stream"
	"github.com/n0madic/go-elements/internal/upstream"
)

type chatRequest struct {
	ConversationID string   `json:"conversation_id"`
	Prompt         string   `json:"prompt"`
	Model          string   `json:"model"`
	Instructions   string   `json:"instructions"`
	Tools          []string `json:"tools"`
	VectorStoreIDs []string `json:"vector_store_ids"`
}

type textEvent struct {
	Delta string `json:"delta"`
}

type retryEvent struct {
	Attempt int    `json:"attempt"`
	WaitMS  int64  `json:"wait_ms"`
	Error   string `json:"error,omitempty"`
}

type errorEvent struct {
	Message   string `json:"message"`
	Status    int    `json:"status,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type doneEvent struct {
	ConversationID string        `json:"conversation_id"`
	ResponseID     string        `json:"response_id,omitempty"`
	MessageID      string        `json:"message_id,omitempty"`
	Usage          *stream.Usage `json:"usage,omitempty"`
	OK             bool          `json:"ok"`
}

// handleChat continues (or starts) a conversation and relays the reply as
// server-sent events: meta, text, tool, message, retry, error and a final
// done. A client disconnect closes the upstream session.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		writeError(w, http.StatusServiceUnavailable, "conversations are not configured")
		return
	}
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	params := conversation.ContinueParams{
		ConversationID: strings.TrimSpace(req.ConversationID),
		Input:          req.Prompt,
		Instructions:   req.Instructions,
		VectorStoreIDs: req.VectorStoreIDs,
	}
	if req.Tools != nil {
		tools, err := upstream.ParseToolKinds(req.Tools)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if tools == nil {
			tools = []upstream.ToolKind{}
		}
		params.Tools = tools
	}
	if model := strings.TrimSpace(req.Model); model != "" {
		model = models.NormalizeModelName(model)
		if s.deps.Models != nil {
			if ok, hint := s.deps.Models.IsKnownModel(model); !ok {
				msg := fmt.Sprintf("model %q is not available", model)
				if hint != "" {
					msg += "; available models: " + hint
				}
				writeError(w, http.StatusBadRequest, msg)
				return
			}
		}
		params.Model = model
	}

	ev, ok := newEventWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming is not supported by this connection")
		return
	}

	created := false
	if params.ConversationID == "" {
		conv, err := s.deps.Store.CreateConversation(r.Context(), "", "")
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		params.ConversationID = conv.ID
		created = true
	}

	cb := conversation.Callbacks{
		Callbacks: session.Callbacks{
			OnResponseMeta: func(m stream.Meta) { ev.send("meta", m) },
			OnTextDelta:    func(d string) { ev.send("text", textEvent{Delta: d}) },
			OnToolCall:     func(e stream.Event) { ev.sendRaw("tool", compactJSON(e.Raw)) },
			OnMessage:      func(e stream.Event) { ev.sendRaw("message", compactJSON(e.Raw)) },
			OnError:        func(err error) { ev.send("error", errorPayload(err)) },
		},
		OnRetry: func(attempt int, wait time.Duration, err error) {
			e := retryEvent{Attempt: attempt, WaitMS: wait.Milliseconds()}
			if err != nil {
				e.Error = err.Error()
			}
			ev.send("retry", e)
		},
	}

	turn, err := s.deps.Conversations.Continue(r.Context(), params, cb)
	if err != nil {
		if created {
			s.discardConversation(r.Context(), params.ConversationID)
		}
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, conversation.ErrEmptyInput):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	select {
	case <-turn.Done():
	case <-r.Context().Done():
		turn.Close()
		<-turn.Done()
		ev.close()
		s.logger.Info("chat.client_disconnected", "conversation_id", turn.ConversationID)
		return
	}

	done := doneEvent{
		ConversationID: turn.ConversationID,
		ResponseID:     turn.ResponseID(),
		Usage:          turn.Usage(),
		OK:             turn.Wait() == nil,
	}
	if reply := turn.Reply(); reply != nil {
		done.MessageID = reply.ID
	}
	ev.send("done", done)
	ev.close()
}

// discardConversation removes a conversation created for a turn that never
// started.
func (s *Server) discardConversation(ctx context.Context, id string) {
	if err := s.deps.Store.DeleteConversation(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("chat.discard_conversation_failed", "conversation_id", id, "error", err)
	}
}

func errorPayload(err error) errorEvent {
	e := errorEvent{Message: err.Error()}
	var statusErr *session.StatusError
	if errors.As(err, &statusErr) {
		e.Status = statusErr.StatusCode
		e.RequestID = statusErr.RequestID()
	}
	return e
}

// compactJSON keeps raw event payloads on a single data line.
func compactJSON(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
