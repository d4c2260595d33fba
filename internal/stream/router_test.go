package stream

import (
	"errors"
	"testing"
)

type recorded struct {
	kind  string
	value string
}

func recordingHandlers(out *[]recorded) Handlers {
	return Handlers{
		OnTextDelta: func(delta string) {
			*out = append(*out, recorded{"text", delta})
		},
		OnToolCall: func(evt Event) {
			*out = append(*out, recorded{"tool", evt.Type})
		},
		OnMessage: func(evt Event) {
			*out = append(*out, recorded{"message", evt.Type})
		},
		OnResponseMeta: func(meta Meta) {
			*out = append(*out, recorded{"meta", meta.ID + "|" + meta.Type})
		},
	}
}

func TestRouteTextDelta(t *testing.T) {
	var got []recorded
	h := recordingHandlers(&got)

	if err := Route(`{"type":"response.output_text.delta","delta":"X"}`, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != (recorded{"text", "X"}) {
		t.Fatalf("expected text X, got %+v", got)
	}

	got = nil
	if err := Route(`{"type":"response.output_text.delta","delta":""}`, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Route(`{"type":"response.output_text.delta"}`, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("empty delta must not fire, got %+v", got)
	}
}

func TestRouteResponseMeta(t *testing.T) {
	var got []recorded
	if err := Route(`{"id":"resp_123","type":"response.created"}`, recordingHandlers(&got)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected meta then message, got %+v", got)
	}
	if got[0] != (recorded{"meta", "resp_123|response.created"}) {
		t.Errorf("unexpected meta: %+v", got[0])
	}
	if got[1] != (recorded{"message", "response.created"}) {
		t.Errorf("unexpected dispatch: %+v", got[1])
	}
}

func TestRouteNestedResponseID(t *testing.T) {
	var metas []Meta
	h := Handlers{OnResponseMeta: func(m Meta) { metas = append(metas, m) }}
	if err := Route(`{"type":"response.completed","response":{"id":"resp_9","status":"completed"}}`, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(metas) != 1 || metas[0].ID != "resp_9" || metas[0].Type != "response.completed" {
		t.Fatalf("unexpected metas: %+v", metas)
	}

	metas = nil
	if err := Route(`{"type":"response.output_item.added","item":{"id":"msg_1"}}`, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(metas) != 0 {
		t.Fatalf("item ids are not response ids, got %+v", metas)
	}
}

func TestRouteToolTypes(t *testing.T) {
	var got []recorded
	h := recordingHandlers(&got)
	for _, payload := range []string{
		`{"type":"response.tool_call","name":"web_search"}`,
		`{"type":"response.tool_result"}`,
		`{"type":"response.tool_error"}`,
		`{"type":"response.web_search_call.completed"}`,
		`{"type":"response.output_text.done","text":"hi"}`,
		`{"type":"response.reasoning_summary_text.delta","delta":"think"}`,
	} {
		if err := Route(payload, h); err != nil {
			t.Fatalf("unexpected error for %s: %v", payload, err)
		}
	}
	want := []recorded{
		{"tool", "response.tool_call"},
		{"tool", "response.tool_result"},
		{"tool", "response.tool_error"},
		{"message", "response.web_search_call.completed"},
		{"message", "response.reasoning_summary_text.delta"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatch %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRouterWithBuiltinToolTypes(t *testing.T) {
	var got []recorded
	r := NewRouter(WithToolTypes(BuiltinToolTypes...))
	if err := r.Route(`{"type":"response.web_search_call.completed","item_id":"ws_1"}`, recordingHandlers(&got)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != (recorded{"tool", "response.web_search_call.completed"}) {
		t.Fatalf("expected tool dispatch, got %+v", got)
	}
}

func TestRouteMalformed(t *testing.T) {
	var got []recorded
	h := recordingHandlers(&got)

	err := Route(`not json`, h)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("malformed payload must not dispatch, got %+v", got)
	}

	if err := Route(`{"type":"response.output_text.delta","delta":"ok"}`, h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].value != "ok" {
		t.Fatalf("expected later event to parse, got %+v", got)
	}
}

func TestRouteNilHandlers(t *testing.T) {
	if err := Route(`{"id":"resp_1","type":"response.tool_call"}`, Handlers{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseEventUnknownType(t *testing.T) {
	evt, err := ParseEvent(`{"type":"response.something_new","payload":{"k":1}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Type != "response.something_new" {
		t.Errorf("Type: got %q", evt.Type)
	}
	if got := evt.Get("payload.k").Int(); got != 1 {
		t.Errorf("payload.k: got %d, want 1", got)
	}
	var decoded map[string]any
	if err := evt.Decode(&decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded["type"] != "response.something_new" {
		t.Errorf("decoded type: got %v", decoded["type"])
	}
}
