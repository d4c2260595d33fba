package upstream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/n0madic/go-elements/internal/limits"
)

func TestMergeIncludesDedupe(t *testing.T) {
	got := mergeIncludes([]string{"foo", "file_search_call.results", "foo", " "}, "file_search_call.results", "bar")
	want := []string{"foo", "file_search_call.results", "bar"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseToolKinds(t *testing.T) {
	got, err := ParseToolKinds([]string{"Web_Search", "", "code_interpreter", "web_search"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []ToolKind{ToolWebSearch, ToolCodeInterpreter}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if _, err := ParseToolKinds([]string{"browser"}); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestRequestBodyMinimal(t *testing.T) {
	req := &Request{Model: "gpt-5", Input: "hello"}
	body, err := req.Body()
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	if got := gjson.GetBytes(body, "model").String(); got != "gpt-5" {
		t.Errorf("model: got %q", got)
	}
	if !gjson.GetBytes(body, "stream").Bool() {
		t.Error("stream must be true")
	}
	if got := gjson.GetBytes(body, "input.0.role").String(); got != "user" {
		t.Errorf("role: got %q", got)
	}
	if got := gjson.GetBytes(body, "input.0.content.0.type").String(); got != "input_text" {
		t.Errorf("content type: got %q", got)
	}
	if got := gjson.GetBytes(body, "input.0.content.0.text").String(); got != "hello" {
		t.Errorf("content text: got %q", got)
	}
	for _, key := range []string{"previous_response_id", "tools", "store", "instructions", "include"} {
		if gjson.GetBytes(body, key).Exists() {
			t.Errorf("%s must be omitted: %s", key, body)
		}
	}
}

func TestRequestBodyTools(t *testing.T) {
	store := false
	req := &Request{
		Model:              "gpt-5",
		Input:              "find it",
		PreviousResponseID: "resp_prev",
		Tools:              []ToolKind{ToolWebSearch, ToolFileSearch, ToolCodeInterpreter},
		VectorStoreIDs:     []string{"vs_1", " ", "vs_2"},
		Store:              &store,
		MaxOutputTokens:    256,
	}
	body, err := req.Body()
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	if got := gjson.GetBytes(body, "previous_response_id").String(); got != "resp_prev" {
		t.Errorf("previous_response_id: got %q", got)
	}
	var types []string
	for _, tool := range gjson.GetBytes(body, "tools").Array() {
		types = append(types, tool.Get("type").String())
	}
	want := []string{"web_search", "file_search", "code_interpreter"}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("tool types: got %v, want %v", types, want)
	}
	if got := gjson.GetBytes(body, "tools.1.vector_store_ids.#").Int(); got != 2 {
		t.Errorf("vector_store_ids: got %d entries", got)
	}
	if got := gjson.GetBytes(body, "tools.2.container.type").String(); got != "auto" {
		t.Errorf("container type: got %q", got)
	}
	if got := gjson.GetBytes(body, "include.0").String(); got != "file_search_call.results" {
		t.Errorf("include: got %q", got)
	}
	if v := gjson.GetBytes(body, "store"); !v.Exists() || v.Bool() {
		t.Errorf("store: got %s", v.Raw)
	}
	if got := gjson.GetBytes(body, "max_output_tokens").Int(); got != 256 {
		t.Errorf("max_output_tokens: got %d", got)
	}
}

func TestFileSearchDroppedWithoutStores(t *testing.T) {
	req := &Request{Model: "gpt-5", Input: "x", Tools: []ToolKind{ToolFileSearch}}
	body, err := req.Body()
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	if gjson.GetBytes(body, "tools").Exists() {
		t.Fatalf("file_search without stores must be dropped: %s", body)
	}
}

func TestCodeInterpreterOnly(t *testing.T) {
	req := &Request{Model: "gpt-5", Input: "x", Tools: []ToolKind{ToolCodeInterpreter}}
	body, err := req.Body()
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	if got := gjson.GetBytes(body, "tools.#").Int(); got != 1 {
		t.Fatalf("tools: got %d entries in %s", got, body)
	}
	if got := gjson.GetBytes(body, "tools.0.type").String(); got != "code_interpreter" {
		t.Errorf("tool type: got %q", got)
	}
}

func TestRequestBodyRequiresModel(t *testing.T) {
	if _, err := (&Request{Input: "x"}).Body(); err == nil {
		t.Fatal("expected error without model")
	}
}

func TestOpenerSendsStreamingRequest(t *testing.T) {
	var gotPath, gotAccept, gotUA string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		gotUA = r.Header.Get("User-Agent")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("x-ratelimit-remaining-requests", "7")
		w.Header().Set("x-ratelimit-limit-requests", "10")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	dir := t.TempDir()
	rec := limits.NewRecorder(dir)
	c := NewClient(srv.Client(), srv.URL+"/v1/", rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	resp, err := c.Opener(&Request{Model: "gpt-5", Input: "hi"})(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "data: [DONE]\n\n" {
		t.Errorf("body: got %q", data)
	}
	if gotPath != "/v1/responses" {
		t.Errorf("path: got %q", gotPath)
	}
	if gotAccept != "text/event-stream" {
		t.Errorf("accept: got %q", gotAccept)
	}
	if !strings.HasPrefix(gotUA, "elements/") {
		t.Errorf("user agent: got %q", gotUA)
	}
	if !gjson.GetBytes(gotBody, "stream").Bool() {
		t.Errorf("stream flag missing: %s", gotBody)
	}
	if _, err := os.Stat(filepath.Join(dir, limits.FileName)); err != nil {
		t.Fatalf("rate limits not recorded: %v", err)
	}
	snap := rec.Load()
	if snap == nil || snap.Snapshot.Requests == nil || snap.Snapshot.Requests.Remaining != 7 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestOpenerRetriesWithoutStore(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if gjson.GetBytes(b, "store").Exists() {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"message":"Unsupported parameter: 'store'"}}`)
			return
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	store := true
	c := NewClient(srv.Client(), srv.URL, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	resp, err := c.Opener(&Request{Model: "gpt-5", Input: "hi", Store: &store})(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(bodies))
	}
}

func TestOpenerKeepsOtherBadRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad model"}}`)
	}))
	defer srv.Close()

	store := true
	c := NewClient(srv.Client(), srv.URL, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	resp, err := c.Opener(&Request{Model: "nope", Input: "hi", Store: &store})(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "bad model") {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, data)
	}
}

func TestFormatError(t *testing.T) {
	h := http.Header{}
	h.Set("x-request-id", "req_1")
	got := FormatError(401, []byte(`{"error":{"message":"Incorrect API key"}}`), h)
	want := "upstream returned HTTP 401 Unauthorized: Incorrect API key (request_id: req_1)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
