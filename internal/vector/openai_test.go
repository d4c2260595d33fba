package vector

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"
)

func newOpenAIAdapter(t *testing.T, mux *http.ServeMux) *OpenAIAdapter {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client := openai.NewClient(
		option.WithBaseURL(srv.URL+"/v1/"),
		option.WithAPIKey("sk-test"),
		option.WithMaxRetries(0),
	)
	return NewOpenAIAdapter(client, discardLogger())
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestOpenAIAdapterListStores(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/vector_stores", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"object":"list","has_more":false,"data":[
			{"id":"vs_1","object":"vector_store","name":"docs","created_at":1700000000,"usage_bytes":2048,
			 "file_counts":{"total":3},"metadata":{"layer":"L3"}},
			{"id":"vs_2","object":"vector_store","name":"","created_at":1700000000,"file_counts":{"total":0},"metadata":{}}
		]}`)
	})
	a := newOpenAIAdapter(t, mux)

	stores, err := a.ListStores(context.Background())
	if err != nil {
		t.Fatalf("ListStores: %v", err)
	}
	if len(stores) != 2 {
		t.Fatalf("stores: got %+v", stores)
	}
	if stores[0].Layer != L3 || stores[0].FilesCount != 3 || stores[0].SizeBytes != 2048 {
		t.Errorf("first store: %+v", stores[0])
	}
	if stores[1].Layer != "" || stores[1].Name != "vs_2" {
		t.Errorf("untagged store: %+v", stores[1])
	}
}

func TestOpenAIAdapterCreateStoreTagsLayer(t *testing.T) {
	var body []byte
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/vector_stores", func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		writeJSON(w, http.StatusOK, `{"id":"vs_new","object":"vector_store","name":"docs","created_at":1700000000,"file_counts":{"total":0},"metadata":{"layer":"L2"}}`)
	})
	a := newOpenAIAdapter(t, mux)

	info, err := a.CreateStore(context.Background(), L2, "docs")
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	if info.ID != "vs_new" || info.Layer != L2 {
		t.Errorf("info: %+v", info)
	}
	if gjson.GetBytes(body, "metadata.layer").String() != "L2" || gjson.GetBytes(body, "name").String() != "docs" {
		t.Errorf("request body: %s", body)
	}
}

func TestOpenAIAdapterListFilesResolvesNames(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/vector_stores/vs_1/files", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"object":"list","has_more":false,"data":[
			{"id":"file_a","object":"vector_store.file","status":"completed","usage_bytes":10,"created_at":1700000000,"vector_store_id":"vs_1"},
			{"id":"file_b","object":"vector_store.file","status":"failed","usage_bytes":0,"created_at":1700000001,"vector_store_id":"vs_1"}
		]}`)
	})
	mux.HandleFunc("GET /v1/files/file_a", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"file_a","object":"file","bytes":10,"created_at":1700000000,"filename":"a.md","purpose":"assistants"}`)
	})
	mux.HandleFunc("GET /v1/files/file_b", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":{"message":"gone"}}`)
	})
	a := newOpenAIAdapter(t, mux)

	files, err := a.ListFiles(context.Background(), "vs_1")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files: %+v", files)
	}
	if files[0].Filename != "a.md" || files[0].Status != StatusReady {
		t.Errorf("file_a: %+v", files[0])
	}
	if files[1].Filename != "file_b" || files[1].Status != StatusError {
		t.Errorf("file_b: %+v", files[1])
	}
}

func TestOpenAIAdapterAddFile(t *testing.T) {
	var uploaded string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/files", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			writeJSON(w, http.StatusBadRequest, `{}`)
			return
		}
		data, _ := io.ReadAll(f)
		uploaded = hdr.Filename + ":" + string(data) + ":" + r.FormValue("purpose")
		writeJSON(w, http.StatusOK, `{"id":"file_new","object":"file","bytes":5,"created_at":1700000000,"filename":"n.txt","purpose":"assistants"}`)
	})
	mux.HandleFunc("POST /v1/vector_stores/vs_1/files", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "file_id").String() != "file_new" {
			t.Errorf("attach body: %s", body)
		}
		writeJSON(w, http.StatusOK, `{"id":"file_new","object":"vector_store.file","status":"in_progress","vector_store_id":"vs_1"}`)
	})
	a := newOpenAIAdapter(t, mux)

	info, err := a.AddFile(context.Background(), "vs_1", Upload{Filename: "n.txt", Reader: strings.NewReader("hello")})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if uploaded != "n.txt:hello:assistants" {
		t.Errorf("uploaded: %q", uploaded)
	}
	if info.FileID != "file_new" || info.Status != StatusInProgress || info.Bytes != 5 {
		t.Errorf("info: %+v", info)
	}
}

func TestOpenAIAdapterSearch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/vector_stores/vs_1/search", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "query").String() != "refund policy" || gjson.GetBytes(body, "max_num_results").Int() != 5 {
			t.Errorf("search body: %s", body)
		}
		writeJSON(w, http.StatusOK, `{"object":"vector_store.search_results.page","data":[
			{"file_id":"file_a","filename":"a.md","score":0.7,"attributes":{},"content":[{"type":"text","text":"one"},{"type":"text","text":"two"}]}
		]}`)
	})
	a := newOpenAIAdapter(t, mux)

	hits, err := a.Search(context.Background(), "vs_1", "refund policy", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Text != "one\ntwo" || hits[0].StoreID != "vs_1" || hits[0].Score != 0.7 {
		t.Fatalf("hits: %+v", hits)
	}
}

func TestOpenAIAdapterNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1/vector_stores/vs_missing", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":{"message":"No vector store found","type":"invalid_request_error"}}`)
	})
	a := newOpenAIAdapter(t, mux)

	err := a.DeleteStore(context.Background(), "vs_missing")
	if !errors.Is(err, ErrUnknownStore) {
		t.Fatalf("expected ErrUnknownStore, got %v", err)
	}
}
