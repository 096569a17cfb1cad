package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q", req.Model)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Model:     "test-model",
			Message:   Message{Role: "assistant", Content: "hello"},
			Done:      true,
			EvalCount: 3,
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "test-model"})
	resp, err := c.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Message.Content != "hello" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.OutputTokens != 3 {
		t.Errorf("output tokens = %d", resp.OutputTokens)
	}
}

func TestComplete_JSONOnlySetsFormat(t *testing.T) {
	var gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotFormat = req.Format
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "{}"}, Done: true})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "m"})
	if _, err := c.Complete(context.Background(), &Request{JSONOnly: true}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotFormat != "json" {
		t.Errorf("format = %q, want json", gotFormat)
	}
}

func TestComplete_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "missing"})
	if _, err := c.Complete(context.Background(), &Request{}); err == nil {
		t.Fatal("expected error for 404 response")
	}
}
