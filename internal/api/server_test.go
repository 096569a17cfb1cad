package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cairnlabs/cairn/internal/config"
	"github.com/cairnlabs/cairn/internal/lane"
	"github.com/cairnlabs/cairn/internal/webhook"
)

func testServer(t *testing.T, chat ChatFunc) *Server {
	t.Helper()
	return NewServer("127.0.0.1", 0, chat, nil, nil, nil)
}

func TestChatRoundTrip(t *testing.T) {
	s := testServer(t, func(_ context.Context, identityID, message string) (string, error) {
		return fmt.Sprintf("%s said: %s", identityID, message), nil
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat", "application/json",
		strings.NewReader(`{"identity":"alice","message":"hello"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Reply != "alice said: hello" {
		t.Errorf("reply = %q", body.Reply)
	}
}

func TestChatRejectsMissingFields(t *testing.T) {
	s := testServer(t, func(context.Context, string, string) (string, error) {
		t.Fatal("chat must not run")
		return "", nil
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	for _, payload := range []string{
		`{"message":"hello"}`,
		`{"identity":"alice"}`,
		`{"identity":"  ","message":"hello"}`,
		`not json`,
	} {
		resp, err := http.Post(srv.URL+"/v1/chat", "application/json", strings.NewReader(payload))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("payload %q: status = %d, want 400", payload, resp.StatusCode)
		}
	}
}

func TestChatTurnFailure(t *testing.T) {
	s := testServer(t, func(context.Context, string, string) (string, error) {
		return "", fmt.Errorf("oracle unreachable")
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat", "application/json",
		strings.NewReader(`{"identity":"alice","message":"hi"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestHealthAndVersion(t *testing.T) {
	s := testServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	for _, path := range []string{"/health", "/v1/version"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status = %d", path, resp.StatusCode)
		}
	}
}

func TestStatusIncludesRegisteredStats(t *testing.T) {
	s := testServer(t, nil)
	s.RegisterStats("lanes", func() map[string]any {
		return map[string]any{"pending": 3}
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	lanes, ok := status["lanes"].(map[string]any)
	if !ok {
		t.Fatalf("lanes missing from status: %v", status)
	}
	if lanes["pending"].(float64) != 3 {
		t.Errorf("pending = %v", lanes["pending"])
	}
	if _, ok := status["build"]; !ok {
		t.Error("build info missing from status")
	}
}

func TestWebhookRouteMounted(t *testing.T) {
	hash, err := webhook.HashToken("s3cret")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	hooks := webhook.NewHandler([]config.WebhookConfig{
		{Key: "doorbell", TokenHash: hash, Identity: "alice"},
	}, submitFunc(func(lane.Event) error { return nil }), nil, nil)

	s := NewServer("127.0.0.1", 0, nil, hooks, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/invoke/doorbell",
		strings.NewReader(`{"event":"ring","sessionHint":"front-door"}`))
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

type submitFunc func(lane.Event) error

func (f submitFunc) Submit(ev lane.Event) error { return f(ev) }
