package webhook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cairnlabs/cairn/internal/config"
	"github.com/cairnlabs/cairn/internal/lane"
)

type captureScheduler struct {
	submitted []lane.Event
	err       error
}

func (s *captureScheduler) Submit(ev lane.Event) error {
	if s.err != nil {
		return s.err
	}
	s.submitted = append(s.submitted, ev)
	return nil
}

func testHandler(t *testing.T, sched Submitter) *http.ServeMux {
	t.Helper()
	hash, err := HashToken("s3cret")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	h := NewHandler([]config.WebhookConfig{
		{Key: "doorbell", TokenHash: hash, Identity: "alice"},
	}, sched, nil, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /invoke/{key}", h.Invoke)
	return mux
}

func invoke(mux *http.ServeMux, key, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/invoke/"+key, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestInvokeAccepted(t *testing.T) {
	sched := &captureScheduler{}
	mux := testHandler(t, sched)

	w := invoke(mux, "doorbell", "s3cret", `{"event":"ring","sessionHint":"front-door","data":{"camera":"porch"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(sched.submitted) != 1 {
		t.Fatalf("submitted %d events, want 1", len(sched.submitted))
	}
	ev := sched.submitted[0]
	if ev.LaneKey != "auto:alice:webhook:front-door" {
		t.Errorf("lane = %q", ev.LaneKey)
	}
	if !lane.IsAuto(ev.LaneKey) {
		t.Error("webhook event landed outside an auto lane")
	}
	if !strings.Contains(ev.Payload, `"ring"`) {
		t.Errorf("payload = %q", ev.Payload)
	}
}

func TestInvokeBadToken(t *testing.T) {
	sched := &captureScheduler{}
	mux := testHandler(t, sched)

	for name, w := range map[string]*httptest.ResponseRecorder{
		"wrong token":  invoke(mux, "doorbell", "guess", `{"event":"ring","sessionHint":"x"}`),
		"no token":     invoke(mux, "doorbell", "", `{"event":"ring","sessionHint":"x"}`),
		"unknown key":  invoke(mux, "nothere", "s3cret", `{"event":"ring","sessionHint":"x"}`),
	} {
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, w.Code)
		}
	}
	if len(sched.submitted) != 0 {
		t.Errorf("rejected requests enqueued %d events", len(sched.submitted))
	}
}

func TestInvokeUnresolvedHint(t *testing.T) {
	sched := &captureScheduler{}
	mux := testHandler(t, sched)

	for _, body := range []string{
		`{"event":"ring"}`,
		`{"event":"ring","sessionHint":""}`,
		`{"event":"ring","sessionHint":"Bad Hint!"}`,
		`not json`,
	} {
		w := invoke(mux, "doorbell", "s3cret", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
	if len(sched.submitted) != 0 {
		t.Errorf("bad payloads enqueued %d events", len(sched.submitted))
	}
}

func TestInvokeLaneFull(t *testing.T) {
	sched := &captureScheduler{err: lane.ErrLaneFull}
	mux := testHandler(t, sched)

	w := invoke(mux, "doorbell", "s3cret", `{"event":"ring","sessionHint":"x"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
