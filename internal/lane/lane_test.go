package lane

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLaneOrdering(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 3)

	s := New(func(_ context.Context, ev Event) error {
		mu.Lock()
		got = append(got, ev.Payload)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, nil, nil, Config{})
	defer s.Shutdown(context.Background())

	for _, p := range []string{"first", "second", "third"} {
		if err := s.Submit(Event{LaneKey: UserKey("alice"), Payload: p}); err != nil {
			t.Fatalf("Submit(%s): %v", p, err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for turns")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestLanesRunConcurrently(t *testing.T) {
	// Block alice's lane; bob's lane must still execute.
	release := make(chan struct{})
	bobDone := make(chan struct{})

	s := New(func(_ context.Context, ev Event) error {
		if ev.IdentityID == "alice" {
			<-release
		} else {
			close(bobDone)
		}
		return nil
	}, nil, nil, Config{})
	defer func() {
		close(release)
		s.Shutdown(context.Background())
	}()

	if err := s.Submit(Event{LaneKey: UserKey("alice"), IdentityID: "alice"}); err != nil {
		t.Fatalf("Submit alice: %v", err)
	}
	if err := s.Submit(Event{LaneKey: UserKey("bob"), IdentityID: "bob"}); err != nil {
		t.Fatalf("Submit bob: %v", err)
	}

	select {
	case <-bobDone:
	case <-time.After(2 * time.Second):
		t.Fatal("bob's lane blocked behind alice's")
	}
}

func TestCoalescableTickDropped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	s := New(func(_ context.Context, _ Event) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}, nil, nil, Config{})
	defer func() {
		close(release)
		s.Shutdown(context.Background())
	}()

	key := AutoKey("alice", "heartbeat")
	if err := s.Submit(Event{LaneKey: key, Source: "heartbeat", Coalesce: true}); err != nil {
		t.Fatalf("Submit first tick: %v", err)
	}
	<-started

	err := s.Submit(Event{LaneKey: key, Source: "heartbeat", Coalesce: true})
	if !errors.Is(err, ErrTickDropped) {
		t.Errorf("second tick: err = %v, want ErrTickDropped", err)
	}
	if n := s.Pending(key); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestLaneFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	s := New(func(_ context.Context, _ Event) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}, nil, nil, Config{QueueDepth: 2})
	defer func() {
		close(release)
		s.Shutdown(context.Background())
	}()

	key := UserKey("alice")
	// First event starts executing; two more fill the queue.
	if err := s.Submit(Event{LaneKey: key}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	for i := 0; i < 2; i++ {
		if err := s.Submit(Event{LaneKey: key}); err != nil {
			t.Fatalf("Submit queued #%d: %v", i+1, err)
		}
	}

	if err := s.Submit(Event{LaneKey: key}); !errors.Is(err, ErrLaneFull) {
		t.Errorf("err = %v, want ErrLaneFull", err)
	}
}

func TestPanicContained(t *testing.T) {
	done := make(chan string, 2)

	s := New(func(_ context.Context, ev Event) error {
		if ev.Payload == "boom" {
			panic("kaboom")
		}
		done <- ev.Payload
		return nil
	}, nil, nil, Config{})
	defer s.Shutdown(context.Background())

	if err := s.Submit(Event{LaneKey: UserKey("alice"), Payload: "boom"}); err != nil {
		t.Fatalf("Submit boom: %v", err)
	}
	if err := s.Submit(Event{LaneKey: UserKey("alice"), Payload: "after"}); err != nil {
		t.Fatalf("Submit after: %v", err)
	}

	select {
	case p := <-done:
		if p != "after" {
			t.Errorf("got %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lane died after panic")
	}
}

func TestTurnTimeout(t *testing.T) {
	timedOut := make(chan struct{})

	s := New(func(ctx context.Context, _ Event) error {
		<-ctx.Done()
		close(timedOut)
		return ctx.Err()
	}, nil, nil, Config{TurnTimeout: 20 * time.Millisecond})
	defer s.Shutdown(context.Background())

	if err := s.Submit(Event{LaneKey: UserKey("alice")}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never timed out")
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	s := New(func(_ context.Context, _ Event) error { return nil }, nil, nil, Config{})
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if err := s.Submit(Event{LaneKey: UserKey("alice")}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("err = %v, want ErrShuttingDown", err)
	}
}

func TestLaneKeys(t *testing.T) {
	if k := UserKey("alice"); k != "user:alice" {
		t.Errorf("UserKey = %q", k)
	}
	if k := AutoKey("alice", "cron"); k != "auto:alice:cron" {
		t.Errorf("AutoKey = %q", k)
	}
	if IsAuto(UserKey("alice")) {
		t.Error("user lane classified as auto")
	}
	if !IsAuto(AutoKey("alice", "heartbeat")) {
		t.Error("auto lane not classified as auto")
	}
}
