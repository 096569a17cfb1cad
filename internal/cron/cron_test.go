package cron

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func futureOneShot(d time.Duration) Schedule {
	at := time.Now().Add(d).UTC()
	return Schedule{Kind: ScheduleOneShot, At: &at}
}

func ownerJob(id string, sched Schedule) *Job {
	return &Job{
		JobID:      id,
		IdentityID: "alice",
		Name:       "test job",
		Message:    "do the thing",
		Schedule:   sched,
		Creator:    CreatorOwner,
		Enabled:    true,
	}
}

func TestWriteRejectsDuplicateFromAgent(t *testing.T) {
	s := testStore(t)

	j := ownerJob("morning-brief", futureOneShot(time.Hour))
	if err := s.Write(CreatorOwner, j); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dup := ownerJob("morning-brief", futureOneShot(2*time.Hour))
	dup.Creator = CreatorAgent
	if err := s.Write(CreatorAgent, dup); !errors.Is(err, ErrJobExists) {
		t.Errorf("agent reuse: err = %v, want ErrJobExists", err)
	}
}

func TestWriteOwnerUpdatesNonLockedField(t *testing.T) {
	s := testStore(t)

	j := ownerJob("morning-brief", futureOneShot(time.Hour))
	if err := s.Write(CreatorOwner, j); err != nil {
		t.Fatalf("Write: %v", err)
	}

	updated := ownerJob("morning-brief", futureOneShot(time.Hour))
	updated.Message = "send the brief earlier"
	if err := s.Write(CreatorOwner, updated); err != nil {
		t.Fatalf("owner update: %v", err)
	}

	got, err := s.Get("alice", "morning-brief")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Message != "send the brief earlier" {
		t.Errorf("message = %q", got.Message)
	}
}

func TestWriteRejectsLockedFieldMutation(t *testing.T) {
	s := testStore(t)

	j := ownerJob("morning-brief", futureOneShot(time.Hour))
	if err := s.Write(CreatorOwner, j); err != nil {
		t.Fatalf("Write: %v", err)
	}

	relabeled := ownerJob("morning-brief", futureOneShot(time.Hour))
	relabeled.Creator = CreatorAgent
	if err := s.Write(CreatorOwner, relabeled); !errors.Is(err, ErrLockedField) {
		t.Errorf("creator mutation: err = %v, want ErrLockedField", err)
	}

	rebound := ownerJob("morning-brief", futureOneShot(time.Hour))
	rebound.IdentityID = "bob"
	if err := s.Write(CreatorOwner, rebound); !errors.Is(err, ErrLockedField) {
		t.Errorf("identity mutation: err = %v, want ErrLockedField", err)
	}
}

func TestValidateRejectsBadExpression(t *testing.T) {
	j := ownerJob("bad", Schedule{Kind: ScheduleRecurring, Expression: "not a cron line"})
	if err := j.Validate(); err == nil {
		t.Error("expected validation error for bad expression")
	}
}

func TestNextRunRecurringInTimezone(t *testing.T) {
	j := ownerJob("daily", Schedule{
		Kind:       ScheduleRecurring,
		Expression: "30 7 * * *",
		Timezone:   "America/New_York",
	})

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}
	after := time.Date(2026, 3, 2, 6, 0, 0, 0, loc)
	next, ok := j.NextRun(after)
	if !ok {
		t.Fatal("NextRun: no next firing")
	}
	want := time.Date(2026, 3, 2, 7, 30, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunLapsedOneShot(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	j := ownerJob("late", Schedule{Kind: ScheduleOneShot, At: &past})
	if _, ok := j.NextRun(time.Now()); ok {
		t.Error("lapsed one-shot still reports a next run")
	}
}

func TestEngineFiresOneShot(t *testing.T) {
	s := testStore(t)
	fired := make(chan string, 1)

	e := NewEngine(s, func(_ context.Context, j *Job) error {
		fired <- j.JobID
		return nil
	}, nil, nil, Config{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if err := e.Write(CreatorOwner, ownerJob("soon", futureOneShot(30*time.Millisecond))); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case id := <-fired:
		if id != "soon" {
			t.Errorf("fired %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job never fired")
	}

	// A fired one-shot ends up disabled with a completed execution.
	deadline := time.Now().Add(time.Second)
	for {
		j, err := s.Get("alice", "soon")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !j.Enabled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("fired one-shot still enabled")
		}
		time.Sleep(10 * time.Millisecond)
	}

	execs, err := s.Executions("soon", 5)
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != StatusCompleted {
		t.Errorf("executions = %+v", execs)
	}
}

func TestEngineMarksLapsedOnStartup(t *testing.T) {
	s := testStore(t)

	// Persist a one-shot in the past directly, simulating downtime.
	past := time.Now().Add(-2 * time.Hour).UTC()
	j := ownerJob("missed", Schedule{Kind: ScheduleOneShot, At: &past})
	j.CreatedAt = past.Add(-time.Hour)
	j.UpdatedAt = j.CreatedAt
	if err := s.insert(j); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var fired atomic.Int32
	e := NewEngine(s, func(_ context.Context, _ *Job) error {
		fired.Add(1)
		return nil
	}, nil, nil, Config{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	time.Sleep(50 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Errorf("lapsed one-shot fired %d times", n)
	}

	got, err := s.Get("alice", "missed")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Enabled {
		t.Error("lapsed job still enabled")
	}
	execs, err := s.Executions("missed", 5)
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != StatusLapsed {
		t.Errorf("executions = %+v", execs)
	}
}

func TestStopWaitsForInFlightFiring(t *testing.T) {
	s := testStore(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	e := NewEngine(s, func(_ context.Context, _ *Job) error {
		close(entered)
		<-release
		finished.Store(true)
		return nil
	}, nil, nil, Config{})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := e.Write(CreatorOwner, ownerJob("soon", futureOneShot(20*time.Millisecond))); err != nil {
		t.Fatalf("Write: %v", err)
	}
	<-entered

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a firing was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned after the firing finished")
	}
	if !finished.Load() {
		t.Error("firing did not run to completion before Stop returned")
	}
}

func TestEngineConcurrencyCap(t *testing.T) {
	s := testStore(t)
	release := make(chan struct{})
	var started atomic.Int32

	e := NewEngine(s, func(_ context.Context, _ *Job) error {
		started.Add(1)
		<-release
		return nil
	}, nil, nil, Config{MaxConcurrent: 1})
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		close(release)
		e.Stop()
	}()

	if err := e.Write(CreatorOwner, ownerJob("first", futureOneShot(20*time.Millisecond))); err != nil {
		t.Fatalf("Write first: %v", err)
	}
	if err := e.Write(CreatorOwner, ownerJob("second", futureOneShot(60*time.Millisecond))); err != nil {
		t.Fatalf("Write second: %v", err)
	}

	// The second firing hits the cap while the first is blocked and
	// gets audited as skipped.
	deadline := time.Now().Add(2 * time.Second)
	for {
		execs, err := s.Executions("second", 5)
		if err != nil {
			t.Fatalf("Executions: %v", err)
		}
		if len(execs) == 1 && execs[0].Status == StatusSkipped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("capped firing never audited: %+v", execs)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := started.Load(); n != 1 {
		t.Errorf("%d firings ran concurrently under cap 1", n)
	}
}
