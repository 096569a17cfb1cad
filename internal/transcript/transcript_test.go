package transcript

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cairnlabs/cairn/internal/lane"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "transcript.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := testStore(t)
	key := lane.UserKey("alice")

	turns := []struct{ role, content string }{
		{"user", "hello"},
		{"assistant", "hi there"},
		{"user", "what's my schedule?"},
	}
	for _, turn := range turns {
		if err := s.Append(key, "alice", turn.role, turn.content); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	msgs, err := s.Recent(key, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	// Chronological order.
	if msgs[0].Content != "hello" || msgs[2].Content != "what's my schedule?" {
		t.Errorf("order wrong: %v, %v", msgs[0].Content, msgs[2].Content)
	}
}

func TestLanesAreIsolated(t *testing.T) {
	s := testStore(t)

	if err := s.Append(lane.UserKey("alice"), "alice", "user", "private chat"); err != nil {
		t.Fatalf("Append user: %v", err)
	}
	if err := s.Append(lane.AutoKey("alice", "heartbeat"), "alice", "assistant", "cycle note"); err != nil {
		t.Fatalf("Append auto: %v", err)
	}

	userMsgs, err := s.Recent(lane.UserKey("alice"), 10)
	if err != nil {
		t.Fatalf("Recent user: %v", err)
	}
	autoMsgs, err := s.Recent(lane.AutoKey("alice", "heartbeat"), 10)
	if err != nil {
		t.Fatalf("Recent auto: %v", err)
	}
	if len(userMsgs) != 1 || userMsgs[0].Content != "private chat" {
		t.Errorf("user lane = %+v", userMsgs)
	}
	if len(autoMsgs) != 1 || autoMsgs[0].Content != "cycle note" {
		t.Errorf("auto lane = %+v", autoMsgs)
	}
}

func TestLastUserActivityIgnoresAutoLanes(t *testing.T) {
	s := testStore(t)

	// Only auto-lane traffic: no "user activity".
	if err := s.Append(lane.AutoKey("alice", "cron"), "alice", "assistant", "job output"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	last, err := s.LastUserActivity("alice")
	if err != nil {
		t.Fatalf("LastUserActivity: %v", err)
	}
	if !last.IsZero() {
		t.Errorf("auto traffic counted as user activity: %v", last)
	}

	if err := s.Append(lane.UserKey("alice"), "alice", "user", "hello"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	last, err = s.LastUserActivity("alice")
	if err != nil {
		t.Fatalf("LastUserActivity: %v", err)
	}
	if last.IsZero() || time.Since(last) > time.Minute {
		t.Errorf("last activity = %v", last)
	}
}

func TestTimestampOrderIsExactAtSecondBoundaries(t *testing.T) {
	s := testStore(t)
	key := lane.UserKey("alice")

	// A message landing exactly on a second must sort before one half a
	// second later. RFC3339Nano strips trailing zeros, which breaks
	// this ordering for TEXT comparison; the fixed-width layout keeps
	// it.
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rows := []struct {
		id, content string
		at          time.Time
	}{
		{"m1", "on the second", base},
		{"m2", "half later", base.Add(500 * time.Millisecond)},
		{"m3", "next second", base.Add(time.Second)},
	}
	for _, row := range rows {
		_, err := s.db.Exec(`
			INSERT INTO messages (id, lane_key, identity_id, role, content, created_at)
			VALUES (?, ?, ?, 'user', ?, ?)
		`, row.id, key, "alice", row.content, row.at.Format(tsLayout))
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	msgs, err := s.Recent(key, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	want := []string{"on the second", "half later", "next second"}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Fatalf("position %d = %q, want %q (order %v)", i, msgs[i].Content, w, msgs)
		}
	}

	// Stored values are fixed width, so lexicographic and chronological
	// order agree.
	a := base.Format(tsLayout)
	b := base.Add(500 * time.Millisecond).Format(tsLayout)
	if len(a) != len(b) || !(a < b) {
		t.Errorf("layout not fixed-width ordered: %q vs %q", a, b)
	}
}

func TestUserMessageTimes(t *testing.T) {
	s := testStore(t)
	key := lane.UserKey("alice")

	for i := 0; i < 3; i++ {
		if err := s.Append(key, "alice", "user", "msg"); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Append(key, "alice", "assistant", "reply"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	times, err := s.UserMessageTimes("alice", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("UserMessageTimes: %v", err)
	}
	if len(times) != 3 {
		t.Errorf("got %d times, want 3 (assistant rows excluded)", len(times))
	}
}
