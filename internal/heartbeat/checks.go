package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cairnlabs/cairn/internal/graph"
)

// DueReminders matches when any active reminder node carries a due_at
// inside the window.
func DueReminders(g *graph.Store, window time.Duration) Check {
	return Check{
		Name: "pending_reminders",
		Run: func(_ context.Context, identityID string) (bool, string, error) {
			nodes, err := g.ListNodes(identityID, graph.KindReminder, graph.StatusActive, 50)
			if err != nil {
				return false, "", err
			}
			now := time.Now()
			var due []string
			for _, n := range nodes {
				raw, ok := n.Attrs["due_at"].(string)
				if !ok {
					continue
				}
				at, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					continue
				}
				if at.After(now) && at.Before(now.Add(window)) {
					due = append(due, n.Label)
				}
			}
			if len(due) == 0 {
				return false, "", nil
			}
			return true, fmt.Sprintf("%d reminder(s) due within %s: %v", len(due), window, due), nil
		},
	}
}

// StaleConversation matches when the identity's last user-lane
// activity is older than staleAfter. lastActivity returning a zero
// time means no conversation yet, which is not staleness.
func StaleConversation(lastActivity func(identityID string) (time.Time, error), staleAfter time.Duration) Check {
	return Check{
		Name: "stale_conversation",
		Run: func(_ context.Context, identityID string) (bool, string, error) {
			last, err := lastActivity(identityID)
			if err != nil {
				return false, "", err
			}
			if last.IsZero() {
				return false, "", nil
			}
			gap := time.Since(last)
			if gap < staleAfter {
				return false, "", nil
			}
			return true, fmt.Sprintf("no conversation for %s", gap.Round(time.Hour)), nil
		},
	}
}

// UnansweredMessage matches when the identity's conversation ends on a
// user message that has waited longer than patience. lastMessage
// returns the role and timestamp of the newest user-lane message; an
// empty role means no conversation yet.
func UnansweredMessage(lastMessage func(identityID string) (string, time.Time, error), patience time.Duration) Check {
	return Check{
		Name: "unanswered_message",
		Run: func(_ context.Context, identityID string) (bool, string, error) {
			role, at, err := lastMessage(identityID)
			if err != nil {
				return false, "", err
			}
			if role != "user" {
				return false, "", nil
			}
			wait := time.Since(at)
			if wait < patience {
				return false, "", nil
			}
			return true, fmt.Sprintf("the user's last message has gone unanswered for %s", wait.Round(time.Minute)), nil
		},
	}
}

// DailyBrief matches once per day inside the configured local-time
// window. The engine's message cap still applies, so a busy checklist
// can push the brief to the next cycle.
func DailyBrief(hour, windowMinutes int, now func() time.Time) Check {
	if now == nil {
		now = time.Now
	}
	var mu sync.Mutex
	lastSent := make(map[string]string) // identity -> date of last brief
	return Check{
		Name: "daily_brief",
		Run: func(_ context.Context, identityID string) (bool, string, error) {
			t := now()
			open := time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location())
			if t.Before(open) || t.After(open.Add(time.Duration(windowMinutes)*time.Minute)) {
				return false, "", nil
			}
			day := t.Format("2006-01-02")
			mu.Lock()
			defer mu.Unlock()
			if lastSent[identityID] == day {
				return false, "", nil
			}
			lastSent[identityID] = day
			return true, "time for the daily brief: summarize anything relevant for today", nil
		},
	}
}

// TrackedTopics matches when any tracked topic node has gone
// untouched longer than freshFor.
func TrackedTopics(g *graph.Store, freshFor time.Duration) Check {
	return Check{
		Name: "tracked_topics",
		Run: func(_ context.Context, identityID string) (bool, string, error) {
			nodes, err := g.ListNodes(identityID, graph.KindTopic, graph.StatusActive, 50)
			if err != nil {
				return false, "", err
			}
			var stale []string
			for _, n := range nodes {
				if tracked, _ := n.Attrs["tracked"].(bool); !tracked {
					continue
				}
				if time.Since(n.TouchedAt) > freshFor {
					stale = append(stale, n.Label)
				}
			}
			if len(stale) == 0 {
				return false, "", nil
			}
			return true, fmt.Sprintf("tracked topics gone quiet: %v", stale), nil
		},
	}
}
