package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cairnlabs/cairn/internal/cron"
	"github.com/cairnlabs/cairn/internal/graph"
	"github.com/cairnlabs/cairn/internal/memory"
)

// Capability is one tool the oracle may call during a turn. The table
// is assembled once at startup; there is no dynamic loading.
type Capability struct {
	Name        string
	Description string
	// Parameters maps parameter name to a JSON-schema fragment.
	Parameters map[string]map[string]any
	Required   []string
	Handler    func(ctx context.Context, identityID string, args map[string]any) (string, error)
}

// spec renders the capability as an oracle tool definition.
func (c Capability) spec() map[string]any {
	props := make(map[string]any, len(c.Parameters))
	for name, schema := range c.Parameters {
		props[name] = schema
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        c.Name,
			"description": c.Description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": props,
				"required":   c.Required,
			},
		},
	}
}

// validate checks required args are present before the handler runs.
func (c Capability) validate(args map[string]any) error {
	for _, name := range c.Required {
		v, ok := args[name]
		if !ok || v == nil {
			return fmt.Errorf("missing required argument %q", name)
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return fmt.Errorf("required argument %q is empty", name)
		}
	}
	return nil
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

// BuildCapabilities assembles the static capability table for agent
// turns.
func BuildCapabilities(mem *memory.Store, jobs *cron.Engine) []Capability {
	caps := []Capability{
		{
			Name:        "recall",
			Description: "Search long-term memory for relevant facts about the user.",
			Parameters: map[string]map[string]any{
				"query": {"type": "string", "description": "what to look for"},
				"limit": {"type": "integer", "description": "max results, default 5"},
			},
			Required: []string{"query"},
			Handler: func(ctx context.Context, identityID string, args map[string]any) (string, error) {
				limit := 5
				if f, ok := args["limit"].(float64); ok && f > 0 {
					limit = int(f)
				}
				results, err := mem.Recall(ctx, identityID, stringArg(args, "query"), limit)
				if err != nil {
					return "", err
				}
				if len(results) == 0 {
					return "no matching memories", nil
				}
				var b strings.Builder
				for _, r := range results {
					fmt.Fprintf(&b, "- [%s|%s] %s (id %s)\n", r.Node.Kind, r.Provenance, r.Node.Label, r.Node.ID)
				}
				return b.String(), nil
			},
		},
		{
			Name:        "remember",
			Description: "Store a durable fact about the user in long-term memory.",
			Parameters: map[string]map[string]any{
				"content": {"type": "string", "description": "one self-contained sentence"},
				"type": {"type": "string", "enum": []string{
					"person", "place", "goal", "habit", "event", "topic", "reminder", "fact", "preference"}},
			},
			Required: []string{"content", "type"},
			Handler: func(ctx context.Context, identityID string, args map[string]any) (string, error) {
				kind, ok := graph.NormalizeKind(stringArg(args, "type"))
				if !ok {
					return "", fmt.Errorf("unknown memory type %q", stringArg(args, "type"))
				}
				n := &graph.Node{
					IdentityID: identityID,
					Kind:       kind,
					Label:      stringArg(args, "content"),
					Confidence: 1.0, // explicitly stated, not inferred
				}
				if err := mem.Remember(ctx, n); err != nil {
					return "", err
				}
				return "remembered as " + n.ID.String(), nil
			},
		},
		{
			Name:        "amend_memory",
			Description: "Rewrite an existing memory's content.",
			Parameters: map[string]map[string]any{
				"id":      {"type": "string"},
				"content": {"type": "string"},
			},
			Required: []string{"id", "content"},
			Handler: func(ctx context.Context, identityID string, args map[string]any) (string, error) {
				id, err := uuid.Parse(stringArg(args, "id"))
				if err != nil {
					return "", fmt.Errorf("bad memory id: %w", err)
				}
				n, err := mem.Graph().GetNode(identityID, id)
				if err != nil {
					return "", err
				}
				n.Label = stringArg(args, "content")
				if err := mem.Amend(ctx, n); err != nil {
					return "", err
				}
				return "amended", nil
			},
		},
		{
			Name:        "forget",
			Description: "Deprecate a memory that is wrong or no longer wanted.",
			Parameters: map[string]map[string]any{
				"id":     {"type": "string"},
				"reason": {"type": "string"},
			},
			Required: []string{"id"},
			Handler: func(ctx context.Context, identityID string, args map[string]any) (string, error) {
				id, err := uuid.Parse(stringArg(args, "id"))
				if err != nil {
					return "", fmt.Errorf("bad memory id: %w", err)
				}
				if err := mem.Forget(ctx, identityID, id, stringArg(args, "reason")); err != nil {
					return "", err
				}
				return "forgotten", nil
			},
		},
	}

	if jobs != nil {
		caps = append(caps,
			Capability{
				Name:        "schedule_job",
				Description: "Create a scheduled job. One-shot needs 'at' (RFC3339); recurring needs 'expression' (5-field cron) and optional 'timezone'.",
				Parameters: map[string]map[string]any{
					"job_id":     {"type": "string", "description": "stable unique id"},
					"name":       {"type": "string"},
					"message":    {"type": "string", "description": "instruction for the triggered turn"},
					"at":         {"type": "string"},
					"expression": {"type": "string"},
					"timezone":   {"type": "string"},
				},
				Required: []string{"job_id", "name", "message"},
				Handler: func(_ context.Context, identityID string, args map[string]any) (string, error) {
					j := &cron.Job{
						JobID:      stringArg(args, "job_id"),
						IdentityID: identityID,
						Name:       stringArg(args, "name"),
						Message:    stringArg(args, "message"),
						Creator:    cron.CreatorAgent,
						Enabled:    true,
					}
					if at := stringArg(args, "at"); at != "" {
						t, err := time.Parse(time.RFC3339, at)
						if err != nil {
							return "", fmt.Errorf("bad 'at' timestamp: %w", err)
						}
						j.Schedule = cron.Schedule{Kind: cron.ScheduleOneShot, At: &t}
					} else {
						j.Schedule = cron.Schedule{
							Kind:       cron.ScheduleRecurring,
							Expression: stringArg(args, "expression"),
							Timezone:   stringArg(args, "timezone"),
						}
					}
					if err := jobs.Write(cron.CreatorAgent, j); err != nil {
						return "", err
					}
					return "scheduled " + j.JobID, nil
				},
			},
			Capability{
				Name:        "list_jobs",
				Description: "List the user's scheduled jobs.",
				Parameters:  map[string]map[string]any{},
				Handler: func(_ context.Context, identityID string, _ map[string]any) (string, error) {
					list, err := jobs.List(identityID, false)
					if err != nil {
						return "", err
					}
					if len(list) == 0 {
						return "no jobs", nil
					}
					out, err := json.Marshal(list)
					if err != nil {
						return "", err
					}
					return string(out), nil
				},
			},
			Capability{
				Name:        "cancel_job",
				Description: "Disable a scheduled job.",
				Parameters: map[string]map[string]any{
					"job_id": {"type": "string"},
				},
				Required: []string{"job_id"},
				Handler: func(_ context.Context, identityID string, args map[string]any) (string, error) {
					if err := jobs.SetEnabled(identityID, stringArg(args, "job_id"), false); err != nil {
						return "", err
					}
					return "disabled", nil
				},
			},
		)
	}
	return caps
}
