// Package agent runs conversational turns. A turn takes one lane
// event, assembles context (recalled memories plus lane transcript),
// loops the oracle with capability dispatch, persists both sides of
// the exchange, and routes the reply out. Auto-lane turns start from
// an empty slate relative to the user conversation; their history is
// keyed by their own lane.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cairnlabs/cairn/internal/delivery"
	"github.com/cairnlabs/cairn/internal/events"
	"github.com/cairnlabs/cairn/internal/extraction"
	"github.com/cairnlabs/cairn/internal/heartbeat"
	"github.com/cairnlabs/cairn/internal/lane"
	"github.com/cairnlabs/cairn/internal/llm"
	"github.com/cairnlabs/cairn/internal/memory"
	"github.com/cairnlabs/cairn/internal/transcript"
)

const systemPrompt = `You are Cairn, a personal assistant with durable long-term memory.
Use your tools to recall what you know before answering, and remember
new durable facts the user shares. Keep replies short and concrete.
When a turn was triggered automatically and there is genuinely nothing
worth telling the user, reply with exactly HEARTBEAT_OK and nothing else.`

// Config bounds a turn.
type Config struct {
	// MaxToolRounds caps oracle round-trips within one turn. Default: 6.
	MaxToolRounds int

	// HistoryDepth is how many transcript messages seed the prompt.
	// Default: 20.
	HistoryDepth int

	// RecallLimit is how many memories are surfaced per turn. Default: 6.
	RecallLimit int
}

func (c *Config) applyDefaults() {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 6
	}
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = 20
	}
	if c.RecallLimit <= 0 {
		c.RecallLimit = 6
	}
}

// Runner executes agent turns. It is the lane scheduler's TurnFunc.
type Runner struct {
	oracle      llm.Oracle
	mem         *memory.Store
	transcripts *transcript.Store
	extractor   *extraction.Pipeline
	router      *delivery.Router
	bus         *events.Bus
	logger      *slog.Logger
	config      Config

	caps   []Capability
	byName map[string]Capability
	tools  []map[string]any

	mu      sync.Mutex
	waiters map[string]chan turnResult
}

type turnResult struct {
	reply string
	err   error
}

// NewRunner wires a turn runner. extractor and router may be nil in
// tests; bus may be nil anywhere.
func NewRunner(oracle llm.Oracle, mem *memory.Store, transcripts *transcript.Store,
	extractor *extraction.Pipeline, router *delivery.Router, caps []Capability,
	bus *events.Bus, logger *slog.Logger, cfg Config) *Runner {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]Capability, len(caps))
	tools := make([]map[string]any, 0, len(caps))
	for _, c := range caps {
		byName[c.Name] = c
		tools = append(tools, c.spec())
	}
	return &Runner{
		oracle:      oracle,
		mem:         mem,
		transcripts: transcripts,
		extractor:   extractor,
		router:      router,
		bus:         bus,
		logger:      logger.With("component", "agent"),
		config:      cfg,
		caps:        caps,
		byName:      byName,
		tools:       tools,
		waiters:     make(map[string]chan turnResult),
	}
}

// SetCapabilities replaces the capability table. Used during startup
// when some capability dependencies are constructed after the runner.
func (r *Runner) SetCapabilities(caps []Capability) {
	byName := make(map[string]Capability, len(caps))
	tools := make([]map[string]any, 0, len(caps))
	for _, c := range caps {
		byName[c.Name] = c
		tools = append(tools, c.spec())
	}
	r.caps = caps
	r.byName = byName
	r.tools = tools
}

// SubmitUserMessage runs a synchronous chat exchange: it enqueues the
// message on the identity's user lane and waits for the turn to
// produce a reply.
func (r *Runner) SubmitUserMessage(ctx context.Context, submit func(lane.Event) error, identityID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty message")
	}
	ev := lane.Event{
		ID:         uuid.NewString(),
		LaneKey:    lane.UserKey(identityID),
		IdentityID: identityID,
		Source:     events.SourceAgent,
		Payload:    text,
	}

	ch := make(chan turnResult, 1)
	r.mu.Lock()
	r.waiters[ev.ID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, ev.ID)
		r.mu.Unlock()
	}()

	if err := submit(ev); err != nil {
		return "", err
	}
	select {
	case res := <-ch:
		return res.reply, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SubmitJob runs a scheduled job's message as a turn on the identity's
// cron lane and blocks until the turn (and its delivery) completes, so
// the caller's concurrency gate and execution record span the actual
// work rather than just the enqueue.
func (r *Runner) SubmitJob(ctx context.Context, submit func(lane.Event) error, identityID, message string) error {
	ev := lane.Event{
		ID:         uuid.NewString(),
		LaneKey:    lane.AutoKey(identityID, "cron"),
		IdentityID: identityID,
		Source:     events.SourceCron,
		Payload:    message,
	}

	ch := make(chan turnResult, 1)
	r.mu.Lock()
	r.waiters[ev.ID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, ev.ID)
		r.mu.Unlock()
	}()

	if err := submit(ev); err != nil {
		return err
	}
	select {
	case res := <-ch:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunTurn executes one turn for a lane event.
func (r *Runner) RunTurn(ctx context.Context, ev lane.Event) error {
	reply, err := r.runTurn(ctx, ev)

	// Autonomous replies go out through the delivery router, which
	// suppresses the silence sentinel. Delivery happens before any
	// waiter is released so a blocking submitter observes the whole
	// turn, delivery included.
	if err == nil && lane.IsAuto(ev.LaneKey) && r.router != nil {
		if derr := r.router.Deliver(ctx, "", ev.IdentityID, reply); derr != nil {
			r.logger.Warn("delivery failed", "lane", ev.LaneKey, "error", derr)
		}
	}

	r.mu.Lock()
	ch, waiting := r.waiters[ev.ID]
	r.mu.Unlock()
	if waiting {
		ch <- turnResult{reply: reply, err: err}
	}
	return err
}

func (r *Runner) runTurn(ctx context.Context, ev lane.Event) (string, error) {
	start := time.Now()
	msgs, err := r.assemble(ctx, ev)
	if err != nil {
		return "", err
	}

	if err := r.transcripts.Append(ev.LaneKey, ev.IdentityID, "user", ev.Payload); err != nil {
		return "", fmt.Errorf("record message: %w", err)
	}

	reply, err := r.loop(ctx, ev.IdentityID, msgs)
	if err != nil {
		return "", err
	}

	if err := r.transcripts.Append(ev.LaneKey, ev.IdentityID, "assistant", reply); err != nil {
		r.logger.Warn("record reply failed", "lane", ev.LaneKey, "error", err)
	}

	// Only the user's own words feed the extraction pipeline; auto
	// lanes would otherwise extract facts from the engine's own
	// prompts.
	if r.extractor != nil && !lane.IsAuto(ev.LaneKey) {
		r.extractor.ProcessAsync(context.WithoutCancel(ctx), ev.IdentityID, ev.Payload, reply)
	}

	r.logger.Debug("turn finished",
		"lane", ev.LaneKey,
		"duration", time.Since(start).Round(time.Millisecond),
		"silent", heartbeat.IsSilence(reply))
	return reply, nil
}

// assemble builds the prompt: system, recalled memories, lane history,
// then the triggering payload.
func (r *Runner) assemble(ctx context.Context, ev lane.Event) ([]llm.Message, error) {
	msgs := []llm.Message{{Role: "system", Content: systemPrompt}}

	if memCtx, err := r.mem.Context(ctx, ev.IdentityID, ev.Payload, r.config.RecallLimit); err != nil {
		r.logger.Warn("memory context unavailable", "error", err)
	} else if memCtx != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: memCtx})
	}

	history, err := r.transcripts.Recent(ev.LaneKey, r.config.HistoryDepth)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}

	msgs = append(msgs, llm.Message{Role: "user", Content: ev.Payload})
	return msgs, nil
}

// loop drives the oracle until it produces text, dispatching tool
// calls along the way.
func (r *Runner) loop(ctx context.Context, identityID string, msgs []llm.Message) (string, error) {
	for round := 0; round < r.config.MaxToolRounds; round++ {
		resp, err := r.oracle.Complete(ctx, &llm.Request{Messages: msgs, Tools: r.tools})
		if err != nil {
			return "", fmt.Errorf("oracle: %w", err)
		}
		if len(resp.Message.ToolCalls) == 0 {
			return strings.TrimSpace(resp.Message.Content), nil
		}

		msgs = append(msgs, resp.Message)
		for _, tc := range resp.Message.ToolCalls {
			out := r.dispatch(ctx, identityID, tc)
			msgs = append(msgs, llm.Message{Role: "tool", Content: out})
		}
	}
	return "", fmt.Errorf("no reply after %d tool rounds", r.config.MaxToolRounds)
}

// dispatch runs one tool call. Failures are reported back to the model
// as tool output rather than aborting the turn.
func (r *Runner) dispatch(ctx context.Context, identityID string, tc llm.ToolCall) string {
	name := tc.Function.Name
	c, ok := r.byName[name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", name)
	}
	args := tc.Function.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := c.validate(args); err != nil {
		return "error: " + err.Error()
	}

	out, err := c.Handler(ctx, identityID, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err)
		r.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindTurnFailed,
			Data:   map[string]any{"tool": name, "error": err.Error()},
		})
		return "error: " + err.Error()
	}
	return out
}
