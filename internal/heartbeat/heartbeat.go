// Package heartbeat runs the fixed-interval autonomous inspection
// cycle. Each cycle walks an ordered checklist and composes at most a
// handful of outbound messages; a cycle with nothing to say emits a
// reserved sentinel that delivery suppresses but the audit log keeps.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cairnlabs/cairn/internal/events"
)

// Sentinel is the reserved reply meaning "nothing to report". It is
// logged but never delivered.
const Sentinel = "HEARTBEAT_OK"

// IsSilence reports whether a composed message is the silence
// sentinel. Models sometimes wrap it in whitespace or punctuation.
func IsSilence(msg string) bool {
	return strings.Trim(strings.TrimSpace(msg), `."'`) == Sentinel
}

// State is one identity's cycle state. Identities tick on separate
// lanes, so each carries its own Idle/Running flag.
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Check is one ordered checklist item. Run reports whether the
// condition holds and a short detail string used to compose the
// message.
type Check struct {
	Name string
	Run  func(ctx context.Context, identityID string) (bool, string, error)
}

// ComposeFunc turns a matched check into an outbound message. A
// Sentinel return suppresses that item.
type ComposeFunc func(ctx context.Context, identityID string, c Check, detail string) (string, error)

// DeliverFunc sends one composed message.
type DeliverFunc func(ctx context.Context, identityID, message string) error

// CycleRecord is the audit of one heartbeat cycle.
type CycleRecord struct {
	IdentityID string
	StartedAt  time.Time
	Duration   time.Duration
	Matched    []string
	Sent       int
	Silent     bool
}

// Config tunes the cycle.
type Config struct {
	// Interval between ticks. Default: 30 minutes.
	Interval time.Duration

	// MaxMessages caps outbound messages per cycle. Default: 2.
	MaxMessages int
}

// DefaultConfig returns the heartbeat cadence.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Minute, MaxMessages: 2}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
}

// Engine ticks on a fixed interval and hands each tick to a submit
// callback, which routes it through the lane scheduler so cycles
// serialize with other autonomous work.
type Engine struct {
	checks  []Check
	compose ComposeFunc
	deliver DeliverFunc
	submit  func(identityID string) error
	bus     *events.Bus
	logger  *slog.Logger
	config  Config

	mu      sync.Mutex
	running map[string]bool
	history []CycleRecord

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a heartbeat engine. The checks slice order is the
// evaluation order.
func New(checks []Check, compose ComposeFunc, deliver DeliverFunc, bus *events.Bus, logger *slog.Logger, cfg Config) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		checks:  checks,
		compose: compose,
		deliver: deliver,
		bus:     bus,
		logger:  logger.With("component", "heartbeat"),
		config:  cfg,
		running: make(map[string]bool),
		done:    make(chan struct{}),
	}
}

// SetSubmit installs the tick-to-lane callback. Must be called before
// Start.
func (e *Engine) SetSubmit(submit func(identityID string) error) {
	e.submit = submit
}

// Start begins ticking for the given identities.
func (e *Engine) Start(ctx context.Context, identities []string) {
	tickCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.run(tickCtx, identities)
}

// Stop halts the ticker and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	<-e.done
}

func (e *Engine) run(ctx context.Context, identities []string) {
	defer close(e.done)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	e.logger.Info("heartbeat started", "interval", e.config.Interval, "identities", len(identities))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("heartbeat stopped")
			return
		case <-ticker.C:
			for _, id := range identities {
				if e.submit == nil {
					continue
				}
				// The lane layer drops this tick if the previous
				// cycle is still draining.
				if err := e.submit(id); err != nil {
					e.logger.Debug("tick not submitted", "identity", id, "reason", err)
				}
			}
		}
	}
}

// State returns one identity's current cycle state.
func (e *Engine) State(identityID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[identityID] {
		return Running
	}
	return Idle
}

// RunCycle executes one heartbeat cycle inside a lane turn. It walks
// the checklist in order, composes for matches up to the message cap,
// and records the outcome whether or not anything was sent. Cycles for
// distinct identities run concurrently; a second cycle for the same
// identity is refused.
func (e *Engine) RunCycle(ctx context.Context, identityID string) (*CycleRecord, error) {
	e.mu.Lock()
	if e.running[identityID] {
		e.mu.Unlock()
		return nil, fmt.Errorf("cycle already running for %s", identityID)
	}
	e.running[identityID] = true
	e.mu.Unlock()

	rec := &CycleRecord{IdentityID: identityID, StartedAt: time.Now().UTC()}
	defer func() {
		rec.Duration = time.Since(rec.StartedAt)
		rec.Silent = rec.Sent == 0
		e.mu.Lock()
		delete(e.running, identityID)
		e.history = append(e.history, *rec)
		if len(e.history) > 100 {
			e.history = e.history[1:]
		}
		e.mu.Unlock()
		e.audit(rec)
	}()

	for _, check := range e.checks {
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
		matched, detail, err := check.Run(ctx, identityID)
		if err != nil {
			e.logger.Warn("checklist item failed", "check", check.Name, "error", err)
			continue
		}
		if !matched {
			continue
		}
		rec.Matched = append(rec.Matched, check.Name)

		if rec.Sent >= e.config.MaxMessages {
			continue
		}
		msg, err := e.compose(ctx, identityID, check, detail)
		if err != nil {
			e.logger.Warn("compose failed", "check", check.Name, "error", err)
			continue
		}
		if IsSilence(msg) {
			continue
		}
		if err := e.deliver(ctx, identityID, msg); err != nil {
			e.logger.Error("delivery failed", "check", check.Name, "error", err)
			continue
		}
		rec.Sent++
	}
	return rec, nil
}

// audit emits exactly one log entry and one event per cycle.
func (e *Engine) audit(rec *CycleRecord) {
	e.logger.Info("heartbeat cycle complete",
		"identity", rec.IdentityID,
		"matched", strings.Join(rec.Matched, ","),
		"sent", rec.Sent,
		"silent", rec.Silent,
		"duration", rec.Duration.Round(time.Millisecond),
	)
	e.bus.Publish(events.Event{
		Source: events.SourceHeartbeat,
		Kind:   events.KindChecklist,
		Data: map[string]any{
			"identity": rec.IdentityID,
			"matched":  rec.Matched,
			"sent":     rec.Sent,
			"silent":   rec.Silent,
		},
	})
}

// History returns recent cycle records, newest last.
func (e *Engine) History(limit int) []CycleRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]CycleRecord, limit)
	copy(out, e.history[len(e.history)-limit:])
	return out
}
