// Package lane serializes agent turns. Every trigger (user message,
// heartbeat, cron firing, webhook) maps to a lane key; events on the
// same lane execute strictly in order, one at a time, while distinct
// lanes run concurrently. Auto lanes never share history with user
// lanes.
package lane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cairnlabs/cairn/internal/events"
)

var (
	// ErrLaneFull means the lane's bounded queue is at capacity.
	ErrLaneFull = errors.New("lane queue full")

	// ErrTickDropped means a coalescable event arrived while the lane
	// still had work pending and was dropped rather than queued.
	ErrTickDropped = errors.New("tick dropped, lane busy")

	// ErrShuttingDown means the scheduler no longer accepts events.
	ErrShuttingDown = errors.New("scheduler shutting down")
)

// UserKey is the lane for an identity's own conversation.
func UserKey(identityID string) string {
	return "user:" + identityID
}

// AutoKey is an isolated lane for autonomous triggers. Source is the
// trigger class ("heartbeat", "cron", "webhook").
func AutoKey(identityID, source string) string {
	return "auto:" + identityID + ":" + source
}

// IsAuto reports whether a lane key names an isolated autonomous
// lane.
func IsAuto(key string) bool {
	return strings.HasPrefix(key, "auto:")
}

// Event is one unit of work for a lane.
type Event struct {
	ID         string
	LaneKey    string
	IdentityID string
	Source     string
	Payload    string

	// Coalesce marks events that must never stack up behind a slow
	// turn (heartbeat ticks). A coalescable event submitted while the
	// lane has anything pending is dropped.
	Coalesce bool

	EnqueuedAt time.Time
}

// TurnFunc executes one agent turn for an event.
type TurnFunc func(ctx context.Context, ev Event) error

// Config bounds the scheduler.
type Config struct {
	// QueueDepth is the per-lane bounded queue size. Default: 8.
	QueueDepth int

	// TurnTimeout caps one turn's execution. Default: 5 minutes.
	TurnTimeout time.Duration
}

// DefaultConfig returns the scheduler bounds.
func DefaultConfig() Config {
	return Config{QueueDepth: 8, TurnTimeout: 5 * time.Minute}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = d.TurnTimeout
	}
}

type laneState struct {
	queue   chan Event
	pending int // queued + in-flight, guarded by Scheduler.mu
}

// Scheduler owns the lanes and their worker goroutines.
type Scheduler struct {
	runner TurnFunc
	bus    *events.Bus
	logger *slog.Logger
	config Config

	mu     sync.Mutex
	lanes  map[string]*laneState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler that executes turns with runner.
func New(runner TurnFunc, bus *events.Bus, logger *slog.Logger, cfg Config) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner: runner,
		bus:    bus,
		logger: logger.With("component", "lane"),
		config: cfg,
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit enqueues an event on its lane, starting the lane's worker if
// this is its first event. Returns ErrTickDropped for a coalescable
// event on a busy lane and ErrLaneFull when the bounded queue is at
// capacity.
func (s *Scheduler) Submit(ev Event) error {
	if ev.LaneKey == "" {
		return fmt.Errorf("event has no lane key")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.EnqueuedAt = time.Now().UTC()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	st, ok := s.lanes[ev.LaneKey]
	if !ok {
		st = &laneState{queue: make(chan Event, s.config.QueueDepth)}
		s.lanes[ev.LaneKey] = st
		s.wg.Add(1)
		go s.runLane(ev.LaneKey, st)
	}

	if ev.Coalesce && st.pending > 0 {
		s.mu.Unlock()
		s.bus.Publish(events.Event{
			Source: events.SourceLane,
			Kind:   events.KindTickDropped,
			Data:   map[string]any{"lane": ev.LaneKey, "source": ev.Source},
		})
		s.logger.Debug("coalescable tick dropped", "lane", ev.LaneKey)
		return ErrTickDropped
	}

	select {
	case st.queue <- ev:
		st.pending++
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		return ErrLaneFull
	}
}

func (s *Scheduler) runLane(key string, st *laneState) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-st.queue:
			s.execute(ev)
			s.mu.Lock()
			st.pending--
			s.mu.Unlock()
		}
	}
}

// execute runs one turn with a timeout and a panic barrier. A failure
// here is the lane's problem alone.
func (s *Scheduler) execute(ev Event) {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.TurnTimeout)
	defer cancel()

	s.bus.Publish(events.Event{
		Source: events.SourceLane,
		Kind:   events.KindTurnStart,
		Data:   map[string]any{"lane": ev.LaneKey, "event": ev.ID, "source": ev.Source},
	})
	start := time.Now()

	err := s.runTurn(ctx, ev)

	if err != nil {
		s.logger.Error("turn failed",
			"lane", ev.LaneKey,
			"event", ev.ID,
			"duration", time.Since(start).Round(time.Millisecond),
			"error", err,
		)
		s.bus.Publish(events.Event{
			Source: events.SourceLane,
			Kind:   events.KindTurnFailed,
			Data:   map[string]any{"lane": ev.LaneKey, "event": ev.ID, "error": err.Error()},
		})
		return
	}

	s.logger.Debug("turn complete",
		"lane", ev.LaneKey,
		"event", ev.ID,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	s.bus.Publish(events.Event{
		Source: events.SourceLane,
		Kind:   events.KindTurnComplete,
		Data:   map[string]any{"lane": ev.LaneKey, "event": ev.ID},
	})
}

func (s *Scheduler) runTurn(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("turn panicked: %v", r)
		}
	}()
	return s.runner(ctx, ev)
}

// Pending reports how many events a lane has queued or in flight.
func (s *Scheduler) Pending(laneKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.lanes[laneKey]; ok {
		return st.pending
	}
	return 0
}

// Shutdown stops accepting events and waits for in-flight turns, up
// to the context deadline.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		// Give lanes a moment to drain queued events before
		// cancelling their contexts.
		s.drainWait(ctx)
		s.cancel()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Scheduler) drainWait(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		busy := 0
		for _, st := range s.lanes {
			busy += st.pending
		}
		s.mu.Unlock()
		if busy == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
