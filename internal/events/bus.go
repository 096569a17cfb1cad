// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (lane scheduler, heartbeat,
// cron, webhook surface, memory pipeline) to subscribers (WebSocket
// handler, tests). The bus is nil-safe: calling Publish on a nil *Bus is
// a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLane identifies events from the session-lane scheduler.
	SourceLane = "lane"
	// SourceHeartbeat identifies events from the heartbeat engine.
	SourceHeartbeat = "heartbeat"
	// SourceCron identifies events from the cron scheduler.
	SourceCron = "cron"
	// SourceWebhook identifies events from the webhook surface.
	SourceWebhook = "webhook"
	// SourceMemory identifies events from the extraction/resolution pipeline.
	SourceMemory = "memory"
	// SourceAgent identifies events from the agent turn runner.
	SourceAgent = "agent"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals a lane pulled an event and began a turn.
	// Data: lane, event_id, trigger.
	KindTurnStart = "turn_start"
	// KindTurnComplete signals a lane turn finished.
	// Data: lane, event_id, ok, duration_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed signals a turn ended in timeout, panic, or error.
	// Data: lane, event_id, error.
	KindTurnFailed = "turn_failed"
	// KindTickDropped signals a heartbeat tick was coalesced away
	// because the previous tick's turn was still in flight.
	// Data: lane.
	KindTickDropped = "tick_dropped"

	// KindChecklist signals a heartbeat cycle's checklist outcome.
	// Data: matched, messages, silent.
	KindChecklist = "checklist"

	// KindJobFired signals a scheduled job began executing.
	// Data: job_id, job_name.
	KindJobFired = "job_fired"
	// KindJobSkipped signals a job firing was skipped by the
	// concurrent-run cap. Data: job_id.
	KindJobSkipped = "job_skipped"
	// KindJobLapsed signals a one-shot job missed its firing while the
	// process was down and will not be retroactively fired.
	// Data: job_id.
	KindJobLapsed = "job_lapsed"

	// KindInvoke signals an accepted webhook invocation.
	// Data: key, event_id, lane.
	KindInvoke = "invoke"
	// KindRejected signals a webhook invocation rejected before any
	// state change. Data: key, reason.
	KindRejected = "rejected"

	// KindCandidates signals extraction produced candidates.
	// Data: identity, extracted, dropped.
	KindCandidates = "candidates"
	// KindResolved signals the resolver committed a decision.
	// Data: identity, action, node_id.
	KindResolved = "resolved"

	// KindDelivery signals an outbound message handed to delivery.
	// Data: channel, target, bytes.
	KindDelivery = "delivery"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Event (the caller's view).
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op). A zero
// Timestamp is filled with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
