// Package delivery routes outbound agent messages to their channels.
// The router is the single choke point where the heartbeat silence
// sentinel is suppressed: no channel ever sees it.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cairnlabs/cairn/internal/events"
	"github.com/cairnlabs/cairn/internal/heartbeat"
)

// Channel sends one message to one identity.
type Channel interface {
	Name() string
	Send(ctx context.Context, identityID, message string) error
}

// Router dispatches messages to named channels.
type Router struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]Channel
	fallback string
}

// NewRouter creates an empty router.
func NewRouter(bus *events.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		bus:      bus,
		logger:   logger.With("component", "delivery"),
		channels: make(map[string]Channel),
	}
}

// Register adds a channel. The first registered channel becomes the
// fallback for messages with no explicit target.
func (r *Router) Register(c Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.Name()] = c
	if r.fallback == "" {
		r.fallback = c.Name()
	}
}

// Deliver sends a message through the named channel (or the fallback
// when channel is empty). Sentinel messages are counted and dropped
// here, never sent.
func (r *Router) Deliver(ctx context.Context, channel, identityID, message string) error {
	if heartbeat.IsSilence(message) {
		r.logger.Debug("silence sentinel suppressed", "identity", identityID)
		return nil
	}
	if message == "" {
		return nil
	}

	r.mu.RLock()
	if channel == "" {
		channel = r.fallback
	}
	c, ok := r.channels[channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown delivery channel %q", channel)
	}

	if err := c.Send(ctx, identityID, message); err != nil {
		return fmt.Errorf("deliver via %s: %w", channel, err)
	}

	r.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindDelivery,
		Data: map[string]any{
			"identity": identityID,
			"channel":  channel,
			"bytes":    len(message),
		},
	})
	r.logger.Info("message delivered", "identity", identityID, "channel", channel)
	return nil
}

// LogChannel writes messages to the log. It is the default channel in
// deployments with no broker configured.
type LogChannel struct {
	Logger *slog.Logger
}

// Name implements Channel.
func (c *LogChannel) Name() string { return "log" }

// Send implements Channel.
func (c *LogChannel) Send(_ context.Context, identityID, message string) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("outbound message", "identity", identityID, "message", message)
	return nil
}
