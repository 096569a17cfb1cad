package delivery

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/cairnlabs/cairn/internal/config"
)

// MQTTChannel publishes outbound messages to a broker, one topic per
// identity, with a retained availability topic and LWT so consumers
// can tell a quiet agent from a dead one.
type MQTTChannel struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewMQTTChannel creates the channel but does not connect; call Start
// first.
func NewMQTTChannel(cfg config.MQTTConfig, logger *slog.Logger) *MQTTChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTChannel{cfg: cfg, logger: logger.With("component", "mqtt")}
}

// Name implements Channel.
func (c *MQTTChannel) Name() string { return "mqtt" }

func (c *MQTTChannel) baseTopic() string {
	prefix := c.cfg.TopicPrefix
	if prefix == "" {
		prefix = "cairn"
	}
	return prefix
}

func (c *MQTTChannel) availabilityTopic() string {
	return c.baseTopic() + "/availability"
}

func (c *MQTTChannel) messageTopic(identityID string) string {
	return c.baseTopic() + "/" + identityID + "/message"
}

// Start connects to the broker. autopaho keeps retrying in the
// background, so a slow broker delays nothing but the first publish.
func (c *MQTTChannel) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   c.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected", "broker", c.cfg.Broker)
			c.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "cairn-delivery",
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}
	return nil
}

// Stop publishes offline availability and disconnects.
func (c *MQTTChannel) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	c.publishAvailability(ctx, c.cm, "offline")
	return c.cm.Disconnect(ctx)
}

func (c *MQTTChannel) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   c.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

type outboundPayload struct {
	IdentityID string `json:"identity_id"`
	Message    string `json:"message"`
	SentAt     string `json:"sent_at"`
}

// Send implements Channel.
func (c *MQTTChannel) Send(ctx context.Context, identityID, message string) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt channel not started")
	}

	payload, err := json.Marshal(outboundPayload{
		IdentityID: identityID,
		Message:    message,
		SentAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal outbound payload: %w", err)
	}

	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   c.messageTopic(identityID),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}
