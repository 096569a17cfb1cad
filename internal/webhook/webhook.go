// Package webhook is the inbound trigger surface. Each registered key
// maps to one identity and one bcrypt token hash; a valid invocation
// enqueues an isolated lane event and nothing else. Invalid requests
// leave no state behind.
package webhook

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cairnlabs/cairn/internal/config"
	"github.com/cairnlabs/cairn/internal/events"
	"github.com/cairnlabs/cairn/internal/lane"
)

// Hook is one registered webhook endpoint.
type Hook struct {
	Key        string
	TokenHash  string
	IdentityID string
}

// HashToken produces the bcrypt hash stored in config for a plain
// token.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Payload is the invocation body.
type Payload struct {
	Event       string         `json:"event"`
	Data        map[string]any `json:"data,omitempty"`
	SessionHint string         `json:"sessionHint"`
}

// Submitter enqueues one lane event.
type Submitter interface {
	Submit(ev lane.Event) error
}

// Handler serves POST /invoke/{key}.
type Handler struct {
	hooks     map[string]Hook
	scheduler Submitter
	bus       *events.Bus
	logger    *slog.Logger
}

// NewHandler builds the handler from configured webhooks.
func NewHandler(cfgs []config.WebhookConfig, scheduler Submitter, bus *events.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	hooks := make(map[string]Hook, len(cfgs))
	for _, c := range cfgs {
		hooks[c.Key] = Hook{Key: c.Key, TokenHash: c.TokenHash, IdentityID: c.Identity}
	}
	return &Handler{
		hooks:     hooks,
		scheduler: scheduler,
		bus:       bus,
		logger:    logger.With("component", "webhook"),
	}
}

// Invoke handles POST /invoke/{key}. Token check comes first; a bad
// token gets 401 before the body is even parsed, and no event is
// enqueued on any rejection path.
func (h *Handler) Invoke(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	hook, ok := h.hooks[key]
	if !ok || !h.tokenValid(hook, r) {
		h.reject(w, key, http.StatusUnauthorized, "invalid key or token")
		return
	}

	var payload Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.reject(w, key, http.StatusBadRequest, "malformed payload")
		return
	}
	if !validHint(payload.SessionHint) {
		h.reject(w, key, http.StatusBadRequest, "unresolved session hint")
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		h.reject(w, key, http.StatusBadRequest, "payload not serializable")
		return
	}

	ev := lane.Event{
		ID:         uuid.NewString(),
		LaneKey:    lane.AutoKey(hook.IdentityID, "webhook:"+payload.SessionHint),
		IdentityID: hook.IdentityID,
		Source:     "webhook",
		Payload:    string(body),
	}
	if err := h.scheduler.Submit(ev); err != nil {
		h.reject(w, key, http.StatusServiceUnavailable, err.Error())
		return
	}

	h.bus.Publish(events.Event{
		Source: events.SourceWebhook,
		Kind:   events.KindInvoke,
		Data:   map[string]any{"key": key, "identity": hook.IdentityID, "event": payload.Event},
	})
	h.logger.Info("webhook accepted", "key", key, "event", payload.Event)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "id": ev.ID})
}

func (h *Handler) tokenValid(hook Hook, r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hook.TokenHash), []byte(token)) == nil
}

func (h *Handler) reject(w http.ResponseWriter, key string, status int, reason string) {
	h.bus.Publish(events.Event{
		Source: events.SourceWebhook,
		Kind:   events.KindRejected,
		Data:   map[string]any{"key": key, "status": status, "reason": reason},
	})
	h.logger.Warn("webhook rejected", "key", key, "status", status, "reason", reason)
	http.Error(w, reason, status)
}

// validHint accepts short lowercase tokens; everything else counts as
// unresolved.
func validHint(hint string) bool {
	if hint == "" || len(hint) > 64 {
		return false
	}
	for _, r := range hint {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
