// Package extraction pulls durable memory candidates out of finished
// conversation turns. It runs strictly in the background: the
// conversation that triggered it never waits on it and never sees its
// failures.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cairnlabs/cairn/internal/events"
	"github.com/cairnlabs/cairn/internal/graph"
	"github.com/cairnlabs/cairn/internal/llm"
)

// Candidate is a potential memory extracted from conversation, not
// yet reconciled against the store.
type Candidate struct {
	Kind       graph.NodeKind
	Label      string
	Confidence float64
	Attrs      map[string]any
}

// Resolver reconciles one candidate against existing memory.
type Resolver interface {
	Resolve(ctx context.Context, identityID string, c Candidate) error
}

// Config controls the extraction pipeline.
type Config struct {
	// MinConfidence drops candidates the model itself is unsure of.
	// Default: 0.55.
	MinConfidence float64

	// Timeout per extraction LLM call. Default: 60 seconds.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for the pipeline.
func DefaultConfig() Config {
	return Config{
		MinConfidence: 0.55,
		Timeout:       60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MinConfidence <= 0 {
		c.MinConfidence = d.MinConfidence
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
}

// Pipeline extracts candidates with the oracle and feeds them to a
// resolver.
type Pipeline struct {
	oracle   llm.Oracle
	resolver Resolver
	bus      *events.Bus
	logger   *slog.Logger
	config   Config
}

// New creates an extraction pipeline.
func New(oracle llm.Oracle, resolver Resolver, bus *events.Bus, logger *slog.Logger, cfg Config) *Pipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		oracle:   oracle,
		resolver: resolver,
		bus:      bus,
		logger:   logger.With("component", "extraction"),
		config:   cfg,
	}
}

// ShouldExtract gates on whether a turn plausibly contains durable
// information, saving an LLM round trip on greetings and one-word
// acknowledgements.
func ShouldExtract(userText string) bool {
	trimmed := strings.TrimSpace(userText)
	if len(trimmed) < 12 {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, noise := range []string{"ok", "okay", "thanks", "thank you", "yes", "no", "sure", "got it", "nevermind"} {
		if lower == noise {
			return false
		}
	}
	return true
}

// ProcessAsync runs extraction in the background. Panics and errors
// stay inside the goroutine; the caller's turn is already over.
func (p *Pipeline) ProcessAsync(ctx context.Context, identityID, userText, assistantText string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("extraction panic recovered", "identity", identityID, "panic", r)
			}
		}()
		if err := p.Process(ctx, identityID, userText, assistantText); err != nil {
			p.logger.Warn("extraction failed", "identity", identityID, "error", err)
		}
	}()
}

// Process extracts candidates from one turn and resolves each against
// the store. A resolver failure on one candidate does not stop the
// rest.
func (p *Pipeline) Process(ctx context.Context, identityID, userText, assistantText string) error {
	if identityID == "" {
		return graph.ErrNoIdentity
	}
	if !ShouldExtract(userText) {
		return nil
	}

	candidates, err := p.Extract(ctx, userText, assistantText)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	p.bus.Publish(events.Event{
		Source: events.SourceMemory,
		Kind:   events.KindCandidates,
		Data: map[string]any{
			"identity": identityID,
			"count":    len(candidates),
		},
	})

	var failed int
	for _, c := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.resolver.Resolve(ctx, identityID, c); err != nil {
			failed++
			p.logger.Warn("candidate resolution failed",
				"identity", identityID,
				"label", c.Label,
				"error", err,
			)
		}
	}

	p.logger.Info("extraction complete",
		"identity", identityID,
		"candidates", len(candidates),
		"failed", failed,
	)
	return nil
}

const extractionPrompt = `Extract durable facts about the user from this exchange. Return a JSON object:
{"facts": [{"category": "...", "fact": "...", "confidence": 0.0}]}

Categories: person, place, goal, habit, event, topic, reminder, fact, preference.
Rules:
- Each fact is one self-contained sentence that makes sense without the conversation.
- confidence is your certainty in [0,1] that this is true and durable.
- Skip small talk, one-off context, and anything about the assistant.
- Return {"facts": []} when nothing qualifies.

User: %s
Assistant: %s`

// Extract runs one oracle call and parses the candidate list. Kinds
// the model invents are dropped, not guessed at.
func (p *Pipeline) Extract(ctx context.Context, userText, assistantText string) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	resp, err := p.oracle.Complete(ctx, &llm.Request{
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf(extractionPrompt, userText, assistantText),
		}},
		JSONOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}

	return p.parse(resp.Message.Content)
}

func (p *Pipeline) parse(content string) ([]Candidate, error) {
	content = strings.TrimPrefix(content, "```json\n")
	content = strings.TrimPrefix(content, "```\n")
	content = strings.TrimSuffix(content, "\n```")
	content = strings.TrimSpace(content)

	var result struct {
		Facts []struct {
			Category   string  `json:"category"`
			Fact       string  `json:"fact"`
			Confidence float64 `json:"confidence"`
		} `json:"facts"`
	}
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}

	var candidates []Candidate
	for _, f := range result.Facts {
		if strings.TrimSpace(f.Fact) == "" {
			continue
		}
		if f.Confidence < p.config.MinConfidence {
			p.logger.Debug("candidate below confidence floor",
				"fact", f.Fact, "confidence", f.Confidence)
			continue
		}
		kind, ok := graph.NormalizeKind(f.Category)
		if !ok {
			p.logger.Debug("candidate has unknown category",
				"fact", f.Fact, "category", f.Category)
			continue
		}
		candidates = append(candidates, Candidate{
			Kind:       kind,
			Label:      strings.TrimSpace(f.Fact),
			Confidence: f.Confidence,
		})
	}
	return candidates, nil
}
