// Package resolver reconciles extraction candidates against existing
// memory. Its decision table is what keeps duplicate facts from
// accumulating and contradictions from coexisting as two active
// nodes.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/cairnlabs/cairn/internal/embeddings"
	"github.com/cairnlabs/cairn/internal/events"
	"github.com/cairnlabs/cairn/internal/extraction"
	"github.com/cairnlabs/cairn/internal/graph"
	"github.com/cairnlabs/cairn/internal/llm"
	"github.com/cairnlabs/cairn/internal/memory"
	"github.com/cairnlabs/cairn/internal/semantic"
)

// Action is the outcome of resolving one candidate.
type Action string

const (
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionDeprecate Action = "deprecate"
	ActionSkip      Action = "skip"
)

// Relation says how a candidate relates to an existing matched node.
type Relation string

const (
	RelationDuplicate   Relation = "duplicate"
	RelationExtends     Relation = "extends"
	RelationContradicts Relation = "contradicts"
)

// Judge classifies a candidate against a matched existing node.
// Production wires an oracle-backed judge; tests stub it.
type Judge interface {
	Compare(ctx context.Context, existing, candidate string) (Relation, error)
}

// Decision records the outcome for one candidate, for audit and
// events.
type Decision struct {
	Action     Action
	Match      *graph.Node
	Similarity float64
}

// Config tunes the similarity thresholds.
type Config struct {
	// MatchThreshold is the minimum similarity at which an existing
	// node counts as "the same fact". Default: 0.82.
	MatchThreshold float64

	// SkipBand below MatchThreshold is the ambiguous zone that
	// resolves to SKIP instead of CREATE. Default: 0.08.
	SkipBand float64
}

// DefaultConfig returns the tuned thresholds.
func DefaultConfig() Config {
	return Config{MatchThreshold: 0.82, SkipBand: 0.08}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MatchThreshold <= 0 {
		c.MatchThreshold = d.MatchThreshold
	}
	if c.SkipBand <= 0 {
		c.SkipBand = d.SkipBand
	}
}

// Resolver implements the candidate decision table over the memory
// store.
type Resolver struct {
	mem      *memory.Store
	index    *semantic.Index
	embedder embeddings.Embedder
	judge    Judge
	bus      *events.Bus
	logger   *slog.Logger
	config   Config
}

// New creates a resolver. A nil judge treats every strong match as an
// extension, which is the conservative default when no oracle is
// available.
func New(mem *memory.Store, ix *semantic.Index, emb embeddings.Embedder, judge Judge, bus *events.Bus, logger *slog.Logger, cfg Config) *Resolver {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		mem:      mem,
		index:    ix,
		embedder: emb,
		judge:    judge,
		bus:      bus,
		logger:   logger.With("component", "resolver"),
		config:   cfg,
	}
}

// Resolve applies the decision table to one candidate. Ambiguity is
// never an error: borderline similarity resolves to SKIP.
func (r *Resolver) Resolve(ctx context.Context, identityID string, c extraction.Candidate) error {
	d, err := r.Decide(ctx, identityID, c)
	if err != nil {
		return err
	}

	r.bus.Publish(events.Event{
		Source: events.SourceMemory,
		Kind:   events.KindResolved,
		Data: map[string]any{
			"identity": identityID,
			"action":   string(d.Action),
			"label":    c.Label,
		},
	})
	r.logger.Debug("candidate resolved",
		"identity", identityID,
		"action", d.Action,
		"similarity", d.Similarity,
		"label", c.Label,
	)
	return nil
}

// Decide classifies and applies one candidate, returning what was
// done. Running the same candidate twice converges: the second pass
// lands in SKIP or a no-op UPDATE, never a duplicate CREATE.
func (r *Resolver) Decide(ctx context.Context, identityID string, c extraction.Candidate) (Decision, error) {
	if identityID == "" {
		return Decision{}, graph.ErrNoIdentity
	}

	match, sim, err := r.bestMatch(ctx, identityID, c)
	if err != nil {
		return Decision{}, err
	}

	switch {
	case match == nil || sim < r.config.MatchThreshold-r.config.SkipBand:
		node := &graph.Node{
			IdentityID: identityID,
			Kind:       c.Kind,
			Label:      c.Label,
			Confidence: c.Confidence,
			Attrs:      c.Attrs,
		}
		if err := r.mem.Remember(ctx, node); err != nil {
			return Decision{}, fmt.Errorf("create node: %w", err)
		}
		return Decision{Action: ActionCreate, Similarity: sim}, nil

	case sim < r.config.MatchThreshold:
		// Borderline: too close to create a near-duplicate, not
		// close enough to touch the existing node.
		return Decision{Action: ActionSkip, Match: match, Similarity: sim}, nil
	}

	rel, err := r.classify(ctx, match.Label, c.Label)
	if err != nil {
		r.logger.Warn("judge unavailable, skipping candidate", "error", err)
		return Decision{Action: ActionSkip, Match: match, Similarity: sim}, nil
	}

	switch rel {
	case RelationDuplicate:
		return Decision{Action: ActionSkip, Match: match, Similarity: sim}, nil

	case RelationContradicts:
		newNode := &graph.Node{
			IdentityID: identityID,
			Kind:       c.Kind,
			Label:      c.Label,
			Confidence: c.Confidence,
			Attrs:      c.Attrs,
		}
		if err := r.mem.Remember(ctx, newNode); err != nil {
			return Decision{}, fmt.Errorf("create superseding node: %w", err)
		}
		if err := r.mem.Forget(ctx, identityID, match.ID, "superseded"); err != nil {
			return Decision{}, fmt.Errorf("deprecate node: %w", err)
		}
		if err := r.mem.Link(newNode.ID, match.ID, identityID, graph.EdgeSupersedes, nil); err != nil {
			return Decision{}, fmt.Errorf("link supersedes: %w", err)
		}
		return Decision{Action: ActionDeprecate, Match: match, Similarity: sim}, nil

	default: // RelationExtends
		match.Label = c.Label
		if c.Confidence > match.Confidence {
			match.Confidence = c.Confidence
		}
		mergeAttrs(match, c.Attrs)
		if err := r.mem.Amend(ctx, match); err != nil {
			return Decision{}, fmt.Errorf("update node: %w", err)
		}
		return Decision{Action: ActionUpdate, Match: match, Similarity: sim}, nil
	}
}

// bestMatch finds the most similar existing active node of the
// candidate's kind, using raw cosine similarity from the vector index
// with a keyword fallback when embeddings are down.
func (r *Resolver) bestMatch(ctx context.Context, identityID string, c extraction.Candidate) (*graph.Node, float64, error) {
	if r.embedder == nil {
		return r.keywordMatch(identityID, c)
	}
	vec, err := r.embedder.Generate(ctx, c.Label)
	if err == nil {
		hits, err := r.index.Query(ctx, identityID, vec, 10)
		if err != nil {
			return nil, 0, fmt.Errorf("semantic match: %w", err)
		}
		for _, h := range hits {
			if h.Entry.Kind != string(c.Kind) {
				continue
			}
			id, err := uuid.Parse(h.Entry.ID)
			if err != nil {
				continue
			}
			node, err := r.mem.Graph().GetNode(identityID, id)
			if err != nil || node.Status != graph.StatusActive {
				continue
			}
			return node, h.Similarity, nil
		}
		return nil, 0, nil
	}

	return r.keywordMatch(identityID, c)
}

// keywordMatch is the fallback when embeddings are unavailable. Term
// overlap is a much weaker signal, so its similarity is capped below
// the match threshold: it only ever produces CREATE or SKIP, never an
// UPDATE.
func (r *Resolver) keywordMatch(identityID string, c extraction.Candidate) (*graph.Node, float64, error) {
	hits, err := r.mem.Graph().SearchNodes(identityID, c.Label, 10)
	if err != nil {
		return nil, 0, fmt.Errorf("keyword match: %w", err)
	}
	for _, h := range hits {
		if h.Node.Kind == c.Kind {
			sim := h.Score
			if sim >= r.config.MatchThreshold {
				sim = r.config.MatchThreshold - r.config.SkipBand/2
			}
			return h.Node, sim, nil
		}
	}
	return nil, 0, nil
}

func (r *Resolver) classify(ctx context.Context, existing, candidate string) (Relation, error) {
	if normalizeLabel(existing) == normalizeLabel(candidate) {
		return RelationDuplicate, nil
	}
	if r.judge == nil {
		return RelationExtends, nil
	}
	return r.judge.Compare(ctx, existing, candidate)
}

func normalizeLabel(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func mergeAttrs(n *graph.Node, attrs map[string]any) {
	if len(attrs) == 0 {
		return
	}
	if n.Attrs == nil {
		n.Attrs = make(map[string]any)
	}
	for k, v := range attrs {
		n.Attrs[k] = v
	}
}

// OracleJudge asks the oracle whether a candidate extends or
// contradicts an existing memory.
type OracleJudge struct {
	Oracle llm.Oracle
}

const judgePrompt = `Two statements about the same user:
Existing: %s
New: %s

Classify the new statement. Return JSON: {"relation": "duplicate"|"extends"|"contradicts"}
- duplicate: same information, nothing new.
- extends: adds detail or refines without conflicting.
- contradicts: the two cannot both be true now (e.g., different current employer).`

// Compare classifies via one JSON-mode oracle call.
func (j *OracleJudge) Compare(ctx context.Context, existing, candidate string) (Relation, error) {
	resp, err := j.Oracle.Complete(ctx, &llm.Request{
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf(judgePrompt, existing, candidate),
		}},
		JSONOnly: true,
	})
	if err != nil {
		return "", fmt.Errorf("judge call: %w", err)
	}

	var result struct {
		Relation string `json:"relation"`
	}
	content := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(resp.Message.Content, "```json"), "```"))
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return "", fmt.Errorf("parse judge response: %w", err)
	}
	switch Relation(result.Relation) {
	case RelationDuplicate, RelationExtends, RelationContradicts:
		return Relation(result.Relation), nil
	default:
		return "", fmt.Errorf("judge returned unknown relation %q", result.Relation)
	}
}
