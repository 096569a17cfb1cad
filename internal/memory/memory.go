// Package memory is the retrieval and persistence facade for
// long-term agent memory. It fuses three retrieval legs over one
// store: typed graph traversal, vector similarity, and exact keyword
// match. All operations are scoped to a single identity.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cairnlabs/cairn/internal/embeddings"
	"github.com/cairnlabs/cairn/internal/graph"
	"github.com/cairnlabs/cairn/internal/semantic"
)

// Provenance names which retrieval leg produced a result.
type Provenance string

const (
	FromSemantic Provenance = "semantic"
	FromKeyword  Provenance = "keyword"
	FromHybrid   Provenance = "hybrid"
	FromGraph    Provenance = "graph"
)

// Result is a recalled memory with its fused score and provenance.
type Result struct {
	Node       *graph.Node
	Score      float64
	Provenance Provenance
}

// Config tunes the fusion weights and admission thresholds.
type Config struct {
	SemanticWeight float64
	KeywordWeight  float64
}

// DefaultConfig weights similarity over exact match, following the
// observation that users rarely repeat a memory's wording verbatim.
func DefaultConfig() Config {
	return Config{SemanticWeight: 0.6, KeywordWeight: 0.4}
}

// Store fuses the graph store and semantic index behind one API.
type Store struct {
	graph    *graph.Store
	index    *semantic.Index
	embedder embeddings.Embedder
	cfg      Config
	log      *slog.Logger
}

// New creates a memory store over the given backends.
func New(g *graph.Store, ix *semantic.Index, emb embeddings.Embedder, cfg Config, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SemanticWeight == 0 && cfg.KeywordWeight == 0 {
		cfg = DefaultConfig()
	}
	return &Store{graph: g, index: ix, embedder: emb, cfg: cfg, log: log}
}

// Graph exposes the underlying graph store for typed lookups.
func (s *Store) Graph() *graph.Store { return s.graph }

// Remember persists a new memory node and indexes its embedding.
// Embedding failures degrade to keyword-only retrievability rather
// than losing the memory.
func (s *Store) Remember(ctx context.Context, n *graph.Node) error {
	if n.IdentityID == "" {
		return graph.ErrNoIdentity
	}
	if n.Confidence == 0 {
		n.Confidence = 1.0
	}
	if err := s.graph.CreateNode(n); err != nil {
		return err
	}

	if err := s.indexNode(ctx, n); err != nil {
		s.log.Warn("memory: embedding failed, node is keyword-only",
			"node", n.ID, "error", err)
	}
	return nil
}

// Amend rewrites a node's label and attrs, then re-embeds it so the
// vector index reflects the new wording.
func (s *Store) Amend(ctx context.Context, n *graph.Node) error {
	if err := s.graph.UpdateNode(n); err != nil {
		return err
	}
	if err := s.indexNode(ctx, n); err != nil {
		s.log.Warn("memory: re-embedding failed", "node", n.ID, "error", err)
	}
	return nil
}

// Forget deprecates a node and drops it from the vector index. The
// graph row stays for audit.
func (s *Store) Forget(ctx context.Context, identityID string, id uuid.UUID, reason string) error {
	if err := s.graph.DeprecateNode(identityID, id, reason); err != nil {
		return err
	}
	return s.index.Remove(ctx, identityID, id.String())
}

// Link records a directed edge between two memories.
func (s *Store) Link(fromID, toID uuid.UUID, identityID string, kind graph.EdgeKind, attrs map[string]any) error {
	return s.graph.CreateEdge(&graph.Edge{
		IdentityID: identityID,
		FromID:     fromID,
		ToID:       toID,
		Kind:       kind,
		Attrs:      attrs,
	})
}

func (s *Store) indexNode(ctx context.Context, n *graph.Node) error {
	// Embeddings disabled: the node stays keyword-only.
	if s.embedder == nil {
		return nil
	}
	vec, err := s.embedder.Generate(ctx, n.Label)
	if err != nil {
		return err
	}
	return s.index.Add(ctx, semantic.Entry{
		ID:         n.ID.String(),
		IdentityID: n.IdentityID,
		Text:       n.Label,
		Kind:       string(n.Kind),
		Embedding:  vec,
		CreatedAt:  n.CreatedAt,
	})
}

// Recall runs hybrid retrieval: vector similarity and keyword match
// are min-max normalized per leg, fused by weight, then the top hits
// pull in one hop of graph neighbors at a discount. Recalled nodes
// get their touched_at bumped.
func (s *Store) Recall(ctx context.Context, identityID, query string, limit int) ([]Result, error) {
	if identityID == "" {
		return nil, graph.ErrNoIdentity
	}
	if limit <= 0 {
		limit = 10
	}

	// Over-fetch each leg so fusion has something to rank.
	fetch := limit * 3

	semScores := make(map[uuid.UUID]float64)
	if s.embedder == nil {
		// keyword-only deployment
	} else if vec, err := s.embedder.Generate(ctx, query); err != nil {
		s.log.Warn("memory: query embedding failed, keyword-only recall", "error", err)
	} else {
		hits, err := s.index.Query(ctx, identityID, vec, fetch)
		if err != nil {
			return nil, fmt.Errorf("semantic query: %w", err)
		}
		for _, h := range hits {
			id, err := uuid.Parse(h.Entry.ID)
			if err != nil {
				continue
			}
			semScores[id] = h.Similarity
		}
	}

	kwHits, err := s.graph.SearchNodes(identityID, query, fetch)
	if err != nil {
		return nil, fmt.Errorf("keyword query: %w", err)
	}
	kwScores := make(map[uuid.UUID]float64, len(kwHits))
	nodeByID := make(map[uuid.UUID]*graph.Node, len(kwHits))
	for _, h := range kwHits {
		kwScores[h.Node.ID] = h.Score
		nodeByID[h.Node.ID] = h.Node
	}

	normalize(semScores)
	normalize(kwScores)

	fused := make(map[uuid.UUID]Result)
	for id, sem := range semScores {
		n := nodeByID[id]
		if n == nil {
			n, err = s.graph.GetNode(identityID, id)
			if err != nil {
				// Index entry with no live node; stale after a
				// deprecate that raced the vector delete.
				continue
			}
			if n.Status != graph.StatusActive {
				continue
			}
			nodeByID[id] = n
		}
		prov := FromSemantic
		score := s.cfg.SemanticWeight * sem
		if kw, ok := kwScores[id]; ok {
			score += s.cfg.KeywordWeight * kw
			prov = FromHybrid
		}
		fused[id] = Result{Node: n, Score: score, Provenance: prov}
	}
	for id, kw := range kwScores {
		if _, seen := fused[id]; seen {
			continue
		}
		fused[id] = Result{Node: nodeByID[id], Score: s.cfg.KeywordWeight * kw, Provenance: FromKeyword}
	}

	results := make([]Result, 0, len(fused))
	for _, r := range fused {
		results = append(results, r)
	}
	sortResults(results)

	// Expand the strongest hits through the graph. Neighbors ride on
	// half the anchor's score so direct matches always outrank them.
	for _, anchor := range topN(results, 3) {
		neighbors, err := s.graph.Neighbors(identityID, anchor.Node.ID, 5)
		if err != nil {
			continue
		}
		for _, n := range neighbors {
			if _, seen := fused[n.ID]; seen {
				continue
			}
			r := Result{Node: n, Score: anchor.Score * 0.5, Provenance: FromGraph}
			fused[n.ID] = r
			results = append(results, r)
		}
	}
	sortResults(results)

	if len(results) > limit {
		results = results[:limit]
	}
	for _, r := range results {
		_ = s.graph.Touch(identityID, r.Node.ID)
	}
	return results, nil
}

// normalize rescales scores to [0,1] by min-max within the list. A
// single-element list maps to 1.
func normalize(scores map[uuid.UUID]float64) {
	if len(scores) == 0 {
		return
	}
	min, max := 1.0, 0.0
	for _, v := range scores {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		for id := range scores {
			scores[id] = 1.0
		}
		return
	}
	for id, v := range scores {
		scores[id] = (v - min) / (max - min)
	}
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Node.TouchedAt.After(results[j].Node.TouchedAt)
	})
}

func topN(results []Result, n int) []Result {
	if len(results) < n {
		n = len(results)
	}
	return results[:n]
}

// Context renders recalled memories as a prompt block. Empty recall
// yields an empty string so callers can skip the section entirely.
func (s *Store) Context(ctx context.Context, identityID, query string, limit int) (string, error) {
	results, err := s.Recall(ctx, identityID, query, limit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	out := "Relevant memories:\n"
	for _, r := range results {
		out += fmt.Sprintf("- [%s] %s\n", r.Node.Kind, r.Node.Label)
	}
	return out, nil
}

// Stats merges graph and index statistics for an identity.
func (s *Store) Stats(identityID string) map[string]any {
	stats := s.graph.Stats(identityID)
	stats["indexed"] = s.index.Count(identityID)
	stats["as_of"] = time.Now().UTC().Format(time.RFC3339)
	return stats
}
