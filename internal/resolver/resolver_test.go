package resolver

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/cairnlabs/cairn/internal/extraction"
	"github.com/cairnlabs/cairn/internal/graph"
	"github.com/cairnlabs/cairn/internal/memory"
	"github.com/cairnlabs/cairn/internal/semantic"
)

// vecEmbedder returns a fixed vector per known phrase so cosine
// similarity between any two phrases is under test control.
type vecEmbedder struct {
	vectors map[string][]float32
}

func (e *vecEmbedder) Generate(_ context.Context, text string) ([]float32, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

// atSimilarity builds a unit vector whose cosine similarity with
// (1,0,0) is exactly s.
func atSimilarity(s float64) []float32 {
	return []float32{float32(s), float32(math.Sqrt(1 - s*s)), 0}
}

type stubJudge struct {
	relation Relation
}

func (j *stubJudge) Compare(_ context.Context, _, _ string) (Relation, error) {
	return j.relation, nil
}

func testResolver(t *testing.T, emb *vecEmbedder, judge Judge) (*Resolver, *memory.Store) {
	t.Helper()
	g, err := graph.NewStore(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("graph.NewStore: %v", err)
	}
	t.Cleanup(func() { g.Close() })

	ix, err := semantic.NewIndex("")
	if err != nil {
		t.Fatalf("semantic.NewIndex: %v", err)
	}
	mem := memory.New(g, ix, emb, memory.DefaultConfig(), nil)
	return New(mem, ix, emb, judge, nil, nil, Config{}), mem
}

func TestDecideCreateWhenNoMatch(t *testing.T) {
	emb := &vecEmbedder{vectors: map[string][]float32{
		"works at Acme": {1, 0, 0},
	}}
	r, mem := testResolver(t, emb, nil)
	ctx := context.Background()

	d, err := r.Decide(ctx, "alice", extraction.Candidate{
		Kind: graph.KindFact, Label: "works at Acme", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action != ActionCreate {
		t.Errorf("action = %q, want create", d.Action)
	}

	nodes, err := mem.Graph().ListNodes("alice", graph.KindFact, graph.StatusActive, 0)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Errorf("got %d active nodes, want 1", len(nodes))
	}
}

func TestDecideSkipOnExactRepeat(t *testing.T) {
	emb := &vecEmbedder{vectors: map[string][]float32{
		"works at Acme": {1, 0, 0},
	}}
	r, mem := testResolver(t, emb, nil)
	ctx := context.Background()

	c := extraction.Candidate{Kind: graph.KindFact, Label: "works at Acme", Confidence: 0.9}
	for i := 0; i < 2; i++ {
		if _, err := r.Decide(ctx, "alice", c); err != nil {
			t.Fatalf("Decide #%d: %v", i+1, err)
		}
	}

	// Second pass is a duplicate skip, so exactly one active node.
	nodes, err := mem.Graph().ListNodes("alice", graph.KindFact, graph.StatusActive, 0)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Errorf("got %d active nodes after repeat, want 1", len(nodes))
	}
}

func TestDecideUpdateOnExtension(t *testing.T) {
	emb := &vecEmbedder{vectors: map[string][]float32{
		"works at Acme":               {1, 0, 0},
		"works at Acme as a designer": atSimilarity(0.95),
	}}
	r, mem := testResolver(t, emb, &stubJudge{relation: RelationExtends})
	ctx := context.Background()

	if _, err := r.Decide(ctx, "alice", extraction.Candidate{
		Kind: graph.KindFact, Label: "works at Acme", Confidence: 0.7,
	}); err != nil {
		t.Fatalf("Decide create: %v", err)
	}

	d, err := r.Decide(ctx, "alice", extraction.Candidate{
		Kind: graph.KindFact, Label: "works at Acme as a designer", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide update: %v", err)
	}
	if d.Action != ActionUpdate {
		t.Fatalf("action = %q, want update", d.Action)
	}

	nodes, err := mem.Graph().ListNodes("alice", graph.KindFact, graph.StatusActive, 0)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("got %d active nodes, want 1", len(nodes))
	}
	if nodes[0].Label != "works at Acme as a designer" {
		t.Errorf("label = %q", nodes[0].Label)
	}
	if nodes[0].Confidence != 0.9 {
		t.Errorf("confidence = %v, want bumped to 0.9", nodes[0].Confidence)
	}
}

func TestDecideDeprecateOnContradiction(t *testing.T) {
	emb := &vecEmbedder{vectors: map[string][]float32{
		"works at Acme":  {1, 0, 0},
		"works at Globex": atSimilarity(0.9),
	}}
	r, mem := testResolver(t, emb, &stubJudge{relation: RelationContradicts})
	ctx := context.Background()

	if _, err := r.Decide(ctx, "alice", extraction.Candidate{
		Kind: graph.KindFact, Label: "works at Acme", Confidence: 0.9,
	}); err != nil {
		t.Fatalf("Decide create: %v", err)
	}

	d, err := r.Decide(ctx, "alice", extraction.Candidate{
		Kind: graph.KindFact, Label: "works at Globex", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide contradiction: %v", err)
	}
	if d.Action != ActionDeprecate {
		t.Fatalf("action = %q, want deprecate", d.Action)
	}

	// Exactly one active node, one deprecated, linked by supersedes.
	active, err := mem.Graph().ListNodes("alice", graph.KindFact, graph.StatusActive, 0)
	if err != nil {
		t.Fatalf("ListNodes active: %v", err)
	}
	if len(active) != 1 || active[0].Label != "works at Globex" {
		t.Fatalf("active = %+v", active)
	}
	deprecated, err := mem.Graph().ListNodes("alice", graph.KindFact, graph.StatusDeprecated, 0)
	if err != nil {
		t.Fatalf("ListNodes deprecated: %v", err)
	}
	if len(deprecated) != 1 || deprecated[0].Label != "works at Acme" {
		t.Fatalf("deprecated = %+v", deprecated)
	}

	edges, err := mem.Graph().EdgesFrom("alice", active[0].ID, graph.EdgeSupersedes)
	if err != nil {
		t.Fatalf("EdgesFrom: %v", err)
	}
	if len(edges) != 1 || edges[0].ToID != deprecated[0].ID {
		t.Errorf("supersedes edges = %+v", edges)
	}
}

func TestDecideSkipInBorderlineBand(t *testing.T) {
	// 0.78 sits between MatchThreshold-SkipBand (0.74) and
	// MatchThreshold (0.82).
	emb := &vecEmbedder{vectors: map[string][]float32{
		"enjoys trail running": {1, 0, 0},
		"likes running shoes":  atSimilarity(0.78),
	}}
	r, mem := testResolver(t, emb, &stubJudge{relation: RelationContradicts})
	ctx := context.Background()

	if _, err := r.Decide(ctx, "alice", extraction.Candidate{
		Kind: graph.KindPreference, Label: "enjoys trail running", Confidence: 0.9,
	}); err != nil {
		t.Fatalf("Decide create: %v", err)
	}

	d, err := r.Decide(ctx, "alice", extraction.Candidate{
		Kind: graph.KindPreference, Label: "likes running shoes", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide borderline: %v", err)
	}
	if d.Action != ActionSkip {
		t.Errorf("action = %q, want skip", d.Action)
	}

	nodes, err := mem.Graph().ListNodes("alice", graph.KindPreference, graph.StatusActive, 0)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Errorf("got %d active nodes, want 1", len(nodes))
	}
}

func TestDecideIgnoresOtherKinds(t *testing.T) {
	// Same vector but different kind: the match is not considered.
	emb := &vecEmbedder{vectors: map[string][]float32{
		"Portland": {1, 0, 0},
	}}
	r, mem := testResolver(t, emb, nil)
	ctx := context.Background()

	if _, err := r.Decide(ctx, "alice", extraction.Candidate{
		Kind: graph.KindPlace, Label: "Portland", Confidence: 0.9,
	}); err != nil {
		t.Fatalf("Decide place: %v", err)
	}
	d, err := r.Decide(ctx, "alice", extraction.Candidate{
		Kind: graph.KindTopic, Label: "Portland", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide topic: %v", err)
	}
	if d.Action != ActionCreate {
		t.Errorf("action = %q, want create", d.Action)
	}

	stats := mem.Stats("alice")
	if stats["active_nodes"] != 2 {
		t.Errorf("active_nodes = %v, want 2", stats["active_nodes"])
	}
}
