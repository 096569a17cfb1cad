package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "nomic-embed-text" {
			t.Errorf("model = %q", req.Model)
		}
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	vec, err := c.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("vector length = %d, want 3", len(vec))
	}
}

func TestGenerate_EmptyVectorIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if _, err := c.Generate(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for empty embedding")
	}
}

type countingEmbedder struct {
	calls atomic.Int64
}

func (c *countingEmbedder) Generate(_ context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return []float32{float32(len(text)), 1}, nil
}

func TestCachedEmbedder_HitsSkipInner(t *testing.T) {
	inner := &countingEmbedder{}
	cached, err := NewCached(inner, 16)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	defer cached.Close()

	ctx := context.Background()
	if _, err := cached.Generate(ctx, "alpha"); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// Ristretto admits asynchronously; wait for the entry to land.
	deadline := time.Now().Add(time.Second)
	for inner.calls.Load() == 1 && time.Now().Before(deadline) {
		if _, err := cached.Generate(ctx, "alpha"); err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if inner.calls.Load() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	before := inner.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if _, err := cached.Generate(ctx, "alpha"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	after := inner.calls.Load()
	if after > before+1 {
		t.Errorf("inner called %d extra times for a repeated text", after-before)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched length", []float32{1}, []float32{1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}
