// Package semantic maintains the vector index side of memory
// retrieval. It wraps an embedded chromem-go database with one
// collection per identity so similarity queries can never cross an
// identity boundary.
package semantic

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// Entry is a vector-indexed memory record.
type Entry struct {
	ID         string
	IdentityID string
	Text       string
	Kind       string
	Embedding  []float32
	CreatedAt  time.Time
}

// Result pairs an entry with its cosine similarity to the query.
type Result struct {
	Entry      Entry
	Similarity float64
}

// Index stores embeddings in per-identity chromem collections.
type Index struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// NewIndex creates an index persisted under dataDir. An empty dataDir
// keeps everything in memory, which the tests rely on.
func NewIndex(dataDir string) (*Index, error) {
	var db *chromem.DB
	if dataDir == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(dataDir, false)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
	}

	return &Index{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (ix *Index) collection(identityID string) (*chromem.Collection, error) {
	ix.mu.RLock()
	col, ok := ix.collections[identityID]
	ix.mu.RUnlock()
	if ok {
		return col, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if col, ok := ix.collections[identityID]; ok {
		return col, nil
	}

	// Embeddings arrive precomputed, so no embedding func; default
	// distance is cosine, which is what we want.
	col, err := ix.db.GetOrCreateCollection("identity_"+identityID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	ix.collections[identityID] = col
	return col, nil
}

// Add indexes an entry. Re-adding the same ID overwrites the previous
// document, which is how amended memories get re-embedded.
func (ix *Index) Add(ctx context.Context, e Entry) error {
	if e.IdentityID == "" {
		return fmt.Errorf("entry has no identity")
	}
	if len(e.Embedding) == 0 {
		return fmt.Errorf("entry has no embedding")
	}
	col, err := ix.collection(e.IdentityID)
	if err != nil {
		return err
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	doc := chromem.Document{
		ID:        e.ID,
		Content:   e.Text,
		Embedding: e.Embedding,
		Metadata: map[string]string{
			"identity_id": e.IdentityID,
			"kind":        e.Kind,
			"created_at":  e.CreatedAt.Format(time.RFC3339),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Remove drops an entry from the index. Missing IDs are not an error;
// deprecation is idempotent.
func (ix *Index) Remove(ctx context.Context, identityID, id string) error {
	col, err := ix.collection(identityID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Query returns up to limit entries nearest the query embedding,
// most similar first. Similarities are in [0,1].
func (ix *Index) Query(ctx context.Context, identityID string, embedding []float32, limit int) ([]Result, error) {
	if identityID == "" {
		return nil, fmt.Errorf("query has no identity")
	}
	col, err := ix.collection(identityID)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection.
	if n := col.Count(); n < limit {
		limit = n
	}
	if limit <= 0 {
		return nil, nil
	}

	raw, err := col.QueryEmbedding(ctx, embedding, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	results := make([]Result, 0, len(raw))
	for _, r := range raw {
		created, _ := time.Parse(time.RFC3339, r.Metadata["created_at"])
		results = append(results, Result{
			Entry: Entry{
				ID:         r.ID,
				IdentityID: identityID,
				Text:       r.Content,
				Kind:       r.Metadata["kind"],
				Embedding:  r.Embedding,
				CreatedAt:  created,
			},
			Similarity: float64(r.Similarity),
		})
	}
	return results, nil
}

// Count reports how many entries an identity has indexed.
func (ix *Index) Count(identityID string) int {
	ix.mu.RLock()
	col, ok := ix.collections[identityID]
	ix.mu.RUnlock()
	if !ok {
		return 0
	}
	return col.Count()
}
