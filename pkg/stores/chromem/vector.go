// Package chromem implements the vector repository on an embedded chromem-go
// database, persisted to disk. Embeddings are computed upstream and passed
// in, so the store never calls out to an embedding provider itself.
package chromem

import (
	"context"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/theapemachine/mnemo/pkg/memory"
)

// Store is a memory.VectorRepo over chromem-go collections.
type Store struct {
	db *chromem.DB

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// New opens (or creates) a persistent store at path. An empty path keeps
// everything in memory, which the tests rely on.
func New(path string) (*Store, error) {
	var (
		db  *chromem.DB
		err error
	)

	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
	}

	if err != nil {
		return nil, fmt.Errorf("chromem: open %s: %w", path, err)
	}

	return &Store{db: db, collections: map[string]*chromem.Collection{}}, nil
}

// noEmbed guards against accidental server-side embedding: every document
// and query must arrive with its embedding precomputed.
func noEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("chromem: embeddings must be precomputed")
}

func (s *Store) collection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection(name, nil, noEmbed)

	if err != nil {
		return nil, fmt.Errorf("chromem: collection %s: %w", name, err)
	}

	s.collections[name] = col

	return col, nil
}

func (s *Store) Upsert(ctx context.Context, collection, id string, embedding []float32, metadata map[string]any) error {
	col, err := s.collection(collection)

	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        id,
		Embedding: embedding,
		Metadata:  stringify(metadata),
	}

	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: upsert %s/%s: %w", collection, id, err)
	}

	return nil
}

func (s *Store) Search(ctx context.Context, collection string, embedding []float32, limit int, filter map[string]any) ([]memory.VectorSearchResult, error) {
	col, err := s.collection(collection)

	if err != nil {
		return nil, err
	}

	// chromem rejects nResults beyond the collection size.
	count := col.Count()

	if count == 0 {
		return nil, nil
	}

	if limit <= 0 || limit > count {
		limit = count
	}

	results, err := col.QueryEmbedding(ctx, embedding, limit, stringify(filter), nil)

	if err != nil {
		return nil, fmt.Errorf("chromem: search %s: %w", collection, err)
	}

	out := make([]memory.VectorSearchResult, 0, len(results))

	for _, r := range results {
		meta := make(map[string]any, len(r.Metadata))

		for k, v := range r.Metadata {
			meta[k] = v
		}

		out = append(out, memory.VectorSearchResult{
			MemoryID: r.ID,
			// chromem reports raw cosine similarity in [-1,1].
			Score:    memory.Clamp((float64(r.Similarity) + 1) / 2),
			Metadata: meta,
		})
	}

	return out, nil
}

func (s *Store) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	col, err := s.collection(collection)

	if err != nil {
		return err
	}

	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("chromem: delete from %s: %w", collection, err)
	}

	return nil
}

// stringify narrows arbitrary metadata to chromem's string-only model.
func stringify(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}

	out := make(map[string]string, len(in))

	for k, v := range in {
		out[k] = fmt.Sprintf("%v", v)
	}

	return out
}
