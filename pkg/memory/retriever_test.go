package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseRRF(t *testing.T) {
	t.Run("two strategies beat one at equal rank", func(t *testing.T) {
		scores, sources := fuseRRF([]ranked{
			{SourceVector, []string{"A"}},
			{SourceLexical, []string{"A", "B"}},
		}, 60)

		// A: 1/61 + 1/61, B: 1/62.
		assert.InDelta(t, 2.0/61.0, scores["A"], 1e-9)
		assert.InDelta(t, 1.0/62.0, scores["B"], 1e-9)
		assert.Greater(t, scores["A"], scores["B"])
		assert.Equal(t, "lexical+vector", sources["A"])
		assert.Equal(t, "lexical", sources["B"])
	})

	t.Run("rank one in a single strategy", func(t *testing.T) {
		scores, _ := fuseRRF([]ranked{{SourceVector, []string{"A"}}}, 60)
		assert.InDelta(t, 1.0/61.0, scores["A"], 1e-9)
	})

	t.Run("adding a strategy never lowers a score", func(t *testing.T) {
		base, _ := fuseRRF([]ranked{{SourceVector, []string{"A", "B"}}}, 60)
		more, _ := fuseRRF([]ranked{
			{SourceVector, []string{"A", "B"}},
			{SourceGraph, []string{"B"}},
		}, 60)

		assert.GreaterOrEqual(t, more["A"], base["A"])
		assert.Greater(t, more["B"], base["B"])
	})
}

func seedEpisodic(t *testing.T, docs *MockDocumentRepo, vectors *MockVectorRepo, embedder *MockEmbedder, mem *EpisodicMemory) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, docs.PutEpisodic(ctx, mem))

	embedding, err := embedder.Embed(ctx, mem.EmbeddingText())
	require.NoError(t, err)

	meta := map[string]any{
		"user_id":    mem.UserID,
		"agent_id":   mem.AgentID,
		"event_type": string(mem.EventType),
	}
	require.NoError(t, vectors.Upsert(ctx, CollectionEpisodic, mem.ID, embedding, meta))
}

func newTestRetriever(gen *MockGenerator, embedder *MockEmbedder) (*Retriever, *MockDocumentRepo, *MockVectorRepo, *MockGraphRepo) {
	docs := NewMockDocumentRepo()
	vectors := NewMockVectorRepo()
	graph := NewMockGraphRepo()

	// A nil *MockEmbedder must become a nil Embedder interface, not a
	// typed nil, so the retriever's nil check still applies.
	var e Embedder
	if embedder != nil {
		e = embedder
	}

	r := NewRetriever(DefaultConfig(), gen, e, docs, vectors, graph)

	return r, docs, vectors, graph
}

func TestRetrieveEpisodic(t *testing.T) {
	ctx := context.Background()

	embedder := &MockEmbedder{Fixed: map[string][]float32{
		"jazz club": {1, 0, 0},
		"Visited the jazz club downtown. jazz night": {1, 0.1, 0},
		"Bought groceries at the market. errand":     {0, 1, 0},
	}}

	// Intent analysis fails so keywords fall back to the raw query terms.
	gen := &MockGenerator{Err: fmt.Errorf("model down")}

	r, docs, vectors, _ := newTestRetriever(gen, embedder)

	now := time.Now().UTC()

	jazz := &EpisodicMemory{
		ID: "mem_ep_jazz", UserID: "u1", Restatement: "Visited the jazz club downtown.",
		Summary: "jazz night", Keywords: []string{"jazz"}, Importance: 0.8,
		CreatedAt: now, UpdatedAt: now,
	}
	errand := &EpisodicMemory{
		ID: "mem_ep_errand", UserID: "u1", Restatement: "Bought groceries at the market.",
		Summary: "errand", Keywords: []string{"groceries"}, Importance: 0.4,
		CreatedAt: now, UpdatedAt: now,
	}

	seedEpisodic(t, docs, vectors, embedder, jazz)
	seedEpisodic(t, docs, vectors, embedder, errand)

	result, err := r.Retrieve(ctx, RetrievalQuery{UserID: "u1", Query: "jazz club", TopK: 5})
	require.NoError(t, err)

	assert.Equal(t, "unknown", result.Intent.Intent)
	require.NotEmpty(t, result.Episodic)
	assert.Equal(t, "mem_ep_jazz", result.Episodic[0].MemoryID)

	// Vector and lexical both surfaced the jazz memory.
	assert.Equal(t, "lexical+vector", result.Episodic[0].Source)

	// Retrieval bumps access bookkeeping.
	touched, err := docs.GetEpisodic(ctx, "mem_ep_jazz")
	require.NoError(t, err)
	assert.Equal(t, 1, touched.AccessCount)
	assert.NotNil(t, touched.LastAccessedAt)
}

func TestLexicalUsesIntentKeywords(t *testing.T) {
	ctx := context.Background()

	// No embedder: only the lexical strategy can surface anything.
	gen := &MockGenerator{Reply: `{"intent": "recall errands", "keywords": ["groceries"]}`}
	r, docs, _, _ := newTestRetriever(gen, nil)

	now := time.Now().UTC()

	mem := &EpisodicMemory{
		ID: "mem_ep_errand", UserID: "u1", Restatement: "Bought groceries at the market.",
		Summary: "errand", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, docs.PutEpisodic(ctx, mem))

	// None of the raw query terms appear in the memory text; only the
	// analyzed keyword does.
	result, err := r.Retrieve(ctx, RetrievalQuery{UserID: "u1", Query: "recap my recent errands"})
	require.NoError(t, err)

	require.Len(t, result.Episodic, 1)
	assert.Equal(t, "mem_ep_errand", result.Episodic[0].MemoryID)
	assert.Equal(t, SourceLexical, result.Episodic[0].Source)
}

func TestRetrieveEventTypeFilter(t *testing.T) {
	ctx := context.Background()

	embedder := &MockEmbedder{Fixed: map[string][]float32{
		"favorite restaurants nearby":        {1, 0, 0},
		"Reserved a table for two. dinner":   {1, 0, 0},
		"Queued a jazz playlist. road tunes": {1, 0, 0},
	}}

	r, docs, vectors, _ := newTestRetriever(&MockGenerator{Err: fmt.Errorf("down")}, embedder)

	now := time.Now().UTC()

	dining := &EpisodicMemory{
		ID: "mem_ep_dining", UserID: "u1", Restatement: "Reserved a table for two.",
		Summary: "dinner", EventType: EventDining, CreatedAt: now, UpdatedAt: now,
	}
	music := &EpisodicMemory{
		ID: "mem_ep_music", UserID: "u1", Restatement: "Queued a jazz playlist.",
		Summary: "road tunes", EventType: EventMusicPlayback, CreatedAt: now, UpdatedAt: now,
	}

	seedEpisodic(t, docs, vectors, embedder, dining)
	seedEpisodic(t, docs, vectors, embedder, music)

	result, err := r.Retrieve(ctx, RetrievalQuery{
		UserID: "u1", Query: "favorite restaurants nearby", EventType: EventDining,
	})
	require.NoError(t, err)

	require.Len(t, result.Episodic, 1)
	assert.Equal(t, "mem_ep_dining", result.Episodic[0].MemoryID)
}

func TestRetrieveExcludesArchived(t *testing.T) {
	ctx := context.Background()

	embedder := &MockEmbedder{Fixed: map[string][]float32{
		"jazz club": {1, 0, 0},
		"Visited the jazz club downtown. jazz night": {1, 0, 0},
	}}

	r, docs, vectors, _ := newTestRetriever(&MockGenerator{Err: fmt.Errorf("down")}, embedder)

	now := time.Now().UTC()

	archived := &EpisodicMemory{
		ID: "mem_ep_old", UserID: "u1", Restatement: "Visited the jazz club downtown.",
		Summary: "jazz night", IsArchived: true, CreatedAt: now, UpdatedAt: now,
	}

	seedEpisodic(t, docs, vectors, embedder, archived)

	result, err := r.Retrieve(ctx, RetrievalQuery{UserID: "u1", Query: "jazz club"})
	require.NoError(t, err)
	assert.Empty(t, result.Episodic, "archived memories never surface in retrieval")

	// Direct lookup still reaches the archived record.
	mem, err := docs.GetEpisodic(ctx, "mem_ep_old")
	require.NoError(t, err)
	assert.True(t, mem.IsArchived)
}

func TestArchivedConsumesTopKSlot(t *testing.T) {
	ctx := context.Background()

	embedder := &MockEmbedder{Fixed: map[string][]float32{
		"jazz club": {1, 0, 0},
		"Visited the jazz club downtown. jazz night": {1, 0, 0},
		"Evening walk downtown. walk":                {0.9, 0.1, 0},
	}}

	r, docs, vectors, _ := newTestRetriever(&MockGenerator{Err: fmt.Errorf("down")}, embedder)

	now := time.Now().UTC()

	archived := &EpisodicMemory{
		ID: "mem_ep_top", UserID: "u1", Restatement: "Visited the jazz club downtown.",
		Summary: "jazz night", IsArchived: true, CreatedAt: now, UpdatedAt: now,
	}
	active := &EpisodicMemory{
		ID: "mem_ep_walk", UserID: "u1", Restatement: "Evening walk downtown.",
		Summary: "walk", CreatedAt: now, UpdatedAt: now,
	}

	seedEpisodic(t, docs, vectors, embedder, archived)
	seedEpisodic(t, docs, vectors, embedder, active)

	// The archived memory outranks the active one, so at top-k one it
	// occupies the only slot and then drops out; lower-ranked ids do not
	// backfill.
	result, err := r.Retrieve(ctx, RetrievalQuery{UserID: "u1", Query: "jazz club", TopK: 1})
	require.NoError(t, err)
	assert.Empty(t, result.Episodic)

	// With room for both, the active memory surfaces.
	result, err = r.Retrieve(ctx, RetrievalQuery{UserID: "u1", Query: "jazz club", TopK: 2})
	require.NoError(t, err)
	require.Len(t, result.Episodic, 1)
	assert.Equal(t, "mem_ep_walk", result.Episodic[0].MemoryID)
}

func TestGraphEpisodicStrategy(t *testing.T) {
	ctx := context.Background()

	// No embedder: vector strategy contributes nothing, graph carries.
	r, docs, _, graph := newTestRetriever(&MockGenerator{Err: fmt.Errorf("down")}, nil)

	now := time.Now().UTC()

	mem := &EpisodicMemory{
		ID: "mem_ep_g1", UserID: "u1", Restatement: "Called Sarah about dinner plans.",
		Summary: "dinner call with sarah", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, docs.PutEpisodic(ctx, mem))

	require.NoError(t, graph.UpsertNode(ctx, GraphNode{ID: UserNodeID("u1"), Label: "User"}))
	require.NoError(t, graph.UpsertNode(ctx, GraphNode{
		ID:         mem.ID,
		Label:      "EpisodicMemory",
		Properties: map[string]any{"summary": mem.Summary},
	}))
	require.NoError(t, graph.UpsertEdge(ctx, GraphEdge{
		SourceID: UserNodeID("u1"), TargetID: mem.ID,
		Relation: RelationExperienced, Weight: 0.8,
	}))

	result, err := r.Retrieve(ctx, RetrievalQuery{UserID: "u1", Query: "dinner", IncludeGraph: true})
	require.NoError(t, err)

	require.Len(t, result.Episodic, 1)
	assert.Equal(t, "mem_ep_g1", result.Episodic[0].MemoryID)
	assert.Contains(t, result.Episodic[0].Source, SourceGraph)
}

func TestRetrieveSemantic(t *testing.T) {
	ctx := context.Background()

	embedder := &MockEmbedder{Fixed: map[string][]float32{
		"what music does the user like": {1, 0, 0},
		"user likes jazz":               {1, 0, 0},
	}}

	// Intent analysis narrows the query to a single keyword, which
	// enables the entity-node graph assist.
	gen := &MockGenerator{Reply: `{"intent": "recall preference", "keywords": ["jazz"]}`}

	r, docs, vectors, graph := newTestRetriever(gen, embedder)

	liked := &SemanticMemory{
		ID: "mem_sem_1", UserID: "u1", Subject: "user", Predicate: "likes",
		Object: "jazz", Category: CategoryPreference, Confidence: 0.9,
	}
	require.NoError(t, docs.PutSemantic(ctx, liked))

	embedding, err := embedder.Embed(ctx, liked.TripleText())
	require.NoError(t, err)
	require.NoError(t, vectors.Upsert(ctx, CollectionSemantic, liked.ID,
		embedding, map[string]any{"user_id": "u1"}))

	// A second triple only reachable through the graph: not in the vector
	// index, linked off the "jazz" entity node by the edge's memory_id.
	attends := &SemanticMemory{
		ID: "mem_sem_2", UserID: "u1", Subject: "user", Predicate: "attends",
		Object: "concerts", Category: CategoryPreference, Confidence: 0.7,
	}
	require.NoError(t, docs.PutSemantic(ctx, attends))

	require.NoError(t, graph.UpsertNode(ctx, GraphNode{ID: EntityNodeID("user"), Label: "Entity"}))
	require.NoError(t, graph.UpsertNode(ctx, GraphNode{ID: EntityNodeID("jazz"), Label: "Entity"}))
	require.NoError(t, graph.UpsertNode(ctx, GraphNode{ID: EntityNodeID("concerts"), Label: "Entity"}))
	require.NoError(t, graph.UpsertEdge(ctx, GraphEdge{
		SourceID: EntityNodeID("user"), TargetID: EntityNodeID("jazz"),
		Relation: "LIKES", Weight: 0.9,
		Properties: map[string]any{"memory_id": liked.ID},
	}))
	require.NoError(t, graph.UpsertEdge(ctx, GraphEdge{
		SourceID: EntityNodeID("jazz"), TargetID: EntityNodeID("concerts"),
		Relation: "RELATES_TO", Weight: 0.8,
		Properties: map[string]any{"memory_id": attends.ID},
	}))

	result, err := r.Retrieve(ctx, RetrievalQuery{
		UserID: "u1", Query: "what music does the user like", IncludeGraph: true,
	})
	require.NoError(t, err)

	// Vector hits come first; the graph assist appends only triples the
	// vector search did not already surface.
	require.Len(t, result.Semantic, 2)
	assert.Equal(t, "mem_sem_1", result.Semantic[0].MemoryID)
	assert.Equal(t, "user likes jazz", result.Semantic[0].Content)
	assert.Equal(t, SourceVector, result.Semantic[0].Source)

	assert.Equal(t, "mem_sem_2", result.Semantic[1].MemoryID)
	assert.Equal(t, SourceGraph, result.Semantic[1].Source)
	assert.InDelta(t, 0.48, result.Semantic[1].Score, 1e-9)
}

func TestRetrieveTopKCap(t *testing.T) {
	ctx := context.Background()

	embedder := &MockEmbedder{}
	r, docs, vectors, _ := newTestRetriever(&MockGenerator{Err: fmt.Errorf("down")}, embedder)

	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		mem := &EpisodicMemory{
			ID:          fmt.Sprintf("mem_ep_%02d", i),
			UserID:      "u1",
			Restatement: "Discussed the jazz festival lineup.",
			Summary:     fmt.Sprintf("jazz talk %d", i),
			CreatedAt:   now, UpdatedAt: now,
		}
		seedEpisodic(t, docs, vectors, embedder, mem)
	}

	result, err := r.Retrieve(ctx, RetrievalQuery{UserID: "u1", Query: "jazz festival", TopK: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.Episodic), 3)
}

func TestBuildContext(t *testing.T) {
	assert.Empty(t, BuildContext(nil))
	assert.Empty(t, BuildContext(&RetrievalResult{}))

	block := BuildContext(&RetrievalResult{
		Episodic: []ScoredMemory{{Content: "went to the jazz club"}},
		Semantic: []ScoredMemory{{Content: "user likes jazz"}},
	})

	assert.Contains(t, block, "Relevant past events:")
	assert.Contains(t, block, "- went to the jazz club")
	assert.Contains(t, block, "Known facts:")
	assert.Contains(t, block, "- user likes jazz")
}
