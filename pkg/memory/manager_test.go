package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *MockDocumentRepo, *MockVectorRepo, *MockGraphRepo) {
	t.Helper()

	docs := NewMockDocumentRepo()
	vectors := NewMockVectorRepo()
	graph := NewMockGraphRepo()

	return NewManager(docs, vectors, graph), docs, vectors, graph
}

func seedManager(t *testing.T, docs *MockDocumentRepo) {
	t.Helper()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		mem := &EpisodicMemory{
			ID:          fmt.Sprintf("mem_ep_m%02d", i),
			UserID:      "u1",
			Restatement: fmt.Sprintf("event %d happened", i),
			Summary:     fmt.Sprintf("event %d", i),
			Keywords:    []string{"shared", fmt.Sprintf("kw%d", i)},
			EventType:   EventGeneralConversation,
			Importance:  float64(i) * 0.2,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:   base.Add(time.Duration(i) * time.Minute),
		}

		require.NoError(t, docs.PutEpisodic(ctx, mem))
	}

	require.NoError(t, docs.PutSemantic(ctx, &SemanticMemory{
		ID: "mem_sem_m1", UserID: "u1", Subject: "user", Predicate: "likes",
		Object: "jazz", Category: CategoryPreference, Confidence: 0.9,
		CreatedAt: base,
	}))
}

func TestManagerUpdateEpisodic(t *testing.T) {
	ctx := context.Background()
	m, docs, _, _ := newTestManager(t)
	seedManager(t, docs)

	t.Run("masked fields update", func(t *testing.T) {
		updated, err := m.UpdateEpisodic(ctx, "mem_ep_m00", map[string]any{
			"summary":     "renamed",
			"importance":  1.4,
			"is_archived": true,
		})
		require.NoError(t, err)

		assert.Equal(t, "renamed", updated.Summary)
		assert.Equal(t, 1.0, updated.Importance, "importance clamps to [0,1]")
		assert.True(t, updated.IsArchived)
	})

	t.Run("unmasked field is rejected", func(t *testing.T) {
		_, err := m.UpdateEpisodic(ctx, "mem_ep_m01", map[string]any{
			"lossless_restatement": "rewritten history",
		})
		assert.Error(t, err)

		mem, err := docs.GetEpisodic(ctx, "mem_ep_m01")
		require.NoError(t, err)
		assert.Equal(t, "event 1 happened", mem.Restatement)
	})

	t.Run("missing memory", func(t *testing.T) {
		_, err := m.UpdateEpisodic(ctx, "mem_ep_nope", map[string]any{"summary": "x"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestManagerListEpisodic(t *testing.T) {
	ctx := context.Background()
	m, docs, _, _ := newTestManager(t)
	seedManager(t, docs)

	t.Run("pagination", func(t *testing.T) {
		page, err := m.ListEpisodic(ctx, "u1", MemoryFilter{}, Page{Number: 1, Size: 2})
		require.NoError(t, err)

		assert.Equal(t, 5, page.Total)
		assert.Equal(t, 3, page.TotalPages)
		assert.Len(t, page.Items, 2)

		last, err := m.ListEpisodic(ctx, "u1", MemoryFilter{}, Page{Number: 3, Size: 2})
		require.NoError(t, err)
		assert.Len(t, last.Items, 1)
	})

	t.Run("min importance filter", func(t *testing.T) {
		page, err := m.ListEpisodic(ctx, "u1", MemoryFilter{MinImportance: 0.5}, Page{})
		require.NoError(t, err)

		assert.Equal(t, 2, page.Total)
	})

	t.Run("keyword filter", func(t *testing.T) {
		page, err := m.ListEpisodic(ctx, "u1", MemoryFilter{Keyword: "kw3"}, Page{})
		require.NoError(t, err)

		require.Equal(t, 1, page.Total)
		assert.Equal(t, "mem_ep_m03", page.Items[0].ID)
	})
}

func TestManagerStats(t *testing.T) {
	ctx := context.Background()
	m, docs, _, _ := newTestManager(t)
	seedManager(t, docs)

	archived, err := docs.GetEpisodic(ctx, "mem_ep_m00")
	require.NoError(t, err)
	archived.IsArchived = true
	require.NoError(t, docs.UpdateEpisodic(ctx, archived))

	stats, err := m.Stats(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, 5, stats.TotalEpisodic)
	assert.Equal(t, 1, stats.TotalSemantic)
	assert.Equal(t, 4, stats.Active)
	assert.Equal(t, 1, stats.Archived)
	assert.Equal(t, 5, stats.EventDistribution[EventGeneralConversation])

	require.NotEmpty(t, stats.TopKeywords)
	assert.Equal(t, "shared", stats.TopKeywords[0].Keyword)
	assert.Equal(t, 5, stats.TopKeywords[0].Count)

	require.NotNil(t, stats.OldestMemory)
	require.NotNil(t, stats.NewestMemory)
	assert.True(t, stats.OldestMemory.Before(*stats.NewestMemory))
}

func TestManagerExport(t *testing.T) {
	ctx := context.Background()
	m, docs, _, _ := newTestManager(t)
	seedManager(t, docs)

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, m.WriteExport(ctx, &buf, "u1", FormatJSON))

		var export Export
		require.NoError(t, json.Unmarshal(buf.Bytes(), &export))

		assert.Equal(t, "u1", export.UserID)
		assert.Len(t, export.Episodic, 5)
		assert.Len(t, export.Semantic, 1)
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, m.WriteExport(ctx, &buf, "u1", FormatCSV))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		assert.Len(t, lines, 7, "header plus five episodic plus one semantic")
		assert.Contains(t, lines[0], "type,id,content")
	})

	t.Run("unknown format", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Error(t, m.WriteExport(ctx, &buf, "u1", "xml"))
	})
}

func TestManagerClearUser(t *testing.T) {
	ctx := context.Background()
	m, docs, vectors, graph := newTestManager(t)
	seedManager(t, docs)

	require.NoError(t, vectors.Upsert(ctx, CollectionEpisodic, "mem_ep_m00", []float32{1}, nil))
	require.NoError(t, graph.UpsertNode(ctx, GraphNode{ID: UserNodeID("u1"), Label: "User"}))

	removed, err := m.ClearUser(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, 6, removed)
	assert.Zero(t, vectors.Count(CollectionEpisodic))

	remaining, err := docs.ListEpisodic(ctx, "u1", true, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	_, err = graph.GetNode(ctx, UserNodeID("u1"))
	assert.ErrorIs(t, err, ErrNotFound)
}
