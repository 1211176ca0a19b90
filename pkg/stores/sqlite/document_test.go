package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theapemachine/mnemo/pkg/memory"
)

func newDocStore(t *testing.T) *DocumentStore {
	t.Helper()

	s, err := NewDocumentStore(filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func episodicFixture(id, userID string) *memory.EpisodicMemory {
	now := time.Now().UTC()

	return &memory.EpisodicMemory{
		ID:          id,
		UserID:      userID,
		Restatement: "The user asked for directions to the harbor.",
		Summary:     "directions to the harbor",
		Keywords:    []string{"harbor", "directions"},
		EventType:   memory.EventNavigation,
		Importance:  0.7,
		Confidence:  0.9,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestEpisodicCRUD(t *testing.T) {
	ctx := context.Background()
	s := newDocStore(t)

	mem := episodicFixture("mem_ep_1", "u1")
	require.NoError(t, s.PutEpisodic(ctx, mem))

	t.Run("get round-trips the record", func(t *testing.T) {
		got, err := s.GetEpisodic(ctx, "mem_ep_1")
		require.NoError(t, err)

		assert.Equal(t, mem.Restatement, got.Restatement)
		assert.Equal(t, mem.Keywords, got.Keywords)
		assert.Equal(t, memory.EventNavigation, got.EventType)
	})

	t.Run("put is an upsert", func(t *testing.T) {
		mem.Summary = "updated summary"
		require.NoError(t, s.PutEpisodic(ctx, mem))

		got, err := s.GetEpisodic(ctx, "mem_ep_1")
		require.NoError(t, err)
		assert.Equal(t, "updated summary", got.Summary)
	})

	t.Run("update flags persist", func(t *testing.T) {
		mem.IsArchived = true
		require.NoError(t, s.UpdateEpisodic(ctx, mem))

		got, err := s.GetEpisodic(ctx, "mem_ep_1")
		require.NoError(t, err)
		assert.True(t, got.IsArchived)
	})

	t.Run("update of a missing record", func(t *testing.T) {
		ghost := episodicFixture("mem_ep_ghost", "u1")
		assert.ErrorIs(t, s.UpdateEpisodic(ctx, ghost), memory.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteEpisodic(ctx, "mem_ep_1"))

		_, err := s.GetEpisodic(ctx, "mem_ep_1")
		assert.ErrorIs(t, err, memory.ErrNotFound)
		assert.ErrorIs(t, s.DeleteEpisodic(ctx, "mem_ep_1"), memory.ErrNotFound)
	})
}

func TestListEpisodic(t *testing.T) {
	ctx := context.Background()
	s := newDocStore(t)

	base := time.Now().UTC().Add(-time.Hour)

	for i, id := range []string{"mem_ep_a", "mem_ep_b", "mem_ep_c"} {
		mem := episodicFixture(id, "u1")
		mem.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.PutEpisodic(ctx, mem))
	}

	other := episodicFixture("mem_ep_other", "u2")
	require.NoError(t, s.PutEpisodic(ctx, other))

	archived := episodicFixture("mem_ep_arch", "u1")
	archived.IsArchived = true
	require.NoError(t, s.PutEpisodic(ctx, archived))

	compressed := episodicFixture("mem_ep_comp", "u1")
	compressed.CreatedAt = base.Add(-time.Minute)
	compressed.IsCompressed = true
	require.NoError(t, s.PutEpisodic(ctx, compressed))

	t.Run("newest first, user scoped, archived excluded", func(t *testing.T) {
		got, err := s.ListEpisodic(ctx, "u1", false, 0)
		require.NoError(t, err)

		require.Len(t, got, 4)
		assert.Equal(t, "mem_ep_c", got[0].ID)
		assert.Equal(t, "mem_ep_comp", got[3].ID, "merge survivors stay listed")
	})

	t.Run("includeArchived reveals archived", func(t *testing.T) {
		got, err := s.ListEpisodic(ctx, "u1", true, 0)
		require.NoError(t, err)
		assert.Len(t, got, 5)
	})

	t.Run("limit bounds the scan", func(t *testing.T) {
		got, err := s.ListEpisodic(ctx, "u1", false, 2)
		require.NoError(t, err)

		require.Len(t, got, 2)
		assert.Equal(t, "mem_ep_c", got[0].ID)
	})
}

func TestSearchEpisodic(t *testing.T) {
	ctx := context.Background()
	s := newDocStore(t)

	harbor := episodicFixture("mem_ep_harbor", "u1")
	require.NoError(t, s.PutEpisodic(ctx, harbor))

	jazz := episodicFixture("mem_ep_jazz", "u1")
	jazz.Restatement = "The user went to a jazz concert with Marie."
	jazz.Summary = "jazz concert"
	jazz.Keywords = []string{"jazz", "concert"}
	require.NoError(t, s.PutEpisodic(ctx, jazz))

	archived := episodicFixture("mem_ep_hidden", "u1")
	archived.Restatement = "An archived jazz memory."
	archived.IsArchived = true
	require.NoError(t, s.PutEpisodic(ctx, archived))

	t.Run("matches on content", func(t *testing.T) {
		got, err := s.SearchEpisodic(ctx, "u1", "jazz", 10)
		require.NoError(t, err)

		require.Len(t, got, 1, "archived matches stay hidden")
		assert.Equal(t, "mem_ep_jazz", got[0].ID)
	})

	t.Run("matches on keywords", func(t *testing.T) {
		got, err := s.SearchEpisodic(ctx, "u1", "harbor", 10)
		require.NoError(t, err)

		require.Len(t, got, 1)
		assert.Equal(t, "mem_ep_harbor", got[0].ID)
	})

	t.Run("operator characters do not break the query", func(t *testing.T) {
		_, err := s.SearchEpisodic(ctx, "u1", `jazz AND "concert* (NOT)`, 10)
		assert.NoError(t, err)
	})

	t.Run("no match", func(t *testing.T) {
		got, err := s.SearchEpisodic(ctx, "u1", "submarine", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("substring fallback", func(t *testing.T) {
		got, err := s.searchLike(ctx, "u1", "jazz", 10)
		require.NoError(t, err)

		require.Len(t, got, 1)
		assert.Equal(t, "mem_ep_jazz", got[0].ID)
	})
}

func TestSemanticCRUD(t *testing.T) {
	ctx := context.Background()
	s := newDocStore(t)

	mem := &memory.SemanticMemory{
		ID:         "mem_sem_1",
		UserID:     "u1",
		Subject:    "user",
		Predicate:  "likes",
		Object:     "jazz",
		Category:   memory.CategoryPreference,
		Confidence: 0.9,
		CreatedAt:  time.Now().UTC(),
	}

	require.NoError(t, s.PutSemantic(ctx, mem))

	got, err := s.GetSemantic(ctx, "mem_sem_1")
	require.NoError(t, err)
	assert.Equal(t, "user likes jazz", got.TripleText())

	list, err := s.ListSemantic(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	none, err := s.ListSemantic(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, s.DeleteSemantic(ctx, "mem_sem_1"))

	_, err = s.GetSemantic(ctx, "mem_sem_1")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}
