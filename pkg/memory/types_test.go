package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	id := NewID(EpisodicIDPrefix)

	assert.True(t, strings.HasPrefix(id, EpisodicIDPrefix))
	assert.NotEqual(t, id, NewID(EpisodicIDPrefix))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-0.5))
	assert.Equal(t, 1.0, Clamp(1.5))
	assert.Equal(t, 0.42, Clamp(0.42))
}

func TestTripleKeyCaseInsensitive(t *testing.T) {
	a := &SemanticMemory{Subject: "User", Predicate: "Likes", Object: "Jazz"}
	b := &SemanticMemory{Subject: "user", Predicate: "likes", Object: "jazz"}

	assert.Equal(t, a.TripleKey(), b.TripleKey())
}

func TestPredicateRelation(t *testing.T) {
	assert.Equal(t, "LIKES", PredicateRelation("likes"))
	assert.Equal(t, "WORKS_AT", PredicateRelation("works at"))
	assert.Equal(t, "IS_ALLERGIC_TO", PredicateRelation("  is  allergic to "))
}

func TestNormalizeEventType(t *testing.T) {
	assert.Equal(t, EventNavigation, NormalizeEventType("Navigation"))
	assert.Equal(t, EventGeneralConversation, NormalizeEventType("something else"))
}

func TestNormalizeCategory(t *testing.T) {
	assert.Equal(t, CategoryPreference, NormalizeCategory(" PREFERENCE "))
	assert.Equal(t, CategoryFact, NormalizeCategory("unknown"))
}

func TestCosineSimilarity(t *testing.T) {
	t.Run("identical vectors score 1", func(t *testing.T) {
		v := []float32{1, 2, 3}
		assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-9)
	})

	t.Run("orthogonal vectors score 0.5", func(t *testing.T) {
		assert.InDelta(t, 0.5, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	})

	t.Run("opposite vectors score 0", func(t *testing.T) {
		assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	})

	t.Run("mismatched lengths score 0", func(t *testing.T) {
		assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	})
}
