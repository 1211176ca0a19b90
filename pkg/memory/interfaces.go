package memory

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotFound is returned by repositories when a lookup misses.
var ErrNotFound = errors.New("not found")

// SessionRepo manages TTL-scoped working memory. Implementations must
// serialize appends per session and enforce the message cap by dropping
// oldest messages first.
type SessionRepo interface {
	// GetOrCreate returns the session, creating it when absent or expired.
	GetOrCreate(ctx context.Context, sessionID, userID, agentID string) (*WorkingMemory, error)
	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*WorkingMemory, error)
	// Append adds a message to the session, increments the turn count and
	// refreshes the TTL. Appending to a missing or expired session is a
	// no-op returning a nil session.
	Append(ctx context.Context, sessionID string, msg ConversationMessage) (*WorkingMemory, error)
	// Delete removes the session. Deleting a missing session is not an
	// error.
	Delete(ctx context.Context, sessionID string) error
	// UserSessions lists the live session ids of a user.
	UserSessions(ctx context.Context, userID string) ([]string, error)
}

// Vector index collection names.
const (
	CollectionEpisodic = "episodic"
	CollectionSemantic = "semantic"
)

// VectorRepo indexes embeddings for similarity search. Scores returned by
// Search are cosine similarities normalized to [0,1].
type VectorRepo interface {
	Upsert(ctx context.Context, collection, id string, embedding []float32, metadata map[string]any) error
	Search(ctx context.Context, collection string, embedding []float32, limit int, filter map[string]any) ([]VectorSearchResult, error)
	Delete(ctx context.Context, collection string, ids ...string) error
}

// DocumentRepo is the authoritative record store for memories. Search
// results come back most-relevant first so callers can score by rank.
type DocumentRepo interface {
	PutEpisodic(ctx context.Context, mem *EpisodicMemory) error
	GetEpisodic(ctx context.Context, id string) (*EpisodicMemory, error)
	UpdateEpisodic(ctx context.Context, mem *EpisodicMemory) error
	DeleteEpisodic(ctx context.Context, id string) error
	// ListEpisodic returns a user's memories, newest first. Archived
	// memories are excluded unless includeArchived is set; compressed merge
	// survivors stay listed. A positive limit bounds the result.
	ListEpisodic(ctx context.Context, userID string, includeArchived bool, limit int) ([]*EpisodicMemory, error)
	// SearchEpisodic runs full-text search over restatement, summary and
	// keywords, scoped to the user, best match first.
	SearchEpisodic(ctx context.Context, userID, query string, limit int) ([]*EpisodicMemory, error)

	PutSemantic(ctx context.Context, mem *SemanticMemory) error
	GetSemantic(ctx context.Context, id string) (*SemanticMemory, error)
	DeleteSemantic(ctx context.Context, id string) error
	ListSemantic(ctx context.Context, userID string) ([]*SemanticMemory, error)
}

// Edge directions accepted by GraphRepo.Neighbors.
const (
	DirectionOutgoing = "outgoing"
	DirectionIncoming = "incoming"
	DirectionBoth     = "both"
)

// GraphRepo maintains the derived knowledge graph. Upserts are
// last-write-wins on node properties and edge weight.
type GraphRepo interface {
	UpsertNode(ctx context.Context, node GraphNode) error
	UpsertEdge(ctx context.Context, edge GraphEdge) error
	GetNode(ctx context.Context, id string) (*GraphNode, error)
	// Neighbors walks edges from the node up to maxDepth hops and returns
	// the reached nodes. Each node appears once, at its shallowest depth.
	Neighbors(ctx context.Context, nodeID, direction string, maxDepth int) ([]Neighbor, error)
	DeleteNode(ctx context.Context, id string) error
}

// Generator produces text from a model provider.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
	GenerateWithHistory(ctx context.Context, system string, history []ConversationMessage) (string, error)
}

// Embedder produces vector embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ProfileProvider is the Controller's view of user profile management. A
// nil provider simply disables the profile context step.
type ProfileProvider interface {
	// Snapshot renders a compact profile summary for prompt assembly. An
	// empty string means no profile data exists yet.
	Snapshot(ctx context.Context, userID string) (string, error)
	// Observe lets the provider update the profile from a finished
	// conversation window. Failures are the provider's to log.
	Observe(ctx context.Context, userID string, msgs []ConversationMessage) error
}

// CosineSimilarity computes cosine similarity between two vectors,
// normalized from [-1,1] to [0,1]. Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64

	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))

	return Clamp((cos + 1) / 2)
}

// Config carries every tunable of the engines. Callers populate it from
// their configuration layer; the engines never read global state.
type Config struct {
	// Extraction.
	WindowSize          int     `json:"window_size"`
	WindowOverlap       int     `json:"window_overlap"`
	MinConfidence       float64 `json:"min_confidence"`
	DedupSimilarity     float64 `json:"dedup_similarity"`
	ExtractionWindow    int     `json:"extraction_window_size"`

	// Retrieval.
	TopK           int     `json:"top_k"`
	ScoreThreshold float64 `json:"score_threshold"`
	RRFK           int     `json:"rrf_k"`

	// Forgetting.
	ImportanceThreshold float64 `json:"importance_threshold"`
	DecayFactor         float64 `json:"decay_factor"`
	AccessBoost         float64 `json:"access_boost"`
	MergeSimilarity     float64 `json:"merge_similarity"`
	MaxMemories         int     `json:"max_memories"`
	DeleteOnForget      bool    `json:"delete_on_forget"`

	// Sessions.
	SessionTTL  time.Duration `json:"session_ttl"`
	MaxMessages int           `json:"max_messages"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		WindowSize:          8,
		WindowOverlap:       2,
		MinConfidence:       0.6,
		DedupSimilarity:     0.85,
		ExtractionWindow:    8,
		TopK:                5,
		ScoreThreshold:      0.5,
		RRFK:                60,
		ImportanceThreshold: 0.3,
		DecayFactor:         0.95,
		AccessBoost:         0.1,
		MergeSimilarity:     0.85,
		MaxMemories:         10000,
		DeleteOnForget:      false,
		SessionTTL:          30 * time.Minute,
		MaxMessages:         50,
	}
}
