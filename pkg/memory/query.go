package memory

import "time"

// RetrievalQuery is the input to a Retriever call.
type RetrievalQuery struct {
	UserID         string    `json:"user_id"`
	AgentID        string    `json:"agent_id"`
	Query          string    `json:"query"`
	TopK           int       `json:"top_k"`
	ScoreThreshold float64   `json:"score_threshold"`
	IncludeGraph   bool      `json:"include_graph"`
	EventType      EventType `json:"event_type,omitempty"`
}

// QueryIntent is the Retriever's analysis of what a query is after. The
// zero value plus "unknown" intent is the safe fallback when analysis
// fails.
type QueryIntent struct {
	Intent    string   `json:"intent"`
	Keywords  []string `json:"keywords"`
	Entities  []string `json:"entities"`
	TimeHint  string   `json:"time_hint,omitempty"`
	EventType string   `json:"event_type,omitempty"`
}

// RetrievalResult is the output of a Retriever call.
type RetrievalResult struct {
	Episodic  []ScoredMemory `json:"episodic"`
	Semantic  []ScoredMemory `json:"semantic"`
	Intent    QueryIntent    `json:"intent"`
	ElapsedMS int64          `json:"elapsed_ms"`
}

// Total counts all returned memories across both stores.
func (r *RetrievalResult) Total() int {
	return len(r.Episodic) + len(r.Semantic)
}

// ForgettingResult reports one maintenance cycle of the Forgetter.
type ForgettingResult struct {
	UserID     string          `json:"user_id"`
	Scanned    int             `json:"scanned"`
	Archived   int             `json:"archived"`
	Deleted    int             `json:"deleted"`
	Compressed int             `json:"compressed"`
	Details    []ForgetDetail  `json:"details"`
	StartedAt  time.Time       `json:"started_at"`
	ElapsedMS  int64           `json:"elapsed_ms"`
}

// ForgetDetail records a single action taken during a forgetting cycle.
type ForgetDetail struct {
	MemoryID   string  `json:"memory_id"`
	Action     string  `json:"action"`
	Effective  float64 `json:"effective_importance"`
	MergedInto string  `json:"merged_into,omitempty"`
}

// Forgetting actions recorded in ForgetDetail.
const (
	ActionArchived   = "archived"
	ActionDeleted    = "deleted"
	ActionCompressed = "compressed"
)

// ChatOptions tweaks a single conversation turn.
type ChatOptions struct {
	RetrieveMemories bool   `json:"retrieve_memories"`
	IncludeProfile   bool   `json:"include_profile"`
	Persona          string `json:"persona,omitempty"`
}

// DefaultChatOptions enables every context source.
func DefaultChatOptions() ChatOptions {
	return ChatOptions{RetrieveMemories: true, IncludeProfile: true}
}

// ChatRequest is one user turn handed to the Controller.
type ChatRequest struct {
	UserID    string      `json:"user_id"`
	AgentID   string      `json:"agent_id"`
	SessionID string      `json:"session_id,omitempty"`
	Message   string      `json:"message"`
	Options   ChatOptions `json:"options"`
}

// ChatResponse is the Controller's answer to one turn.
type ChatResponse struct {
	SessionID     string         `json:"session_id"`
	Reply         string         `json:"reply"`
	MemoriesUsed  []ScoredMemory `json:"memories_used,omitempty"`
	ProfileUsed   bool           `json:"profile_used"`
	TurnCount     int            `json:"turn_count"`
	ExtractionRan bool           `json:"extraction_ran"`
}

// MemoryFilter narrows Manager listings. Zero fields mean no constraint.
type MemoryFilter struct {
	EventType     EventType `json:"event_type,omitempty"`
	Category      Category  `json:"category,omitempty"`
	Keyword       string    `json:"keyword,omitempty"`
	MinImportance float64   `json:"min_importance,omitempty"`
	// IncludeHidden also lists archived memories.
	IncludeHidden bool `json:"include_hidden,omitempty"`
}

// Page is a pagination request. Page numbers start at 1.
type Page struct {
	Number int `json:"number"`
	Size   int `json:"size"`
}

// Normalize clamps a page to sane bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}

	if p.Size < 1 {
		p.Size = 20
	}

	if p.Size > 200 {
		p.Size = 200
	}

	return p
}

// PaginatedEpisodic is one page of episodic memories.
type PaginatedEpisodic struct {
	Items      []*EpisodicMemory `json:"items"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	TotalPages int               `json:"total_pages"`
}

// PaginatedSemantic is one page of semantic memories.
type PaginatedSemantic struct {
	Items      []*SemanticMemory `json:"items"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	TotalPages int               `json:"total_pages"`
}

// MemoryStats aggregates one user's memory footprint.
type MemoryStats struct {
	UserID            string            `json:"user_id"`
	TotalEpisodic     int               `json:"total_episodic"`
	TotalSemantic     int               `json:"total_semantic"`
	Active            int               `json:"active"`
	Archived          int               `json:"archived"`
	Compressed        int               `json:"compressed"`
	TopKeywords       []KeywordCount    `json:"top_keywords"`
	EventDistribution map[EventType]int `json:"event_distribution"`
	OldestMemory      *time.Time        `json:"oldest_memory,omitempty"`
	NewestMemory      *time.Time        `json:"newest_memory,omitempty"`
}

// KeywordCount pairs a keyword with its frequency.
type KeywordCount struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
}

// Export bundles a user's full memory state for offload.
type Export struct {
	UserID     string            `json:"user_id"`
	ExportedAt time.Time         `json:"exported_at"`
	Episodic   []*EpisodicMemory `json:"episodic"`
	Semantic   []*SemanticMemory `json:"semantic"`
}
