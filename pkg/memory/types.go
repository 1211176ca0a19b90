// Package memory implements the core engines of the mnemo memory system:
// the Extractor, which distills conversation windows into durable episodic
// and semantic memories; the Retriever, which answers queries through hybrid
// vector, lexical and graph retrieval fused with reciprocal rank fusion; the
// Forgetter, which keeps the store bounded through decay-based compression
// and archiving; and the Controller, which sequences them into end-to-end
// conversation turns.
//
// Storage backends and model providers are consumed through the interfaces
// in interfaces.go and wired in by the caller.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// EventType categorizes an episodic memory.
type EventType string

const (
	EventNavigation          EventType = "navigation"
	EventMusicPlayback       EventType = "music_playback"
	EventClimateControl      EventType = "climate_control"
	EventPhoneCall           EventType = "phone_call"
	EventScheduleManagement  EventType = "schedule_management"
	EventVehicleControl      EventType = "vehicle_control"
	EventDining              EventType = "dining"
	EventShopping            EventType = "shopping"
	EventGeneralConversation EventType = "general_conversation"
	EventCustom              EventType = "custom"
)

// NormalizeEventType maps free-form model output onto a known event type,
// falling back to general_conversation.
func NormalizeEventType(s string) EventType {
	et := EventType(strings.ToLower(strings.TrimSpace(s)))

	switch et {
	case EventNavigation, EventMusicPlayback, EventClimateControl,
		EventPhoneCall, EventScheduleManagement, EventVehicleControl,
		EventDining, EventShopping, EventGeneralConversation, EventCustom:
		return et
	}

	return EventGeneralConversation
}

// Category classifies a semantic memory triple.
type Category string

const (
	CategoryPreference   Category = "preference"
	CategoryFact         Category = "fact"
	CategoryRelationship Category = "relationship"
	CategoryHabit        Category = "habit"
	CategoryKnowledge    Category = "knowledge"
)

// NormalizeCategory maps free-form model output onto a known category,
// falling back to fact.
func NormalizeCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))

	switch c {
	case CategoryPreference, CategoryFact, CategoryRelationship,
		CategoryHabit, CategoryKnowledge:
		return c
	}

	return CategoryFact
}

// ID prefixes keep memory identifiers recognizable across the document,
// vector and graph stores.
const (
	EpisodicIDPrefix = "mem_ep_"
	SemanticIDPrefix = "mem_sem_"
)

// NewID returns a prefixed unique identifier.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Graph node id helpers. Every memory and every entity the Extractor sees is
// mirrored into the graph under one of these namespaced ids.
func UserNodeID(userID string) string   { return "user_" + userID }
func LocationNodeID(name string) string { return "loc_" + name }
func PersonNodeID(name string) string   { return "person_" + name }
func EntityNodeID(name string) string   { return "entity_" + name }

// ConversationMessage is a single turn in a session. Immutable once appended.
type ConversationMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds a timestamped conversation message.
func NewMessage(role Role, content string) ConversationMessage {
	return ConversationMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// WorkingMemory is the bounded, TTL-scoped rolling buffer of one session.
// It is owned by the session store; the engines only read it or append to it
// through SessionRepo.
type WorkingMemory struct {
	SessionID string                `json:"session_id"`
	UserID    string                `json:"user_id"`
	AgentID   string                `json:"agent_id"`
	Messages  []ConversationMessage `json:"messages"`
	TurnCount int                   `json:"turn_count"`
	CreatedAt time.Time             `json:"created_at"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// EpisodicMemory records a specific event or exchange, including a lossless
// restatement of what was said. Created by the Extractor, touched by the
// Retriever (access counts) and the Forgetter (archive and compression
// flags).
type EpisodicMemory struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	AgentID         string     `json:"agent_id"`
	Restatement     string     `json:"lossless_restatement"`
	Summary         string     `json:"summary"`
	Keywords        []string   `json:"keywords"`
	EventType       EventType  `json:"event_type"`
	Participants    []string   `json:"participants"`
	Location        string     `json:"location,omitempty"`
	Importance      float64    `json:"importance"`
	Confidence      float64    `json:"confidence"`
	AccessCount     int        `json:"access_count"`
	LastAccessedAt  *time.Time `json:"last_accessed_at,omitempty"`
	SourceSessionID string     `json:"source_session_id,omitempty"`
	IsArchived      bool       `json:"is_archived"`
	IsCompressed    bool       `json:"is_compressed"`
	MergedFrom      []string   `json:"merged_from,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EmbeddingText is the canonical text embedded into the vector index for an
// episodic memory.
func (m *EpisodicMemory) EmbeddingText() string {
	return strings.TrimSpace(m.Restatement + " " + m.Summary)
}

// SemanticMemory is a subject-predicate-object knowledge triple. Identity
// for deduplication is the case-insensitive triple; triples are never
// mutated once stored.
type SemanticMemory struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	AgentID    string    `json:"agent_id"`
	Subject    string    `json:"subject"`
	Predicate  string    `json:"predicate"`
	Object     string    `json:"object"`
	Category   Category  `json:"category"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// TripleKey is the case-insensitive identity of a semantic memory.
func (m *SemanticMemory) TripleKey() string {
	return strings.ToLower(m.Subject) + "|" +
		strings.ToLower(m.Predicate) + "|" +
		strings.ToLower(m.Object)
}

// TripleText renders the triple as natural language, used both as the
// embedding text and as retrieval output content.
func (m *SemanticMemory) TripleText() string {
	return fmt.Sprintf("%s %s %s", m.Subject, m.Predicate, m.Object)
}

// MemoryType tags a ScoredMemory with its origin store.
type MemoryType string

const (
	TypeEpisodic MemoryType = "episodic"
	TypeSemantic MemoryType = "semantic"
)

// ScoredMemory is one entry of a retrieval result. Ephemeral, never
// persisted. Source names the strategies that surfaced it, joined with "+"
// when more than one did.
type ScoredMemory struct {
	MemoryID   string         `json:"memory_id"`
	MemoryType MemoryType     `json:"memory_type"`
	Content    string         `json:"content"`
	Score      float64        `json:"score"`
	Source     string         `json:"source"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// VectorSearchResult is one hit from the vector index. Score is a cosine
// similarity already normalized to [0,1], not a raw distance.
type VectorSearchResult struct {
	MemoryID string         `json:"memory_id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GraphNode is a node in the derived knowledge graph, keyed by a namespaced
// id (user_<id>, a memory id, loc_<name>, person_<name>, entity_<name>).
type GraphNode struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties,omitempty"`
}

// GraphEdge connects two graph nodes with a typed, weighted relation.
type GraphEdge struct {
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Relation   string         `json:"relation"`
	Weight     float64        `json:"weight"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Neighbor is one entry returned by a graph neighborhood walk.
type Neighbor struct {
	Node     GraphNode `json:"node"`
	Relation string    `json:"relation"`
	Weight   float64   `json:"weight"`
	Depth    int       `json:"depth"`
}

// Relations produced by the Extractor when mirroring memories into the
// graph.
const (
	RelationExperienced = "EXPERIENCED"
	RelationAtLocation  = "AT_LOCATION"
	RelationInvolves    = "INVOLVES"
)

// PredicateRelation converts a semantic predicate into a graph relation
// name: upper-cased with spaces collapsed to underscores.
func PredicateRelation(predicate string) string {
	return strings.ToUpper(strings.Join(strings.Fields(predicate), "_"))
}

// Clamp bounds a score to [0,1]. All importance, confidence and fused
// relevance values pass through here before being stored or returned.
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}

	if v > 1 {
		return 1
	}

	return v
}
