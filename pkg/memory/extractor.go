package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

/*
Extractor distills finished conversation windows into durable episodic and
semantic memories. It slides overlapping windows over the message buffer,
asks the generator for structured candidates per window, filters and
deduplicates them, then fans each survivor out to the document, vector and
graph stores. Storage steps fail independently: a missing capability or a
failed write is logged and skipped, never raised.
*/
type Extractor struct {
	cfg       Config
	generator Generator
	embedder  Embedder
	documents DocumentRepo
	vectors   VectorRepo
	graph     GraphRepo
	sessions  SessionRepo
}

// NewExtractor wires an Extractor from its collaborators. Any of embedder,
// vectors or graph may be nil; the corresponding persistence step is then
// skipped with a warning.
func NewExtractor(
	cfg Config,
	generator Generator,
	embedder Embedder,
	documents DocumentRepo,
	vectors VectorRepo,
	graph GraphRepo,
	sessions SessionRepo,
) *Extractor {
	return &Extractor{
		cfg:       cfg,
		generator: generator,
		embedder:  embedder,
		documents: documents,
		vectors:   vectors,
		graph:     graph,
		sessions:  sessions,
	}
}

// ExtractionResult summarizes one extraction run.
type ExtractionResult struct {
	Windows  int               `json:"windows"`
	Episodic []*EpisodicMemory `json:"episodic"`
	Semantic []*SemanticMemory `json:"semantic"`
}

// ExtractFromSession runs extraction over the full message buffer of a
// session.
func (e *Extractor) ExtractFromSession(ctx context.Context, sessionID string) (*ExtractionResult, error) {
	session, err := e.sessions.Get(ctx, sessionID)

	if err != nil {
		return nil, fmt.Errorf("extractor: load session %s: %w", sessionID, err)
	}

	return e.ExtractFromMessages(ctx, session.UserID, session.AgentID, sessionID, session.Messages)
}

// ExtractFromMessages runs extraction over an explicit message slice.
// Fewer than two messages yields an empty result.
func (e *Extractor) ExtractFromMessages(
	ctx context.Context,
	userID, agentID, sessionID string,
	msgs []ConversationMessage,
) (*ExtractionResult, error) {
	result := &ExtractionResult{}

	if len(msgs) < 2 {
		return result, nil
	}

	var (
		epCandidates  []*EpisodicMemory
		semCandidates []*SemanticMemory
	)

	for _, window := range Windows(msgs, e.cfg.WindowSize, e.cfg.WindowOverlap) {
		result.Windows++

		ep, sem, err := e.extractWindow(ctx, userID, agentID, sessionID, window)

		if err != nil {
			log.Warn("window extraction failed", "session", sessionID, "error", err)
			continue
		}

		epCandidates = append(epCandidates, ep...)
		semCandidates = append(semCandidates, sem...)
	}

	epCandidates = e.dedupEpisodic(ctx, epCandidates)
	semCandidates = e.dedupSemantic(ctx, userID, semCandidates)

	for _, mem := range epCandidates {
		if err := e.persistEpisodic(ctx, mem); err != nil {
			log.Warn("episodic persist failed", "memory", mem.ID, "error", err)
			continue
		}

		result.Episodic = append(result.Episodic, mem)
	}

	for _, mem := range semCandidates {
		if err := e.persistSemantic(ctx, mem); err != nil {
			log.Warn("semantic persist failed", "memory", mem.ID, "error", err)
			continue
		}

		result.Semantic = append(result.Semantic, mem)
	}

	log.Info(
		"extraction complete",
		"user", userID,
		"windows", result.Windows,
		"episodic", len(result.Episodic),
		"semantic", len(result.Semantic),
	)

	return result, nil
}

// Windows slices msgs into overlapping windows of size with the given
// overlap. The step is max(1, size-overlap); windows shorter than two
// messages are skipped.
func Windows(msgs []ConversationMessage, size, overlap int) [][]ConversationMessage {
	if size < 2 {
		size = 2
	}

	step := size - overlap

	if step < 1 {
		step = 1
	}

	var out [][]ConversationMessage

	for start := 0; start < len(msgs); start += step {
		end := start + size

		if end > len(msgs) {
			end = len(msgs)
		}

		if end-start < 2 {
			continue
		}

		out = append(out, msgs[start:end])
	}

	return out
}

const extractionSystemPrompt = `You analyze conversation transcripts and extract memories.
Return ONLY a JSON object with this exact shape:
{
  "episodic": [{
    "lossless_restatement": "complete factual restatement of the event",
    "summary": "one-line summary",
    "keywords": ["k1", "k2"],
    "event_type": "navigation|music_playback|climate_control|phone_call|schedule_management|vehicle_control|dining|shopping|general_conversation|custom",
    "participants": ["name"],
    "location": "place or empty",
    "importance": 0.0,
    "confidence": 0.0
  }],
  "semantic": [{
    "subject": "who or what",
    "predicate": "relation",
    "object": "value",
    "category": "preference|fact|relationship|habit|knowledge",
    "confidence": 0.0
  }]
}
Extract only information explicitly present in the transcript. Importance and
confidence are in [0,1]. Return empty arrays when nothing qualifies.`

type episodicCandidate struct {
	Restatement  string   `json:"lossless_restatement"`
	Summary      string   `json:"summary"`
	Keywords     []string `json:"keywords"`
	EventType    string   `json:"event_type"`
	Participants []string `json:"participants"`
	Location     string   `json:"location"`
	Importance   float64  `json:"importance"`
	Confidence   float64  `json:"confidence"`
}

type semanticCandidate struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

type extractionPayload struct {
	Episodic []episodicCandidate `json:"episodic"`
	Semantic []semanticCandidate `json:"semantic"`
}

func (e *Extractor) extractWindow(
	ctx context.Context,
	userID, agentID, sessionID string,
	window []ConversationMessage,
) ([]*EpisodicMemory, []*SemanticMemory, error) {
	var transcript strings.Builder

	for _, msg := range window {
		transcript.WriteString(string(msg.Role))
		transcript.WriteString(": ")
		transcript.WriteString(msg.Content)
		transcript.WriteString("\n")
	}

	var payload extractionPayload

	if err := GenerateJSON(ctx, e.generator, extractionSystemPrompt, transcript.String(), &payload); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()

	var episodic []*EpisodicMemory

	for _, c := range payload.Episodic {
		if strings.TrimSpace(c.Restatement) == "" {
			log.Debug("discarding episodic candidate without restatement", "user", userID)
			continue
		}

		if c.Confidence < e.cfg.MinConfidence {
			log.Debug("discarding low-confidence episodic candidate", "confidence", c.Confidence)
			continue
		}

		episodic = append(episodic, &EpisodicMemory{
			ID:              NewID(EpisodicIDPrefix),
			UserID:          userID,
			AgentID:         agentID,
			Restatement:     c.Restatement,
			Summary:         c.Summary,
			Keywords:        c.Keywords,
			EventType:       NormalizeEventType(c.EventType),
			Participants:    c.Participants,
			Location:        strings.TrimSpace(c.Location),
			Importance:      Clamp(c.Importance),
			Confidence:      Clamp(c.Confidence),
			SourceSessionID: sessionID,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	var semantic []*SemanticMemory

	for _, c := range payload.Semantic {
		if strings.TrimSpace(c.Subject) == "" ||
			strings.TrimSpace(c.Predicate) == "" ||
			strings.TrimSpace(c.Object) == "" {
			continue
		}

		if c.Confidence < e.cfg.MinConfidence {
			continue
		}

		semantic = append(semantic, &SemanticMemory{
			ID:         NewID(SemanticIDPrefix),
			UserID:     userID,
			AgentID:    agentID,
			Subject:    c.Subject,
			Predicate:  c.Predicate,
			Object:     c.Object,
			Category:   NormalizeCategory(c.Category),
			Confidence: Clamp(c.Confidence),
			CreatedAt:  now,
		})
	}

	return episodic, semantic, nil
}

// dedupEpisodic greedily merges near-duplicate candidates by embedding
// similarity, keeping the higher-importance member of each pair. Without an
// embedder all candidates pass through.
func (e *Extractor) dedupEpisodic(ctx context.Context, candidates []*EpisodicMemory) []*EpisodicMemory {
	if len(candidates) < 2 || e.embedder == nil {
		return candidates
	}

	texts := make([]string, len(candidates))

	for i, c := range candidates {
		texts[i] = c.EmbeddingText()
	}

	embeddings, err := e.embedder.EmbedBatch(ctx, texts)

	if err != nil || len(embeddings) != len(candidates) {
		log.Warn("dedup embedding failed, keeping all candidates", "error", err)
		return candidates
	}

	var (
		kept     []*EpisodicMemory
		keptEmbs [][]float32
	)

	for i, c := range candidates {
		duplicate := false

		for j, k := range kept {
			if CosineSimilarity(embeddings[i], keptEmbs[j]) < e.cfg.DedupSimilarity {
				continue
			}

			duplicate = true

			if c.Importance > k.Importance {
				kept[j] = c
				keptEmbs[j] = embeddings[i]
			}

			break
		}

		if !duplicate {
			kept = append(kept, c)
			keptEmbs = append(keptEmbs, embeddings[i])
		}
	}

	return kept
}

// dedupSemantic drops candidates whose case-insensitive triple already
// exists, either in the batch (first wins) or in the user's stored triples.
func (e *Extractor) dedupSemantic(ctx context.Context, userID string, candidates []*SemanticMemory) []*SemanticMemory {
	if len(candidates) == 0 {
		return candidates
	}

	seen := map[string]bool{}

	if existing, err := e.documents.ListSemantic(ctx, userID); err == nil {
		for _, m := range existing {
			seen[m.TripleKey()] = true
		}
	} else {
		log.Warn("semantic dedup lookup failed", "user", userID, "error", err)
	}

	var kept []*SemanticMemory

	for _, c := range candidates {
		key := c.TripleKey()

		if seen[key] {
			continue
		}

		seen[key] = true
		kept = append(kept, c)
	}

	return kept
}

// persistEpisodic fans one memory out to the three stores. The document
// write is authoritative; vector and graph writes are best effort.
func (e *Extractor) persistEpisodic(ctx context.Context, mem *EpisodicMemory) error {
	if err := e.documents.PutEpisodic(ctx, mem); err != nil {
		return fmt.Errorf("document write: %w", err)
	}

	e.indexEpisodic(ctx, mem)
	e.graphEpisodic(ctx, mem)

	return nil
}

func (e *Extractor) indexEpisodic(ctx context.Context, mem *EpisodicMemory) {
	if e.embedder == nil || e.vectors == nil {
		return
	}

	embedding, err := e.embedder.Embed(ctx, mem.EmbeddingText())

	if err != nil {
		log.Warn("episodic embedding failed", "memory", mem.ID, "error", err)
		return
	}

	meta := map[string]any{
		"user_id":    mem.UserID,
		"agent_id":   mem.AgentID,
		"event_type": string(mem.EventType),
		"importance": mem.Importance,
	}

	if err := e.vectors.Upsert(ctx, CollectionEpisodic, mem.ID, embedding, meta); err != nil {
		log.Warn("episodic vector upsert failed", "memory", mem.ID, "error", err)
	}
}

func (e *Extractor) graphEpisodic(ctx context.Context, mem *EpisodicMemory) {
	if e.graph == nil {
		return
	}

	userNode := UserNodeID(mem.UserID)

	steps := []func() error{
		func() error {
			return e.graph.UpsertNode(ctx, GraphNode{ID: userNode, Label: "User"})
		},
		func() error {
			return e.graph.UpsertNode(ctx, GraphNode{
				ID:    mem.ID,
				Label: "EpisodicMemory",
				Properties: map[string]any{
					"summary":    mem.Summary,
					"event_type": string(mem.EventType),
				},
			})
		},
		func() error {
			return e.graph.UpsertEdge(ctx, GraphEdge{
				SourceID: userNode,
				TargetID: mem.ID,
				Relation: RelationExperienced,
				Weight:   mem.Importance,
			})
		},
	}

	if mem.Location != "" {
		loc := LocationNodeID(mem.Location)

		steps = append(steps,
			func() error {
				return e.graph.UpsertNode(ctx, GraphNode{
					ID:         loc,
					Label:      "Location",
					Properties: map[string]any{"name": mem.Location},
				})
			},
			func() error {
				return e.graph.UpsertEdge(ctx, GraphEdge{
					SourceID: mem.ID,
					TargetID: loc,
					Relation: RelationAtLocation,
					Weight:   1.0,
				})
			},
		)
	}

	for _, p := range mem.Participants {
		person := PersonNodeID(p)
		name := p

		steps = append(steps,
			func() error {
				return e.graph.UpsertNode(ctx, GraphNode{
					ID:         person,
					Label:      "Person",
					Properties: map[string]any{"name": name},
				})
			},
			func() error {
				return e.graph.UpsertEdge(ctx, GraphEdge{
					SourceID: mem.ID,
					TargetID: person,
					Relation: RelationInvolves,
					Weight:   1.0,
				})
			},
		)
	}

	for _, step := range steps {
		if err := step(); err != nil {
			log.Warn("episodic graph write failed", "memory", mem.ID, "error", err)
		}
	}
}

// persistSemantic stores the triple and mirrors it into the vector index
// and the graph.
func (e *Extractor) persistSemantic(ctx context.Context, mem *SemanticMemory) error {
	if err := e.documents.PutSemantic(ctx, mem); err != nil {
		return fmt.Errorf("document write: %w", err)
	}

	if e.embedder != nil && e.vectors != nil {
		if embedding, err := e.embedder.Embed(ctx, mem.TripleText()); err != nil {
			log.Warn("semantic embedding failed", "memory", mem.ID, "error", err)
		} else {
			meta := map[string]any{
				"user_id":  mem.UserID,
				"agent_id": mem.AgentID,
				"category": string(mem.Category),
			}

			if err := e.vectors.Upsert(ctx, CollectionSemantic, mem.ID, embedding, meta); err != nil {
				log.Warn("semantic vector upsert failed", "memory", mem.ID, "error", err)
			}
		}
	}

	e.graphSemantic(ctx, mem)

	return nil
}

func (e *Extractor) graphSemantic(ctx context.Context, mem *SemanticMemory) {
	if e.graph == nil {
		return
	}

	subject := EntityNodeID(mem.Subject)
	object := EntityNodeID(mem.Object)

	steps := []func() error{
		func() error {
			return e.graph.UpsertNode(ctx, GraphNode{
				ID:         subject,
				Label:      "Entity",
				Properties: map[string]any{"name": mem.Subject},
			})
		},
		func() error {
			return e.graph.UpsertNode(ctx, GraphNode{
				ID:         object,
				Label:      "Entity",
				Properties: map[string]any{"name": mem.Object},
			})
		},
		func() error {
			return e.graph.UpsertEdge(ctx, GraphEdge{
				SourceID: subject,
				TargetID: object,
				Relation: PredicateRelation(mem.Predicate),
				Weight:   mem.Confidence,
				Properties: map[string]any{
					"category":  string(mem.Category),
					"memory_id": mem.ID,
				},
			})
		},
	}

	for _, step := range steps {
		if err := step(); err != nil {
			log.Warn("semantic graph write failed", "memory", mem.ID, "error", err)
		}
	}
}

// GenerateJSON asks the generator for a JSON object and decodes it into
// out. Providers routinely wrap JSON in prose or code fences, so the
// decoder works on the outermost brace-delimited slice of the reply.
func GenerateJSON(ctx context.Context, gen Generator, system, prompt string, out any) error {
	reply, err := gen.Generate(ctx, system, prompt)

	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")

	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in reply: %.80q", reply)
	}

	if err := json.Unmarshal([]byte(reply[start:end+1]), out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}

	return nil
}
