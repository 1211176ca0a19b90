package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

/*
Retriever answers queries over a user's long-term memory. Episodic recall
runs three strategies in parallel conceptually: semantic similarity over the
vector index, full-text search over the document store, and a walk of the
user's knowledge-graph neighborhood. The per-strategy rankings are fused
with reciprocal rank fusion, cut to the requested size, and hydrated from
the document store. Semantic triples are recalled by vector similarity,
with graph supplements appended after the vector hits for short keyword
sets.

Every strategy is best effort: a failing capability contributes an empty
ranking instead of failing the query.
*/
type Retriever struct {
	cfg       Config
	generator Generator
	embedder  Embedder
	documents DocumentRepo
	vectors   VectorRepo
	graph     GraphRepo
}

// NewRetriever wires a Retriever from its collaborators.
func NewRetriever(
	cfg Config,
	generator Generator,
	embedder Embedder,
	documents DocumentRepo,
	vectors VectorRepo,
	graph GraphRepo,
) *Retriever {
	return &Retriever{
		cfg:       cfg,
		generator: generator,
		embedder:  embedder,
		documents: documents,
		vectors:   vectors,
		graph:     graph,
	}
}

// Strategy tags carried in ScoredMemory.Source.
const (
	SourceVector  = "vector"
	SourceLexical = "lexical"
	SourceGraph   = "graph"
)

// Retrieve runs the full hybrid retrieval pipeline for one query.
func (r *Retriever) Retrieve(ctx context.Context, query RetrievalQuery) (*RetrievalResult, error) {
	started := time.Now()

	if query.TopK <= 0 {
		query.TopK = r.cfg.TopK
	}

	if query.ScoreThreshold <= 0 {
		query.ScoreThreshold = r.cfg.ScoreThreshold
	}

	intent := r.analyzeIntent(ctx, query.Query)

	episodic := r.retrieveEpisodic(ctx, query, intent)
	semantic := r.retrieveSemantic(ctx, query, intent)

	return &RetrievalResult{
		Episodic:  episodic,
		Semantic:  semantic,
		Intent:    intent,
		ElapsedMS: time.Since(started).Milliseconds(),
	}, nil
}

const intentSystemPrompt = `You classify memory retrieval queries.
Return ONLY a JSON object:
{
  "intent": "short label for what the user wants to recall",
  "keywords": ["search", "terms"],
  "entities": ["named people or things"],
  "time_hint": "temporal reference or empty",
  "event_type": "matching event type or empty"
}`

// analyzeIntent asks the generator to classify the query. Any failure
// degrades to an unknown intent with whitespace-tokenized keywords.
func (r *Retriever) analyzeIntent(ctx context.Context, query string) QueryIntent {
	var intent QueryIntent

	if err := GenerateJSON(ctx, r.generator, intentSystemPrompt, query, &intent); err != nil {
		log.Warn("intent analysis failed", "error", err)
		return QueryIntent{Intent: "unknown", Keywords: strings.Fields(strings.ToLower(query))}
	}

	if intent.Intent == "" {
		intent.Intent = "unknown"
	}

	if len(intent.Keywords) == 0 {
		intent.Keywords = strings.Fields(strings.ToLower(query))
	}

	return intent
}

// ranked is one strategy's ordered result list, best first.
type ranked struct {
	source string
	ids    []string
}

func (r *Retriever) retrieveEpisodic(ctx context.Context, query RetrievalQuery, intent QueryIntent) []ScoredMemory {
	rankings := []ranked{
		{SourceVector, r.vectorEpisodic(ctx, query)},
		{SourceLexical, r.lexicalEpisodic(ctx, query, intent)},
	}

	if query.IncludeGraph {
		rankings = append(rankings, ranked{SourceGraph, r.graphEpisodic(ctx, query, intent)})
	}

	fused, sources := fuseRRF(rankings, r.cfg.RRFK)

	ids := make([]string, 0, len(fused))

	for id := range fused {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		if fused[ids[i]] != fused[ids[j]] {
			return fused[ids[i]] > fused[ids[j]]
		}

		return ids[i] < ids[j]
	})

	// The fused top-k is final: archived entries consume their slot instead
	// of letting lower-ranked ids backfill.
	if len(ids) > query.TopK {
		ids = ids[:query.TopK]
	}

	var out []ScoredMemory

	for _, id := range ids {
		mem, err := r.documents.GetEpisodic(ctx, id)

		if err != nil {
			log.Warn("episodic hydrate failed", "memory", id, "error", err)
			continue
		}

		if mem.IsArchived {
			continue
		}

		out = append(out, ScoredMemory{
			MemoryID:   mem.ID,
			MemoryType: TypeEpisodic,
			Content:    mem.Restatement,
			Score:      Clamp(fused[id]),
			Source:     sources[id],
			Raw: map[string]any{
				"summary":    mem.Summary,
				"event_type": string(mem.EventType),
				"importance": mem.Importance,
				"created_at": mem.CreatedAt,
			},
		})

		r.touch(ctx, mem)
	}

	return out
}

// fuseRRF folds per-strategy rankings into reciprocal-rank-fusion scores
// (sum of 1/(k+rank), rank starting at 1) and records, per id, the sorted
// "+"-joined set of strategies that surfaced it.
func fuseRRF(rankings []ranked, k int) (map[string]float64, map[string]string) {
	if k <= 0 {
		k = 60
	}

	scores := map[string]float64{}
	tags := map[string][]string{}

	for _, ranking := range rankings {
		for i, id := range ranking.ids {
			scores[id] += 1.0 / float64(k+i+1)
			tags[id] = append(tags[id], ranking.source)
		}
	}

	sources := make(map[string]string, len(tags))

	for id, t := range tags {
		sort.Strings(t)
		sources[id] = strings.Join(t, "+")
	}

	return scores, sources
}

// vectorEpisodic searches the episodic vector collection with triple
// breadth and a halved score floor, leaving the final cut to fusion.
func (r *Retriever) vectorEpisodic(ctx context.Context, query RetrievalQuery) []string {
	if r.embedder == nil || r.vectors == nil {
		return nil
	}

	embedding, err := r.embedder.Embed(ctx, query.Query)

	if err != nil {
		log.Warn("query embedding failed", "error", err)
		return nil
	}

	filter := map[string]any{"user_id": query.UserID}

	if query.EventType != "" {
		filter["event_type"] = string(query.EventType)
	}

	hits, err := r.vectors.Search(ctx, CollectionEpisodic, embedding, query.TopK*3, filter)

	if err != nil {
		log.Warn("episodic vector search failed", "error", err)
		return nil
	}

	var ids []string

	for _, hit := range hits {
		if hit.Score < query.ScoreThreshold*0.5 {
			continue
		}

		ids = append(ids, hit.MemoryID)
	}

	return ids
}

// lexicalEpisodic ranks full-text matches from the document store. The
// search text comes from the intent's keywords; the raw query is the
// fallback when analysis produced none.
func (r *Retriever) lexicalEpisodic(ctx context.Context, query RetrievalQuery, intent QueryIntent) []string {
	searchText := strings.TrimSpace(strings.Join(intent.Keywords, " "))

	if searchText == "" {
		searchText = query.Query
	}

	matches, err := r.documents.SearchEpisodic(ctx, query.UserID, searchText, query.TopK*2)

	if err != nil {
		log.Warn("episodic text search failed", "error", err)
		return nil
	}

	ids := make([]string, 0, len(matches))

	for _, m := range matches {
		ids = append(ids, m.ID)
	}

	return ids
}

// graphEpisodic walks the user's outgoing neighborhood two hops deep and
// keeps episodic memory nodes whose summary mentions a query keyword,
// ordered by edge weight.
func (r *Retriever) graphEpisodic(ctx context.Context, query RetrievalQuery, intent QueryIntent) []string {
	if r.graph == nil {
		return nil
	}

	neighbors, err := r.graph.Neighbors(ctx, UserNodeID(query.UserID), DirectionOutgoing, 2)

	if err != nil {
		log.Warn("graph walk failed", "user", query.UserID, "error", err)
		return nil
	}

	type hit struct {
		id     string
		weight float64
	}

	var hits []hit

	for _, n := range neighbors {
		if !strings.HasPrefix(n.Node.ID, EpisodicIDPrefix) {
			continue
		}

		summary, _ := n.Node.Properties["summary"].(string)
		lower := strings.ToLower(summary)

		for _, kw := range intent.Keywords {
			if kw == "" || !strings.Contains(lower, strings.ToLower(kw)) {
				continue
			}

			hits = append(hits, hit{id: n.Node.ID, weight: 0.6 * n.Weight})

			break
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].weight != hits[j].weight {
			return hits[i].weight > hits[j].weight
		}

		return hits[i].id < hits[j].id
	})

	ids := make([]string, 0, len(hits))
	seen := map[string]bool{}

	for _, h := range hits {
		if seen[h.id] {
			continue
		}

		seen[h.id] = true
		ids = append(ids, h.id)
	}

	return ids
}

// retrieveSemantic recalls knowledge triples. Vector hits come first in
// similarity order with doubled breadth and no score gate; entity-node
// graph lookups then append triples not already present when the keyword
// set is small. No fusion is applied across the two sources.
func (r *Retriever) retrieveSemantic(ctx context.Context, query RetrievalQuery, intent QueryIntent) []ScoredMemory {
	var out []ScoredMemory

	seen := map[string]bool{}

	if r.embedder != nil && r.vectors != nil {
		if embedding, err := r.embedder.Embed(ctx, query.Query); err != nil {
			log.Warn("semantic query embedding failed", "error", err)
		} else if hits, err := r.vectors.Search(
			ctx,
			CollectionSemantic,
			embedding,
			query.TopK*2,
			map[string]any{"user_id": query.UserID},
		); err != nil {
			log.Warn("semantic vector search failed", "error", err)
		} else {
			for _, hit := range hits {
				if seen[hit.MemoryID] {
					continue
				}

				if m, ok := r.scoredSemantic(ctx, hit.MemoryID, hit.Score, SourceVector); ok {
					seen[hit.MemoryID] = true
					out = append(out, m)
				}
			}
		}
	}

	if query.IncludeGraph && r.graph != nil && len(intent.Keywords) > 0 && len(intent.Keywords) <= 3 {
		for _, kw := range intent.Keywords {
			neighbors, err := r.graph.Neighbors(ctx, EntityNodeID(kw), DirectionBoth, 1)

			if err != nil {
				continue
			}

			for _, n := range neighbors {
				memID, _ := n.Node.Properties["memory_id"].(string)

				if memID == "" || seen[memID] {
					continue
				}

				if m, ok := r.scoredSemantic(ctx, memID, 0.6*n.Weight, SourceGraph); ok {
					seen[memID] = true
					out = append(out, m)
				}
			}
		}
	}

	if len(out) > query.TopK {
		out = out[:query.TopK]
	}

	return out
}

func (r *Retriever) scoredSemantic(ctx context.Context, id string, score float64, source string) (ScoredMemory, bool) {
	mem, err := r.documents.GetSemantic(ctx, id)

	if err != nil {
		log.Warn("semantic hydrate failed", "memory", id, "error", err)
		return ScoredMemory{}, false
	}

	return ScoredMemory{
		MemoryID:   mem.ID,
		MemoryType: TypeSemantic,
		Content:    mem.TripleText(),
		Score:      Clamp(score),
		Source:     source,
		Raw: map[string]any{
			"category":   string(mem.Category),
			"confidence": mem.Confidence,
		},
	}, true
}

// touch bumps access bookkeeping on a retrieved memory. Failures only log.
func (r *Retriever) touch(ctx context.Context, mem *EpisodicMemory) {
	now := time.Now().UTC()
	mem.AccessCount++
	mem.LastAccessedAt = &now
	mem.UpdatedAt = now

	if err := r.documents.UpdateEpisodic(ctx, mem); err != nil {
		log.Warn("access count update failed", "memory", mem.ID, "error", err)
	}
}

// BuildContext renders a retrieval result as a prompt block.
func BuildContext(result *RetrievalResult) string {
	if result == nil || result.Total() == 0 {
		return ""
	}

	var b strings.Builder

	if len(result.Episodic) > 0 {
		b.WriteString("Relevant past events:\n")

		for _, m := range result.Episodic {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}

	if len(result.Semantic) > 0 {
		b.WriteString("Known facts:\n")

		for _, m := range result.Semantic {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}

	return b.String()
}
