package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

/*
In-memory mock implementations of every capability and repository contract.
They back the engine test suites and double as a zero-dependency harness
for callers that want to exercise the engines without real stores or model
providers. All mocks are safe for concurrent use.
*/

// MockGenerator replays scripted replies. Replies are consumed in order;
// when the queue is empty Reply is returned. A non-nil Err fails every
// call.
type MockGenerator struct {
	mu      sync.Mutex
	Replies []string
	Reply   string
	Err     error
	Calls   int
}

func (g *MockGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.Calls++

	if g.Err != nil {
		return "", g.Err
	}

	if len(g.Replies) > 0 {
		reply := g.Replies[0]
		g.Replies = g.Replies[1:]

		return reply, nil
	}

	return g.Reply, nil
}

func (g *MockGenerator) GenerateWithHistory(ctx context.Context, system string, history []ConversationMessage) (string, error) {
	return g.Generate(ctx, system, "")
}

// MockEmbedder returns deterministic embeddings. Fixed entries override the
// hash-derived default per exact text, letting tests script similarity.
type MockEmbedder struct {
	mu    sync.Mutex
	Fixed map[string][]float32
	Err   error
	Calls int
}

func (e *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Calls++

	if e.Err != nil {
		return nil, e.Err
	}

	if v, ok := e.Fixed[text]; ok {
		return v, nil
	}

	return hashEmbedding(text), nil
}

func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	for i, text := range texts {
		v, err := e.Embed(ctx, text)

		if err != nil {
			return nil, err
		}

		out[i] = v
	}

	return out, nil
}

// hashEmbedding folds text into a small stable vector. Distinct texts get
// near-orthogonal vectors often enough for dedup tests.
func hashEmbedding(text string) []float32 {
	v := make([]float32, 8)

	for i, r := range text {
		v[i%8] += float32(r%97) / 97.0
	}

	return v
}

// MockSessionRepo is an in-memory SessionRepo with TTL and message-cap
// semantics.
type MockSessionRepo struct {
	mu       sync.RWMutex
	TTL      time.Duration
	MaxMsgs  int
	sessions map[string]*WorkingMemory
	Err      error
}

func NewMockSessionRepo(ttl time.Duration, maxMsgs int) *MockSessionRepo {
	return &MockSessionRepo{
		TTL:      ttl,
		MaxMsgs:  maxMsgs,
		sessions: map[string]*WorkingMemory{},
	}
}

func (s *MockSessionRepo) GetOrCreate(ctx context.Context, sessionID, userID, agentID string) (*WorkingMemory, error) {
	if s.Err != nil {
		return nil, s.Err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if wm, ok := s.sessions[sessionID]; ok && time.Now().Before(wm.ExpiresAt) {
		return copySession(wm), nil
	}

	now := time.Now().UTC()

	wm := &WorkingMemory{
		SessionID: sessionID,
		UserID:    userID,
		AgentID:   agentID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.TTL),
	}

	s.sessions[sessionID] = wm

	return copySession(wm), nil
}

func (s *MockSessionRepo) Get(ctx context.Context, sessionID string) (*WorkingMemory, error) {
	if s.Err != nil {
		return nil, s.Err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	wm, ok := s.sessions[sessionID]

	if !ok || time.Now().After(wm.ExpiresAt) {
		return nil, ErrNotFound
	}

	return copySession(wm), nil
}

func (s *MockSessionRepo) Append(ctx context.Context, sessionID string, msg ConversationMessage) (*WorkingMemory, error) {
	if s.Err != nil {
		return nil, s.Err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wm, ok := s.sessions[sessionID]

	// Appending to a missing session is a no-op.
	if !ok || time.Now().After(wm.ExpiresAt) {
		return nil, nil
	}

	wm.Messages = append(wm.Messages, msg)

	if s.MaxMsgs > 0 && len(wm.Messages) > s.MaxMsgs {
		wm.Messages = wm.Messages[len(wm.Messages)-s.MaxMsgs:]
	}

	wm.TurnCount++
	wm.ExpiresAt = time.Now().UTC().Add(s.TTL)

	return copySession(wm), nil
}

func (s *MockSessionRepo) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)

	return nil
}

func (s *MockSessionRepo) UserSessions(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string

	for id, wm := range s.sessions {
		if wm.UserID == userID && time.Now().Before(wm.ExpiresAt) {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids, nil
}

func copySession(wm *WorkingMemory) *WorkingMemory {
	cp := *wm
	cp.Messages = append([]ConversationMessage(nil), wm.Messages...)

	return &cp
}

// MockDocumentRepo is an in-memory DocumentRepo. Text search is naive
// substring matching, ranked by how many query terms hit.
type MockDocumentRepo struct {
	mu       sync.RWMutex
	episodic map[string]*EpisodicMemory
	semantic map[string]*SemanticMemory

	PutErr    error
	GetErr    error
	UpdateErr error
	ListErr   error
	SearchErr error
}

func NewMockDocumentRepo() *MockDocumentRepo {
	return &MockDocumentRepo{
		episodic: map[string]*EpisodicMemory{},
		semantic: map[string]*SemanticMemory{},
	}
}

func (d *MockDocumentRepo) PutEpisodic(ctx context.Context, mem *EpisodicMemory) error {
	if d.PutErr != nil {
		return d.PutErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cp := *mem
	d.episodic[mem.ID] = &cp

	return nil
}

func (d *MockDocumentRepo) GetEpisodic(ctx context.Context, id string) (*EpisodicMemory, error) {
	if d.GetErr != nil {
		return nil, d.GetErr
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	mem, ok := d.episodic[id]

	if !ok {
		return nil, ErrNotFound
	}

	cp := *mem

	return &cp, nil
}

func (d *MockDocumentRepo) UpdateEpisodic(ctx context.Context, mem *EpisodicMemory) error {
	if d.UpdateErr != nil {
		return d.UpdateErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.episodic[mem.ID]; !ok {
		return ErrNotFound
	}

	cp := *mem
	d.episodic[mem.ID] = &cp

	return nil
}

func (d *MockDocumentRepo) DeleteEpisodic(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.episodic[id]; !ok {
		return ErrNotFound
	}

	delete(d.episodic, id)

	return nil
}

func (d *MockDocumentRepo) ListEpisodic(ctx context.Context, userID string, includeArchived bool, limit int) ([]*EpisodicMemory, error) {
	if d.ListErr != nil {
		return nil, d.ListErr
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*EpisodicMemory

	for _, mem := range d.episodic {
		if mem.UserID != userID {
			continue
		}

		if !includeArchived && mem.IsArchived {
			continue
		}

		cp := *mem
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}

		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (d *MockDocumentRepo) SearchEpisodic(ctx context.Context, userID, query string, limit int) ([]*EpisodicMemory, error) {
	if d.SearchErr != nil {
		return nil, d.SearchErr
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))

	type scored struct {
		mem  *EpisodicMemory
		hits int
	}

	var matches []scored

	for _, mem := range d.episodic {
		if mem.UserID != userID || mem.IsArchived {
			continue
		}

		haystack := strings.ToLower(mem.Restatement + " " + mem.Summary + " " + strings.Join(mem.Keywords, " "))
		hits := 0

		for _, term := range terms {
			if strings.Contains(haystack, term) {
				hits++
			}
		}

		if hits > 0 {
			cp := *mem
			matches = append(matches, scored{mem: &cp, hits: hits})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].hits != matches[j].hits {
			return matches[i].hits > matches[j].hits
		}

		return matches[i].mem.ID < matches[j].mem.ID
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]*EpisodicMemory, len(matches))

	for i, m := range matches {
		out[i] = m.mem
	}

	return out, nil
}

func (d *MockDocumentRepo) PutSemantic(ctx context.Context, mem *SemanticMemory) error {
	if d.PutErr != nil {
		return d.PutErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cp := *mem
	d.semantic[mem.ID] = &cp

	return nil
}

func (d *MockDocumentRepo) GetSemantic(ctx context.Context, id string) (*SemanticMemory, error) {
	if d.GetErr != nil {
		return nil, d.GetErr
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	mem, ok := d.semantic[id]

	if !ok {
		return nil, ErrNotFound
	}

	cp := *mem

	return &cp, nil
}

func (d *MockDocumentRepo) DeleteSemantic(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.semantic[id]; !ok {
		return ErrNotFound
	}

	delete(d.semantic, id)

	return nil
}

func (d *MockDocumentRepo) ListSemantic(ctx context.Context, userID string) ([]*SemanticMemory, error) {
	if d.ListErr != nil {
		return nil, d.ListErr
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*SemanticMemory

	for _, mem := range d.semantic {
		if mem.UserID != userID {
			continue
		}

		cp := *mem
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

// MockVectorRepo is an in-memory VectorRepo using exact cosine similarity.
type MockVectorRepo struct {
	mu      sync.RWMutex
	entries map[string]map[string]vectorEntry

	UpsertErr error
	SearchErr error
}

type vectorEntry struct {
	embedding []float32
	metadata  map[string]any
}

func NewMockVectorRepo() *MockVectorRepo {
	return &MockVectorRepo{entries: map[string]map[string]vectorEntry{}}
}

func (v *MockVectorRepo) Upsert(ctx context.Context, collection, id string, embedding []float32, metadata map[string]any) error {
	if v.UpsertErr != nil {
		return v.UpsertErr
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.entries[collection] == nil {
		v.entries[collection] = map[string]vectorEntry{}
	}

	v.entries[collection][id] = vectorEntry{
		embedding: append([]float32(nil), embedding...),
		metadata:  metadata,
	}

	return nil
}

func (v *MockVectorRepo) Search(ctx context.Context, collection string, embedding []float32, limit int, filter map[string]any) ([]VectorSearchResult, error) {
	if v.SearchErr != nil {
		return nil, v.SearchErr
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	var hits []VectorSearchResult

	for id, entry := range v.entries[collection] {
		if !metadataMatches(entry.metadata, filter) {
			continue
		}

		hits = append(hits, VectorSearchResult{
			MemoryID: id,
			Score:    CosineSimilarity(embedding, entry.embedding),
			Metadata: entry.metadata,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}

		return hits[i].MemoryID < hits[j].MemoryID
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	return hits, nil
}

func metadataMatches(metadata, filter map[string]any) bool {
	for key, want := range filter {
		if metadata[key] != want {
			return false
		}
	}

	return true
}

func (v *MockVectorRepo) Delete(ctx context.Context, collection string, ids ...string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, id := range ids {
		delete(v.entries[collection], id)
	}

	return nil
}

// Count reports how many vectors a collection holds.
func (v *MockVectorRepo) Count(collection string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return len(v.entries[collection])
}

// MockGraphRepo is an in-memory GraphRepo with BFS neighborhood walks.
type MockGraphRepo struct {
	mu    sync.RWMutex
	nodes map[string]GraphNode
	edges []GraphEdge

	Err error
}

func NewMockGraphRepo() *MockGraphRepo {
	return &MockGraphRepo{nodes: map[string]GraphNode{}}
}

func (g *MockGraphRepo) UpsertNode(ctx context.Context, node GraphNode) error {
	if g.Err != nil {
		return g.Err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes[node.ID] = node

	return nil
}

func (g *MockGraphRepo) UpsertEdge(ctx context.Context, edge GraphEdge) error {
	if g.Err != nil {
		return g.Err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for i, e := range g.edges {
		if e.SourceID == edge.SourceID && e.TargetID == edge.TargetID && e.Relation == edge.Relation {
			g.edges[i] = edge
			return nil
		}
	}

	g.edges = append(g.edges, edge)

	return nil
}

func (g *MockGraphRepo) GetNode(ctx context.Context, id string) (*GraphNode, error) {
	if g.Err != nil {
		return nil, g.Err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]

	if !ok {
		return nil, ErrNotFound
	}

	return &node, nil
}

func (g *MockGraphRepo) Neighbors(ctx context.Context, nodeID, direction string, maxDepth int) ([]Neighbor, error) {
	if g.Err != nil {
		return nil, g.Err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]bool{nodeID: true}
	frontier := []string{nodeID}

	var out []Neighbor

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string

		for _, current := range frontier {
			for _, edge := range g.edges {
				var neighborID string

				switch {
				case edge.SourceID == current && direction != DirectionIncoming:
					neighborID = edge.TargetID
				case edge.TargetID == current && direction != DirectionOutgoing:
					neighborID = edge.SourceID
				default:
					continue
				}

				if visited[neighborID] {
					continue
				}

				visited[neighborID] = true

				node, ok := g.nodes[neighborID]

				if !ok {
					node = GraphNode{ID: neighborID}
				}

				props := node.Properties

				if len(edge.Properties) > 0 {
					merged := map[string]any{}

					for k, v := range props {
						merged[k] = v
					}

					for k, v := range edge.Properties {
						merged[k] = v
					}

					node.Properties = merged
				}

				out = append(out, Neighbor{
					Node:     node,
					Relation: edge.Relation,
					Weight:   edge.Weight,
					Depth:    depth,
				})

				next = append(next, neighborID)
			}
		}

		frontier = next
	}

	return out, nil
}

func (g *MockGraphRepo) DeleteNode(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.nodes, id)

	var kept []GraphEdge

	for _, edge := range g.edges {
		if edge.SourceID != id && edge.TargetID != id {
			kept = append(kept, edge)
		}
	}

	g.edges = kept

	return nil
}
