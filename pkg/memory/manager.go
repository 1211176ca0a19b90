package memory

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

/*
Manager exposes direct administration over stored memories: lookups, masked
updates, paginated listings, per-user statistics, export and bulk deletion.
It operates on the same repositories as the engines but never goes through
the LLM.
*/
type Manager struct {
	documents DocumentRepo
	vectors   VectorRepo
	graph     GraphRepo
}

// NewManager wires a Manager. vectors and graph may be nil; deletions then
// only touch the document store.
func NewManager(documents DocumentRepo, vectors VectorRepo, graph GraphRepo) *Manager {
	return &Manager{documents: documents, vectors: vectors, graph: graph}
}

// GetEpisodic returns one memory by id, archived or not.
func (m *Manager) GetEpisodic(ctx context.Context, id string) (*EpisodicMemory, error) {
	return m.documents.GetEpisodic(ctx, id)
}

// GetSemantic returns one triple by id.
func (m *Manager) GetSemantic(ctx context.Context, id string) (*SemanticMemory, error) {
	return m.documents.GetSemantic(ctx, id)
}

// Updatable episodic fields accepted by UpdateEpisodic.
var episodicUpdateMask = map[string]bool{
	"summary":     true,
	"keywords":    true,
	"importance":  true,
	"is_archived": true,
}

// UpdateEpisodic applies a masked field update. Unknown fields are
// rejected so callers cannot rewrite provenance or identity.
func (m *Manager) UpdateEpisodic(ctx context.Context, id string, fields map[string]any) (*EpisodicMemory, error) {
	for name := range fields {
		if !episodicUpdateMask[name] {
			return nil, fmt.Errorf("manager: field %q is not updatable", name)
		}
	}

	mem, err := m.documents.GetEpisodic(ctx, id)

	if err != nil {
		return nil, err
	}

	if v, ok := fields["summary"].(string); ok {
		mem.Summary = v
	}

	if v, ok := fields["keywords"].([]string); ok {
		mem.Keywords = v
	}

	if v, ok := fields["importance"].(float64); ok {
		mem.Importance = Clamp(v)
	}

	if v, ok := fields["is_archived"].(bool); ok {
		mem.IsArchived = v
	}

	mem.UpdatedAt = time.Now().UTC()

	if err := m.documents.UpdateEpisodic(ctx, mem); err != nil {
		return nil, err
	}

	return mem, nil
}

// DeleteEpisodic removes a memory from every store it was mirrored into.
func (m *Manager) DeleteEpisodic(ctx context.Context, id string) error {
	if err := m.documents.DeleteEpisodic(ctx, id); err != nil {
		return err
	}

	if m.vectors != nil {
		if err := m.vectors.Delete(ctx, CollectionEpisodic, id); err != nil {
			log.Warn("vector delete failed", "memory", id, "error", err)
		}
	}

	if m.graph != nil {
		if err := m.graph.DeleteNode(ctx, id); err != nil {
			log.Warn("graph delete failed", "memory", id, "error", err)
		}
	}

	return nil
}

// DeleteSemantic removes a triple from the document store and vector index.
func (m *Manager) DeleteSemantic(ctx context.Context, id string) error {
	if err := m.documents.DeleteSemantic(ctx, id); err != nil {
		return err
	}

	if m.vectors != nil {
		if err := m.vectors.Delete(ctx, CollectionSemantic, id); err != nil {
			log.Warn("vector delete failed", "memory", id, "error", err)
		}
	}

	return nil
}

// ListEpisodic returns one filtered page of a user's episodic memories,
// newest first.
func (m *Manager) ListEpisodic(ctx context.Context, userID string, filter MemoryFilter, page Page) (*PaginatedEpisodic, error) {
	all, err := m.documents.ListEpisodic(ctx, userID, filter.IncludeHidden, 0)

	if err != nil {
		return nil, err
	}

	var filtered []*EpisodicMemory

	for _, mem := range all {
		if filter.EventType != "" && mem.EventType != filter.EventType {
			continue
		}

		if mem.Importance < filter.MinImportance {
			continue
		}

		if filter.Keyword != "" && !hasKeyword(mem, filter.Keyword) {
			continue
		}

		filtered = append(filtered, mem)
	}

	page = page.Normalize()

	start := (page.Number - 1) * page.Size

	if start > len(filtered) {
		start = len(filtered)
	}

	end := start + page.Size

	if end > len(filtered) {
		end = len(filtered)
	}

	return &PaginatedEpisodic{
		Items:      filtered[start:end],
		Total:      len(filtered),
		Page:       page.Number,
		PageSize:   page.Size,
		TotalPages: (len(filtered) + page.Size - 1) / page.Size,
	}, nil
}

func hasKeyword(mem *EpisodicMemory, keyword string) bool {
	kw := strings.ToLower(keyword)

	for _, k := range mem.Keywords {
		if strings.Contains(strings.ToLower(k), kw) {
			return true
		}
	}

	return false
}

// ListSemantic returns one page of a user's triples, optionally filtered by
// category.
func (m *Manager) ListSemantic(ctx context.Context, userID string, filter MemoryFilter, page Page) (*PaginatedSemantic, error) {
	all, err := m.documents.ListSemantic(ctx, userID)

	if err != nil {
		return nil, err
	}

	var filtered []*SemanticMemory

	for _, mem := range all {
		if filter.Category != "" && mem.Category != filter.Category {
			continue
		}

		filtered = append(filtered, mem)
	}

	page = page.Normalize()

	start := (page.Number - 1) * page.Size

	if start > len(filtered) {
		start = len(filtered)
	}

	end := start + page.Size

	if end > len(filtered) {
		end = len(filtered)
	}

	return &PaginatedSemantic{
		Items:      filtered[start:end],
		Total:      len(filtered),
		Page:       page.Number,
		PageSize:   page.Size,
		TotalPages: (len(filtered) + page.Size - 1) / page.Size,
	}, nil
}

// Stats aggregates a user's memory footprint.
func (m *Manager) Stats(ctx context.Context, userID string) (*MemoryStats, error) {
	episodic, err := m.documents.ListEpisodic(ctx, userID, true, 0)

	if err != nil {
		return nil, err
	}

	semantic, err := m.documents.ListSemantic(ctx, userID)

	if err != nil {
		return nil, err
	}

	stats := &MemoryStats{
		UserID:            userID,
		TotalEpisodic:     len(episodic),
		TotalSemantic:     len(semantic),
		EventDistribution: map[EventType]int{},
	}

	keywordCounts := map[string]int{}

	for _, mem := range episodic {
		switch {
		case mem.IsCompressed:
			stats.Compressed++
		case mem.IsArchived:
			stats.Archived++
		default:
			stats.Active++
		}

		stats.EventDistribution[mem.EventType]++

		for _, kw := range mem.Keywords {
			keywordCounts[strings.ToLower(kw)]++
		}

		created := mem.CreatedAt

		if stats.OldestMemory == nil || created.Before(*stats.OldestMemory) {
			t := created
			stats.OldestMemory = &t
		}

		if stats.NewestMemory == nil || created.After(*stats.NewestMemory) {
			t := created
			stats.NewestMemory = &t
		}
	}

	for kw, count := range keywordCounts {
		stats.TopKeywords = append(stats.TopKeywords, KeywordCount{Keyword: kw, Count: count})
	}

	sort.Slice(stats.TopKeywords, func(i, j int) bool {
		if stats.TopKeywords[i].Count != stats.TopKeywords[j].Count {
			return stats.TopKeywords[i].Count > stats.TopKeywords[j].Count
		}

		return stats.TopKeywords[i].Keyword < stats.TopKeywords[j].Keyword
	})

	if len(stats.TopKeywords) > 20 {
		stats.TopKeywords = stats.TopKeywords[:20]
	}

	return stats, nil
}

// Export formats accepted by WriteExport.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// WriteExport streams a user's full memory state to w in the requested
// format.
func (m *Manager) WriteExport(ctx context.Context, w io.Writer, userID, format string) error {
	episodic, err := m.documents.ListEpisodic(ctx, userID, true, 0)

	if err != nil {
		return err
	}

	semantic, err := m.documents.ListSemantic(ctx, userID)

	if err != nil {
		return err
	}

	export := Export{
		UserID:     userID,
		ExportedAt: time.Now().UTC(),
		Episodic:   episodic,
		Semantic:   semantic,
	}

	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(export)
	case FormatCSV:
		return writeCSV(w, export)
	default:
		return fmt.Errorf("manager: unknown export format %q", format)
	}
}

func writeCSV(w io.Writer, export Export) error {
	cw := csv.NewWriter(w)

	header := []string{"type", "id", "content", "detail", "importance", "created_at"}

	if err := cw.Write(header); err != nil {
		return err
	}

	for _, mem := range export.Episodic {
		record := []string{
			string(TypeEpisodic),
			mem.ID,
			mem.Restatement,
			mem.Summary,
			strconv.FormatFloat(mem.Importance, 'f', 2, 64),
			mem.CreatedAt.Format(time.RFC3339),
		}

		if err := cw.Write(record); err != nil {
			return err
		}
	}

	for _, mem := range export.Semantic {
		record := []string{
			string(TypeSemantic),
			mem.ID,
			mem.TripleText(),
			string(mem.Category),
			strconv.FormatFloat(mem.Confidence, 'f', 2, 64),
			mem.CreatedAt.Format(time.RFC3339),
		}

		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()

	return cw.Error()
}

// ClearUser deletes every memory a user has, across all stores. Returns
// how many memories were removed.
func (m *Manager) ClearUser(ctx context.Context, userID string) (int, error) {
	episodic, err := m.documents.ListEpisodic(ctx, userID, true, 0)

	if err != nil {
		return 0, err
	}

	semantic, err := m.documents.ListSemantic(ctx, userID)

	if err != nil {
		return 0, err
	}

	removed := 0

	for _, mem := range episodic {
		if err := m.DeleteEpisodic(ctx, mem.ID); err != nil {
			log.Warn("clear: episodic delete failed", "memory", mem.ID, "error", err)
			continue
		}

		removed++
	}

	for _, mem := range semantic {
		if err := m.DeleteSemantic(ctx, mem.ID); err != nil {
			log.Warn("clear: semantic delete failed", "memory", mem.ID, "error", err)
			continue
		}

		removed++
	}

	if m.graph != nil {
		if err := m.graph.DeleteNode(ctx, UserNodeID(userID)); err != nil {
			log.Warn("clear: user node delete failed", "user", userID, "error", err)
		}
	}

	return removed, nil
}
