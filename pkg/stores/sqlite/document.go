// Package sqlite implements the document and graph repositories on embedded
// SQLite databases. The document store keeps full memory records as JSON
// rows with an FTS5 sidecar for full-text search; the graph store keeps a
// plain adjacency model walked in Go.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/theapemachine/mnemo/pkg/memory"
)

// DocumentStore is a memory.DocumentRepo over a single SQLite file.
type DocumentStore struct {
	db  *sql.DB
	fts bool
}

const documentSchema = `
CREATE TABLE IF NOT EXISTS episodic (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	data          TEXT NOT NULL,
	is_archived   INTEGER NOT NULL DEFAULT 0,
	is_compressed INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_episodic_user ON episodic(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS semantic (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_semantic_user ON semantic(user_id);
`

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS episodic_fts USING fts5(
	id UNINDEXED,
	user_id UNINDEXED,
	content
);
`

// NewDocumentStore opens (or creates) the database at path. Use ":memory:"
// for an ephemeral store.
func NewDocumentStore(path string) (*DocumentStore, error) {
	db, err := sql.Open("sqlite", path)

	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	if _, err := db.Exec(documentSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}

	store := &DocumentStore{db: db, fts: true}

	// FTS5 may be compiled out; fall back to LIKE scans in that case.
	if _, err := db.Exec(ftsSchema); err != nil {
		log.Warn("fts5 unavailable, using substring search", "error", err)
		store.fts = false
	}

	return store, nil
}

// Close closes the underlying database.
func (s *DocumentStore) Close() error { return s.db.Close() }

func (s *DocumentStore) PutEpisodic(ctx context.Context, mem *memory.EpisodicMemory) error {
	data, err := json.Marshal(mem)

	if err != nil {
		return fmt.Errorf("sqlite: encode %s: %w", mem.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodic (id, user_id, data, is_archived, is_compressed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			is_archived = excluded.is_archived,
			is_compressed = excluded.is_compressed`,
		mem.ID, mem.UserID, string(data),
		boolInt(mem.IsArchived), boolInt(mem.IsCompressed),
		mem.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	)

	if err != nil {
		return fmt.Errorf("sqlite: put episodic %s: %w", mem.ID, err)
	}

	s.reindex(ctx, mem)

	return nil
}

// reindex refreshes the FTS row for a memory.
func (s *DocumentStore) reindex(ctx context.Context, mem *memory.EpisodicMemory) {
	if !s.fts {
		return
	}

	content := strings.Join([]string{
		mem.Restatement,
		mem.Summary,
		strings.Join(mem.Keywords, " "),
	}, " ")

	if _, err := s.db.ExecContext(ctx, `DELETE FROM episodic_fts WHERE id = ?`, mem.ID); err != nil {
		log.Warn("fts delete failed", "memory", mem.ID, "error", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO episodic_fts (id, user_id, content) VALUES (?, ?, ?)`,
		mem.ID, mem.UserID, content,
	); err != nil {
		log.Warn("fts insert failed", "memory", mem.ID, "error", err)
	}
}

func (s *DocumentStore) GetEpisodic(ctx context.Context, id string) (*memory.EpisodicMemory, error) {
	var data string

	err := s.db.QueryRowContext(ctx, `SELECT data FROM episodic WHERE id = ?`, id).Scan(&data)

	if err == sql.ErrNoRows {
		return nil, memory.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("sqlite: get episodic %s: %w", id, err)
	}

	return decodeEpisodic(data)
}

func (s *DocumentStore) UpdateEpisodic(ctx context.Context, mem *memory.EpisodicMemory) error {
	data, err := json.Marshal(mem)

	if err != nil {
		return fmt.Errorf("sqlite: encode %s: %w", mem.ID, err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE episodic
		SET data = ?, is_archived = ?, is_compressed = ?
		WHERE id = ?`,
		string(data), boolInt(mem.IsArchived), boolInt(mem.IsCompressed), mem.ID,
	)

	if err != nil {
		return fmt.Errorf("sqlite: update episodic %s: %w", mem.ID, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return memory.ErrNotFound
	}

	s.reindex(ctx, mem)

	return nil
}

func (s *DocumentStore) DeleteEpisodic(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM episodic WHERE id = ?`, id)

	if err != nil {
		return fmt.Errorf("sqlite: delete episodic %s: %w", id, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return memory.ErrNotFound
	}

	if s.fts {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM episodic_fts WHERE id = ?`, id); err != nil {
			log.Warn("fts delete failed", "memory", id, "error", err)
		}
	}

	return nil
}

func (s *DocumentStore) ListEpisodic(ctx context.Context, userID string, includeArchived bool, limit int) ([]*memory.EpisodicMemory, error) {
	query := `SELECT data FROM episodic WHERE user_id = ?`
	args := []any{userID}

	if !includeArchived {
		query += ` AND is_archived = 0`
	}

	query += ` ORDER BY created_at DESC, id`

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)

	if err != nil {
		return nil, fmt.Errorf("sqlite: list episodic: %w", err)
	}

	defer rows.Close()

	var out []*memory.EpisodicMemory

	for rows.Next() {
		var data string

		if err := rows.Scan(&data); err != nil {
			return nil, err
		}

		mem, err := decodeEpisodic(data)

		if err != nil {
			log.Warn("skipping undecodable episodic row", "error", err)
			continue
		}

		out = append(out, mem)
	}

	return out, rows.Err()
}

func (s *DocumentStore) SearchEpisodic(ctx context.Context, userID, query string, limit int) ([]*memory.EpisodicMemory, error) {
	if limit <= 0 {
		limit = 10
	}

	if s.fts {
		if match := ftsQuery(query); match != "" {
			results, err := s.searchFTS(ctx, userID, match, limit)

			if err == nil {
				return results, nil
			}

			log.Warn("fts search failed, falling back to substring scan", "error", err)
		}
	}

	return s.searchLike(ctx, userID, query, limit)
}

// ftsQuery reduces free text to an OR query of alphanumeric tokens; FTS5
// operator syntax in raw user input would otherwise be a parse error.
func ftsQuery(query string) string {
	var tokens []string

	for _, field := range strings.Fields(query) {
		token := strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
				return r
			}

			return -1
		}, field)

		if token != "" {
			tokens = append(tokens, `"`+token+`"`)
		}
	}

	return strings.Join(tokens, " OR ")
}

func (s *DocumentStore) searchFTS(ctx context.Context, userID, match string, limit int) ([]*memory.EpisodicMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.data
		FROM episodic_fts f
		JOIN episodic e ON e.id = f.id
		WHERE episodic_fts MATCH ? AND f.user_id = ? AND e.is_archived = 0
		ORDER BY rank
		LIMIT ?`,
		match, userID, limit,
	)

	if err != nil {
		return nil, err
	}

	defer rows.Close()

	return collectEpisodic(rows)
}

func (s *DocumentStore) searchLike(ctx context.Context, userID, query string, limit int) ([]*memory.EpisodicMemory, error) {
	terms := strings.Fields(strings.ToLower(query))

	if len(terms) == 0 {
		return nil, nil
	}

	var (
		clauses []string
		args    = []any{userID}
	)

	for _, term := range terms {
		clauses = append(clauses, `lower(data) LIKE ?`)
		args = append(args, "%"+term+"%")
	}

	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM episodic
		WHERE user_id = ? AND is_archived = 0 AND (`+strings.Join(clauses, " OR ")+`)
		ORDER BY json_extract(data, '$.importance') DESC, created_at DESC
		LIMIT ?`,
		args...,
	)

	if err != nil {
		return nil, fmt.Errorf("sqlite: substring search: %w", err)
	}

	defer rows.Close()

	return collectEpisodic(rows)
}

func (s *DocumentStore) PutSemantic(ctx context.Context, mem *memory.SemanticMemory) error {
	data, err := json.Marshal(mem)

	if err != nil {
		return fmt.Errorf("sqlite: encode %s: %w", mem.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO semantic (id, user_id, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		mem.ID, mem.UserID, string(data),
		mem.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	)

	if err != nil {
		return fmt.Errorf("sqlite: put semantic %s: %w", mem.ID, err)
	}

	return nil
}

func (s *DocumentStore) GetSemantic(ctx context.Context, id string) (*memory.SemanticMemory, error) {
	var data string

	err := s.db.QueryRowContext(ctx, `SELECT data FROM semantic WHERE id = ?`, id).Scan(&data)

	if err == sql.ErrNoRows {
		return nil, memory.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("sqlite: get semantic %s: %w", id, err)
	}

	var mem memory.SemanticMemory

	if err := json.Unmarshal([]byte(data), &mem); err != nil {
		return nil, fmt.Errorf("sqlite: decode semantic %s: %w", id, err)
	}

	return &mem, nil
}

func (s *DocumentStore) DeleteSemantic(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM semantic WHERE id = ?`, id)

	if err != nil {
		return fmt.Errorf("sqlite: delete semantic %s: %w", id, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return memory.ErrNotFound
	}

	return nil
}

func (s *DocumentStore) ListSemantic(ctx context.Context, userID string) ([]*memory.SemanticMemory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM semantic WHERE user_id = ? ORDER BY created_at, id`, userID)

	if err != nil {
		return nil, fmt.Errorf("sqlite: list semantic: %w", err)
	}

	defer rows.Close()

	var out []*memory.SemanticMemory

	for rows.Next() {
		var data string

		if err := rows.Scan(&data); err != nil {
			return nil, err
		}

		var mem memory.SemanticMemory

		if err := json.Unmarshal([]byte(data), &mem); err != nil {
			log.Warn("skipping undecodable semantic row", "error", err)
			continue
		}

		out = append(out, &mem)
	}

	return out, rows.Err()
}

func collectEpisodic(rows *sql.Rows) ([]*memory.EpisodicMemory, error) {
	var out []*memory.EpisodicMemory

	for rows.Next() {
		var data string

		if err := rows.Scan(&data); err != nil {
			return nil, err
		}

		mem, err := decodeEpisodic(data)

		if err != nil {
			log.Warn("skipping undecodable episodic row", "error", err)
			continue
		}

		out = append(out, mem)
	}

	return out, rows.Err()
}

func decodeEpisodic(data string) (*memory.EpisodicMemory, error) {
	var mem memory.EpisodicMemory

	if err := json.Unmarshal([]byte(data), &mem); err != nil {
		return nil, fmt.Errorf("decode episodic: %w", err)
	}

	return &mem, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
