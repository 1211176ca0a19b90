package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/theapemachine/mnemo/pkg/memory"
)

// GraphStore is a memory.GraphRepo over SQLite adjacency tables. Traversal
// runs breadth-first in Go, one query per frontier node, which is plenty
// for the shallow walks the retriever performs.
type GraphStore struct {
	db *sql.DB
}

const graphSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	id         TEXT PRIMARY KEY,
	label      TEXT NOT NULL,
	properties TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS edges (
	source_id  TEXT NOT NULL,
	target_id  TEXT NOT NULL,
	relation   TEXT NOT NULL,
	weight     REAL NOT NULL DEFAULT 1.0,
	properties TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (source_id, target_id, relation)
);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);
`

// NewGraphStore opens (or creates) the database at path.
func NewGraphStore(path string) (*GraphStore, error) {
	db, err := sql.Open("sqlite", path)

	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	if _, err := db.Exec(graphSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init graph schema: %w", err)
	}

	return &GraphStore{db: db}, nil
}

// Close closes the underlying database.
func (g *GraphStore) Close() error { return g.db.Close() }

func (g *GraphStore) UpsertNode(ctx context.Context, node memory.GraphNode) error {
	props, err := json.Marshal(orEmpty(node.Properties))

	if err != nil {
		return fmt.Errorf("sqlite: encode node %s: %w", node.ID, err)
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO nodes (id, label, properties) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET label = excluded.label, properties = excluded.properties`,
		node.ID, node.Label, string(props),
	)

	if err != nil {
		return fmt.Errorf("sqlite: upsert node %s: %w", node.ID, err)
	}

	return nil
}

func (g *GraphStore) UpsertEdge(ctx context.Context, edge memory.GraphEdge) error {
	props, err := json.Marshal(orEmpty(edge.Properties))

	if err != nil {
		return fmt.Errorf("sqlite: encode edge: %w", err)
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO edges (source_id, target_id, relation, weight, properties)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, relation) DO UPDATE SET
			weight = excluded.weight,
			properties = excluded.properties`,
		edge.SourceID, edge.TargetID, edge.Relation, edge.Weight, string(props),
	)

	if err != nil {
		return fmt.Errorf("sqlite: upsert edge %s-%s: %w", edge.SourceID, edge.TargetID, err)
	}

	return nil
}

func (g *GraphStore) GetNode(ctx context.Context, id string) (*memory.GraphNode, error) {
	var (
		node  memory.GraphNode
		props string
	)

	err := g.db.QueryRowContext(ctx,
		`SELECT id, label, properties FROM nodes WHERE id = ?`, id).
		Scan(&node.ID, &node.Label, &props)

	if err == sql.ErrNoRows {
		return nil, memory.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("sqlite: get node %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(props), &node.Properties); err != nil {
		return nil, fmt.Errorf("sqlite: decode node %s: %w", id, err)
	}

	return &node, nil
}

// edgeRow is one adjacency hit during traversal.
type edgeRow struct {
	neighborID string
	relation   string
	weight     float64
	props      string
}

func (g *GraphStore) Neighbors(ctx context.Context, nodeID, direction string, maxDepth int) ([]memory.Neighbor, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}

	visited := map[string]bool{nodeID: true}
	frontier := []string{nodeID}

	var out []memory.Neighbor

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string

		for _, current := range frontier {
			adjacent, err := g.adjacent(ctx, current, direction)

			if err != nil {
				return nil, err
			}

			for _, row := range adjacent {
				if visited[row.neighborID] {
					continue
				}

				visited[row.neighborID] = true

				neighbor, err := g.buildNeighbor(ctx, row, depth)

				if err != nil {
					log.Warn("skipping unreadable neighbor", "node", row.neighborID, "error", err)
					continue
				}

				out = append(out, neighbor)
				next = append(next, row.neighborID)
			}
		}

		frontier = next
	}

	return out, nil
}

func (g *GraphStore) adjacent(ctx context.Context, nodeID, direction string) ([]edgeRow, error) {
	var (
		query string
		args  []any
	)

	switch direction {
	case memory.DirectionOutgoing:
		query = `SELECT target_id, relation, weight, properties FROM edges WHERE source_id = ?`
		args = []any{nodeID}
	case memory.DirectionIncoming:
		query = `SELECT source_id, relation, weight, properties FROM edges WHERE target_id = ?`
		args = []any{nodeID}
	default:
		query = `
			SELECT target_id, relation, weight, properties FROM edges WHERE source_id = ?
			UNION ALL
			SELECT source_id, relation, weight, properties FROM edges WHERE target_id = ?`
		args = []any{nodeID, nodeID}
	}

	rows, err := g.db.QueryContext(ctx, query, args...)

	if err != nil {
		return nil, fmt.Errorf("sqlite: adjacency of %s: %w", nodeID, err)
	}

	defer rows.Close()

	var out []edgeRow

	for rows.Next() {
		var row edgeRow

		if err := rows.Scan(&row.neighborID, &row.relation, &row.weight, &row.props); err != nil {
			return nil, err
		}

		out = append(out, row)
	}

	return out, rows.Err()
}

// buildNeighbor loads the neighbor node and overlays the edge properties,
// so traversal callers see edge payloads like memory_id without a second
// lookup.
func (g *GraphStore) buildNeighbor(ctx context.Context, row edgeRow, depth int) (memory.Neighbor, error) {
	node, err := g.GetNode(ctx, row.neighborID)

	if err == memory.ErrNotFound {
		node = &memory.GraphNode{ID: row.neighborID}
	} else if err != nil {
		return memory.Neighbor{}, err
	}

	var edgeProps map[string]any

	if err := json.Unmarshal([]byte(row.props), &edgeProps); err == nil && len(edgeProps) > 0 {
		merged := map[string]any{}

		for k, v := range node.Properties {
			merged[k] = v
		}

		for k, v := range edgeProps {
			merged[k] = v
		}

		node.Properties = merged
	}

	return memory.Neighbor{
		Node:     *node,
		Relation: row.relation,
		Weight:   row.weight,
		Depth:    depth,
	}, nil
}

func (g *GraphStore) DeleteNode(ctx context.Context, id string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete node %s: %w", id, err)
	}

	if _, err := g.db.ExecContext(ctx,
		`DELETE FROM edges WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return fmt.Errorf("sqlite: delete edges of %s: %w", id, err)
	}

	return nil
}

func orEmpty(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}

	return props
}
