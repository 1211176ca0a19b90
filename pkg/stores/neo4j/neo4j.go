// Package neo4j implements the graph repository against Neo4j's
// transactional HTTP endpoint. Every node carries the :Mem label with its
// domain label and JSON-encoded properties as plain node properties, since
// the traversal layer treats properties as an opaque bag.
package neo4j

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/theapemachine/mnemo/pkg/memory"
)

// Client is a memory.GraphRepo over a Neo4j endpoint.
type Client struct {
	Endpoint string
	Username string
	Password string

	httpClient *http.Client
}

// New returns a Client with sane defaults.
func New(endpoint, user, pass string) *Client {
	return &Client{
		Endpoint:   endpoint,
		Username:   user,
		Password:   pass,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (client *Client) UpsertNode(ctx context.Context, node memory.GraphNode) error {
	props, err := json.Marshal(node.Properties)

	if err != nil {
		return fmt.Errorf("neo4j: encode node %s: %w", node.ID, err)
	}

	_, err = client.execCypher(ctx,
		`MERGE (n:Mem {id: $id}) SET n.label = $label, n.properties = $props`,
		map[string]any{"id": node.ID, "label": node.Label, "props": string(props)},
	)

	return err
}

// relationType sanitizes a relation name for interpolation; relationship
// types cannot be parameterized in Cypher.
func relationType(relation string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			return r
		}

		if r >= 'a' && r <= 'z' {
			return r - 32
		}

		return '_'
	}, relation)
}

func (client *Client) UpsertEdge(ctx context.Context, edge memory.GraphEdge) error {
	props, err := json.Marshal(edge.Properties)

	if err != nil {
		return fmt.Errorf("neo4j: encode edge: %w", err)
	}

	cypher := fmt.Sprintf(
		`MATCH (a:Mem {id: $source}), (b:Mem {id: $target})
		 MERGE (a)-[r:%s]->(b)
		 SET r.weight = $weight, r.properties = $props`,
		relationType(edge.Relation),
	)

	_, err = client.execCypher(ctx, cypher, map[string]any{
		"source": edge.SourceID,
		"target": edge.TargetID,
		"weight": edge.Weight,
		"props":  string(props),
	})

	return err
}

func (client *Client) GetNode(ctx context.Context, id string) (*memory.GraphNode, error) {
	rows, err := client.execCypher(ctx,
		`MATCH (n:Mem {id: $id}) RETURN n.id, n.label, n.properties`,
		map[string]any{"id": id},
	)

	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, memory.ErrNotFound
	}

	return decodeNode(rows[0])
}

func (client *Client) Neighbors(ctx context.Context, nodeID, direction string, maxDepth int) ([]memory.Neighbor, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}

	visited := map[string]bool{nodeID: true}
	frontier := []string{nodeID}

	var out []memory.Neighbor

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string

		for _, current := range frontier {
			rows, err := client.execCypher(ctx, adjacencyCypher(direction),
				map[string]any{"id": current})

			if err != nil {
				return nil, err
			}

			for _, row := range rows {
				neighbor, err := decodeNeighbor(row, depth)

				if err != nil {
					continue
				}

				if visited[neighbor.Node.ID] {
					continue
				}

				visited[neighbor.Node.ID] = true
				out = append(out, neighbor)
				next = append(next, neighbor.Node.ID)
			}
		}

		frontier = next
	}

	return out, nil
}

func adjacencyCypher(direction string) string {
	switch direction {
	case memory.DirectionOutgoing:
		return `MATCH (a:Mem {id: $id})-[r]->(b:Mem)
			RETURN b.id, b.label, b.properties, type(r), r.weight, r.properties`
	case memory.DirectionIncoming:
		return `MATCH (a:Mem {id: $id})<-[r]-(b:Mem)
			RETURN b.id, b.label, b.properties, type(r), r.weight, r.properties`
	default:
		return `MATCH (a:Mem {id: $id})-[r]-(b:Mem)
			RETURN b.id, b.label, b.properties, type(r), r.weight, r.properties`
	}
}

func (client *Client) DeleteNode(ctx context.Context, id string) error {
	_, err := client.execCypher(ctx,
		`MATCH (n:Mem {id: $id}) DETACH DELETE n`,
		map[string]any{"id": id},
	)

	return err
}

// execCypher sends a single statement through the tx/commit endpoint and
// returns the result rows.
func (client *Client) execCypher(ctx context.Context, cypher string, params map[string]any) ([][]any, error) {
	payload := map[string]any{
		"statements": []map[string]any{{
			"statement":  cypher,
			"parameters": params,
		}},
	}

	b, err := json.Marshal(payload)

	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		client.Endpoint+"/db/neo4j/tx/commit",
		bytes.NewReader(b),
	)

	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	if client.Username != "" {
		req.SetBasicAuth(client.Username, client.Password)
	}

	resp, err := client.httpClient.Do(req)

	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("neo4j: status %s", resp.Status)
	}

	var out struct {
		Results []struct {
			Data []struct {
				Row []any `json:"row"`
			} `json:"data"`
		} `json:"results"`
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("neo4j: decode response: %w", err)
	}

	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("neo4j: %s: %s", out.Errors[0].Code, out.Errors[0].Message)
	}

	var rows [][]any

	for _, result := range out.Results {
		for _, data := range result.Data {
			rows = append(rows, data.Row)
		}
	}

	return rows, nil
}

// decodeNode reads [id, label, properties] row columns.
func decodeNode(row []any) (*memory.GraphNode, error) {
	if len(row) < 3 {
		return nil, fmt.Errorf("neo4j: short node row")
	}

	node := &memory.GraphNode{}
	node.ID, _ = row[0].(string)
	node.Label, _ = row[1].(string)

	if props, ok := row[2].(string); ok && props != "" {
		if err := json.Unmarshal([]byte(props), &node.Properties); err != nil {
			return nil, fmt.Errorf("neo4j: decode node properties: %w", err)
		}
	}

	return node, nil
}

// decodeNeighbor reads [id, label, node props, relation, weight, edge
// props] and overlays edge properties onto the node, matching the local
// graph store's traversal contract.
func decodeNeighbor(row []any, depth int) (memory.Neighbor, error) {
	if len(row) < 6 {
		return memory.Neighbor{}, fmt.Errorf("neo4j: short neighbor row")
	}

	node, err := decodeNode(row[:3])

	if err != nil {
		return memory.Neighbor{}, err
	}

	relation, _ := row[3].(string)
	weight, _ := row[4].(float64)

	if props, ok := row[5].(string); ok && props != "" {
		var edgeProps map[string]any

		if err := json.Unmarshal([]byte(props), &edgeProps); err == nil && len(edgeProps) > 0 {
			merged := map[string]any{}

			for k, v := range node.Properties {
				merged[k] = v
			}

			for k, v := range edgeProps {
				merged[k] = v
			}

			node.Properties = merged
		}
	}

	return memory.Neighbor{
		Node:     *node,
		Relation: relation,
		Weight:   weight,
		Depth:    depth,
	}, nil
}
