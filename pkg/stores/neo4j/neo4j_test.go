package neo4j

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theapemachine/mnemo/pkg/memory"
)

func TestRelationType(t *testing.T) {
	assert.Equal(t, "LIKES", relationType("likes"))
	assert.Equal(t, "WORKS_AT", relationType("WORKS AT"))
	assert.Equal(t, "DROP_TABLE_X_", relationType("drop;table&x!"))
}

// cypherRecorder captures statements and replays canned rows.
func cypherRecorder(t *testing.T, rows [][]any, statements *[]string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/db/neo4j/tx/commit", r.URL.Path)

		var payload struct {
			Statements []struct {
				Statement string `json:"statement"`
			} `json:"statements"`
		}

		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		for _, s := range payload.Statements {
			*statements = append(*statements, s.Statement)
		}

		data := make([]map[string]any, 0, len(rows))

		for _, row := range rows {
			data = append(data, map[string]any{"row": row})
		}

		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"data": data}},
			"errors":  []any{},
		})
	}))
}

func TestUpsertNodeAndEdge(t *testing.T) {
	var statements []string

	server := cypherRecorder(t, nil, &statements)
	defer server.Close()

	ctx := context.Background()
	client := New(server.URL, "neo4j", "secret")

	require.NoError(t, client.UpsertNode(ctx, memory.GraphNode{
		ID: "user_u1", Label: "User",
	}))

	require.NoError(t, client.UpsertEdge(ctx, memory.GraphEdge{
		SourceID: "user_u1", TargetID: "mem_ep_1",
		Relation: "experienced badly", Weight: 0.8,
	}))

	require.Len(t, statements, 2)
	assert.Contains(t, statements[0], "MERGE (n:Mem {id: $id})")
	assert.Contains(t, statements[1], "[r:EXPERIENCED_BADLY]")
}

func TestGetNode(t *testing.T) {
	var statements []string

	props, _ := json.Marshal(map[string]any{"summary": "jazz night"})

	server := cypherRecorder(t, [][]any{
		{"mem_ep_1", "EpisodicMemory", string(props)},
	}, &statements)
	defer server.Close()

	node, err := New(server.URL, "", "").GetNode(context.Background(), "mem_ep_1")
	require.NoError(t, err)

	assert.Equal(t, "EpisodicMemory", node.Label)
	assert.Equal(t, "jazz night", node.Properties["summary"])
}

func TestGetNodeMissing(t *testing.T) {
	var statements []string

	server := cypherRecorder(t, nil, &statements)
	defer server.Close()

	_, err := New(server.URL, "", "").GetNode(context.Background(), "nope")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestNeighbors(t *testing.T) {
	var statements []string

	edgeProps, _ := json.Marshal(map[string]any{"memory_id": "mem_sem_9"})

	server := cypherRecorder(t, [][]any{
		{"entity_jazz", "Entity", "{}", "LIKES", 0.9, string(edgeProps)},
	}, &statements)
	defer server.Close()

	neighbors, err := New(server.URL, "", "").Neighbors(
		context.Background(), "entity_user", memory.DirectionOutgoing, 1)
	require.NoError(t, err)

	require.Len(t, neighbors, 1)
	assert.Equal(t, "entity_jazz", neighbors[0].Node.ID)
	assert.Equal(t, "LIKES", neighbors[0].Relation)
	assert.Equal(t, 0.9, neighbors[0].Weight)
	assert.Equal(t, "mem_sem_9", neighbors[0].Node.Properties["memory_id"])
	assert.Contains(t, statements[0], "-[r]->")
}

func TestCypherError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []any{},
			"errors": []map[string]any{{
				"code":    "Neo.ClientError.Statement.SyntaxError",
				"message": "bad cypher",
			}},
		})
	}))
	defer server.Close()

	err := New(server.URL, "", "").DeleteNode(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SyntaxError")
}
