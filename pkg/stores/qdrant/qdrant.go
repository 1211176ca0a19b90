// Package qdrant implements the vector repository against a Qdrant server's
// REST API. Qdrant point ids must be UUIDs, so memory ids are mapped to
// deterministic SHA1 UUIDs and the original id travels in the payload.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/theapemachine/mnemo/pkg/memory"
)

// Client is a memory.VectorRepo over a Qdrant endpoint. Each logical
// collection becomes a Qdrant collection prefixed with "mnemo_".
type Client struct {
	Endpoint string

	httpClient *http.Client

	mu      sync.Mutex
	created map[string]bool
}

// New returns a Client with sane defaults.
func New(endpoint string) *Client {
	return &Client{
		Endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		created:    map[string]bool{},
	}
}

func collectionName(collection string) string {
	return "mnemo_" + collection
}

// pointID maps a memory id onto a stable UUID.
func pointID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

// ensureCollection creates the collection on first use, sized to the first
// embedding seen. Qdrant answers 409 when it already exists.
func (client *Client) ensureCollection(ctx context.Context, collection string, dim int) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.created[collection] {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}

	status, err := client.do(ctx, http.MethodPut,
		fmt.Sprintf("/collections/%s", collectionName(collection)), body, nil)

	if err != nil {
		return err
	}

	if status >= 300 && status != http.StatusConflict {
		return fmt.Errorf("qdrant: create collection status %d", status)
	}

	client.created[collection] = true

	return nil
}

func (client *Client) Upsert(ctx context.Context, collection, id string, embedding []float32, metadata map[string]any) error {
	if err := client.ensureCollection(ctx, collection, len(embedding)); err != nil {
		return err
	}

	payload := map[string]any{"memory_id": id}

	for k, v := range metadata {
		payload[k] = v
	}

	body := map[string]any{
		"points": []map[string]any{{
			"id":      pointID(id),
			"vector":  embedding,
			"payload": payload,
		}},
	}

	status, err := client.do(ctx, http.MethodPut,
		fmt.Sprintf("/collections/%s/points?wait=true", collectionName(collection)), body, nil)

	if err != nil {
		return err
	}

	if status >= 300 {
		return fmt.Errorf("qdrant: upsert status %d", status)
	}

	return nil
}

func (client *Client) Search(ctx context.Context, collection string, embedding []float32, limit int, filter map[string]any) ([]memory.VectorSearchResult, error) {
	body := map[string]any{
		"vector":       embedding,
		"limit":        limit,
		"with_payload": true,
	}

	if len(filter) > 0 {
		var must []map[string]any

		for k, v := range filter {
			must = append(must, map[string]any{
				"key":   k,
				"match": map[string]any{"value": v},
			})
		}

		body["filter"] = map[string]any{"must": must}
	}

	var out struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}

	status, err := client.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/search", collectionName(collection)), body, &out)

	if err != nil {
		return nil, err
	}

	// A missing collection just means nothing was indexed yet.
	if status == http.StatusNotFound {
		return nil, nil
	}

	if status >= 300 {
		return nil, fmt.Errorf("qdrant: search status %d", status)
	}

	results := make([]memory.VectorSearchResult, 0, len(out.Result))

	for _, r := range out.Result {
		memID, _ := r.Payload["memory_id"].(string)

		if memID == "" {
			continue
		}

		results = append(results, memory.VectorSearchResult{
			MemoryID: memID,
			// Qdrant reports raw cosine similarity in [-1,1].
			Score:    memory.Clamp((r.Score + 1) / 2),
			Metadata: r.Payload,
		})
	}

	return results, nil
}

func (client *Client) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	points := make([]string, len(ids))

	for i, id := range ids {
		points[i] = pointID(id)
	}

	body := map[string]any{"points": points}

	status, err := client.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/delete?wait=true", collectionName(collection)), body, nil)

	if err != nil {
		return err
	}

	if status >= 300 && status != http.StatusNotFound {
		return fmt.Errorf("qdrant: delete status %d", status)
	}

	return nil
}

// do sends one JSON request and optionally decodes the response body.
func (client *Client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader *bytes.Reader

	if body != nil {
		b, err := json.Marshal(body)

		if err != nil {
			return 0, err
		}

		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, client.Endpoint+path, reader)

	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.httpClient.Do(req)

	if err != nil {
		return 0, err
	}

	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("qdrant: decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}
