package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/theapemachine/mnemo/pkg/memory"
)

/*
Ollama provides generation and embeddings against a local Ollama daemon,
which makes the whole system runnable offline. The client resolves its
endpoint from OLLAMA_HOST.
*/
type Ollama struct {
	client         *api.Client
	model          string
	embeddingModel string
}

// NewOllama builds an Ollama provider from the environment.
func NewOllama(opts Options) (*Ollama, error) {
	client, err := api.ClientFromEnvironment()

	if err != nil {
		return nil, fmt.Errorf("ollama: client: %w", err)
	}

	model := opts.Model

	if model == "" {
		model = "llama3.2"
	}

	embeddingModel := opts.EmbeddingModel

	if embeddingModel == "" {
		embeddingModel = "nomic-embed-text"
	}

	return &Ollama{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
	}, nil
}

func (p *Ollama) Generate(ctx context.Context, system, prompt string) (string, error) {
	messages := []api.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: prompt},
	}

	return p.complete(ctx, messages)
}

func (p *Ollama) GenerateWithHistory(ctx context.Context, system string, history []memory.ConversationMessage) (string, error) {
	messages := make([]api.Message, 0, len(history)+1)
	messages = append(messages, api.Message{Role: "system", Content: system})

	for _, msg := range history {
		messages = append(messages, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	return p.complete(ctx, messages)
}

func (p *Ollama) complete(ctx context.Context, messages []api.Message) (string, error) {
	var (
		out    strings.Builder
		stream = false
	)

	err := p.client.Chat(ctx, &api.ChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   &stream,
	}, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})

	if err != nil {
		return "", fmt.Errorf("ollama: chat: %w", err)
	}

	return out.String(), nil
}

func (p *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.EmbedBatch(ctx, []string{text})

	if err != nil {
		return nil, err
	}

	return embeddings[0], nil
}

func (p *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{
		Model: p.embeddingModel,
		Input: texts,
	})

	if err != nil {
		return nil, fmt.Errorf("ollama: embeddings: %w", err)
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama: got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	return resp.Embeddings, nil
}
