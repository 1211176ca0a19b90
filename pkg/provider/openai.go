package provider

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/theapemachine/mnemo/pkg/memory"
)

/*
OpenAI provides generation and embeddings through the OpenAI API. It is the
default provider: one client covers every capability the engines need.
*/
type OpenAI struct {
	client         openai.Client
	model          string
	embeddingModel string
	maxTokens      int
}

// NewOpenAI builds an OpenAI provider. An empty API key falls back to the
// OPENAI_API_KEY environment variable through the client's own resolution.
func NewOpenAI(opts Options) *OpenAI {
	var clientOpts []option.RequestOption

	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	model := opts.Model

	if model == "" {
		model = openai.ChatModelGPT4oMini
	}

	embeddingModel := opts.EmbeddingModel

	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}

	maxTokens := opts.MaxTokens

	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &OpenAI{
		client:         openai.NewClient(clientOpts...),
		model:          model,
		embeddingModel: embeddingModel,
		maxTokens:      maxTokens,
	}
}

func (p *OpenAI) Generate(ctx context.Context, system, prompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(prompt),
	}

	return p.complete(ctx, messages)
}

func (p *OpenAI) GenerateWithHistory(ctx context.Context, system string, history []memory.ConversationMessage) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	messages = append(messages, openai.SystemMessage(system))

	for _, msg := range history {
		switch msg.Role {
		case memory.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	return p.complete(ctx, messages)
}

func (p *OpenAI) complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(p.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(p.maxTokens)),
	})

	if err != nil {
		return "", fmt.Errorf("openai: completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty completion")
	}

	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.EmbedBatch(ctx, []string{text})

	if err != nil {
		return nil, err
	}

	return embeddings[0], nil
}

func (p *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(p.embeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})

	if err != nil {
		return nil, fmt.Errorf("openai: embeddings: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(resp.Data))

	for i, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))

		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}

		out[i] = vec
	}

	return out, nil
}
