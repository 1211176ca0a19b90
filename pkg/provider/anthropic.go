package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/theapemachine/mnemo/pkg/memory"
)

/*
Anthropic provides generation through the Anthropic API. It carries no
embedding capability; pair it with OpenAI or Ollama when the engines need
vectors.
*/
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropic builds an Anthropic provider. An empty API key falls back to
// the ANTHROPIC_API_KEY environment variable through the client's own
// resolution.
func NewAnthropic(opts Options) *Anthropic {
	var clientOpts []option.RequestOption

	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	model := opts.Model

	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_0)
	}

	maxTokens := opts.MaxTokens

	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &Anthropic{
		client:    anthropic.NewClient(clientOpts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (p *Anthropic) Generate(ctx context.Context, system, prompt string) (string, error) {
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
	}

	return p.complete(ctx, system, messages)
}

func (p *Anthropic) GenerateWithHistory(ctx context.Context, system string, history []memory.ConversationMessage) (string, error) {
	messages := make([]anthropic.MessageParam, 0, len(history))

	for _, msg := range history {
		block := anthropic.NewTextBlock(msg.Content)

		switch msg.Role {
		case memory.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(block))
		default:
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	return p.complete(ctx, system, messages)
}

func (p *Anthropic) complete(ctx context.Context, system string, messages []anthropic.MessageParam) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		Messages:  messages,
	}

	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := p.client.Messages.New(ctx, params)

	if err != nil {
		return "", fmt.Errorf("anthropic: completion: %w", err)
	}

	var out strings.Builder

	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}

	if out.Len() == 0 {
		return "", fmt.Errorf("anthropic: empty completion")
	}

	return out.String(), nil
}

func (p *Anthropic) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrNoEmbeddings
}

func (p *Anthropic) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, ErrNoEmbeddings
}
