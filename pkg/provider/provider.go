// Package provider adapts LLM vendors to the generation and embedding
// contracts the memory engines consume. OpenAI covers both generation and
// embeddings, Anthropic generation only, and Ollama both for fully local
// development.
package provider

import (
	"errors"
	"fmt"

	"github.com/theapemachine/mnemo/pkg/memory"
)

// ErrNoEmbeddings is returned by providers that cannot produce embeddings.
var ErrNoEmbeddings = errors.New("provider does not support embeddings")

// Options configures a provider instance.
type Options struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	MaxTokens      int
}

// Bundle pairs the capabilities a provider offers. Embedder is nil for
// generation-only providers.
type Bundle struct {
	Generator memory.Generator
	Embedder  memory.Embedder
}

// New builds the provider bundle for a vendor name.
func New(name string, opts Options) (*Bundle, error) {
	switch name {
	case "openai":
		p := NewOpenAI(opts)
		return &Bundle{Generator: p, Embedder: p}, nil
	case "anthropic":
		return &Bundle{Generator: NewAnthropic(opts)}, nil
	case "ollama":
		p, err := NewOllama(opts)

		if err != nil {
			return nil, err
		}

		return &Bundle{Generator: p, Embedder: p}, nil
	default:
		return nil, fmt.Errorf("provider: unknown provider %q", name)
	}
}
