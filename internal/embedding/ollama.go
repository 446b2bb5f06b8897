package embedding

import (
	"context"
	"io"

	"github.com/kalambet/gastos/internal/ollama"
)

// OllamaProvider adapts the internal/ollama.Client to the Provider interface.
type OllamaProvider struct {
	client *ollama.Client
	model  string
}

// NewOllamaProvider creates an OllamaProvider backed by an Ollama server at baseURL.
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	return &OllamaProvider{client: ollama.New(baseURL), model: model}
}

func (p *OllamaProvider) Name() string  { return "ollama" }
func (p *OllamaProvider) Model() string { return p.model }

func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.client.Embed(ctx, p.model, texts)
}

func (p *OllamaProvider) EnsureReady(ctx context.Context, w io.Writer) error {
	return ollama.EnsureReady(ctx, p.client, p.model, w)
}
