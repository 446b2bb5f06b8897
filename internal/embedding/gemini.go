package embedding

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/genai"
)

// geminiBatchLimit is the most texts the Gemini API embeds in one request.
const geminiBatchLimit = 100

// contentEmbedder is the subset of *genai.Models used here.
type contentEmbedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// GeminiProvider computes embeddings with the Gemini API.
type GeminiProvider struct {
	models contentEmbedder
	model  string
}

// NewGeminiProvider creates a Gemini API client authenticated with apiKey.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is not set")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GeminiProvider{models: client.Models, model: model}, nil
}

func (p *GeminiProvider) Name() string  { return "gemini" }
func (p *GeminiProvider) Model() string { return p.model }

// Embed sends texts in chunks of geminiBatchLimit, so a batch of up to 100 texts
// is one API request and a larger batch makes one request per chunk. The first
// failing chunk fails the whole call.
func (p *GeminiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	cfg := &genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += geminiBatchLimit {
		chunk := texts[start:min(start+geminiBatchLimit, len(texts))]
		contents := make([]*genai.Content, len(chunk))
		for i, t := range chunk {
			contents[i] = genai.NewContentFromText(t, genai.RoleUser)
		}
		resp, err := p.models.EmbedContent(ctx, p.model, contents, cfg)
		if err != nil {
			return nil, fmt.Errorf("gemini embed: %w", err)
		}
		if len(resp.Embeddings) != len(chunk) {
			return nil, fmt.Errorf("gemini embed: got %d embeddings for %d inputs", len(resp.Embeddings), len(chunk))
		}
		for _, e := range resp.Embeddings {
			out = append(out, e.Values)
		}
	}
	return out, nil
}

// EnsureReady embeds a probe text so a bad key or model name fails at startup.
func (p *GeminiProvider) EnsureReady(ctx context.Context, w io.Writer) error {
	if _, err := p.Embed(ctx, []string{"tienda"}); err != nil {
		return fmt.Errorf("gemini model %s: %w", p.model, err)
	}
	fmt.Fprintf(w, "model %s: ready\n", p.model)
	return nil
}
