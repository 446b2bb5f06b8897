package embedding

import (
	"context"
	"fmt"
)

// DetectConfig holds parameters for provider selection.
type DetectConfig struct {
	Provider      string
	OllamaBaseURL string
	OllamaModel   string
	GeminiAPIKey  string
	GeminiModel   string
}

// Detect returns the configured provider. An empty name selects Ollama.
func Detect(ctx context.Context, cfg DetectConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "ollama":
		return NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	case "gemini":
		return NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (want ollama or gemini)", cfg.Provider)
	}
}
