package embedding

import (
	"context"
	"io"
)

// Provider computes text embeddings for merchant names. Consumers such as the
// classifier and the snapshot refresher use this interface instead of a concrete
// client. Embed makes a single attempt; retry policy belongs to the caller.
type Provider interface {
	// Name identifies the backend ("ollama", "gemini").
	Name() string

	// Model is the embedding model every vector from this provider comes from.
	Model() string

	// Embed returns one vector per text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EnsureReady checks the backend is reachable and the model usable, writing
	// progress to w.
	EnsureReady(ctx context.Context, w io.Writer) error
}
