package classifier

import (
	"errors"
	"fmt"
)

var (
	// ErrClassifierUnavailable means there is no snapshot, or it holds no references.
	ErrClassifierUnavailable = errors.New("classifier unavailable: no reference snapshot")

	// ErrEmbeddingProvider is matched by every *ProviderError.
	ErrEmbeddingProvider = errors.New("embedding provider error")

	// ErrDimensionMismatch means the query vector and the snapshot come from different models.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	ErrEmptyMerchant = errors.New("empty merchant name")

	// ErrInvalidCategory means a label is not one of the known categories.
	ErrInvalidCategory = errors.New("invalid category")
)

// ProviderError carries an embedding provider failure unchanged.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", ErrEmbeddingProvider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrEmbeddingProvider }
