package classifier

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
)

const (
	// DefaultTopK is the number of neighbors that vote when the fast path does not apply.
	DefaultTopK = 3

	// FastPathThreshold is the similarity the nearest neighbor must strictly exceed
	// to decide alone.
	FastPathThreshold = 0.9
)

// Embedder turns texts into vectors, one per text and in order. Implementations
// make a single attempt per call.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Neighbor is one reference ranked against a query.
type Neighbor struct {
	Merchant   string   `json:"merchant"`
	Label      Category `json:"label"`
	Similarity float64  `json:"similarity"`
}

// Assignment is the category chosen for a merchant.
type Assignment struct {
	Merchant   string     `json:"merchant"`
	Category   Category   `json:"category"`
	Confidence float64    `json:"confidence"`
	FastPath   bool       `json:"fast_path"`
	Neighbors  []Neighbor `json:"neighbors,omitempty"`
}

// Result is one element of a batch classification.
type Result struct {
	Assignment
	Err error `json:"-"`
}

// Classifier assigns categories by nearest-neighbor voting over a Snapshot.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	embedder Embedder
	topK     int
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithTopK sets how many neighbors vote. Values below 1 are ignored.
func WithTopK(k int) Option {
	return func(c *Classifier) {
		if k > 0 {
			c.topK = k
		}
	}
}

// New returns a Classifier that embeds merchant names with e.
func New(e Embedder, opts ...Option) *Classifier {
	c := &Classifier{embedder: e, topK: DefaultTopK}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify embeds merchant once and assigns it a category from snap.
func (c *Classifier) Classify(ctx context.Context, merchant string, snap *Snapshot) (Assignment, error) {
	res := c.ClassifyBatch(ctx, []string{merchant}, snap)
	return res[0].Assignment, res[0].Err
}

// ClassifyBatch classifies merchants with a single embedding call. The result has
// one element per merchant, in order; a failure is reported on the element it
// concerns and never aborts the rest.
func (c *Classifier) ClassifyBatch(ctx context.Context, merchants []string, snap *Snapshot) []Result {
	results := make([]Result, len(merchants))
	if len(merchants) == 0 {
		return results
	}
	for i, m := range merchants {
		results[i].Merchant = m
	}
	if snap.Len() == 0 {
		for i := range results {
			results[i].Err = ErrClassifierUnavailable
		}
		return results
	}

	// Only non-empty names reach the provider.
	var texts []string
	var idx []int
	for i, m := range merchants {
		name := strings.TrimSpace(m)
		if name == "" {
			results[i].Err = ErrEmptyMerchant
			continue
		}
		texts = append(texts, name)
		idx = append(idx, i)
	}
	if len(texts) == 0 {
		return results
	}

	vectors, err := c.embedder.Embed(ctx, texts)
	if err == nil && len(vectors) != len(texts) {
		err = fmt.Errorf("got %d embeddings for %d texts", len(vectors), len(texts))
	}
	if err != nil {
		perr := &ProviderError{Err: err}
		for _, i := range idx {
			results[i].Err = perr
		}
		return results
	}

	for j, i := range idx {
		a, err := c.ClassifyVector(vectors[j], snap)
		a.Merchant = merchants[i]
		results[i] = Result{Assignment: a, Err: err}
	}
	return results
}

// ClassifyVector assigns a category to an already embedded query. The returned
// Assignment has no Merchant set.
func (c *Classifier) ClassifyVector(vec []float32, snap *Snapshot) (Assignment, error) {
	ranked, err := Rank(vec, snap)
	if err != nil {
		return Assignment{}, err
	}
	cat, conf, fast := Decide(ranked, c.topK)
	used := c.topK
	if fast {
		used = 1
	}
	return Assignment{
		Category:   cat,
		Confidence: conf,
		FastPath:   fast,
		Neighbors:  ranked[:min(used, len(ranked))],
	}, nil
}

// Rank scores vec against every reference in snap and sorts the neighbors by
// similarity, descending. Equal similarities keep snapshot order.
func Rank(vec []float32, snap *Snapshot) ([]Neighbor, error) {
	if snap.Len() == 0 {
		return nil, ErrClassifierUnavailable
	}
	if len(vec) != snap.dim {
		return nil, fmt.Errorf("query dimension %d, snapshot dimension %d: %w", len(vec), snap.dim, ErrDimensionMismatch)
	}
	qNorm := norm(vec)
	out := make([]Neighbor, len(snap.vectors))
	for i, ref := range snap.vectors {
		out[i] = Neighbor{
			Merchant:   snap.merchants[i],
			Label:      snap.labels[i],
			Similarity: cosine(vec, ref, qNorm, snap.norms[i]),
		}
	}
	slices.SortStableFunc(out, func(a, b Neighbor) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})
	return out, nil
}

// Decide picks a category from neighbors sorted by descending similarity.
//
// If the nearest similarity is strictly above FastPathThreshold, its label wins
// with that similarity as confidence. Otherwise the first k neighbors vote: the
// most frequent label wins, ties go to the label seen first, and confidence is
// the mean similarity of the k voters. With fewer than k neighbors all of them
// vote. Confidence is clamped to [0, 1].
func Decide(neighbors []Neighbor, k int) (cat Category, confidence float64, fastPath bool) {
	if len(neighbors) == 0 {
		return "", 0, false
	}
	if top := neighbors[0]; top.Similarity > FastPathThreshold {
		return top.Label, clamp01(top.Similarity), true
	}

	if k < 1 {
		k = 1
	}
	voters := neighbors[:min(k, len(neighbors))]

	counts := make(map[Category]int, len(voters))
	var order []Category
	var sum float64
	for _, n := range voters {
		if counts[n.Label] == 0 {
			order = append(order, n.Label)
		}
		counts[n.Label]++
		sum += n.Similarity
	}
	best := order[0]
	for _, c := range order[1:] {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return best, clamp01(sum / float64(len(voters))), false
}

func clamp01(f float64) float64 {
	return max(0, min(1, f))
}
