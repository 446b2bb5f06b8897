package classifier

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
)

type mockEmbedder struct {
	embedFn func(ctx context.Context, texts []string) ([][]float32, error)
	calls   int
	mu      sync.Mutex
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.embedFn(ctx, texts)
}

// vectorsFor returns an embedder that maps each text to a fixed vector.
func vectorsFor(byText map[string][]float32) *mockEmbedder {
	return &mockEmbedder{embedFn: func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			v, ok := byText[t]
			if !ok {
				return nil, errors.New("no vector for " + t)
			}
			out[i] = v
		}
		return out, nil
	}}
}

// unitAt returns a 2-D unit vector whose cosine with (1, 0) is sim.
func unitAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func mustSnapshot(t *testing.T, refs ...Reference) *Snapshot {
	t.Helper()
	s, err := NewSnapshot(SnapshotInfo{Version: "test", Model: "test-model"}, refs)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	return s
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestDecide_FastPath(t *testing.T) {
	neighbors := []Neighbor{
		{Label: Comida, Similarity: 0.95},
		{Label: Mercado, Similarity: 0.94},
		{Label: Mercado, Similarity: 0.93},
	}
	cat, conf, fast := Decide(neighbors, 3)
	if cat != Comida || conf != 0.95 || !fast {
		t.Errorf("Decide = %s, %v, %v; want comida, 0.95, true", cat, conf, fast)
	}
}

func TestDecide_BoundaryTakesVotePath(t *testing.T) {
	neighbors := []Neighbor{
		{Label: Comida, Similarity: 0.9},
		{Label: Mercado, Similarity: 0.6},
		{Label: Mercado, Similarity: 0.3},
	}
	cat, conf, fast := Decide(neighbors, 3)
	if fast {
		t.Error("similarity 0.9 took the fast path")
	}
	if cat != Mercado {
		t.Errorf("category = %s, want mercado", cat)
	}
	if !approx(conf, 0.6) {
		t.Errorf("confidence = %v, want 0.6", conf)
	}
}

func TestDecide_Vote(t *testing.T) {
	neighbors := []Neighbor{
		{Label: Comida, Similarity: 0.80},
		{Label: Comida, Similarity: 0.75},
		{Label: Mercado, Similarity: 0.70},
		{Label: Mercado, Similarity: 0.69},
		{Label: Mercado, Similarity: 0.68},
	}
	cat, conf, fast := Decide(neighbors, 3)
	if cat != Comida || fast {
		t.Errorf("Decide = %s (fast %v), want comida by vote", cat, fast)
	}
	if !approx(conf, 0.75) {
		t.Errorf("confidence = %v, want 0.75", conf)
	}
}

func TestDecide_TieGoesToFirstSeen(t *testing.T) {
	tests := []struct {
		name      string
		neighbors []Neighbor
		k         int
		want      Category
	}{
		{"three-way tie", []Neighbor{
			{Label: Servicios, Similarity: 0.5},
			{Label: Carro, Similarity: 0.4},
			{Label: Comida, Similarity: 0.3},
		}, 3, Servicios},
		{"two-two tie", []Neighbor{
			{Label: Movilidad, Similarity: 0.8},
			{Label: Diversion, Similarity: 0.7},
			{Label: Diversion, Similarity: 0.6},
			{Label: Movilidad, Similarity: 0.5},
		}, 4, Movilidad},
		{"later majority beats first seen", []Neighbor{
			{Label: Facturas, Similarity: 0.8},
			{Label: Carro, Similarity: 0.7},
			{Label: Carro, Similarity: 0.6},
		}, 3, Carro},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if cat, _, _ := Decide(tt.neighbors, tt.k); cat != tt.want {
				t.Errorf("category = %s, want %s", cat, tt.want)
			}
		})
	}
}

func TestDecide_FewerThanK(t *testing.T) {
	cat, conf, _ := Decide([]Neighbor{
		{Label: Carro, Similarity: 0.5},
		{Label: Carro, Similarity: 0.3},
	}, 3)
	if cat != Carro || !approx(conf, 0.4) {
		t.Errorf("Decide = %s, %v; want carro, 0.4", cat, conf)
	}
}

func TestDecide_ConfidenceClamped(t *testing.T) {
	_, conf, _ := Decide([]Neighbor{
		{Label: Carro, Similarity: -0.2},
		{Label: Carro, Similarity: -0.5},
	}, 3)
	if conf != 0 {
		t.Errorf("confidence = %v, want 0", conf)
	}
}

func TestClassify_FastPathIgnoresOtherNeighbors(t *testing.T) {
	snap := mustSnapshot(t,
		Reference{Merchant: "RESTAURANTE", Label: Comida, Vector: unitAt(0.95)},
		Reference{Merchant: "EXITO", Label: Mercado, Vector: unitAt(0.85)},
		Reference{Merchant: "CARULLA", Label: Mercado, Vector: unitAt(0.80)},
	)
	c := New(vectorsFor(map[string][]float32{"CREPES": {1, 0}}))

	got, err := c.Classify(context.Background(), "CREPES", snap)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Category != Comida || !got.FastPath {
		t.Errorf("Category = %s (fast %v), want comida by fast path", got.Category, got.FastPath)
	}
	if !approx(got.Confidence, 0.95) {
		t.Errorf("Confidence = %v, want 0.95", got.Confidence)
	}
	if got.Merchant != "CREPES" {
		t.Errorf("Merchant = %q, want CREPES", got.Merchant)
	}
	if len(got.Neighbors) != 1 {
		t.Errorf("len(Neighbors) = %d, want 1", len(got.Neighbors))
	}
}

func TestClassify_Vote(t *testing.T) {
	snap := mustSnapshot(t,
		Reference{Merchant: "SUPERMERCADO", Label: Mercado, Vector: unitAt(0.70)},
		Reference{Merchant: "PIZZERIA", Label: Comida, Vector: unitAt(0.80)},
		Reference{Merchant: "TAXI", Label: Movilidad, Vector: unitAt(0.10)},
		Reference{Merchant: "ASADERO", Label: Comida, Vector: unitAt(0.75)},
	)
	c := New(vectorsFor(map[string][]float32{"HAMBURGUESAS": {1, 0}}))

	got, err := c.Classify(context.Background(), "HAMBURGUESAS", snap)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Category != Comida || got.FastPath {
		t.Errorf("Category = %s (fast %v), want comida by vote", got.Category, got.FastPath)
	}
	if !approx(got.Confidence, 0.75) {
		t.Errorf("Confidence = %v, want 0.75", got.Confidence)
	}
	wantOrder := []string{"PIZZERIA", "ASADERO", "SUPERMERCADO"}
	for i, n := range got.Neighbors {
		if n.Merchant != wantOrder[i] {
			t.Errorf("Neighbors[%d] = %q, want %q", i, n.Merchant, wantOrder[i])
		}
	}
}

func TestClassify_TopKOption(t *testing.T) {
	snap := mustSnapshot(t,
		Reference{Merchant: "A", Label: Carro, Vector: unitAt(0.8)},
		Reference{Merchant: "B", Label: Diversion, Vector: unitAt(0.7)},
		Reference{Merchant: "C", Label: Diversion, Vector: unitAt(0.6)},
	)
	c := New(vectorsFor(map[string][]float32{"Q": {1, 0}}), WithTopK(1))
	got, err := c.Classify(context.Background(), "Q", snap)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Category != Carro || !approx(got.Confidence, 0.8) {
		t.Errorf("got %s/%v, want carro/0.8", got.Category, got.Confidence)
	}
}

func TestClassify_Unavailable(t *testing.T) {
	emb := vectorsFor(map[string][]float32{"X": {1, 0}})
	c := New(emb)
	for _, snap := range []*Snapshot{nil, mustSnapshot(t)} {
		_, err := c.Classify(context.Background(), "X", snap)
		if !errors.Is(err, ErrClassifierUnavailable) {
			t.Errorf("error = %v, want ErrClassifierUnavailable", err)
		}
	}
	if emb.calls != 0 {
		t.Errorf("embedder called %d times without a snapshot", emb.calls)
	}
}

func TestClassify_ProviderErrorSurfacedOnce(t *testing.T) {
	cause := errors.New("401 unauthorized")
	emb := &mockEmbedder{embedFn: func(context.Context, []string) ([][]float32, error) {
		return nil, cause
	}}
	snap := mustSnapshot(t, Reference{Merchant: "A", Label: Carro, Vector: []float32{1, 0}})

	_, err := New(emb).Classify(context.Background(), "X", snap)
	if !errors.Is(err, ErrEmbeddingProvider) {
		t.Errorf("error = %v, want ErrEmbeddingProvider", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("error = %v, want wrapping the provider error", err)
	}
	if emb.calls != 1 {
		t.Errorf("embedder called %d times, want 1", emb.calls)
	}
}

func TestClassify_DimensionMismatch(t *testing.T) {
	snap := mustSnapshot(t, Reference{Merchant: "A", Label: Carro, Vector: []float32{1, 0}})
	c := New(vectorsFor(map[string][]float32{"X": {1, 0, 0}}))
	_, err := c.Classify(context.Background(), "X", snap)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("error = %v, want ErrDimensionMismatch", err)
	}
}

func TestClassifyBatch_OrderAndPerElementErrors(t *testing.T) {
	snap := mustSnapshot(t,
		Reference{Merchant: "TAXI", Label: Movilidad, Vector: []float32{1, 0}},
		Reference{Merchant: "CINE", Label: Diversion, Vector: []float32{0, 1}},
	)
	emb := vectorsFor(map[string][]float32{
		"UBER":    {0.99, 0.01},
		"TEATRO":  {0.01, 0.99},
		"WRONGDM": {1, 0, 0},
	})
	c := New(emb)

	res := c.ClassifyBatch(context.Background(), []string{"TEATRO", "  ", "UBER", "WRONGDM"}, snap)
	if len(res) != 4 {
		t.Fatalf("len = %d, want 4", len(res))
	}
	if res[0].Err != nil || res[0].Category != Diversion || res[0].Merchant != "TEATRO" {
		t.Errorf("res[0] = %+v, want diversion", res[0])
	}
	if !errors.Is(res[1].Err, ErrEmptyMerchant) {
		t.Errorf("res[1].Err = %v, want ErrEmptyMerchant", res[1].Err)
	}
	if res[2].Err != nil || res[2].Category != Movilidad {
		t.Errorf("res[2] = %+v, want movilidad", res[2])
	}
	if !errors.Is(res[3].Err, ErrDimensionMismatch) {
		t.Errorf("res[3].Err = %v, want ErrDimensionMismatch", res[3].Err)
	}
	if emb.calls != 1 {
		t.Errorf("embedder called %d times, want 1", emb.calls)
	}
}

func TestClassifyBatch_WrongEmbeddingCount(t *testing.T) {
	emb := &mockEmbedder{embedFn: func(context.Context, []string) ([][]float32, error) {
		return [][]float32{{1, 0}}, nil
	}}
	snap := mustSnapshot(t, Reference{Merchant: "A", Label: Carro, Vector: []float32{1, 0}})
	res := New(emb).ClassifyBatch(context.Background(), []string{"X", "Y"}, snap)
	for i, r := range res {
		if !errors.Is(r.Err, ErrEmbeddingProvider) {
			t.Errorf("res[%d].Err = %v, want ErrEmbeddingProvider", i, r.Err)
		}
	}
}

func TestRank_StableOnTies(t *testing.T) {
	snap := mustSnapshot(t,
		Reference{Merchant: "first", Label: Carro, Vector: []float32{1, 1}},
		Reference{Merchant: "second", Label: Comida, Vector: []float32{1, 1}},
		Reference{Merchant: "third", Label: Mercado, Vector: []float32{1, 1}},
	)
	ranked, err := Rank([]float32{1, 0}, snap)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	for i, want := range []string{"first", "second", "third"} {
		if ranked[i].Merchant != want {
			t.Errorf("ranked[%d] = %q, want %q", i, ranked[i].Merchant, want)
		}
	}
}
