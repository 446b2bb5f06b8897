// Package refresh rebuilds the classifier's reference snapshot from the labeled
// merchant table and publishes it for concurrent readers.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/gastos/internal/classifier"
	"github.com/kalambet/gastos/internal/storage"
)

// LabelStore reads labels and caches their embeddings.
type LabelStore interface {
	ListLabels() ([]storage.MerchantLabel, error)
	GetVectors(model string, merchants []string) (map[string][]float32, error)
	SaveVectors(model string, vectors map[string][]float32) error
}

// Embedder is the embedding backend. Vectors are cached per Model.
type Embedder interface {
	Model() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Archiver stores a copy of a published snapshot.
type Archiver interface {
	Archive(ctx context.Context, snap *classifier.Snapshot) error
}

const (
	defaultChunkSize   = 64
	defaultConcurrency = 2
)

// Refresher builds snapshots. Builds are serialized; readers of the holder are
// never blocked by one.
type Refresher struct {
	store       LabelStore
	embedder    Embedder
	holder      *classifier.SnapshotHolder
	archiver    Archiver
	chunkSize   int
	concurrency int
	logger      *slog.Logger

	mu      sync.Mutex
	trigger chan struct{}
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithArchiver archives every published snapshot. Archive failures are logged and
// do not undo the publish.
func WithArchiver(a Archiver) Option {
	return func(r *Refresher) { r.archiver = a }
}

// WithChunkSize sets how many merchants go into one embedding call.
func WithChunkSize(n int) Option {
	return func(r *Refresher) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// WithConcurrency sets how many embedding calls run at once.
func WithConcurrency(n int) Option {
	return func(r *Refresher) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) { r.logger = l }
}

// New returns a Refresher publishing into holder.
func New(store LabelStore, embedder Embedder, holder *classifier.SnapshotHolder, opts ...Option) *Refresher {
	r := &Refresher{
		store:       store,
		embedder:    embedder,
		holder:      holder,
		chunkSize:   defaultChunkSize,
		concurrency: defaultConcurrency,
		logger:      slog.Default(),
		trigger:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Refresh builds a snapshot from the current labels and publishes it. On error the
// previously published snapshot stays current.
func (r *Refresher) Refresh(ctx context.Context) (*classifier.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	snap, embedded, err := r.build(ctx)
	if err != nil {
		return nil, err
	}
	r.holder.Publish(snap)

	info := snap.Info()
	r.logger.Info("snapshot published",
		"version", info.Version,
		"model", info.Model,
		"references", snap.Len(),
		"embedded", embedded,
		"duration", time.Since(start),
	)

	if r.archiver != nil && snap.Len() > 0 {
		if err := r.archiver.Archive(ctx, snap); err != nil {
			r.logger.Warn("snapshot archive failed", "version", info.Version, "error", err)
		}
	}
	return snap, nil
}

func (r *Refresher) build(ctx context.Context) (*classifier.Snapshot, int, error) {
	labels, err := r.store.ListLabels()
	if err != nil {
		return nil, 0, fmt.Errorf("listing labels: %w", err)
	}

	type labeled struct {
		merchant string
		category classifier.Category
	}
	valid := make([]labeled, 0, len(labels))
	merchants := make([]string, 0, len(labels))
	for _, l := range labels {
		cat, err := classifier.ParseCategory(l.Category)
		if err != nil {
			r.logger.Warn("skipping label", "merchant", l.Merchant, "error", err)
			continue
		}
		valid = append(valid, labeled{merchant: l.Merchant, category: cat})
		merchants = append(merchants, l.Merchant)
	}

	model := r.embedder.Model()
	vectors, err := r.store.GetVectors(model, merchants)
	if err != nil {
		return nil, 0, fmt.Errorf("loading cached vectors: %w", err)
	}

	var missing []string
	for _, m := range merchants {
		if _, ok := vectors[m]; !ok {
			missing = append(missing, m)
		}
	}

	fresh, err := r.embedMissing(ctx, missing)
	if err != nil {
		return nil, 0, err
	}
	if len(fresh) > 0 {
		if err := r.store.SaveVectors(model, fresh); err != nil {
			return nil, 0, fmt.Errorf("caching vectors: %w", err)
		}
		for m, v := range fresh {
			vectors[m] = v
		}
	}

	refs := make([]classifier.Reference, 0, len(valid))
	for _, l := range valid {
		refs = append(refs, classifier.Reference{Merchant: l.merchant, Label: l.category, Vector: vectors[l.merchant]})
	}

	snap, err := classifier.NewSnapshot(classifier.SnapshotInfo{
		Version: uuid.New().String(),
		Model:   model,
		BuiltAt: time.Now().UTC(),
	}, refs)
	if err != nil {
		return nil, 0, fmt.Errorf("building snapshot: %w", err)
	}
	return snap, len(fresh), nil
}

// embedMissing embeds merchants in chunks, several chunks at a time. Any chunk
// failure fails the whole refresh.
func (r *Refresher) embedMissing(ctx context.Context, merchants []string) (map[string][]float32, error) {
	if len(merchants) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	out := make(map[string][]float32, len(merchants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for start := 0; start < len(merchants); start += r.chunkSize {
		chunk := merchants[start:min(start+r.chunkSize, len(merchants))]
		g.Go(func() error {
			vecs, err := r.embedder.Embed(gctx, chunk)
			if err != nil {
				return &classifier.ProviderError{Err: err}
			}
			if len(vecs) != len(chunk) {
				return &classifier.ProviderError{Err: fmt.Errorf("got %d vectors for %d merchants", len(vecs), len(chunk))}
			}
			mu.Lock()
			for i, m := range chunk {
				out[m] = vecs[i]
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("embedding %d merchants: %w", len(merchants), err)
	}
	return out, nil
}

// Trigger requests a refresh from Run without waiting for it. Requests made while
// one is pending collapse into it.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes once immediately, then every interval and on Trigger, until ctx is
// cancelled. A non-positive interval disables the timer.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	r.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-r.trigger:
		}
		r.runOnce(ctx)
	}
}

func (r *Refresher) runOnce(ctx context.Context) {
	if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("snapshot refresh failed", "error", err)
	}
}
