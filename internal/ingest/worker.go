// Package ingest turns stored bank emails into categorized transactions by
// draining parse_email jobs from the queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/gastos/internal/classifier"
	"github.com/kalambet/gastos/internal/parser"
	"github.com/kalambet/gastos/internal/storage"
)

// Store is the persistence the worker needs.
type Store interface {
	ClaimJobs(types []string, limit int) ([]storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetEmail(id string) (storage.Email, error)
	MarkEmailParsed(id string) error
	MarkEmailFailed(id, reason, message string) error
	SaveTransaction(t storage.Transaction) (storage.Transaction, error)
	SetTransactionCategory(id, category string, confidence float64, source string, needsReview bool) error
}

// Processor parses one email into a transaction.
type Processor interface {
	Process(email parser.RawEmail) (parser.TransactionInfo, error)
}

// BatchClassifier categorizes merchants against a snapshot, one result per merchant.
type BatchClassifier interface {
	ClassifyBatch(ctx context.Context, merchants []string, snap *classifier.Snapshot) []classifier.Result
}

// SnapshotSource returns the snapshot currently in use.
type SnapshotSource interface {
	Load() *classifier.Snapshot
}

// Config tunes the worker. Zero values take defaults.
type Config struct {
	PollInterval time.Duration // default 500ms
	BatchSize    int           // jobs claimed per iteration, default 16
	Concurrency  int           // emails parsed at once, default 4
}

// Worker processes parse_email jobs from the SQLite job queue.
type Worker struct {
	store      Store
	processor  Processor
	classifier BatchClassifier
	snapshots  SnapshotSource
	cfg        Config
	logger     *slog.Logger
}

// NewWorker creates a Worker. A nil classifier stores transactions unclassified
// and flagged for review.
func NewWorker(store Store, processor Processor, cls BatchClassifier, snapshots SnapshotSource, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Worker{
		store:      store,
		processor:  processor,
		classifier: cls,
		snapshots:  snapshots,
		cfg:        cfg,
		logger:     slog.Default(),
	}
}

// SetLogger overrides slog.Default().
func (w *Worker) SetLogger(l *slog.Logger) { w.logger = l }

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// EmailPayload is the payload of a parse_email job.
type EmailPayload struct {
	EmailID string `json:"email_id"`
}

// outcome tracks one claimed job through the batch.
type outcome struct {
	job      storage.Job
	txID     string
	merchant string
	err      error // infrastructure failure; the job is retried
}

// RunOnce claims a batch of parse_email jobs and processes it. It returns how many
// jobs were claimed, regardless of their individual success.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.store.ClaimJobs([]string{storage.JobParseEmail}, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claiming jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	results := make([]outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = w.parseJob(gctx, job)
			return nil
		})
	}
	_ = g.Wait()

	w.classify(ctx, results)

	for _, r := range results {
		if r.err != nil {
			w.logger.Warn("job failed", "job_id", r.job.ID, "error", r.err)
			if failErr := w.store.FailJob(r.job.ID, r.err.Error()); failErr != nil {
				w.logger.Error("failed to mark job as failed", "job_id", r.job.ID, "error", failErr)
			}
			continue
		}
		if err := w.store.CompleteJob(r.job.ID); err != nil {
			return len(jobs), fmt.Errorf("completing job %s: %w", r.job.ID, err)
		}
	}
	return len(jobs), nil
}

// parseJob parses the job's email and stores the transaction. A parse failure is
// recorded on the email and completes the job; retrying would fail the same way.
func (w *Worker) parseJob(ctx context.Context, job storage.Job) outcome {
	out := outcome{job: job}
	if err := ctx.Err(); err != nil {
		out.err = err
		return out
	}

	var payload EmailPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		out.err = fmt.Errorf("parsing payload: %w", err)
		return out
	}

	email, err := w.store.GetEmail(payload.EmailID)
	if err != nil {
		out.err = fmt.Errorf("loading email %s: %w", payload.EmailID, err)
		return out
	}

	info, err := w.processor.Process(parser.RawEmail{
		Text:       email.Body,
		LogID:      email.LogID,
		ReceivedAt: email.ReceivedAt,
	})
	if err != nil {
		reason := parser.Reason(err)
		w.logger.Info("email not parsed", "email_id", email.ID, "reason", reason, "error", err)
		if markErr := w.store.MarkEmailFailed(email.ID, reason, err.Error()); markErr != nil {
			out.err = fmt.Errorf("recording parse failure: %w", markErr)
		}
		return out
	}

	tx, err := w.store.SaveTransaction(TransactionFromInfo(email.ID, info))
	if err != nil {
		out.err = err
		return out
	}
	if err := w.store.MarkEmailParsed(email.ID); err != nil {
		out.err = fmt.Errorf("marking email parsed: %w", err)
		return out
	}
	out.txID = tx.ID
	out.merchant = tx.Merchant
	return out
}

// classify assigns categories to every transaction parsed in this batch with a
// single embedding call. Provider failures fail the affected jobs so the queue
// retries them; a missing snapshot leaves transactions flagged for review.
func (w *Worker) classify(ctx context.Context, results []outcome) {
	if w.classifier == nil || w.snapshots == nil {
		return
	}

	var idx []int
	var merchants []string
	for i, r := range results {
		if r.err == nil && r.txID != "" {
			idx = append(idx, i)
			merchants = append(merchants, storage.NormalizeMerchant(r.merchant))
		}
	}
	if len(merchants) == 0 {
		return
	}

	assigned := w.classifier.ClassifyBatch(ctx, merchants, w.snapshots.Load())
	for j, res := range assigned {
		r := &results[idx[j]]
		switch {
		case res.Err == nil:
			review := NeedsReview(res.Confidence)
			if err := w.store.SetTransactionCategory(r.txID, string(res.Category), res.Confidence, storage.SourceClassifier, review); err != nil {
				r.err = fmt.Errorf("storing category: %w", err)
			}
		case errors.Is(res.Err, classifier.ErrEmbeddingProvider):
			r.err = res.Err
		default:
			w.logger.Info("transaction left unclassified", "transaction_id", r.txID, "merchant", r.merchant, "error", res.Err)
		}
	}
}

// NeedsReview reports whether an assignment of the given confidence should be
// confirmed by a person. Only fast-path-grade confidence is trusted.
func NeedsReview(confidence float64) bool {
	return confidence <= classifier.FastPathThreshold
}

// TransactionFromInfo maps a parsed record onto its storage row. The row starts
// flagged for review until a category is assigned.
func TransactionFromInfo(emailID string, info parser.TransactionInfo) storage.Transaction {
	t := storage.Transaction{
		EmailID:         emailID,
		TransactionType: info.TransactionType.String(),
		CanonicalName:   info.CanonicalName,
		IsIncome:        info.IsIncome,
		Amount:          info.Amount,
		Merchant:        info.Merchant,
		OccurredAt:      info.OccurredAt,
		SourceLogID:     info.SourceLogID,
		NeedsReview:     true,
	}
	if info.PaymentMethod != nil {
		t.PaymentMethod = *info.PaymentMethod
	}
	return t
}
