// Package api exposes the parser, classifier, and transaction store over HTTP
// and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/gastos/internal/classifier"
	"github.com/kalambet/gastos/internal/ingest"
	"github.com/kalambet/gastos/internal/parser"
	"github.com/kalambet/gastos/internal/storage"
)

// EmailProcessor parses one notification.
type EmailProcessor interface {
	Process(email parser.RawEmail) (parser.TransactionInfo, error)
}

// MerchantClassifier categorizes merchants against a snapshot.
type MerchantClassifier interface {
	ClassifyBatch(ctx context.Context, merchants []string, snap *classifier.Snapshot) []classifier.Result
}

// SnapshotRefresher rebuilds the reference snapshot.
type SnapshotRefresher interface {
	Refresh(ctx context.Context) (*classifier.Snapshot, error)
	Trigger()
}

type AppDeps struct {
	Store      *storage.Store
	Processor  EmailProcessor
	Classifier MerchantClassifier
	Snapshots  *classifier.SnapshotHolder
	Refresher  SnapshotRefresher // optional; labels still save, snapshot refresh returns 503
	Token      string
	Logger     *slog.Logger
}

func (d AppDeps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// NewAppHandler returns the HTTP API. Everything except /health requires the
// bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/emails", handleSubmitEmail(deps))
		r.Get("/emails", handleListEmails(deps))
		r.Post("/parse", handleParse(deps))
		r.Post("/classify", handleClassify(deps))
		r.Get("/transactions", handleListTransactions(deps))
		r.Get("/transactions/{id}", handleGetTransaction(deps))
		r.Patch("/transactions/{id}/category", handleLabelTransaction(deps))
		r.Post("/labels", handleAddLabels(deps))
		r.Get("/labels", handleListLabels(deps))
		r.Delete("/labels/{merchant}", handleDeleteLabel(deps))
		r.Post("/snapshot/refresh", handleRefreshSnapshot(deps))
		r.Get("/snapshot", handleGetSnapshot(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}
		if deps.Snapshots != nil {
			if snap := deps.Snapshots.Load(); snap != nil {
				resp["snapshot"] = snap.Info().Version
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// EmailRequest is the body of POST /emails.
type EmailRequest struct {
	Text       string     `json:"text"`
	LogID      string     `json:"log_id"`
	Sender     string     `json:"sender"`
	Subject    string     `json:"subject"`
	ReceivedAt *time.Time `json:"received_at"`
}

func handleSubmitEmail(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EmailRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		email := storage.Email{
			LogID:   req.LogID,
			Sender:  req.Sender,
			Subject: req.Subject,
			Body:    req.Text,
		}
		if req.ReceivedAt != nil {
			email.ReceivedAt = *req.ReceivedAt
		} else {
			email.ReceivedAt = time.Now()
		}

		saved, jobID, err := ingest.Submit(deps.Store, email)
		if errors.Is(err, storage.ErrDuplicate) {
			httpError(w, http.StatusConflict, "conflict", "email with log_id %q already submitted", req.LogID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue email: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     saved.ID,
			"job_id": jobID,
			"status": "queued",
		})
	}
}

func handleListEmails(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		switch status {
		case "", storage.EmailPending, storage.EmailParsed, storage.EmailFailed:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}

		emails, err := deps.Store.ListEmails(status, parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list emails: %v", err)
			return
		}
		if emails == nil {
			emails = []storage.Email{}
		}
		writeJSON(w, http.StatusOK, emails)
	}
}

func handleParse(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req parser.RawEmail
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ReceivedAt.IsZero() {
			req.ReceivedAt = time.Now()
		}

		info, err := deps.Processor.Process(req)
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, parser.Reason(err), "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// merchantList decodes either a JSON string or an array of strings.
type merchantList []string

func (m *merchantList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*m = merchantList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("merchant must be a string or an array of strings")
	}
	*m = many
	return nil
}

// ClassifyResult is one merchant's outcome in a /classify response.
type ClassifyResult struct {
	classifier.Assignment
	Error string `json:"error,omitempty"`
}

func classifyMerchants(ctx context.Context, cls MerchantClassifier, snapshots *classifier.SnapshotHolder, merchants []string) ([]ClassifyResult, []error) {
	normalized := make([]string, len(merchants))
	for i, m := range merchants {
		normalized[i] = storage.NormalizeMerchant(m)
	}

	var snap *classifier.Snapshot
	if snapshots != nil {
		snap = snapshots.Load()
	}
	results := cls.ClassifyBatch(ctx, normalized, snap)

	out := make([]ClassifyResult, len(results))
	errs := make([]error, len(results))
	for i, res := range results {
		out[i] = ClassifyResult{Assignment: res.Assignment}
		out[i].Merchant = normalized[i]
		if res.Err != nil {
			out[i].Error = res.Err.Error()
			errs[i] = res.Err
		}
	}
	return out, errs
}

func classifyStatus(err error) (int, string) {
	switch {
	case errors.Is(err, classifier.ErrClassifierUnavailable):
		return http.StatusServiceUnavailable, "unavailable_error"
	case errors.Is(err, classifier.ErrEmbeddingProvider):
		return http.StatusBadGateway, "provider_error"
	case errors.Is(err, classifier.ErrEmptyMerchant):
		return http.StatusBadRequest, "invalid_request_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func handleClassify(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Merchant merchantList `json:"merchant"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Merchant) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "merchant is required")
			return
		}

		results, errs := classifyMerchants(r.Context(), deps.Classifier, deps.Snapshots, req.Merchant)
		if len(results) == 1 && errs[0] != nil {
			code, typ := classifyStatus(errs[0])
			httpError(w, code, typ, "%v", errs[0])
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func handleListTransactions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := storage.TransactionFilter{
			Limit:    parseIntParam(r, "limit", 50, 500),
			Offset:   parseIntParam(r, "offset", 0, 0),
			Merchant: r.URL.Query().Get("merchant"),
		}
		switch r.URL.Query().Get("review") {
		case "":
		case "true", "1":
			v := true
			f.NeedsReview = &v
		case "false", "0":
			v := false
			f.NeedsReview = &v
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "review must be true or false")
			return
		}

		txs, err := deps.Store.ListTransactions(f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list transactions: %v", err)
			return
		}
		if txs == nil {
			txs = []storage.Transaction{}
		}
		writeJSON(w, http.StatusOK, txs)
	}
}

func handleGetTransaction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, err := deps.Store.GetTransaction(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "transaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get transaction: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, tx)
	}
}

func parseCategory(s string) (classifier.Category, error) {
	return classifier.ParseCategory(strings.ToLower(strings.TrimSpace(s)))
}

// labelTransaction sets a reviewed category on a transaction and records its
// merchant as a reference label.
func labelTransaction(deps AppDeps, id, category string) (storage.Transaction, error) {
	cat, err := parseCategory(category)
	if err != nil {
		return storage.Transaction{}, err
	}
	tx, err := deps.Store.GetTransaction(id)
	if err != nil {
		return storage.Transaction{}, err
	}
	if err := deps.Store.SetTransactionCategory(id, string(cat), 1, storage.SourceManual, false); err != nil {
		return storage.Transaction{}, fmt.Errorf("setting category: %w", err)
	}
	if err := deps.Store.UpsertLabel(storage.MerchantLabel{
		Merchant: tx.Merchant,
		Category: string(cat),
		Source:   storage.SourceManual,
	}); err != nil {
		return storage.Transaction{}, fmt.Errorf("saving label: %w", err)
	}
	if deps.Refresher != nil {
		deps.Refresher.Trigger()
	}
	deps.logger().Info("transaction labeled", "transaction_id", id, "merchant", tx.Merchant, "category", cat)
	return deps.Store.GetTransaction(id)
}

func handleLabelTransaction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Category string `json:"category"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		tx, err := labelTransaction(deps, chi.URLParam(r, "id"), req.Category)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "transaction not found")
		case errors.Is(err, classifier.ErrInvalidCategory):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to label transaction: %v", err)
		default:
			writeJSON(w, http.StatusOK, tx)
		}
	}
}

// LabelRequest is one entry of POST /labels.
type LabelRequest struct {
	Merchant string `json:"merchant"`
	Category string `json:"category"`
	Source   string `json:"source,omitempty"`
}

func toLabels(reqs []LabelRequest) ([]storage.MerchantLabel, error) {
	labels := make([]storage.MerchantLabel, 0, len(reqs))
	for _, l := range reqs {
		if storage.NormalizeMerchant(l.Merchant) == "" {
			return nil, fmt.Errorf("merchant is required")
		}
		cat, err := parseCategory(l.Category)
		if err != nil {
			return nil, fmt.Errorf("merchant %q: %w", l.Merchant, err)
		}
		switch l.Source {
		case "", storage.SourceManual, storage.SourceImport:
		default:
			return nil, fmt.Errorf("merchant %q: unknown source %q", l.Merchant, l.Source)
		}
		labels = append(labels, storage.MerchantLabel{Merchant: l.Merchant, Category: string(cat), Source: l.Source})
	}
	return labels, nil
}

func handleAddLabels(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Labels []LabelRequest `json:"labels"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Labels) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "labels is required")
			return
		}

		labels, err := toLabels(req.Labels)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Store.UpsertLabels(labels); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save labels: %v", err)
			return
		}
		if deps.Refresher != nil {
			deps.Refresher.Trigger()
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": len(labels)})
	}
}

func handleListLabels(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		labels, err := deps.Store.ListLabels()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list labels: %v", err)
			return
		}
		if labels == nil {
			labels = []storage.MerchantLabel{}
		}
		writeJSON(w, http.StatusOK, labels)
	}
}

// pathParam returns a decoded URL parameter. chi matches on the raw path when the
// request escapes a "/", leaving the parameter still escaped.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v
	}
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

func handleDeleteLabel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteLabel(pathParam(r, "merchant"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "label not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete label: %v", err)
			return
		}
		if deps.Refresher != nil {
			deps.Refresher.Trigger()
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// SnapshotStatus describes the snapshot in use.
type SnapshotStatus struct {
	Available  bool                        `json:"available"`
	Version    string                      `json:"version,omitempty"`
	Model      string                      `json:"model,omitempty"`
	BuiltAt    *time.Time                  `json:"built_at,omitempty"`
	References int                         `json:"references"`
	Dim        int                         `json:"dim,omitempty"`
	Labels     map[classifier.Category]int `json:"labels,omitempty"`
}

func snapshotStatus(snap *classifier.Snapshot) SnapshotStatus {
	if snap == nil {
		return SnapshotStatus{}
	}
	info := snap.Info()
	builtAt := info.BuiltAt
	return SnapshotStatus{
		Available:  snap.Len() > 0,
		Version:    info.Version,
		Model:      info.Model,
		BuiltAt:    &builtAt,
		References: snap.Len(),
		Dim:        snap.Dim(),
		Labels:     snap.LabelCounts(),
	}
}

func handleRefreshSnapshot(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Refresher == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable_error", "snapshot refresh is not configured")
			return
		}
		snap, err := deps.Refresher.Refresh(r.Context())
		if err != nil {
			code, typ := classifyStatus(err)
			httpError(w, code, typ, "snapshot refresh failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, snapshotStatus(snap))
	}
}

func handleGetSnapshot(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var snap *classifier.Snapshot
		if deps.Snapshots != nil {
			snap = deps.Snapshots.Load()
		}
		writeJSON(w, http.StatusOK, snapshotStatus(snap))
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}
