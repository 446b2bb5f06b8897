// Package export ships data out of the local store: transactions to a BigQuery
// table and classifier snapshots to a GCS bucket.
package export

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/kalambet/gastos/internal/storage"
)

// putBatch caps rows per streaming insert request.
const putBatch = 500

// TransactionRow is one row of the transactions table. Amount is NUMERIC and
// always positive; SignedAmount carries the income/outcome sign.
type TransactionRow struct {
	TransactionID   string                 `bigquery:"transaction_id"`
	EmailID         string                 `bigquery:"email_id"`
	TransactionType string                 `bigquery:"transaction_type"`
	CanonicalName   string                 `bigquery:"canonical_name"`
	IsIncome        bool                   `bigquery:"is_income"`
	Amount          *big.Rat               `bigquery:"amount"`
	SignedAmount    *big.Rat               `bigquery:"signed_amount"`
	Merchant        string                 `bigquery:"merchant"`
	OccurredAt      bigquery.NullTimestamp `bigquery:"occurred_ts"`
	PaymentMethod   bigquery.NullString    `bigquery:"payment_method"`
	SourceLogID     bigquery.NullString    `bigquery:"source_log_id"`
	Category        bigquery.NullString    `bigquery:"category"`
	Confidence      float64                `bigquery:"confidence"`
	CategorySource  bigquery.NullString    `bigquery:"category_source"`
	NeedsReview     bool                   `bigquery:"needs_review"`
	UpdatedTS       time.Time              `bigquery:"updated_ts"`
}

// RowFromTransaction maps a stored transaction onto its warehouse row.
func RowFromTransaction(t storage.Transaction) *TransactionRow {
	signed := t.Amount
	if !t.IsIncome {
		signed = signed.Neg()
	}
	row := &TransactionRow{
		TransactionID:   t.ID,
		EmailID:         t.EmailID,
		TransactionType: t.TransactionType,
		CanonicalName:   t.CanonicalName,
		IsIncome:        t.IsIncome,
		Amount:          t.Amount.Rat(),
		SignedAmount:    signed.Rat(),
		Merchant:        t.Merchant,
		PaymentMethod:   nullString(t.PaymentMethod),
		SourceLogID:     nullString(t.SourceLogID),
		Category:        nullString(t.Category),
		Confidence:      t.Confidence,
		CategorySource:  nullString(t.CategorySource),
		NeedsReview:     t.NeedsReview,
		UpdatedTS:       t.UpdatedAt,
	}
	if t.OccurredAt != nil {
		row.OccurredAt = bigquery.NullTimestamp{Timestamp: *t.OccurredAt, Valid: true}
	}
	return row
}

// InsertID identifies one version of a transaction, so a retried insert of the
// same rows is deduplicated by BigQuery.
func (r *TransactionRow) InsertID() string {
	return r.TransactionID + ":" + r.UpdatedTS.UTC().Format(time.RFC3339Nano)
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

// rowPutter is the part of *bigquery.Inserter the sink uses.
type rowPutter interface {
	Put(ctx context.Context, src interface{}) error
}

// BigQueryConfig locates the transactions table.
type BigQueryConfig struct {
	Project         string
	Dataset         string
	Table           string // default "transactions"
	CredentialsFile string // empty means Application Default Credentials
}

// BigQuerySink streams transactions into a BigQuery table.
type BigQuerySink struct {
	client *bigquery.Client
	table  *bigquery.Table
	putter rowPutter
}

// NewBigQuerySink connects to BigQuery. The table must already exist.
func NewBigQuerySink(ctx context.Context, cfg BigQueryConfig) (*BigQuerySink, error) {
	if cfg.Project == "" || cfg.Dataset == "" {
		return nil, errors.New("bigquery export requires export.gcp_project and export.bigquery_dataset")
	}
	if cfg.Table == "" {
		cfg.Table = "transactions"
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery client: %w", err)
	}
	table := client.DatasetInProject(cfg.Project, cfg.Dataset).Table(cfg.Table)
	return &BigQuerySink{client: client, table: table, putter: table.Inserter()}, nil
}

// Close releases the client.
func (s *BigQuerySink) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Put inserts rows in batches. It stops at the first failed batch and reports how
// many rows were inserted before it.
func (s *BigQuerySink) Put(ctx context.Context, txs []storage.Transaction) (int, error) {
	done := 0
	for start := 0; start < len(txs); start += putBatch {
		batch := txs[start:min(start+putBatch, len(txs))]
		rows := make([]*bigquery.StructSaver, len(batch))
		for i, t := range batch {
			row := RowFromTransaction(t)
			rows[i] = &bigquery.StructSaver{Struct: row, InsertID: row.InsertID()}
		}
		if err := s.putter.Put(ctx, rows); err != nil {
			return done, fmt.Errorf("inserting rows: %w", err)
		}
		done += len(batch)
	}
	return done, nil
}

// Watermark returns the newest updated_ts already in the table, or the zero time
// for an empty table.
func (s *BigQuerySink) Watermark(ctx context.Context) (time.Time, error) {
	q := s.client.Query(fmt.Sprintf("SELECT MAX(updated_ts) AS ts FROM `%s.%s.%s`",
		s.table.ProjectID, s.table.DatasetID, s.table.TableID))
	it, err := q.Read(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying watermark: %w", err)
	}
	var row struct {
		TS bigquery.NullTimestamp `bigquery:"ts"`
	}
	err = it.Next(&row)
	if err == iterator.Done || (err == nil && !row.TS.Valid) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading watermark: %w", err)
	}
	return row.TS.Timestamp, nil
}
