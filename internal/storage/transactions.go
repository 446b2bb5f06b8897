package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const transactionColumns = `id, email_id, transaction_type, canonical_name, is_income, amount, merchant,
	occurred_at, payment_method, source_log_id, category, confidence, category_source, needs_review,
	created_at, updated_at`

// SaveTransaction inserts the transaction parsed from an email, or replaces the
// parsed fields when that email already has one. Reprocessing an email keeps the
// transaction ID and any manual category.
func (s *Store) SaveTransaction(t Transaction) (Transaction, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := formatTime(time.Now())

	var occurredAt sql.NullString
	if t.OccurredAt != nil {
		occurredAt = sql.NullString{String: formatTime(*t.OccurredAt), Valid: true}
	}

	_, err := s.db.Exec(`INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email_id) DO UPDATE SET
			transaction_type = excluded.transaction_type,
			canonical_name   = excluded.canonical_name,
			is_income        = excluded.is_income,
			amount           = excluded.amount,
			merchant         = excluded.merchant,
			occurred_at      = excluded.occurred_at,
			payment_method   = excluded.payment_method,
			source_log_id    = excluded.source_log_id,
			category         = CASE WHEN transactions.category_source = 'manual' THEN transactions.category ELSE excluded.category END,
			confidence       = CASE WHEN transactions.category_source = 'manual' THEN transactions.confidence ELSE excluded.confidence END,
			needs_review     = CASE WHEN transactions.category_source = 'manual' THEN 0 ELSE excluded.needs_review END,
			category_source  = CASE WHEN transactions.category_source = 'manual' THEN 'manual' ELSE excluded.category_source END,
			updated_at       = excluded.updated_at`,
		t.ID, t.EmailID, t.TransactionType, t.CanonicalName, boolInt(t.IsIncome), t.Amount.String(), t.Merchant,
		occurredAt, nullString(t.PaymentMethod), t.SourceLogID, nullString(t.Category), t.Confidence,
		t.CategorySource, boolInt(t.NeedsReview), now, now,
	)
	if err != nil {
		return Transaction{}, fmt.Errorf("saving transaction for email %s: %w", t.EmailID, err)
	}
	return s.GetTransactionByEmail(t.EmailID)
}

// GetTransaction returns a transaction by ID.
func (s *Store) GetTransaction(id string) (Transaction, error) {
	return s.getTransaction(`id = ?`, id)
}

// GetTransactionByEmail returns the transaction parsed from the given email.
func (s *Store) GetTransactionByEmail(emailID string) (Transaction, error) {
	return s.getTransaction(`email_id = ?`, emailID)
}

func (s *Store) getTransaction(where string, arg string) (Transaction, error) {
	t, err := scanTransaction(s.db.QueryRow(`SELECT `+transactionColumns+` FROM transactions WHERE `+where, arg))
	if err == sql.ErrNoRows {
		return Transaction{}, ErrNotFound
	}
	return t, err
}

// ListTransactions returns transactions ordered by occurrence, newest first, with
// undated ones last.
func (s *Store) ListTransactions(f TransactionFilter) ([]Transaction, error) {
	var conds []string
	var args []interface{}
	if f.NeedsReview != nil {
		conds = append(conds, `needs_review = ?`)
		args = append(args, boolInt(*f.NeedsReview))
	}
	if f.Merchant != "" {
		conds = append(conds, `merchant = ?`)
		args = append(args, f.Merchant)
	}
	if !f.UpdatedAfter.IsZero() {
		conds = append(conds, `updated_at > ?`)
		args = append(args, formatTime(f.UpdatedAfter))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY occurred_at IS NULL, occurred_at DESC, created_at DESC, id ASC`

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTransactionCategory records a category assignment. A manual assignment
// clears needs_review.
func (s *Store) SetTransactionCategory(id, category string, confidence float64, source string, needsReview bool) error {
	if source == SourceManual {
		needsReview = false
	}
	res, err := s.db.Exec(`UPDATE transactions
		SET category = ?, confidence = ?, category_source = ?, needs_review = ?, updated_at = ?
		WHERE id = ?`,
		category, confidence, source, boolInt(needsReview), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("setting category on %s: %w", id, err)
	}
	return expectOneRow(res)
}

func scanTransaction(r rowScanner) (Transaction, error) {
	var t Transaction
	var amount, createdAt, updatedAt string
	var occurredAt, paymentMethod, category sql.NullString
	var isIncome, needsReview int
	if err := r.Scan(&t.ID, &t.EmailID, &t.TransactionType, &t.CanonicalName, &isIncome, &amount, &t.Merchant,
		&occurredAt, &paymentMethod, &t.SourceLogID, &category, &t.Confidence, &t.CategorySource, &needsReview,
		&createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Transaction{}, err
		}
		return Transaction{}, fmt.Errorf("scanning transaction: %w", err)
	}
	t.IsIncome = isIncome != 0
	t.NeedsReview = needsReview != 0
	t.PaymentMethod = paymentMethod.String
	t.Category = category.String

	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transaction{}, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	if occurredAt.Valid {
		ts, err := parseTime("occurred_at", occurredAt.String)
		if err != nil {
			return Transaction{}, err
		}
		t.OccurredAt = &ts
	}
	if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Transaction{}, err
	}
	if t.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
