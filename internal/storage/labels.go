package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// NormalizeMerchant returns the key merchant labels are stored under: surrounding
// whitespace removed, inner runs collapsed to one space, upper-cased.
func NormalizeMerchant(m string) string {
	return strings.ToUpper(strings.Join(strings.Fields(m), " "))
}

// UpsertLabel inserts or replaces the category of a merchant.
func (s *Store) UpsertLabel(l MerchantLabel) error {
	return s.UpsertLabels([]MerchantLabel{l})
}

// UpsertLabels writes all labels in one transaction. An empty merchant or category
// aborts the whole batch.
func (s *Store) UpsertLabels(labels []MerchantLabel) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning label transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	for _, l := range labels {
		merchant := NormalizeMerchant(l.Merchant)
		if merchant == "" || l.Category == "" {
			return fmt.Errorf("label %q -> %q: merchant and category are required", l.Merchant, l.Category)
		}
		source := l.Source
		if source == "" {
			source = SourceManual
		}
		if _, err := tx.Exec(`INSERT INTO merchant_labels (merchant, category, source, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(merchant) DO UPDATE SET
				category = excluded.category,
				source = excluded.source,
				updated_at = excluded.updated_at`,
			merchant, l.Category, source, now, now); err != nil {
			return fmt.Errorf("upserting label %q: %w", merchant, err)
		}
	}
	return tx.Commit()
}

// GetLabel returns the label for a merchant, matched after normalization.
func (s *Store) GetLabel(merchant string) (MerchantLabel, error) {
	row := s.db.QueryRow(`SELECT merchant, category, source, created_at, updated_at
		FROM merchant_labels WHERE merchant = ?`, NormalizeMerchant(merchant))
	l, err := scanLabel(row)
	if err == sql.ErrNoRows {
		return MerchantLabel{}, ErrNotFound
	}
	return l, err
}

// ListLabels returns every label ordered by merchant. The order is stable across
// calls, so snapshots built from it are reproducible.
func (s *Store) ListLabels() ([]MerchantLabel, error) {
	rows, err := s.db.Query(`SELECT merchant, category, source, created_at, updated_at
		FROM merchant_labels ORDER BY merchant ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing labels: %w", err)
	}
	defer rows.Close()

	var labels []MerchantLabel
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// DeleteLabel removes a merchant label.
func (s *Store) DeleteLabel(merchant string) error {
	res, err := s.db.Exec(`DELETE FROM merchant_labels WHERE merchant = ?`, NormalizeMerchant(merchant))
	if err != nil {
		return fmt.Errorf("deleting label: %w", err)
	}
	return expectOneRow(res)
}

func scanLabel(r rowScanner) (MerchantLabel, error) {
	var l MerchantLabel
	var createdAt, updatedAt string
	if err := r.Scan(&l.Merchant, &l.Category, &l.Source, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return MerchantLabel{}, err
		}
		return MerchantLabel{}, fmt.Errorf("scanning label: %w", err)
	}
	var err error
	if l.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return MerchantLabel{}, err
	}
	if l.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return MerchantLabel{}, err
	}
	return l, nil
}
