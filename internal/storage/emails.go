package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const emailColumns = `id, log_id, sender, subject, body, received_at, status, error_reason, error_message, created_at, updated_at`

// SaveEmail stores a pending email and returns it with ID and timestamps filled.
// A non-empty LogID that is already stored yields ErrDuplicate.
func (s *Store) SaveEmail(e Email) (Email, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}
	now := time.Now().UTC().Truncate(time.Second)
	e.Status = EmailPending
	e.CreatedAt, e.UpdatedAt = now, now

	_, err := s.db.Exec(`INSERT INTO emails (`+emailColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`,
		e.ID, nullString(e.LogID), e.Sender, e.Subject, e.Body, formatTime(e.ReceivedAt), e.Status,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: emails.log_id") {
			return Email{}, fmt.Errorf("email %q: %w", e.LogID, ErrDuplicate)
		}
		return Email{}, fmt.Errorf("inserting email: %w", err)
	}
	e.ReceivedAt = e.ReceivedAt.UTC().Truncate(time.Second)
	return e, nil
}

// GetEmail returns an email by ID.
func (s *Store) GetEmail(id string) (Email, error) {
	e, err := scanEmail(s.db.QueryRow(`SELECT `+emailColumns+` FROM emails WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Email{}, ErrNotFound
	}
	return e, err
}

// MarkEmailParsed sets the email status to parsed and clears any earlier error.
func (s *Store) MarkEmailParsed(id string) error {
	res, err := s.db.Exec(`UPDATE emails SET status = ?, error_reason = NULL, error_message = NULL, updated_at = ? WHERE id = ?`,
		EmailParsed, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking email parsed: %w", err)
	}
	return expectOneRow(res)
}

// MarkEmailFailed records a parse failure. reason is the short machine-readable
// kind, such as no_pattern_match or field_extraction_error.
func (s *Store) MarkEmailFailed(id, reason, message string) error {
	res, err := s.db.Exec(`UPDATE emails SET status = ?, error_reason = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		EmailFailed, reason, message, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking email failed: %w", err)
	}
	return expectOneRow(res)
}

// ListEmails returns emails newest first. An empty status lists all of them.
func (s *Store) ListEmails(status string, limit int) ([]Email, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + emailColumns + ` FROM emails`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY received_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing emails: %w", err)
	}
	defer rows.Close()

	var emails []Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

func scanEmail(r rowScanner) (Email, error) {
	var e Email
	var logID, reason, message sql.NullString
	var receivedAt, createdAt, updatedAt string
	if err := r.Scan(&e.ID, &logID, &e.Sender, &e.Subject, &e.Body, &receivedAt, &e.Status,
		&reason, &message, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Email{}, err
		}
		return Email{}, fmt.Errorf("scanning email: %w", err)
	}
	e.LogID = logID.String
	e.ErrorReason = reason.String
	e.ErrorMessage = message.String

	var err error
	if e.ReceivedAt, err = parseTime("received_at", receivedAt); err != nil {
		return Email{}, err
	}
	if e.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Email{}, err
	}
	if e.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Email{}, err
	}
	return e, nil
}
