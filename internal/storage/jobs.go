package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobParseEmail is the job type for parsing and classifying one stored email.
const JobParseEmail = "parse_email"

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

// EnqueueJob adds a pending job. An empty ID is filled with a new UUID, and a zero
// MaxAttempts defaults to 3. The job's ID is returned.
func (s *Store) EnqueueJob(job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := formatTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueueing %s job: %w", job.Type, err)
	}
	return job.ID, nil
}

// ClaimJobs marks up to limit due pending jobs of the given types as running and
// returns them, oldest first. It returns an empty slice when nothing is due.
func (s *Store) ClaimJobs(types []string, limit int) ([]Job, error) {
	if len(types) == 0 || limit <= 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT ?`

	args := make([]interface{}, 0, len(types)+2)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}
	args = append(args, limit)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting due jobs: %w", err)
	}
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating due jobs: %w", err)
	}

	claimed := jobs[:0]
	for _, j := range jobs {
		res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
		if err != nil {
			return nil, fmt.Errorf("updating job %s status: %w", j.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("checking updated job rows: %w", err)
		} else if n != 1 {
			continue
		}
		j.Status = "running"
		claimed = append(claimed, j)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := r.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, fmt.Errorf("scanning job: %w", err)
	}
	j.LastError = lastError.String
	var err error
	if j.RunAfter, err = parseTime("run_after", runAfter); err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	return j, nil
}

func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// FailJob records a failed attempt. The job is retried after 2^attempts seconds
// until max_attempts is reached, then it stays failed.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// RequeueStale returns jobs stuck in running since before cutoff to pending. Jobs
// are left running when the process dies mid-batch.
func (s *Store) RequeueStale(cutoff time.Time) (int, error) {
	now := formatTime(time.Now())
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', run_after = ?, updated_at = ?
		WHERE status = 'running' AND updated_at < ?`, now, now, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("requeueing stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
