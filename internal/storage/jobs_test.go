package storage

import (
	"errors"
	"testing"
	"time"
)

func TestJobsTableExists(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO jobs (id, type, payload_json, run_after, created_at, updated_at)
		VALUES ('j1', 'parse_email', '{"email_id":"e1"}', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("INSERT into jobs: %v", err)
	}

	var id, typ, payload, status string
	var attempts, maxAttempts int
	err = s.db.QueryRow(`SELECT id, type, payload_json, status, attempts, max_attempts FROM jobs WHERE id = 'j1'`).
		Scan(&id, &typ, &payload, &status, &attempts, &maxAttempts)
	if err != nil {
		t.Fatalf("SELECT from jobs: %v", err)
	}

	if id != "j1" {
		t.Errorf("id = %q, want %q", id, "j1")
	}
	if typ != JobParseEmail {
		t.Errorf("type = %q, want %q", typ, JobParseEmail)
	}
	if payload != `{"email_id":"e1"}` {
		t.Errorf("payload_json = %q, want %q", payload, `{"email_id":"e1"}`)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0", attempts)
	}
	if maxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", maxAttempts)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-claim-1",
		Type:        JobParseEmail,
		PayloadJSON: `{"email_id":"e1"}`,
	}
	if _, err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := claimOne(t, s, []string{JobParseEmail})
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimJobs returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.Type != JobParseEmail {
		t.Errorf("Type = %q, want %q", got.Type, JobParseEmail)
	}
	if got.PayloadJSON != `{"email_id":"e1"}` {
		t.Errorf("PayloadJSON = %q, want %q", got.PayloadJSON, `{"email_id":"e1"}`)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want %q", got.Status, "running")
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimJobs_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := claimOne(t, s, []string{JobParseEmail})
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimJobs_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	job := Job{
		ID:          "j-future",
		Type:        JobParseEmail,
		PayloadJSON: `{}`,
		RunAfter:    time.Now().UTC().Add(1 * time.Hour),
	}
	if _, err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := claimOne(t, s, []string{JobParseEmail})
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimJobs_TypeFilter(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.EnqueueJob(Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if _, err := s.EnqueueJob(Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := claimOne(t, s, []string{"a"})
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimJobs returned nil")
	}
	if got.Type != "a" {
		t.Errorf("Type = %q, want %q", got.Type, "a")
	}
}

func TestClaimJobs_SkipsRunning(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.EnqueueJob(Job{ID: "j-first", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob first: %v", err)
	}
	if _, err := claimOne(t, s, []string{"x"}); err != nil {
		t.Fatalf("ClaimJobs first: %v", err)
	}

	if _, err := s.EnqueueJob(Job{ID: "j-second", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob second: %v", err)
	}

	got, err := claimOne(t, s, []string{"x"})
	if err != nil {
		t.Fatalf("ClaimJobs second: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimJobs returned nil")
	}
	if got.ID != "j-second" {
		t.Errorf("ID = %q, want %q", got.ID, "j-second")
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.EnqueueJob(Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := claimOne(t, s, []string{"x"}); err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if err := s.CompleteJob("j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-complete'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want %q", status, "completed")
	}
}

func TestFailJob_IncrementsAttempts(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.EnqueueJob(Job{ID: "j-fail-inc", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := claimOne(t, s, []string{"x"}); err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if err := s.FailJob("j-fail-inc", "something broke"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error FROM jobs WHERE id = 'j-fail-inc'`).Scan(&status, &attempts, &lastError); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if lastError != "something broke" {
		t.Errorf("last_error = %q, want %q", lastError, "something broke")
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.EnqueueJob(Job{ID: "j-fail-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := claimOne(t, s, []string{"x"}); err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if err := s.FailJob("j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'j-fail-max'`).Scan(&status); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want %q", status, "failed")
	}
}

func TestFailJob_SetsBackoff(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.EnqueueJob(Job{ID: "j-backoff", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := claimOne(t, s, []string{"x"}); err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob("j-backoff", "retry"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var runAfterStr string
	if err := s.db.QueryRow(`SELECT run_after FROM jobs WHERE id = 'j-backoff'`).Scan(&runAfterStr); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	runAfter, err := time.Parse(time.RFC3339, runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}
}

func TestEnqueueJob_GeneratesID(t *testing.T) {
	s := openTestStore(t)

	id, err := s.EnqueueJob(Job{Type: JobParseEmail, PayloadJSON: `{}`})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if id == "" {
		t.Fatal("EnqueueJob returned empty ID")
	}
	got, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Type != JobParseEmail || got.Status != "pending" {
		t.Errorf("job = %+v", got)
	}
}

func TestClaimJobs_Batch(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := s.EnqueueJob(Job{Type: JobParseEmail, PayloadJSON: `{}`}); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	first, err := s.ClaimJobs([]string{JobParseEmail}, 3)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("claimed %d jobs, want 3", len(first))
	}
	for _, j := range first {
		if j.Status != "running" {
			t.Errorf("job %s status = %q, want running", j.ID, j.Status)
		}
	}

	rest, err := s.ClaimJobs([]string{JobParseEmail}, 10)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(rest))
	}
	seen := map[string]bool{}
	for _, j := range append(first, rest...) {
		if seen[j.ID] {
			t.Errorf("job %s claimed twice", j.ID)
		}
		seen[j.ID] = true
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob error = %v, want ErrNotFound", err)
	}
	if err := s.CompleteJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob error = %v, want ErrNotFound", err)
	}
	if err := s.FailJob("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailJob error = %v, want ErrNotFound", err)
	}
}

func TestRequeueStale(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.EnqueueJob(Job{ID: "j-stale", Type: JobParseEmail, PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := claimOne(t, s, []string{JobParseEmail}); err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}

	n, err := s.RequeueStale(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if n != 0 {
		t.Errorf("requeued %d fresh jobs, want 0", n)
	}

	n, err = s.RequeueStale(time.Now().Add(2 * time.Second))
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d jobs, want 1", n)
	}
	got, err := claimOne(t, s, []string{JobParseEmail})
	if err != nil || got == nil || got.ID != "j-stale" {
		t.Errorf("ClaimJobs after requeue = %+v, %v", got, err)
	}
}

// claimOne claims at most one due job of the given types.
func claimOne(t *testing.T, s *Store, types []string) (*Job, error) {
	t.Helper()
	jobs, err := s.ClaimJobs(types, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return &jobs[0], nil
}
