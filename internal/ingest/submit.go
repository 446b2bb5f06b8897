package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/kalambet/gastos/internal/storage"
)

// Queue stores emails and schedules them for parsing.
type Queue interface {
	SaveEmail(e storage.Email) (storage.Email, error)
	EnqueueJob(job storage.Job) (string, error)
}

// parseAttempts bounds retries of a parse job whose embedding call keeps failing.
const parseAttempts = 3

// Submit stores e and enqueues a parse_email job for it. A log ID that was already
// submitted returns storage.ErrDuplicate and enqueues nothing.
func Submit(q Queue, e storage.Email) (storage.Email, string, error) {
	saved, err := q.SaveEmail(e)
	if err != nil {
		return storage.Email{}, "", err
	}
	payload, err := json.Marshal(EmailPayload{EmailID: saved.ID})
	if err != nil {
		return storage.Email{}, "", fmt.Errorf("marshaling payload: %w", err)
	}
	jobID, err := q.EnqueueJob(storage.Job{
		Type:        storage.JobParseEmail,
		PayloadJSON: string(payload),
		MaxAttempts: parseAttempts,
	})
	if err != nil {
		return storage.Email{}, "", fmt.Errorf("enqueueing email %s: %w", saved.ID, err)
	}
	return saved, jobID, nil
}
