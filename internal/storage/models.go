package storage

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an email with the same log ID was already stored.
	ErrDuplicate = errors.New("duplicate")
)

// Email statuses.
const (
	EmailPending = "pending"
	EmailParsed  = "parsed"
	EmailFailed  = "failed"
)

// Category sources.
const (
	SourceClassifier = "classifier"
	SourceManual     = "manual"
	SourceImport     = "import"
)

type Email struct {
	ID           string    `json:"id"`
	LogID        string    `json:"log_id,omitempty"`
	Sender       string    `json:"sender,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Body         string    `json:"body"`
	ReceivedAt   time.Time `json:"received_at"`
	Status       string    `json:"status"`
	ErrorReason  string    `json:"error_reason,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Transaction struct {
	ID              string          `json:"id"`
	EmailID         string          `json:"email_id"`
	TransactionType string          `json:"transaction_type"`
	CanonicalName   string          `json:"canonical_name"`
	IsIncome        bool            `json:"is_income"`
	Amount          decimal.Decimal `json:"amount"`
	Merchant        string          `json:"merchant"`
	OccurredAt      *time.Time      `json:"occurred_at"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	SourceLogID     string          `json:"source_log_id,omitempty"`
	Category        string          `json:"category,omitempty"`
	Confidence      float64         `json:"confidence"`
	CategorySource  string          `json:"category_source,omitempty"`
	NeedsReview     bool            `json:"needs_review"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TransactionFilter selects transactions for ListTransactions. Zero values mean no filter.
type TransactionFilter struct {
	Limit        int
	Offset       int
	NeedsReview  *bool
	Merchant     string
	UpdatedAfter time.Time
}

type MerchantLabel struct {
	Merchant  string    `json:"merchant"`
	Category  string    `json:"category"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Stats summarizes the store for status reporting.
type Stats struct {
	Emails       map[string]int `json:"emails"`
	Transactions int            `json:"transactions"`
	NeedsReview  int            `json:"needs_review"`
	Labels       int            `json:"labels"`
	Jobs         map[string]int `json:"jobs"`
}
