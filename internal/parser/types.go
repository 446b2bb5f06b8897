package parser

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RawEmail is a bank notification as received. The parser never mutates or stores it.
type RawEmail struct {
	Text       string    `json:"text"`
	LogID      string    `json:"log_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// TransactionType is the closed set of transaction kinds a notification can describe.
type TransactionType int

const (
	Purchase TransactionType = iota + 1
	Withdrawal
	Payment
	TransferReception
	TransferQR
	Transfer
)

var typeNames = map[TransactionType]string{
	Purchase:          "Purchase",
	Withdrawal:        "Withdrawal",
	Payment:           "Payment",
	TransferReception: "TransferReception",
	TransferQR:        "TransferQR",
	Transfer:          "Transfer",
}

// AllTransactionTypes lists every type in declaration order.
func AllTransactionTypes() []TransactionType {
	return []TransactionType{Purchase, Withdrawal, Payment, TransferReception, TransferQR, Transfer}
}

func (t TransactionType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TransactionType(%d)", int(t))
}

// Valid reports whether t is one of the declared types.
func (t TransactionType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseTransactionType is the inverse of String.
func ParseTransactionType(s string) (TransactionType, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("invalid transaction type %q", s)
}

func (t TransactionType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid transaction type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *TransactionType) UnmarshalText(b []byte) error {
	v, err := ParseTransactionType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// TransactionInfo is the normalized record produced from one notification.
type TransactionInfo struct {
	TransactionType TransactionType `json:"transaction_type"`
	CanonicalName   string          `json:"canonical_name"`
	IsIncome        bool            `json:"is_income"`
	Amount          decimal.Decimal `json:"amount"`
	Merchant        string          `json:"merchant"`
	OccurredAt      *time.Time      `json:"occurred_at"` // nil when the matched template has no date capture
	PaymentMethod   *string         `json:"payment_method,omitempty"`
	SourceLogID     string          `json:"source_log_id"`
}

// SignedAmount applies the income/outcome convention: income positive, spending negative.
func (t TransactionInfo) SignedAmount() decimal.Decimal {
	if t.IsIncome {
		return t.Amount
	}
	return t.Amount.Neg()
}
