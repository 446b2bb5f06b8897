package parser

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTransactionType means no known type token occurs in the text.
	ErrUnknownTransactionType = errors.New("unknown transaction type")

	// ErrUnsupportedTransactionType means the type was recognized but has no registry entry.
	ErrUnsupportedTransactionType = errors.New("unsupported transaction type")

	// ErrNoPatternMatch means none of the entry's templates matched the text.
	ErrNoPatternMatch = errors.New("no pattern matched")

	// ErrFieldExtraction is matched by every *FieldError.
	ErrFieldExtraction = errors.New("field extraction failed")
)

// FieldError reports a template that matched but whose capture could not be normalized.
type FieldError struct {
	Field Field
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: field %s (%q): %v", ErrFieldExtraction, e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("%s: field %s (%q)", ErrFieldExtraction, e.Field, e.Value)
}

func (e *FieldError) Unwrap() error { return e.Err }

func (e *FieldError) Is(target error) bool { return target == ErrFieldExtraction }

// Reason returns a short machine-friendly code for err, used when failures are stored as data.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownTransactionType):
		return "unknown_transaction_type"
	case errors.Is(err, ErrUnsupportedTransactionType):
		return "unsupported_transaction_type"
	case errors.Is(err, ErrNoPatternMatch):
		return "no_pattern_match"
	case errors.Is(err, ErrFieldExtraction):
		return "field_extraction_error"
	default:
		return "internal_error"
	}
}
