package parser

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

var errEmptyMerchant = errors.New("empty merchant")

// Extract runs the entry's template cascade against text. The first template that
// matches decides the outcome; later templates are not tried even if normalization
// of the match fails. Timestamps are interpreted in loc, or UTC when loc is nil.
func Extract(text string, entry Entry, loc *time.Location) (TransactionInfo, error) {
	if loc == nil {
		loc = time.UTC
	}
	for _, t := range entry.Templates {
		captures := t.match(text)
		if captures == nil {
			continue
		}
		return build(captures, t, entry, loc)
	}
	return TransactionInfo{}, fmt.Errorf("%s: %w", entry.Type, ErrNoPatternMatch)
}

func build(captures map[Field]string, t Template, entry Entry, loc *time.Location) (TransactionInfo, error) {
	info := TransactionInfo{
		TransactionType: entry.Type,
		CanonicalName:   entry.CanonicalName,
		IsIncome:        entry.IsIncome,
	}

	rawAmount := captures[FieldAmount]
	amount, err := ParseAmount(rawAmount, t.currency)
	if err != nil {
		return TransactionInfo{}, &FieldError{Field: FieldAmount, Value: rawAmount, Err: err}
	}
	info.Amount = amount

	merchant := trimMerchant(captures[FieldMerchant])
	if merchant == "" {
		return TransactionInfo{}, &FieldError{Field: FieldMerchant, Value: captures[FieldMerchant], Err: errEmptyMerchant}
	}
	info.Merchant = merchant

	if pm := strings.TrimSpace(captures[FieldPaymentMethod]); pm != "" {
		info.PaymentMethod = &pm
	}

	occurred, err := timestamp(captures, t, loc)
	if err != nil {
		return TransactionInfo{}, err
	}
	info.OccurredAt = occurred

	return info, nil
}

// trimMerchant drops leading whitespace and any trailing run of whitespace and punctuation.
func trimMerchant(s string) string {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
}

// timestamp returns nil for templates without date captures.
func timestamp(captures map[Field]string, t Template, loc *time.Location) (*time.Time, error) {
	switch {
	case t.Declares(FieldDateTime):
		raw, ok := captures[FieldDateTime]
		if !ok {
			return nil, nil
		}
		ts, err := time.ParseInLocation(t.dateLayout+" "+layoutClock, raw, loc)
		if err != nil {
			return nil, &FieldError{Field: FieldDateTime, Value: raw, Err: err}
		}
		return &ts, nil

	case t.Declares(FieldDate):
		date, hasDate := captures[FieldDate]
		clock, hasClock := captures[FieldTime]
		if !hasDate && !hasClock {
			return nil, nil
		}
		if !hasDate || !hasClock {
			field := FieldDate
			if hasDate {
				field = FieldTime
			}
			return nil, &FieldError{Field: field, Err: errors.New("captured without its counterpart")}
		}
		if _, err := time.Parse(layoutClock, clock); err != nil {
			return nil, &FieldError{Field: FieldTime, Value: clock, Err: err}
		}
		ts, err := time.ParseInLocation(t.dateLayout+" "+layoutClock, date+" "+clock, loc)
		if err != nil {
			return nil, &FieldError{Field: FieldDate, Value: date, Err: err}
		}
		return &ts, nil
	}
	return nil, nil
}
