package parser

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// typeTokens is the identification priority list. The first token found anywhere in
// the text wins, regardless of where in the text it appears.
var typeTokens = []string{
	"Compra",
	"Retiro",
	"Pago",
	"recepcion transferencia",
	"QR",
	"Transferencia",
	"Pagaste",
}

// tokenAliases maps secondary wordings onto the canonical token they stand for.
var tokenAliases = map[string]string{
	"Pagaste": "Pago",
}

// canonicalTypes maps each canonical token to its transaction type.
var canonicalTypes = map[string]TransactionType{
	"Compra":                  Purchase,
	"Retiro":                  Withdrawal,
	"Pago":                    Payment,
	"recepcion transferencia": TransferReception,
	"QR":                      TransferQR,
	"Transferencia":           Transfer,
}

// lowerTokens holds typeTokens lower-cased once, in the same order.
var lowerTokens = lowerAll(typeTokens)

func lowerAll(tokens []string) []string {
	c := cases.Lower(language.Spanish)
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = c.String(t)
	}
	return out
}

// Identify returns the transaction type named by the highest-priority token in text.
func Identify(text string) (TransactionType, error) {
	t, _, err := identify(text)
	return t, err
}

// identify also returns the canonical token, which callers use for error context.
func identify(text string) (TransactionType, string, error) {
	// A Caser carries state, so each call gets its own.
	haystack := cases.Lower(language.Spanish).String(text)
	for i, token := range typeTokens {
		if !strings.Contains(haystack, lowerTokens[i]) {
			continue
		}
		canonical := token
		if alias, ok := tokenAliases[token]; ok {
			canonical = alias
		}
		t, ok := canonicalTypes[canonical]
		if !ok {
			// A token without a type is a table error, not an input error.
			return 0, canonical, fmt.Errorf("token %q has no transaction type", canonical)
		}
		return t, canonical, nil
	}
	return 0, "", ErrUnknownTransactionType
}
