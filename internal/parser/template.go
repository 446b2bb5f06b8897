package parser

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Field names a capture a template may declare.
type Field string

const (
	FieldAmount        Field = "purchase_amount"
	FieldMerchant      Field = "merchant"
	FieldPaymentMethod Field = "payment_method"
	FieldDate          Field = "date"
	FieldTime          Field = "time"
	FieldDateTime      Field = "datetime"
)

var knownFields = map[Field]bool{
	FieldAmount:        true,
	FieldMerchant:      true,
	FieldPaymentMethod: true,
	FieldDate:          true,
	FieldTime:          true,
	FieldDateTime:      true,
}

// Date layouts used by the notifications.
const (
	LayoutDate      = "02/01/2006"
	LayoutShortDate = "02/01/06"
	layoutClock     = "15:04"
)

// Template is one extraction pattern plus the contract of what it captures.
type Template struct {
	pattern    *regexp.Regexp
	fields     map[Field]bool
	currency   Currency
	dateLayout string
}

// NewTemplate compiles expr and checks that its named groups are exactly fields.
// currency is CurrencyUnknown when the amount capture carries its own prefix.
func NewTemplate(expr string, currency Currency, dateLayout string, fields ...Field) (Template, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Template{}, fmt.Errorf("compiling template: %w", err)
	}

	declared := make(map[Field]bool, len(fields))
	for _, f := range fields {
		if !knownFields[f] {
			return Template{}, fmt.Errorf("template %q: unknown field %q", expr, f)
		}
		if declared[f] {
			return Template{}, fmt.Errorf("template %q: field %q declared twice", expr, f)
		}
		declared[f] = true
	}

	groups := make(map[Field]bool)
	for _, name := range re.SubexpNames() {
		if name == "" {
			continue
		}
		groups[Field(name)] = true
	}
	if missing, extra := diffFields(declared, groups); len(missing)+len(extra) > 0 {
		return Template{}, fmt.Errorf("template %q: declared fields do not match named groups (missing %v, undeclared %v)",
			expr, missing, extra)
	}

	if !declared[FieldAmount] || !declared[FieldMerchant] {
		return Template{}, fmt.Errorf("template %q: %s and %s are required", expr, FieldAmount, FieldMerchant)
	}
	if declared[FieldDateTime] && (declared[FieldDate] || declared[FieldTime]) {
		return Template{}, fmt.Errorf("template %q: %s excludes %s and %s", expr, FieldDateTime, FieldDate, FieldTime)
	}
	if declared[FieldDate] != declared[FieldTime] {
		return Template{}, fmt.Errorf("template %q: %s and %s must be declared together", expr, FieldDate, FieldTime)
	}
	if dateLayout == "" {
		dateLayout = LayoutDate
	}

	return Template{
		pattern:    re,
		fields:     declared,
		currency:   currency,
		dateLayout: dateLayout,
	}, nil
}

// MustTemplate is NewTemplate for the static registry tables.
func MustTemplate(expr string, currency Currency, dateLayout string, fields ...Field) Template {
	t, err := NewTemplate(expr, currency, dateLayout, fields...)
	if err != nil {
		panic(err)
	}
	return t
}

// Declares reports whether the template captures f.
func (t Template) Declares(f Field) bool { return t.fields[f] }

// match returns the captures of the first match, keyed by field, or nil.
// Optional groups that did not participate are absent from the map.
func (t Template) match(text string) map[Field]string {
	idx := t.pattern.FindStringSubmatchIndex(text)
	if idx == nil {
		return nil
	}
	out := make(map[Field]string, len(t.fields))
	for i, name := range t.pattern.SubexpNames() {
		if name == "" || idx[2*i] < 0 {
			continue
		}
		out[Field(name)] = text[idx[2*i]:idx[2*i+1]]
	}
	return out
}

func diffFields(declared, groups map[Field]bool) (missing, extra []string) {
	for f := range declared {
		if !groups[f] {
			missing = append(missing, string(f))
		}
	}
	for f := range groups {
		if !declared[f] {
			extra = append(extra, string(f))
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}

// merchantClass is the character class merchants are captured with. Go's \w is
// ASCII-only, so letters and digits are spelled as Unicode classes.
const merchantClass = `\p{L}\p{N}_\s.*/`

// merchantChars builds a merchant character class with extra literal characters.
func merchantChars(extra string) string {
	return "[" + merchantClass + strings.ReplaceAll(extra, "-", `\-`) + "]"
}
