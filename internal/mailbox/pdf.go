package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

// notificationStart matches the openings bank notifications use.
var notificationStart = regexp.MustCompile(`Bancolombia (?:le |te )?informa|Bancolombia: |Realizaste una transferencia`)

// SplitNotifications cuts text that holds many notifications (a mailbox printed to
// PDF, a pasted thread) at each notification opening. Text before the first
// opening is dropped. An opening directly following another, as in "Bancolombia:
// Realizaste una transferencia", stays in the same notification.
func SplitNotifications(text string) []string {
	text = collapseSpace(text)
	locs := notificationStart.FindAllStringIndex(text, -1)

	var starts []int
	prevEnd := -1
	for _, loc := range locs {
		if prevEnd >= 0 && strings.TrimSpace(text[prevEnd:loc[0]]) == "" {
			prevEnd = loc[1]
			continue
		}
		starts = append(starts, loc[0])
		prevEnd = loc[1]
	}

	out := make([]string, 0, len(starts))
	for i, start := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if n := strings.TrimSpace(text[start:end]); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// ReadPDF extracts the plain text of a PDF document. The pdf package panics on
// some malformed files; that is reported as an error.
func ReadPDF(r io.ReaderAt, size int64) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			text, err = "", fmt.Errorf("reading pdf: %v", p)
		}
	}()

	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	var b strings.Builder
	for i := 1; i <= doc.NumPage(); i++ {
		page := doc.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("reading page %d: %w", i, err)
		}
		b.WriteString(pageText)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// PDFNotifications reads a PDF export and splits it into notifications.
func PDFNotifications(data []byte) ([]string, error) {
	text, err := ReadPDF(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	return SplitNotifications(text), nil
}
