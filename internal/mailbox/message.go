// Package mailbox reads bank notifications out of exported mail: RFC 822 .eml
// files and PDF prints of a mailbox.
package mailbox

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/kalambet/gastos/internal/storage"
)

// DefaultSenders are the addresses the bank sends notifications from.
var DefaultSenders = []string{
	"alertasynotificaciones@notificacionesbancolombia.com",
	"alertasynotificaciones@bancolombia.com.co",
}

// Message is a decoded email reduced to what the parser needs.
type Message struct {
	MessageID string
	From      string // bare address, lower-cased
	Subject   string
	Date      time.Time
	Text      string // body as single-spaced plain text
}

var headerDecoder = &mime.WordDecoder{CharsetReader: charset.NewReaderLabel}

// ReadMessage parses an RFC 822 message. The body is the first text/plain part, or
// the first text/html part converted to text when there is no plain part.
func ReadMessage(r io.Reader) (Message, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return Message{}, fmt.Errorf("reading message: %w", err)
	}

	m := Message{
		MessageID: strings.Trim(strings.TrimSpace(msg.Header.Get("Message-Id")), "<>"),
	}
	if subject, err := headerDecoder.DecodeHeader(msg.Header.Get("Subject")); err == nil {
		m.Subject = subject
	} else {
		m.Subject = msg.Header.Get("Subject")
	}
	if addrs, err := msg.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		m.From = strings.ToLower(addrs[0].Address)
	}
	if d, err := msg.Header.Date(); err == nil {
		m.Date = d
	}

	text, err := readBody(msg.Header, msg.Body)
	if err != nil {
		return Message{}, err
	}
	m.Text = collapseSpace(text)
	return m, nil
}

// header is the subset of a MIME header readBody looks at.
type header interface {
	Get(key string) string
}

func readBody(h header, body io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		mediaType, params = "text/plain", map[string]string{}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return readMultipart(body, params["boundary"])
	}

	decoded, err := decodeBody(body, h.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return "", err
	}
	switch mediaType {
	case "text/html":
		return HTMLToText(decoded)
	case "text/plain":
		b, err := io.ReadAll(decoded)
		if err != nil {
			return "", fmt.Errorf("reading body: %w", err)
		}
		return string(b), nil
	default:
		return "", nil
	}
}

func readMultipart(body io.Reader, boundary string) (string, error) {
	if boundary == "" {
		return "", fmt.Errorf("multipart body without boundary")
	}
	mr := multipart.NewReader(body, boundary)
	var htmlText string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading multipart: %w", err)
		}
		mediaType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if part.FileName() != "" {
			continue
		}
		text, err := readBody(part.Header, part)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if mediaType == "text/html" {
			if htmlText == "" {
				htmlText = text
			}
			continue
		}
		return text, nil
	}
	return htmlText, nil
}

// decodeBody undoes the transfer encoding and converts the charset to UTF-8.
func decodeBody(body io.Reader, encoding, cs string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		body = quotedprintable.NewReader(body)
	case "base64":
		body = base64.NewDecoder(base64.StdEncoding, body)
	}
	if cs == "" || strings.EqualFold(cs, "utf-8") || strings.EqualFold(cs, "us-ascii") {
		return body, nil
	}
	r, err := charset.NewReaderLabel(cs, body)
	if err != nil {
		return nil, fmt.Errorf("decoding charset %q: %w", cs, err)
	}
	return r, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FromSender reports whether the message came from one of senders. Addresses
// compare case-insensitively.
func (m Message) FromSender(senders []string) bool {
	for _, s := range senders {
		if strings.EqualFold(m.From, s) {
			return true
		}
	}
	return false
}

// Email converts m into a storage row for the ingest queue. The Message-ID is the
// log ID, so importing the same file twice is rejected as a duplicate.
func (m Message) Email() storage.Email {
	return storage.Email{
		LogID:      m.MessageID,
		Sender:     m.From,
		Subject:    m.Subject,
		Body:       m.Text,
		ReceivedAt: m.Date,
	}
}

// ReadMessageBytes is ReadMessage over an in-memory message.
func ReadMessageBytes(b []byte) (Message, error) {
	return ReadMessage(bytes.NewReader(b))
}
