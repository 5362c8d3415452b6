// Package parser converts raw RFC 5322 messages into message records.
package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"html"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailwatch/internal/mailbox"
	"github.com/nhle/mailwatch/internal/model"
)

// DefaultPreviewLength is the preview size in runes when none is set.
const DefaultPreviewLength = 200

// maxPartBytes bounds how much of a text part is read for the preview.
const maxPartBytes = 1 << 20

var (
	errEmptyMessage = errors.New("empty message")
	errNoHeader     = errors.New("no header fields")
)

// Parser builds MessageRecords from raw messages.
type Parser struct {
	previewLength int
}

// New returns a parser producing previews of at most previewLength runes.
func New(previewLength int) *Parser {
	if previewLength <= 0 {
		previewLength = DefaultPreviewLength
	}
	return &Parser{previewLength: previewLength}
}

// Parse decodes raw into a record. It fails with a *ParseError only when
// the header block is missing or unreadable; body problems degrade to an
// empty preview.
func (p *Parser) Parse(raw mailbox.RawMessage) (model.MessageRecord, error) {
	if len(bytes.TrimSpace(raw.Body)) == 0 {
		return model.MessageRecord{}, &ParseError{UID: raw.UID, Err: errEmptyMessage}
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw.Body))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.MessageRecord{}, &ParseError{UID: raw.UID, Err: err}
	}
	if mr == nil {
		return model.MessageRecord{}, &ParseError{UID: raw.UID, Err: err}
	}
	defer mr.Close()

	fields := mr.Header.Fields()
	if fields.Len() == 0 {
		return model.MessageRecord{}, &ParseError{UID: raw.UID, Err: errNoHeader}
	}

	rec := model.MessageRecord{Position: raw.UID}
	rec.Subject = subjectOf(mr.Header)
	rec.Sender, rec.SenderAddress = senderOf(mr.Header)

	rec.ReceivedAt = raw.InternalDate
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		rec.ReceivedAt = date
	}

	text, htmlBody, hasAttachments := readParts(mr)
	rec.HasAttachments = hasAttachments
	body := text
	if strings.TrimSpace(body) == "" {
		body = stripHTML(htmlBody)
	}
	rec.Preview = preview(body, p.previewLength)

	if raw.UID != 0 {
		rec.ID = strconv.FormatUint(uint64(raw.UID), 10)
	} else {
		rec.ID = ContentHash(rec.SenderAddress, rec.Subject, rec.ReceivedAt)
		rec.WeakID = true
	}

	return rec, nil
}

func subjectOf(h mail.Header) string {
	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	return strings.TrimSpace(subject)
}

func senderOf(h mail.Header) (name, address string) {
	list, err := h.AddressList("From")
	if err != nil || len(list) == 0 {
		raw := strings.TrimSpace(h.Get("From"))
		return raw, ""
	}
	from := list[0]
	if from.Name != "" {
		return from.Name, from.Address
	}
	return from.Address, from.Address
}

// readParts walks the MIME tree once, keeping the first text/plain and
// text/html bodies and noting any attachment.
func readParts(mr *mail.Reader) (text, htmlBody string, hasAttachments bool) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		if part == nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if contentType == "" {
				contentType = "text/plain"
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && text == "":
				text = readBounded(part.Body)
			case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
				htmlBody = readBounded(part.Body)
			}
		case *mail.AttachmentHeader:
			hasAttachments = true
		}
	}
	return text, htmlBody, hasAttachments
}

func readBounded(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxPartBytes))
	return string(body)
}

var (
	scriptRE = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRE    = regexp.MustCompile(`(?s)<[^>]*>`)
)

func stripHTML(s string) string {
	if s == "" {
		return ""
	}
	s = scriptRE.ReplaceAllString(s, " ")
	s = tagRE.ReplaceAllString(s, " ")
	return html.UnescapeString(s)
}

// preview collapses whitespace and limits s to n runes. A cut string
// ends in an ellipsis, which counts toward n.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:n-1]), " ") + "…"
}

// ContentHash is the fallback id for messages the server returned without
// a UID. Two messages from the same sender with the same subject and
// timestamp collide.
func ContentHash(senderAddress, subject string, receivedAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(senderAddress)))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(receivedAt.UTC().Format(time.RFC3339Nano)))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
