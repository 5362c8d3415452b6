package parser

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailwatch/internal/mailbox"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParsePlainMessage(t *testing.T) {
	raw := mailbox.RawMessage{
		UID: 42,
		Body: crlf(`From: "Bob Smith" <bob@example.com>
To: alice@example.com
Subject: Lunch?
Date: Tue, 03 Jan 2006 10:00:00 +0000
Content-Type: text/plain; charset=utf-8

Are you   free
at noon?
`),
	}

	rec, err := New(200).Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "42", rec.ID)
	assert.Equal(t, uint32(42), rec.Position)
	assert.False(t, rec.WeakID)
	assert.Equal(t, "Bob Smith", rec.Sender)
	assert.Equal(t, "bob@example.com", rec.SenderAddress)
	assert.Equal(t, "Lunch?", rec.Subject)
	assert.Equal(t, "Are you free at noon?", rec.Preview)
	assert.False(t, rec.HasAttachments)
	assert.True(t, rec.ReceivedAt.Equal(time.Date(2006, 1, 3, 10, 0, 0, 0, time.UTC)))
}

func TestParseEncodedSubjectAndCharset(t *testing.T) {
	raw := mailbox.RawMessage{
		UID: 7,
		Body: crlf(`From: =?UTF-8?Q?Jos=C3=A9?= <jose@example.com>
Subject: =?UTF-8?B?w4lsw6h2ZSBkdSBtb2lz?=
Content-Type: text/plain; charset=iso-8859-1
Content-Transfer-Encoding: quoted-printable

Caf=E9 cr=E8me
`),
	}

	rec, err := New(0).Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "José", rec.Sender)
	assert.Equal(t, "Élève du mois", rec.Subject)
	assert.Equal(t, "Café crème", rec.Preview)
}

func TestParseMultipartWithAttachment(t *testing.T) {
	raw := mailbox.RawMessage{
		UID: 9,
		Body: crlf(`From: carol@example.com
Subject: report
Content-Type: multipart/mixed; boundary=XYZ

--XYZ
Content-Type: text/html; charset=utf-8

<html><style>p{color:red}</style><body><p>Quarterly &amp; annual</p></body></html>
--XYZ
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"

JVBERi0=
--XYZ--
`),
	}

	rec, err := New(200).Parse(raw)
	require.NoError(t, err)
	assert.True(t, rec.HasAttachments)
	assert.Equal(t, "carol@example.com", rec.Sender)
	assert.Equal(t, "carol@example.com", rec.SenderAddress)
	assert.Equal(t, "Quarterly & annual", rec.Preview)
}

func TestParsePreviewTruncation(t *testing.T) {
	body := strings.Repeat("é", 50)
	raw := mailbox.RawMessage{
		UID:  1,
		Body: crlf("From: a@example.com\nSubject: long\n\n" + body + "\n"),
	}

	rec, err := New(10).Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 10, utf8.RuneCountInString(rec.Preview))
	assert.True(t, strings.HasSuffix(rec.Preview, "…"))
}

func TestPreviewLength(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want int
		cut  bool
	}{
		{"shorter", "hello world", 200, 11, false},
		{"exact", strings.Repeat("a", 200), 200, 200, false},
		{"one over", strings.Repeat("a", 201), 200, 200, true},
		{"far over", strings.Repeat("word ", 100), 200, 200, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := preview(tt.in, tt.n)
			assert.LessOrEqual(t, utf8.RuneCountInString(got), tt.n)
			assert.Equal(t, tt.cut, strings.HasSuffix(got, "…"))
			if !tt.cut {
				assert.Equal(t, tt.want, utf8.RuneCountInString(got))
			}
		})
	}
	assert.Equal(t, 200, utf8.RuneCountInString(preview(strings.Repeat("a", 201), 200)))
}

func TestParseFallsBackToInternalDate(t *testing.T) {
	internal := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	raw := mailbox.RawMessage{
		UID:          3,
		InternalDate: internal,
		Body:         crlf("From: a@example.com\nSubject: no date\n\nhi\n"),
	}

	rec, err := New(200).Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, internal, rec.ReceivedAt)
}

func TestParseMissingUIDUsesContentHash(t *testing.T) {
	internal := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	raw := mailbox.RawMessage{
		InternalDate: internal,
		Body:         crlf("From: A <A@Example.com>\nSubject: hello\n\nbody\n"),
	}

	rec, err := New(200).Parse(raw)
	require.NoError(t, err)
	assert.True(t, rec.WeakID)
	assert.Equal(t, uint32(0), rec.Position)
	assert.True(t, strings.HasPrefix(rec.ID, "sha256:"))
	assert.Equal(t, ContentHash("A@Example.com", "hello", internal), rec.ID)

	again, err := New(200).Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
}

func TestParseRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"whitespace", []byte("  \r\n")},
		{"no header block", []byte("this is not a header line\r\n\r\nbody\r\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(200).Parse(mailbox.RawMessage{UID: 5, Body: tt.body})
			require.Error(t, err)
			assert.True(t, IsParseError(err))

			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, uint32(5), perr.UID)
		})
	}
}
