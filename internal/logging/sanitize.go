package logging

import (
	"regexp"
	"strconv"
	"strings"
)

// MaskEmail keeps the first and last character of every address part.
// "alice@example.com" becomes "a***e@e*****e.c*m".
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	parts := strings.Split(s[at+1:], ".")
	for i, p := range parts {
		parts[i] = maskPart(p)
	}
	return maskPart(s[:at]) + "@" + strings.Join(parts, ".")
}

func maskPart(part string) string {
	if len(part) <= 1 {
		return "*"
	}
	return part[:1] + strings.Repeat("*", len(part)-2) + part[len(part)-1:]
}

var emailRE = regexp.MustCompile(`(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`)

// RedactEmailsIn masks every address found in s.
func RedactEmailsIn(s string) string {
	return emailRE.ReplaceAllStringFunc(s, MaskEmail)
}

// loginRE matches the LOGIN command of an IMAP trace so credentials never
// reach the debug log.
var loginRE = regexp.MustCompile(`(?i)^(\S+\s+LOGIN)\s.*$`)

// RedactIMAPLine scrubs one line of raw IMAP protocol trace.
func RedactIMAPLine(line string) string {
	line = strings.TrimRight(line, "\r\n")
	if loginRE.MatchString(line) {
		return loginRE.ReplaceAllString(line, "$1 [redacted]")
	}
	if len(line) > 512 {
		return line[:512] + " ...(" + strconv.Itoa(len(line)) + " bytes)"
	}
	return RedactEmailsIn(line)
}
