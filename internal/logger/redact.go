// Package logger holds the log output filters shared by every command.
package logger

import (
	"io"
	"regexp"
)

const mask = "[REDACTED]"

// secretRules match a prefix in group 1 and the secret right after it. Only
// the secret is replaced.
var secretRules = []*regexp.Regexp{
	// REDIS_PASSWORD=..., "password":"...", and libpq "password=..." DSNs
	regexp.MustCompile(`(?i)((?:redis_)?password["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(jwt[_-]?secret["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
	regexp.MustCompile(`(?i)((?:lapi[_-]?key|X-Api-Key)["'\s:=]+)\S+`),
	// user:secret@host in postgres:// and redis:// URLs
	regexp.MustCompile(`(?i)((?:postgres(?:ql)?|rediss?)://[^:/@\s]*:)[^@\s]+`),
}

var replacement = []byte("${1}" + mask)

// Redact returns p with every secret masked. p is not modified.
func Redact(p []byte, extra ...*regexp.Regexp) []byte {
	out := p
	for _, re := range secretRules {
		out = re.ReplaceAll(out, replacement)
	}
	for _, re := range extra {
		out = re.ReplaceAll(out, replacement)
	}
	return out
}

// RedactWriter masks secrets in every log line before it reaches w.
type RedactWriter struct {
	w     io.Writer
	extra []*regexp.Regexp
}

// NewRedactWriter wraps w. Extra patterns follow the same convention as the
// built-in rules: group 1 is kept, the rest of the match is masked.
func NewRedactWriter(w io.Writer, extra ...*regexp.Regexp) *RedactWriter {
	return &RedactWriter{w: w, extra: extra}
}

// Write reports len(p) on success so zerolog never sees a short write when
// masking changed the length.
func (r *RedactWriter) Write(p []byte) (int, error) {
	if _, err := r.w.Write(Redact(p, r.extra...)); err != nil {
		return 0, err
	}
	return len(p), nil
}
