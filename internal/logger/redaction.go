package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	re          *regexp.Regexp
	replacement string
}

// Redactor strips secrets from log lines. Replacements keep JSON keys and
// quotes intact so redacted lines still parse.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor for the secrets tether handles:
// HMAC-signed credentials, bearer tokens, the publish secret header and
// generic secret/password fields.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			// <userId>.<hex hmac-sha256>
			{regexp.MustCompile(`[A-Za-z0-9_@:-][A-Za-z0-9_.@:-]*\.[0-9a-f]{64}`), redacted},
			{regexp.MustCompile(`("credential"\s*:\s*")[^"]*(")`), "${1}" + redacted + "${2}"},
			{regexp.MustCompile(`(Bearer\s+)[A-Za-z0-9._~+/=-]+`), "${1}" + redacted},
			{regexp.MustCompile(`(?i)(x-tether-secret"?\s*[:=]\s*"?)[^\s",}]+`), "${1}" + redacted},
			{regexp.MustCompile(`(?i)((?:password|secret)"?\s*[:=]\s*"?)[^\s",}]+`), "${1}" + redacted},
		},
	}
}

// AddPattern redacts every match of pattern entirely.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, replacement: redacted})
	return nil
}

// Redact applies every rule to s.
func (r *Redactor) Redact(s string) string {
	result := s
	for _, rule := range r.rules {
		result = rule.re.ReplaceAllString(result, rule.replacement)
	}
	return result
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat the shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
