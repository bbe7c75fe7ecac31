package observability

import "regexp"

// Redactor masks provider credentials and bearer tokens in log output.
type Redactor struct {
	patterns []redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
}

// NewRedactor creates a redactor with the default credential patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.add(`sk-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_KEY]")
	r.add(`sk-ant-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_KEY]")
	r.add(`AIza[a-zA-Z0-9\-_]{35}`, "[REDACTED_KEY]")
	r.add(`rk_[a-zA-Z0-9]{16,}`, "[REDACTED_KEY]")
	r.add(`Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]")
	r.add(`key=[a-zA-Z0-9\-_]{20,}`, "key=[REDACTED]")
	return r
}

func (r *Redactor) add(pattern, replacement string) {
	r.patterns = append(r.patterns, redactPattern{
		regex:       regexp.MustCompile(pattern),
		replacement: replacement,
	})
}

// AddSecret registers a literal credential value for masking, regardless
// of its shape.
func (r *Redactor) AddSecret(value string) {
	if len(value) < 8 {
		return
	}
	r.add(regexp.QuoteMeta(value), "[REDACTED_KEY]")
}

// Redact masks all known credential patterns in s.
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}
