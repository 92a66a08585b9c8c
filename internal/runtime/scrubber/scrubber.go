// Package scrubber implements response-body redaction: class-specific
// pattern matching applied to both buffered and streamed response bodies
// before they leave the gateway boundary.
package scrubber

import (
	"regexp"
)

// Class names the built-in PII/secret classes a guardrail preset or a
// redact_response(classes) action may reference.
type Class string

const (
	ClassCreditCard Class = "credit_card"
	ClassSSN        Class = "ssn"
	ClassEmail      Class = "email"
	ClassAPIKey     Class = "api_key"
)

// Placeholder is the fixed replacement text for a redacted span of a class.
func Placeholder(class Class) string {
	return "[REDACTED:" + string(class) + "]"
}

// Redactor matches and replaces spans of one class within plain text.
type Redactor struct {
	class   Class
	pattern *regexp.Regexp
}

// builtinPatterns holds the default regex per class. These are intentionally
// conservative (favor false negatives over mangling legitimate content) —
// operators may register additional classes via NewRedactor for bespoke shapes.
var builtinPatterns = map[Class]string{
	ClassCreditCard: `\b(?:\d[ -]*?){13,16}\b`,
	ClassSSN:        `\b\d{3}-\d{2}-\d{4}\b`,
	ClassEmail:      `\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`,
	ClassAPIKey:     `\b(?:sk|pk|rk)[-_][A-Za-z0-9]{16,}\b`,
}

// NewRedactor compiles a custom redactor for a class with a caller-provided
// pattern, used for classes beyond the four built-ins.
func NewRedactor(class Class, pattern string) (Redactor, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Redactor{}, err
	}
	return Redactor{class: class, pattern: re}, nil
}

func builtinRedactor(class Class) (Redactor, bool) {
	pattern, ok := builtinPatterns[class]
	if !ok {
		return Redactor{}, false
	}
	re := regexp.MustCompile(pattern)
	return Redactor{class: class, pattern: re}, true
}

// Scrubber applies an active set of class redactors to response content. A
// Scrubber is built fresh per request from the union of active guardrail
// presets and any redact_response(classes) policy actions; it is cheap to
// construct and holds no per-request mutable state of its own.
type Scrubber struct {
	redactors []Redactor
}

// New builds a Scrubber for the given classes. Unknown classes with no
// built-in pattern and no custom registration are silently skipped — the
// caller (policy engine) is responsible for validating class names against
// known presets before they reach here.
func New(classes []Class, custom ...Redactor) *Scrubber {
	seen := make(map[Class]bool)
	var redactors []Redactor
	for _, c := range custom {
		if !seen[c.class] {
			redactors = append(redactors, c)
			seen[c.class] = true
		}
	}
	for _, class := range classes {
		if seen[class] {
			continue
		}
		if r, ok := builtinRedactor(class); ok {
			redactors = append(redactors, r)
			seen[class] = true
		}
	}
	return &Scrubber{redactors: redactors}
}

// Active reports whether the scrubber has any redactor configured.
func (s *Scrubber) Active() bool {
	return s != nil && len(s.redactors) > 0
}

// ScrubText redacts every configured class from text, returning the
// redacted text and the list of classes that actually matched something.
// Scrubbing is deterministic and idempotent: running ScrubText again on its
// own output matches nothing further, since placeholders never match a
// class pattern.
func (s *Scrubber) ScrubText(text string) (string, []Class) {
	if s == nil {
		return text, nil
	}
	var matchedClasses []Class
	for _, r := range s.redactors {
		replaced := r.pattern.ReplaceAllStringFunc(text, func(string) string {
			return Placeholder(r.class)
		})
		if replaced != text {
			matchedClasses = append(matchedClasses, r.class)
		}
		text = replaced
	}
	return text, matchedClasses
}

// ScrubField redacts the string value at a JSON-path-identified field,
// returning the redacted value and whether it was changed. Tracking the
// audit fields-redacted list is the caller's responsibility: append the
// field path when changed is true.
func (s *Scrubber) ScrubField(value string) (redacted string, changed bool) {
	out, classes := s.ScrubText(value)
	return out, len(classes) > 0
}
