// Package pii scrubs personal data from transaction descriptions before the
// text reaches embeddings, rules, model prompts, or storage.
package pii

import (
	"regexp"
	"sort"
	"strings"
)

// Redaction placeholders.
const (
	EmailToken = "[REDACTED_EMAIL]"
	PhoneToken = "[REDACTED_PHONE]"
	CardToken  = "[REDACTED_CARD]"
)

// Kind names a category of personal data.
type Kind string

// Detected kinds.
const (
	KindEmail Kind = "email"
	KindCard  Kind = "card"
	KindPhone Kind = "phone"
)

type rule struct {
	re          *regexp.Regexp
	kind        Kind
	replacement string
	// accept filters candidate matches; nil accepts all.
	accept func(match string) bool
}

// Rules run in order. Cards go before phones so a long digit run is never
// reported as a phone number.
var rules = []rule{
	{
		kind:        KindEmail,
		re:          regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		replacement: EmailToken,
	},
	{
		kind:        KindCard,
		re:          regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`),
		replacement: CardToken,
	},
	{
		kind:        KindPhone,
		re:          regexp.MustCompile(`\+?\(?\b\d[\d\s\-()]{5,}\d\b|\b\d{3}\.\d{3}\.\d{4}\b`),
		replacement: PhoneToken,
		accept:      isPhone,
	},
}

var isoDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// isPhone accepts 7 to 15 digits, the span of local numbers up to E.164.
// ISO dates share the shape and are kept.
func isPhone(match string) bool {
	if isoDate.MatchString(match) {
		return false
	}
	digits := 0
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 7 && digits <= 15
}

// Result is the outcome of a redaction pass.
type Result struct {
	Text     string
	Kinds    []Kind
	Count    int
	Detected bool
}

// Redact replaces emails, card-like numbers, and phone numbers with fixed
// placeholders. It never fails; clean input is returned unchanged.
func Redact(text string) Result {
	res := Result{Text: text}
	seen := make(map[Kind]bool)

	for _, r := range rules {
		text, n := r.apply(res.Text)
		if n == 0 {
			continue
		}
		res.Count += n
		res.Text = text
		seen[r.kind] = true
	}

	for k := range seen {
		res.Kinds = append(res.Kinds, k)
	}
	sort.Slice(res.Kinds, func(i, j int) bool { return res.Kinds[i] < res.Kinds[j] })
	res.Detected = res.Count > 0
	return res
}

func (r rule) apply(text string) (string, int) {
	matches := r.re.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text, 0
	}

	var b strings.Builder
	last, n := 0, 0
	for _, m := range matches {
		if r.accept != nil && !r.accept(text[m[0]:m[1]]) {
			continue
		}
		b.WriteString(text[last:m[0]])
		b.WriteString(r.replacement)
		last = m[1]
		n++
	}
	if n == 0 {
		return text, 0
	}
	b.WriteString(text[last:])
	return b.String(), n
}
