// Package normalize derives stable merchant keys from redacted descriptions.
package normalize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	placeholderRe = regexp.MustCompile(`\[REDACTED_[A-Z]+\]`)
	// Reference-style tokens such as #1234, ref123456, or txn-88.
	referenceRe = regexp.MustCompile(`(?i)(#\S+|\b(?:ref|txn|auth|id|conf)[\-:#]?\d+\b|\b\w*\d\w*\b)`)
)

// boilerplate are processor tokens that carry no merchant identity.
var boilerplate = map[string]bool{
	"pos":       true,
	"purchase":  true,
	"debit":     true,
	"credit":    true,
	"card":      true,
	"ach":       true,
	"ref":       true,
	"txn":       true,
	"sq":        true,
	"tst":       true,
	"pymt":      true,
	"payment":   true,
	"www":       true,
	"com":       true,
	"recurring": true,
	"checkcard": true,
}

// MerchantKey lowercases text, strips placeholders, reference numbers and
// processor boilerplate, replaces non-letters with spaces, and collapses
// whitespace. It is pure: equal input always yields an equal key.
func MerchantKey(text string) string {
	return strings.Join(Tokens(text), " ")
}

// Tokens returns the normalized tokens of text in order.
func Tokens(text string) []string {
	text = placeholderRe.ReplaceAllString(text, " ")
	text = referenceRe.ReplaceAllString(text, " ")
	text = strings.ToLower(text)

	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return r
		}
		return ' '
	}, text)

	fields := strings.Fields(cleaned)
	out := fields[:0]
	for _, f := range fields {
		if boilerplate[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Clean is the lighter normalization used for rule matching and prompts:
// lowercase, non-letters to spaces, whitespace collapsed, no token removal.
func Clean(text string) string {
	text = placeholderRe.ReplaceAllString(text, " ")
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(cleaned), " ")
}

// Unique returns the tokens of a that do not appear in b, in order and
// without duplicates.
func Unique(a, b []string) []string {
	present := make(map[string]bool, len(b))
	for _, t := range b {
		present[t] = true
	}
	var out []string
	for _, t := range a {
		if present[t] {
			continue
		}
		present[t] = true
		out = append(out, t)
	}
	return out
}
