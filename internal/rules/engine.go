// Package rules is the deterministic keyword and pattern table that maps a
// cleaned description straight to a category.
package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Veraticus/tally/internal/config"
	"github.com/Veraticus/tally/internal/normalize"
)

// Confidence assigned to every rule decision.
const Confidence = 0.95

// Amount conditions.
const (
	AmountAny   = "any"
	AmountLT    = "lt"
	AmountLE    = "le"
	AmountEQ    = "eq"
	AmountGE    = "ge"
	AmountGT    = "gt"
	AmountRange = "range"
)

// Rule maps a pattern to a category.
type Rule struct {
	AmountValue     *float64
	AmountMin       *float64
	AmountMax       *float64
	Name            string
	Pattern         string
	Category        string
	AmountCondition string
	Priority        int
	IsRegex         bool
}

// Result is a rule hit.
type Result struct {
	Rule     Rule
	Keyword  string
	Category string
	// Competing lists other categories whose rules also matched.
	Competing  []string
	Confidence float64
	Ambiguous  bool
}

// Engine evaluates an ordered rule table.
type Engine struct {
	compiled map[int]*regexp.Regexp
	rules    []Rule
}

type hit struct {
	rule    Rule
	literal string
	index   int
}

// NewEngine compiles the table. Keyword patterns are cleaned the same way
// descriptions are, so matching is case and punctuation insensitive.
func NewEngine(rules []Rule) (*Engine, error) {
	e := &Engine{
		rules:    make([]Rule, len(rules)),
		compiled: make(map[int]*regexp.Regexp),
	}
	for i, r := range rules {
		if r.Category == "" {
			return nil, fmt.Errorf("rule %q has no category", r.Name)
		}
		if r.IsRegex {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid pattern: %w", r.Name, err)
			}
			e.compiled[i] = re
		} else {
			r.Pattern = normalize.Clean(r.Pattern)
			if r.Pattern == "" {
				return nil, fmt.Errorf("rule %q has an empty pattern", r.Name)
			}
		}
		if r.Name == "" {
			r.Name = r.Pattern
		}
		e.rules[i] = r
	}
	return e, nil
}

// Rules returns the compiled table.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Match evaluates text (already redacted) against the table. The winner is
// the highest priority hit, then the longest literal, then table order.
func (e *Engine) Match(text string, amount *float64) (Result, bool) {
	cleaned := normalize.Clean(text)
	if cleaned == "" {
		return Result{}, false
	}

	var hits []hit
	for i, r := range e.rules {
		literal, ok := e.matchText(i, r, cleaned)
		if !ok || !matchesAmount(r, amount) {
			continue
		}
		hits = append(hits, hit{rule: r, literal: literal, index: i})
	}
	if len(hits) == 0 {
		return Result{}, false
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].rule.Priority != hits[j].rule.Priority {
			return hits[i].rule.Priority > hits[j].rule.Priority
		}
		if len(hits[i].literal) != len(hits[j].literal) {
			return len(hits[i].literal) > len(hits[j].literal)
		}
		return hits[i].index < hits[j].index
	})

	win := hits[0]
	res := Result{
		Rule:       win.rule,
		Keyword:    win.literal,
		Category:   win.rule.Category,
		Confidence: Confidence,
	}

	seen := map[string]bool{win.rule.Category: true}
	for _, h := range hits[1:] {
		if seen[h.rule.Category] {
			continue
		}
		seen[h.rule.Category] = true
		res.Competing = append(res.Competing, h.rule.Category)
		// "uber" inside "uber eats" is a refinement, not a conflict.
		if h.rule.Priority == win.rule.Priority && !strings.Contains(win.literal, h.literal) {
			res.Ambiguous = true
		}
	}
	return res, true
}

func (e *Engine) matchText(i int, r Rule, cleaned string) (string, bool) {
	if r.IsRegex {
		re := e.compiled[i]
		m := re.FindString(cleaned)
		if m == "" {
			return "", false
		}
		return m, true
	}
	if strings.Contains(cleaned, r.Pattern) {
		return r.Pattern, true
	}
	return "", false
}

func matchesAmount(r Rule, amount *float64) bool {
	if r.AmountCondition == "" || r.AmountCondition == AmountAny {
		return true
	}
	if amount == nil {
		return false
	}
	a := *amount

	switch r.AmountCondition {
	case AmountLT:
		return r.AmountValue != nil && a < *r.AmountValue
	case AmountLE:
		return r.AmountValue != nil && a <= *r.AmountValue
	case AmountEQ:
		return r.AmountValue != nil && a == *r.AmountValue
	case AmountGE:
		return r.AmountValue != nil && a >= *r.AmountValue
	case AmountGT:
		return r.AmountValue != nil && a > *r.AmountValue
	case AmountRange:
		if r.AmountMin != nil && a < *r.AmountMin {
			return false
		}
		if r.AmountMax != nil && a > *r.AmountMax {
			return false
		}
		return true
	}
	return false
}

// FromConfig converts configured rules; an empty list yields the defaults.
func FromConfig(cfgs []config.RuleConfig) []Rule {
	if len(cfgs) == 0 {
		return DefaultRules()
	}
	out := make([]Rule, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, Rule{
			Name:            c.Name,
			Pattern:         c.Pattern,
			Category:        c.Category,
			IsRegex:         c.Regex,
			Priority:        c.Priority,
			AmountCondition: c.AmountCondition,
			AmountValue:     c.AmountValue,
			AmountMin:       c.AmountMin,
			AmountMax:       c.AmountMax,
		})
	}
	return out
}
