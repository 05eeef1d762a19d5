// Package classify implements the rule-driven roofing classifier.
package classify

import (
	"strings"

	"github.com/permitwatch/backend/internal/config"
)

// Classifier labels permits as roofing work based on an immutable rule
// document. Build one at startup and share it; it has no mutable state.
type Classifier struct {
	exact           map[string]struct{}
	partial         []string
	tokens          []string
	minTokenMatches int
	caseSensitive   bool
}

// New compiles the rule document into a Classifier. Matching is case-folded
// unless the rules ask for case sensitivity.
func New(rules *config.RoofingRules) *Classifier {
	c := &Classifier{
		exact:           make(map[string]struct{}, len(rules.PermitTypes.ExactMatches)),
		minTokenMatches: rules.MinTokenMatches,
		caseSensitive:   rules.CaseSensitive,
	}
	if c.minTokenMatches <= 0 {
		c.minTokenMatches = 1
	}
	for _, m := range rules.PermitTypes.ExactMatches {
		c.exact[c.fold(strings.TrimSpace(m))] = struct{}{}
	}
	for _, m := range rules.PermitTypes.PartialMatches {
		c.partial = append(c.partial, c.fold(strings.TrimSpace(m)))
	}
	for _, group := range [][]string{
		rules.WorkDescriptionTokens.Primary,
		rules.WorkDescriptionTokens.Materials,
		rules.WorkDescriptionTokens.Actions,
	} {
		for _, tok := range group {
			c.tokens = append(c.tokens, c.fold(strings.TrimSpace(tok)))
		}
	}
	return c
}

func (c *Classifier) fold(s string) string {
	if c.caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

// IsRoofing reports whether a permit describes roofing work. It is a pure
// function of permit type and work description; empty inputs are fine.
//
// Checks short-circuit in order: exact permit-type match, partial permit-type
// match, then a distinct-token scan of the work description against the union
// of primary/materials/actions tokens.
func (c *Classifier) IsRoofing(permitType, workDescription string) bool {
	pt := c.fold(strings.TrimSpace(permitType))
	if pt != "" {
		if _, ok := c.exact[pt]; ok {
			return true
		}
		for _, sub := range c.partial {
			if sub != "" && strings.Contains(pt, sub) {
				return true
			}
		}
	}

	desc := c.fold(workDescription)
	if desc == "" {
		return false
	}
	matches := 0
	seen := make(map[string]struct{})
	for _, tok := range c.tokens {
		if tok == "" {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		if strings.Contains(desc, tok) {
			seen[tok] = struct{}{}
			matches++
			if matches >= c.minTokenMatches {
				return true
			}
		}
	}
	return false
}
