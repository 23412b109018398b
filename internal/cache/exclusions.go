package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// ExclusionList names models whose completions are never cached, typically
// because they are sampled at high temperature or backed by a service that
// must see every request.
//
// Rules are exact model ids, or regular expressions written as "re:<expr>".
// A nil *ExclusionList matches nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// ParseExclusions builds an ExclusionList from configuration rules. Blank
// rules are skipped; an invalid expression is an error so misconfiguration
// is caught at startup.
func ParseExclusions(rules []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{}, len(rules))}

	for _, r := range rules {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		expr, isPattern := strings.CutPrefix(r, "re:")
		if !isPattern {
			el.exact[r] = struct{}{}
			continue
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", expr, err)
		}
		el.patterns = append(el.patterns, re)
	}
	return el, nil
}

// Matches reports whether modelID is excluded from caching.
func (el *ExclusionList) Matches(modelID string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[modelID]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(modelID) {
			return true
		}
	}
	return false
}

// Len returns the number of rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
