// Package filters matches tool names and resource URIs against
// agent-supplied patterns.
package filters

import (
	"fmt"
	"regexp"
	"strings"
)

type FilterType string

const (
	FilterTypeContains FilterType = "contains"
	FilterTypeRegex    FilterType = "regex"
	FilterTypeExact    FilterType = "exact"
	FilterTypePrefix   FilterType = "prefix"
)

type Filter struct {
	Type          FilterType
	Pattern       string
	CaseSensitive bool
	regex         *regexp.Regexp
}

// Parse builds a filter from a pattern. "re:" selects a regular expression,
// "=" an exact match and a trailing "*" a prefix match; anything else is a
// case-insensitive substring match.
func Parse(pattern string) (*Filter, error) {
	switch {
	case strings.HasPrefix(pattern, "re:"):
		return NewFilter(FilterTypeRegex, strings.TrimPrefix(pattern, "re:"), false)
	case strings.HasPrefix(pattern, "="):
		return NewFilter(FilterTypeExact, strings.TrimPrefix(pattern, "="), true)
	case strings.HasSuffix(pattern, "*"):
		return NewFilter(FilterTypePrefix, strings.TrimSuffix(pattern, "*"), false)
	default:
		return NewFilter(FilterTypeContains, pattern, false)
	}
}

func NewFilter(filterType FilterType, pattern string, caseSensitive bool) (*Filter, error) {
	f := &Filter{
		Type:          filterType,
		Pattern:       pattern,
		CaseSensitive: caseSensitive,
	}

	switch filterType {
	case FilterTypeRegex:
		flags := ""
		if !caseSensitive {
			flags = "(?i)"
		}
		regex, err := regexp.Compile(flags + pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
		f.regex = regex
	case FilterTypeContains, FilterTypeExact, FilterTypePrefix:
	default:
		return nil, fmt.Errorf("unknown filter type %q", filterType)
	}
	return f, nil
}

// Matches reports whether content passes the filter. A nil filter matches everything.
func (f *Filter) Matches(content string) bool {
	if f == nil {
		return true
	}
	pattern := f.Pattern
	if !f.CaseSensitive && f.Type != FilterTypeRegex {
		content = strings.ToLower(content)
		pattern = strings.ToLower(pattern)
	}

	switch f.Type {
	case FilterTypeContains:
		return strings.Contains(content, pattern)
	case FilterTypeRegex:
		return f.regex.MatchString(content)
	case FilterTypeExact:
		return content == pattern
	case FilterTypePrefix:
		return strings.HasPrefix(content, pattern)
	default:
		return false
	}
}

// MatchesAny reports whether any of the values passes the filter.
func (f *Filter) MatchesAny(values ...string) bool {
	for _, v := range values {
		if f.Matches(v) {
			return true
		}
	}
	return false
}
