package config

import (
	"fmt"
	"regexp"
	"strings"
)

// CompileDomainPattern turns a configured host pattern into a regexp usable
// as RouteRule.DomainPattern. Two shapes are recognized:
//
//   - an exact hostname ("static.example.com") matches only that host.
//   - a single-level wildcard ("*.example.com") matches exactly one
//     additional label with no embedded dots, by escaping literal dots and
//     substituting "*" with "[^.]+".
func CompileDomainPattern(pattern string) (*regexp.Regexp, bool, error) {
	wildcard := strings.HasPrefix(pattern, "*.")
	escaped := regexp.QuoteMeta(pattern)
	if wildcard {
		escaped = strings.Replace(escaped, regexp.QuoteMeta("*"), "[^.]+", 1)
	}
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil, false, fmt.Errorf("invalid domain pattern %q: %w", pattern, err)
	}
	return re, wildcard, nil
}
