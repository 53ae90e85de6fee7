package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"regexp"
	"strings"
)

// KeyInput is everything the response cache needs to distinguish one cached
// representation of a resource from another. It is built by the caller
// (ProxyEngine) from the request plus the already-resolved RouteDecision, so
// this package never needs to import routeresolver.
type KeyInput struct {
	Method       string
	Host         string
	RequestPath  string
	UpstreamPath string
	Backend      string
	Matched      bool

	// VaryValues holds, in the same order as the response's Vary header
	// names, the corresponding request header values. Two requests that
	// differ only in a header the origin didn't list in Vary must collide
	// on the same cache entry.
	VaryValues []string

	AcceptEncoding        string
	PrimaryAcceptLanguage string
}

// Key builds the composite fingerprint the response cache stores entries
// under. The leading components stay readable (method, host, request path,
// backend, upstream path, colon-delimited) so operators can purge by glob
// pattern and filter by domain; the content-negotiation tail (Vary values,
// Accept-Encoding, primary Accept-Language, route match flag) is folded into
// a short hash suffix.
func Key(in KeyInput) string {
	var b strings.Builder
	b.WriteString(in.Method)
	b.WriteByte(':')
	b.WriteString(in.Host)
	b.WriteByte(':')
	b.WriteString(in.RequestPath)
	b.WriteByte(':')
	b.WriteString(in.Backend)
	b.WriteByte(':')
	b.WriteString(in.UpstreamPath)
	b.WriteByte(':')
	b.WriteString(variantHash(in))
	return b.String()
}

// variantHash condenses the parts of the key that vary per client rather
// than per resource.
func variantHash(in KeyInput) string {
	var b strings.Builder
	if in.Matched {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
	b.WriteByte('|')
	b.WriteString(in.AcceptEncoding)
	b.WriteByte('|')
	b.WriteString(in.PrimaryAcceptLanguage)
	for _, v := range in.VaryValues {
		b.WriteByte('|')
		b.WriteString(v)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// KeyDomain extracts the host component of a structured cache key (the 2nd
// colon-delimited field), for domain-filtered purges.
func KeyDomain(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// MatchPattern reports whether key matches a glob pattern in which `*`
// matches any run of characters (including path separators). An empty
// pattern matches everything.
func MatchPattern(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	re, err := globToRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(key)
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
		} else {
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

// VaryValuesFromHeader extracts, in Vary's listed order, the request header
// values a response's own Vary header names. Unset headers contribute an
// empty string so their presence still shapes the key.
func VaryValuesFromHeader(reqHeader http.Header, vary string) []string {
	if vary == "" {
		return nil
	}
	names := strings.Split(vary, ",")
	values := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || n == "*" {
			continue
		}
		values = append(values, reqHeader.Get(n))
	}
	return values
}

// PrimaryLanguage returns the left-most language tag from an
// Accept-Language header, ignoring quality values — enough to split a cache entry by language family without
// fragmenting it over every q-value permutation a client sends.
func PrimaryLanguage(acceptLanguage string) string {
	parts := strings.Split(acceptLanguage, ",")
	if len(parts) == 0 {
		return ""
	}
	first := strings.TrimSpace(parts[0])
	if semi := strings.IndexByte(first, ';'); semi != -1 {
		first = first[:semi]
	}
	return strings.TrimSpace(first)
}
