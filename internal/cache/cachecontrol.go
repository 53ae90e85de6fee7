package cache

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

const CacheControlHeader = "Cache-Control"

// Directives is a parsed Cache-Control header: token -> its values (empty
// slice for a valueless directive like "no-store").
type Directives map[string][]string

// ParseHeader parses the Cache-Control header(s) of h.
func ParseHeader(h http.Header) Directives {
	return Parse(strings.Join(h[CacheControlHeader], ", "))
}

// Parse parses a raw Cache-Control header value.
func Parse(input string) Directives {
	cc := make(Directives)
	length := len(input)
	isValue := false
	lastKey := ""

	for pos := 0; pos < length; pos++ {
		var token string
		switch input[pos] {
		case '"':
			if offset := strings.IndexAny(input[pos+1:], `"`); offset != -1 {
				token = input[pos+1 : pos+1+offset]
			} else {
				token = input[pos+1:]
			}
			pos += len(token) + 1
		case ',', '\n', '\r', ' ', '\t':
			continue
		case '=':
			isValue = true
			continue
		default:
			if offset := strings.IndexAny(input[pos:], "\"\n\t\r ,="); offset != -1 {
				token = input[pos : pos+offset]
			} else {
				token = input[pos:]
			}
			pos += len(token) - 1
		}
		if isValue {
			cc.Add(lastKey, token)
			isValue = false
		} else {
			cc.Add(token, "")
			lastKey = token
		}
	}

	return cc
}

func (cc Directives) Get(key string) (string, bool) {
	v, exists := cc[key]
	if exists && len(v) > 0 {
		return v[0], true
	}
	return "", exists
}

func (cc Directives) Add(key, val string) {
	if !cc.Has(key) {
		cc[key] = []string{}
	}
	if val != "" {
		cc[key] = append(cc[key], val)
	}
}

func (cc Directives) Has(key string) bool {
	_, exists := cc[key]
	return exists
}

func (cc Directives) Duration(key string) (time.Duration, error) {
	d, _ := cc.Get(key)
	return time.ParseDuration(d + "s")
}

func (cc Directives) String() string {
	keys := make([]string, 0, len(cc))
	for k := range cc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := bytes.Buffer{}

	for _, k := range keys {
		vals := cc[k]
		if len(vals) == 0 {
			buf.WriteString(k + ", ")
			continue
		}
		for _, val := range vals {
			buf.WriteString(fmt.Sprintf("%s=%q, ", k, val))
		}
	}

	return strings.TrimSuffix(buf.String(), ", ")
}

// cacheableStatus lists response statuses eligible for caching absent an
// explicit directive forbidding it.
var cacheableStatus = map[int]bool{
	200: true, 203: true, 204: true,
	300: true, 301: true,
	404: true, 410: true,
}

// Cacheable reports whether a response may be cached at all, judged from
// the response directives and status only; reqDirectives is not consulted
// (NoCache covers the request's own opt-out).
func Cacheable(reqDirectives, respDirectives Directives, status int) bool {
	if respDirectives.Has("no-store") || respDirectives.Has("private") {
		return false
	}
	if !cacheableStatus[status] {
		return false
	}
	return true
}

// TTL derives a cache lifetime from response headers: s-maxage takes
// precedence over max-age, which takes precedence over Expires, which
// falls back to defaultTTL.
func TTL(respDirectives Directives, expiresHeader string, defaultTTL time.Duration) time.Duration {
	if d, err := respDirectives.Duration("s-maxage"); err == nil && d > 0 {
		return d
	}
	if d, err := respDirectives.Duration("max-age"); err == nil && d > 0 {
		return d
	}
	if expiresHeader != "" {
		if t, err := http.ParseTime(expiresHeader); err == nil {
			if ttl := time.Until(t); ttl > 0 {
				return ttl
			}
		}
	}
	return defaultTTL
}

// NoCache reports whether the request explicitly opted out of cache reads.
func NoCache(reqDirectives Directives) bool {
	return reqDirectives.Has("no-cache") || reqDirectives.Has("no-store")
}
