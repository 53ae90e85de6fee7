package transform

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/soulteary/cdn-proxy/internal/cache"
	"github.com/soulteary/cdn-proxy/internal/config"
)

// URLRewriter rewrites absolute and protocol-relative URLs embedded in a
// response body (HTML attributes, inline <style>/<script>, standalone CSS,
// standalone JS) so that URLs pointing at a domain this proxy fronts point
// at the proxy instead. Rewrites are idempotent: a URL already targeting
// the proxy host is left alone unless it still embeds an origin reference.
type URLRewriter struct {
	cfg config.URLRewriteConfig

	// memo caches individual URL rewrites keyed by
	// (url, proxyHost, protocol, upstreamTarget); bodies repeat the same
	// URLs heavily, so this skips the parse+rebuild per occurrence.
	memo *cache.Store
}

// NewURLRewriter builds a URLRewriter with its own bounded memoization
// cache, shared across every request served by one Pipeline.
func NewURLRewriter(cfg config.URLRewriteConfig) *URLRewriter {
	maxSize := cfg.MaxCacheSize
	if maxSize <= 0 {
		maxSize = 20000
	}
	return &URLRewriter{
		cfg:  cfg,
		memo: cache.New(4, maxSize, 0),
	}
}

// Pattern tables per embedding context. The HTML attribute list covers
// navigation, media, form, and metadata attributes plus data-* attributes
// that name a URL; CSS covers url() in all its call sites (background,
// @font-face src, cursor) plus the string form of @import; JS covers URL
// string and template literals, which is where fetch/XHR.open/import()/
// new URL()/location/window.open/jQuery call sites keep their targets.
var (
	htmlAttrPattern    = regexp.MustCompile(`(?i)\b(href|src|action|formaction|poster|manifest|cite|background|data(?:-[a-z0-9]+)*-(?:url|src|href))\s*=\s*(["'])([^"']+)(["'])`)
	htmlSrcsetPattern  = regexp.MustCompile(`(?i)\b(srcset)\s*=\s*(["'])([^"']+)(["'])`)
	htmlMetaRefresh    = regexp.MustCompile(`(?i)(content\s*=\s*["'][^"']*?url=)([^"';]+)`)
	cssURLPattern      = regexp.MustCompile(`(?i)url\(\s*(['"]?)([^'")]+)(['"]?)\s*\)`)
	cssImportPattern   = regexp.MustCompile(`(?i)@import\s+(['"])([^'"]+)(['"])`)
	jsStringPattern    = regexp.MustCompile("(['\"`])((?:https?:)?//[^'\"`\\\\\\s]+)(['\"`])")

	// embeddedURLPattern finds origin references nested inside a URL that
	// already targets the proxy (e.g. a redirect parameter).
	embeddedURLPattern = regexp.MustCompile(`https?://([^/?#&"'\s]+)`)
)

// skippedSchemes are never rewritten regardless of context.
var skippedSchemes = []string{"data:", "javascript:", "mailto:", "tel:", "sms:", "blob:", "about:"}

// Rewrite rewrites every eligible URL in body, choosing the pattern table
// by contentType. It reports ok=false when rewriting is disabled, the body
// exceeds the size cap, or contentType has no applicable pattern table, in
// which case callers should use body unchanged.
func (rw *URLRewriter) Rewrite(body []byte, contentType string, rctx Context) ([]byte, bool) {
	if rw == nil || !rw.cfg.Enabled || rctx.ProxyHost == "" || rctx.FrontedHost == nil {
		return body, false
	}
	if rw.cfg.MaxContentSize > 0 && int64(len(body)) > rw.cfg.MaxContentSize {
		return body, false
	}

	switch mainContentType(contentType) {
	case "text/html", "application/xhtml+xml":
		if !rw.cfg.RewriteHTML {
			return body, false
		}
		return rw.rewriteHTML(body, rctx), true
	case "text/css":
		if !rw.cfg.RewriteCSS {
			return body, false
		}
		return rw.rewriteCSS(body, rctx), true
	case "application/javascript", "text/javascript", "application/x-javascript":
		if !rw.cfg.RewriteJS {
			return body, false
		}
		return rw.rewriteJS(body, rctx), true
	default:
		return body, false
	}
}

func (rw *URLRewriter) rewriteHTML(body []byte, rctx Context) []byte {
	out := rw.replaceGroup(body, htmlAttrPattern, 3, rctx)
	out = rw.rewriteSrcset(out, rctx)
	out = rw.replaceGroup(out, htmlMetaRefresh, 2, rctx)
	if rw.cfg.RewriteInline {
		// Inline <style> blocks and style="" attributes share the CSS
		// table; inline <script> blocks share the JS table, memoization
		// cache included.
		out = rw.rewriteCSS(out, rctx)
		if rw.cfg.RewriteJS {
			out = rw.replaceGroup(out, jsStringPattern, 2, rctx)
		}
	}
	return out
}

func (rw *URLRewriter) rewriteCSS(body []byte, rctx Context) []byte {
	out := rw.replaceGroup(body, cssURLPattern, 2, rctx)
	return rw.replaceGroup(out, cssImportPattern, 2, rctx)
}

func (rw *URLRewriter) rewriteJS(body []byte, rctx Context) []byte {
	return rw.replaceGroup(body, jsStringPattern, 2, rctx)
}

// rewriteSrcset handles the comma-separated "url descriptor" pairs of a
// srcset attribute, rewriting each URL individually.
func (rw *URLRewriter) rewriteSrcset(body []byte, rctx Context) []byte {
	return htmlSrcsetPattern.ReplaceAllFunc(body, func(match []byte) []byte {
		sub := htmlSrcsetPattern.FindSubmatch(match)
		if sub == nil {
			return match
		}
		items := strings.Split(string(sub[3]), ",")
		for i, item := range items {
			fields := strings.Fields(strings.TrimSpace(item))
			if len(fields) == 0 {
				continue
			}
			fields[0] = rw.RewriteURL(fields[0], rctx)
			items[i] = strings.Join(fields, " ")
		}
		out := append([]byte{}, sub[1]...)
		out = append(out, '=')
		out = append(out, sub[2]...)
		out = append(out, []byte(strings.Join(items, ", "))...)
		out = append(out, sub[4]...)
		return out
	})
}

// replaceGroup runs pattern over body and rewrites submatch urlGroup in
// place, leaving the surrounding groups byte-identical.
func (rw *URLRewriter) replaceGroup(body []byte, pattern *regexp.Regexp, urlGroup int, rctx Context) []byte {
	return pattern.ReplaceAllFunc(body, func(match []byte) []byte {
		idx := pattern.FindSubmatchIndex(match)
		if idx == nil || len(idx) <= 2*urlGroup+1 || idx[2*urlGroup] < 0 {
			return match
		}
		start, end := idx[2*urlGroup], idx[2*urlGroup+1]
		rewritten := rw.RewriteURL(string(match[start:end]), rctx)

		out := make([]byte, 0, len(match)+len(rewritten)-(end-start))
		out = append(out, match[:start]...)
		out = append(out, rewritten...)
		out = append(out, match[end:]...)
		return out
	})
}

// RewriteURL rewrites a single URL string according to the skip rules:
// unsupported schemes and hosts the proxy doesn't front pass through
// unchanged; URLs already at the proxy host pass through unless they embed
// a fronted reference. Results are memoized.
func (rw *URLRewriter) RewriteURL(raw string, rctx Context) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed[0] == '#' {
		return raw
	}
	lower := strings.ToLower(trimmed)
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return raw
		}
	}
	isAbsolute := strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
	isProtocolRelative := strings.HasPrefix(trimmed, "//")
	if !isAbsolute && !isProtocolRelative {
		return raw
	}

	memoKey := raw + "|" + rctx.ProxyHost + "|" + rctx.ProxyScheme + "|" + rctx.UpstreamHost
	if v, ok, _ := rw.memo.Get(memoKey); ok {
		return v.(string)
	}

	result := rw.rewriteOne(trimmed, isProtocolRelative, rctx)
	rw.memo.Set(memoKey, result, int64(len(result)), 0)
	return result
}

func (rw *URLRewriter) rewriteOne(raw string, protocolRelative bool, rctx Context) string {
	parseable := raw
	if protocolRelative {
		parseable = "http:" + raw
	}
	u, err := url.Parse(parseable)
	if err != nil || u.Host == "" {
		return raw
	}

	if hostsEqual(u.Host, rctx.ProxyHost) {
		// Already pointing at the proxy; only embedded origin references
		// (e.g. in a redirect query parameter) still need work.
		return rw.rewriteEmbedded(raw, rctx)
	}
	if !rctx.FrontedHost(u.Hostname()) {
		return raw
	}

	u.Host = rctx.ProxyHost
	if !rw.cfg.PreserveQuery {
		u.RawQuery = ""
	}
	if !rw.cfg.PreserveFragments {
		u.Fragment = ""
	}

	if protocolRelative {
		return "//" + u.Host + u.RequestURI() + fragmentSuffix(u)
	}
	u.Scheme = rctx.ProxyScheme
	return u.String()
}

// rewriteEmbedded rewrites fronted hosts appearing inside a URL that
// already targets the proxy, leaving the outer URL alone.
func (rw *URLRewriter) rewriteEmbedded(raw string, rctx Context) string {
	return embeddedURLPattern.ReplaceAllStringFunc(raw, func(match string) string {
		sub := embeddedURLPattern.FindStringSubmatch(match)
		if sub == nil {
			return match
		}
		host := sub[1]
		if hostsEqual(host, rctx.ProxyHost) || !rctx.FrontedHost(stripHostPort(host)) {
			return match
		}
		return strings.Replace(match, host, rctx.ProxyHost, 1)
	})
}

func hostsEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

func stripHostPort(host string) string {
	if idx := strings.LastIndexByte(host, ':'); idx != -1 && !strings.Contains(host[idx+1:], "]") {
		return host[:idx]
	}
	return host
}

func fragmentSuffix(u *url.URL) string {
	if u.Fragment == "" {
		return ""
	}
	return "#" + u.EscapedFragment()
}

// MemoStats exposes the rewriter's memoization cache counters for the
// admin surface.
func (rw *URLRewriter) MemoStats() cache.Stats {
	return rw.memo.Stats()
}

// PurgeMemo empties the memoization cache, returning the number of entries
// dropped.
func (rw *URLRewriter) PurgeMemo() int {
	st := rw.memo.Stats()
	rw.memo.Purge()
	return st.ItemCount
}
