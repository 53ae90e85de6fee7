package transform

import (
	"regexp"
	"strings"

	"github.com/soulteary/cdn-proxy/internal/config"
)

// computeFunc is one content-agnostic pass run between decompression and
// content transformation. Unlike content transformers, compute functions
// never change the content type.
type computeFunc struct {
	name string
	fn   func(body []byte, rctx Context) []byte
}

func buildComputeFuncs(cfg config.TransformConfig) []computeFunc {
	var funcs []computeFunc
	if cfg.EnableURLRelativize {
		funcs = append(funcs, computeFunc{name: "url-relativize", fn: relativizeProxyURLs})
	}
	return funcs
}

var absoluteAttrURL = regexp.MustCompile(`(?i)\b(href|src|action)\s*=\s*(["'])(https?://[^"']+)(["'])`)

// relativizeProxyURLs turns absolute URLs that already point at the proxy
// host into root-relative ones, so cached HTML stays valid regardless of
// which hostname or scheme the next client arrives under.
func relativizeProxyURLs(body []byte, rctx Context) []byte {
	if rctx.ProxyHost == "" {
		return body
	}
	prefixHTTP := "http://" + strings.ToLower(rctx.ProxyHost)
	prefixHTTPS := "https://" + strings.ToLower(rctx.ProxyHost)

	return absoluteAttrURL.ReplaceAllFunc(body, func(match []byte) []byte {
		sub := absoluteAttrURL.FindSubmatch(match)
		if sub == nil {
			return match
		}
		raw := string(sub[3])
		lower := strings.ToLower(raw)
		var rest string
		switch {
		case strings.HasPrefix(lower, prefixHTTPS):
			rest = raw[len(prefixHTTPS):]
		case strings.HasPrefix(lower, prefixHTTP):
			rest = raw[len(prefixHTTP):]
		default:
			return match
		}
		if rest == "" {
			rest = "/"
		}
		if !strings.HasPrefix(rest, "/") {
			return match
		}
		out := append([]byte{}, sub[1]...)
		out = append(out, '=')
		out = append(out, sub[2]...)
		out = append(out, []byte(rest)...)
		out = append(out, sub[4]...)
		return out
	})
}
