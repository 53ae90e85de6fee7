package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	logger "github.com/soulteary/logger-kit"
	"gopkg.in/yaml.v3"

	"github.com/soulteary/cli-kit/configutil"
)

// ParseFlags parses command-line flags and environment variables into a
// *Snapshot. Configuration priority is CLI flag > environment variable >
// default value; no settings file is read, and the YAML routes file only
// supplies routing rules.
func ParseFlags() (*Snapshot, error) {
	flags := flag.NewFlagSet("cdn-proxy", flag.ContinueOnError)

	flags.String("host", DefaultHost, "the host to bind to")
	flags.String("port", DefaultPort, "the port to bind to")
	flags.Bool("debug", false, "whether to output debugging logging")
	flags.String("name", DefaultName, "the name this node reports in Via/X-Proxy-Name headers")
	flags.String("routes-file", "", "path to a YAML routing rules file")
	flags.Bool("strict-domain", false, "reject requests whose Host isn't in origin-domains with a 404")
	flags.String("origin-domains", "", "comma-separated list of accepted request hosts")
	flags.String("default-backend", "", "host:port (or URL) of the default upstream backend")

	flags.Int("cache-max-entries", DefaultCacheMaxEntries, "maximum number of cached responses")
	flags.Int64("cache-max-entry-kb", DefaultCacheMaxEntryKB, "maximum size of a single cached entry, in KB")
	flags.Int("cache-default-ttl", DefaultCacheDefaultTTLSec, "default cache TTL in seconds")
	flags.Int("cache-max-ttl", DefaultCacheMaxTTLSec, "upper bound a response TTL is clamped to, in seconds")
	flags.Int("cache-negative-ttl", DefaultCacheNegativeTTLSec, "negative cache TTL in seconds")
	flags.Int("cache-check-period", DefaultCacheCheckPeriodSec, "background expiry sweep interval, in seconds")
	flags.Int("cache-shards", DefaultCacheShards, "number of cache shards")
	flags.Bool("cache-respect-cache-control", true, "honor Cache-Control response directives")
	flags.Bool("cache-cookies", false, "allow caching responses that set cookies")
	flags.String("cache-status-codes", "", "comma-separated cacheable status codes (default: built-in list)")
	flags.String("cache-content-types", "", "comma-separated cacheable content-type prefixes (default: built-in list)")

	flags.Bool("file-resolve-enabled", true, "enable extensionless path resolution")
	flags.String("file-resolve-extensions", "", "comma-separated candidate extensions, in priority order")
	flags.Int("file-resolve-max-concurrent", DefaultFileResolveMaxConcurrent, "max concurrent extension probes")
	flags.Int("file-resolve-probe-timeout-ms", DefaultFileResolveProbeTimeoutMS, "per-candidate probe timeout in ms")
	flags.Int("file-resolve-retry-attempts", DefaultFileResolveRetryAttempts, "transient-failure probe retries")
	flags.Int("file-resolve-retry-delay-ms", DefaultFileResolveRetryDelayMS, "linear delay between probe retries, in ms")
	flags.Int("file-resolve-positive-ttl", DefaultFileResolvePositiveTTLSec, "positive resolution cache TTL in seconds")
	flags.Int("file-resolve-negative-ttl", DefaultFileResolveNegativeTTLSec, "negative resolution cache TTL in seconds")
	flags.Int("file-resolve-max-cache-size", DefaultFileResolveMaxCacheSize, "max entries in the resolution cache")
	flags.String("file-resolve-allowed-content-types", "", "comma-separated content types a positive probe may return")
	flags.Bool("file-resolve-block-private-ips", true, "refuse to probe hosts resolving to RFC1918/loopback ranges")
	flags.String("file-resolve-user-agent", "cdn-proxy-file-resolver/1.0", "User-Agent sent on resolution probes")
	flags.Int64("file-resolve-max-file-size-kb", DefaultFileResolveMaxFileSizeKB, "max Content-Length a positive probe may report, in KB")
	flags.String("file-resolve-domain-config", "", "JSON map of per-domain extension overrides, e.g. {\"docs.example\":{\"extensions\":[\".md\"]}}")
	flags.Int("circuit-failure-threshold", DefaultCircuitFailureThreshold, "failures within the monitor window before a backend circuit opens")
	flags.Int("circuit-reset-timeout-ms", DefaultCircuitResetTimeoutMS, "time an open circuit waits before probing again")
	flags.Int("circuit-monitor-window-ms", DefaultCircuitMonitorWindowMS, "sliding window used to count failures")

	flags.Bool("transform-minify-html", true, "minify HTML responses")
	flags.Bool("transform-markdown", true, "render Markdown responses to HTML")
	flags.Bool("transform-json-highlight", true, "syntax-highlight JSON responses")
	flags.Bool("transform-csv", true, "render CSV responses to an HTML table")
	flags.Bool("transform-text", true, "render plain-text responses to preformatted HTML")
	flags.Bool("transform-xml", true, "pretty-print XML responses to HTML")
	flags.Bool("transform-url-relativize", false, "relativize absolute proxy-host URLs in HTML bodies")
	flags.Int64("transform-max-body-kb", DefaultTransformMaxBodyKB, "max response body size eligible for transformation, in KB")

	flags.Bool("url-rewrite-enabled", true, "rewrite embedded absolute URLs to the proxy host")
	flags.Bool("url-rewrite-html", true, "rewrite URLs embedded in HTML attributes")
	flags.Bool("url-rewrite-js", true, "rewrite URLs embedded in JavaScript")
	flags.Bool("url-rewrite-css", true, "rewrite URLs embedded in CSS")
	flags.Bool("url-rewrite-preserve-fragments", true, "keep URL fragments across rewrite")
	flags.Bool("url-rewrite-preserve-query", true, "keep query strings across rewrite")
	flags.Int64("url-rewrite-max-content-kb", DefaultURLRewriteMaxCacheKB, "max body size eligible for URL rewriting, in KB")
	flags.Int("url-rewrite-max-cache-size", DefaultURLRewriteMaxCacheLen, "max entries in the rewritten-URL memoization cache")
	flags.Bool("url-rewrite-debug", false, "log each URL rewrite decision at debug level")

	flags.Bool("tls", false, "enable TLS/HTTPS")
	flags.String("tls-cert", "", "path to TLS certificate file")
	flags.String("tls-key", "", "path to TLS private key file")

	flags.Bool("security-headers", true, "emit X-Content-Type-Options and related headers on proxied responses")
	flags.Int("upstream-timeout-ms", DefaultUpstreamTimeoutMS, "end-to-end timeout for one upstream fetch, in ms")

	flags.String("admin-listen", DefaultAdminListen, "loopback address for the admin/management surface")
	flags.String("admin-api-key", "", "API key required by the admin surface")
	flags.Int("admin-rate-limit-rpm", DefaultAdminRateLimitRPM, "admin surface per-IP requests per minute")
	flags.Bool("admin-metrics", true, "expose /metrics on the admin surface")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	host := configutil.ResolveString(flags, "host", EnvHost, DefaultHost, true)
	port := configutil.ResolveString(flags, "port", EnvPort, DefaultPort, true)
	debug := configutil.ResolveBool(flags, "debug", EnvDebug, false)
	name := configutil.ResolveString(flags, "name", EnvName, DefaultName, true)
	routesFile := configutil.ResolveString(flags, "routes-file", EnvRoutesFile, "", true)
	strictDomain := configutil.ResolveBool(flags, "strict-domain", EnvStrictDomain, false)
	originDomainsRaw := configutil.ResolveString(flags, "origin-domains", EnvOriginDomains, "", true)
	defaultBackendRaw := configutil.ResolveString(flags, "default-backend", EnvDefaultBackend, "", true)

	cacheMaxEntries := configutil.ResolveInt(flags, "cache-max-entries", EnvCacheMaxEntries, DefaultCacheMaxEntries, true)
	cacheMaxEntryKB := configutil.ResolveInt64(flags, "cache-max-entry-kb", EnvCacheMaxEntryKB, DefaultCacheMaxEntryKB, true)
	cacheDefaultTTL := configutil.ResolveInt(flags, "cache-default-ttl", EnvCacheDefaultTTL, DefaultCacheDefaultTTLSec, true)
	cacheMaxTTL := configutil.ResolveInt(flags, "cache-max-ttl", EnvCacheMaxTTL, DefaultCacheMaxTTLSec, true)
	cacheNegativeTTL := configutil.ResolveInt(flags, "cache-negative-ttl", EnvCacheNegativeTTL, DefaultCacheNegativeTTLSec, true)
	cacheCheckPeriod := configutil.ResolveInt(flags, "cache-check-period", EnvCacheCheckPeriod, DefaultCacheCheckPeriodSec, true)
	cacheShards := configutil.ResolveInt(flags, "cache-shards", EnvCacheShards, DefaultCacheShards, true)
	cacheRespectCC := configutil.ResolveBool(flags, "cache-respect-cache-control", EnvCacheRespectCC, true)
	cacheCookies := configutil.ResolveBool(flags, "cache-cookies", EnvCacheCookies, false)
	cacheStatusCodesRaw := configutil.ResolveString(flags, "cache-status-codes", EnvCacheStatusCodes, "", true)
	cacheContentTypesRaw := configutil.ResolveString(flags, "cache-content-types", EnvCacheContentTypes, "", true)

	frEnabled := configutil.ResolveBool(flags, "file-resolve-enabled", EnvFileResolveEnabled, true)
	frExtensionsRaw := configutil.ResolveString(flags, "file-resolve-extensions", EnvFileResolveExtensions, "", true)
	frMaxConcurrent := configutil.ResolveInt(flags, "file-resolve-max-concurrent", EnvFileResolveMaxConcurrent, DefaultFileResolveMaxConcurrent, true)
	frProbeTimeoutMS := configutil.ResolveInt(flags, "file-resolve-probe-timeout-ms", EnvFileResolveProbeTimeoutMS, DefaultFileResolveProbeTimeoutMS, true)
	frRetryAttempts := configutil.ResolveInt(flags, "file-resolve-retry-attempts", EnvFileResolveRetryAttempts, DefaultFileResolveRetryAttempts, true)
	frRetryDelayMS := configutil.ResolveInt(flags, "file-resolve-retry-delay-ms", EnvFileResolveRetryDelayMS, DefaultFileResolveRetryDelayMS, true)
	frPositiveTTL := configutil.ResolveInt(flags, "file-resolve-positive-ttl", EnvFileResolvePositiveTTL, DefaultFileResolvePositiveTTLSec, true)
	frNegativeTTL := configutil.ResolveInt(flags, "file-resolve-negative-ttl", EnvFileResolveNegativeTTL, DefaultFileResolveNegativeTTLSec, true)
	frMaxCacheSize := configutil.ResolveInt(flags, "file-resolve-max-cache-size", EnvFileResolveMaxCacheSize, DefaultFileResolveMaxCacheSize, true)
	frAllowedTypesRaw := configutil.ResolveString(flags, "file-resolve-allowed-content-types", EnvFileResolveAllowedTypes, "", true)
	frBlockPrivate := configutil.ResolveBool(flags, "file-resolve-block-private-ips", EnvFileResolveBlockPrivate, true)
	frUserAgent := configutil.ResolveString(flags, "file-resolve-user-agent", EnvFileResolveUserAgent, "cdn-proxy-file-resolver/1.0", true)
	frMaxFileSizeKB := configutil.ResolveInt64(flags, "file-resolve-max-file-size-kb", EnvFileResolveMaxFileSizeKB, DefaultFileResolveMaxFileSizeKB, true)
	frDomainConfigRaw := configutil.ResolveString(flags, "file-resolve-domain-config", EnvFileResolveDomainConfig, "", true)
	cbFailureThreshold := configutil.ResolveInt(flags, "circuit-failure-threshold", EnvCircuitFailureThreshold, DefaultCircuitFailureThreshold, true)
	cbResetTimeoutMS := configutil.ResolveInt(flags, "circuit-reset-timeout-ms", EnvCircuitResetTimeoutMS, DefaultCircuitResetTimeoutMS, true)
	cbMonitorWindowMS := configutil.ResolveInt(flags, "circuit-monitor-window-ms", EnvCircuitMonitorWindowMS, DefaultCircuitMonitorWindowMS, true)

	tMinifyHTML := configutil.ResolveBool(flags, "transform-minify-html", EnvTransformMinifyHTML, true)
	tMarkdown := configutil.ResolveBool(flags, "transform-markdown", EnvTransformMarkdown, true)
	tJSONHilite := configutil.ResolveBool(flags, "transform-json-highlight", EnvTransformJSONHilite, true)
	tCSV := configutil.ResolveBool(flags, "transform-csv", EnvTransformCSV, true)
	tText := configutil.ResolveBool(flags, "transform-text", EnvTransformText, true)
	tXML := configutil.ResolveBool(flags, "transform-xml", EnvTransformXML, true)
	tRelativize := configutil.ResolveBool(flags, "transform-url-relativize", EnvTransformRelativize, false)
	tMaxBodyKB := configutil.ResolveInt64(flags, "transform-max-body-kb", EnvTransformMaxBodyKB, DefaultTransformMaxBodyKB, true)

	urEnabled := configutil.ResolveBool(flags, "url-rewrite-enabled", EnvURLRewriteEnabled, true)
	urHTML := configutil.ResolveBool(flags, "url-rewrite-html", EnvURLRewriteHTML, true)
	urJS := configutil.ResolveBool(flags, "url-rewrite-js", EnvURLRewriteJS, true)
	urCSS := configutil.ResolveBool(flags, "url-rewrite-css", EnvURLRewriteCSS, true)
	urPreserveFrag := configutil.ResolveBool(flags, "url-rewrite-preserve-fragments", EnvURLRewritePreserveFrag, true)
	urPreserveQuery := configutil.ResolveBool(flags, "url-rewrite-preserve-query", EnvURLRewritePreserveQuery, true)
	urMaxContentKB := configutil.ResolveInt64(flags, "url-rewrite-max-content-kb", EnvURLRewriteMaxContentKB, DefaultURLRewriteMaxCacheKB, true)
	urMaxCacheSize := configutil.ResolveInt(flags, "url-rewrite-max-cache-size", EnvURLRewriteMaxCacheSize, DefaultURLRewriteMaxCacheLen, true)
	urDebug := configutil.ResolveBool(flags, "url-rewrite-debug", EnvURLRewriteDebug, false)

	tlsEnabled := configutil.ResolveBool(flags, "tls", EnvTLSEnabled, false)
	tlsCertFile := configutil.ResolveString(flags, "tls-cert", EnvTLSCertFile, "", true)
	tlsKeyFile := configutil.ResolveString(flags, "tls-key", EnvTLSKeyFile, "", true)

	securityHeaders := configutil.ResolveBool(flags, "security-headers", EnvSecurityHeaders, true)
	upstreamTimeoutMS := configutil.ResolveInt(flags, "upstream-timeout-ms", EnvUpstreamTimeoutMS, DefaultUpstreamTimeoutMS, true)

	adminListen := configutil.ResolveString(flags, "admin-listen", EnvAdminListen, DefaultAdminListen, true)
	adminAPIKey := configutil.ResolveString(flags, "admin-api-key", EnvAdminAPIKey, "", true)
	adminRateLimitRPM := configutil.ResolveInt(flags, "admin-rate-limit-rpm", EnvAdminRateLimitRPM, DefaultAdminRateLimitRPM, true)
	adminMetrics := configutil.ResolveBool(flags, "admin-metrics", EnvAdminMetrics, true)

	routes, err := loadRoutesFile(routesFile)
	if err != nil {
		return nil, fmt.Errorf("loading routes file: %w", err)
	}

	extensions := DefaultFileResolveExtensions
	if frExtensionsRaw != "" {
		extensions = splitAndTrim(frExtensionsRaw)
	}
	allowedTypes := DefaultFileResolveAllowedContentTypes
	if frAllowedTypesRaw != "" {
		allowedTypes = splitAndTrim(frAllowedTypesRaw)
	}
	cacheContentTypes := DefaultCacheableContentTypes
	if cacheContentTypesRaw != "" {
		cacheContentTypes = splitAndTrim(cacheContentTypesRaw)
	}
	cacheStatusCodes := DefaultCacheableStatusCodes
	if cacheStatusCodesRaw != "" {
		cacheStatusCodes = parseStatusCodeSet(cacheStatusCodesRaw)
	}

	snap := &Snapshot{
		Version: 1,
		Listen:  fmt.Sprintf("%s:%s", host, port),
		Debug:   debug,
		CDNName: name,
		TLS: TLSConfig{
			Enabled:  tlsEnabled,
			CertFile: tlsCertFile,
			KeyFile:  tlsKeyFile,
		},
		StrictDomain:    strictDomain,
		OriginDomains:   parseOriginDomains(originDomainsRaw),
		SecurityHeaders: securityHeaders,
		UpstreamTimeout: time.Duration(upstreamTimeoutMS) * time.Millisecond,
		DefaultBackend: parseBackendRef(defaultBackendRaw),
		Routes:         routes,
		Cache: CacheConfig{
			MaxEntries:            cacheMaxEntries,
			MaxEntryBytes:         cacheMaxEntryKB * 1024,
			DefaultTTL:            time.Duration(cacheDefaultTTL) * time.Second,
			MaxTTL:                time.Duration(cacheMaxTTL) * time.Second,
			NegativeTTL:           time.Duration(cacheNegativeTTL) * time.Second,
			CheckPeriod:           time.Duration(cacheCheckPeriod) * time.Second,
			Shards:                cacheShards,
			RespectCacheControl:   cacheRespectCC,
			CacheCookies:          cacheCookies,
			CacheableStatusCodes:  cacheStatusCodes,
			CacheableContentTypes: cacheContentTypes,
		},
		FileResolve: FileResolveConfig{
			Enabled:             frEnabled,
			Extensions:          extensions,
			ProbeTimeout:        time.Duration(frProbeTimeoutMS) * time.Millisecond,
			MaxConcurrentProbes: frMaxConcurrent,
			RetryAttempts:       frRetryAttempts,
			RetryDelay:          time.Duration(frRetryDelayMS) * time.Millisecond,
			PositiveTTL:         time.Duration(frPositiveTTL) * time.Second,
			NegativeTTL:         time.Duration(frNegativeTTL) * time.Second,
			MaxCacheSize:        frMaxCacheSize,
			FailureThreshold:    cbFailureThreshold,
			ResetTimeout:        time.Duration(cbResetTimeoutMS) * time.Millisecond,
			MonitorWindow:       time.Duration(cbMonitorWindowMS) * time.Millisecond,
			PerDomainOverrides:  parseDomainOverrides(frDomainConfigRaw),
			AllowedContentTypes: allowedTypes,
			BlockPrivateIPs:     frBlockPrivate,
			UserAgent:           frUserAgent,
			MaxFileSize:         frMaxFileSizeKB * 1024,
		},
		Transform: TransformConfig{
			EnableMinifyHTML:    tMinifyHTML,
			EnableMarkdown:      tMarkdown,
			EnableJSONHighlight: tJSONHilite,
			EnableCSV:           tCSV,
			EnableText:          tText,
			EnableXML:           tXML,
			EnableURLRelativize: tRelativize,
			MaxBodyBytes:        tMaxBodyKB * 1024,
			URLRewrite: URLRewriteConfig{
				Enabled:           urEnabled,
				RewriteHTML:       urHTML,
				RewriteJS:         urJS,
				RewriteCSS:        urCSS,
				RewriteInline:     true,
				RewriteDataAttrs:  true,
				PreserveFragments: urPreserveFrag,
				PreserveQuery:     urPreserveQuery,
				MaxContentSize:    urMaxContentKB * 1024,
				MaxCacheSize:      urMaxCacheSize,
				Debug:             urDebug,
			},
		},
		Admin: AdminConfig{
			Listen:        adminListen,
			APIKey:        adminAPIKey,
			RateLimitRPM:  adminRateLimitRPM,
			EnableMetrics: adminMetrics,
		},
	}

	if err := Validate(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseOriginDomains(raw string) map[string]bool {
	set := make(map[string]bool)
	for _, d := range splitAndTrim(raw) {
		set[strings.ToLower(d)] = true
	}
	return set
}

func parseBackendRef(raw string) BackendRef {
	if raw == "" {
		return BackendRef{}
	}
	useTLS := strings.HasPrefix(raw, "https://")
	host := strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	return BackendRef{Name: host, Host: host, BaseURL: scheme + "://" + host, UseTLS: useTLS}
}

// parseDomainOverrides decodes the JSON-valued per-domain override map. An
// unparseable value falls back to an empty map with a warning rather than
// failing startup.
func parseDomainOverrides(raw string) map[string]FileResolveOverride {
	overrides := map[string]FileResolveOverride{}
	if raw == "" {
		return overrides
	}
	var doc map[string]struct {
		Extensions []string `json:"extensions"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		logger.Warn().Err(err).Msg("unparseable per-domain file resolution config, using empty map")
		return overrides
	}
	for domain, o := range doc {
		overrides[strings.ToLower(domain)] = FileResolveOverride{Extensions: o.Extensions}
	}
	return overrides
}

func parseStatusCodeSet(raw string) map[int]bool {
	set := make(map[int]bool)
	for _, s := range splitAndTrim(raw) {
		var code int
		if _, err := fmt.Sscanf(s, "%d", &code); err == nil {
			set[code] = true
		}
	}
	if len(set) == 0 {
		return DefaultCacheableStatusCodes
	}
	return set
}

// yamlRoutesFile is the on-disk shape of a routing rules file.
type yamlRoutesFile struct {
	Routes []yamlRoute `yaml:"routes"`
}

type yamlRoute struct {
	Domain   string      `yaml:"domain"`
	Backend  string      `yaml:"backend"`
	Prefix   string       `yaml:"prefix"`
	Fallback string       `yaml:"fallback"`
	Inner    []yamlInner `yaml:"inner"`
}

type yamlInner struct {
	Method      string `yaml:"method"`
	Match       string `yaml:"match"`
	Prefix      string `yaml:"prefix"`
	Replacement string `yaml:"replacement"`
	Break       bool   `yaml:"break"`
}

// loadRoutesFile reads and parses a YAML routing rules file. An empty path
// yields zero routes rather than an error, matching how the rest of the
// pipeline treats "nothing configured yet" as a valid, if useless, state.
// Unparseable YAML is a startup failure (malformed rules are a config-time,
// not a request-time, error per the routing contract).
func loadRoutesFile(path string) ([]RouteRule, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(raw))
	var doc yamlRoutesFile
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	rules := make([]RouteRule, 0, len(doc.Routes))
	for _, r := range doc.Routes {
		domainPattern, wildcard, err := CompileDomainPattern(r.Domain)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", r.Domain, err)
		}
		inner := make([]InnerRule, 0, len(r.Inner))
		for _, ir := range r.Inner {
			var matchRe *regexp.Regexp
			if ir.Match != "" {
				matchRe, err = regexp.Compile(ir.Match)
				if err != nil {
					return nil, fmt.Errorf("route %q: invalid inner match pattern: %w", r.Domain, err)
				}
			}
			inner = append(inner, InnerRule{
				Method:      strings.ToUpper(ir.Method),
				Match:       matchRe,
				Prefix:      ir.Prefix,
				Replacement: ir.Replacement,
				Break:       ir.Break,
			})
		}
		rules = append(rules, RouteRule{
			DomainPattern: domainPattern,
			Wildcard:      wildcard,
			Backend:       parseBackendRef(r.Backend),
			PathPrefix:    r.Prefix,
			Inner:         inner,
			Fallback:      parseFallbackKind(r.Fallback),
		})
	}
	return rules, nil
}

func parseFallbackKind(s string) FallbackKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "passthrough":
		return FallbackPassthrough
	case "error":
		return FallbackError
	default:
		return FallbackPrefix
	}
}

// FindConfigFile searches for a configuration file in common locations,
// returning the path to the first one found, or "" if none exist.
func FindConfigFile() string {
	if envPath := os.Getenv(EnvConfigFile); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	searchPaths := []string{
		DefaultConfigFileName,
		filepath.Join("/etc/cdn-proxy", DefaultConfigFileName),
	}
	if home := os.Getenv("HOME"); home != "" {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "cdn-proxy", DefaultConfigFileName))
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks a Snapshot for internally inconsistent values.
func Validate(s *Snapshot) error {
	if s.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if s.Cache.Shards <= 0 {
		return fmt.Errorf("cache shards must be positive")
	}
	if s.FileResolve.MaxConcurrentProbes <= 0 {
		return fmt.Errorf("file resolution max concurrent probes must be positive")
	}
	if s.TLS.Enabled && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		return fmt.Errorf("tls enabled but cert/key file missing")
	}
	if s.StrictDomain && len(s.OriginDomains) == 0 {
		return fmt.Errorf("strict-domain requires at least one origin domain")
	}
	return nil
}
