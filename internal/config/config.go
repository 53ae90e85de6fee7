// Package config builds the immutable configuration snapshot the edge node
// runs against and keeps it behind an atomic pointer so the rest of the
// process can swap configuration without a restart.
package config

import (
	"regexp"
	"time"
)

// FallbackKind selects what RouteResolver does when a RouteRule's inner
// rules (and path prefix) fail to produce a rewritten path.
type FallbackKind int

const (
	// FallbackPrefix prepends the rule's PathPrefix to the request path.
	FallbackPrefix FallbackKind = iota
	// FallbackPassthrough leaves the path unchanged.
	FallbackPassthrough
	// FallbackError rejects the request with a 404 domain-not-configured
	// response (matched=false in the returned Decision).
	FallbackError
)

// Snapshot is the complete, immutable configuration for one version of the
// edge node. Every component holds a *Snapshot, never a mutable Config.
type Snapshot struct {
	Version int64
	Listen  string
	Debug   bool
	TLS     TLSConfig

	// CDNName identifies this node in the Via header it appends and in
	// the X-Proxy-Name response header.
	CDNName string
	// StrictDomain, when true, makes ProxyEngine reject any request whose
	// Host is not present in OriginDomains with an immediate 404.
	StrictDomain  bool
	OriginDomains map[string]bool

	// SecurityHeaders toggles the X-Content-Type-Options family of
	// response headers on proxied responses.
	SecurityHeaders bool
	// UpstreamTimeout bounds one upstream fetch end to end.
	UpstreamTimeout time.Duration

	DefaultBackend BackendRef
	Routes         []RouteRule

	Cache       CacheConfig
	FileResolve FileResolveConfig
	Transform   TransformConfig
	Admin       AdminConfig
}

// TLSConfig controls whether the edge node terminates TLS itself.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// RouteRule is one domain/path routing rule (RouteResolver input).
type RouteRule struct {
	DomainPattern *regexp.Regexp
	// Wildcard is true when DomainPattern was compiled from a `*.foo.com`
	// pattern; kept for diagnostics, matching still goes through
	// DomainPattern.
	Wildcard   bool
	Backend    BackendRef
	PathPrefix string
	Inner      []InnerRule
	Fallback   FallbackKind
}

// InnerRule rewrites or terminates matching within a RouteRule.
type InnerRule struct {
	Method      string
	Match       *regexp.Regexp
	Prefix      string
	Replacement string
	Break       bool
}

// BackendRef names the upstream a matched route is proxied to.
type BackendRef struct {
	Name    string
	Host    string
	BaseURL string
	UseTLS  bool
}

// CacheConfig parameterizes the in-memory ResponseCache.
type CacheConfig struct {
	MaxEntries            int
	MaxEntryBytes         int64
	DefaultTTL            time.Duration
	MaxTTL                time.Duration
	NegativeTTL           time.Duration
	CheckPeriod           time.Duration
	Shards                int
	RespectCacheControl   bool
	CacheCookies          bool
	CacheableStatusCodes  map[int]bool
	CacheableContentTypes []string
}

// FileResolveConfig parameterizes the FileResolver and its circuit breaker.
type FileResolveConfig struct {
	Enabled             bool
	Extensions          []string
	ProbeTimeout        time.Duration
	MaxConcurrentProbes int
	RetryAttempts       int
	RetryDelay          time.Duration
	PositiveTTL         time.Duration
	NegativeTTL         time.Duration
	MaxCacheSize        int
	FailureThreshold    int
	ResetTimeout        time.Duration
	MonitorWindow       time.Duration
	PerDomainOverrides  map[string]FileResolveOverride
	AllowedContentTypes []string
	BlockPrivateIPs     bool
	UserAgent           string
	MaxFileSize         int64
}

// FileResolveOverride narrows FileResolveConfig for one domain.
type FileResolveOverride struct {
	Extensions []string
}

// TransformConfig toggles pipeline stages.
type TransformConfig struct {
	EnableMinifyHTML    bool
	EnableMarkdown      bool
	EnableJSONHighlight bool
	EnableCSV           bool
	EnableText          bool
	EnableXML           bool
	// EnableURLRelativize turns the compute stage's proxy-URL
	// relativization pass on.
	EnableURLRelativize bool
	MaxBodyBytes        int64

	URLRewrite URLRewriteConfig
}

// URLRewriteConfig parameterizes the URL-rewriter pipeline stage.
type URLRewriteConfig struct {
	Enabled           bool
	RewriteHTML       bool
	RewriteJS         bool
	RewriteCSS        bool
	RewriteInline     bool
	RewriteDataAttrs  bool
	PreserveFragments bool
	PreserveQuery     bool
	MaxContentSize    int64
	MaxCacheSize      int
	Debug             bool
}

// AdminConfig controls the loopback management HTTP surface.
type AdminConfig struct {
	Listen        string
	APIKey        string
	RateLimitRPM  int
	EnableMetrics bool
}
