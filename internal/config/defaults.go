package config

// Environment variable names for configuration.
const (
	EnvHost  = "CDNPROXY_HOST"
	EnvPort  = "CDNPROXY_PORT"
	EnvDebug = "CDNPROXY_DEBUG"
	EnvName  = "CDNPROXY_NAME"

	EnvStrictDomain   = "CDNPROXY_STRICT_DOMAIN"
	EnvOriginDomains  = "CDNPROXY_ORIGIN_DOMAINS"
	EnvDefaultBackend = "CDNPROXY_DEFAULT_BACKEND"

	EnvRoutesFile = "CDNPROXY_ROUTES_FILE"

	// Cache configuration environment variables
	EnvCacheMaxEntries    = "CDNPROXY_CACHE_MAX_ENTRIES"
	EnvCacheMaxEntryKB    = "CDNPROXY_CACHE_MAX_ENTRY_KB"
	EnvCacheDefaultTTL    = "CDNPROXY_CACHE_DEFAULT_TTL_SECONDS"
	EnvCacheMaxTTL        = "CDNPROXY_CACHE_MAX_TTL_SECONDS"
	EnvCacheNegativeTTL   = "CDNPROXY_CACHE_NEGATIVE_TTL_SECONDS"
	EnvCacheCheckPeriod   = "CDNPROXY_CACHE_CHECK_PERIOD_SECONDS"
	EnvCacheShards        = "CDNPROXY_CACHE_SHARDS"
	EnvCacheRespectCC     = "CDNPROXY_CACHE_RESPECT_CACHE_CONTROL"
	EnvCacheCookies       = "CDNPROXY_CACHE_COOKIES"
	EnvCacheStatusCodes   = "CDNPROXY_CACHE_STATUS_CODES"
	EnvCacheContentTypes  = "CDNPROXY_CACHE_CONTENT_TYPES"

	// File resolution environment variables
	EnvFileResolveEnabled        = "CDNPROXY_FILE_RESOLVE_ENABLED"
	EnvFileResolveExtensions     = "CDNPROXY_FILE_RESOLVE_EXTENSIONS"
	EnvFileResolveProbeTimeoutMS = "CDNPROXY_FILE_RESOLVE_PROBE_TIMEOUT_MS"
	EnvFileResolveMaxConcurrent  = "CDNPROXY_FILE_RESOLVE_MAX_CONCURRENT"
	EnvFileResolveRetryAttempts  = "CDNPROXY_FILE_RESOLVE_RETRY_ATTEMPTS"
	EnvFileResolveRetryDelayMS   = "CDNPROXY_FILE_RESOLVE_RETRY_DELAY_MS"
	EnvFileResolvePositiveTTL    = "CDNPROXY_FILE_RESOLVE_POSITIVE_TTL_SECONDS"
	EnvFileResolveNegativeTTL    = "CDNPROXY_FILE_RESOLVE_NEGATIVE_TTL_SECONDS"
	EnvFileResolveMaxCacheSize   = "CDNPROXY_FILE_RESOLVE_MAX_CACHE_SIZE"
	EnvFileResolveAllowedTypes   = "CDNPROXY_FILE_RESOLVE_ALLOWED_CONTENT_TYPES"
	EnvFileResolveBlockPrivate   = "CDNPROXY_FILE_RESOLVE_BLOCK_PRIVATE_IPS"
	EnvFileResolveUserAgent      = "CDNPROXY_FILE_RESOLVE_USER_AGENT"
	EnvFileResolveMaxFileSizeKB  = "CDNPROXY_FILE_RESOLVE_MAX_FILE_SIZE_KB"
	EnvFileResolveDomainConfig   = "CDNPROXY_FILE_RESOLVE_DOMAIN_CONFIG"
	EnvCircuitFailureThreshold   = "CDNPROXY_CIRCUIT_FAILURE_THRESHOLD"
	EnvCircuitResetTimeoutMS     = "CDNPROXY_CIRCUIT_RESET_TIMEOUT_MS"
	EnvCircuitMonitorWindowMS    = "CDNPROXY_CIRCUIT_MONITOR_WINDOW_MS"

	// Proxy behavior environment variables
	EnvSecurityHeaders   = "CDNPROXY_SECURITY_HEADERS"
	EnvUpstreamTimeoutMS = "CDNPROXY_UPSTREAM_TIMEOUT_MS"

	// Transform pipeline environment variables
	EnvTransformMinifyHTML = "CDNPROXY_TRANSFORM_MINIFY_HTML"
	EnvTransformMarkdown   = "CDNPROXY_TRANSFORM_MARKDOWN"
	EnvTransformJSONHilite = "CDNPROXY_TRANSFORM_JSON_HIGHLIGHT"
	EnvTransformCSV        = "CDNPROXY_TRANSFORM_CSV"
	EnvTransformText       = "CDNPROXY_TRANSFORM_TEXT"
	EnvTransformXML        = "CDNPROXY_TRANSFORM_XML"
	EnvTransformRelativize = "CDNPROXY_TRANSFORM_URL_RELATIVIZE"
	EnvTransformMaxBodyKB  = "CDNPROXY_TRANSFORM_MAX_BODY_KB"

	EnvURLRewriteEnabled        = "CDNPROXY_URL_REWRITE_ENABLED"
	EnvURLRewriteHTML           = "CDNPROXY_URL_REWRITE_HTML"
	EnvURLRewriteJS             = "CDNPROXY_URL_REWRITE_JS"
	EnvURLRewriteCSS            = "CDNPROXY_URL_REWRITE_CSS"
	EnvURLRewritePreserveFrag   = "CDNPROXY_URL_REWRITE_PRESERVE_FRAGMENTS"
	EnvURLRewritePreserveQuery  = "CDNPROXY_URL_REWRITE_PRESERVE_QUERY"
	EnvURLRewriteMaxContentKB   = "CDNPROXY_URL_REWRITE_MAX_CONTENT_KB"
	EnvURLRewriteMaxCacheSize   = "CDNPROXY_URL_REWRITE_MAX_CACHE_SIZE"
	EnvURLRewriteDebug          = "CDNPROXY_URL_REWRITE_DEBUG"

	// TLS configuration environment variables
	EnvTLSEnabled  = "CDNPROXY_TLS_ENABLED"
	EnvTLSCertFile = "CDNPROXY_TLS_CERT"
	EnvTLSKeyFile  = "CDNPROXY_TLS_KEY"

	// Admin surface environment variables
	EnvAdminListen       = "CDNPROXY_ADMIN_LISTEN"
	EnvAdminAPIKey       = "CDNPROXY_ADMIN_API_KEY"
	EnvAdminRateLimitRPM = "CDNPROXY_ADMIN_RATE_LIMIT_RPM"
	EnvAdminMetrics      = "CDNPROXY_ADMIN_METRICS_ENABLED"

	// Configuration file environment variable
	EnvConfigFile = "CDNPROXY_CONFIG_FILE"
)

// Default configuration values.
const (
	DefaultHost = "0.0.0.0"
	DefaultPort = "8080"
	DefaultName = "cdn-proxy"

	DefaultCacheMaxEntries     = 10000
	DefaultCacheMaxEntryKB     = 8192 // 8 MiB
	DefaultCacheDefaultTTLSec  = 300
	DefaultCacheMaxTTLSec      = 86400
	DefaultCacheNegativeTTLSec = 30
	DefaultCacheCheckPeriodSec = 60
	DefaultCacheShards         = 16

	DefaultFileResolveProbeTimeoutMS   = 2000
	DefaultFileResolveMaxConcurrent    = 64
	DefaultFileResolveRetryAttempts    = 2
	DefaultFileResolveRetryDelayMS     = 100
	DefaultFileResolvePositiveTTLSec   = 600
	DefaultFileResolveNegativeTTLSec   = 60
	DefaultFileResolveMaxCacheSize     = 50000
	DefaultFileResolveMaxFileSizeKB    = 20480 // 20 MiB
	DefaultCircuitFailureThreshold     = 5
	DefaultCircuitResetTimeoutMS       = 30000
	DefaultCircuitMonitorWindowMS      = 60000

	DefaultUpstreamTimeoutMS = 30000

	DefaultTransformMaxBodyKB    = 10240 // 10 MiB
	DefaultURLRewriteMaxCacheKB  = 2048
	DefaultURLRewriteMaxCacheLen = 20000

	DefaultAdminListen       = "127.0.0.1:9090"
	DefaultAdminRateLimitRPM = 120

	DefaultConfigFileName = "cdn-proxy.yaml"
)

var DefaultFileResolveExtensions = []string{".html", ".json", ".txt", ".xml", ".csv", ".md"}

var DefaultFileResolveAllowedContentTypes = []string{
	"text/html", "text/plain", "text/markdown", "text/csv",
	"application/json", "application/xml", "text/xml",
}

var DefaultCacheableStatusCodes = map[int]bool{
	200: true, 203: true, 204: true,
	300: true, 301: true,
	404: true, 410: true,
}

var DefaultCacheableContentTypes = []string{
	"text/html", "text/plain", "text/css", "text/javascript",
	"application/javascript", "application/json", "text/markdown",
	"text/csv", "application/xml", "text/xml",
	"image/", "font/", "application/font",
}
