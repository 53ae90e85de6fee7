// Package proxyengine implements the edge node's per-request state
// machine: admit, resolve a route, consult the response cache, fetch from
// the upstream (directly or via extensionless file resolution), run the
// transform pipeline, store the result, and write exactly one response to
// the client.
package proxyengine

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	logger "github.com/soulteary/logger-kit"
	tracing "github.com/soulteary/tracing-kit"

	"github.com/soulteary/cdn-proxy/internal/cache"
	"github.com/soulteary/cdn-proxy/internal/config"
	apperrors "github.com/soulteary/cdn-proxy/internal/errors"
	"github.com/soulteary/cdn-proxy/internal/fileresolver"
	"github.com/soulteary/cdn-proxy/internal/routeresolver"
	"github.com/soulteary/cdn-proxy/internal/telemetry"
	"github.com/soulteary/cdn-proxy/internal/transform"
)

// Engine is the top-level HTTP handler for the edge node's public listener.
type Engine struct {
	store       *config.Store
	routes      *routeresolver.Resolver
	respCache   *cache.Store
	fileResolve *fileresolver.Resolver
	rewriter    *transform.URLRewriter
	metrics     *telemetry.Metrics
	log         *logger.Logger
	client      *http.Client
}

// New builds an Engine from its collaborators. client should come from
// NewUpstreamClient so upstream fetches get the pooled, single-attempt,
// traced transport.
func New(store *config.Store, routes *routeresolver.Resolver, respCache *cache.Store, fileResolve *fileresolver.Resolver, metrics *telemetry.Metrics, log *logger.Logger, client *http.Client) *Engine {
	snap := store.Load()
	return &Engine{
		store:       store,
		routes:      routes,
		respCache:   respCache,
		fileResolve: fileResolve,
		rewriter:    transform.NewURLRewriter(snap.Transform.URLRewrite),
		metrics:     metrics,
		log:         log,
		client:      client,
	}
}

// Rewriter exposes the engine's URL rewriter so the admin surface can
// report and purge its memoization cache.
func (e *Engine) Rewriter() *transform.URLRewriter {
	return e.rewriter
}

// Default connection-pool sizing for the shared upstream client.
const (
	defaultMaxSockets            = 256
	defaultIdleConnTimeout       = 90 * time.Second
	defaultResponseHeaderTimeout = 45 * time.Second
)

// NewUpstreamClient builds the single shared *http.Client every upstream
// fetch goes through: a keep-alive connection pool with tracing. Fetches
// are single-attempt; transport errors and origin statuses reach the
// caller exactly as the origin produced them.
func NewUpstreamClient(timeout time.Duration) *http.Client {
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          defaultMaxSockets,
		MaxIdleConnsPerHost:   defaultMaxSockets,
		MaxConnsPerHost:       defaultMaxSockets,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		// The transform pipeline owns decompression; transparent
		// transport-level gzip would hide the original Content-Encoding
		// from it.
		DisableCompression: true,
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Transport: newTracingTransport(base),
		Timeout:   timeout,
	}
}

// cachedResponse is the serialized form of a proxied response stored in
// the response cache. It carries the route decision so a later hit emits
// the same routing headers without re-resolving.
type cachedResponse struct {
	Status int
	Header http.Header
	Body   []byte

	ContentType string
	// ContentEncoding is non-empty only when the body is still compressed
	// (decompression was skipped or soft-failed); the emitter then
	// restores the original encoding header.
	ContentEncoding string

	Decision routeresolver.Decision

	// VaryHeader is the response's Vary header at store time; VaryValues
	// holds the storing request's values for those names, in order. A hit
	// is only served when the current request negotiates identically.
	VaryHeader string
	VaryValues []string

	FileResolved    bool
	ResolvedURL     string
	Extension       string
	Transformed     bool
	TransformerName string

	StoredAt time.Time
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := tracing.StartSpan(r.Context(), "proxyengine.request")
	defer span.End()
	tracing.SetSpanAttributesFromMap(span, map[string]interface{}{
		"http.method": r.Method,
		"http.host":   r.Host,
		"http.path":   r.URL.Path,
	})
	r = r.WithContext(ctx)

	if e.metrics != nil {
		e.metrics.ActiveRequests.Inc()
		defer e.metrics.ActiveRequests.Dec()
	}

	snap := e.store.Load()
	rsp := &responder{w: w}
	e.handle(rsp, r, snap)
	if !rsp.handled {
		// Defensive terminal state: every code path above must have
		// written a response.
		rsp.writeError(apperrors.New(apperrors.ErrInternal, "request fell through without a response"))
	}

	if e.metrics != nil {
		telemetry.ObserveDuration(e.metrics.RequestDuration.WithLabelValues(strconv.Itoa(rsp.status)), start)
	}
}

// responder enforces exactly-once response emission: every terminal state
// goes through one of its write methods, and the first one wins.
type responder struct {
	w       http.ResponseWriter
	handled bool
	status  int
}

func (rsp *responder) header() http.Header { return rsp.w.Header() }

func (rsp *responder) writeError(err error) {
	if rsp.handled {
		return
	}
	rsp.handled = true
	rsp.status = apperrors.GetHTTPStatus(err)
	apperrors.WriteHTTPError(rsp.w, err)
}

func (rsp *responder) writeRaw(status int, contentType string, body []byte) {
	if rsp.handled {
		return
	}
	rsp.handled = true
	rsp.status = status
	if contentType != "" {
		rsp.w.Header().Set("Content-Type", contentType)
	}
	rsp.w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	rsp.w.WriteHeader(status)
	_, _ = rsp.w.Write(body)
}

func (rsp *responder) writeEntry(entry cachedResponse, isHead bool) {
	if rsp.handled {
		return
	}
	rsp.handled = true
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	rsp.status = status

	h := rsp.w.Header()
	if entry.ContentType != "" {
		h.Set("Content-Type", entry.ContentType)
	}
	if entry.ContentEncoding != "" {
		h.Set("Content-Encoding", entry.ContentEncoding)
	} else {
		h.Del("Content-Encoding")
	}
	h.Set("Content-Length", strconv.Itoa(len(entry.Body)))

	rsp.w.WriteHeader(status)
	if !isHead {
		_, _ = rsp.w.Write(entry.Body)
	}
}

// handle runs the request state machine: received -> admitted -> routed ->
// cache-lookup -> {served-from-cache | file-resolve | upstream-fetch} ->
// transform -> (cache-store) -> client-write.
func (e *Engine) handle(rsp *responder, r *http.Request, snap *config.Snapshot) {
	host := r.Host

	// Admission.
	if snap.StrictDomain && len(snap.OriginDomains) > 0 {
		if !snap.OriginDomains[strings.ToLower(stripPort(host))] {
			rsp.writeError(apperrors.New(apperrors.ErrRouteNotFound, "host not configured"))
			return
		}
	}

	// Routing.
	decision, err := e.routes.Resolve(host, r.URL.Path, r.Method)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RouteNotFound.Inc()
		}
		rsp.writeError(err)
		return
	}
	if e.metrics != nil {
		e.metrics.RouteResolutions.WithLabelValues(strconv.FormatBool(decision.Matched)).Inc()
	}

	cacheEligible := r.Method == http.MethodGet || r.Method == http.MethodHead
	if !cacheEligible {
		// Non-idempotent methods pass through untransformed and uncached.
		e.passthrough(rsp, r, snap, decision)
		return
	}
	isHead := r.Method == http.MethodHead

	key := cache.Key(cache.KeyInput{
		Method:                r.Method,
		Host:                  stripPort(host),
		RequestPath:           r.URL.Path,
		UpstreamPath:          decision.UpstreamURL,
		Backend:               decision.Backend.Name,
		Matched:               decision.Matched,
		AcceptEncoding:        r.Header.Get("Accept-Encoding"),
		PrimaryAcceptLanguage: cache.PrimaryLanguage(r.Header.Get("Accept-Language")),
	})

	// Cache lookup: the primary key is checked first, then the entry's
	// recorded Vary values against this request. A Vary mismatch falls
	// through as a miss and the fresh response replaces the entry.
	if v, ok, _ := e.respCache.Get(key); ok {
		entry := v.(cachedResponse)
		if entryVaryMatches(entry, r.Header) {
			if e.metrics != nil {
				e.metrics.CacheHits.WithLabelValues(decision.Backend.Name).Inc()
			}
			copyHeader(rsp.header(), entry.Header)
			e.emitProxyHeaders(rsp.header(), snap, r, entry, "HIT")
			rsp.writeEntry(entry, isHead)
			return
		}
	}
	if e.metrics != nil {
		e.metrics.CacheMisses.WithLabelValues(decision.Backend.Name).Inc()
	}

	// File resolution for eligible extensionless paths.
	upstreamPath := decision.UpstreamURL
	var resolution fileresolver.Result
	if snap.FileResolve.Enabled && looksExtensionless(upstreamPath) {
		resolveStart := time.Now()
		result, ferr := e.fileResolve.Resolve(r.Context(), decision.Backend, upstreamPath)
		if e.metrics != nil {
			telemetry.ObserveDuration(e.metrics.FileResolveDuration.WithLabelValues(decision.Backend.Name), resolveStart)
		}
		switch {
		case ferr != nil:
			// Circuit-open and transport failures degrade to a plain
			// upstream fetch of the original path.
			if e.log != nil {
				e.log.Warn().Err(ferr).Str("path", upstreamPath).Msg("file resolution failed, fetching original path")
			}
			if e.metrics != nil {
				e.metrics.FileResolveProbes.WithLabelValues("error").Inc()
			}
		case result.Found:
			resolution = result
			upstreamPath = result.FullPath
			if e.metrics != nil {
				e.metrics.FileResolveProbes.WithLabelValues("positive").Inc()
			}
		default:
			if e.metrics != nil {
				e.metrics.FileResolveProbes.WithLabelValues("negative").Inc()
			}
		}
	}

	// Upstream fetch.
	upstreamStart := time.Now()
	resp, err := e.fetchUpstream(r, snap, decision, upstreamPath)
	if e.metrics != nil {
		telemetry.ObserveDuration(e.metrics.UpstreamDuration.WithLabelValues(decision.Backend.Name), upstreamStart)
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.UpstreamErrors.WithLabelValues(decision.Backend.Name).Inc()
		}
		rsp.writeError(classifyUpstreamError(err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		rsp.writeError(apperrors.Wrap(apperrors.ErrUpstreamTransport, "reading upstream body", err))
		return
	}

	// A 404 for a request the client will interpret as script or
	// stylesheet gets a matching content type and a comment body, so the
	// browser reports a missing file instead of a syntax error.
	if resp.StatusCode == http.StatusNotFound {
		if ct, isAsset := scriptAssetType(r); isAsset {
			e.emitProxyHeaders(rsp.header(), snap, r, cachedResponse{Decision: decision}, "MISS")
			rsp.writeRaw(http.StatusNotFound, ct, []byte("/* not found */\n"))
			return
		}
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" && resolution.Found {
		ct = resolution.ContentType
	}

	// Transform.
	transformStart := time.Now()
	pipeline := transform.New(snap.Transform, e.rewriter)
	out, terr := pipeline.Run(transform.Input{
		Body:            body,
		ContentType:     ct,
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		FileResolved:    resolution.Found,
		Extension:       resolution.Extension,
		IsScript:        transform.IsJavaScriptContentType(ct),
	}, transform.Context{
		ProxyHost:    host,
		ProxyScheme:  schemeForRequest(r),
		UpstreamHost: decision.Backend.Host,
		FrontedHost:  frontedHostFunc(snap),
	})
	if e.metrics != nil {
		telemetry.ObserveDuration(e.metrics.TransformDuration.WithLabelValues("pipeline"), transformStart)
	}
	if terr != nil {
		// Only DecompressionFatal reaches here; everything else fails
		// open inside the pipeline.
		if e.metrics != nil {
			e.metrics.TransformErrors.WithLabelValues("decompress").Inc()
		}
		rsp.writeError(terr)
		return
	}

	entry := cachedResponse{
		Status:          resp.StatusCode,
		Header:          stripHopByHop(resp.Header),
		Body:            out.Body,
		ContentType:     out.ContentType,
		ContentEncoding: out.ContentEncoding,
		Decision:        decision,
		FileResolved:    resolution.Found,
		Extension:       resolution.Extension,
		Transformed:     out.Transformed,
		TransformerName: out.TransformerName,
		StoredAt:        time.Now(),
	}
	if resolution.Found {
		entry.ResolvedURL = decision.Backend.BaseURL + resolution.FullPath
	}
	if vary := strings.Join(resp.Header.Values("Vary"), ", "); vary != "" {
		entry.VaryHeader = vary
		entry.VaryValues = cache.VaryValuesFromHeader(r.Header, vary)
	}

	// Cache store. A cancelled request never writes to the cache.
	if r.Context().Err() == nil && cacheable(snap.Cache, resp.StatusCode, out.ContentType, resp.Header) {
		ttl := cache.TTL(cache.ParseHeader(resp.Header), resp.Header.Get("Expires"), snap.Cache.DefaultTTL)
		if snap.Cache.MaxTTL > 0 && ttl > snap.Cache.MaxTTL {
			ttl = snap.Cache.MaxTTL
		}
		if snap.Cache.MaxEntryBytes <= 0 || int64(len(entry.Body)) <= snap.Cache.MaxEntryBytes {
			e.respCache.Set(key, entry, int64(len(entry.Body)), ttl)
		}
	} else if e.metrics != nil {
		e.metrics.CacheSkips.Inc()
	}

	// Client write.
	copyHeader(rsp.header(), entry.Header)
	e.emitProxyHeaders(rsp.header(), snap, r, entry, "MISS")
	rsp.writeEntry(entry, isHead)
}

// passthrough forwards a non-GET/HEAD request verbatim, streaming the
// response without caching or transformation.
func (e *Engine) passthrough(rsp *responder, r *http.Request, snap *config.Snapshot, decision routeresolver.Decision) {
	if rsp.handled {
		return
	}
	resp, err := e.fetchUpstream(r, snap, decision, decision.UpstreamURL)
	if err != nil {
		rsp.writeError(classifyUpstreamError(err))
		return
	}
	defer resp.Body.Close()

	rsp.handled = true
	rsp.status = resp.StatusCode

	h := rsp.w.Header()
	copyHeader(h, stripHopByHop(resp.Header))
	e.emitProxyHeaders(h, snap, r, cachedResponse{Decision: decision}, "SKIP")
	rsp.w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(rsp.w, resp.Body)
}

// emitProxyHeaders sets the identification, cache-status, routing, and
// file-resolution headers this node adds to every proxied response.
func (e *Engine) emitProxyHeaders(h http.Header, snap *config.Snapshot, r *http.Request, entry cachedResponse, cacheStatus string) {
	h.Set("X-Served-By", snap.CDNName)
	h.Set("X-Proxy-Name", snap.CDNName)
	h.Set("X-Cache", cacheStatus)
	if entry.Decision.Backend.Name != "" {
		h.Set("X-Cache-Backend", entry.Decision.Backend.Name)
	}
	appendVia(h, snap.CDNName)

	if entry.Decision.UpstreamURL != "" && entry.Decision.UpstreamURL != r.URL.Path {
		h.Set("X-Path-Rewrite-Applied", "true")
		h.Set("X-Original-Path", r.URL.Path)
		h.Set("X-Transformed-Path", entry.Decision.UpstreamURL)
	} else {
		h.Set("X-Path-Rewrite-Applied", "false")
	}

	if entry.FileResolved {
		h.Set("X-File-Resolution", "true")
		h.Set("X-Resolved-URL", entry.ResolvedURL)
		h.Set("X-File-Extension", entry.Extension)
		if entry.Transformed {
			h.Set("X-Content-Transformed", "true")
			h.Set("X-Transformer", entry.TransformerName)
		}
	}

	if snap.SecurityHeaders {
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Origin-Agent-Cluster", "?1")
	}
}

func (e *Engine) fetchUpstream(r *http.Request, snap *config.Snapshot, decision routeresolver.Decision, path string) (*http.Response, error) {
	url := decision.Backend.BaseURL + path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header = stripHopByHop(r.Header)
	req.Header.Set("X-Forwarded-Host", r.Host)
	req.Header.Set("X-Forwarded-Proto", schemeForRequest(r))
	req.Header.Set("X-Proxy-Name", snap.CDNName)
	appendVia(req.Header, snap.CDNName)
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+clientIP(r))
	} else {
		req.Header.Set("X-Forwarded-For", clientIP(r))
	}
	if path != r.URL.Path {
		req.Header.Set("X-Original-Path", r.URL.Path)
		req.Header.Set("X-Transformed-Path", path)
	}
	return e.client.Do(req)
}

// classifyUpstreamError maps transport failures onto gateway statuses:
// resets and timeouts become 504, everything else 502.
func classifyUpstreamError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout(),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.ECONNRESET):
		return apperrors.New(apperrors.ErrUpstreamTransport, "upstream timeout").
			WithHTTPStatus(http.StatusGatewayTimeout).WithCause(err)
	default:
		return apperrors.Wrap(apperrors.ErrUpstreamTransport, "upstream request failed", err)
	}
}

// entryVaryMatches reports whether the current request's values for the
// entry's Vary-named headers equal the values recorded when the entry was
// stored.
func entryVaryMatches(entry cachedResponse, reqHeader http.Header) bool {
	if entry.VaryHeader == "" {
		return true
	}
	values := cache.VaryValuesFromHeader(reqHeader, entry.VaryHeader)
	if len(values) != len(entry.VaryValues) {
		return false
	}
	for i := range values {
		if values[i] != entry.VaryValues[i] {
			return false
		}
	}
	return true
}

func cacheable(cfg config.CacheConfig, status int, contentType string, header http.Header) bool {
	if !cfg.CacheableStatusCodes[status] {
		return false
	}
	// Vary: * means no request can be proven equivalent to another.
	if strings.TrimSpace(header.Get("Vary")) == "*" {
		return false
	}
	if !cfg.CacheCookies && header.Get("Set-Cookie") != "" {
		return false
	}
	if cfg.RespectCacheControl {
		directives := cache.ParseHeader(header)
		if directives.Has("no-store") {
			return false
		}
		if directives.Has("private") && !cfg.CacheCookies {
			return false
		}
	}
	if len(cfg.CacheableContentTypes) == 0 {
		return true
	}
	ct := strings.ToLower(strings.SplitN(contentType, ";", 2)[0])
	for _, allowed := range cfg.CacheableContentTypes {
		if strings.HasPrefix(ct, strings.ToLower(allowed)) {
			return true
		}
	}
	return false
}

// scriptAssetType reports whether the request names a JavaScript or CSS
// asset (by extension or Accept header) and the content type a 404 for it
// should carry.
func scriptAssetType(r *http.Request) (string, bool) {
	path := strings.ToLower(r.URL.Path)
	accept := r.Header.Get("Accept")
	switch {
	case strings.HasSuffix(path, ".js"), strings.HasSuffix(path, ".mjs"),
		strings.Contains(accept, "application/javascript"), strings.Contains(accept, "text/javascript"):
		return "application/javascript; charset=utf-8", true
	case strings.HasSuffix(path, ".css"), strings.Contains(accept, "text/css"):
		return "text/css; charset=utf-8", true
	}
	return "", false
}

// frontedHostFunc builds the predicate the URL rewriter uses to decide
// whether a host belongs to this proxy's configured set.
func frontedHostFunc(snap *config.Snapshot) func(string) bool {
	return func(host string) bool {
		lower := strings.ToLower(host)
		if snap.OriginDomains[lower] {
			return true
		}
		if snap.DefaultBackend.Host != "" && strings.EqualFold(stripPort(snap.DefaultBackend.Host), lower) {
			return true
		}
		for _, rule := range snap.Routes {
			if rule.DomainPattern != nil && rule.DomainPattern.MatchString(lower) {
				return true
			}
			if rule.Backend.Host != "" && strings.EqualFold(stripPort(rule.Backend.Host), lower) {
				return true
			}
		}
		return false
	}
}

// hopByHopHeaders lists headers that must not be forwarded in either
// direction, plus the upstream Server identity this node strips.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Server",
}

func stripHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	// Headers named by the Connection header itself are hop-by-hop too.
	for _, conn := range h.Values("Connection") {
		for _, name := range strings.Split(conn, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	return out
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func appendVia(h http.Header, name string) {
	entry := "1.1 " + name
	if existing := h.Get("Via"); existing != "" {
		if !strings.Contains(existing, entry) {
			h.Set("Via", existing+", "+entry)
		}
		return
	}
	h.Set("Via", entry)
}

func looksExtensionless(path string) bool {
	last := path
	if idx := strings.LastIndexByte(path, '/'); idx != -1 {
		last = path[idx+1:]
	}
	return last != "" && !strings.Contains(last, ".")
}

func stripPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

func schemeForRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}
