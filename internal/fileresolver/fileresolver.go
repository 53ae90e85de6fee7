// Package fileresolver implements extensionless path resolution: given a
// request path with no file extension, probe a configured list of
// candidate extensions against the upstream backend and report which one
// (if any) exists. Concurrent callers resolving the same path share a
// single in-flight probe campaign via singleflight; results are cached
// positively and negatively with distinct TTLs; probing a backend that is
// failing repeatedly is guarded by a per-backend circuit breaker.
package fileresolver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	httpkit "github.com/soulteary/http-kit"
	"golang.org/x/sync/singleflight"

	"github.com/soulteary/cdn-proxy/internal/cache"
	"github.com/soulteary/cdn-proxy/internal/circuitbreaker"
	"github.com/soulteary/cdn-proxy/internal/config"
	apperrors "github.com/soulteary/cdn-proxy/internal/errors"
)

// Result is the outcome of resolving one extensionless path.
type Result struct {
	Found bool
	// Extension is the winning extension without its leading dot;
	// FullPath is the request path with the extension appended.
	Extension   string
	FullPath    string
	ContentType string
	Size        int64

	// Cached is true when the result came from the resolution cache;
	// CacheAge is how long ago it was stored.
	Cached   bool
	CacheAge time.Duration
}

// Prober performs the actual existence check against an upstream backend
// for one candidate path: a HEAD request, falling back to a lightweight
// ranged GET for backends that answer HEAD with a non-definitive status.
type Prober interface {
	Probe(ctx context.Context, backend config.BackendRef, candidatePath string) (ProbeOutcome, error)
}

// ProbeOutcome is what a Prober learned about one candidate path.
type ProbeOutcome struct {
	Exists      bool
	ContentType string
	Size        int64
}

// HTTPProber is the default Prober.
type HTTPProber struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPProber creates an HTTPProber with the given per-request timeout
// and probe User-Agent.
func NewHTTPProber(timeout time.Duration, userAgent string) *HTTPProber {
	return &HTTPProber{Client: &http.Client{Timeout: timeout}, UserAgent: userAgent}
}

func (p *HTTPProber) Probe(ctx context.Context, backend config.BackendRef, candidatePath string) (ProbeOutcome, error) {
	outcome, definitive, err := p.probeOnce(ctx, http.MethodHead, backend, candidatePath)
	if err != nil {
		return ProbeOutcome{}, err
	}
	if definitive {
		return outcome, nil
	}
	// HEAD was inconclusive (405/501 and similar); fall back to a ranged
	// GET that transfers at most one byte.
	outcome, definitive, err = p.probeOnce(ctx, http.MethodGet, backend, candidatePath)
	if err != nil {
		return ProbeOutcome{}, err
	}
	if definitive {
		return outcome, nil
	}
	return ProbeOutcome{Exists: false}, nil
}

func (p *HTTPProber) probeOnce(ctx context.Context, method string, backend config.BackendRef, candidatePath string) (ProbeOutcome, bool, error) {
	url := backend.BaseURL + candidatePath
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return ProbeOutcome{}, false, err
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return ProbeOutcome{}, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		size := resp.ContentLength
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndexByte(cr, '/'); idx != -1 {
				var total int64
				if _, err := fmt.Sscanf(cr[idx+1:], "%d", &total); err == nil {
					size = total
				}
			}
		}
		return ProbeOutcome{
			Exists:      true,
			ContentType: resp.Header.Get("Content-Type"),
			Size:        size,
		}, true, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ProbeOutcome{Exists: false}, true, nil
	case resp.StatusCode == http.StatusMethodNotAllowed, resp.StatusCode == http.StatusNotImplemented:
		return ProbeOutcome{}, false, nil
	default:
		return ProbeOutcome{}, false, fmt.Errorf("probe %s: unexpected status %d", url, resp.StatusCode)
	}
}

type cachedResult struct {
	result   Result
	storedAt time.Time
}

// Resolver resolves extensionless paths against a backend.
type Resolver struct {
	prober   Prober
	store    *config.Store
	results  *cache.Store
	sem      chan struct{}
	flight   singleflight.Group
	breakers *circuitbreaker.Registry
	// retryOpts classifies which probe failures are transient and worth
	// the bounded retry; delays stay linear per the probe config.
	retryOpts *httpkit.RetryOptions
	// resolveIP is overridable in tests; defaults to net.DefaultResolver.
	resolveIP func(ctx context.Context, host string) ([]net.IP, error)
}

// New creates a Resolver. Passing a nil breakers registry builds one from
// the snapshot's circuit breaker settings.
func New(store *config.Store, prober Prober, breakers *circuitbreaker.Registry) *Resolver {
	snap := store.Load()
	maxConcurrent := snap.FileResolve.MaxConcurrentProbes
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	maxCache := snap.FileResolve.MaxCacheSize
	if maxCache <= 0 {
		maxCache = 50000
	}
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
			FailureThreshold: snap.FileResolve.FailureThreshold,
			ResetTimeout:     snap.FileResolve.ResetTimeout,
			MonitorWindow:    snap.FileResolve.MonitorWindow,
		})
	}
	return &Resolver{
		prober:    prober,
		store:     store,
		results:   cache.New(8, maxCache, 0),
		sem:       make(chan struct{}, maxConcurrent),
		breakers:  breakers,
		retryOpts: httpkit.DefaultRetryOptions(),
		resolveIP: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
	}
}

// Resolve probes the configured extension list for path against backend,
// returning the first extension (in declared priority order) that exists.
// Concurrent callers for the same (backend, path, extensions) share one
// probe campaign, and a campaign outlives its originating request: once
// probes are in flight their result is committed to the cache even if the
// caller's context is cancelled.
func (r *Resolver) Resolve(ctx context.Context, backend config.BackendRef, path string) (Result, error) {
	snap := r.store.Load()
	if !snap.FileResolve.Enabled {
		return Result{}, nil
	}

	extensions := snap.FileResolve.Extensions
	if override, ok := snap.FileResolve.PerDomainOverrides[backend.Name]; ok && len(override.Extensions) > 0 {
		extensions = override.Extensions
	}
	key := backend.Name + "|" + path + "|" + strings.Join(extensions, ",")

	if v, ok, _ := r.results.Get(key); ok {
		cr := v.(cachedResult)
		out := cr.result
		out.Cached = true
		out.CacheAge = time.Since(cr.storedAt)
		return out, nil
	}

	if snap.FileResolve.BlockPrivateIPs {
		if blocked, err := r.isPrivateBackend(ctx, backend); err != nil {
			return Result{}, apperrors.Wrap(apperrors.ErrUpstreamTransport, "resolving backend address", err)
		} else if blocked {
			return Result{}, apperrors.New(apperrors.ErrClientError, "backend "+backend.Name+" resolves to a disallowed private address")
		}
	}

	// Detach the campaign from the caller: late-arriving probe results
	// are still valuable to future requests.
	campaignCtx := context.WithoutCancel(ctx)
	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		return r.campaign(campaignCtx, snap, backend, path, extensions, key)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// campaign launches one probe per candidate extension, bounded by the
// global semaphore, and picks the winner by declared priority order, never
// by completion order. Remaining probes are cancelled once the winner is
// known.
func (r *Resolver) campaign(ctx context.Context, snap *config.Snapshot, backend config.BackendRef, path string, extensions []string, key string) (Result, error) {
	breaker := r.breakers.For(backend.Name)
	if !breaker.Allow() {
		// Circuit-open failures are never cached negatively, so a cold
		// backend recovers without poisoning the cache.
		return Result{}, apperrors.New(apperrors.ErrCircuitOpen, "circuit open for backend "+backend.Name)
	}

	timeout := snap.FileResolve.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type probeReply struct {
		outcome ProbeOutcome
		err     error
	}
	replies := make([]chan probeReply, len(extensions))
	for i, ext := range extensions {
		replies[i] = make(chan probeReply, 1)
		go func(ch chan probeReply, ext string) {
			outcome, err := r.probeWithRetry(probeCtx, backend, path+normalizeExt(ext), timeout,
				snap.FileResolve.RetryAttempts, snap.FileResolve.RetryDelay)
			ch <- probeReply{outcome, err}
		}(replies[i], ext)
	}

	var transportErr error
	for i, ext := range extensions {
		reply := <-replies[i]
		if reply.err != nil {
			breaker.RecordFailure()
			if transportErr == nil {
				transportErr = reply.err
			}
			continue
		}
		breaker.RecordSuccess()
		if !r.positive(snap, reply.outcome) {
			continue
		}

		cancel()
		result := Result{
			Found:       true,
			Extension:   strings.TrimPrefix(normalizeExt(ext), "."),
			FullPath:    path + normalizeExt(ext),
			ContentType: reply.outcome.ContentType,
			Size:        reply.outcome.Size,
		}
		r.commit(key, result, snap.FileResolve.PositiveTTL)
		return result, nil
	}

	if transportErr != nil {
		// Transient failure: surface it without caching so the next
		// request retries.
		return Result{}, apperrors.Wrap(apperrors.ErrUpstreamTransport, "file resolution probes failed", transportErr)
	}

	miss := Result{Found: false}
	r.commit(key, miss, snap.FileResolve.NegativeTTL)
	return miss, nil
}

// positive applies the probe acceptance gate: 2xx status (already encoded
// in Exists), allowed content type, and size within bounds.
func (r *Resolver) positive(snap *config.Snapshot, outcome ProbeOutcome) bool {
	if !outcome.Exists {
		return false
	}
	if !contentTypeAllowed(outcome.ContentType, snap.FileResolve.AllowedContentTypes) {
		return false
	}
	if snap.FileResolve.MaxFileSize > 0 && outcome.Size > snap.FileResolve.MaxFileSize {
		return false
	}
	return true
}

func (r *Resolver) commit(key string, result Result, ttl time.Duration) {
	r.results.Set(key, cachedResult{result: result, storedAt: time.Now()}, int64(len(key)), ttl)
}

// probeWithRetry probes one candidate, retrying transient transport errors
// up to attempts times with a linear delay. A definitive 404 (Exists=false,
// err=nil) is never retried.
func (r *Resolver) probeWithRetry(ctx context.Context, backend config.BackendRef, candidate string, timeout time.Duration, attempts int, delay time.Duration) (ProbeOutcome, error) {
	if attempts < 0 {
		attempts = 0
	}

	var lastErr error
	for attempt := 0; attempt <= attempts; attempt++ {
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return ProbeOutcome{}, ctx.Err()
		}

		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		outcome, err := r.prober.Probe(probeCtx, backend, candidate)
		cancel()
		<-r.sem

		if err == nil {
			return outcome, nil
		}
		if ctx.Err() != nil {
			return ProbeOutcome{}, ctx.Err()
		}
		if !r.retryOpts.IsRetryableError(err, 0) {
			return ProbeOutcome{}, err
		}

		lastErr = err
		if attempt < attempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ProbeOutcome{}, ctx.Err()
			}
		}
	}
	return ProbeOutcome{}, lastErr
}

// Stats exposes the resolution cache counters for the admin surface.
func (r *Resolver) Stats() cache.Stats {
	return r.results.Stats()
}

// PurgeCache drops every cached resolution, returning the count removed.
func (r *Resolver) PurgeCache() int {
	st := r.results.Stats()
	r.results.Purge()
	return st.ItemCount
}

// BreakerState reports the circuit state for one backend, for diagnostics.
func (r *Resolver) BreakerState(backend string) circuitbreaker.State {
	return r.breakers.For(backend).State()
}

// BreakerSnapshot reports every backend's circuit state and trip count.
func (r *Resolver) BreakerSnapshot() map[string]circuitbreaker.Status {
	return r.breakers.Snapshot()
}

func normalizeExt(ext string) string {
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}

func contentTypeAllowed(contentType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	for _, a := range allowed {
		if strings.HasPrefix(ct, strings.ToLower(a)) {
			return true
		}
	}
	return false
}

// isPrivateBackend resolves the backend's host and reports whether any
// resulting address is a loopback, link-local, or RFC1918/ULA private
// range address, guarding against a misconfigured or attacker-supplied
// backend pointed at internal infrastructure.
func (r *Resolver) isPrivateBackend(ctx context.Context, backend config.BackendRef) (bool, error) {
	host := backend.Host
	if host == "" {
		return false, nil
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		return isPrivateIP(ip), nil
	}

	ips, err := r.resolveIP(ctx, host)
	if err != nil {
		return false, err
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return true, nil
		}
	}
	return false, nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
