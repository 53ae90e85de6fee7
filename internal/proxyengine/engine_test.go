package proxyengine

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/soulteary/cdn-proxy/internal/cache"
	"github.com/soulteary/cdn-proxy/internal/config"
	"github.com/soulteary/cdn-proxy/internal/fileresolver"
	"github.com/soulteary/cdn-proxy/internal/routeresolver"
)

// newTestEngine wires a full engine against the given backend server, with
// the backend as default upstream. mutate can adjust the snapshot before
// the engine is built.
func newTestEngine(t *testing.T, backend *httptest.Server, mutate func(*config.Snapshot)) *Engine {
	t.Helper()
	u, err := url.Parse(backend.URL)
	if err != nil {
		t.Fatal(err)
	}
	backendRef := config.BackendRef{Name: "origin", Host: u.Host, BaseURL: backend.URL}

	snap := &config.Snapshot{
		Version:        1,
		CDNName:        "cdn-proxy-test",
		DefaultBackend: backendRef,
		OriginDomains:  map[string]bool{},
		Cache: config.CacheConfig{
			MaxEntries:           100,
			DefaultTTL:           time.Minute,
			MaxTTL:               time.Hour,
			Shards:               4,
			RespectCacheControl:  true,
			CacheableStatusCodes: map[int]bool{200: true, 301: true, 404: true},
			CacheableContentTypes: []string{
				"text/html", "text/plain", "text/markdown", "application/json",
				"application/javascript", "text/css",
			},
		},
		FileResolve: config.FileResolveConfig{
			Enabled:             true,
			Extensions:          []string{".html", ".md"},
			ProbeTimeout:        2 * time.Second,
			MaxConcurrentProbes: 8,
			RetryAttempts:       1,
			PositiveTTL:         time.Minute,
			NegativeTTL:         time.Minute,
			FailureThreshold:    3,
			ResetTimeout:        30 * time.Second,
			MonitorWindow:       time.Minute,
			AllowedContentTypes: []string{"text/html", "text/markdown"},
		},
		Transform: config.TransformConfig{
			EnableMarkdown: true,
			EnableText:     true,
			MaxBodyBytes:   1 << 20,
			URLRewrite: config.URLRewriteConfig{
				Enabled:           true,
				RewriteHTML:       true,
				RewriteJS:         true,
				RewriteCSS:        true,
				RewriteInline:     true,
				PreserveFragments: true,
				PreserveQuery:     true,
				MaxContentSize:    1 << 20,
			},
		},
	}
	if mutate != nil {
		mutate(snap)
	}

	store := config.NewStore(snap)
	routes := routeresolver.New(store, 100)
	respCache := cache.New(snap.Cache.Shards, snap.Cache.MaxEntries, 0)
	prober := fileresolver.NewHTTPProber(snap.FileResolve.ProbeTimeout, "cdn-proxy-test-probe/1.0")
	resolver := fileresolver.New(store, prober, nil)
	client := NewUpstreamClient(5 * time.Second)

	return New(store, routes, respCache, resolver, nil, nil, client)
}

func doRequest(e *Engine, method, host, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "http://"+host+path, nil)
	req.Host = host
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestPassthroughAndCacheHit(t *testing.T) {
	hits := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer backend.Close()

	e := newTestEngine(t, backend, nil)

	first := doRequest(e, http.MethodGet, "proxy.example", "/doc.html", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", first.Code, first.Body)
	}
	if first.Body.String() != "<html></html>" {
		t.Errorf("body = %q", first.Body.String())
	}
	if got := first.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
	if first.Header().Get("X-Served-By") == "" {
		t.Error("missing X-Served-By")
	}
	if got := first.Header().Get("Content-Length"); got != strconv.Itoa(len("<html></html>")) {
		t.Errorf("Content-Length = %q", got)
	}

	second := doRequest(e, http.MethodGet, "proxy.example", "/doc.html", nil)
	if got := second.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("X-Cache = %q, want HIT", got)
	}
	if second.Body.String() != first.Body.String() {
		t.Error("cached body differs from original")
	}
	if hits != 1 {
		t.Errorf("backend hit %d times, want 1", hits)
	}
}

func TestDomainToPathRewrite(t *testing.T) {
	var upstreamPath, originalPathHeader string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamPath = r.URL.Path
		originalPathHeader = r.Header.Get("X-Original-Path")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	e := newTestEngine(t, backend, func(snap *config.Snapshot) {
		pattern, wildcard, err := config.CompileDomainPattern("ddt.example")
		if err != nil {
			t.Fatal(err)
		}
		u, _ := url.Parse(backend.URL)
		snap.Routes = []config.RouteRule{{
			DomainPattern: pattern,
			Wildcard:      wildcard,
			Backend:       config.BackendRef{Name: "origin.example", Host: u.Host, BaseURL: backend.URL},
			PathPrefix:    "/ddt",
		}}
	})

	rec := doRequest(e, http.MethodGet, "ddt.example", "/notes/a.html", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if upstreamPath != "/ddt/notes/a.html" {
		t.Errorf("upstream fetched %q, want /ddt/notes/a.html", upstreamPath)
	}
	if originalPathHeader != "/notes/a.html" {
		t.Errorf("upstream X-Original-Path = %q", originalPathHeader)
	}
	if got := rec.Header().Get("X-Path-Rewrite-Applied"); got != "true" {
		t.Errorf("X-Path-Rewrite-Applied = %q", got)
	}
	if got := rec.Header().Get("X-Original-Path"); got != "/notes/a.html" {
		t.Errorf("X-Original-Path = %q", got)
	}
	if got := rec.Header().Get("X-Transformed-Path"); got != "/ddt/notes/a.html" {
		t.Errorf("X-Transformed-Path = %q", got)
	}
}

func TestFileResolutionWithMarkdownTransform(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/intro.md":
			w.Header().Set("Content-Type", "text/markdown")
			_, _ = w.Write([]byte("# Hi"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	e := newTestEngine(t, backend, nil)

	rec := doRequest(e, http.MethodGet, "proxy.example", "/intro", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if !strings.Contains(rec.Body.String(), "<h1>Hi</h1>") {
		t.Errorf("body = %q, want <h1>Hi</h1>", rec.Body.String())
	}
	if got := rec.Header().Get("X-File-Extension"); got != "md" {
		t.Errorf("X-File-Extension = %q, want md", got)
	}
	if got := rec.Header().Get("X-Content-Transformed"); got != "true" {
		t.Errorf("X-Content-Transformed = %q", got)
	}
	if got := rec.Header().Get("X-Transformer"); got != "markdown" {
		t.Errorf("X-Transformer = %q, want markdown", got)
	}
}

func TestURLRewritingInProxiedHTML(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="https://allabout.example/page?x=1#z">in</a><a href="https://other.example/foo">out</a>`))
	}))
	defer backend.Close()

	e := newTestEngine(t, backend, func(snap *config.Snapshot) {
		snap.OriginDomains = map[string]bool{"allabout.example": true, "p.example": true}
	})

	rec := doRequest(e, http.MethodGet, "p.example", "/x.html", nil)
	body := rec.Body.String()
	if !strings.Contains(body, `<a href="http://p.example/page?x=1#z">`) {
		t.Errorf("origin URL not rewritten with query+fragment preserved: %s", body)
	}
	if !strings.Contains(body, `<a href="https://other.example/foo">`) {
		t.Errorf("foreign URL must be unchanged: %s", body)
	}
}

func TestCorruptGzipJavaScriptFailsClosed(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, _ = gz.Write([]byte("var x = 1;"))
		_ = gz.Close()
		truncated := buf.Bytes()[:5]

		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", strconv.Itoa(len(truncated)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(truncated)
	}))
	defer backend.Close()

	e := newTestEngine(t, backend, nil)

	rec := doRequest(e, http.MethodGet, "proxy.example", "/app.js", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "var x") {
		t.Error("no JS content may be written on a fatal decompression error")
	}
}

func TestJS404GetsScriptContentType(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer backend.Close()

	e := newTestEngine(t, backend, nil)

	rec := doRequest(e, http.MethodGet, "proxy.example", "/missing.js", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/javascript") {
		t.Errorf("Content-Type = %q, want application/javascript", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "/*") {
		t.Errorf("body = %q, want a comment body", rec.Body.String())
	}
}

func TestHeadRequestHasNoBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>body</html>"))
	}))
	defer backend.Close()

	e := newTestEngine(t, backend, nil)

	rec := doRequest(e, http.MethodHead, "proxy.example", "/doc.html", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD response carried a body: %q", rec.Body.String())
	}
}

func TestStrictDomainRejectsUnknownHost(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be reached for a rejected host")
	}))
	defer backend.Close()

	e := newTestEngine(t, backend, func(snap *config.Snapshot) {
		snap.StrictDomain = true
		snap.OriginDomains = map[string]bool{"allowed.example": true}
	})

	rec := doRequest(e, http.MethodGet, "evil.example", "/x.html", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestUpstreamDownMapsToGatewayError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close() // connection refused from here on

	e := newTestEngine(t, backend, nil)

	rec := doRequest(e, http.MethodGet, "proxy.example", "/x.html", nil)
	if rec.Code != http.StatusBadGateway && rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 502 or 504", rec.Code)
	}
}

func TestNoStoreResponseNotCached(t *testing.T) {
	hits := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer backend.Close()

	e := newTestEngine(t, backend, nil)

	doRequest(e, http.MethodGet, "proxy.example", "/doc.html", nil)
	second := doRequest(e, http.MethodGet, "proxy.example", "/doc.html", nil)
	if got := second.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS for no-store", got)
	}
	if hits != 2 {
		t.Errorf("backend hit %d times, want 2", hits)
	}
}

func TestVarySeparatesNegotiatedResponses(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Vary", "Cookie")
		_, _ = w.Write([]byte("user:" + r.Header.Get("Cookie")))
	}))
	defer backend.Close()

	e := newTestEngine(t, backend, nil)

	withCookie := func(c string) http.Header {
		h := make(http.Header)
		h.Set("Cookie", c)
		return h
	}

	first := doRequest(e, http.MethodGet, "proxy.example", "/profile.txt", withCookie("a=1"))
	if first.Body.String() != "user:a=1" {
		t.Fatalf("body = %q", first.Body.String())
	}

	// Same Cookie negotiates identically and is served from cache.
	repeat := doRequest(e, http.MethodGet, "proxy.example", "/profile.txt", withCookie("a=1"))
	if got := repeat.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("X-Cache = %q, want HIT for identical Vary values", got)
	}
	if repeat.Body.String() != "user:a=1" {
		t.Errorf("body = %q", repeat.Body.String())
	}

	// A different Cookie must not be served the first client's response.
	other := doRequest(e, http.MethodGet, "proxy.example", "/profile.txt", withCookie("b=2"))
	if got := other.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS for differing Vary values", got)
	}
	if other.Body.String() != "user:b=2" {
		t.Errorf("body = %q, served another client's variant", other.Body.String())
	}
}

func TestVaryStarNotCached(t *testing.T) {
	hits := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Vary", "*")
		_, _ = w.Write([]byte("uncacheable"))
	}))
	defer backend.Close()

	e := newTestEngine(t, backend, nil)

	doRequest(e, http.MethodGet, "proxy.example", "/x.txt", nil)
	second := doRequest(e, http.MethodGet, "proxy.example", "/x.txt", nil)
	if got := second.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS for Vary: *", got)
	}
	if hits != 2 {
		t.Errorf("backend hit %d times, want 2", hits)
	}
}

func TestGzipUpstreamDecompressedAndReframed(t *testing.T) {
	payload := []byte("<html><body>compressed upstream</body></html>")
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, _ = gz.Write(payload)
		_ = gz.Close()

		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		_, _ = w.Write(buf.Bytes())
	}))
	defer backend.Close()

	e := newTestEngine(t, backend, nil)

	rec := doRequest(e, http.MethodGet, "proxy.example", "/doc.html", nil)
	if rec.Header().Get("Content-Encoding") != "" {
		t.Errorf("Content-Encoding must be dropped after decompression, got %q", rec.Header().Get("Content-Encoding"))
	}
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(payload)) {
		t.Errorf("Content-Length = %q, want %d", got, len(payload))
	}
	if rec.Body.String() != string(payload) {
		t.Errorf("body = %q", rec.Body.String())
	}
}
