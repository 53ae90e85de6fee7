package adminserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/soulteary/cdn-proxy/internal/cache"
	"github.com/soulteary/cdn-proxy/internal/config"
	"github.com/soulteary/cdn-proxy/internal/fileresolver"
	"github.com/soulteary/cdn-proxy/internal/transform"
)

func testSnapshot() *config.Snapshot {
	return &config.Snapshot{
		Version: 1,
		Admin: config.AdminConfig{
			Listen:       "127.0.0.1:0",
			RateLimitRPM: 1000,
		},
		FileResolve: config.FileResolveConfig{
			Enabled:             true,
			Extensions:          []string{".html"},
			MaxConcurrentProbes: 2,
			MaxCacheSize:        100,
		},
	}
}

func newTestServer(mutate func(*config.Snapshot)) (*Server, *config.Store) {
	snap := testSnapshot()
	if mutate != nil {
		mutate(snap)
	}
	store := config.NewStore(snap)
	respCache := cache.New(4, 100, 0)
	resolver := fileresolver.New(store, fileresolver.NewHTTPProber(time.Second, "test"), nil)
	rewriter := transform.NewURLRewriter(config.URLRewriteConfig{Enabled: true, MaxCacheSize: 100})
	return New(store, respCache, resolver, rewriter, nil, nil, nil), store
}

func do(t *testing.T, s *Server, method, target string, body []byte, header map[string]string) *http.Response {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

func TestHealthBasic(t *testing.T) {
	s, _ := newTestServer(nil)
	resp := do(t, s, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestHealthDetailed(t *testing.T) {
	s, _ := newTestServer(nil)
	resp := do(t, s, http.MethodGet, "/health?detailed=true", nil, nil)
	body := decode(t, resp)
	if _, ok := body["goroutines"]; !ok {
		t.Error("detailed health missing goroutines")
	}
	if _, ok := body["response_cache"]; !ok {
		t.Error("detailed health missing response_cache stats")
	}
}

func TestAuthRequiredWhenKeyConfigured(t *testing.T) {
	s, _ := newTestServer(func(snap *config.Snapshot) {
		snap.Admin.APIKey = "sekrit"
	})

	resp := do(t, s, http.MethodGet, "/api/cache/stats", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without key = %d, want 401", resp.StatusCode)
	}

	resp = do(t, s, http.MethodGet, "/api/cache/stats", nil, map[string]string{"X-API-Key": "sekrit"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with key = %d, want 200", resp.StatusCode)
	}

	resp = do(t, s, http.MethodGet, "/api/cache/stats", nil, map[string]string{"Authorization": "Bearer sekrit"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with bearer = %d, want 200", resp.StatusCode)
	}

	resp = do(t, s, http.MethodGet, "/api/cache/stats", nil, map[string]string{"X-API-Key": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status with wrong key = %d, want 401", resp.StatusCode)
	}
}

func TestCachePurgeByPatternAndDomain(t *testing.T) {
	s, _ := newTestServer(nil)

	k1 := cache.Key(cache.KeyInput{Method: "GET", Host: "a.example", RequestPath: "/x", Backend: "o", UpstreamPath: "/x"})
	k2 := cache.Key(cache.KeyInput{Method: "GET", Host: "b.example", RequestPath: "/y", Backend: "o", UpstreamPath: "/y"})
	s.respCache.Set(k1, "v1", 2, time.Minute)
	s.respCache.Set(k2, "v2", 2, time.Minute)

	resp := do(t, s, http.MethodDelete, "/api/cache?pattern=*&domain=a.example", nil, nil)
	body := decode(t, resp)
	if body["items_removed"].(float64) != 1 {
		t.Errorf("items_removed = %v, want 1", body["items_removed"])
	}
	if _, ok, _ := s.respCache.Get(k2); !ok {
		t.Error("unrelated domain entry must survive")
	}
}

func TestDomainOverrideSwapsSnapshot(t *testing.T) {
	s, store := newTestServer(nil)
	before := store.Load().Version

	payload, _ := json.Marshal(map[string]interface{}{
		"domain":     "Docs.Example",
		"extensions": []string{".md", ".txt"},
	})
	resp := do(t, s, http.MethodPost, "/api/file-resolution/domains", payload, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	after := store.Load()
	if after.Version != before+1 {
		t.Errorf("version = %d, want %d", after.Version, before+1)
	}
	override, ok := after.FileResolve.PerDomainOverrides["docs.example"]
	if !ok || len(override.Extensions) != 2 {
		t.Errorf("override = %+v", after.FileResolve.PerDomainOverrides)
	}
}

func TestURLTransformStatsAndPurge(t *testing.T) {
	s, _ := newTestServer(nil)

	resp := do(t, s, http.MethodGet, "/api/url-transform/stats", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}

	resp = do(t, s, http.MethodDelete, "/api/url-transform/cache", nil, nil)
	body := decode(t, resp)
	if body["success"] != true {
		t.Errorf("purge response = %v", body)
	}
}

func TestRateLimiter(t *testing.T) {
	s, _ := newTestServer(func(snap *config.Snapshot) {
		snap.Admin.RateLimitRPM = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := do(t, s, http.MethodGet, "/health", nil, nil)
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first two requests should pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request should be limited, got %v", codes)
	}
}
