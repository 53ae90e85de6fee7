package fileresolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soulteary/cdn-proxy/internal/circuitbreaker"
	"github.com/soulteary/cdn-proxy/internal/config"
	apperrors "github.com/soulteary/cdn-proxy/internal/errors"
)

type fakeProber struct {
	mu       sync.Mutex
	outcomes map[string]ProbeOutcome
	errs     map[string]error
	calls    map[string]int
	delay    time.Duration
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		outcomes: map[string]ProbeOutcome{},
		errs:     map[string]error{},
		calls:    map[string]int{},
	}
}

func (f *fakeProber) Probe(ctx context.Context, backend config.BackendRef, candidatePath string) (ProbeOutcome, error) {
	f.mu.Lock()
	f.calls[candidatePath]++
	outcome, err := f.outcomes[candidatePath], f.errs[candidatePath]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ProbeOutcome{}, ctx.Err()
		}
	}
	if err != nil {
		return ProbeOutcome{}, err
	}
	return outcome, nil
}

func (f *fakeProber) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func testStore() *config.Store {
	return config.NewStore(&config.Snapshot{
		Version: 1,
		FileResolve: config.FileResolveConfig{
			Enabled:             true,
			Extensions:          []string{".html", ".json"},
			MaxConcurrentProbes: 4,
			ProbeTimeout:        time.Second,
			RetryAttempts:       1,
			PositiveTTL:         time.Minute,
			NegativeTTL:         time.Minute,
			FailureThreshold:    3,
			ResetTimeout:        time.Minute,
			MonitorWindow:       time.Minute,
			AllowedContentTypes: []string{"text/html", "application/json"},
		},
	})
}

func TestResolveFindsFirstMatchingExtension(t *testing.T) {
	prober := newFakeProber()
	prober.outcomes["/docs/readme.html"] = ProbeOutcome{Exists: true, ContentType: "text/html"}

	r := New(testStore(), prober, nil)
	backend := config.BackendRef{Name: "origin", BaseURL: "https://origin.internal"}

	result, err := r.Resolve(context.Background(), backend, "/docs/readme")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !result.Found || result.Extension != "html" {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.FullPath != "/docs/readme.html" {
		t.Errorf("FullPath = %q", result.FullPath)
	}
}

func TestResolvePriorityOrderBeatsCompletionOrder(t *testing.T) {
	// Both candidates exist; the first-declared extension must win even
	// though probes run concurrently.
	prober := newFakeProber()
	prober.outcomes["/page.html"] = ProbeOutcome{Exists: true, ContentType: "text/html"}
	prober.outcomes["/page.json"] = ProbeOutcome{Exists: true, ContentType: "application/json"}

	r := New(testStore(), prober, nil)
	backend := config.BackendRef{Name: "origin", BaseURL: "https://origin.internal"}

	result, err := r.Resolve(context.Background(), backend, "/page")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Extension != "html" {
		t.Errorf("expected declaration-order winner html, got %q", result.Extension)
	}
}

func TestResolveSkipsDisallowedContentType(t *testing.T) {
	prober := newFakeProber()
	prober.outcomes["/bin/app.html"] = ProbeOutcome{Exists: true, ContentType: "application/octet-stream"}

	r := New(testStore(), prober, nil)
	backend := config.BackendRef{Name: "origin", BaseURL: "https://origin.internal"}

	result, err := r.Resolve(context.Background(), backend, "/bin/app")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Found {
		t.Errorf("expected no match due to disallowed content type, got %+v", result)
	}
}

func TestResolveNegativeCache(t *testing.T) {
	prober := newFakeProber()

	r := New(testStore(), prober, nil)
	backend := config.BackendRef{Name: "origin", BaseURL: "https://origin.internal"}

	if _, err := r.Resolve(context.Background(), backend, "/missing"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := r.Resolve(context.Background(), backend, "/missing")
	if err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if !second.Cached {
		t.Error("expected second resolution to come from cache")
	}
	if calls := prober.callCount("/missing.html") + prober.callCount("/missing.json"); calls != 2 {
		t.Errorf("expected exactly one probe per extension (no re-probe on cache hit), got %d calls", calls)
	}
}

func TestResolveSharesSingleFlight(t *testing.T) {
	prober := newFakeProber()
	prober.delay = 30 * time.Millisecond
	prober.outcomes["/shared.html"] = ProbeOutcome{Exists: true, ContentType: "text/html"}

	r := New(testStore(), prober, nil)
	backend := config.BackendRef{Name: "origin", BaseURL: "https://origin.internal"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), backend, "/shared"); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := prober.callCount("/shared.html"); calls != 1 {
		t.Errorf("expected one shared probe campaign, got %d probes", calls)
	}
}

func TestResolveCircuitOpenShortCircuits(t *testing.T) {
	prober := newFakeProber()
	prober.errs["/x.html"] = errors.New("connect timeout")
	prober.errs["/x.json"] = errors.New("connect timeout")

	store := testStore()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		MonitorWindow:    time.Minute,
	})
	r := New(store, prober, breakers)
	backend := config.BackendRef{Name: "origin", BaseURL: "https://origin.internal"}

	// The two failed probes of the first campaign trip the breaker.
	if _, err := r.Resolve(context.Background(), backend, "/x"); err == nil {
		t.Fatal("expected transport error")
	}

	start := time.Now()
	_, err := r.Resolve(context.Background(), backend, "/y")
	if apperrors.GetCode(err) != apperrors.ErrCircuitOpen {
		t.Fatalf("expected circuit-open error, got %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("circuit-open failure should not touch the network")
	}
	if prober.callCount("/y.html") != 0 {
		t.Error("open circuit must not probe")
	}

	// Circuit-open results must not poison the negative cache.
	if _, ok, _ := r.results.Get("origin|/y|.html,.json"); ok {
		t.Error("circuit-open failure must not be cached")
	}
}

func TestResolveDisabledReturnsNoResult(t *testing.T) {
	store := config.NewStore(&config.Snapshot{
		Version:     1,
		FileResolve: config.FileResolveConfig{Enabled: false},
	})
	r := New(store, newFakeProber(), nil)

	result, err := r.Resolve(context.Background(), config.BackendRef{Name: "origin"}, "/x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Found {
		t.Errorf("expected disabled resolver to report not-found, got %+v", result)
	}
}

func TestResolvePerDomainOverride(t *testing.T) {
	store := testStore()
	snap := *store.Load()
	snap.FileResolve.PerDomainOverrides = map[string]config.FileResolveOverride{
		"origin": {Extensions: []string{".md"}},
	}
	store.Swap(&snap)

	prober := newFakeProber()
	prober.outcomes["/notes/a.md"] = ProbeOutcome{Exists: true, ContentType: "text/html"}

	r := New(store, prober, nil)
	result, err := r.Resolve(context.Background(), config.BackendRef{Name: "origin", BaseURL: "https://o"}, "/notes/a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !result.Found || result.Extension != "md" {
		t.Errorf("unexpected result: %+v", result)
	}
	if prober.callCount("/notes/a.html") != 0 {
		t.Error("override must replace the default extension list")
	}
}

func TestIsPrivateIP(t *testing.T) {
	store := testStore()
	r := New(store, newFakeProber(), nil)
	backend := config.BackendRef{Name: "internal", Host: "127.0.0.1:8080"}

	blocked, err := r.isPrivateBackend(context.Background(), backend)
	if err != nil {
		t.Fatalf("isPrivateBackend: %v", err)
	}
	if !blocked {
		t.Errorf("expected loopback backend to be blocked")
	}
}
