// Package routeresolver matches an inbound request's host, path, and
// method against the active configuration's routing rules and produces a
// pure RouteDecision: which backend to use, and how to rewrite the path
// before it is forwarded. Resolution is pure and side-effect free, and is
// memoized by (snapshot version, host, path, method) against an LRU cache.
package routeresolver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/soulteary/cdn-proxy/internal/cache"
	"github.com/soulteary/cdn-proxy/internal/config"
	apperrors "github.com/soulteary/cdn-proxy/internal/errors"
)

// Decision is the outcome of resolving one request.
type Decision struct {
	Backend     config.BackendRef
	UpstreamURL string // path to request from Backend; the query string is not included
	Matched     bool

	// Wildcard is true when the matching rule's DomainPattern came from a
	// `*.foo.com` pattern rather than an exact host.
	Wildcard bool
	// FallbackUsed is true when no inner rule rewrote the path and the
	// rule's Fallback policy (not an inner match) decided the outcome.
	FallbackUsed bool
}

// Resolver matches requests against a config.Store's active routing rules.
type Resolver struct {
	store  *config.Store
	memo   *cache.Store
	memoOf int // entries to keep in the memoization cache
}

// New creates a Resolver backed by store, memoizing up to memoEntries
// decisions.
func New(store *config.Store, memoEntries int) *Resolver {
	if memoEntries <= 0 {
		memoEntries = 10000
	}
	return &Resolver{
		store:  store,
		memo:   cache.New(4, memoEntries, 0),
		memoOf: memoEntries,
	}
}

// Resolve matches host/path/method against the active snapshot's routes.
func (r *Resolver) Resolve(host, path, method string) (Decision, error) {
	snap := r.store.Load()
	host = stripPort(host)

	memoKey := fmt.Sprintf("%d|%s|%s|%s", snap.Version, host, method, path)
	if v, ok, _ := r.memo.Get(memoKey); ok {
		return v.(Decision), nil
	}

	decision, err := resolveAgainst(snap, host, path, method)
	if err != nil {
		return Decision{}, err
	}

	r.memo.Set(memoKey, decision, int64(len(memoKey)), 0)
	return decision, nil
}

func resolveAgainst(snap *config.Snapshot, host, path, method string) (Decision, error) {
	for _, rule := range snap.Routes {
		if rule.DomainPattern == nil || !rule.DomainPattern.MatchString(host) {
			continue
		}

		rewrittenPath, fired := applyInnerRules(rule, path, method)
		fellBack := false
		if !fired {
			switch rule.Fallback {
			case config.FallbackPassthrough:
				fellBack = true
			case config.FallbackError:
				return Decision{}, apperrors.New(apperrors.ErrRouteNotFound,
					"host "+host+" matched but no inner rule rewrote "+path)
			default:
				// FallbackPrefix: prepend the rule's prefix unless the
				// path already carries it.
				if rule.PathPrefix != "" && !strings.HasPrefix(rewrittenPath, rule.PathPrefix) {
					rewrittenPath = rule.PathPrefix + rewrittenPath
				}
				fellBack = true
			}
		}

		return Decision{
			Backend:      rule.Backend,
			UpstreamURL:  rewrittenPath,
			Matched:      true,
			Wildcard:     rule.Wildcard,
			FallbackUsed: fellBack,
		}, nil
	}

	if snap.DefaultBackend.BaseURL != "" && isOriginDomain(snap, host) {
		return Decision{
			Backend:      snap.DefaultBackend,
			UpstreamURL:  path,
			Matched:      true,
			FallbackUsed: true,
		}, nil
	}

	return Decision{}, apperrors.New(apperrors.ErrRouteNotFound, "no route matches "+host+path)
}

// applyInnerRules runs a rule's inner rewrite chain against path, stopping
// at the first Break. It reports whether any inner rule actually fired.
func applyInnerRules(rule config.RouteRule, path, method string) (string, bool) {
	rewritten := path
	fired := false
	for _, inner := range rule.Inner {
		if inner.Method != "" && !strings.EqualFold(inner.Method, method) {
			continue
		}
		if inner.Match == nil || !inner.Match.MatchString(rewritten) {
			continue
		}
		rewritten = inner.Match.ReplaceAllString(rewritten, inner.Replacement)
		fired = true
		if inner.Break {
			break
		}
	}
	return rewritten, fired
}

// isOriginDomain reports whether host is accepted as a request host even
// without a matching RouteRule, i.e. it should fall through to
// DefaultBackend instead of erroring. When OriginDomains is non-empty, only
// hosts listed there qualify; when it is empty, any host is accepted unless
// StrictDomain is set.
func isOriginDomain(snap *config.Snapshot, host string) bool {
	if len(snap.OriginDomains) == 0 {
		return !snap.StrictDomain
	}
	return snap.OriginDomains[strings.ToLower(host)]
}

// InvalidateAll drops every memoized decision. Callers normally don't need
// this: memoization keys are already namespaced by Snapshot.Version, so a
// config swap alone makes old entries unreachable. This exists for tests
// and for an operator-triggered full purge.
func (r *Resolver) InvalidateAll() {
	r.memo.Purge()
}

func stripPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		if _, err := strconv.Atoi(host[idx+1:]); err == nil {
			return host[:idx]
		}
	}
	return host
}
