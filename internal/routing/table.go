// Package routing holds the static prefix route table that maps inbound
// request paths to upstream backend services.
package routing

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Route maps a URL prefix to an upstream target.
type Route struct {
	// Prefix is the inbound path prefix, e.g. "/api/courses".
	Prefix string
	// Target is the upstream base URL, e.g. "http://localhost:3011".
	Target *url.URL
	// RewriteTo replaces the matched prefix when building the upstream
	// path. Empty means identity (the prefix is kept as-is).
	RewriteTo string
	// Service is the logical upstream name used in logs and 503 bodies.
	Service string
	// Protected routes require a verified bearer credential.
	Protected bool
}

// RewritePath maps an inbound path to the upstream path. It is total over
// any path bearing the route's prefix; a path that does not bear the prefix
// is returned unchanged.
func (rt *Route) RewritePath(path string) string {
	if !strings.HasPrefix(path, rt.Prefix) {
		return path
	}
	rewriteTo := rt.RewriteTo
	if rewriteTo == "" {
		rewriteTo = rt.Prefix
	}
	return rewriteTo + path[len(rt.Prefix):]
}

// Table is an immutable prefix routing table. Longer prefixes are checked
// first so overlapping registrations (e.g. /api/auth vs /api/authorization)
// resolve deterministically to the most specific route.
type Table struct {
	routes []*Route // sorted by descending prefix length
}

// NewTable validates the route list and builds a table. Duplicate prefixes,
// relative targets, and prefixes without a leading slash are configuration
// errors and fail construction.
func NewTable(routes []*Route) (*Table, error) {
	seen := make(map[string]struct{}, len(routes))
	sorted := make([]*Route, 0, len(routes))

	for _, rt := range routes {
		if !strings.HasPrefix(rt.Prefix, "/") {
			return nil, fmt.Errorf("route prefix %q must start with /", rt.Prefix)
		}
		if rt.Target == nil || !rt.Target.IsAbs() {
			return nil, fmt.Errorf("route %s: target must be an absolute URL", rt.Prefix)
		}
		prefix := strings.TrimSuffix(rt.Prefix, "/")
		if _, dup := seen[prefix]; dup {
			return nil, fmt.Errorf("duplicate route prefix %q", prefix)
		}
		seen[prefix] = struct{}{}

		cp := *rt
		cp.Prefix = prefix
		if cp.Service == "" {
			cp.Service = strings.TrimPrefix(prefix, "/api/")
		}
		sorted = append(sorted, &cp)
	}

	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	return &Table{routes: sorted}, nil
}

// Resolve returns the route for the longest prefix matching path. Matching
// is segment-aware: /api/auth matches /api/auth and /api/auth/login, but
// not /api/authors.
func (t *Table) Resolve(path string) (*Route, bool) {
	for _, rt := range t.routes {
		if path == rt.Prefix || strings.HasPrefix(path, rt.Prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// Routes returns the registered routes in match order (longest prefix
// first). The slice must not be mutated.
func (t *Table) Routes() []*Route {
	return t.routes
}

type routeContextKey struct{}

// ContextWithRoute attaches the resolved route to the request context.
func ContextWithRoute(ctx context.Context, rt *Route) context.Context {
	return context.WithValue(ctx, routeContextKey{}, rt)
}

// RouteFromContext retrieves the resolved route, if any.
func RouteFromContext(ctx context.Context) (*Route, bool) {
	rt, ok := ctx.Value(routeContextKey{}).(*Route)
	return rt, ok
}
