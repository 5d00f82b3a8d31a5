// Package route implements the gateway's route table: an immutable
// mapping from inbound method + path pattern to a target backend RPC
// and its resilience policy. The table is built once at startup and
// is read-only during request processing.
package route

import (
	"sort"
	"strings"

	"github.com/mealmind/gateway/internal/config"
	"github.com/mealmind/gateway/internal/util"
)

// Priority constants for ordering overlapping patterns. More specific
// patterns win; ties fall back to registration order.
const (
	priorityExact   = 1000
	priorityLiteral = 10
	prioritySegment = 1
)

// Route is a compiled, immutable routing rule.
type Route struct {
	Name    string
	Method  string
	Path    string
	Backend string
	RPC     string
	Policy  *config.Resilience

	segments []segment
	wildcard bool
	priority int
	order    int
}

// segment is one element of a compiled path pattern.
type segment struct {
	literal string
	param   string
}

// Match is the result of a route lookup.
type Match struct {
	Route      *Route
	PathParams map[string]string
}

// Table is the route table.
type Table struct {
	routes []*Route
}

// NewTable compiles the configured routes into a table. Policies are
// resolved through cfg (route overrides backend overrides gateway).
// Overlapping patterns for the same method are tolerated; the more
// specific pattern wins and exact ties resolve to the first
// registered, deterministically.
func NewTable(cfg *config.GatewayConfig) (*Table, error) {
	routes := make([]*Route, 0, len(cfg.Routes))
	for i := range cfg.Routes {
		rc := &cfg.Routes[i]
		compiled, err := compile(rc, cfg.PolicyFor(rc), i)
		if err != nil {
			return nil, err
		}
		routes = append(routes, compiled)
	}

	// Equal priorities resolve to registration order.
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].priority != routes[j].priority {
			return routes[i].priority > routes[j].priority
		}
		return routes[i].order < routes[j].order
	})

	return &Table{routes: routes}, nil
}

// compile parses a route's path template. Templates are /-separated
// segments; {name} captures a path parameter and a trailing /* matches
// any suffix.
func compile(rc *config.Route, policy *config.Resilience, order int) (*Route, error) {
	path := rc.Path
	wildcard := false
	if strings.HasSuffix(path, "/*") {
		wildcard = true
		path = strings.TrimSuffix(path, "/*")
	}

	var segments []segment
	literals := 0
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name := part[1 : len(part)-1]
			if name == "" {
				return nil, util.NewConfigError("routes."+rc.Name, "empty path parameter name")
			}
			segments = append(segments, segment{param: name})
			continue
		}
		segments = append(segments, segment{literal: part})
		literals++
	}

	priority := literals*priorityLiteral + len(segments)*prioritySegment
	if !wildcard && literals == len(segments) {
		priority += priorityExact
	}

	return &Route{
		Name:     rc.Name,
		Method:   strings.ToUpper(rc.Method),
		Path:     rc.Path,
		Backend:  rc.Backend,
		RPC:      rc.RPC,
		Policy:   policy,
		segments: segments,
		wildcard: wildcard,
		priority: priority,
		order:    order,
	}, nil
}

// Lookup finds the best route for an inbound method and path. Routes
// are pre-sorted most-specific-first, so the first match wins.
func (t *Table) Lookup(method, path string) (*Match, error) {
	method = strings.ToUpper(method)
	parts := splitPath(path)

	for _, r := range t.routes {
		if r.Method != method {
			continue
		}
		if params, ok := r.match(parts); ok {
			return &Match{Route: r, PathParams: params}, nil
		}
	}

	return nil, util.NewRouteNotFoundError(method, path)
}

// Routes returns the compiled routes in matching order.
func (t *Table) Routes() []*Route {
	routes := make([]*Route, len(t.routes))
	copy(routes, t.routes)
	return routes
}

// match checks the pattern against pre-split path parts.
func (r *Route) match(parts []string) (map[string]string, bool) {
	if r.wildcard {
		if len(parts) < len(r.segments) {
			return nil, false
		}
	} else if len(parts) != len(r.segments) {
		return nil, false
	}

	var params map[string]string
	for i, seg := range r.segments {
		if seg.param != "" {
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}

	return params, true
}

// splitPath splits a request path into segments, ignoring empty ones
// from duplicate or trailing slashes.
func splitPath(path string) []string {
	raw := strings.Split(strings.Trim(path, "/"), "/")
	parts := raw[:0]
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
