package session

import (
	"net/http"
	"path"
)

// DefaultPublicRoutes are reachable without a credential
var DefaultPublicRoutes = []string{
	"/auth/login",
	"/health",
}

// RouteList is a static allow-list of public request paths.
// Patterns use path.Match syntax.
type RouteList struct {
	patterns []string
}

// NewRouteList creates a RouteList from patterns
func NewRouteList(patterns ...string) RouteList {
	return RouteList{patterns: append([]string(nil), patterns...)}
}

// Public reports whether req targets a public route
func (l RouteList) Public(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	p := req.URL.Path
	if p == "" {
		p = "/"
	}
	for _, pattern := range l.patterns {
		if pattern == p {
			return true
		}
		if ok, err := path.Match(pattern, p); err == nil && ok {
			return true
		}
	}
	return false
}
