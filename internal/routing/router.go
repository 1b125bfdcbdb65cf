package routing

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Route binds a path prefix to an operation label and the limiter guarding it.
type Route struct {
	ID      string // operation label, e.g. "getAllUsers"
	Limiter string // limiter name, e.g. "userApi"
	Methods map[string]struct{}
	Prefix  string
	UpUrl   *url.URL
	Timeout time.Duration // upstream timeout

	// AdmissionTimeout overrides the limiter's wait for this route when set.
	AdmissionTimeout *time.Duration
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the first route whose method set and path prefix match.
// Routes are tried in the order they were added.
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if _, ok := rt.Methods[m]; !ok {
			continue
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
		if prefix == "" {
			return rt, true
		}

		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
