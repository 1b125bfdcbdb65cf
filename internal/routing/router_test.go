package routing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func methods(ms ...string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, m := range ms {
		out[m] = struct{}{}
	}
	return out
}

func TestRouter_Match(t *testing.T) {
	rr := New()
	deactivate := &Route{ID: "deactivateUser", Limiter: "userApi", Methods: methods("PATCH"), Prefix: "/api/v1/users/"}
	list := &Route{ID: "getAllUsers", Limiter: "userApi", Methods: methods("GET"), Prefix: "/api/v1/users"}
	rr.Add(deactivate)
	rr.Add(list)

	tests := []struct {
		method, path string
		want         *Route
	}{
		{"GET", "/api/v1/users", list},
		{"get", "/api/v1/users/42", list},
		{"PATCH", "/api/v1/users/42/deactivate", deactivate},
		{"GET", "/api/v1/usersx", nil},
		{"DELETE", "/api/v1/users/1", nil},
	}
	for _, tt := range tests {
		got, ok := rr.Match(tt.method, tt.path)
		if tt.want == nil {
			assert.False(t, ok, "%s %s", tt.method, tt.path)
			continue
		}
		require.True(t, ok, "%s %s", tt.method, tt.path)
		assert.Same(t, tt.want, got)
	}
}

func TestRouter_RootPrefixMatchesEverything(t *testing.T) {
	rr := New()
	rr.Add(&Route{ID: "all", Methods: methods("GET"), Prefix: "/"})

	_, ok := rr.Match("GET", "/anything/at/all")
	assert.True(t, ok)
}

func TestRouteContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := RouteFrom(r)
	assert.False(t, ok)

	rt := &Route{ID: "getUser"}
	got, ok := RouteFrom(WithRoute(r, rt))
	require.True(t, ok)
	assert.Same(t, rt, got)
}
