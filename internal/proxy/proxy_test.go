package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/admitgate/internal/obs"
	"github.com/AlexKimmel/admitgate/internal/routing"
)

func routedRequest(t *testing.T, upstream string, timeout time.Duration) *http.Request {
	t.Helper()
	u, err := url.Parse(upstream)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "http://gateway/api/v1/users?page=1", nil)
	return routing.WithRoute(r, &routing.Route{ID: "getAllUsers", UpUrl: u, Timeout: timeout})
}

func TestHandler_ForwardsRequestID(t *testing.T) {
	var gotID, gotPath, gotQuery string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get(obs.HeaderRequestID)
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, "[]")
	}))
	defer up.Close()

	r := routedRequest(t, up.URL, time.Second)
	r = r.WithContext(obs.WithReqID(r.Context(), "rid-42"))
	w := httptest.NewRecorder()
	Handler(NewHTTPTransport()).ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())
	assert.Equal(t, "rid-42", gotID)
	assert.Equal(t, "/api/v1/users", gotPath)
	assert.Equal(t, "page=1", gotQuery)
}

func TestHandler_UpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer up.Close()
	defer close(release)

	w := httptest.NewRecorder()
	Handler(NewHTTPTransport()).ServeHTTP(w, routedRequest(t, up.URL, 20*time.Millisecond))

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestHandler_NoRoute(t *testing.T) {
	w := httptest.NewRecorder()
	Handler(NewHTTPTransport()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
