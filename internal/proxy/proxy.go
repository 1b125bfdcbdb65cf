package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/admitgate/internal/obs"
	"github.com/AlexKimmel/admitgate/internal/routing"
)

func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Handler proxies to the upstream of the matched route. It is the operation
// the admission middleware guards, so it runs only for admitted calls.
func Handler(tr http.RoundTripper) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, ok := routing.RouteFrom(r)
		if !ok || rt.UpUrl == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"code":"no_route_ctx","message":"route not in context"}}`))
			return
		}

		proxy := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(rt.UpUrl)
				pr.SetXForwarded()
				pr.Out.Host = pr.In.Host
				if id, ok := obs.ReqIDFrom(pr.In.Context()); ok {
					pr.Out.Header.Set(obs.HeaderRequestID, id)
				}
			},
			Transport: tr,
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				code := http.StatusBadGateway
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
					code = http.StatusGatewayTimeout
				}
				zerolog.Ctx(r.Context()).Warn().Err(err).Str("upstream", rt.UpUrl.Host).Msg("proxy error")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(code)
				_, _ = w.Write([]byte(`{"error":{"code":"upstream_error","message":"upstream unavailable"}}`))
			},
		}
		// per-route timeout
		if rt.Timeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), rt.Timeout)
			defer cancel()
			r = r.WithContext(ctx)
		}
		proxy.ServeHTTP(w, r)
	})
}
