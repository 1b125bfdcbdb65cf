package gateway

import (
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/admitgate/internal/routing"
)

func RouteMatcher(rr *routing.Router, skip map[string]struct{}) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			rt, ok := rr.Match(r.Method, r.URL.Path)
			if !ok {
				hlog.FromRequest(r).Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("routes", len(rr.Routes())).
					Msg("no matching route")
				writeJSON(w, http.StatusNotFound, "no_route", "no matching route")
				return
			}

			next.ServeHTTP(w, routing.WithRoute(r, rt))
		})
	}
}
