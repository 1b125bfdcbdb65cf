package gateway

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/AlexKimmel/admitgate/internal/guard"
	"github.com/AlexKimmel/admitgate/internal/obs"
	"github.com/AlexKimmel/admitgate/internal/ratelimit"
	"github.com/AlexKimmel/admitgate/internal/routing"
)

// upstreamStatus marks a 5xx written by the guarded handler, so the call is
// recorded as failed. The response has already been written.
type upstreamStatus int

func (s upstreamStatus) Error() string   { return "upstream status " + strconv.Itoa(int(s)) }
func (s upstreamStatus) StatusCode() int { return int(s) }

// Admission runs the rest of the chain as the guarded operation of the
// matched route's limiter. A rejected call gets a 429 with Retry-After and the
// handler behind it is not invoked.
func Admission(g *guard.Guard, skipPaths map[string]struct{}) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			rt, ok := routing.RouteFrom(r)
			if !ok || rt == nil {
				writeJSON(w, http.StatusInternalServerError, "no_route_ctx", "route not in context")
				return
			}

			opts := []guard.CallOption{
				guard.WithOperation(rt.ID),
				guard.WithRequest(r.Method, r.URL.Path),
			}
			if rt.AdmissionTimeout != nil {
				opts = append(opts, guard.WithTimeout(*rt.AdmissionTimeout))
			}

			_, err := guard.Do(r.Context(), g, rt.Limiter, func(ctx context.Context) (*statusRecorder, error) {
				if id, ok := obs.ReqIDFrom(ctx); ok {
					w.Header().Set(obs.HeaderRequestID, id)
				}
				rec := &statusRecorder{ResponseWriter: w}
				next.ServeHTTP(rec, r.WithContext(ctx))
				if rec.Status() >= http.StatusInternalServerError {
					return rec, upstreamStatus(rec.Status())
				}
				return rec, nil
			}, opts...)

			var exceeded *ratelimit.ExceededError
			var upstream upstreamStatus
			switch {
			case err == nil, errors.As(err, &upstream):
			case errors.As(err, &exceeded):
				writeRejection(w, exceeded)
			case errors.Is(err, ratelimit.ErrUnknownLimiter):
				writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				writeJSON(w, http.StatusServiceUnavailable, "admission_cancelled", "request cancelled while waiting for capacity")
			default:
				// the handler wrote its own response
			}
		})
	}
}

func writeRejection(w http.ResponseWriter, e *ratelimit.ExceededError) {
	h := w.Header()
	h.Set("Retry-After", itoa64(ceilSeconds(e.RetryAfter)))
	if e.Limit > 0 {
		h.Set("X-RateLimit-Limit", itoa(e.Limit))
		h.Set("X-RateLimit-Remaining", "0")
		h.Set("X-RateLimit-Reset", itoa64(ceilSeconds(e.ResetAfter)))
	}
	if e.RequestID != "" {
		h.Set(obs.HeaderRequestID, e.RequestID)
	}
	writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
}

// ceilSeconds rounds up so a sub-second wait is never advertised as 0.
func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

func itoa(i int) string     { return fmtInt(int64(i)) }
func itoa64(i int64) string { return fmtInt(i) }

func fmtInt(i int64) string {
	var buf [32]byte
	return string(strconv.AppendInt(buf[:0], i, 10))
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
