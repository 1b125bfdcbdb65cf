package obs

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type ctxKey int

const keyRID ctxKey = 0

// HeaderRequestID carries the correlation id on requests and responses.
const HeaderRequestID = "X-Request-ID"

func SetupLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)

	return logger
}

// Logger returns a middleware that puts logger into the request context,
// enriched with client details. The per-call record itself is written by the
// Tracer when the call's span ends.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return hlog.NewHandler(logger)(
			hlog.RemoteAddrHandler("remote")(
				hlog.UserAgentHandler("ua")(
					hlog.RefererHandler("referer")(next),
				),
			),
		)
	}
}

func WithReqID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRID, id)
}

func ReqIDFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(keyRID)
	if v == nil {
		return "", false
	}

	s, ok := v.(string)
	return s, ok
}
