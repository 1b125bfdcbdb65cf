package obs

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/admitgate/internal/ratelimit"
)

func TestMetrics_TrackLimiters(t *testing.T) {
	limiters, err := ratelimit.NewRegistry(ratelimit.Config{LimitForPeriod: 3, LimitRefreshPeriod: time.Minute})
	require.NoError(t, err)
	l, err := limiters.Register("userApi")
	require.NoError(t, err)
	l.TryAcquire()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.TrackLimiters(limiters))

	expected := `
# HELP admitgate_limiter_permits_remaining Permits left in the current window
# TYPE admitgate_limiter_permits_remaining gauge
admitgate_limiter_permits_remaining{limiter="userApi"} 2
# HELP admitgate_limiter_waiting Callers queued for a permit
# TYPE admitgate_limiter_waiting gauge
admitgate_limiter_waiting{limiter="userApi"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"admitgate_limiter_permits_remaining", "admitgate_limiter_waiting"))
}
