package obs

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/admitgate/internal/ratelimit"
)

type Metrics struct {
	reg prometheus.Registerer

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	AdmissionWait   *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admitgate_requests_total",
				Help: "Total guarded calls by outcome",
			},
			[]string{"op", "limiter", "method", "result", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "admitgate_request_duration_seconds",
				Help:    "Guarded call duration in seconds, admission wait included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op", "method"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admitgate_rate_limited_total",
				Help: "Total calls rejected by a limiter",
			},
			[]string{"limiter"},
		),
		AdmissionWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "admitgate_admission_wait_seconds",
				Help:    "Time callers spent queued for a permit",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"limiter"},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.RateLimited, m.AdmissionWait)
	return m
}

// TrackLimiters exports queue depth and remaining permits of every limiter
// registered so far.
func (m *Metrics) TrackLimiters(limiters *ratelimit.Registry) error {
	for _, name := range limiters.Names() {
		l, err := limiters.Get(name)
		if err != nil {
			return err
		}
		labels := prometheus.Labels{"limiter": name}
		waiting := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "admitgate_limiter_waiting",
			Help:        "Callers queued for a permit",
			ConstLabels: labels,
		}, func() float64 { return float64(l.Waiting()) })
		remaining := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "admitgate_limiter_permits_remaining",
			Help:        "Permits left in the current window",
			ConstLabels: labels,
		}, func() float64 { return float64(l.Remaining()) })
		if err := m.reg.Register(waiting); err != nil {
			return err
		}
		if err := m.reg.Register(remaining); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observe(s *Span) {
	out := s.Outcome
	m.RequestsTotal.WithLabelValues(s.Op, s.Limiter, s.Method, string(out.Result), strconv.Itoa(out.Status)).Inc()
	m.RequestDuration.WithLabelValues(s.Op, s.Method).Observe(s.Duration.Seconds())
	if out.Result == ResultRejected {
		m.RateLimited.WithLabelValues(s.Limiter).Inc()
	}
	if out.Waited > 0 {
		m.AdmissionWait.WithLabelValues(s.Limiter).Observe(out.Waited.Seconds())
	}
}
