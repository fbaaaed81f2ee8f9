package observer

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exports session metrics through a Prometheus registry.
type PrometheusRecorder struct {
	active   *prometheus.GaugeVec
	started  *prometheus.CounterVec
	ended    *prometheus.CounterVec
	lifetime *prometheus.HistogramVec
	compile  *prometheus.HistogramVec
	output   *prometheus.CounterVec
	rejected *prometheus.CounterVec
}

// NewPrometheusRecorder creates the collectors and registers them with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "polyrun",
			Name:      "sessions_active",
			Help:      "Sessions currently holding a capacity slot.",
		}, []string{"language"}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polyrun",
			Name:      "sessions_started_total",
			Help:      "Sessions admitted past the capacity check.",
		}, []string{"language"}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polyrun",
			Name:      "sessions_ended_total",
			Help:      "Sessions that terminated, by reason.",
		}, []string{"language", "reason"}),
		lifetime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "polyrun",
			Name:      "session_lifetime_seconds",
			Help:      "Time from session creation to termination.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"language"}),
		compile: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "polyrun",
			Name:      "compile_duration_seconds",
			Help:      "Duration of compile steps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"language", "ok"}),
		output: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polyrun",
			Name:      "output_bytes_total",
			Help:      "Bytes relayed from child processes.",
		}, []string{"language", "stream"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polyrun",
			Name:      "requests_rejected_total",
			Help:      "Session requests rejected, by error code.",
		}, []string{"code"}),
	}

	for _, c := range []prometheus.Collector{r.active, r.started, r.ended, r.lifetime, r.compile, r.output, r.rejected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) SessionStarted(language string) {
	r.started.WithLabelValues(language).Inc()
	r.active.WithLabelValues(language).Inc()
}

func (r *PrometheusRecorder) SessionEnded(language, reason string, lifetime time.Duration) {
	r.active.WithLabelValues(language).Dec()
	r.ended.WithLabelValues(language, reason).Inc()
	r.lifetime.WithLabelValues(language).Observe(lifetime.Seconds())
}

func (r *PrometheusRecorder) ObserveCompile(language string, ok bool, elapsed time.Duration) {
	r.compile.WithLabelValues(language, strconv.FormatBool(ok)).Observe(elapsed.Seconds())
}

func (r *PrometheusRecorder) ObserveOutput(language, stream string, n int) {
	r.output.WithLabelValues(language, stream).Add(float64(n))
}

func (r *PrometheusRecorder) ObserveRejected(code string) {
	r.rejected.WithLabelValues(code).Inc()
}
