package metrics

import (
	"net/http"
	"time"

	"github.com/kiwari-pos/dispatch/internal/transition"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dispatch"

// Recorder exposes transition session metrics.
type Recorder struct {
	submissions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	sessions    prometheus.Gauge
}

// NewRecorder registers the collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_submissions_total",
			Help:      "Status transition submissions by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_update_duration_seconds",
			Help:      "Time spent waiting for the order update call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Transition sessions currently open.",
		}),
	}
	reg.MustRegister(r.submissions, r.duration, r.sessions)
	return r
}

// ObserveSubmit implements transition.Observer. Local validation failures
// never reach the network, so they are counted but not timed.
func (r *Recorder) ObserveSubmit(outcome transition.Outcome, elapsed time.Duration) {
	r.submissions.WithLabelValues(string(outcome)).Inc()
	if outcome != transition.OutcomeInvalid {
		r.duration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
	}
}

func (r *Recorder) SessionOpened() { r.sessions.Inc() }
func (r *Recorder) SessionClosed() { r.sessions.Dec() }

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
