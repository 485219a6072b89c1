// Package metrics exposes reward batch metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "powreward"

// Recorder collects batch outcomes. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry     *prometheus.Registry
	results      *prometheus.CounterVec
	failures     *prometheus.CounterVec
	amount       *prometheus.CounterVec
	batchSeconds prometheus.Histogram
	participants prometheus.Gauge
	lastBatch    prometheus.Gauge
	now          func() time.Time
}

// NewRecorder creates a Recorder with its own registry, including Go runtime and process collectors
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Persisted participant results by outcome.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Participants without a persisted result by failure kind.",
		}, []string{"kind"}),
		amount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_amount_total",
			Help:      "Sum of persisted reward amounts, and of balances left after slashing.",
		}, []string{"outcome"}),
		batchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of a batch run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_participants",
			Help:      "Participants listed by the most recent batch.",
		}),
		lastBatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_batch_timestamp_seconds",
			Help:      "Unix time the most recent batch finished.",
		}),
		now: time.Now,
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.results,
		r.failures,
		r.amount,
		r.batchSeconds,
		r.participants,
		r.lastBatch,
	)
	return r
}

func outcome(slashed bool) string {
	if slashed {
		return "slashed"
	}
	return "rewarded"
}

// ObserveResult counts one persisted result
func (r *Recorder) ObserveResult(slashed bool, amount float64) {
	if r == nil {
		return
	}
	r.results.WithLabelValues(outcome(slashed)).Inc()
	if amount > 0 {
		r.amount.WithLabelValues(outcome(slashed)).Add(amount)
	}
}

// ObserveFailure counts one failed participant
func (r *Recorder) ObserveFailure(kind string) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(kind).Inc()
}

// ObserveBatch records a finished batch
func (r *Recorder) ObserveBatch(participants int, duration time.Duration) {
	if r == nil {
		return
	}
	r.batchSeconds.Observe(duration.Seconds())
	r.participants.Set(float64(participants))
	r.lastBatch.Set(float64(r.now().Unix()))
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
