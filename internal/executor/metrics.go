package executor

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values for request metrics.
const (
	outcomeOK          = "ok"
	outcomeError       = "error"
	outcomeTimeout     = "timeout"
	outcomeCancelled   = "cancelled"
	outcomeTerminated  = "terminated"
	outcomeUnavailable = "unavailable"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "petri_executor_requests_total",
			Help: "Total number of executor requests by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "petri_executor_request_duration_seconds",
			Help:    "Time from request issue to final response, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	activeExecutors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "petri_executor_active",
			Help: "Number of executors that have not been terminated.",
		},
	)

	generationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "petri_generations_total",
			Help: "Total number of generations computed by batch requests.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(activeExecutors)
	prometheus.MustRegister(generationsTotal)

	// Pre-initialize label combinations so they appear in /metrics from startup.
	for _, op := range []Kind{KindInitialize, KindStep, KindBatchStep} {
		for _, outcome := range []string{outcomeOK, outcomeError, outcomeTimeout, outcomeCancelled, outcomeTerminated, outcomeUnavailable} {
			requestsTotal.WithLabelValues(string(op), outcome)
		}
	}
}
