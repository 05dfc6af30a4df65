package quictpu

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SendOutcomeCounter counts per-leader send attempts by result
// ("delivered" / "failed") and, on failure, the classified error code.
// Follows the teacher's dedup-tolerant registration pattern so this
// package can be imported more than once in a test binary without
// panicking.
var SendOutcomeCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fastlane_send_outcomes_total",
		Help: "Total number of per-leader TPU send attempts, labeled by result and error code.",
	},
	[]string{"result", "error_code"},
)

// SendLatencyHistogram observes wall-clock latency of one fan-out send
// call (SendToLeaders), in seconds.
var SendLatencyHistogram = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "fastlane_send_latency_seconds",
		Help:    "Latency of a single fan-out send call across all targeted leaders.",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	for _, c := range []prometheus.Collector{SendOutcomeCounter, SendLatencyHistogram} {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

func recordLeaderResult(r LeaderDeliveryResult) {
	if r.Success {
		SendOutcomeCounter.WithLabelValues("delivered", "").Inc()
		return
	}
	SendOutcomeCounter.WithLabelValues("failed", r.Error).Inc()
}
