package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	canFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thingset",
			Subsystem: "can",
			Name:      "frames_total",
			Help:      "ThingSet CAN frames by direction and kind.",
		},
		[]string{"direction", "kind"},
	)
	droppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thingset",
			Subsystem: "isotp",
			Name:      "dropped_frames_total",
			Help:      "Received frames discarded by the segmented transport.",
		},
		[]string{"reason"},
	)
	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thingset",
			Subsystem: "isotp",
			Name:      "transfers_total",
			Help:      "Segmented transport transfers by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thingset",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Client requests by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "thingset",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Time from sending a request to its response or timeout.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.5},
		},
		[]string{"op"},
	)
	discarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thingset",
			Subsystem: "client",
			Name:      "discarded_messages_total",
			Help:      "Messages discarded by the receive loop.",
		},
		[]string{"reason"},
	)
	publications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thingset",
			Subsystem: "client",
			Name:      "publications_total",
			Help:      "Accepted publication updates by source address.",
		},
		[]string{"source"},
	)
)

// RegisterMetrics registers all collectors with the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(canFrames, droppedFrames, transfers, requests, requestDuration, discarded, publications)
	})
}

// RecordFrame counts one frame; direction is "rx" or "tx".
func RecordFrame(direction, kind string) {
	RegisterMetrics()
	canFrames.WithLabelValues(direction, kind).Inc()
}

func RecordDroppedFrame(reason string) {
	RegisterMetrics()
	droppedFrames.WithLabelValues(reason).Inc()
}

func RecordTransfer(direction, outcome string) {
	RegisterMetrics()
	transfers.WithLabelValues(direction, outcome).Inc()
}

func RecordRequest(op, outcome string, duration time.Duration) {
	RegisterMetrics()
	requests.WithLabelValues(op, outcome).Inc()
	requestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordDiscarded(reason string) {
	RegisterMetrics()
	discarded.WithLabelValues(reason).Inc()
}

func RecordPublication(source string) {
	RegisterMetrics()
	publications.WithLabelValues(source).Inc()
}

// Collectors exposed for tests.
func DroppedFrames() *prometheus.CounterVec { return droppedFrames }
func Requests() *prometheus.CounterVec      { return requests }
func Discarded() *prometheus.CounterVec     { return discarded }
