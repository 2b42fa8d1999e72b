package server

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomePending = "pending"
	// outcomeDeferred counts broadcasts put off while the node syncs.
	outcomeDeferred = "deferred"
	// outcomeBusy counts requests refused because the charm is in use.
	outcomeBusy = "busy"
)

var (
	registerOnce sync.Once

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "charmcards",
			Subsystem: "pipeline",
			Name:      "operations_total",
			Help:      "Operation outcomes by kind.",
		},
		[]string{"kind", "outcome"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "charmcards",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each successful pipeline stage.",
			Buckets:   []float64{.01, .1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)
	broadcastAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "charmcards",
			Subsystem: "broadcast",
			Name:      "attempts_total",
			Help:      "Transaction submissions by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	confirmationPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "charmcards",
			Subsystem: "watcher",
			Name:      "polls_total",
			Help:      "Transaction status queries by result.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(operations, stageDuration, broadcastAttempts, confirmationPolls)
	})
}

func RecordOperation(kind, outcome string) {
	RegisterMetrics()
	operations.WithLabelValues(kind, outcome).Inc()
}

func ObserveStage(stage string, d time.Duration) {
	RegisterMetrics()
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordBroadcastAttempt matches broadcast.Config.OnAttempt.
func RecordBroadcastAttempt(method, outcome string) {
	RegisterMetrics()
	broadcastAttempts.WithLabelValues(method, outcome).Inc()
}

// RecordConfirmationPoll matches chainwatcher.Watcher.OnPoll.
func RecordConfirmationPoll(result string) {
	RegisterMetrics()
	confirmationPolls.WithLabelValues(result).Inc()
}
