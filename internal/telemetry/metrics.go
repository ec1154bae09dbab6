package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	confirmationsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worknode_confirmations_issued_total",
		Help: "Confirmations issued by change type",
	}, []string{"change_type"})

	applyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worknode_apply_total",
		Help: "Apply attempts by protocol and result",
	}, []string{"protocol", "result"})

	applyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worknode_apply_duration_seconds",
		Help:    "Apply duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"protocol"})

	cascadeUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worknode_cascade_updates_total",
		Help: "Descendant status updates written by cascades",
	})

	consumeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worknode_consume_failures_total",
		Help: "Confirmations left unconsumed after a committed mutation",
	})
)

// issuedCounter is created once against the global meter, which forwards to
// whatever provider Init installs later.
var issuedCounter = mustInt64Counter(Meter("worknode/engine"), "worknode.confirmations.issued",
	"Confirmations issued by change type")

func mustInt64Counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		panic(err)
	}
	return c
}

// ConfirmationIssued counts one issued Confirmation.
func ConfirmationIssued(ctx context.Context, changeType string) {
	confirmationsIssued.WithLabelValues(changeType).Inc()
	issuedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("change_type", changeType)))
}

// ObserveApply records the outcome and latency of one apply call.
func ObserveApply(protocol, result string, started time.Time) {
	applyTotal.WithLabelValues(protocol, result).Inc()
	applyDuration.WithLabelValues(protocol).Observe(time.Since(started).Seconds())
}

func CascadeUpdated(n int) {
	cascadeUpdates.Add(float64(n))
}

func ConsumeFailed() {
	consumeFailures.Inc()
}
