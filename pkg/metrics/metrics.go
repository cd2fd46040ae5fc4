// Package metrics registers the Prometheus collectors exposed at /metrics,
// grounded on the corpus's use of github.com/prometheus/client_golang for
// control-plane observability (istio's pilot binds equivalent collectors
// for xDS push counts and connected-proxy gauges; these mirror that shape
// for sync connections, fan-out, and ack/awareness bookkeeping).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric the orchestrator updates, registered
// once at startup against a single prometheus.Registerer.
type Collectors struct {
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec

	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec

	DeltasApplied      prometheus.Counter
	BatchFlushDuration prometheus.Histogram
	BatchFieldsFlushed prometheus.Histogram

	AckPending prometheus.Gauge
	AckDropped prometheus.Counter
	AckRetries prometheus.Counter

	AwarenessActiveEntries prometheus.Gauge
	DocumentsResident      prometheus.Gauge
}

// New builds and registers every collector against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncmesh", Name: "connections_active", Help: "Currently open client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncmesh", Name: "connections_total", Help: "Total connections accepted since startup.",
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncmesh", Name: "connections_rejected_total", Help: "Connections rejected, by reason.",
		}, []string{"reason"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncmesh", Name: "messages_received_total", Help: "Inbound messages, by type.",
		}, []string{"type"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncmesh", Name: "messages_dropped_total", Help: "Inbound messages dropped, by reason.",
		}, []string{"reason"}),
		DeltasApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncmesh", Name: "deltas_applied_total", Help: "Deltas successfully applied to documents.",
		}),
		BatchFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "syncmesh", Name: "batch_flush_window_seconds", Help: "Observed batch window duration before flush.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchFieldsFlushed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "syncmesh", Name: "batch_fields_flushed", Help: "Number of fields coalesced per flushed batch.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		AckPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncmesh", Name: "ack_pending", Help: "Messages currently awaiting acknowledgement.",
		}),
		AckDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncmesh", Name: "ack_dropped_total", Help: "Messages abandoned after exhausting retries.",
		}),
		AckRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncmesh", Name: "ack_retries_total", Help: "Retry attempts issued by the ack tracker.",
		}),
		AwarenessActiveEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncmesh", Name: "awareness_active_entries", Help: "Total live awareness entries across all documents.",
		}),
		DocumentsResident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncmesh", Name: "documents_resident", Help: "Documents currently cached in memory.",
		}),
	}

	reg.MustRegister(
		c.ConnectionsActive, c.ConnectionsTotal, c.ConnectionsRejected,
		c.MessagesReceived, c.MessagesDropped,
		c.DeltasApplied, c.BatchFlushDuration, c.BatchFieldsFlushed,
		c.AckPending, c.AckDropped, c.AckRetries,
		c.AwarenessActiveEntries, c.DocumentsResident,
	)
	return c
}
