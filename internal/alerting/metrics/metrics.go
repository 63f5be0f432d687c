package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ingested messages by outcome: acked, rejected, failed
	IngestedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_ingested_messages_total",
			Help: "Queue messages handled by the ingestion consumer, by outcome",
		},
		[]string{"outcome"},
	)

	Evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_evaluations_total",
			Help: "Threshold evaluations, by resulting condition",
		},
		[]string{"condition"},
	)

	AlarmsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorwatch_alarms_created_total",
			Help: "Alarm entities minted",
		},
	)

	NoticesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_notices_dispatched_total",
			Help: "Outbound notification commands published, by notice and channel",
		},
		[]string{"notice", "channel"},
	)

	DispatchSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_dispatch_skipped_total",
			Help: "Recipients skipped for lack of a contact field, by channel",
		},
		[]string{"channel"},
	)

	ReconciledRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_reconciled_records_total",
			Help: "Notification monitors visited by the escalation loop, by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorwatch_reconcile_pass_duration_seconds",
			Help:    "Duration of one escalation reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)
)
