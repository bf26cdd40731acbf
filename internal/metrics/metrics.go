package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	IngestRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_ingest_requests_total",
			Help: "Ingress API push requests by outcome.",
		},
		[]string{"outcome"},
	)

	GateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_gate_decisions_total",
			Help: "Throttle/dead-zone gate decisions.",
		},
		[]string{"decision"},
	)

	DirectWriteFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_direct_write_fallback_total",
			Help: "Times the ingress path wrote directly to the store because the event log was unreachable.",
		},
		[]string{"outcome"},
	)

	EventBusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_eventbus_messages_total",
			Help: "Messages produced or consumed on the event log bus.",
		},
		[]string{"pipeline", "topic", "direction"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetryhub_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"pipeline", "op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_db_rows_affected_total",
			Help: "DB rows written, upserted, or deleted.",
		},
		[]string{"pipeline", "table", "op"},
	)

	DedupConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_dedup_conflicts_total",
			Help: "Dedup hits (ON CONFLICT DO NOTHING skips).",
		},
		[]string{"table"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_parse_errors_total",
			Help: "Parse/validation failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telemetryhub_batch_size",
			Help:    "Batch sizes flushed to the store.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"pipeline"},
	)

	RetentionPurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_retention_purged_total",
			Help: "Rows purged by the retention sweep.",
		},
		[]string{"table"},
	)

	BrokerSessionsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetryhub_broker_sessions",
			Help: "Currently connected subscription-broker sessions.",
		},
		[]string{"kind"},
	)

	BrokerRoomsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetryhub_broker_rooms",
			Help: "Currently active subscription-broker rooms.",
		},
		[]string{},
	)

	BrokerDroppedSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_broker_dropped_sends_total",
			Help: "Messages dropped because a session's send buffer or the hub's broadcast queue was full.",
		},
		[]string{"room_kind"},
	)

	CacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryhub_cache_ops_total",
			Help: "Hot cache operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)
)

func Register() {
	prometheus.MustRegister(
		IngestRequestsTotal,
		GateDecisionsTotal,
		DirectWriteFallbackTotal,
		EventBusMessagesTotal,
		DBWriteDuration,
		DBRowsAffectedTotal,
		DedupConflictsTotal,
		ParseErrorsTotal,
		BatchSize,
		RetentionPurgedTotal,
		BrokerSessionsGauge,
		BrokerRoomsGauge,
		BrokerDroppedSendsTotal,
		CacheOpsTotal,
	)
}
