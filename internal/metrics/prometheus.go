package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UsageReports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meridian_usage_reports_total",
		Help: "Total usage report batches received from nodes",
	})

	UsageReportRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_usage_report_rows_total",
		Help: "Usage report rows by outcome",
	}, []string{"outcome"})

	ChargedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meridian_charged_bytes_total",
		Help: "Total bytes charged to users after coefficient weighting",
	})

	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meridian_version_conflicts_total",
		Help: "Optimistic-concurrency conflicts resolved by retry",
	})

	VersionConflictExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meridian_version_conflicts_exhausted_total",
		Help: "Guarded updates that exhausted their retry budget",
	})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_user_status_transitions_total",
		Help: "User status transitions by origin and target status",
	}, []string{"from", "to"})

	SweepResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meridian_sweep_resets_total",
		Help: "Usage counters zeroed by the reset sweep",
	})

	SweepDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meridian_sweep_deletes_total",
		Help: "Users purged by the autodelete sweep",
	})

	UsersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meridian_users",
		Help: "Current number of users by status",
	}, []string{"status"})

	NodesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_nodes_connected",
		Help: "Current number of connected nodes",
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_online_users",
		Help: "Users seen online within the presence window",
	})

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meridian_ingest_duration_seconds",
		Help:    "Time to process one usage report batch",
		Buckets: prometheus.DefBuckets,
	})

	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_stream_clients",
		Help: "Current number of live event stream clients",
	})
)

func IncReportRow(outcome string) {
	label := strings.TrimSpace(outcome)
	if label == "" {
		label = "unknown"
	}
	UsageReportRows.WithLabelValues(label).Inc()
}

func AddChargedBytes(n int64) {
	if n > 0 {
		ChargedBytes.Add(float64(n))
	}
}

func IncStatusTransition(from, to string) {
	StatusTransitions.WithLabelValues(from, to).Inc()
}

func SetUsersByStatus(status string, count int64) {
	if count < 0 {
		count = 0
	}
	UsersByStatus.WithLabelValues(status).Set(float64(count))
}

func SetNodesConnected(count int64) {
	if count < 0 {
		count = 0
	}
	NodesConnected.Set(float64(count))
}

func SetOnlineUsers(count int64) {
	if count < 0 {
		count = 0
	}
	OnlineUsers.Set(float64(count))
}

func ObserveIngestDuration(duration time.Duration) {
	IngestDuration.Observe(duration.Seconds())
}

func SetStreamClients(count int) {
	if count < 0 {
		count = 0
	}
	StreamClients.Set(float64(count))
}
