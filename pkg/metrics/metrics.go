package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation metrics
	PassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastille_passes_total",
			Help: "Total number of reconciliation passes by result",
		},
		[]string{"result"},
	)

	PassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastille_pass_duration_seconds",
			Help:    "Reconciliation pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ChangesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastille_changes_applied_total",
			Help: "Total number of changes applied by step",
		},
		[]string{"step"},
	)

	ValidationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastille_validation_failures_total",
			Help: "Total number of validation failures by kind",
		},
		[]string{"kind"},
	)

	DriftDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastille_drift_detected_total",
			Help: "Total number of drift detections by kind",
		},
		[]string{"kind"},
	)

	// Secret metrics
	SecretsGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastille_secrets_generated_total",
			Help: "Total number of secrets generated",
		},
	)

	// Migration metrics
	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastille_migrations_total",
			Help: "Total number of volume migrations by result",
		},
		[]string{"result"},
	)

	MigrationBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastille_migration_bytes_total",
			Help: "Total bytes of volume data migrated",
		},
	)
)

func init() {
	prometheus.MustRegister(PassesTotal)
	prometheus.MustRegister(PassDuration)
	prometheus.MustRegister(ChangesApplied)
	prometheus.MustRegister(ValidationFailures)
	prometheus.MustRegister(DriftDetected)
	prometheus.MustRegister(SecretsGenerated)
	prometheus.MustRegister(MigrationsTotal)
	prometheus.MustRegister(MigrationBytes)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
