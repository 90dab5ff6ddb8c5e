package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certifychain_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// CertificateVerifications counts verification lookups by outcome (valid|invalid|not_found).
	CertificateVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certifychain_certificate_verifications_total",
			Help: "Total number of certificate verification attempts",
		},
		[]string{"status"},
	)

	// CertificatesIssued counts newly issued certificates.
	CertificatesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "certifychain_certificates_issued_total",
			Help: "Total number of certificates issued",
		},
	)

	// ExportsGenerated counts export files produced by type and format.
	ExportsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certifychain_exports_generated_total",
			Help: "Total number of export files generated",
		},
		[]string{"type", "format"},
	)

	// ActiveSessions tracks live (not expired or logged-out) sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "certifychain_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "certifychain_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
