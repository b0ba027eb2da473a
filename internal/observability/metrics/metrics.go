// Package metrics provides Prometheus instrumentation for veriflow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled     bool
	serviceName string

	// HTTP metrics
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	// Ledger metrics
	tokensMintedTotal   prometheus.Counter
	tokensRedeemedTotal prometheus.Counter
	transfersTotal      *prometheus.CounterVec

	// Marketplace metrics
	datasetListTotal     *prometheus.CounterVec
	datasetPurchaseTotal *prometheus.CounterVec

	// Payments metrics
	paymentsTotal *prometheus.CounterVec
	escrowsTotal  *prometheus.CounterVec

	// Verification metrics
	verificationsTotal *prometheus.CounterVec
)

// Init initializes the metrics system.
func Init(enabledFlag bool, svcName string) {
	enabled = enabledFlag
	serviceName = svcName

	if !enabled {
		return
	}

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	tokensMintedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_tokens_minted_total",
		Help: "Total tokens minted, in base units",
	})

	tokensRedeemedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_tokens_redeemed_total",
		Help: "Total tokens redeemed, in base units",
	})

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transfers_total",
			Help: "Total number of token transfers",
		},
		[]string{"status"},
	)

	datasetListTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_dataset_list_total",
			Help: "Total number of dataset listings",
		},
		[]string{"status"},
	)

	datasetPurchaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketplace_dataset_purchase_total",
			Help: "Total number of dataset purchases",
		},
		[]string{"status"},
	)

	paymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_processed_total",
			Help: "Total number of processed payments",
		},
		[]string{"kind", "status"},
	)

	escrowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_escrow_total",
			Help: "Total number of escrow transitions",
		},
		[]string{"action", "status"},
	)

	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_submissions_total",
			Help: "Total number of verification submissions",
		},
		[]string{"kind", "status"},
	)

	// Go runtime metrics are collected by prometheus/client_golang
	// automatically.
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	if !enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.Handler()
}

// Enabled returns whether metrics are enabled.
func Enabled() bool {
	return enabled
}

// ServiceName returns the configured service name for metric labels.
func ServiceName() string {
	return serviceName
}

// RecordMint adds minted tokens to the ledger counter.
func RecordMint(tokens int64) {
	if enabled && tokens > 0 {
		tokensMintedTotal.Add(float64(tokens))
	}
}

// RecordRedeem adds redeemed tokens to the ledger counter.
func RecordRedeem(tokens int64) {
	if enabled && tokens > 0 {
		tokensRedeemedTotal.Add(float64(tokens))
	}
}

// RecordTransfer counts a transfer attempt.
func RecordTransfer(status string) {
	if enabled {
		transfersTotal.WithLabelValues(status).Inc()
	}
}

// RecordDatasetList counts a dataset listing attempt.
func RecordDatasetList(status string) {
	if enabled {
		datasetListTotal.WithLabelValues(status).Inc()
	}
}

// RecordDatasetPurchase counts a dataset purchase attempt.
func RecordDatasetPurchase(status string) {
	if enabled {
		datasetPurchaseTotal.WithLabelValues(status).Inc()
	}
}

// RecordPayment counts a payment by kind ("direct" or "escrow").
func RecordPayment(kind, status string) {
	if enabled {
		paymentsTotal.WithLabelValues(kind, status).Inc()
	}
}

// RecordEscrow counts an escrow transition ("release" or "refund").
func RecordEscrow(action, status string) {
	if enabled {
		escrowsTotal.WithLabelValues(action, status).Inc()
	}
}

// RecordVerification counts a verification submission by kind.
func RecordVerification(kind, status string) {
	if enabled {
		verificationsTotal.WithLabelValues(kind, status).Inc()
	}
}
