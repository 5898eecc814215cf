package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics registry and standard meters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	BytesProcessed    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	// Pipeline meters.
	SessionsActive prometheus.Gauge
	ChunksWritten  prometheus.Counter
	LedgerRetries  prometheus.Counter
	PoolInUse      *prometheus.GaugeVec
	CacheFallbacks *prometheus.CounterVec
}

// NewMetrics creates a custom Prometheus registry with standard vault metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_operation_duration_seconds",
		Help:    "Duration of operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_operation_total",
		Help: "Total number of operations.",
	}, []string{"operation", "status"})

	bytesProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_bytes_processed_total",
		Help: "Total bytes processed.",
	}, []string{"direction"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_errors_total",
		Help: "Total number of errors.",
	}, []string{"operation", "type"})

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vault_upload_sessions_active",
		Help: "Upload sessions currently being written to the ledger.",
	})

	chunksWritten := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_chunks_written_total",
		Help: "Chunk entities persisted to the ledger.",
	})

	ledgerRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_ledger_retries_total",
		Help: "Retried ledger calls.",
	})

	poolInUse := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_ledger_pool_in_use",
		Help: "Ledger client handles currently checked out.",
	}, []string{"kind"})

	cacheFallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_cache_fallbacks_total",
		Help: "Operations that fell back from the external cache to memory.",
	}, []string{"cache"})

	reg.MustRegister(opDuration, opTotal, bytesProcessed, errorsTotal,
		sessionsActive, chunksWritten, ledgerRetries, poolInUse, cacheFallbacks)

	return &Metrics{
		Registry:          reg,
		OperationDuration: opDuration,
		OperationTotal:    opTotal,
		BytesProcessed:    bytesProcessed,
		ErrorsTotal:       errorsTotal,
		SessionsActive:    sessionsActive,
		ChunksWritten:     chunksWritten,
		LedgerRetries:     ledgerRetries,
		PoolInUse:         poolInUse,
		CacheFallbacks:    cacheFallbacks,
	}
}
