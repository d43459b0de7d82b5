package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "medliq_"

	resultSuccess  = "success"
	resultError    = "error"
	resultConflict = "conflict"
)

var (
	registerOnce sync.Once

	settlementCreateTotal   *prometheus.CounterVec
	settlementCreateLatency *prometheus.HistogramVec
	settlementCloseTotal    *prometheus.CounterVec

	adjustmentTotal   *prometheus.CounterVec
	adjustmentLatency *prometheus.HistogramVec

	chargesGenerateTotal   *prometheus.CounterVec
	chargesGenerateLatency *prometheus.HistogramVec
	chargedAmount          *prometheus.CounterVec

	deductionsApplyTotal   *prometheus.CounterVec
	deductionsApplyLatency *prometheus.HistogramVec
	appliedAmount          prometheus.Counter

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec

	eventsPublished *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
)

// Init registers metrics and DB-backed gauges. Safe to call more than once.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		settlementCreateTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_create_total",
				Help: "Total settlement create operations by result",
			},
			[]string{"result"},
		)
		settlementCreateLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "settlement_create_latency_seconds",
				Help:    "Settlement create latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		settlementCloseTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_close_total",
				Help: "Total settlement close operations by result",
			},
			[]string{"result"},
		)

		adjustmentTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "adjustment_total",
				Help: "Total adjustment ledger operations by operation and result",
			},
			[]string{"op", "result"},
		)
		adjustmentLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "adjustment_latency_seconds",
				Help:    "Adjustment ledger latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op", "result"},
		)

		chargesGenerateTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "charges_generate_total",
				Help: "Total charge generation runs by concept type and result",
			},
			[]string{"concept_type", "result"},
		)
		chargesGenerateLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "charges_generate_latency_seconds",
				Help:    "Charge generation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"concept_type", "result"},
		)
		chargedAmount = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "charged_amount_total",
				Help: "Total amount charged by concept type",
			},
			[]string{"concept_type"},
		)

		deductionsApplyTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "deductions_apply_total",
				Help: "Total deduction allocation runs by result",
			},
			[]string{"result"},
		)
		deductionsApplyLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "deductions_apply_latency_seconds",
				Help:    "Deduction allocation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		appliedAmount = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "deductions_applied_amount_total",
				Help: "Total amount withheld by deduction allocation",
			},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Total export operations by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "export_latency_seconds",
				Help:    "Export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		eventsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_published_total",
				Help: "Total domain events published by sink and result",
			},
			[]string{"sink", "result"},
		)

		httpRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "Total HTTP requests by route and status class",
			},
			[]string{"method", "route", "status"},
		)
		httpLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_latency_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)

		prometheus.MustRegister(
			settlementCreateTotal,
			settlementCreateLatency,
			settlementCloseTotal,
			adjustmentTotal,
			adjustmentLatency,
			chargesGenerateTotal,
			chargesGenerateLatency,
			chargedAmount,
			deductionsApplyTotal,
			deductionsApplyLatency,
			appliedAmount,
			exportTotal,
			exportLatency,
			eventsPublished,
			httpRequests,
			httpLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveSettlementCreate records settlement creation latency and result.
func ObserveSettlementCreate(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if settlementCreateTotal != nil {
		settlementCreateTotal.WithLabelValues(result).Inc()
	}
	if settlementCreateLatency != nil {
		settlementCreateLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncSettlementClose increments the close counter.
func IncSettlementClose(result string) {
	if result == "" {
		result = resultSuccess
	}
	if settlementCloseTotal != nil {
		settlementCloseTotal.WithLabelValues(result).Inc()
	}
}

// ObserveAdjustment records one adjustment ledger operation.
func ObserveAdjustment(op, result string, duration time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if adjustmentTotal != nil {
		adjustmentTotal.WithLabelValues(op, result).Inc()
	}
	if adjustmentLatency != nil {
		adjustmentLatency.WithLabelValues(op, result).Observe(duration.Seconds())
	}
}

// ObserveChargesGenerate records a charge generation run.
func ObserveChargesGenerate(conceptType, result string, duration time.Duration) {
	if conceptType == "" {
		conceptType = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if chargesGenerateTotal != nil {
		chargesGenerateTotal.WithLabelValues(conceptType, result).Inc()
	}
	if chargesGenerateLatency != nil {
		chargesGenerateLatency.WithLabelValues(conceptType, result).Observe(duration.Seconds())
	}
}

// AddCharged adds a charged amount for the concept type.
func AddCharged(conceptType string, amount float64) {
	if amount <= 0 {
		return
	}
	if chargedAmount != nil {
		chargedAmount.WithLabelValues(conceptType).Add(amount)
	}
}

// ObserveDeductionsApply records an allocation run.
func ObserveDeductionsApply(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if deductionsApplyTotal != nil {
		deductionsApplyTotal.WithLabelValues(result).Inc()
	}
	if deductionsApplyLatency != nil {
		deductionsApplyLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddApplied adds a withheld amount.
func AddApplied(amount float64) {
	if amount <= 0 {
		return
	}
	if appliedAmount != nil {
		appliedAmount.Add(amount)
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// IncEventPublished counts one publish attempt per sink.
func IncEventPublished(sink, result string) {
	if sink == "" {
		sink = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if eventsPublished != nil {
		eventsPublished.WithLabelValues(sink, result).Inc()
	}
}

// ObserveHTTP records one served request.
func ObserveHTTP(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	if httpRequests != nil {
		httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	}
	if httpLatency != nil {
		httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Exported constants for callers.
const (
	ResultSuccess  = resultSuccess
	ResultError    = resultError
	ResultConflict = resultConflict
)
