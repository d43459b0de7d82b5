package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func registerDBMetrics(db *sql.DB, logger *zap.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "settlements_open",
			Help: "Settlements still in OPEN state",
		},
		func() float64 {
			return queryFloat(db, logger, "SELECT COUNT(*) FROM settlements WHERE status = 'OPEN'")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "deduction_balance_outstanding",
			Help: "Sum of outstanding deduction balances",
		},
		func() float64 {
			return queryFloat(db, logger, "SELECT COALESCE(SUM(balance), 0)::float8 FROM deduction_balances WHERE balance > 0")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "outbox_pending",
			Help: "Outbox events waiting for delivery",
		},
		func() float64 {
			return queryFloat(db, logger, "SELECT COUNT(*) FROM event_outbox WHERE status IN ('pending', 'failed')")
		},
	))
}

func queryFloat(db *sql.DB, logger *zap.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var value float64
	if err := db.QueryRow(query).Scan(&value); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", zap.Error(err))
		}
		return 0
	}
	if value < 0 {
		return 0
	}
	return value
}
