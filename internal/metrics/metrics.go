// Package metrics регистрирует метрики Prometheus движка.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SignalsTotal сохраненные сигналы по типу и статусу
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hurstbot_signals_total",
		Help: "Persisted signals by type and status",
	}, []string{"type", "status"})

	// SettlementsTotal расчеты в книге позиций
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hurstbot_settlements_total",
		Help: "Ledger settlements by kind and result",
	}, []string{"kind", "result"})

	// UpperBandTransitions переходы автомата верхней границы
	UpperBandTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hurstbot_ubsm_transitions_total",
		Help: "Upper band state machine phase transitions",
	}, []string{"from", "to"})

	// FeedReconnects переподключения потока свечей
	FeedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hurstbot_feed_reconnects_total",
		Help: "Kline stream reconnections by interval",
	}, []string{"interval"})

	// PriceFetch результаты получения минутной цены
	PriceFetch = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hurstbot_price_fetch_total",
		Help: "1-minute price acquisitions by result",
	}, []string{"result"})

	// LedgerDrift исправленные расхождения locked_balance
	LedgerDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hurstbot_ledger_drift_total",
		Help: "Corrected locked balance drifts",
	})

	// LockWait время ожидания именованных блокировок
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hurstbot_lock_wait_seconds",
		Help:    "Time spent waiting for named instance locks",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)

// Handler HTTP-обработчик для /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
