// Package metrics は計算処理の Prometheus メトリクスを提供します。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "policy_calc"

// Metrics は計算と永続化のメトリクスです。nil のレシーバでも安全に呼び出せます。
type Metrics struct {
	CalculationsStarted  *prometheus.CounterVec
	CalculationsFinished *prometheus.CounterVec
	CalculationDuration  *prometheus.HistogramVec
	PersistAttempts      *prometheus.CounterVec
	InflightCalculations prometheus.Gauge
}

// New はメトリクスを作成して reg に登録します。reg が nil なら既定のレジストリを使います。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CalculationsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calculations_started_total",
				Help:      "Total number of calculations started",
			},
			[]string{"calc_type"},
		),
		CalculationsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calculations_finished_total",
				Help:      "Total number of calculations that reached a terminal status",
			},
			[]string{"calc_type", "status"},
		),
		CalculationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "calculation_duration_seconds",
				Help:      "Time from calculation start to terminal status",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"calc_type"},
		),
		PersistAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_attempts_total",
				Help:      "Total number of result persistence attempts",
			},
			[]string{"target_type", "outcome"},
		),
		InflightCalculations: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_calculations",
				Help:      "Number of calculations currently being orchestrated",
			},
		),
	}
}

// CalculationStarted は計算開始を記録します。
func (m *Metrics) CalculationStarted(calcType string) {
	if m == nil {
		return
	}
	m.CalculationsStarted.WithLabelValues(calcType).Inc()
	m.InflightCalculations.Inc()
}

// CalculationFinished は計算終了を記録します。
func (m *Metrics) CalculationFinished(calcType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CalculationsFinished.WithLabelValues(calcType, status).Inc()
	m.CalculationDuration.WithLabelValues(calcType).Observe(elapsed.Seconds())
	m.InflightCalculations.Dec()
}

// PersistAttempt は永続化の試行結果を記録します。
func (m *Metrics) PersistAttempt(targetType, outcome string) {
	if m == nil {
		return
	}
	m.PersistAttempts.WithLabelValues(targetType, outcome).Inc()
}
