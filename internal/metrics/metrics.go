// Package metrics Prometheus指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/pkg/models"
)

// Metrics 调度器与小时分发共用的指标集合
type Metrics struct {
	registry      *prometheus.Registry
	phaseDuration *prometheus.HistogramVec
	phaseErrors   *prometheus.CounterVec
	executions    *prometheus.CounterVec
	hourly        *prometheus.CounterVec
	handledErrors *prometheus.CounterVec
}

// New 创建指标并注册到独立的registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "giftdrop",
			Name:      "phase_duration_seconds",
			Help:      "Duration of pipeline phases by kind and phase.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		}, []string{"kind", "phase"}),
		phaseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "giftdrop",
			Name:      "phase_errors_total",
			Help:      "Count of failed pipeline phases by kind, phase and error kind.",
		}, []string{"kind", "phase", "error_kind"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "giftdrop",
			Name:      "executions_total",
			Help:      "Count of execution state transitions by kind and state.",
		}, []string{"kind", "state"}),
		hourly: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "giftdrop",
			Name:      "hourly_outcomes_total",
			Help:      "Count of hourly distribution runs by outcome.",
		}, []string{"outcome"}),
		handledErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "giftdrop",
			Name:      "errors_total",
			Help:      "Count of errors reported to the error handler by kind and severity.",
		}, []string{"error_kind", "severity"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.phaseDuration,
		m.phaseErrors,
		m.executions,
		m.hourly,
		m.handledErrors,
	)
	return m
}

// ObservePhase 记录阶段耗时，失败时按错误分类计数
func (m *Metrics) ObservePhase(kind, phase string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(kind, phase).Observe(d.Seconds())
	if err != nil {
		m.phaseErrors.WithLabelValues(kind, phase, errorKind(err)).Inc()
	}
}

// ObserveExecution 记录每日执行的状态变化
func (m *Metrics) ObserveExecution(kind string, state models.ExecutionState) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(kind, string(state)).Inc()
}

// ObserveHourly 记录小时分发结果
func (m *Metrics) ObserveHourly(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.hourly.WithLabelValues(outcome).Inc()
}

// ObserveError 错误处理器回调
func (m *Metrics) ObserveError(err *gifterrors.GiftError) {
	if m == nil || err == nil {
		return
	}
	m.handledErrors.WithLabelValues(err.Kind.String(), err.Severity.String()).Inc()
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func errorKind(err error) string {
	if ge, ok := gifterrors.As(err); ok {
		return ge.Kind.String()
	}
	return "Unclassified"
}
