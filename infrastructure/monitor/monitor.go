package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。
// 所有方法对 nil 接收者安全，组件未注入 Monitor 时直接跳过。
type Monitor struct {
	registry *prometheus.Registry

	// 订单指标
	ordersPlaced   *prometheus.CounterVec
	ordersCanceled *prometheus.CounterVec
	ordersFailed   *prometheus.CounterVec
	fills          *prometheus.CounterVec
	reconciles     *prometheus.CounterVec

	// 策略指标
	inventory    *prometheus.GaugeVec
	uptimeRatio  *prometheus.GaugeVec
	strategyMode *prometheus.GaugeVec
	riskVerdict  *prometheus.GaugeVec

	// 仓位保护
	guardOrders      *prometheus.CounterVec
	guardForceCloses *prometheus.CounterVec

	// 任务
	taskState *prometheus.GaugeVec

	// 系统指标
	wsReconnects *prometheus.CounterVec
	wsState      *prometheus.GaugeVec
	restRequests *prometheus.CounterVec
	restErrors   *prometheus.CounterVec
	restLatency  *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "mm",
		Subsystem: "perp",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &Monitor{
		registry: reg,

		ordersPlaced:   counter("orders_placed_total", "挂单总数", "symbol", "side"),
		ordersCanceled: counter("orders_canceled_total", "撤单总数", "symbol"),
		ordersFailed:   counter("orders_failed_total", "失败订单总数", "symbol", "reason"),
		fills:          counter("fills_total", "成交总数", "symbol", "side"),
		reconciles:     counter("reconciles_total", "对账次数", "symbol"),

		inventory:    gauge("inventory", "当前库存（正为多头）", "symbol"),
		uptimeRatio:  gauge("uptime_ratio", "完整挂单时间占比", "symbol"),
		strategyMode: gauge("strategy_mode", "策略模式(0=aggressive,1=survival)", "symbol"),
		riskVerdict:  gauge("risk_verdict", "风控判定(0=safe,1=caution,2=halt)", "symbol"),

		guardOrders:      counter("guard_orders_total", "保护单下单次数", "symbol"),
		guardForceCloses: counter("guard_force_closes_total", "保护强平次数", "symbol"),

		taskState: gauge("task_state", "任务状态", "symbol"),

		wsReconnects: counter("ws_reconnects_total", "WebSocket重连次数", "feed"),
		wsState:      gauge("ws_state", "WebSocket状态(0=disconnected,1=paused,2=connected)", "feed"),
		restRequests: counter("rest_requests_total", "REST请求总数", "action"),
		restErrors:   counter("rest_errors_total", "REST错误总数", "action"),
		restLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rest_latency_seconds",
				Help:      "REST请求延迟（秒）",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
	}
}

// 订单相关方法
func (m *Monitor) RecordOrderPlaced(symbol, side string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(symbol, side).Inc()
}

func (m *Monitor) RecordOrderCanceled(symbol string) {
	if m == nil {
		return
	}
	m.ordersCanceled.WithLabelValues(symbol).Inc()
}

func (m *Monitor) RecordOrderFailed(symbol, reason string) {
	if m == nil {
		return
	}
	m.ordersFailed.WithLabelValues(symbol, reason).Inc()
}

func (m *Monitor) RecordFill(symbol, side string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(symbol, side).Inc()
}

func (m *Monitor) RecordReconcile(symbol string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(symbol).Inc()
}

// 策略相关方法
func (m *Monitor) UpdateInventory(symbol string, qty float64) {
	if m == nil {
		return
	}
	m.inventory.WithLabelValues(symbol).Set(qty)
}

func (m *Monitor) UpdateUptimeRatio(symbol string, ratio float64) {
	if m == nil {
		return
	}
	m.uptimeRatio.WithLabelValues(symbol).Set(ratio)
}

func (m *Monitor) UpdateStrategyMode(symbol string, mode int) {
	if m == nil {
		return
	}
	m.strategyMode.WithLabelValues(symbol).Set(float64(mode))
}

func (m *Monitor) UpdateRiskVerdict(symbol string, level int) {
	if m == nil {
		return
	}
	m.riskVerdict.WithLabelValues(symbol).Set(float64(level))
}

// 仓位保护
func (m *Monitor) RecordGuardOrder(symbol string) {
	if m == nil {
		return
	}
	m.guardOrders.WithLabelValues(symbol).Inc()
}

func (m *Monitor) RecordGuardForceClose(symbol string) {
	if m == nil {
		return
	}
	m.guardForceCloses.WithLabelValues(symbol).Inc()
}

func (m *Monitor) UpdateTaskState(symbol string, state int) {
	if m == nil {
		return
	}
	m.taskState.WithLabelValues(symbol).Set(float64(state))
}

// 系统相关方法
func (m *Monitor) RecordWSReconnect(feed string) {
	if m == nil {
		return
	}
	m.wsReconnects.WithLabelValues(feed).Inc()
}

func (m *Monitor) UpdateWSState(feed string, state int) {
	if m == nil {
		return
	}
	m.wsState.WithLabelValues(feed).Set(float64(state))
}

func (m *Monitor) RecordRESTRequest(action string) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTError(action string) {
	if m == nil {
		return
	}
	m.restErrors.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTLatency(action string, seconds float64) {
	if m == nil {
		return
	}
	m.restLatency.WithLabelValues(action).Observe(seconds)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
