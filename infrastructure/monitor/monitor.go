package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 订单指标
	ordersPlaced   *prometheus.CounterVec
	ordersFilled   *prometheus.CounterVec
	ordersCanceled prometheus.Counter
	ordersRejected *prometheus.CounterVec
	fillLatency    prometheus.Histogram

	// 仓位指标
	positionsOpened prometheus.Counter
	positionsClosed *prometheus.CounterVec
	realizedPnL     prometheus.Counter

	// 账户指标
	accountEquity      *prometheus.GaugeVec
	accountMarginLevel *prometheus.GaugeVec
	marginCalls        prometheus.Counter

	// 行情指标
	quotesServed  *prometheus.CounterVec
	quotesDropped prometheus.Counter
	subscriptions   prometheus.Gauge
	upstreamSymbols prometheus.Gauge

	// 调度指标
	tickDuration prometheus.Histogram
	tickFailures prometheus.Counter

	// 系统指标
	wsConnections prometheus.Counter
	wsDisconnects prometheus.Counter
	restRequests  *prometheus.CounterVec
	restErrors    *prometheus.CounterVec
	restLatency   *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
	Listen    string `yaml:"listen"` // 为空则不暴露 /metrics
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "venue",
		Subsystem: "engine",
	}
}

// New 创建新的Monitor实例，每个实例使用独立的registry
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		}, labels)
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		}, labels)
	}

	return &Monitor{
		registry: reg,

		ordersPlaced:   counterVec("orders_placed_total", "下单总数", "type"),
		ordersFilled:   counterVec("orders_filled_total", "成交订单总数", "type"),
		ordersCanceled: counter("orders_canceled_total", "撤单总数"),
		ordersRejected: counterVec("orders_rejected_total", "拒单总数", "reason"),
		fillLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fill_latency_seconds",
			Help:      "从下单到成交的延迟（秒）",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 300},
		}),

		positionsOpened: counter("positions_opened_total", "开仓总数"),
		positionsClosed: counterVec("positions_closed_total", "平仓总数", "reason"),
		realizedPnL:     counter("realized_pnl_abs_total", "已实现盈亏绝对值累计"),

		accountEquity:      gaugeVec("account_equity", "账户净值", "account"),
		accountMarginLevel: gaugeVec("account_margin_level", "账户保证金水平(%)", "account"),
		marginCalls:        counter("margin_calls_total", "追加保证金告警次数"),

		quotesServed:  counterVec("quotes_served_total", "按来源统计的报价次数", "source"),
		quotesDropped: counter("quotes_dropped_total", "乱序丢弃的行情"),
		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "active_subscriptions",
			Help:      "取价回调订阅数",
		}),
		upstreamSymbols: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_symbols",
			Help:      "上游行情流已订阅的品种数",
		}),

		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "tick_duration_seconds",
			Help:      "调度一次扫描的耗时",
			Buckets:   prometheus.DefBuckets,
		}),
		tickFailures: counter("tick_failures_total", "扫描中单项失败次数"),

		wsConnections: counter("ws_connections_total", "WebSocket连接次数"),
		wsDisconnects: counter("ws_disconnects_total", "WebSocket断开次数"),
		restRequests:  counterVec("rest_requests_total", "REST请求总数", "action"),
		restErrors:    counterVec("rest_errors_total", "REST错误总数", "action"),
		restLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rest_latency_seconds",
			Help:      "REST请求延迟（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}
}

// 订单相关方法
func (m *Monitor) RecordOrderPlaced(orderType string) {
	m.ordersPlaced.WithLabelValues(orderType).Inc()
}

func (m *Monitor) RecordOrderFilled(orderType string, latency time.Duration) {
	m.ordersFilled.WithLabelValues(orderType).Inc()
	m.fillLatency.Observe(latency.Seconds())
}

func (m *Monitor) RecordOrderCanceled() {
	m.ordersCanceled.Inc()
}

func (m *Monitor) RecordOrderRejected(reason string) {
	m.ordersRejected.WithLabelValues(reason).Inc()
}

// 仓位相关方法
func (m *Monitor) RecordPositionOpened() {
	m.positionsOpened.Inc()
}

func (m *Monitor) RecordPositionClosed(reason string, realized float64) {
	m.positionsClosed.WithLabelValues(reason).Inc()
	if realized < 0 {
		realized = -realized
	}
	m.realizedPnL.Add(realized)
}

// 账户相关方法
func (m *Monitor) UpdateAccount(accountID string, equity, marginLevel float64) {
	m.accountEquity.WithLabelValues(accountID).Set(equity)
	m.accountMarginLevel.WithLabelValues(accountID).Set(marginLevel)
}

func (m *Monitor) RecordMarginCall() {
	m.marginCalls.Inc()
}

// 行情相关方法
func (m *Monitor) RecordQuote(source string) {
	m.quotesServed.WithLabelValues(source).Inc()
}

func (m *Monitor) RecordQuoteDropped() {
	m.quotesDropped.Inc()
}

// UpdateSubscriptions 取价层的回调订阅数
func (m *Monitor) UpdateSubscriptions(n int) {
	m.subscriptions.Set(float64(n))
}

// UpdateUpstreamSymbols 行情流实际订阅的品种数
func (m *Monitor) UpdateUpstreamSymbols(n int) {
	m.upstreamSymbols.Set(float64(n))
}

// 调度相关方法
func (m *Monitor) RecordTick(d time.Duration, failures int) {
	m.tickDuration.Observe(d.Seconds())
	if failures > 0 {
		m.tickFailures.Add(float64(failures))
	}
}

// 系统相关方法
func (m *Monitor) RecordWSConnection() {
	m.wsConnections.Inc()
}

func (m *Monitor) RecordWSDisconnect() {
	m.wsDisconnects.Inc()
}

func (m *Monitor) RecordRESTRequest(action string) {
	m.restRequests.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTError(action string) {
	m.restErrors.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTLatency(action string, seconds float64) {
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
