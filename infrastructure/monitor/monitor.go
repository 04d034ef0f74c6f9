package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"market-sync-go/gateway"
	"market-sync-go/market"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 数据源指标
	fetchTotal   *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec

	// 调度指标
	pollRuns     *prometheus.CounterVec
	pollSkipped  *prometheus.CounterVec
	pollFailures *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec

	// 快照指标
	snapshotDropped *prometheus.CounterVec
	refreshErrors   *prometheus.CounterVec
	bookSpread      prometheus.Gauge
	bookSpreadPct   prometheus.Gauge
	bookLevels      *prometheus.GaugeVec
	bidPrice        prometheus.Gauge
	askPrice        prometheus.Gauge
	tradeFeedSize   prometheus.Gauge

	// 下游指标
	sinkPublished     *prometheus.CounterVec
	sinkErrors        *prometheus.CounterVec
	wsClients         prometheus.Gauge
	perpMarketsLoaded prometheus.Gauge
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
		Subsystem: "sync",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Monitor{
		registry: reg,

		fetchTotal: counterVec("fetch_total", "远程查询次数（按结果分类）", "op", "result"),
		fetchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fetch_latency_seconds",
			Help:      "远程查询延迟分布（秒）",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),

		pollRuns:     counterVec("poll_runs_total", "调度执行次数", "poller"),
		pollSkipped:  counterVec("poll_skipped_total", "因上一次未结束而跳过的次数", "poller"),
		pollFailures: counterVec("poll_failures_total", "调度执行失败次数", "poller"),
		pollDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "poll_duration_seconds",
			Help:      "单次调度耗时（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"poller"}),

		snapshotDropped: counterVec("snapshot_dropped_total", "过期结果被丢弃的次数", "kind"),
		refreshErrors:   counterVec("refresh_errors_total", "刷新失败次数", "kind"),
		bookSpread:      gauge("book_spread", "当前绝对价差"),
		bookSpreadPct:   gauge("book_spread_percent", "当前价差百分比"),
		bookLevels: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "book_levels",
			Help:      "展示窗口内的档数",
		}, []string{"side"}),
		bidPrice:      gauge("best_bid", "最优买价"),
		askPrice:      gauge("best_ask", "最优卖价"),
		tradeFeedSize: gauge("trade_feed_size", "最近成交列表长度"),

		sinkPublished:     counterVec("sink_published_total", "下游发布成功次数", "sink"),
		sinkErrors:        counterVec("sink_errors_total", "下游发布失败次数", "sink"),
		wsClients:         gauge("ws_clients", "当前 websocket 连接数"),
		perpMarketsLoaded: gauge("perp_markets_loaded", "最近一次成功加载的永续市场数"),
	}
}

// ObserveFetch 实现 gateway.FetchObserver
func (m *Monitor) ObserveFetch(op string, err error, elapsed time.Duration) {
	m.fetchTotal.WithLabelValues(op, gateway.ErrorKind(err)).Inc()
	m.fetchLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveBook 实现 market.Observer
func (m *Monitor) ObserveBook(s *market.OrderBookSnapshot) {
	if s == nil {
		return
	}
	m.bookSpread.Set(s.SpreadAbsolute.InexactFloat64())
	m.bookSpreadPct.Set(s.SpreadPercent.InexactFloat64())
	m.bookLevels.WithLabelValues("buy").Set(float64(len(s.Buys)))
	m.bookLevels.WithLabelValues("sell").Set(float64(len(s.Sells)))
	m.bidPrice.Set(s.BestBid.InexactFloat64())
	m.askPrice.Set(s.BestAsk.InexactFloat64())
}

func (m *Monitor) ObserveTradeFeed(f *market.TradeFeed) {
	if f == nil {
		return
	}
	m.tradeFeedSize.Set(float64(f.Len()))
}

func (m *Monitor) ObserveRefreshError(kind string) {
	m.refreshErrors.WithLabelValues(kind).Inc()
}

func (m *Monitor) ObserveStaleDrop(kind string) {
	m.snapshotDropped.WithLabelValues(kind).Inc()
}

// ObservePoll 调度执行结束回调
func (m *Monitor) ObservePoll(poller string, elapsed time.Duration, err error) {
	m.pollRuns.WithLabelValues(poller).Inc()
	m.pollDuration.WithLabelValues(poller).Observe(elapsed.Seconds())
	if err != nil {
		m.pollFailures.WithLabelValues(poller).Inc()
	}
}

func (m *Monitor) ObservePollSkipped(poller string) {
	m.pollSkipped.WithLabelValues(poller).Inc()
}

// ObservePerpMarkets 实现 perp.Observer
func (m *Monitor) ObservePerpMarkets(n int) {
	m.perpMarketsLoaded.Set(float64(n))
}

// 下游相关方法
func (m *Monitor) RecordSinkPublish(sink string) {
	m.sinkPublished.WithLabelValues(sink).Inc()
}

func (m *Monitor) RecordSinkError(sink string) {
	m.sinkErrors.WithLabelValues(sink).Inc()
}

func (m *Monitor) RecordWSConnection() {
	m.wsClients.Inc()
}

func (m *Monitor) RecordWSDisconnect() {
	m.wsClients.Dec()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
