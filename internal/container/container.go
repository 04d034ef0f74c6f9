package container

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-sync-go/config"
	"market-sync-go/gateway"
	"market-sync-go/infrastructure/alert"
	"market-sync-go/infrastructure/logger"
	"market-sync-go/infrastructure/monitor"
	"market-sync-go/market"
	"market-sync-go/perp"
	"market-sync-go/scheduler"
	"market-sync-go/server"
	"market-sync-go/sink"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfgPath string
	cfgMu   sync.RWMutex
	cfg     config.AppConfig

	// 基础设施
	logger   *logger.Logger
	monitor  *monitor.Monitor
	alerts   *alert.Manager
	failures *alert.FailureWatch

	// 数据源
	gateway *gateway.Gateway

	// 核心服务
	marketData *market.Service
	perpData   *perp.Service

	// 调度
	bookPoller   *pollerComponent
	tradesPoller *pollerComponent
	perpPoller   *pollerComponent

	// 对外
	hub        *server.Hub
	httpServer *httpServerComponent
	forwarder  *sink.Forwarder
	watcher    *config.Watcher

	// 生命周期管理
	lifecycle *LifecycleManager
	runCtx    context.Context
}

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(configPath, cfg), nil
}

// NewWithConfig 使用已加载的配置；configPath 仅用于热更新监听。
func NewWithConfig(configPath string, cfg config.AppConfig) *Container {
	return &Container{
		cfgPath:   configPath,
		cfg:       cfg,
		lifecycle: NewLifecycleManager(),
		runCtx:    context.Background(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}

	c.buildCoreServices()
	c.buildPollers()
	c.buildServer()
	c.buildSinks()

	if err := c.buildWatcher(); err != nil {
		return fmt.Errorf("build config watcher failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built", zap.Strings("components", c.lifecycle.Names()))
	return nil
}

func (c *Container) buildInfrastructure() error {
	cfg := c.Config()
	logCfg := logger.Config{
		Level:      cfg.Log.Level,
		Outputs:    []string{"stdout"},
		Dir:        cfg.Log.Dir,
		OutputFile: "sync.log",
		ErrorFile:  "sync_errors.log",
		Format:     cfg.Log.Format,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
	if cfg.Log.Dir != "" {
		logCfg.Outputs = append(logCfg.Outputs, "file")
	}

	var err error
	c.logger, err = logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(monitor.Config{
		Namespace: cfg.Metrics.Namespace,
		Subsystem: cfg.Metrics.Subsystem,
	})

	channels := []alert.Channel{alert.NewLogChannel("log", c.logger.Logger)}
	if cfg.Alert.Webhook != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", cfg.Alert.Webhook, cfg.Alert.WebhookTimeout))
	}
	c.alerts = alert.NewManager(channels, cfg.Alert.Throttle)
	c.failures = alert.NewFailureWatch(c.alerts, cfg.Alert.FailureThreshold)

	c.logger.Info("infrastructure built",
		zap.String("env", cfg.Env),
		zap.Strings("alert_channels", c.alerts.Channels()))
	return nil
}

func (c *Container) buildGateway() error {
	cfg := c.Config()
	indexer := gateway.NewIndexerClient(cfg.Indexer.URL, cfg.Indexer.ScaleBook(),
		gateway.NewLimiter(cfg.Indexer.RPS, cfg.Indexer.Burst), c.monitor, c.logger.Logger)
	indexer.HTTPClient = &http.Client{Timeout: cfg.Indexer.Timeout}

	if cfg.RPC.URL == "" {
		c.gateway = gateway.New(indexer, nil)
		c.logger.Info("gateway built (spot only)", zap.String("indexer", cfg.Indexer.URL))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RPC.CallTimeout)
	defer cancel()
	perpClient, closeFn, err := gateway.DialPerp(ctx, cfg.RPC.URL, cfg.GatewayPerp(), c.monitor, c.logger.Logger)
	if err != nil {
		return err
	}
	c.gateway = gateway.New(indexer, perpClient)
	c.gateway.SetCloser(closeFn)
	c.logger.Info("gateway built",
		zap.String("indexer", cfg.Indexer.URL),
		zap.String("rpc", cfg.RPC.URL),
		zap.Int("perp_assets", len(cfg.Perp.Assets)))
	return nil
}

func (c *Container) buildCoreServices() {
	cfg := c.Config()
	log := c.logger.Logger
	publisher := market.NewPublisher()
	active := market.MarketID(cfg.Market.Active)

	book := market.NewOrderBookAggregator(c.gateway.IndexerClient, market.OrderBookOptions{
		Market:     active,
		OrderLimit: cfg.Market.OrderLimit,
		View:       cfg.Market.BookView(),
		Publisher:  publisher,
		Observer:   c.monitor,
		Logger:     log,
	})
	trades := market.NewTradeFeedAggregator(c.gateway.IndexerClient, market.TradeFeedOptions{
		Market:    active,
		Limit:     cfg.Market.TradeLimit,
		Publisher: publisher,
		Observer:  c.monitor,
		Logger:    log,
	})
	c.marketData = market.NewService(publisher, book, trades)

	if c.gateway.HasPerp() {
		c.perpData = perp.NewService(c.gateway.PerpClient, perp.Options{
			Assets:          cfg.Perp.Assets,
			CollateralAsset: cfg.Perp.CollateralAsset,
			Fanout:          cfg.RPC.Fanout,
			Logger:          log,
			Observer:        c.monitor,
		})
	}
	c.logger.Info("core services built", zap.String("market", string(active)))
}

func (c *Container) newPoller(name string, task scheduler.Task, interval func() time.Duration) *pollerComponent {
	p := scheduler.New(name, task,
		scheduler.WithLogger(c.logger.Logger),
		scheduler.WithOnRun(func(name string, elapsed time.Duration, err error) {
			c.monitor.ObservePoll(name, elapsed, err)
			c.failures.Record(name, elapsed, err)
		}),
		scheduler.WithOnSkip(c.monitor.ObservePollSkipped),
	)
	return &pollerComponent{poller: p, interval: interval, immediate: c.Config().Poll.Immediate()}
}

func (c *Container) buildPollers() {
	c.bookPoller = c.newPoller("orderbook", c.marketData.Book().Refresh, func() time.Duration {
		return c.Config().Poll.BookInterval
	})
	c.tradesPoller = c.newPoller("trades", c.marketData.Trades().Refresh, func() time.Duration {
		return c.Config().Poll.TradesInterval
	})
	if c.perpData != nil && len(c.perpData.Assets()) > 0 {
		c.perpPoller = c.newPoller("perp_markets", c.perpData.RefreshMarkets, func() time.Duration {
			return c.Config().Perp.RefreshInterval
		})
	}

	// 切换市场后不等下一个 tick
	c.marketData.OnMarketSwitch(func(m market.MarketID) {
		c.bookPoller.poller.Trigger()
		c.tradesPoller.poller.Trigger()
		c.logger.LogSnapshot("market_switch", map[string]interface{}{"market": string(m)})
	})
}

func (c *Container) buildServer() {
	cfg := c.Config()
	c.hub = server.NewHub(c.marketData, server.HubOptions{
		WriteTimeout: cfg.HTTP.WriteTimeout,
		Recorder:     c.monitor,
		Logger:       c.logger.Logger,
	})

	// 避免把 nil *perp.Service 装进接口
	var perpReader server.PerpReader
	if c.perpData != nil {
		perpReader = c.perpData
	}
	srv := server.New(server.Options{
		Market:  c.marketData,
		Perp:    perpReader,
		Hub:     c.hub,
		Metrics: c.monitor.Handler(),
		Health:  c.lifecycle.CheckHealth,
		Logger:  c.logger.Logger,
	})
	c.httpServer = &httpServerComponent{
		name:    "http_server",
		handler: srv.Handler(),
		addr:    cfg.HTTP.Addr,
		logger:  c.logger,
	}
}

func (c *Container) buildSinks() {
	cfg := c.Config()
	var sinks []sink.Sink
	if cfg.Redis.Addr != "" {
		sinks = append(sinks, sink.NewRedisSink(sink.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		}))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sinks = append(sinks, sink.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}
	if len(sinks) == 0 {
		return
	}
	book := c.marketData.Book()
	c.forwarder = sink.NewForwarder(c.marketData.Publisher(), sinks, sink.ForwarderOptions{
		SpreadPlaces: func() int32 { return book.View().SpreadPlaces },
		Recorder:     c.monitor,
		Logger:       c.logger.Logger,
	})
}

func (c *Container) buildWatcher() error {
	cfg := c.Config()
	if !cfg.Watch.Enabled || c.cfgPath == "" {
		return nil
	}
	w, err := config.NewWatcher(c.cfgPath, cfg.Watch.Cooldown, c.applyConfig, c.logger.Logger)
	if err != nil {
		return err
	}
	c.watcher = w
	return nil
}

func (c *Container) registerLifecycleComponents() {
	// 最先注册、最后关闭
	c.lifecycle.Register("gateway", funcComponent{stop: func() error {
		c.gateway.Close()
		return nil
	}})
	c.lifecycle.Register("ws_hub", c.hub)
	if c.forwarder != nil {
		c.lifecycle.Register("sink_forwarder", c.forwarder)
	}
	c.lifecycle.Register("orderbook_poller", c.bookPoller)
	c.lifecycle.Register("trades_poller", c.tradesPoller)
	if c.perpPoller != nil {
		c.lifecycle.Register("perp_poller", c.perpPoller)
	}
	c.lifecycle.Register("http_server", c.httpServer)
	if c.watcher != nil {
		c.lifecycle.Register("config_watcher", c.watcher)
	}
}

// applyConfig 热更新：市场、展示参数、请求数量、轮询间隔即时生效；
// 数据源地址、sink 等需要重启。
func (c *Container) applyConfig(next config.AppConfig) {
	c.cfgMu.Lock()
	prev := c.cfg
	c.cfg = next
	c.cfgMu.Unlock()

	book, trades := c.marketData.Book(), c.marketData.Trades()
	if next.Market.BookView() != prev.Market.BookView() {
		book.SetView(next.Market.BookView())
	}
	book.SetOrderLimit(next.Market.OrderLimit)
	trades.SetLimit(next.Market.TradeLimit)

	if next.Poll.BookInterval != prev.Poll.BookInterval {
		c.restartPoller(c.bookPoller)
	}
	if next.Poll.TradesInterval != prev.Poll.TradesInterval {
		c.restartPoller(c.tradesPoller)
	}
	if c.perpPoller != nil && next.Perp.RefreshInterval != prev.Perp.RefreshInterval {
		c.restartPoller(c.perpPoller)
	}

	// 最后切换市场，触发的轮询使用新的参数
	if next.Market.Active != "" && next.Market.Active != prev.Market.Active {
		c.marketData.SetMarket(market.MarketID(next.Market.Active))
	}

	if next.Indexer.URL != prev.Indexer.URL || next.RPC.URL != prev.RPC.URL ||
		next.HTTP.Addr != prev.HTTP.Addr || next.Redis.Addr != prev.Redis.Addr {
		c.logger.Warn("config change requires restart",
			zap.String("indexer", next.Indexer.URL),
			zap.String("http_addr", next.HTTP.Addr))
	}
	c.logger.LogSnapshot("config_applied", map[string]interface{}{
		"market": next.Market.Active,
		"window": next.Market.Window,
		"filter": next.Market.Filter,
	})
}

func (c *Container) restartPoller(p *pollerComponent) {
	if err := p.Restart(c.runCtx); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "restart_poller", "poller": p.poller.Name()})
	}
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")
	c.runCtx = ctx

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started", zap.String("http_addr", c.httpServer.Addr()))
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	c.logger.Info("container stopped")
	c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Config 当前生效的配置（热更新后会变化）
func (c *Container) Config() config.AppConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func (c *Container) Logger() *logger.Logger      { return c.logger }
func (c *Container) Monitor() *monitor.Monitor   { return c.monitor }
func (c *Container) MarketData() *market.Service { return c.marketData }
func (c *Container) PerpData() *perp.Service     { return c.perpData }

// Failures 各轮询任务的连续失败统计
func (c *Container) Failures() *alert.FailureWatch { return c.failures }

// HTTPAddr 实际监听地址，启动前为空。
func (c *Container) HTTPAddr() string { return c.httpServer.Addr() }
