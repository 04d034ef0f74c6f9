package market

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// TradeSource fetchTrades 的提供方（gateway 实现）。
type TradeSource interface {
	FetchTrades(ctx context.Context, q TradeQuery) ([]Trade, error)
}

// TradeFeedOptions 成交流聚合器配置。
type TradeFeedOptions struct {
	Market    MarketID
	Limit     int // K，默认 50
	Publisher *Publisher
	Observer  Observer
	Logger    *zap.Logger
	Clock     Clock
}

// TradeFeedAggregator 维护当前市场最近 K 笔成交。
// 每次成功拉取后整体替换，不做增量合并。
type TradeFeedAggregator struct {
	source TradeSource
	pub    *Publisher
	obs    Observer
	logger *zap.Logger
	clock  Clock

	mu      sync.Mutex
	guard   fetchGuard
	limit   int
	lastErr error

	feed    atomic.Pointer[TradeFeed]
	loading atomic.Bool
}

func NewTradeFeedAggregator(source TradeSource, opts TradeFeedOptions) *TradeFeedAggregator {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	a := &TradeFeedAggregator{
		source: source,
		pub:    opts.Publisher,
		obs:    opts.Observer,
		logger: opts.Logger.With(zap.String("component", "trades")),
		clock:  opts.Clock,
		guard:  newFetchGuard(opts.Market),
		limit:  opts.Limit,
	}
	a.feed.Store(EmptyTradeFeed(opts.Market))
	a.loading.Store(opts.Market != "")
	return a
}

// Refresh 未选中市场时不发起请求。
func (a *TradeFeedAggregator) Refresh(ctx context.Context) error {
	a.mu.Lock()
	if a.guard.market == "" {
		a.mu.Unlock()
		return nil
	}
	t, fetchCtx := a.guard.begin(ctx)
	limit := a.limit
	a.loading.Store(true)
	a.mu.Unlock()

	trades, err := a.source.FetchTrades(fetchCtx, TradeQuery{Market: t.market, Limit: limit})

	a.mu.Lock()
	defer a.mu.Unlock()
	a.guard.done(t)
	if t.epoch == a.guard.epoch {
		a.loading.Store(a.guard.pending())
	}

	if err != nil {
		if !a.guard.fresh(t) {
			return nil
		}
		a.lastErr = err
		a.obs.ObserveRefreshError(KindTrades)
		a.logger.Warn("trade feed refresh failed",
			zap.String("market", string(t.market)),
			zap.Uint64("seq", t.seq),
			zap.Error(err))
		return fmt.Errorf("refresh trades %s: %w", t.market, err)
	}

	if !a.guard.accept(t) {
		a.obs.ObserveStaleDrop(KindTrades)
		return nil
	}
	if len(trades) > limit {
		trades = trades[:limit]
	}
	held := make([]Trade, len(trades))
	copy(held, trades)
	feed := &TradeFeed{
		Market:    t.market,
		Trades:    held,
		Seq:       t.seq,
		UpdatedAt: a.clock.Now(),
	}
	a.lastErr = nil
	a.feed.Store(feed)
	a.obs.ObserveTradeFeed(feed)
	if a.pub != nil {
		a.pub.PublishTrades(feed)
	}
	return nil
}

// SetMarket 切换市场并清空成交列表。
func (a *TradeFeedAggregator) SetMarket(m MarketID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m == a.guard.market {
		return
	}
	a.guard.switchTo(m)
	a.lastErr = nil
	empty := EmptyTradeFeed(m)
	a.feed.Store(empty)
	a.loading.Store(m != "")
	if a.pub != nil {
		a.pub.PublishTrades(empty)
	}
}

// SetLimit 修改 K，下一次 Refresh 生效。
func (a *TradeFeedAggregator) SetLimit(k int) {
	if k <= 0 {
		return
	}
	a.mu.Lock()
	a.limit = k
	a.mu.Unlock()
}

func (a *TradeFeedAggregator) Feed() *TradeFeed {
	return a.feed.Load()
}

func (a *TradeFeedAggregator) Loading() bool {
	return a.loading.Load()
}

func (a *TradeFeedAggregator) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *TradeFeedAggregator) Market() MarketID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.guard.market
}
