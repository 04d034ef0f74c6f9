package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// OrderSource fetchOrders 的提供方（gateway 实现）。
type OrderSource interface {
	FetchOrders(ctx context.Context, q OrderQuery) ([]Order, error)
}

// OrderBookOptions 订单簿聚合器配置。
type OrderBookOptions struct {
	Market     MarketID
	OrderLimit int // 每一侧向数据源请求的数量
	View       BookView
	Publisher  *Publisher
	Observer   Observer
	Logger     *zap.Logger
	Clock      Clock
}

// OrderBookAggregator 并发拉取买卖两侧订单，生成排序、开窗后的快照并原子替换。
type OrderBookAggregator struct {
	source OrderSource
	pub    *Publisher
	obs    Observer
	logger *zap.Logger
	clock  Clock

	mu        sync.Mutex
	guard     fetchGuard
	limit     int
	view      BookView
	lastBuys  []Order
	lastSells []Order
	lastErr   error

	snap    atomic.Pointer[OrderBookSnapshot]
	loading atomic.Bool
}

func NewOrderBookAggregator(source OrderSource, opts OrderBookOptions) *OrderBookAggregator {
	if opts.OrderLimit <= 0 {
		opts.OrderLimit = 20
	}
	if opts.View.Filter == "" {
		opts.View.Filter = FilterBalanced
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
	a := &OrderBookAggregator{
		source: source,
		pub:    opts.Publisher,
		obs:    opts.Observer,
		logger: opts.Logger.With(zap.String("component", "orderbook")),
		clock:  opts.Clock,
		guard:  newFetchGuard(opts.Market),
		limit:  opts.OrderLimit,
		view:   opts.View,
	}
	a.snap.Store(EmptySnapshot(opts.Market))
	a.loading.Store(opts.Market != "")
	return a
}

// Refresh 拉取当前市场的买卖单并发布新快照。
// 失败时保留上一份快照；切换市场后到达的旧结果被丢弃且不视为错误。
func (a *OrderBookAggregator) Refresh(ctx context.Context) error {
	a.mu.Lock()
	if a.guard.market == "" {
		a.mu.Unlock()
		return nil
	}
	t, fetchCtx := a.guard.begin(ctx)
	limit := a.limit
	a.loading.Store(true)
	a.mu.Unlock()

	buys, sells, err := a.fetchSides(fetchCtx, t.market, limit)

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
		a.obs.ObserveRefreshError(KindOrderBook)
		a.logger.Warn("orderbook refresh failed",
			zap.String("market", string(t.market)),
			zap.Uint64("seq", t.seq),
			zap.Error(err))
		return fmt.Errorf("refresh orderbook %s: %w", t.market, err)
	}

	if !a.guard.accept(t) {
		a.obs.ObserveStaleDrop(KindOrderBook)
		a.logger.Debug("drop stale orderbook result",
			zap.String("market", string(t.market)),
			zap.Uint64("seq", t.seq))
		return nil
	}
	a.lastErr = nil
	a.lastBuys, a.lastSells = buys, sells
	a.applyLocked(t.seq)
	return nil
}

func (a *OrderBookAggregator) fetchSides(ctx context.Context, m MarketID, limit int) ([]Order, []Order, error) {
	var (
		wg              sync.WaitGroup
		buys, sells     []Order
		buyErr, sellErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		buys, buyErr = a.source.FetchOrders(ctx, OrderQuery{Market: m, Side: SideBuy, Limit: limit})
	}()
	go func() {
		defer wg.Done()
		sells, sellErr = a.source.FetchOrders(ctx, OrderQuery{Market: m, Side: SideSell, Limit: limit})
	}()
	wg.Wait()

	if buyErr != nil {
		buyErr = fmt.Errorf("buy side: %w", buyErr)
	}
	if sellErr != nil {
		sellErr = fmt.Errorf("sell side: %w", sellErr)
	}
	if err := errors.Join(buyErr, sellErr); err != nil {
		return nil, nil, err
	}
	return buys, sells, nil
}

func (a *OrderBookAggregator) applyLocked(seq uint64) {
	snap := BuildSnapshot(a.guard.market, a.lastBuys, a.lastSells, a.view)
	snap.Seq = seq
	snap.UpdatedAt = a.clock.Now()
	a.snap.Store(snap)
	a.obs.ObserveBook(snap)
	if a.pub != nil {
		a.pub.PublishBook(snap)
	}
}

// SetMarket 切换市场：取消在途请求，清空快照，等待下一次 Refresh。
func (a *OrderBookAggregator) SetMarket(m MarketID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m == a.guard.market {
		return
	}
	a.guard.switchTo(m)
	a.lastBuys, a.lastSells, a.lastErr = nil, nil, nil
	empty := EmptySnapshot(m)
	a.snap.Store(empty)
	a.loading.Store(m != "")
	if a.pub != nil {
		a.pub.PublishBook(empty)
	}
}

// SetView 修改窗口/过滤模式，并用最近一次的数据立即重建快照。
func (a *OrderBookAggregator) SetView(v BookView) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v.Filter == "" {
		v.Filter = FilterBalanced
	}
	a.view = v
	if a.lastBuys != nil || a.lastSells != nil {
		a.applyLocked(a.guard.applied)
	}
}

// SetOrderLimit 下一次 Refresh 生效。
func (a *OrderBookAggregator) SetOrderLimit(n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	a.limit = n
	a.mu.Unlock()
}

// Snapshot 当前快照，永不为 nil。
func (a *OrderBookAggregator) Snapshot() *OrderBookSnapshot {
	return a.snap.Load()
}

// Loading 有请求在途，或切换市场后尚未得到结果。
func (a *OrderBookAggregator) Loading() bool {
	return a.loading.Load()
}

func (a *OrderBookAggregator) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *OrderBookAggregator) Market() MarketID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.guard.market
}

func (a *OrderBookAggregator) View() BookView {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.view
}
