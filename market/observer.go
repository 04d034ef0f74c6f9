package market

// Observer 聚合器的观测回调（指标），由 infrastructure/monitor 实现。
type Observer interface {
	ObserveBook(s *OrderBookSnapshot)
	ObserveTradeFeed(f *TradeFeed)
	ObserveRefreshError(kind string)
	ObserveStaleDrop(kind string)
}

type nopObserver struct{}

func (nopObserver) ObserveBook(*OrderBookSnapshot) {}
func (nopObserver) ObserveTradeFeed(*TradeFeed)    {}
func (nopObserver) ObserveRefreshError(string)     {}
func (nopObserver) ObserveStaleDrop(string)        {}

const (
	KindOrderBook = "orderbook"
	KindTrades    = "trades"
)
