package market

import (
	"sync"
)

// Service 把订单簿与成交流两个聚合器绑定到同一个当前市场，并向订阅者广播。
type Service struct {
	pub    *Publisher
	book   *OrderBookAggregator
	trades *TradeFeedAggregator

	mu       sync.RWMutex
	onSwitch []func(MarketID)
}

func NewService(pub *Publisher, book *OrderBookAggregator, trades *TradeFeedAggregator) *Service {
	if pub == nil {
		pub = NewPublisher()
	}
	return &Service{
		pub:    pub,
		book:   book,
		trades: trades,
	}
}

// OnMarketSwitch 注册切换市场后的回调（例如立即触发一次轮询）。
func (s *Service) OnMarketSwitch(fn func(MarketID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSwitch = append(s.onSwitch, fn)
}

// SetMarket 同时切换两个聚合器；市场未变化时不做任何事。
func (s *Service) SetMarket(m MarketID) {
	if s.Market() == m {
		return
	}
	s.book.SetMarket(m)
	s.trades.SetMarket(m)

	s.mu.RLock()
	hooks := append([]func(MarketID){}, s.onSwitch...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(m)
	}
}

// Market 当前选中的市场，空字符串表示未选择。
func (s *Service) Market() MarketID {
	return s.book.Market()
}

func (s *Service) Book() *OrderBookAggregator   { return s.book }
func (s *Service) Trades() *TradeFeedAggregator { return s.trades }
func (s *Service) Publisher() *Publisher        { return s.pub }
