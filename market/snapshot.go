package market

import (
	"time"

	"github.com/shopspring/decimal"

	"market-sync-go/fixedpoint"
)

// OrderBookSnapshot 一次刷新产生的不可变订单簿视图。
// Buys 按价格降序，Sells 按价格升序，无价格的订单排在最后。
type OrderBookSnapshot struct {
	Market         MarketID        `json:"market"`
	Buys           []Order         `json:"buys"`
	Sells          []Order         `json:"sells"`
	BestBid        decimal.Decimal `json:"bestBid"`
	BestAsk        decimal.Decimal `json:"bestAsk"`
	SpreadAbsolute decimal.Decimal `json:"spreadAbsolute"`
	SpreadPercent  decimal.Decimal `json:"spreadPercent"`
	Imbalance      decimal.Decimal `json:"imbalance"`
	Seq            uint64          `json:"seq"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// EmptySnapshot 全零快照，用于切换市场后或无流动性的市场。
func EmptySnapshot(m MarketID) *OrderBookSnapshot {
	return &OrderBookSnapshot{
		Market: m,
		Buys:   []Order{},
		Sells:  []Order{},
	}
}

// SpreadPercentText 两位小数的百分比文本，空簿为 "0.00"。
func (s *OrderBookSnapshot) SpreadPercentText() string {
	return fixedpoint.Format(s.SpreadPercent, 2)
}

// SpreadAbsoluteText 按 places 位输出绝对价差。
func (s *OrderBookSnapshot) SpreadAbsoluteText(places int32) string {
	return fixedpoint.Format(s.SpreadAbsolute, places)
}

// HasSpread 两侧均有定价订单时为 true。
func (s *OrderBookSnapshot) HasSpread() bool {
	return !s.BestBid.IsZero() && !s.BestAsk.IsZero()
}
