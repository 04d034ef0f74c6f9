package market

import (
	"time"

	"market-sync-go/fixedpoint"
)

// OrderBookView 对外输出（HTTP / websocket / 下游）的订单簿格式，数值均为字符串。
type OrderBookView struct {
	Market        MarketID  `json:"market"`
	Buys          []Order   `json:"buys"`
	Sells         []Order   `json:"sells"`
	BestBid       string    `json:"bestBid"`
	BestAsk       string    `json:"bestAsk"`
	Spread        string    `json:"spread"`
	SpreadPercent string    `json:"spreadPercent"`
	Imbalance     string    `json:"imbalance"`
	Seq           uint64    `json:"seq"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Loading       bool      `json:"loading"`
	Error         string    `json:"error,omitempty"`
}

// NewOrderBookView spreadPlaces 控制绝对价差的小数位，百分比固定两位。
func NewOrderBookView(s *OrderBookSnapshot, spreadPlaces int32) OrderBookView {
	if s == nil {
		s = EmptySnapshot("")
	}
	return OrderBookView{
		Market:        s.Market,
		Buys:          nonNil(s.Buys),
		Sells:         nonNil(s.Sells),
		BestBid:       s.BestBid.String(),
		BestAsk:       s.BestAsk.String(),
		Spread:        s.SpreadAbsoluteText(spreadPlaces),
		SpreadPercent: s.SpreadPercentText(),
		Imbalance:     fixedpoint.Format(s.Imbalance, 4),
		Seq:           s.Seq,
		UpdatedAt:     s.UpdatedAt,
	}
}

// TradeFeedView 成交列表的对外格式。
type TradeFeedView struct {
	*TradeFeed
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

func NewTradeFeedView(f *TradeFeed) TradeFeedView {
	if f == nil {
		f = EmptyTradeFeed("")
	}
	if f.Trades == nil {
		cp := *f
		cp.Trades = []Trade{}
		f = &cp
	}
	return TradeFeedView{TradeFeed: f}
}

func nonNil(orders []Order) []Order {
	if orders == nil {
		return []Order{}
	}
	return orders
}
