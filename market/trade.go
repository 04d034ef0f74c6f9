package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade represents a matched spot trade as reported by the indexer.
type Trade struct {
	ID        string          `json:"id"`
	Market    MarketID        `json:"market"`
	Buyer     string          `json:"buyer"`
	Seller    string          `json:"seller"`
	Matcher   string          `json:"matcher"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp int64           `json:"timestamp"`
}

// TradeQuery fetchTrades 的参数。
type TradeQuery struct {
	Market MarketID
	Limit  int
	Trader string
}

// TradeFeed 最近 K 笔成交，顺序与数据源一致。
type TradeFeed struct {
	Market    MarketID  `json:"market"`
	Trades    []Trade   `json:"trades"`
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EmptyTradeFeed 返回一个没有成交的 feed。
func EmptyTradeFeed(m MarketID) *TradeFeed {
	return &TradeFeed{Market: m, Trades: []Trade{}}
}

// Len 成交笔数。
func (f *TradeFeed) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Trades)
}
