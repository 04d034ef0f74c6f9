package market

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MarketID 现货市场标识（base token 的 asset id）。
type MarketID string

// Side 订单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide 接受 buy/sell（大小写不敏感）。
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// Order 订单簿中的一笔挂单。Price 可能为空（索引器未给出价格）。
type Order struct {
	ID        string              `json:"id"`
	Market    MarketID            `json:"market"`
	Trader    string              `json:"trader"`
	Side      Side                `json:"side"`
	Price     decimal.NullDecimal `json:"price"`
	Size      decimal.Decimal     `json:"size"`
	Timestamp int64               `json:"timestamp"`
}

// OrderQuery fetchOrders 的参数；Trader/ActiveOnly 为可选过滤。
type OrderQuery struct {
	Market     MarketID
	Side       Side
	Limit      int
	Trader     string
	ActiveOnly *bool
}

// SpotMarket 索引器登记的现货市场。
type SpotMarket struct {
	ID       MarketID `json:"id"`
	AssetID  string   `json:"assetId"`
	Decimals int32    `json:"decimals"`
}

// Capability 数据源是否支持某项查询。
type Capability string

const (
	CapabilitySupported   Capability = "supported"
	CapabilityUnsupported Capability = "unsupported"
)

// MarketVolume 24h 成交量统计；数据源不支持时各值为 0，Status 为 unsupported。
type MarketVolume struct {
	Market MarketID        `json:"market"`
	Volume decimal.Decimal `json:"volume"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Status Capability      `json:"status"`
}

// MarketPrice 同上，数据源不支持时 Price 为 0。
type MarketPrice struct {
	Market MarketID        `json:"market"`
	Price  decimal.Decimal `json:"price"`
	Status Capability      `json:"status"`
}
