package market

import (
	"github.com/shopspring/decimal"
)

// PerpMarketStatus 永续市场状态。
type PerpMarketStatus string

const (
	PerpMarketOpened PerpMarketStatus = "opened"
	PerpMarketPaused PerpMarketStatus = "paused"
	PerpMarketClosed PerpMarketStatus = "closed"
)

// PerpMarketStatusFromCode 合约中的 u8 状态码：0 opened, 1 paused, 2 closed。
func PerpMarketStatusFromCode(code uint8) (PerpMarketStatus, bool) {
	switch code {
	case 0:
		return PerpMarketOpened, true
	case 1:
		return PerpMarketPaused, true
	case 2:
		return PerpMarketClosed, true
	}
	return "", false
}

// PerpMarketState clearing house 返回的市场参数（只读投影）。
type PerpMarketState struct {
	Asset            string              `json:"asset"`
	Quote            string              `json:"quote"`
	IMRatio          decimal.Decimal     `json:"imRatio"`
	MMRatio          decimal.Decimal     `json:"mmRatio"`
	Status           PerpMarketStatus    `json:"status"`
	PausedIndexPrice decimal.NullDecimal `json:"pausedIndexPrice"`
	PausedTimestamp  int64               `json:"pausedTimestamp,omitempty"`
	ClosedPrice      decimal.NullDecimal `json:"closedPrice"`
}

// PerpPosition 账户在某个永续市场的持仓；未持仓时各值为 0。
type PerpPosition struct {
	Trader                    string          `json:"trader"`
	Asset                     string          `json:"asset"`
	TakerPositionSize         decimal.Decimal `json:"takerPositionSize"`
	TakerOpenNotional         decimal.Decimal `json:"takerOpenNotional"`
	LastTwPremiumGrowthGlobal decimal.Decimal `json:"lastTwPremiumGrowthGlobal"`
}

// IsFlat 无持仓。
func (p PerpPosition) IsFlat() bool {
	return p.TakerPositionSize.IsZero()
}

// PerpOrder 永续挂单，BaseSize 为有符号数，负数为卖单。
type PerpOrder struct {
	ID       string          `json:"id"`
	Trader   string          `json:"trader"`
	Asset    string          `json:"asset"`
	BaseSize decimal.Decimal `json:"baseSize"`
	Price    decimal.Decimal `json:"price"`
}

// Side 由 BaseSize 的符号推出。
func (o PerpOrder) Side() Side {
	if o.BaseSize.IsNegative() {
		return SideSell
	}
	return SideBuy
}

// MaxAbsPositionSize 账户在某市场可开的最大空/多仓位，两者独立取值。
type MaxAbsPositionSize struct {
	Short decimal.Decimal `json:"short"`
	Long  decimal.Decimal `json:"long"`
}

// PendingFundingPayment 待结算资金费。
type PendingFundingPayment struct {
	Payment       decimal.Decimal `json:"payment"`
	GrowthPayment decimal.Decimal `json:"growthPayment"`
}
