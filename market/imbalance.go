package market

import "github.com/shopspring/decimal"

// Imbalance 计算买卖盘量的不平衡度：(BidVol - AskVol) / (BidVol + AskVol)，保留 4 位小数。
// 总量为 0 时返回 0。
func Imbalance(bidVolume, askVolume decimal.Decimal) decimal.Decimal {
	total := bidVolume.Add(askVolume)
	if total.IsZero() {
		return decimal.Zero
	}
	return bidVolume.Sub(askVolume).DivRound(total, 4)
}

// ImbalanceFromLevels 只统计窗口内的档位。
func ImbalanceFromLevels(buys, sells []Order) decimal.Decimal {
	return Imbalance(sumSize(buys), sumSize(sells))
}

func sumSize(orders []Order) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.Size)
	}
	return total
}
