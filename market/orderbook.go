package market

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"market-sync-go/fixedpoint"
)

// FilterMode 订单簿展示模式。
type FilterMode string

const (
	// FilterBalanced 买卖两侧平分窗口。
	FilterBalanced FilterMode = "balanced"
	// FilterAll 每一侧都使用完整窗口。
	FilterAll FilterMode = "all"
	// FilterBuy 只展示买单。
	FilterBuy FilterMode = "buy"
	// FilterSell 只展示卖单。
	FilterSell FilterMode = "sell"
)

// ParseFilterMode 空字符串视为 balanced。
func ParseFilterMode(s string) (FilterMode, error) {
	switch m := FilterMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return FilterBalanced, nil
	case FilterBalanced, FilterAll, FilterBuy, FilterSell:
		return m, nil
	}
	return "", fmt.Errorf("unknown filter mode %q", s)
}

// BookView 展示参数：窗口大小 N 由外部（屏幕空间）决定。
type BookView struct {
	Window       int
	Filter       FilterMode
	SpreadPlaces int32
}

// DefaultBookView 默认 20 档、平分、价差两位小数。
func DefaultBookView() BookView {
	return BookView{Window: 20, Filter: FilterBalanced, SpreadPlaces: 2}
}

// WindowSizes 返回每一侧展示的档数，-1 表示不截断。
func WindowSizes(n int, mode FilterMode) (buys, sells int) {
	full := n
	if n <= 0 {
		full = -1
	}
	switch mode {
	case FilterBuy:
		return full, 0
	case FilterSell:
		return 0, full
	case FilterAll:
		return full, full
	}
	if full < 0 {
		return -1, -1
	}
	half := (n+1)/2 - 1
	if half < 1 {
		half = 1
	}
	return half, half
}

// SortBuys 按价格降序排列，无价格的排最后；返回新切片。
func SortBuys(orders []Order) []Order {
	return sortOrders(orders, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
}

// SortSells 按价格升序排列，无价格的排最后；返回新切片。
func SortSells(orders []Order) []Order {
	return sortOrders(orders, func(a, b decimal.Decimal) bool { return a.LessThan(b) })
}

func sortOrders(orders []Order, better func(a, b decimal.Decimal) bool) []Order {
	out := make([]Order, len(orders))
	copy(out, orders)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Price, out[j].Price
		if pi.Valid != pj.Valid {
			return pi.Valid
		}
		if pi.Valid && !pi.Decimal.Equal(pj.Decimal) {
			return better(pi.Decimal, pj.Decimal)
		}
		// 同价按时间优先
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func head(orders []Order, n int) []Order {
	if n < 0 || n >= len(orders) {
		return orders
	}
	return orders[:n]
}

func bestPrice(sorted []Order) decimal.NullDecimal {
	if len(sorted) == 0 {
		return decimal.NullDecimal{}
	}
	return sorted[0].Price
}

// Spread 计算绝对价差与百分比价差；任一侧缺失或买一为 0 时返回零值。
// 百分比基于未取整的绝对价差计算。
func Spread(bestBid, bestAsk decimal.NullDecimal, places int32) (abs, pct decimal.Decimal) {
	if !bestBid.Valid || !bestAsk.Valid || bestBid.Decimal.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	raw := bestAsk.Decimal.Sub(bestBid.Decimal)
	return raw.Round(places), fixedpoint.Percent(raw, bestBid.Decimal, 2)
}

// BuildSnapshot 排序、开窗并计算价差。价差始终基于完整的两侧，而不是窗口内的订单。
func BuildSnapshot(m MarketID, buys, sells []Order, view BookView) *OrderBookSnapshot {
	sortedBuys := SortBuys(buys)
	sortedSells := SortSells(sells)

	bid, ask := bestPrice(sortedBuys), bestPrice(sortedSells)
	abs, pct := Spread(bid, ask, view.SpreadPlaces)

	nb, ns := WindowSizes(view.Window, view.Filter)
	snap := &OrderBookSnapshot{
		Market:         m,
		Buys:           head(sortedBuys, nb),
		Sells:          head(sortedSells, ns),
		SpreadAbsolute: abs,
		SpreadPercent:  pct,
	}
	snap.Imbalance = ImbalanceFromLevels(snap.Buys, snap.Sells)
	if bid.Valid {
		snap.BestBid = bid.Decimal
	}
	if ask.Valid {
		snap.BestAsk = ask.Decimal
	}
	return snap
}
