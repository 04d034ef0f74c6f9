package market

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func priced(id string, side Side, price, size string) Order {
	return Order{
		ID:    id,
		Side:  side,
		Price: decimal.NewNullDecimal(decimal.RequireFromString(price)),
		Size:  decimal.RequireFromString(size),
	}
}

func unpriced(id string, side Side) Order {
	return Order{ID: id, Side: side, Size: decimal.NewFromInt(1)}
}

func prices(orders []Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		if !o.Price.Valid {
			out = append(out, "null")
			continue
		}
		out = append(out, o.Price.Decimal.String())
	}
	return out
}

func TestBuildSnapshotExample(t *testing.T) {
	buys := []Order{priced("b1", SideBuy, "100", "1"), priced("b2", SideBuy, "102", "2")}
	sells := []Order{priced("s1", SideSell, "105", "1"), priced("s2", SideSell, "103", "3")}

	snap := BuildSnapshot("ETH", buys, sells, BookView{Window: 20, Filter: FilterAll, SpreadPlaces: 2})

	assert.Equal(t, []string{"102", "100"}, prices(snap.Buys))
	assert.Equal(t, []string{"103", "105"}, prices(snap.Sells))
	assert.True(t, snap.SpreadAbsolute.Equal(decimal.NewFromInt(1)), "spread %s", snap.SpreadAbsolute)
	assert.Equal(t, "0.98", snap.SpreadPercentText())
	assert.Equal(t, "102", snap.BestBid.String())
	assert.Equal(t, "103", snap.BestAsk.String())
	// 输入不能被重排
	assert.Equal(t, "b1", buys[0].ID)
}

func TestBuildSnapshotEmptyBuySide(t *testing.T) {
	sells := []Order{priced("s1", SideSell, "105", "1")}
	snap := BuildSnapshot("ETH", nil, sells, DefaultBookView())

	assert.True(t, snap.SpreadAbsolute.IsZero())
	assert.True(t, snap.SpreadPercent.IsZero())
	assert.Equal(t, "0.00", snap.SpreadPercentText())
	assert.False(t, snap.HasSpread())
	assert.Len(t, snap.Sells, 1)
}

func TestBuildSnapshotBothEmpty(t *testing.T) {
	snap := BuildSnapshot("ETH", nil, nil, DefaultBookView())
	assert.Empty(t, snap.Buys)
	assert.Empty(t, snap.Sells)
	assert.Equal(t, "0.00", snap.SpreadPercentText())
	assert.Equal(t, "0.00", snap.SpreadAbsoluteText(2))
}

func TestSortNullsLast(t *testing.T) {
	buys := SortBuys([]Order{unpriced("n", SideBuy), priced("a", SideBuy, "99", "1"), priced("b", SideBuy, "101", "1")})
	assert.Equal(t, []string{"101", "99", "null"}, prices(buys))

	sells := SortSells([]Order{unpriced("n", SideSell), priced("a", SideSell, "101", "1"), priced("b", SideSell, "99", "1")})
	assert.Equal(t, []string{"99", "101", "null"}, prices(sells))
}

func TestSpreadIgnoresUnpricedSide(t *testing.T) {
	snap := BuildSnapshot("ETH",
		[]Order{unpriced("n", SideBuy)},
		[]Order{priced("s", SideSell, "10", "1")},
		DefaultBookView())
	assert.True(t, snap.SpreadAbsolute.IsZero())
	assert.Equal(t, "0.00", snap.SpreadPercentText())
}

func TestSpreadRounding(t *testing.T) {
	abs, pct := Spread(
		decimal.NewNullDecimal(decimal.RequireFromString("3")),
		decimal.NewNullDecimal(decimal.RequireFromString("3.0049")),
		2)
	assert.Equal(t, "0.00", abs.StringFixed(2))
	// 百分比基于未取整的价差
	assert.Equal(t, "0.16", pct.StringFixed(2))
}

func TestWindowSizes(t *testing.T) {
	cases := []struct {
		n         int
		mode      FilterMode
		buy, sell int
	}{
		{20, FilterBalanced, 9, 9},
		{10, FilterBalanced, 4, 4},
		{5, FilterBalanced, 2, 2},
		{1, FilterBalanced, 1, 1},
		{0, FilterBalanced, -1, -1},
		{20, FilterAll, 20, 20},
		{20, FilterBuy, 20, 0},
		{20, FilterSell, 0, 20},
		{0, FilterSell, 0, -1},
	}
	for _, c := range cases {
		b, s := WindowSizes(c.n, c.mode)
		assert.Equal(t, c.buy, b, "n=%d mode=%s", c.n, c.mode)
		assert.Equal(t, c.sell, s, "n=%d mode=%s", c.n, c.mode)
	}
}

func TestWindowKeepsLevelsNearestSpread(t *testing.T) {
	var buys, sells []Order
	for i := 0; i < 10; i++ {
		buys = append(buys, priced(fmt.Sprintf("b%d", i), SideBuy, fmt.Sprintf("%d", 90+i), "1"))
		sells = append(sells, priced(fmt.Sprintf("s%d", i), SideSell, fmt.Sprintf("%d", 110-i), "1"))
	}
	snap := BuildSnapshot("ETH", buys, sells, BookView{Window: 10, Filter: FilterBalanced, SpreadPlaces: 2})
	assert.Equal(t, []string{"99", "98", "97", "96"}, prices(snap.Buys))
	assert.Equal(t, []string{"101", "102", "103", "104"}, prices(snap.Sells))
	// 价差基于完整两侧
	assert.Equal(t, "2", snap.SpreadAbsolute.String())
}

func TestBuildSnapshotProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		var buys, sells []Order
		maxBid, minAsk := decimal.NullDecimal{}, decimal.NullDecimal{}
		nb, ns := rng.Intn(12), rng.Intn(12)
		for i := 0; i < nb; i++ {
			if rng.Intn(6) == 0 {
				buys = append(buys, unpriced(fmt.Sprintf("bn%d", i), SideBuy))
				continue
			}
			p := decimal.New(int64(rng.Intn(10000)+1), -2)
			buys = append(buys, Order{ID: fmt.Sprintf("b%d", i), Side: SideBuy, Price: decimal.NewNullDecimal(p)})
			if !maxBid.Valid || p.GreaterThan(maxBid.Decimal) {
				maxBid = decimal.NewNullDecimal(p)
			}
		}
		for i := 0; i < ns; i++ {
			if rng.Intn(6) == 0 {
				sells = append(sells, unpriced(fmt.Sprintf("sn%d", i), SideSell))
				continue
			}
			p := decimal.New(int64(rng.Intn(10000)+1), -2)
			sells = append(sells, Order{ID: fmt.Sprintf("s%d", i), Side: SideSell, Price: decimal.NewNullDecimal(p)})
			if !minAsk.Valid || p.LessThan(minAsk.Decimal) {
				minAsk = decimal.NewNullDecimal(p)
			}
		}

		snap := BuildSnapshot("X", buys, sells, BookView{Filter: FilterAll, SpreadPlaces: 2})
		require.Len(t, snap.Buys, len(buys))
		require.Len(t, snap.Sells, len(sells))
		assertOrdered(t, snap.Buys, func(a, b decimal.Decimal) bool { return a.GreaterThanOrEqual(b) })
		assertOrdered(t, snap.Sells, func(a, b decimal.Decimal) bool { return a.LessThanOrEqual(b) })

		if !maxBid.Valid || !minAsk.Valid {
			require.True(t, snap.SpreadAbsolute.IsZero())
			require.True(t, snap.SpreadPercent.IsZero())
			continue
		}
		raw := minAsk.Decimal.Sub(maxBid.Decimal)
		require.True(t, snap.SpreadAbsolute.Equal(raw.Round(2)), "round %d", round)
		want := raw.Mul(decimal.NewFromInt(100)).Div(maxBid.Decimal)
		require.True(t, snap.SpreadPercent.Sub(want).Abs().LessThanOrEqual(decimal.New(5, -3)), "round %d", round)
	}
}

func assertOrdered(t *testing.T, orders []Order, ok func(a, b decimal.Decimal) bool) {
	t.Helper()
	seenNull := false
	for i, o := range orders {
		if !o.Price.Valid {
			seenNull = true
			continue
		}
		require.False(t, seenNull, "priced order after null at %d", i)
		if i > 0 && orders[i-1].Price.Valid {
			require.True(t, ok(orders[i-1].Price.Decimal, o.Price.Decimal), "order broken at %d", i)
		}
	}
}

func TestParseFilterMode(t *testing.T) {
	m, err := ParseFilterMode("")
	require.NoError(t, err)
	assert.Equal(t, FilterBalanced, m)
	m, err = ParseFilterMode("ALL")
	require.NoError(t, err)
	assert.Equal(t, FilterAll, m)
	_, err = ParseFilterMode("half")
	assert.Error(t, err)
}
