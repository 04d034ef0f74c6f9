package market

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestImbalance(t *testing.T) {
	assert.Equal(t, "0.5", Imbalance(decimal.NewFromInt(3), decimal.NewFromInt(1)).String())
	assert.Equal(t, "-1", Imbalance(decimal.Zero, decimal.NewFromInt(2)).String())
	assert.True(t, Imbalance(decimal.Zero, decimal.Zero).IsZero())
}

func TestSnapshotImbalanceUsesWindow(t *testing.T) {
	buys := []Order{priced("b1", SideBuy, "100", "1"), priced("b2", SideBuy, "102", "3")}
	sells := []Order{priced("s1", SideSell, "105", "4"), priced("s2", SideSell, "103", "1")}
	snap := BuildSnapshot("ETH", buys, sells, BookView{Window: 4, Filter: FilterBalanced, SpreadPlaces: 2})
	// 每侧 1 档：买 3，卖 1
	assert.Equal(t, "0.5", snap.Imbalance.String())
}
