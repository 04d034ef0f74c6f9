package perp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-sync-go/gateway"
	"market-sync-go/market"
)

const (
	trader = "0x52908400098527886E0F7030069857D2E4169EE7"
	eth    = "0x00000000000000000000000000000000000000E1"
	btc    = "0x00000000000000000000000000000000000000b1"
	usdc   = "0x0000000000000000000000000000000000000Cc1"
)

type fakeReader struct {
	failMarkets map[string]bool
	failFunding map[string]bool
	positions   []market.PerpPosition
	posErr      error
	freeErr     error
}

func (f *fakeReader) FetchPerpMarket(_ context.Context, asset string) (market.PerpMarketState, error) {
	if f.failMarkets[asset] {
		return market.PerpMarketState{}, gateway.ErrSourceUnavailable
	}
	return market.PerpMarketState{Asset: asset, Status: market.PerpMarketOpened}, nil
}

func (f *fakeReader) FetchAllPerpMarkets(ctx context.Context, assets []string) []market.PerpMarketState {
	out := []market.PerpMarketState{}
	for _, a := range assets {
		if s, err := f.FetchPerpMarket(ctx, a); err == nil {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeReader) FetchAllTraderPositions(context.Context, string) ([]market.PerpPosition, error) {
	return f.positions, f.posErr
}

func (f *fakeReader) FetchFundingRate(_ context.Context, asset string) (decimal.Decimal, error) {
	if f.failFunding[asset] {
		return decimal.Zero, errors.New("funding unavailable")
	}
	return decimal.RequireFromString("0.0001"), nil
}

func (f *fakeReader) FetchPendingFundingPayment(context.Context, string, string) (market.PendingFundingPayment, error) {
	return market.PendingFundingPayment{Payment: decimal.NewFromInt(-2)}, nil
}

func (f *fakeReader) FetchCollateralBalance(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1000), nil
}

func (f *fakeReader) FetchFreeCollateral(context.Context, string) (decimal.Decimal, error) {
	if f.freeErr != nil {
		return decimal.Zero, f.freeErr
	}
	return decimal.NewFromInt(750), nil
}

func (f *fakeReader) FetchAllowedCollateral(context.Context, string) (bool, error) {
	return true, nil
}

func (f *fakeReader) FetchMaxAbsPositionSize(context.Context, string, string) (market.MaxAbsPositionSize, error) {
	return market.MaxAbsPositionSize{Short: decimal.NewFromInt(3), Long: decimal.NewFromInt(5)}, nil
}

func (f *fakeReader) FetchTraderOrders(context.Context, string, string) ([]market.PerpOrder, error) {
	return nil, nil
}

func (f *fakeReader) FetchPerpMarkPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(3000), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type countObserver struct{ last int }

func (c *countObserver) ObservePerpMarkets(n int) { c.last = n }

func TestAccountSummaryPerFieldErrors(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	reader := &fakeReader{
		failFunding: map[string]bool{btc: true},
		positions: []market.PerpPosition{
			{Trader: trader, Asset: eth, TakerPositionSize: decimal.NewFromInt(2)},
		},
	}
	svc := NewService(reader, Options{Assets: []string{eth, btc}, CollateralAsset: usdc, Fanout: 2, Clock: fixedClock{now}})

	sum, err := svc.AccountSummary(context.Background(), "0x52908400098527886e0f7030069857d2e4169ee7", nil)
	require.NoError(t, err)
	assert.Equal(t, trader, sum.Trader)
	assert.Equal(t, now, sum.UpdatedAt)
	assert.Equal(t, "750", sum.FreeCollateral.Value.String())
	assert.Equal(t, "1000", sum.CollateralBalance.Value.String())
	assert.True(t, sum.CollateralAllowed.Value)

	require.Len(t, sum.Assets, 2)
	ethSum, btcSum := sum.Assets[0], sum.Assets[1]
	assert.Equal(t, eth, ethSum.Asset)
	assert.Equal(t, "2", ethSum.Position.Value.TakerPositionSize.String())
	assert.Empty(t, ethSum.FundingRate.Error)
	assert.Equal(t, "5", ethSum.MaxAbsSize.Value.Long.String())
	assert.Equal(t, "3", ethSum.MaxAbsSize.Value.Short.String())
	assert.NotNil(t, ethSum.Orders.Value)

	// btc 资金费率失败只影响这一个字段
	assert.Equal(t, "funding unavailable", btcSum.FundingRate.Error)
	assert.Equal(t, "3000", btcSum.MarkPrice.Value.String())
	assert.True(t, btcSum.Position.Value.IsFlat())
	assert.Equal(t, btc, btcSum.Position.Value.Asset)
}

func TestAccountSummaryPositionsFailure(t *testing.T) {
	reader := &fakeReader{posErr: gateway.ErrSourceUnavailable, freeErr: errors.New("vault down")}
	svc := NewService(reader, Options{Assets: []string{eth}})
	sum, err := svc.AccountSummary(context.Background(), trader, nil)
	require.NoError(t, err)
	assert.Equal(t, "vault down", sum.FreeCollateral.Error)
	assert.Equal(t, gateway.ErrSourceUnavailable.Error(), sum.Assets[0].Position.Error)
	assert.Empty(t, sum.CollateralBalance.Error, "collateral asset not configured")
}

func TestAccountSummaryInvalidTrader(t *testing.T) {
	svc := NewService(&fakeReader{}, Options{Assets: []string{eth}})
	_, err := svc.AccountSummary(context.Background(), "bob", nil)
	assert.ErrorIs(t, err, gateway.ErrInvalidArgument)
}

func TestRefreshMarkets(t *testing.T) {
	assets := []string{"0x01", "0x02", "0x03", "0x04", "0x05"}
	reader := &fakeReader{failMarkets: map[string]bool{"0x03": true}}
	obs := &countObserver{}
	svc := NewService(reader, Options{Assets: assets, Observer: obs})

	assert.Empty(t, svc.CachedMarkets().Markets)
	require.NoError(t, svc.RefreshMarkets(context.Background()))
	assert.Len(t, svc.CachedMarkets().Markets, 4)
	assert.Equal(t, 4, obs.last)

	// 全部失败时保留上次结果
	for _, a := range assets {
		reader.failMarkets[a] = true
	}
	assert.Error(t, svc.RefreshMarkets(context.Background()))
	assert.Len(t, svc.CachedMarkets().Markets, 4)
}

func TestMarketsDelegates(t *testing.T) {
	svc := NewService(&fakeReader{}, Options{Assets: []string{eth, btc}})
	got := svc.Markets(context.Background())
	require.Len(t, got, 2)
	assert.Equal(t, btc, got[1].Asset)

	one, err := svc.Market(context.Background(), eth)
	require.NoError(t, err)
	assert.Equal(t, market.PerpMarketOpened, one.Status)
	assert.Equal(t, []string{eth, btc}, svc.Assets())
}
