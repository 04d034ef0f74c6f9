package gateway

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-sync-go/market"
)

var (
	testVault          = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testAccountBalance = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	testClearingHouse  = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	testPerpMarket     = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	testTrader         = common.HexToAddress("0x52908400098527886E0F7030069857D2E4169EE7")
	assetETH           = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	assetBTC           = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type callHandler func(args []interface{}) ([]interface{}, error)

// fakeChain 按 ABI 解码调用数据，并用同一份 ABI 编码返回值。
type fakeChain struct {
	t        *testing.T
	mu       sync.Mutex
	abis     map[common.Address]abi.ABI
	handlers map[string]callHandler
	raw      map[string][]byte
	calls    map[string]int
}

func newFakeChain(t *testing.T) *fakeChain {
	abis, err := contractABIs()
	require.NoError(t, err)
	return &fakeChain{
		t: t,
		abis: map[common.Address]abi.ABI{
			testVault:          abis[contractVault],
			testAccountBalance: abis[contractAccountBalance],
			testClearingHouse:  abis[contractClearingHouse],
			testPerpMarket:     abis[contractPerpMarket],
		},
		handlers: make(map[string]callHandler),
		raw:      make(map[string][]byte),
		calls:    make(map[string]int),
	}
}

func (f *fakeChain) on(method string, h callHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, ok := f.abis[*msg.To]
	if !ok {
		return nil, errors.New("no contract at address")
	}
	method, err := parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls[method.Name]++
	h := f.handlers[method.Name]
	raw, hasRaw := f.raw[method.Name]
	f.mu.Unlock()

	if hasRaw {
		return raw, nil
	}
	if h == nil {
		return nil, errors.New("execution reverted")
	}
	outs, err := h(args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(outs...)
}

func newTestPerpClient(t *testing.T, chain *fakeChain) *PerpClient {
	t.Helper()
	cli, err := NewPerpClient(chain, PerpConfig{
		Contracts: PerpContracts{
			Vault:          testVault.Hex(),
			AccountBalance: testAccountBalance.Hex(),
			ClearingHouse:  testClearingHouse.Hex(),
			PerpMarket:     testPerpMarket.Hex(),
			QuoteAsset:     "USDC",
		},
		Scales: DefaultPerpScales(),
		Fanout: 2,
	}, nil, nil)
	require.NoError(t, err)
	return cli
}

func marketOutputs(asset common.Address) []interface{} {
	return []interface{}{
		asset,
		uint64(50000), uint64(25000), uint8(0),
		false, uint64(0),
		false, uint64(0),
		false, uint64(0),
	}
}

func TestFetchPerpMarket(t *testing.T) {
	chain := newFakeChain(t)
	chain.on("get_market", func(args []interface{}) ([]interface{}, error) {
		asset := args[0].(common.Address)
		return []interface{}{
			asset,
			uint64(50000), uint64(25000), uint8(1),
			true, uint64(3000_000000000),
			true, uint64(1700000000),
			false, uint64(0),
		}, nil
	})
	cli := newTestPerpClient(t, chain)

	state, err := cli.FetchPerpMarket(context.Background(), assetETH.Hex())
	require.NoError(t, err)
	assert.Equal(t, assetETH.Hex(), state.Asset)
	assert.Equal(t, "USDC", state.Quote)
	assert.Equal(t, "0.05", state.IMRatio.String())
	assert.Equal(t, "0.025", state.MMRatio.String())
	assert.Equal(t, market.PerpMarketPaused, state.Status)
	require.True(t, state.PausedIndexPrice.Valid)
	assert.Equal(t, "3000", state.PausedIndexPrice.Decimal.String())
	assert.Equal(t, int64(1700000000), state.PausedTimestamp)
	assert.False(t, state.ClosedPrice.Valid)
}

func TestFetchAllPerpMarketsPartialFailure(t *testing.T) {
	assets := []string{
		common.HexToAddress("0x01").Hex(),
		common.HexToAddress("0x02").Hex(),
		common.HexToAddress("0x03").Hex(),
		common.HexToAddress("0x04").Hex(),
		common.HexToAddress("0x05").Hex(),
	}
	bad := common.HexToAddress("0x03")

	chain := newFakeChain(t)
	chain.on("get_market", func(args []interface{}) ([]interface{}, error) {
		asset := args[0].(common.Address)
		if asset == bad {
			return nil, errors.New("execution reverted: unknown market")
		}
		return marketOutputs(asset), nil
	})
	cli := newTestPerpClient(t, chain)

	states := cli.FetchAllPerpMarkets(context.Background(), assets)
	require.Len(t, states, 4)
	got := make([]string, 0, len(states))
	for _, s := range states {
		got = append(got, s.Asset)
	}
	assert.Equal(t, []string{assets[0], assets[1], assets[3], assets[4]}, got)
}

func TestFetchAllPerpMarketsInvalidAsset(t *testing.T) {
	chain := newFakeChain(t)
	chain.on("get_market", func(args []interface{}) ([]interface{}, error) {
		return marketOutputs(args[0].(common.Address)), nil
	})
	cli := newTestPerpClient(t, chain)
	states := cli.FetchAllPerpMarkets(context.Background(), []string{"not-an-address", assetETH.Hex()})
	require.Len(t, states, 1)
	assert.Equal(t, assetETH.Hex(), states[0].Asset)
}

func TestFetchMaxAbsPositionSizeIndependentBounds(t *testing.T) {
	chain := newFakeChain(t)
	chain.on("get_max_abs_position_size", func(args []interface{}) ([]interface{}, error) {
		if args[0].(common.Address) != testTrader || args[1].(common.Address) != assetETH {
			t.Fatalf("unexpected args %v", args)
		}
		return []interface{}{uint64(1_000000000), uint64(2_500000000)}, nil
	})
	cli := newTestPerpClient(t, chain)

	size, err := cli.FetchMaxAbsPositionSize(context.Background(), testTrader.Hex(), assetETH.Hex())
	require.NoError(t, err)
	assert.Equal(t, "1", size.Short.String())
	assert.Equal(t, "2.5", size.Long.String())
}

func TestFetchFundingRateSigned(t *testing.T) {
	chain := newFakeChain(t)
	chain.on("get_funding_rate", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{uint64(500000000000000), true}, nil
	})
	cli := newTestPerpClient(t, chain)

	rate, err := cli.FetchFundingRate(context.Background(), assetETH.Hex())
	require.NoError(t, err)
	assert.Equal(t, "-0.0005", rate.String())
}

func TestFetchPendingFundingPayment(t *testing.T) {
	chain := newFakeChain(t)
	chain.on("get_pending_funding_payment", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{uint64(1_500000), true, uint64(2000000000000000000), false}, nil
	})
	cli := newTestPerpClient(t, chain)
	p, err := cli.FetchPendingFundingPayment(context.Background(), testTrader.Hex(), assetETH.Hex())
	require.NoError(t, err)
	assert.Equal(t, "-1.5", p.Payment.String())
	assert.Equal(t, "2", p.GrowthPayment.String())
}

func positionsHandler(args []interface{}) ([]interface{}, error) {
	return []interface{}{
		[]common.Address{assetETH, assetBTC},
		[]uint64{10, 20},
		[]bool{false, true},
		[]uint64{3000_000000, 500_000000},
		[]bool{true, false},
		[]uint64{1_000000000, 250000000},
		[]bool{false, true},
	}, nil
}

func TestFetchPerpPosition(t *testing.T) {
	chain := newFakeChain(t)
	chain.on("get_all_trader_positions", positionsHandler)
	cli := newTestPerpClient(t, chain)
	ctx := context.Background()

	all, err := cli.FetchAllTraderPositions(ctx, testTrader.Hex())
	require.NoError(t, err)
	require.Len(t, all, 2)

	btc, err := cli.FetchPerpPosition(ctx, testTrader.Hex(), assetBTC.Hex())
	require.NoError(t, err)
	assert.Equal(t, "-0.25", btc.TakerPositionSize.String())
	assert.Equal(t, "500", btc.TakerOpenNotional.String())
	assert.Equal(t, "-0.00000000000000002", btc.LastTwPremiumGrowthGlobal.String())

	eth, err := cli.FetchPerpPosition(ctx, testTrader.Hex(), assetETH.Hex())
	require.NoError(t, err)
	assert.Equal(t, "1", eth.TakerPositionSize.String())
	assert.Equal(t, "-3000", eth.TakerOpenNotional.String())

	none, err := cli.FetchPerpPosition(ctx, testTrader.Hex(), common.HexToAddress("0x77").Hex())
	require.NoError(t, err)
	assert.True(t, none.IsFlat())
	assert.Equal(t, testTrader.Hex(), none.Trader)
}

func TestFetchAllTraderPositionsLengthMismatch(t *testing.T) {
	chain := newFakeChain(t)
	chain.on("get_all_trader_positions", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{
			[]common.Address{assetETH, assetBTC},
			[]uint64{10},
			[]bool{false},
			[]uint64{1},
			[]bool{false},
			[]uint64{1},
			[]bool{false},
		}, nil
	})
	cli := newTestPerpClient(t, chain)
	_, err := cli.FetchAllTraderPositions(context.Background(), testTrader.Hex())
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestFetchTraderOrders(t *testing.T) {
	var id [32]byte
	id[31] = 7
	chain := newFakeChain(t)
	chain.on("get_trader_orders", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{
			[][32]byte{id},
			[]common.Address{testTrader},
			[]common.Address{assetETH},
			[]uint64{2_000000000},
			[]bool{true},
			[]uint64{3100_000000000},
		}, nil
	})
	cli := newTestPerpClient(t, chain)
	orders, err := cli.FetchTraderOrders(context.Background(), testTrader.Hex(), assetETH.Hex())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, common.Hash(id).Hex(), orders[0].ID)
	assert.Equal(t, "-2", orders[0].BaseSize.String())
	assert.Equal(t, market.SideSell, orders[0].Side())
	assert.Equal(t, "3100", orders[0].Price.String())
}

func TestVaultReads(t *testing.T) {
	chain := newFakeChain(t)
	chain.on("get_collateral_balance", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{uint64(1234_500000)}, nil
	})
	chain.on("get_free_collateral", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{uint64(99_000000)}, nil
	})
	chain.on("is_allowed_collateral", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{args[0].(common.Address) == assetETH}, nil
	})
	chain.on("get_mark_price", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{uint64(3050_000000000)}, nil
	})
	chain.on("get_market_price", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{uint64(3049_500000000)}, nil
	})
	cli := newTestPerpClient(t, chain)
	ctx := context.Background()

	bal, err := cli.FetchCollateralBalance(ctx, testTrader.Hex(), assetETH.Hex())
	require.NoError(t, err)
	assert.Equal(t, "1234.5", bal.String())

	free, err := cli.FetchFreeCollateral(ctx, testTrader.Hex())
	require.NoError(t, err)
	assert.Equal(t, "99", free.String())

	ok, err := cli.FetchAllowedCollateral(ctx, assetETH.Hex())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = cli.FetchAllowedCollateral(ctx, assetBTC.Hex())
	require.NoError(t, err)
	assert.False(t, ok)

	mark, err := cli.FetchPerpMarkPrice(ctx, assetETH.Hex())
	require.NoError(t, err)
	assert.Equal(t, "3050", mark.String())
	last, err := cli.FetchPerpMarketPrice(ctx, assetETH.Hex())
	require.NoError(t, err)
	assert.Equal(t, "3049.5", last.String())
}

func TestPerpErrorTaxonomy(t *testing.T) {
	chain := newFakeChain(t)
	cli := newTestPerpClient(t, chain)
	ctx := context.Background()

	// 没有 handler -> revert -> unavailable
	_, err := cli.FetchFreeCollateral(ctx, testTrader.Hex())
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	chain.mu.Lock()
	chain.raw["get_free_collateral"] = []byte{0x01}
	chain.mu.Unlock()
	_, err = cli.FetchFreeCollateral(ctx, testTrader.Hex())
	assert.ErrorIs(t, err, ErrInvalidResponse)

	_, err = cli.FetchFreeCollateral(ctx, "0xnothex")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = cli.FetchFundingRate(canceled, assetETH.Hex())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestPerpUnknownStatus(t *testing.T) {
	chain := newFakeChain(t)
	chain.on("get_market", func(args []interface{}) ([]interface{}, error) {
		out := marketOutputs(args[0].(common.Address))
		out[3] = uint8(9)
		return out, nil
	})
	cli := newTestPerpClient(t, chain)
	_, err := cli.FetchPerpMarket(context.Background(), assetETH.Hex())
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestNewPerpClientValidatesAddresses(t *testing.T) {
	_, err := NewPerpClient(newFakeChain(t), PerpConfig{Contracts: PerpContracts{Vault: "bad"}}, nil, nil)
	assert.Error(t, err)
	_, err = NewPerpClient(nil, PerpConfig{}, nil, nil)
	assert.Error(t, err)
}
