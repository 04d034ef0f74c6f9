package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"market-sync-go/fixedpoint"
	"market-sync-go/market"
)

// PerpContracts 四个永续合约的地址与计价资产。
type PerpContracts struct {
	Vault          string
	AccountBalance string
	ClearingHouse  string
	PerpMarket     string
	QuoteAsset     string
}

// PerpScales 每个字段的小数位，按字段声明解码，不使用统一默认值。
type PerpScales struct {
	Ratio      int32
	Price      int32
	Size       int32
	Notional   int32
	Collateral int32
	Funding    int32
	Premium    int32
}

// DefaultPerpScales ratio/notional/collateral 6 位，价格与数量 9 位，资金费率与溢价 18 位。
func DefaultPerpScales() PerpScales {
	return PerpScales{Ratio: 6, Price: 9, Size: 9, Notional: 6, Collateral: 6, Funding: 18, Premium: 18}
}

type PerpConfig struct {
	Contracts   PerpContracts
	Scales      PerpScales
	CallTimeout time.Duration
	Fanout      int // FetchAllPerpMarkets 的最大并发
}

// PerpClient 通过 eth_call 读取永续合约状态。
type PerpClient struct {
	caller      ethereum.ContractCaller
	abis        map[string]abi.ABI
	addrs       map[string]common.Address
	quote       string
	scales      PerpScales
	callTimeout time.Duration
	fanout      int
	obs         FetchObserver
	logger      *zap.Logger
}

func NewPerpClient(caller ethereum.ContractCaller, cfg PerpConfig, obs FetchObserver, logger *zap.Logger) (*PerpClient, error) {
	if caller == nil {
		return nil, errors.New("contract caller is required")
	}
	abis, err := contractABIs()
	if err != nil {
		return nil, err
	}
	addrs := make(map[string]common.Address, 4)
	for name, raw := range map[string]string{
		contractVault:          cfg.Contracts.Vault,
		contractAccountBalance: cfg.Contracts.AccountBalance,
		contractClearingHouse:  cfg.Contracts.ClearingHouse,
		contractPerpMarket:     cfg.Contracts.PerpMarket,
	} {
		addr, err := ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("%s contract: %w", name, err)
		}
		addrs[name] = addr
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = 8
	}
	if obs == nil {
		obs = nopFetchObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PerpClient{
		caller:      caller,
		abis:        abis,
		addrs:       addrs,
		quote:       cfg.Contracts.QuoteAsset,
		scales:      cfg.Scales,
		callTimeout: cfg.CallTimeout,
		fanout:      cfg.Fanout,
		obs:         obs,
		logger:      logger.With(zap.String("component", "perp_gateway")),
	}, nil
}

// call 打包参数、执行 eth_call 并解包输出。
func (c *PerpClient) call(ctx context.Context, op, contract, method string, args ...interface{}) (out []interface{}, err error) {
	start := time.Now()
	defer func() { c.obs.ObserveFetch(op, err, time.Since(start)) }()

	parsed := c.abis[contract]
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, badArgument(op, err)
	}
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	to := c.addrs[contract]
	res, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, unavailable(op, contract, err)
	}
	out, err = parsed.Unpack(method, res)
	if err != nil {
		return nil, invalid(op, contract, err)
	}
	return out, nil
}

// outputs 按位置取出指定类型的输出值。
type outputs struct {
	op, contract string
	vals         []interface{}
	err          error
}

func at[T any](o *outputs, i int) T {
	var zero T
	if o.err != nil {
		return zero
	}
	if i >= len(o.vals) {
		o.err = invalid(o.op, o.contract, fmt.Errorf("missing output %d", i))
		return zero
	}
	v, ok := o.vals[i].(T)
	if !ok {
		o.err = invalid(o.op, o.contract, fmt.Errorf("output %d: unexpected type %T", i, o.vals[i]))
		return zero
	}
	return v
}

func signed(value uint64, negative bool, scale int32) decimal.Decimal {
	return fixedpoint.FromSignedMagnitude(new(big.Int).SetUint64(value), negative, scale)
}

func (c *PerpClient) address(op, s string) (common.Address, error) {
	addr, err := ParseAddress(s)
	if err != nil {
		return common.Address{}, badArgument(op, err)
	}
	return addr, nil
}

// FetchPerpMarket 读取 clearing house 的市场参数。
func (c *PerpClient) FetchPerpMarket(ctx context.Context, asset string) (market.PerpMarketState, error) {
	const op = "fetchPerpMarket"
	assetAddr, err := c.address(op, asset)
	if err != nil {
		return market.PerpMarketState{}, err
	}
	vals, err := c.call(ctx, op, contractClearingHouse, "get_market", assetAddr)
	if err != nil {
		return market.PerpMarketState{}, err
	}
	o := &outputs{op: op, contract: contractClearingHouse, vals: vals}
	id := at[common.Address](o, 0)
	im := at[uint64](o, 1)
	mm := at[uint64](o, 2)
	code := at[uint8](o, 3)
	hasPausedPrice, pausedPrice := at[bool](o, 4), at[uint64](o, 5)
	hasPausedTs, pausedTs := at[bool](o, 6), at[uint64](o, 7)
	hasClosed, closed := at[bool](o, 8), at[uint64](o, 9)
	if o.err != nil {
		return market.PerpMarketState{}, o.err
	}
	status, ok := market.PerpMarketStatusFromCode(code)
	if !ok {
		return market.PerpMarketState{}, invalid(op, contractClearingHouse, fmt.Errorf("unknown status %d", code))
	}

	state := market.PerpMarketState{
		Asset:   id.Hex(),
		Quote:   c.quote,
		IMRatio: fixedpoint.FromUint64(im, c.scales.Ratio),
		MMRatio: fixedpoint.FromUint64(mm, c.scales.Ratio),
		Status:  status,
	}
	if hasPausedPrice {
		state.PausedIndexPrice = decimal.NewNullDecimal(fixedpoint.FromUint64(pausedPrice, c.scales.Price))
	}
	if hasPausedTs {
		state.PausedTimestamp = int64(pausedTs)
	}
	if hasClosed {
		state.ClosedPrice = decimal.NewNullDecimal(fixedpoint.FromUint64(closed, c.scales.Price))
	}
	return state, nil
}

// FetchAllPerpMarkets 并发拉取所有市场，只返回成功的结果（保持输入顺序）。
// 单个市场失败只记录日志，不影响其它市场，也不会让整批失败。
func (c *PerpClient) FetchAllPerpMarkets(ctx context.Context, assets []string) []market.PerpMarketState {
	results := make([]*market.PerpMarketState, len(assets))
	sem := make(chan struct{}, c.fanout)
	var wg sync.WaitGroup
	for i, asset := range assets {
		wg.Add(1)
		go func(i int, asset string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				c.logger.Warn("perp market skipped", zap.String("asset", asset), zap.Error(ctx.Err()))
				return
			}
			state, err := c.FetchPerpMarket(ctx, asset)
			if err != nil {
				c.logger.Warn("perp market fetch failed", zap.String("asset", asset), zap.Error(err))
				return
			}
			results[i] = &state
		}(i, asset)
	}
	wg.Wait()

	out := make([]market.PerpMarketState, 0, len(assets))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// FetchAllTraderPositions 返回账户的全部永续持仓。
func (c *PerpClient) FetchAllTraderPositions(ctx context.Context, trader string) ([]market.PerpPosition, error) {
	const op = "fetchAllTraderPositions"
	traderAddr, err := c.address(op, trader)
	if err != nil {
		return nil, err
	}
	vals, err := c.call(ctx, op, contractAccountBalance, "get_all_trader_positions", traderAddr)
	if err != nil {
		return nil, err
	}
	o := &outputs{op: op, contract: contractAccountBalance, vals: vals}
	assets := at[[]common.Address](o, 0)
	premium, premiumNeg := at[[]uint64](o, 1), at[[]bool](o, 2)
	notional, notionalNeg := at[[]uint64](o, 3), at[[]bool](o, 4)
	size, sizeNeg := at[[]uint64](o, 5), at[[]bool](o, 6)
	if o.err != nil {
		return nil, o.err
	}
	n := len(assets)
	for _, l := range []int{len(premium), len(premiumNeg), len(notional), len(notionalNeg), len(size), len(sizeNeg)} {
		if l != n {
			return nil, invalid(op, contractAccountBalance, fmt.Errorf("array length mismatch: %d != %d", l, n))
		}
	}

	positions := make([]market.PerpPosition, 0, n)
	for i := 0; i < n; i++ {
		positions = append(positions, market.PerpPosition{
			Trader:                    traderAddr.Hex(),
			Asset:                     assets[i].Hex(),
			LastTwPremiumGrowthGlobal: signed(premium[i], premiumNeg[i], c.scales.Premium),
			TakerOpenNotional:         signed(notional[i], notionalNeg[i], c.scales.Notional),
			TakerPositionSize:         signed(size[i], sizeNeg[i], c.scales.Size),
		})
	}
	return positions, nil
}

// FetchPerpPosition 账户在某市场的持仓；无持仓返回零值持仓。
func (c *PerpClient) FetchPerpPosition(ctx context.Context, trader, asset string) (market.PerpPosition, error) {
	assetAddr, err := c.address("fetchPerpPosition", asset)
	if err != nil {
		return market.PerpPosition{}, err
	}
	positions, err := c.FetchAllTraderPositions(ctx, trader)
	if err != nil {
		return market.PerpPosition{}, err
	}
	for _, p := range positions {
		if strings.EqualFold(p.Asset, assetAddr.Hex()) {
			return p, nil
		}
	}
	traderAddr, _ := ParseAddress(trader)
	return market.PerpPosition{Trader: traderAddr.Hex(), Asset: assetAddr.Hex()}, nil
}

// FetchFundingRate 有符号资金费率。
func (c *PerpClient) FetchFundingRate(ctx context.Context, asset string) (decimal.Decimal, error) {
	const op = "fetchFundingRate"
	assetAddr, err := c.address(op, asset)
	if err != nil {
		return decimal.Zero, err
	}
	vals, err := c.call(ctx, op, contractAccountBalance, "get_funding_rate", assetAddr)
	if err != nil {
		return decimal.Zero, err
	}
	o := &outputs{op: op, contract: contractAccountBalance, vals: vals}
	v, neg := at[uint64](o, 0), at[bool](o, 1)
	if o.err != nil {
		return decimal.Zero, o.err
	}
	return signed(v, neg, c.scales.Funding), nil
}

// FetchPendingFundingPayment 待结算资金费。
func (c *PerpClient) FetchPendingFundingPayment(ctx context.Context, trader, asset string) (market.PendingFundingPayment, error) {
	const op = "fetchPendingFundingPayment"
	traderAddr, err := c.address(op, trader)
	if err != nil {
		return market.PendingFundingPayment{}, err
	}
	assetAddr, err := c.address(op, asset)
	if err != nil {
		return market.PendingFundingPayment{}, err
	}
	vals, err := c.call(ctx, op, contractAccountBalance, "get_pending_funding_payment", traderAddr, assetAddr)
	if err != nil {
		return market.PendingFundingPayment{}, err
	}
	o := &outputs{op: op, contract: contractAccountBalance, vals: vals}
	p, pNeg := at[uint64](o, 0), at[bool](o, 1)
	g, gNeg := at[uint64](o, 2), at[bool](o, 3)
	if o.err != nil {
		return market.PendingFundingPayment{}, o.err
	}
	return market.PendingFundingPayment{
		Payment:       signed(p, pNeg, c.scales.Collateral),
		GrowthPayment: signed(g, gNeg, c.scales.Premium),
	}, nil
}

// FetchCollateralBalance 账户在 vault 中某抵押资产的余额。
func (c *PerpClient) FetchCollateralBalance(ctx context.Context, trader, asset string) (decimal.Decimal, error) {
	const op = "fetchCollateralBalance"
	traderAddr, err := c.address(op, trader)
	if err != nil {
		return decimal.Zero, err
	}
	assetAddr, err := c.address(op, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return c.uintCall(ctx, op, contractVault, "get_collateral_balance", c.scales.Collateral, traderAddr, assetAddr)
}

// FetchFreeCollateral 可用保证金。
func (c *PerpClient) FetchFreeCollateral(ctx context.Context, trader string) (decimal.Decimal, error) {
	const op = "fetchFreeCollateral"
	traderAddr, err := c.address(op, trader)
	if err != nil {
		return decimal.Zero, err
	}
	return c.uintCall(ctx, op, contractVault, "get_free_collateral", c.scales.Collateral, traderAddr)
}

// FetchAllowedCollateral 资产是否可作为抵押品。
func (c *PerpClient) FetchAllowedCollateral(ctx context.Context, asset string) (bool, error) {
	const op = "fetchAllowedCollateral"
	assetAddr, err := c.address(op, asset)
	if err != nil {
		return false, err
	}
	vals, err := c.call(ctx, op, contractVault, "is_allowed_collateral", assetAddr)
	if err != nil {
		return false, err
	}
	o := &outputs{op: op, contract: contractVault, vals: vals}
	allowed := at[bool](o, 0)
	return allowed, o.err
}

// FetchMaxAbsPositionSize short/long 分别来自两个独立输出。
func (c *PerpClient) FetchMaxAbsPositionSize(ctx context.Context, trader, asset string) (market.MaxAbsPositionSize, error) {
	const op = "fetchMaxAbsPositionSize"
	traderAddr, err := c.address(op, trader)
	if err != nil {
		return market.MaxAbsPositionSize{}, err
	}
	assetAddr, err := c.address(op, asset)
	if err != nil {
		return market.MaxAbsPositionSize{}, err
	}
	vals, err := c.call(ctx, op, contractClearingHouse, "get_max_abs_position_size", traderAddr, assetAddr)
	if err != nil {
		return market.MaxAbsPositionSize{}, err
	}
	o := &outputs{op: op, contract: contractClearingHouse, vals: vals}
	short, long := at[uint64](o, 0), at[uint64](o, 1)
	if o.err != nil {
		return market.MaxAbsPositionSize{}, o.err
	}
	return market.MaxAbsPositionSize{
		Short: fixedpoint.FromUint64(short, c.scales.Size),
		Long:  fixedpoint.FromUint64(long, c.scales.Size),
	}, nil
}

// FetchTraderOrders 账户在某市场的永续挂单。
func (c *PerpClient) FetchTraderOrders(ctx context.Context, trader, asset string) ([]market.PerpOrder, error) {
	const op = "fetchTraderOrders"
	traderAddr, err := c.address(op, trader)
	if err != nil {
		return nil, err
	}
	assetAddr, err := c.address(op, asset)
	if err != nil {
		return nil, err
	}
	vals, err := c.call(ctx, op, contractPerpMarket, "get_trader_orders", traderAddr, assetAddr)
	if err != nil {
		return nil, err
	}
	o := &outputs{op: op, contract: contractPerpMarket, vals: vals}
	ids := at[[][32]byte](o, 0)
	traders := at[[]common.Address](o, 1)
	tokens := at[[]common.Address](o, 2)
	sizes, sizeNeg := at[[]uint64](o, 3), at[[]bool](o, 4)
	prices := at[[]uint64](o, 5)
	if o.err != nil {
		return nil, o.err
	}
	n := len(ids)
	for _, l := range []int{len(traders), len(tokens), len(sizes), len(sizeNeg), len(prices)} {
		if l != n {
			return nil, invalid(op, contractPerpMarket, fmt.Errorf("array length mismatch: %d != %d", l, n))
		}
	}
	orders := make([]market.PerpOrder, 0, n)
	for i := 0; i < n; i++ {
		orders = append(orders, market.PerpOrder{
			ID:       common.Hash(ids[i]).Hex(),
			Trader:   traders[i].Hex(),
			Asset:    tokens[i].Hex(),
			BaseSize: signed(sizes[i], sizeNeg[i], c.scales.Size),
			Price:    fixedpoint.FromUint64(prices[i], c.scales.Price),
		})
	}
	return orders, nil
}

// FetchPerpMarketPrice perp market 合约记录的最新成交价。
func (c *PerpClient) FetchPerpMarketPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	const op = "fetchPerpMarketPrice"
	assetAddr, err := c.address(op, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return c.uintCall(ctx, op, contractPerpMarket, "get_market_price", c.scales.Price, assetAddr)
}

// FetchPerpMarkPrice 标记价格。
func (c *PerpClient) FetchPerpMarkPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	const op = "fetchPerpMarkPrice"
	assetAddr, err := c.address(op, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return c.uintCall(ctx, op, contractPerpMarket, "get_mark_price", c.scales.Price, assetAddr)
}

func (c *PerpClient) uintCall(ctx context.Context, op, contract, method string, scale int32, args ...interface{}) (decimal.Decimal, error) {
	vals, err := c.call(ctx, op, contract, method, args...)
	if err != nil {
		return decimal.Zero, err
	}
	o := &outputs{op: op, contract: contract, vals: vals}
	v := at[uint64](o, 0)
	if o.err != nil {
		return decimal.Zero, o.err
	}
	return fixedpoint.FromUint64(v, scale), nil
}
