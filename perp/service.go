// Package perp 汇总永续合约相关的只读查询：市场列表缓存与账户概览。
package perp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"market-sync-go/gateway"
	"market-sync-go/market"
)

// Reader 永续合约读取接口，由 *gateway.PerpClient 实现。
type Reader interface {
	FetchPerpMarket(ctx context.Context, asset string) (market.PerpMarketState, error)
	FetchAllPerpMarkets(ctx context.Context, assets []string) []market.PerpMarketState
	FetchAllTraderPositions(ctx context.Context, trader string) ([]market.PerpPosition, error)
	FetchFundingRate(ctx context.Context, asset string) (decimal.Decimal, error)
	FetchPendingFundingPayment(ctx context.Context, trader, asset string) (market.PendingFundingPayment, error)
	FetchCollateralBalance(ctx context.Context, trader, asset string) (decimal.Decimal, error)
	FetchFreeCollateral(ctx context.Context, trader string) (decimal.Decimal, error)
	FetchAllowedCollateral(ctx context.Context, asset string) (bool, error)
	FetchMaxAbsPositionSize(ctx context.Context, trader, asset string) (market.MaxAbsPositionSize, error)
	FetchTraderOrders(ctx context.Context, trader, asset string) ([]market.PerpOrder, error)
	FetchPerpMarkPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Field 单个字段的值及其错误；一个字段失败不影响其它字段。
type Field[T any] struct {
	Value T      `json:"value"`
	Error string `json:"error,omitempty"`
}

func field[T any](v T, err error) Field[T] {
	if err != nil {
		var zero T
		return Field[T]{Value: zero, Error: err.Error()}
	}
	return Field[T]{Value: v}
}

// AssetSummary 账户在单个市场上的视图。
type AssetSummary struct {
	Asset          string                              `json:"asset"`
	Position       Field[market.PerpPosition]          `json:"position"`
	FundingRate    Field[decimal.Decimal]              `json:"fundingRate"`
	PendingFunding Field[market.PendingFundingPayment] `json:"pendingFunding"`
	MaxAbsSize     Field[market.MaxAbsPositionSize]    `json:"maxAbsPositionSize"`
	Orders         Field[[]market.PerpOrder]           `json:"orders"`
	MarkPrice      Field[decimal.Decimal]              `json:"markPrice"`
}

// AccountSummary 账户概览
type AccountSummary struct {
	Trader            string                 `json:"trader"`
	CollateralAsset   string                 `json:"collateralAsset,omitempty"`
	CollateralAllowed Field[bool]            `json:"collateralAllowed"`
	CollateralBalance Field[decimal.Decimal] `json:"collateralBalance"`
	FreeCollateral    Field[decimal.Decimal] `json:"freeCollateral"`
	Assets            []AssetSummary         `json:"assets"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// Observer 市场列表刷新结果（由 monitor 实现）。
type Observer interface {
	ObservePerpMarkets(n int)
}

type Options struct {
	Assets          []string
	CollateralAsset string
	Fanout          int
	Logger          *zap.Logger
	Clock           market.Clock
	Observer        Observer
}

// MarketsView 最近一次成功刷新的市场列表。
type MarketsView struct {
	Markets   []market.PerpMarketState `json:"markets"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

type Service struct {
	reader          Reader
	assets          []string
	collateralAsset string
	fanout          int
	logger          *zap.Logger
	clock           market.Clock
	obs             Observer

	markets atomic.Pointer[MarketsView]
}

func NewService(reader Reader, opts Options) *Service {
	if opts.Fanout <= 0 {
		opts.Fanout = 8
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = market.SystemClock
	}
	s := &Service{
		reader:          reader,
		assets:          append([]string(nil), opts.Assets...),
		collateralAsset: opts.CollateralAsset,
		fanout:          opts.Fanout,
		logger:          opts.Logger.With(zap.String("component", "perp_service")),
		clock:           opts.Clock,
		obs:             opts.Observer,
	}
	s.markets.Store(&MarketsView{Markets: []market.PerpMarketState{}})
	return s
}

func (s *Service) Assets() []string { return append([]string(nil), s.assets...) }

// Markets 实时拉取所有配置的市场，单个失败的市场被跳过。
func (s *Service) Markets(ctx context.Context) []market.PerpMarketState {
	return s.reader.FetchAllPerpMarkets(ctx, s.assets)
}

// Market 单个市场。
func (s *Service) Market(ctx context.Context, asset string) (market.PerpMarketState, error) {
	return s.reader.FetchPerpMarket(ctx, asset)
}

// RefreshMarkets 供 Poller 调用：刷新缓存的市场列表。
// 全部失败时保留上一次结果并返回错误。
func (s *Service) RefreshMarkets(ctx context.Context) error {
	if len(s.assets) == 0 {
		return nil
	}
	states := s.Markets(ctx)
	if len(states) == 0 {
		return fmt.Errorf("no perp market could be loaded (%d configured)", len(s.assets))
	}
	s.markets.Store(&MarketsView{Markets: states, UpdatedAt: s.clock.Now()})
	if s.obs != nil {
		s.obs.ObservePerpMarkets(len(states))
	}
	if len(states) < len(s.assets) {
		s.logger.Warn("some perp markets failed to load",
			zap.Int("loaded", len(states)), zap.Int("configured", len(s.assets)))
	}
	return nil
}

// CachedMarkets 返回最近一次刷新的结果（不会为 nil）。
func (s *Service) CachedMarkets() *MarketsView { return s.markets.Load() }

// AccountSummary 并发读取账户的保证金与各市场数据。
// 只有 trader 地址非法时整体返回错误，其余失败记录在对应字段上。
func (s *Service) AccountSummary(ctx context.Context, trader string, assets []string) (*AccountSummary, error) {
	addr, err := gateway.ParseAddress(trader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidArgument, err)
	}
	trader = addr.Hex()
	if len(assets) == 0 {
		assets = s.assets
	}

	summary := &AccountSummary{
		Trader:          trader,
		CollateralAsset: s.collateralAsset,
		Assets:          make([]AssetSummary, len(assets)),
	}

	var (
		wg        sync.WaitGroup
		sem       = make(chan struct{}, s.fanout)
		positions []market.PerpPosition
		posErr    error
	)
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			fn()
		}()
	}

	run(func() {
		v, err := s.reader.FetchFreeCollateral(ctx, trader)
		summary.FreeCollateral = field(v, err)
	})
	if s.collateralAsset != "" {
		run(func() {
			v, err := s.reader.FetchCollateralBalance(ctx, trader, s.collateralAsset)
			summary.CollateralBalance = field(v, err)
		})
		run(func() {
			v, err := s.reader.FetchAllowedCollateral(ctx, s.collateralAsset)
			summary.CollateralAllowed = field(v, err)
		})
	}
	// 所有持仓一次读取，再按市场拆分
	run(func() {
		positions, posErr = s.reader.FetchAllTraderPositions(ctx, trader)
	})

	for i, asset := range assets {
		a := &summary.Assets[i]
		a.Asset = asset
		run(func() {
			v, err := s.reader.FetchFundingRate(ctx, asset)
			a.FundingRate = field(v, err)
		})
		run(func() {
			v, err := s.reader.FetchPendingFundingPayment(ctx, trader, asset)
			a.PendingFunding = field(v, err)
		})
		run(func() {
			v, err := s.reader.FetchMaxAbsPositionSize(ctx, trader, asset)
			a.MaxAbsSize = field(v, err)
		})
		run(func() {
			v, err := s.reader.FetchTraderOrders(ctx, trader, asset)
			if v == nil {
				v = []market.PerpOrder{}
			}
			a.Orders = field(v, err)
		})
		run(func() {
			v, err := s.reader.FetchPerpMarkPrice(ctx, asset)
			a.MarkPrice = field(v, err)
		})
	}
	wg.Wait()

	for i := range summary.Assets {
		a := &summary.Assets[i]
		if posErr != nil {
			a.Position = Field[market.PerpPosition]{Error: posErr.Error()}
			continue
		}
		a.Position = Field[market.PerpPosition]{Value: findPosition(positions, trader, a.Asset)}
	}
	summary.UpdatedAt = s.clock.Now()

	s.logger.Debug("account summary built",
		zap.String("trader", trader),
		zap.Int("assets", len(assets)),
		zap.Bool("positions_ok", posErr == nil))
	return summary, nil
}

func findPosition(positions []market.PerpPosition, trader, asset string) market.PerpPosition {
	want, err := gateway.ParseAddress(asset)
	if err == nil {
		for _, p := range positions {
			if got, perr := gateway.ParseAddress(p.Asset); perr == nil && got == want {
				return p
			}
		}
	}
	return market.PerpPosition{Trader: trader, Asset: asset}
}
