package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"market-sync-go/fixedpoint"
	"market-sync-go/market"
)

const sourceIndexer = "indexer"

// MarketScale 现货市场数量/价格字段的小数位。
type MarketScale struct {
	SizeDecimals  int32
	PriceDecimals int32
}

// ScaleBook 按市场查找小数位，未登记的市场使用 Default。
type ScaleBook struct {
	Default MarketScale
	Markets map[market.MarketID]MarketScale
}

func (b ScaleBook) For(m market.MarketID) MarketScale {
	if s, ok := b.Markets[m]; ok {
		return s
	}
	return b.Default
}

// IndexerClient 现货订单/成交的索引器 HTTP 客户端；HTTPClient 可注入 httptest。
type IndexerClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    RateLimiter
	Scales     ScaleBook
	Observer   FetchObserver
	Logger     *zap.Logger
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// NewIndexerClient 填充默认值。
func NewIndexerClient(baseURL string, scales ScaleBook, limiter RateLimiter, obs FetchObserver, logger *zap.Logger) *IndexerClient {
	return &IndexerClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: NewDefaultHTTPClient(),
		Limiter:    limiter,
		Scales:     scales,
		Observer:   obs,
		Logger:     logger,
	}
}

// numText 兼容索引器以 JSON 数字或字符串返回的整数字段。
type numText struct {
	text  string
	valid bool
}

func (n *numText) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = numText{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = numText{text: s, valid: true}
		return nil
	}
	*n = numText{text: string(b), valid: true}
	return nil
}

type rawOrder struct {
	OrderID   string  `json:"order_id"`
	BaseToken string  `json:"base_token"`
	Trader    string  `json:"trader"`
	BaseSize  numText `json:"base_size"`
	BasePrice numText `json:"base_price"`
	CreatedAt string  `json:"createdAt"`
}

type rawTrade struct {
	ID           numText `json:"id"`
	BaseToken    string  `json:"base_token"`
	Buyer        string  `json:"buyer"`
	Seller       string  `json:"seller"`
	OrderMatcher string  `json:"order_matcher"`
	TradeSize    numText `json:"trade_size"`
	TradePrice   numText `json:"trade_price"`
	CreatedAt    string  `json:"createdAt"`
}

type rawMarket struct {
	AssetID       string  `json:"asset_id"`
	AssetDecimals numText `json:"asset_decimals"`
}

type rawVolume struct {
	Volume numText `json:"volume"`
	High   numText `json:"high"`
	Low    numText `json:"low"`
}

type rawPrice struct {
	Price numText `json:"price"`
}

// FetchOrders 拉取某一侧订单。任何一条记录解码失败，整次调用返回 ErrInvalidResponse。
func (c *IndexerClient) FetchOrders(ctx context.Context, q market.OrderQuery) (orders []market.Order, err error) {
	const op = "fetchOrders"
	defer c.observe(op, time.Now(), &err)

	if q.Market == "" {
		return nil, badArgument(op, errors.New("market required"))
	}
	if q.Side != market.SideBuy && q.Side != market.SideSell {
		return nil, badArgument(op, fmt.Errorf("side %q", q.Side))
	}
	if q.Limit <= 0 {
		return nil, badArgument(op, fmt.Errorf("limit must be > 0, got %d", q.Limit))
	}
	params := url.Values{}
	params.Set("baseToken", string(q.Market))
	params.Set("orderType", string(q.Side))
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.Trader != "" {
		trader, err := NormalizeAccount(q.Trader)
		if err != nil {
			return nil, badArgument(op, err)
		}
		params.Set("trader", trader)
	}
	if q.ActiveOnly != nil {
		params.Set("isOpened", strconv.FormatBool(*q.ActiveOnly))
	}

	var raws []rawOrder
	if _, err := c.getJSON(ctx, op, "/spot/orders", params, &raws, false); err != nil {
		return nil, err
	}
	scale := c.Scales.For(q.Market)
	orders = make([]market.Order, 0, len(raws))
	for i, r := range raws {
		o, err := decodeOrder(r, q, scale)
		if err != nil {
			return nil, invalid(op, sourceIndexer, fmt.Errorf("order %d: %w", i, err))
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func decodeOrder(r rawOrder, q market.OrderQuery, scale MarketScale) (market.Order, error) {
	if r.OrderID == "" {
		return market.Order{}, errors.New("empty order_id")
	}
	if !r.BaseSize.valid {
		return market.Order{}, errors.New("missing base_size")
	}
	size, err := fixedpoint.FromRawString(r.BaseSize.text, scale.SizeDecimals)
	if err != nil {
		return market.Order{}, fmt.Errorf("base_size: %w", err)
	}
	var price decimal.NullDecimal
	if r.BasePrice.valid {
		p, err := fixedpoint.FromRawString(r.BasePrice.text, scale.PriceDecimals)
		if err != nil {
			return market.Order{}, fmt.Errorf("base_price: %w", err)
		}
		price = decimal.NewNullDecimal(p)
	}
	ts, err := parseUnix(r.CreatedAt)
	if err != nil {
		return market.Order{}, err
	}
	m := q.Market
	if r.BaseToken != "" {
		m = market.MarketID(r.BaseToken)
	}
	return market.Order{
		ID:        r.OrderID,
		Market:    m,
		Trader:    r.Trader,
		Side:      q.Side,
		Price:     price,
		Size:      size.Abs(),
		Timestamp: ts,
	}, nil
}

// FetchTrades 拉取最近成交，顺序与索引器一致。
func (c *IndexerClient) FetchTrades(ctx context.Context, q market.TradeQuery) (trades []market.Trade, err error) {
	const op = "fetchTrades"
	defer c.observe(op, time.Now(), &err)

	if q.Market == "" {
		return nil, badArgument(op, errors.New("market required"))
	}
	if q.Limit <= 0 {
		return nil, badArgument(op, fmt.Errorf("limit must be > 0, got %d", q.Limit))
	}
	params := url.Values{}
	params.Set("baseToken", string(q.Market))
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.Trader != "" {
		trader, err := NormalizeAccount(q.Trader)
		if err != nil {
			return nil, badArgument(op, err)
		}
		params.Set("trader", trader)
	}

	var raws []rawTrade
	if _, err := c.getJSON(ctx, op, "/spot/trades", params, &raws, false); err != nil {
		return nil, err
	}
	scale := c.Scales.For(q.Market)
	trades = make([]market.Trade, 0, len(raws))
	for i, r := range raws {
		t, err := decodeTrade(r, q.Market, scale)
		if err != nil {
			return nil, invalid(op, sourceIndexer, fmt.Errorf("trade %d: %w", i, err))
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func decodeTrade(r rawTrade, m market.MarketID, scale MarketScale) (market.Trade, error) {
	if !r.ID.valid || r.ID.text == "" {
		return market.Trade{}, errors.New("empty id")
	}
	if !r.TradeSize.valid || !r.TradePrice.valid {
		return market.Trade{}, errors.New("missing trade_size/trade_price")
	}
	size, err := fixedpoint.FromRawString(r.TradeSize.text, scale.SizeDecimals)
	if err != nil {
		return market.Trade{}, fmt.Errorf("trade_size: %w", err)
	}
	price, err := fixedpoint.FromRawString(r.TradePrice.text, scale.PriceDecimals)
	if err != nil {
		return market.Trade{}, fmt.Errorf("trade_price: %w", err)
	}
	ts, err := parseUnix(r.CreatedAt)
	if err != nil {
		return market.Trade{}, err
	}
	if r.BaseToken != "" {
		m = market.MarketID(r.BaseToken)
	}
	return market.Trade{
		ID:        r.ID.text,
		Market:    m,
		Buyer:     r.Buyer,
		Seller:    r.Seller,
		Matcher:   r.OrderMatcher,
		Price:     price,
		Size:      size,
		Timestamp: ts,
	}, nil
}

// FetchSpotMarkets 返回索引器登记的现货市场。
func (c *IndexerClient) FetchSpotMarkets(ctx context.Context, limit int) (markets []market.SpotMarket, err error) {
	const op = "fetchSpotMarkets"
	defer c.observe(op, time.Now(), &err)

	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var raws []rawMarket
	if _, err := c.getJSON(ctx, op, "/spot/markets", params, &raws, false); err != nil {
		return nil, err
	}
	markets = make([]market.SpotMarket, 0, len(raws))
	for i, r := range raws {
		if r.AssetID == "" || !r.AssetDecimals.valid {
			return nil, invalid(op, sourceIndexer, fmt.Errorf("market %d: missing asset_id/asset_decimals", i))
		}
		dec, err := strconv.ParseInt(r.AssetDecimals.text, 10, 32)
		if err != nil || dec < 0 {
			return nil, invalid(op, sourceIndexer, fmt.Errorf("market %d: asset_decimals %q", i, r.AssetDecimals.text))
		}
		markets = append(markets, market.SpotMarket{
			ID:       market.MarketID(r.AssetID),
			AssetID:  r.AssetID,
			Decimals: int32(dec),
		})
	}
	return markets, nil
}

// FetchMarketVolume 数据源不支持时返回零值 + CapabilityUnsupported，而不是错误。
func (c *IndexerClient) FetchMarketVolume(ctx context.Context, m market.MarketID) (vol market.MarketVolume, err error) {
	const op = "fetchMarketVolume"
	defer c.observe(op, time.Now(), &err)

	vol = market.MarketVolume{Market: m, Status: market.CapabilityUnsupported}
	params := url.Values{}
	params.Set("baseToken", string(m))
	var raw rawVolume
	supported, err := c.getJSON(ctx, op, "/spot/volume", params, &raw, true)
	if err != nil {
		return vol, err
	}
	if !supported {
		c.logger().Debug("volume not supported by source", zap.String("market", string(m)))
		return vol, nil
	}
	scale := c.Scales.For(m)
	fields := []struct {
		name  string
		raw   numText
		scale int32
		dst   *decimal.Decimal
	}{
		{"volume", raw.Volume, scale.SizeDecimals, &vol.Volume},
		{"high", raw.High, scale.PriceDecimals, &vol.High},
		{"low", raw.Low, scale.PriceDecimals, &vol.Low},
	}
	for _, f := range fields {
		if !f.raw.valid {
			continue
		}
		d, err := fixedpoint.FromRawString(f.raw.text, f.scale)
		if err != nil {
			return market.MarketVolume{Market: m, Status: market.CapabilityUnsupported}, invalid(op, sourceIndexer, fmt.Errorf("%s: %w", f.name, err))
		}
		*f.dst = d
	}
	vol.Status = market.CapabilitySupported
	return vol, nil
}

// FetchSpotMarketPrice 同 FetchMarketVolume 的能力缺失规则。
func (c *IndexerClient) FetchSpotMarketPrice(ctx context.Context, m market.MarketID) (price market.MarketPrice, err error) {
	const op = "fetchSpotMarketPrice"
	defer c.observe(op, time.Now(), &err)

	price = market.MarketPrice{Market: m, Status: market.CapabilityUnsupported}
	params := url.Values{}
	params.Set("baseToken", string(m))
	var raw rawPrice
	supported, err := c.getJSON(ctx, op, "/spot/price", params, &raw, true)
	if err != nil || !supported {
		return price, err
	}
	if !raw.Price.valid {
		return price, invalid(op, sourceIndexer, errors.New("missing price"))
	}
	p, err := fixedpoint.FromRawString(raw.Price.text, c.Scales.For(m).PriceDecimals)
	if err != nil {
		return price, invalid(op, sourceIndexer, err)
	}
	price.Price = p
	price.Status = market.CapabilitySupported
	return price, nil
}

// getJSON 返回 supported=false 表示数据源明确不支持（404/501），仅在 allowUnsupported 时生效。
func (c *IndexerClient) getJSON(ctx context.Context, op, path string, params url.Values, out interface{}, allowUnsupported bool) (bool, error) {
	if c == nil || c.HTTPClient == nil {
		return false, unavailable(op, sourceIndexer, errors.New("http client not set"))
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return false, unavailable(op, sourceIndexer, err)
		}
	}
	endpoint := c.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, badArgument(op, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false, unavailable(op, sourceIndexer, err)
	}
	defer resp.Body.Close()

	if allowUnsupported && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented) {
		return false, nil
	}
	if resp.StatusCode >= 300 {
		return false, unavailable(op, sourceIndexer, fmt.Errorf("status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, invalid(op, sourceIndexer, err)
	}
	return true, nil
}

func (c *IndexerClient) observe(op string, start time.Time, err *error) {
	elapsed := time.Since(start)
	if c.Observer != nil {
		c.Observer.ObserveFetch(op, *err, elapsed)
	}
	if *err != nil {
		c.logger().Debug("indexer fetch failed", zap.String("op", op), zap.Duration("elapsed", elapsed), zap.Error(*err))
	}
}

func (c *IndexerClient) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func parseUnix(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("missing createdAt")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("createdAt: %w", err)
	}
	return t.Unix(), nil
}
