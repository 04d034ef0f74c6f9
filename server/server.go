// Package server 对外提供订单簿、成交流与永续账户数据的 HTTP / websocket 接口。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"market-sync-go/gateway"
	"market-sync-go/market"
	"market-sync-go/perp"
)

// PerpReader perp.Service 中 HTTP 层用到的部分。
type PerpReader interface {
	CachedMarkets() *perp.MarketsView
	Markets(ctx context.Context) []market.PerpMarketState
	Market(ctx context.Context, asset string) (market.PerpMarketState, error)
	AccountSummary(ctx context.Context, trader string, assets []string) (*perp.AccountSummary, error)
}

type Options struct {
	Market  *market.Service
	Perp    PerpReader // 未配置 RPC 时为 nil
	Hub     *Hub
	Metrics http.Handler
	Health  func() error
	Logger  *zap.Logger
}

type Server struct {
	svc     *market.Service
	perp    PerpReader
	hub     *Hub
	metrics http.Handler
	health  func() error
	logger  *zap.Logger
	mux     *http.ServeMux
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Health == nil {
		opts.Health = func() error { return nil }
	}
	s := &Server{
		svc:     opts.Market,
		perp:    opts.Perp,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		health:  opts.Health,
		logger:  opts.Logger.With(zap.String("component", "http")),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/orderbook", s.getOrderBook)
	s.mux.HandleFunc("GET /v1/trades", s.getTrades)
	s.mux.HandleFunc("PUT /v1/market", s.putMarket)
	s.mux.HandleFunc("PUT /v1/orderbook/view", s.putView)

	s.mux.HandleFunc("GET /v1/perp/markets", s.getPerpMarkets)
	s.mux.HandleFunc("GET /v1/perp/markets/{asset}", s.getPerpMarket)
	s.mux.HandleFunc("GET /v1/perp/accounts/{trader}", s.getPerpAccount)

	if s.hub != nil {
		s.mux.HandleFunc("GET /v1/ws", s.serveWS)
	}
	s.mux.HandleFunc("GET /healthz", s.getHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) getOrderBook(w http.ResponseWriter, _ *http.Request) {
	book := s.svc.Book()
	writeJSON(w, http.StatusOK, renderBook(book, book.Snapshot()))
}

func (s *Server) getTrades(w http.ResponseWriter, _ *http.Request) {
	trades := s.svc.Trades()
	writeJSON(w, http.StatusOK, renderTrades(trades, trades.Feed()))
}

type marketRequest struct {
	Market string `json:"market"`
}

// putMarket 切换当前市场；轮询由 Service 的切换回调立即触发。
func (s *Server) putMarket(w http.ResponseWriter, r *http.Request) {
	var req marketRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	m := strings.TrimSpace(req.Market)
	if m == "" {
		writeError(w, http.StatusBadRequest, errors.New("market is required"))
		return
	}
	prev := s.svc.Market()
	s.svc.SetMarket(market.MarketID(m))
	s.logger.Info("active market switched", zap.String("from", string(prev)), zap.String("to", m))
	writeJSON(w, http.StatusOK, marketRequest{Market: m})
}

type viewRequest struct {
	Window       *int    `json:"window"`
	Filter       *string `json:"filter"`
	SpreadPlaces *int32  `json:"spreadPlaces"`
}

type viewResponse struct {
	Window       int               `json:"window"`
	Filter       market.FilterMode `json:"filter"`
	SpreadPlaces int32             `json:"spreadPlaces"`
}

// putView 部分更新展示参数，未给出的字段保持不变。
func (s *Server) putView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	book := s.svc.Book()
	v := book.View()
	if req.Window != nil {
		if *req.Window < -1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("window must be >= -1, got %d", *req.Window))
			return
		}
		v.Window = *req.Window
	}
	if req.Filter != nil {
		mode, err := market.ParseFilterMode(*req.Filter)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		v.Filter = mode
	}
	if req.SpreadPlaces != nil {
		if *req.SpreadPlaces < 0 || *req.SpreadPlaces > 18 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("spreadPlaces must be within [0,18], got %d", *req.SpreadPlaces))
			return
		}
		v.SpreadPlaces = *req.SpreadPlaces
	}
	book.SetView(v)
	writeJSON(w, http.StatusOK, viewResponse{Window: v.Window, Filter: v.Filter, SpreadPlaces: v.SpreadPlaces})
}

// getPerpMarkets 默认返回缓存；?live=1 时直接读链。
func (s *Server) getPerpMarkets(w http.ResponseWriter, r *http.Request) {
	if !s.perpEnabled(w) {
		return
	}
	if live := r.URL.Query().Get("live"); live == "1" || live == "true" {
		writeJSON(w, http.StatusOK, perp.MarketsView{Markets: s.perp.Markets(r.Context())})
		return
	}
	writeJSON(w, http.StatusOK, s.perp.CachedMarkets())
}

func (s *Server) getPerpMarket(w http.ResponseWriter, r *http.Request) {
	if !s.perpEnabled(w) {
		return
	}
	state, err := s.perp.Market(r.Context(), r.PathValue("asset"))
	if err != nil {
		s.writeSourceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// getPerpAccount ?assets=a,b 限定资产，缺省为全部配置的资产。
func (s *Server) getPerpAccount(w http.ResponseWriter, r *http.Request) {
	if !s.perpEnabled(w) {
		return
	}
	var assets []string
	if raw := r.URL.Query().Get("assets"); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				assets = append(assets, a)
			}
		}
	}
	summary, err := s.perp.AccountSummary(r.Context(), r.PathValue("trader"), assets)
	if err != nil {
		s.writeSourceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) perpEnabled(w http.ResponseWriter) bool {
	if s.perp == nil {
		writeError(w, http.StatusNotFound, errors.New("perp reader not configured"))
		return false
	}
	return true
}

func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.health(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	book, trades := s.svc.Book(), s.svc.Trades()
	initial := []Message{
		{Type: market.KindOrderBook, Data: renderBook(book, book.Snapshot())},
		{Type: market.KindTrades, Data: renderTrades(trades, trades.Feed())},
	}
	s.hub.ServeWS(w, r, initial)
}

// writeSourceError 参数错误 400，数据源错误 502。
func (s *Server) writeSourceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gateway.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, gateway.ErrSourceUnavailable), errors.Is(err, gateway.ErrInvalidResponse):
		status = http.StatusBadGateway
	}
	if status != http.StatusBadRequest {
		s.logger.Warn("source request failed", zap.String("kind", gateway.ErrorKind(err)), zap.Error(err))
	}
	writeError(w, status, err)
}

func renderBook(book *market.OrderBookAggregator, snap *market.OrderBookSnapshot) market.OrderBookView {
	view := market.NewOrderBookView(snap, book.View().SpreadPlaces)
	view.Loading = book.Loading()
	if err := book.LastError(); err != nil {
		view.Error = err.Error()
	}
	return view
}

func renderTrades(trades *market.TradeFeedAggregator, feed *market.TradeFeed) market.TradeFeedView {
	view := market.NewTradeFeedView(feed)
	view.Loading = trades.Loading()
	if err := trades.LastError(); err != nil {
		view.Error = err.Error()
	}
	return view
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
