// Package sink 把订单簿与成交快照转发到外部消费者（Redis pub/sub、Kafka）。
package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"market-sync-go/market"
)

const (
	TypeOrderBook = "orderbook"
	TypeTrades    = "trades"
)

// Envelope 下游消息格式，同一份快照在各个 sink 中的 id 相同。
type Envelope struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Market market.MarketID `json:"market"`
	Seq    uint64          `json:"seq"`
	TS     time.Time       `json:"ts"`
	Data   interface{}     `json:"data"`
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// BookEnvelope 用展示格式包装订单簿快照。
func BookEnvelope(s *market.OrderBookSnapshot, spreadPlaces int32, now time.Time) Envelope {
	return Envelope{
		ID:     uuid.NewString(),
		Type:   TypeOrderBook,
		Market: s.Market,
		Seq:    s.Seq,
		TS:     now,
		Data:   market.NewOrderBookView(s, spreadPlaces),
	}
}

func TradesEnvelope(f *market.TradeFeed, now time.Time) Envelope {
	return Envelope{
		ID:     uuid.NewString(),
		Type:   TypeTrades,
		Market: f.Market,
		Seq:    f.Seq,
		TS:     now,
		Data:   market.NewTradeFeedView(f),
	}
}

// Sink 单个下游。
type Sink interface {
	Name() string
	Write(ctx context.Context, env Envelope) error
	Close() error
}

// Recorder 记录下游发布结果（由 monitor 实现）。
type Recorder interface {
	RecordSinkPublish(sink string)
	RecordSinkError(sink string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSinkPublish(string) {}
func (nopRecorder) RecordSinkError(string)   {}
