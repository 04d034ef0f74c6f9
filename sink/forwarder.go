package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-sync-go/market"
)

type ForwarderOptions struct {
	// SpreadPlaces 当前展示的价差小数位（随配置热更新变化）。
	SpreadPlaces func() int32
	WriteTimeout time.Duration
	Recorder     Recorder
	Logger       *zap.Logger
	Clock        market.Clock
}

// Forwarder 订阅 Publisher，把每个新快照写入所有 sink。
// sink 失败只记录日志和指标，不会影响聚合器。
type Forwarder struct {
	pub   *market.Publisher
	sinks []Sink
	opts  ForwarderOptions

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	doneChan chan struct{}
}

func NewForwarder(pub *market.Publisher, sinks []Sink, opts ForwarderOptions) *Forwarder {
	if opts.SpreadPlaces == nil {
		opts.SpreadPlaces = func() int32 { return 2 }
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = market.SystemClock
	}
	opts.Logger = opts.Logger.With(zap.String("component", "sink_forwarder"))
	return &Forwarder{pub: pub, sinks: sinks, opts: opts}
}

// Start 订阅并启动转发循环
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}
	if len(f.sinks) == 0 {
		return errors.New("forwarder has no sinks")
	}
	books, cancelBooks := f.pub.SubscribeBook()
	trades, cancelTrades := f.pub.SubscribeTrades()

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = func() {
		cancel()
		cancelBooks()
		cancelTrades()
	}
	f.doneChan = make(chan struct{})
	f.started = true
	go f.loop(runCtx, books, trades, f.doneChan)

	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	f.opts.Logger.Info("sink forwarder started", zap.Strings("sinks", names))
	return nil
}

func (f *Forwarder) loop(ctx context.Context, books <-chan *market.OrderBookSnapshot, trades <-chan *market.TradeFeed, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-books:
			if !ok {
				return
			}
			if s.Market == "" {
				continue
			}
			f.dispatch(ctx, BookEnvelope(s, f.opts.SpreadPlaces(), f.opts.Clock.Now()))
		case feed, ok := <-trades:
			if !ok {
				return
			}
			if feed.Market == "" {
				continue
			}
			f.dispatch(ctx, TradesEnvelope(feed, f.opts.Clock.Now()))
		}
	}
}

func (f *Forwarder) dispatch(ctx context.Context, env Envelope) {
	for _, s := range f.sinks {
		wctx, cancel := context.WithTimeout(ctx, f.opts.WriteTimeout)
		err := s.Write(wctx, env)
		cancel()
		if err != nil {
			f.opts.Recorder.RecordSinkError(s.Name())
			f.opts.Logger.Warn("sink write failed",
				zap.String("sink", s.Name()),
				zap.String("type", env.Type),
				zap.String("market", string(env.Market)),
				zap.Error(err))
			continue
		}
		f.opts.Recorder.RecordSinkPublish(s.Name())
	}
}

// Stop 取消订阅、等待循环退出并关闭所有 sink。
func (f *Forwarder) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return nil
	}
	f.cancel()
	<-f.doneChan
	f.started = false

	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	f.opts.Logger.Info("sink forwarder stopped")
	return errors.Join(errs...)
}

func (f *Forwarder) Health() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return errors.New("sink forwarder not started")
	}
	return nil
}
