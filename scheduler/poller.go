// Package scheduler 以固定节奏重复执行拉取任务，同一 Poller 的任务永不重叠。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task 一次拉取。返回的错误只会被记录，不会打断节奏。
type Task func(ctx context.Context) error

// Ticker 抽象 time.Ticker，测试里用手动通道替换。
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFactory func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

// Stats 运行统计
type Stats struct {
	Runs     int64
	Failures int64
	Skipped  int64
}

type Option func(*Poller)

func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithTicker(f TickerFactory) Option {
	return func(p *Poller) {
		if f != nil {
			p.newTicker = f
		}
	}
}

// WithOnRun 每次执行结束后回调（err 为 nil 表示成功）。
func WithOnRun(fn func(name string, elapsed time.Duration, err error)) Option {
	return func(p *Poller) { p.onRun = fn }
}

// WithOnError 执行失败或 panic 时回调。
func WithOnError(fn func(name string, err error)) Option {
	return func(p *Poller) { p.onError = fn }
}

// WithOnSkip 上一次执行尚未结束、本次被跳过时回调。
func WithOnSkip(fn func(name string)) Option {
	return func(p *Poller) { p.onSkip = fn }
}

// Poller 固定间隔调度器
type Poller struct {
	name      string
	task      Task
	newTicker TickerFactory
	logger    *zap.Logger
	onRun     func(string, time.Duration, error)
	onError   func(string, error)
	onSkip    func(string)

	mu       sync.Mutex
	started  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	doneChan chan struct{}

	running  atomic.Bool
	inflight sync.WaitGroup

	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64
}

func New(name string, task Task, opts ...Option) *Poller {
	p := &Poller{
		name:      name,
		task:      task,
		newTicker: newRealTicker,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("poller", name))
	return p
}

func (p *Poller) Name() string { return p.name }

// Start 启动调度循环；runImmediately 为 true 时不等第一个 tick 先执行一次。
func (p *Poller) Start(ctx context.Context, interval time.Duration, runImmediately bool) error {
	if interval <= 0 {
		return fmt.Errorf("poller %s: interval must be positive, got %s", p.name, interval)
	}
	if p.task == nil {
		return fmt.Errorf("poller %s: task is nil", p.name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("poller %s already started", p.name)
	}
	p.runCtx, p.cancel = context.WithCancel(ctx)
	p.doneChan = make(chan struct{})
	p.started = true

	ticker := p.newTicker(interval)
	go p.loop(p.runCtx, ticker, p.doneChan, runImmediately)

	p.logger.Info("poller started",
		zap.Duration("interval", interval),
		zap.Bool("run_immediately", runImmediately))
	return nil
}

// Stop 取消调度并等待正在执行的任务返回。重复调用无副作用。
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel, done := p.cancel, p.doneChan
	p.mu.Unlock()

	cancel()
	<-done
	p.inflight.Wait()
	p.logger.Info("poller stopped", zap.Int64("runs", p.runs.Load()), zap.Int64("skipped", p.skipped.Load()))
}

// Trigger 立即执行一次（例如切换市场后）；未启动或上一次仍在执行时返回 false。
func (p *Poller) Trigger() bool {
	// 持锁执行，保证 Stop 之后不会再有 inflight.Add
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return false
	}
	return p.tryRun(p.runCtx)
}

// Running 是否有任务正在执行。
func (p *Poller) Running() bool { return p.running.Load() }

func (p *Poller) Stats() Stats {
	return Stats{
		Runs:     p.runs.Load(),
		Failures: p.failures.Load(),
		Skipped:  p.skipped.Load(),
	}
}

func (p *Poller) loop(ctx context.Context, ticker Ticker, done chan struct{}, runImmediately bool) {
	defer close(done)
	defer ticker.Stop()

	if runImmediately {
		p.tryRun(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.tryRun(ctx)
		}
	}
}

// tryRun 只有在没有任务执行时才会启动新的执行，tick 不会排队。
func (p *Poller) tryRun(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if !p.running.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		if p.onSkip != nil {
			p.onSkip(p.name)
		}
		p.logger.Debug("poll skipped, previous run still in flight")
		return false
	}
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer p.running.Store(false)
		p.execute(ctx)
	}()
	return true
}

func (p *Poller) execute(ctx context.Context) {
	start := time.Now()
	err := p.safeRun(ctx)
	elapsed := time.Since(start)
	p.runs.Add(1)

	// Stop 导致的取消不算失败
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		p.failures.Add(1)
		p.logger.Warn("poll failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		if p.onError != nil {
			p.onError(p.name, err)
		}
	}
	if p.onRun != nil {
		p.onRun(p.name, elapsed, err)
	}
}

func (p *Poller) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poller %s panic: %v", p.name, r)
		}
	}()
	return p.task(ctx)
}
