package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 监听配置文件变化，重新加载并回调新配置。
// 监听所在目录而不是文件本身，编辑器原子替换文件时同样能收到事件。
type Watcher struct {
	path     string
	cooldown time.Duration
	onUpdate func(AppConfig)
	logger   *zap.Logger

	watcher    *fsnotify.Watcher
	lastReload time.Time
	mu         sync.Mutex
	stopChan   chan struct{}
	doneChan   chan struct{}
	started    bool
}

// NewWatcher 创建配置监听器；cooldown 内的重复事件会被忽略。
func NewWatcher(path string, cooldown time.Duration, onUpdate func(AppConfig), logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Watcher{
		path:     abs,
		cooldown: cooldown,
		onUpdate: onUpdate,
		logger:   logger.With(zap.String("component", "config_watcher")),
		watcher:  fw,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start 启动监听
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.watch(ctx)
	return nil
}

// Stop 停止监听并关闭 fsnotify。
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	if started {
		select {
		case <-w.doneChan:
		case <-time.After(time.Second):
			w.logger.Warn("timeout waiting for config watcher to stop")
		}
	}
	return w.watcher.Close()
}

func (w *Watcher) Health() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return fmt.Errorf("config watcher not started")
	}
	select {
	case <-w.doneChan:
		return fmt.Errorf("config watcher exited")
	default:
	}
	return nil
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.doneChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			// 只处理写入和创建事件
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// reload 重新加载配置；非法配置只记录日志，保留当前配置。
func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.lastReload.IsZero() && time.Since(w.lastReload) < w.cooldown {
		return
	}
	cfg, err := LoadWithEnvOverrides(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", zap.Error(err))
		return
	}
	w.lastReload = time.Now()
	w.logger.Info("config reloaded", zap.String("path", w.path))
	if w.onUpdate != nil {
		w.onUpdate(cfg)
	}
}

// LastReload 最近一次成功重载的时间。
func (w *Watcher) LastReload() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReload
}
