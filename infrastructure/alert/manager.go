package alert

import (
	"fmt"
	"sync"
	"time"
)

const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Manager 告警管理器
type Manager struct {
	channels []Channel
	throttle *Throttler
	mu       sync.RWMutex
}

// Throttler 告警限流器
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// Allow 同一个 key 在 interval 内只放行一次
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	lastTime, exists := t.lastSent[key]
	if !exists || now.Sub(lastTime) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Reset 重置某个 key
func (t *Throttler) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSent, key)
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// SendAlert 发送到所有通道；被限流时静默返回。
// 只有全部通道都失败才返回错误。
func (m *Manager) SendAlert(alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	key := fmt.Sprintf("%s:%s", alert.Level, alert.Message)
	if !m.throttle.Allow(key) {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	successCount := 0
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
		} else {
			successCount++
		}
	}
	if successCount == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func (m *Manager) SendInfo(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelInfo, Message: message, Fields: fields})
}

func (m *Manager) SendError(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelError, Message: message, Fields: fields})
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// Channels 所有通道名
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// FailureWatch 按数据源统计连续失败：达到阈值告警一次，恢复后再通知一次。
type FailureWatch struct {
	mgr       *Manager
	threshold int

	mu      sync.Mutex
	streaks map[string]int
	firing  map[string]bool
}

func NewFailureWatch(mgr *Manager, threshold int) *FailureWatch {
	if threshold <= 0 {
		threshold = 5
	}
	return &FailureWatch{
		mgr:       mgr,
		threshold: threshold,
		streaks:   make(map[string]int),
		firing:    make(map[string]bool),
	}
}

// Record 记录一次执行结果，签名与 scheduler 的 OnRun 回调一致。
func (w *FailureWatch) Record(source string, _ time.Duration, err error) {
	w.mu.Lock()
	if err == nil {
		streak, wasFiring := w.streaks[source], w.firing[source]
		w.streaks[source] = 0
		w.firing[source] = false
		w.mu.Unlock()
		if wasFiring {
			w.mgr.throttle.Reset(fmt.Sprintf("%s:%s failing", LevelError, source))
			w.mgr.SendInfo(source+" recovered", map[string]interface{}{"failures": streak})
		}
		return
	}
	w.streaks[source]++
	streak := w.streaks[source]
	fire := streak >= w.threshold
	if fire {
		w.firing[source] = true
	}
	w.mu.Unlock()

	if fire {
		w.mgr.SendError(source+" failing", map[string]interface{}{
			"consecutive": streak,
			"error":       err.Error(),
		})
	}
}

// Streak 当前连续失败次数
func (w *FailureWatch) Streak(source string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.streaks[source]
}
