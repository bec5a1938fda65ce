package alert

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// 告警级别
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     string
	Key       string // 限流key，为空时按 Message
	Message   string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Throttler 同一 key 在 interval 内只放行一次
type Throttler struct {
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewThrottler(interval time.Duration) *Throttler {
	return NewThrottlerWithClock(interval, time.Now)
}

// NewThrottlerWithClock 使用指定时间源，便于测试
func NewThrottlerWithClock(interval time.Duration, now func() time.Time) *Throttler {
	if now == nil {
		now = time.Now
	}
	return &Throttler{
		interval: interval,
		now:      now,
		lastSent: make(map[string]time.Time),
	}
}

func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.lastSent[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.lastSent[key] = now
	return true
}

// Manager 把告警限流后广播到所有通道
type Manager struct {
	channels []Channel
	throttle *Throttler
}

func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return NewManagerWithThrottler(channels, NewThrottler(throttleInterval))
}

func NewManagerWithThrottler(channels []Channel, throttle *Throttler) *Manager {
	return &Manager{channels: channels, throttle: throttle}
}

func throttleKey(a Alert) string {
	key := a.Key
	if key == "" {
		key = a.Message
	}
	return a.Level + ":" + key
}

// SendAlert 被限流时静默返回 nil；只有全部通道失败才返回错误
func (m *Manager) SendAlert(alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = m.throttle.now()
	}
	if !m.throttle.Allow(throttleKey(alert)) {
		return nil
	}

	var errs []error
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			errs = append(errs, fmt.Errorf("channel %s failed: %w", ch.Name(), err))
		}
	}
	if len(m.channels) > 0 && len(errs) == len(m.channels) {
		return errors.Join(errs...)
	}
	return nil
}

// SendKeyed 按业务key限流发送，例如同一账户的追加保证金告警
func (m *Manager) SendKeyed(level, key, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{
		Level:   level,
		Key:     key,
		Message: message,
		Fields:  fields,
	})
}

// Channels 返回通道名
func (m *Manager) Channels() []string {
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}
