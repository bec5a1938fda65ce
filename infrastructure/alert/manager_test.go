package alert

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type manualNow struct{ t time.Time }

func (m *manualNow) now() time.Time { return m.t }

func newTestManager(interval time.Duration, chs ...Channel) (*Manager, *manualNow) {
	clk := &manualNow{t: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	return NewManagerWithThrottler(chs, NewThrottlerWithClock(interval, clk.now)), clk
}

func TestSendAlertStampsAndFansOut(t *testing.T) {
	a, b := NewMockChannel("a"), NewMockChannel("b")
	m, clk := newTestManager(time.Minute, a, b)
	assert.Equal(t, []string{"a", "b"}, m.Channels())

	require.NoError(t, m.SendKeyed(LevelWarning, "feed_down", "upstream disconnected", nil))

	for _, ch := range []*MockChannel{a, b} {
		got := ch.GetAlerts()
		require.Len(t, got, 1)
		assert.Equal(t, LevelWarning, got[0].Level)
		assert.Equal(t, clk.t, got[0].Timestamp)
	}
}

func TestKeyedThrottling(t *testing.T) {
	ch := NewMockChannel("mock")
	m, clk := newTestManager(5*time.Minute, ch)

	m.SendKeyed(LevelWarning, "margin_call:a1", "margin call", nil)
	m.SendKeyed(LevelWarning, "margin_call:a1", "margin call", map[string]interface{}{"level": "50"})
	assert.Equal(t, 1, ch.Count())

	// 不同账户、不同级别各自限流
	m.SendKeyed(LevelWarning, "margin_call:a2", "margin call", nil)
	m.SendKeyed(LevelError, "margin_call:a1", "margin call", nil)
	assert.Equal(t, 3, ch.Count())

	clk.t = clk.t.Add(5 * time.Minute)
	m.SendKeyed(LevelWarning, "margin_call:a1", "margin call", nil)
	assert.Equal(t, 4, ch.Count())
}

func TestUnkeyedAlertsThrottleByMessage(t *testing.T) {
	ch := NewMockChannel("mock")
	m, _ := newTestManager(time.Minute, ch)

	m.SendAlert(Alert{Level: LevelError, Message: "store unavailable"})
	m.SendAlert(Alert{Level: LevelError, Message: "store unavailable"})
	m.SendAlert(Alert{Level: LevelError, Message: "scheduler stalled"})
	assert.Equal(t, 2, ch.Count())
}

func TestChannelFailures(t *testing.T) {
	bad, good := NewMockChannel("bad"), NewMockChannel("good")
	bad.SetShouldError(true)

	m, _ := newTestManager(0, bad, good)
	assert.NoError(t, m.SendKeyed(LevelError, "k1", "partial", nil), "one healthy channel is enough")
	assert.Equal(t, 1, good.Count())

	good.SetShouldError(true)
	err := m.SendKeyed(LevelError, "k2", "all down", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel bad failed")
	assert.Contains(t, err.Error(), "channel good failed")
}

func TestNoChannels(t *testing.T) {
	m, _ := newTestManager(0)
	assert.NoError(t, m.SendKeyed(LevelInfo, "k", "nobody listens", nil))
}

func TestLogChannelLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ch := NewLogChannel("log", zap.New(core))

	require.NoError(t, ch.Send(Alert{Level: LevelWarning, Message: "margin call", Fields: map[string]interface{}{"account_id": "a1"}}))
	require.NoError(t, ch.Send(Alert{Level: LevelCritical, Message: "engine error"}))
	require.NoError(t, ch.Send(Alert{Level: LevelInfo, Message: "feed restored"}))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "a1", entries[0].ContextMap()["account_id"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[2].Level)
	assert.Equal(t, "alert", entries[0].LoggerName)
}

func TestFormatText(t *testing.T) {
	got := FormatText(Alert{
		Level:   LevelWarning,
		Message: "margin call",
		Fields:  map[string]interface{}{"level": "80.00", "account_id": "a1"},
	})
	assert.Equal(t, "[WARNING] margin call | account_id=a1 level=80.00", got)
	assert.Equal(t, "[INFO] ok", FormatText(Alert{Level: LevelInfo, Message: "ok"}))
}

func TestTelegramChannelRequiresCredentials(t *testing.T) {
	_, err := NewTelegramChannel("tg", TelegramConfig{ChatID: "1"})
	assert.Error(t, err)
	_, err = NewTelegramChannel("tg", TelegramConfig{Token: "x"})
	assert.Error(t, err)
}

func TestConcurrentKeyedAlerts(t *testing.T) {
	ch := NewMockChannel("mock")
	m, _ := newTestManager(time.Hour, ch)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.SendKeyed(LevelWarning, "feed_down", "upstream disconnected", nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ch.Count())
}

func TestMockChannelClear(t *testing.T) {
	ch := NewMockChannel("mock")
	require.NoError(t, ch.Send(Alert{Message: "x"}))
	ch.Clear()
	assert.Equal(t, 0, ch.Count())

	ch.SetShouldError(true)
	assert.Error(t, ch.Send(Alert{}))
}
