package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud", Outputs: []string{"stdout"}})
	assert.Error(t, err)
}

func TestNewDefault(t *testing.T) {
	l, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.NotNil(t, l.Logger)
}

func TestEventHelpers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := Wrap(zap.New(core))

	l.LogOrder("filled", "o-1", map[string]interface{}{"symbol": "EURUSD"})
	l.LogPosition("closed", "p-1", nil)
	l.LogQuote("cache_hit", "EURUSD", nil)
	l.LogRisk("margin_call", map[string]interface{}{"account_id": "a1"})
	l.LogError(errors.New("boom"), nil)

	entries := logs.All()
	require.Len(t, entries, 5)

	assert.Equal(t, "order_event", entries[0].Message)
	assert.Equal(t, "o-1", entries[0].ContextMap()["order_id"])
	assert.Equal(t, "filled", entries[0].ContextMap()["event"])

	assert.Equal(t, "position_event", entries[1].Message)
	assert.Equal(t, "p-1", entries[1].ContextMap()["position_id"])

	assert.Equal(t, zapcore.DebugLevel, entries[2].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[3].Level)

	assert.Equal(t, zapcore.ErrorLevel, entries[4].Level)
	assert.Equal(t, "boom", entries[4].ContextMap()["error"])
}
