package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherStopsOnCancel(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Watcher{Path: path}.Start(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWatcherTriggersOnChange(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan AppConfig, 4)
	go func() {
		_ = Watcher{Path: path, Cooldown: 20 * time.Millisecond}.Start(ctx, func(c AppConfig) { updates <- c })
	}()

	// 等待 watcher 注册，然后反复写入直到收到回调
	deadline := time.After(3 * time.Second)
	changed := sampleConfig + "\n# touched\n"
	for {
		require.NoError(t, os.WriteFile(path, []byte(changed), 0o644))
		select {
		case cfg := <-updates:
			require.Equal(t, "dev", cfg.Env)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("expected update callback")
		}
	}
}

func TestWatcherSkipsInvalidConfig(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan AppConfig, 4)
	go func() {
		_ = Watcher{Path: path, Cooldown: 10 * time.Millisecond}.Start(ctx, func(c AppConfig) { updates <- c })
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("env: \"\"\n"), 0o644))

	select {
	case <-updates:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(300 * time.Millisecond):
	}
}
