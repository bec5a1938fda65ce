package container

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-venue/config"
	"trading-venue/internal/models"
	"trading-venue/order"
)

func testConfig(t *testing.T) config.AppConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Env = "test"
	cfg.Log.Outputs = nil
	cfg.Engine.TickInterval = time.Hour
	cfg.Simulator.BasePrices = map[string]float64{"EURUSD": 1.1}
	cfg.Storage.QuoteMirror = filepath.Join(t.TempDir(), "quotes.db")
	cfg.Accounts = []config.AccountSeed{{ID: "a1", Balance: 10000, Leverage: 100}}
	return cfg
}

const fileConfig = `
env: test
log:
  outputs: []
metrics:
  listen: 127.0.0.1:0
simulator:
  basePrices:
    EURUSD: 1.1
accounts:
  - id: a1
    balance: 10000
    leverage: 100
`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestContainerBuildAndTrade(t *testing.T) {
	ctx := context.Background()
	c := NewWithConfig(testConfig(t))
	require.NoError(t, c.Build(ctx))
	assert.Equal(t, []string{"trading_engine"}, c.lifecycle.Names())

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.HealthCheck())

	o, err := c.Engine().PlaceOrder(ctx, order.PlaceRequest{
		AccountID: "a1",
		Symbol:    "EURUSD",
		Type:      models.OrderTypeMarket,
		Side:      models.SideBuy,
		Quantity:  decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, o.Status)
	assert.Equal(t, 100, o.Leverage)

	acc, err := c.Engine().Account(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(decimal.NewFromInt(10000)))
	assert.True(t, acc.Margin.IsPositive())

	require.NoError(t, c.Stop())
	assert.Error(t, c.HealthCheck())
}

func TestSeedAccountIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewWithConfig(testConfig(t))
	require.NoError(t, c.Build(ctx))
	defer c.Stop()

	// 再次播种不会覆盖已有余额
	require.NoError(t, c.seedAccounts(ctx))
	acc, err := c.store.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(decimal.NewFromInt(10000)))
}

func TestApplyReload(t *testing.T) {
	c := NewWithConfig(testConfig(t))
	require.NoError(t, c.Build(context.Background()))
	defer c.Stop()
	assert.Equal(t, 1.1, c.sim.BasePrice("EURUSD"))

	next := c.Config()
	next.Simulator.BasePrices = map[string]float64{"EURUSD": 1.2}
	next.Feed.DefaultSpreadPct = 0.001
	c.ApplyReload(next)

	assert.Equal(t, 1.2, c.sim.BasePrice("EURUSD"))
	assert.Equal(t, 0.001, c.Config().Feed.DefaultSpreadPct)
	// 默认点差比例已更新
	assert.True(t, c.spread.Default(decimal.NewFromInt(1000)).Equal(decimal.NewFromInt(1)))
}

func TestContainerFromFileWatchesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "venue.yaml")
	writeConfig(t, path, fileConfig)

	c, err := New(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Build(ctx))
	assert.Equal(t, []string{"trading_engine", "metrics_server", "config_watcher"}, c.lifecycle.Names())

	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	reloaded := `
env: test
log:
  outputs: []
metrics:
  listen: 127.0.0.1:0
simulator:
  basePrices:
    EURUSD: 1.25
`
	// 监听目录可能晚于第一次写入生效，间隔大于合并冷却期重复写入
	assert.Eventually(t, func() bool {
		if c.sim.BasePrice("EURUSD") == 1.25 {
			return true
		}
		_ = os.WriteFile(path, []byte(reloaded), 0o644)
		return false
	}, 10*time.Second, 400*time.Millisecond)
}

func TestMigrateMemoryStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.QuoteMirror = ""
	c := NewWithConfig(cfg)
	assert.Error(t, c.Migrate(context.Background()))

	cfg = testConfig(t)
	c = NewWithConfig(cfg)
	require.NoError(t, c.Migrate(context.Background()))
	_, err := os.Stat(cfg.Storage.QuoteMirror)
	assert.NoError(t, err)
}

type fakeComponent struct {
	name     string
	startErr error
	log      *[]string
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start(context.Context) error {
	*f.log = append(*f.log, "start "+f.name)
	return f.startErr
}

func (f *fakeComponent) Stop() error {
	*f.log = append(*f.log, "stop "+f.name)
	return nil
}

func (f *fakeComponent) Health() error { return nil }

func TestLifecycleOrder(t *testing.T) {
	var log []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "a", log: &log})
	m.Register(&fakeComponent{name: "b", log: &log})

	require.NoError(t, m.StartAll(context.Background()))
	require.NoError(t, m.StopAll())
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestLifecycleRollbackOnStartFailure(t *testing.T) {
	var log []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "a", log: &log})
	m.Register(&fakeComponent{name: "b", startErr: errors.New("boom"), log: &log})
	m.Register(&fakeComponent{name: "c", log: &log})

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b failed")
	assert.Equal(t, []string{"start a", "start b", "stop a"}, log)
}
