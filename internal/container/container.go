package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-venue/config"
	"trading-venue/feed"
	"trading-venue/gateway"
	"trading-venue/infrastructure/alert"
	"trading-venue/infrastructure/logger"
	"trading-venue/infrastructure/monitor"
	"trading-venue/internal/clock"
	"trading-venue/internal/engine"
	"trading-venue/internal/keylock"
	"trading-venue/internal/models"
	"trading-venue/internal/store"
	"trading-venue/ledger"
	"trading-venue/market"
	"trading-venue/order"
	"trading-venue/scheduler"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg     *config.AppConfig
	cfgPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	clock   clock.Clock

	// 存储
	store        store.Store
	quoteStore   store.QuoteStore
	gormStore    *store.GormStore
	sqliteQuotes *store.SQLiteQuoteStore

	// 行情
	cache  *market.Cache
	spread *market.SpreadModel
	sim    *market.Simulator
	stream *gateway.Stream
	rest   *gateway.RESTQuoter
	feed   *feed.Adapter

	// 交易
	ledger    *ledger.Ledger
	orders    *order.Manager
	scheduler *scheduler.Scheduler
	engine    *engine.TradingEngine

	// HTTP服务器
	metricsServer *http.Server

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 读取配置文件（含 .env 与环境变量覆盖）创建容器，配置文件变化时热更新
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg)
	c.cfgPath = configPath
	return c, nil
}

// NewWithConfig 使用已加载的配置创建容器，不监听配置文件
func NewWithConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       &cfg,
		clock:     clock.Real(),
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build(ctx context.Context) error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildStorage(ctx); err != nil {
		return fmt.Errorf("build storage failed: %w", err)
	}

	if err := c.buildMarketData(); err != nil {
		return fmt.Errorf("build market data failed: %w", err)
	}

	if err := c.buildTrading(); err != nil {
		return fmt.Errorf("build trading failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully", zap.String("env", c.cfg.Env))
	return nil
}

func (c *Container) buildInfrastructure() error {
	if c.logger != nil {
		return nil
	}
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(c.cfg.Metrics)

	channels := []alert.Channel{alert.NewLogChannel("log", c.logger.Logger)}
	if tg := c.cfg.Alert.Telegram; tg.Enabled {
		ch, err := alert.NewTelegramChannel("telegram", alert.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID})
		if err != nil {
			return fmt.Errorf("create telegram channel failed: %w", err)
		}
		channels = append(channels, ch)
	}
	c.alerts = alert.NewManagerWithThrottler(channels, alert.NewThrottlerWithClock(c.cfg.Alert.ThrottleInterval, c.clock.Now))

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildStorage(ctx context.Context) error {
	switch c.cfg.Storage.Driver {
	case "postgres", "mysql":
		gs, err := store.OpenGorm(c.cfg.Storage.Driver, c.cfg.Storage.DSN)
		if err != nil {
			return err
		}
		if c.cfg.Storage.AutoMigrate {
			if err := gs.Migrate(ctx); err != nil {
				_ = gs.Close()
				return err
			}
		}
		c.gormStore = gs
		c.store = gs
		c.quoteStore = gs
	default:
		mem := store.NewMemoryStore()
		c.store = mem
		c.quoteStore = mem
	}

	if path := c.cfg.Storage.QuoteMirror; path != "" {
		sq, err := store.NewSQLiteQuoteStore(path)
		if err != nil {
			return err
		}
		c.sqliteQuotes = sq
		c.quoteStore = sq
	}

	if err := c.seedAccounts(ctx); err != nil {
		return err
	}

	c.logger.Info("storage built", zap.String("driver", c.cfg.Storage.Driver), zap.Bool("sqlite_quote_mirror", c.sqliteQuotes != nil))
	return nil
}

// seedAccounts 确保配置中的账户存在，已存在的账户不做修改
func (c *Container) seedAccounts(ctx context.Context) error {
	for _, seed := range c.cfg.Accounts {
		created, err := c.store.SeedAccount(ctx, &models.Account{
			ID:         seed.ID,
			Balance:    decimal.NewFromFloat(seed.Balance),
			Equity:     decimal.NewFromFloat(seed.Balance),
			FreeMargin: decimal.NewFromFloat(seed.Balance),
			Leverage:   seed.Leverage,
			UpdatedAt:  c.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("seed account %s: %w", seed.ID, err)
		}
		if created {
			c.logger.Info("account seeded", zap.String("account_id", seed.ID), zap.Float64("balance", seed.Balance))
		}
	}
	return nil
}

func (c *Container) buildMarketData() error {
	fc := c.cfg.Feed
	c.cache = market.NewCache(fc.FreshnessThreshold, c.clock)
	c.spread = market.NewSpreadModel(market.SpreadConfig{
		DefaultPct:  fc.DefaultSpreadPct,
		RangeFactor: fc.RangeSpreadFactor,
		MinPct:      fc.MinSpreadPct,
		MaxPct:      fc.MaxSpreadPct,
	})
	c.sim = market.NewSimulator(market.SimConfig{
		Seed:        c.cfg.Simulator.Seed,
		MaxStepPct:  c.cfg.Simulator.MaxStepPct,
		MaxDriftPct: c.cfg.Simulator.MaxDriftPct,
		SpreadPct:   fc.DefaultSpreadPct,
		BasePrices:  c.cfg.Simulator.BasePrices,
	}, c.clock)

	comps := feed.Components{
		Cache:     c.cache,
		Spread:    c.spread,
		Simulator: c.sim,
		Store:     c.quoteStore,
		Alerts:    c.alerts,
		Logger:    c.logger,
		Monitor:   c.monitor,
	}
	if fc.Enabled {
		c.stream = gateway.NewStream(gateway.StreamConfig{
			URL:              fc.StreamURL,
			ReconnectBackoff: fc.ReconnectBackoff,
		}, c.logger.Logger, c.monitor)
		comps.Upstream = c.stream

		c.rest = gateway.NewRESTQuoter(gateway.RESTConfig{
			BaseURL:    fc.RESTBaseURL,
			APIKey:     fc.APIKey,
			APISecret:  fc.APISecret,
			Timeout:    fc.RESTTimeout,
			RatePerSec: fc.RESTRatePerSec,
			Burst:      fc.RESTBurst,

			BreakerThreshold: fc.RESTBreakerFails,
			BreakerCooldown:  fc.RESTBreakerCool,
		}, c.logger.Logger, c.monitor)
		comps.REST = c.rest
	}
	c.feed = feed.NewAdapter(feed.Config{QuoteTimeout: c.cfg.Engine.QuoteTimeout}, comps)

	if c.stream != nil {
		c.stream.OnEvent(c.feed.HandleEvent)
		c.stream.OnStateChange(c.feed.HandleConnState)
	}

	c.logger.Info("market data built", zap.Bool("upstream", fc.Enabled))
	return nil
}

func (c *Container) buildTrading() error {
	ec := c.cfg.Engine
	locks := keylock.New()

	c.ledger = ledger.New(ledger.Config{
		MaxMarginLevel:  decimal.NewFromFloat(ec.MaxMarginLevel),
		MarginCallLevel: decimal.NewFromFloat(c.cfg.Alert.MarginCallLevel),
		QuoteTimeout:    ec.QuoteTimeout,
	}, ledger.Components{
		Store:   c.store,
		Quotes:  c.feed,
		Spread:  c.spread,
		Locks:   locks,
		Clock:   c.clock,
		Alerts:  c.alerts,
		Logger:  c.logger,
		Monitor: c.monitor,
	})

	c.orders = order.NewManager(order.Config{
		FeeRate:      decimal.NewFromFloat(ec.FeeRate),
		QuoteTimeout: ec.QuoteTimeout,
	}, order.Components{
		Store:     c.store,
		Quotes:    c.feed,
		Positions: c.ledger,
		Locks:     locks,
		Clock:     c.clock,
		Logger:    c.logger,
		Monitor:   c.monitor,
	})

	c.scheduler = scheduler.New(scheduler.Config{
		Interval:    ec.TickInterval,
		ItemTimeout: ec.ItemTimeout,
	}, scheduler.Components{
		Source:  c.store,
		Orders:  c.orders,
		Stops:   c.ledger,
		Clock:   c.clock,
		Logger:  c.logger,
		Monitor: c.monitor,
	})

	var err error
	c.engine, err = engine.New(engine.Components{
		Store:        c.store,
		Feed:         c.feed,
		Orders:       c.orders,
		Ledger:       c.ledger,
		Scheduler:    c.scheduler,
		AlertManager: c.alerts,
		Logger:       c.logger,
	})
	if err != nil {
		return err
	}

	c.logger.Info("trading built")
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if c.stream != nil {
		c.lifecycle.Register(&streamComponent{
			stream:  c.stream,
			feed:    c.feed,
			symbols: c.cfg.Feed.Symbols,
		})
	}

	c.lifecycle.Register(&engineComponent{engine: c.engine})

	if c.cfg.Metrics.Listen != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Metrics.Listen,
			logger:  c.logger,
			server:  &c.metricsServer,
		})
	}

	if c.cfgPath != "" {
		c.lifecycle.Register(&watcherComponent{
			watcher: config.Watcher{Path: c.cfgPath, Logger: c.logger.Logger},
			apply:   c.ApplyReload,
			logger:  c.logger,
		})
	}
}

// ApplyReload 热更新模拟基准价与默认点差比例，其余配置需要重启生效
func (c *Container) ApplyReload(cfg config.AppConfig) {
	c.sim.SetBasePrices(cfg.Simulator.BasePrices)
	c.sim.SetSpreadPct(cfg.Feed.DefaultSpreadPct)
	c.spread.SetDefaultPct(cfg.Feed.DefaultSpreadPct)

	c.cfg.Simulator.BasePrices = cfg.Simulator.BasePrices
	c.cfg.Feed.DefaultSpreadPct = cfg.Feed.DefaultSpreadPct
	c.logger.Info("config reloaded",
		zap.Int("base_prices", len(cfg.Simulator.BasePrices)),
		zap.Float64("default_spread_pct", cfg.Feed.DefaultSpreadPct))
}

// Migrate 只建立存储并迁移表结构，供 migrate 命令使用
func (c *Container) Migrate(ctx context.Context) error {
	if err := c.buildInfrastructure(); err != nil {
		return err
	}
	if c.cfg.Storage.Driver == "memory" && c.cfg.Storage.QuoteMirror == "" {
		return errors.New("nothing to migrate for memory storage")
	}
	c.cfg.Storage.AutoMigrate = true
	if err := c.buildStorage(ctx); err != nil {
		return err
	}
	return c.closeStores()
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	if cerr := c.closeStores(); cerr != nil {
		c.logger.LogError(cerr, map[string]interface{}{"action": "close_store"})
		if err == nil {
			err = cerr
		}
	}

	_ = c.logger.Close()
	return err
}

func (c *Container) closeStores() error {
	var errs []error
	if c.sqliteQuotes != nil {
		errs = append(errs, c.sqliteQuotes.Close())
		c.sqliteQuotes = nil
	}
	if c.gormStore != nil {
		errs = append(errs, c.gormStore.Close())
		c.gormStore = nil
	}
	return errors.Join(errs...)
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

func (c *Container) Engine() *engine.TradingEngine { return c.engine }

func (c *Container) Config() config.AppConfig { return *c.cfg }

func (c *Container) Logger() *logger.Logger { return c.logger }

func (c *Container) Monitor() *monitor.Monitor { return c.monitor }

// WaitStarted 等待启动期订阅的品种拿到第一笔行情或超时，仅用于日志
func (c *Container) WaitStarted(ctx context.Context, timeout time.Duration) {
	if c.stream == nil {
		return
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			c.logger.Warn("upstream not connected yet, serving simulated quotes")
			return
		case <-tick.C:
			if c.stream.Connected() {
				c.logger.Info("upstream connected")
				return
			}
		}
	}
}
