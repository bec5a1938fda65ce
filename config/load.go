package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"trading-venue/infrastructure/logger"
	"trading-venue/infrastructure/monitor"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env       string          `yaml:"env"`
	Engine    EngineConfig    `yaml:"engine"`
	Feed      FeedConfig      `yaml:"feed"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       logger.Config   `yaml:"log"`
	Metrics   monitor.Config  `yaml:"metrics"`
	Alert     AlertConfig     `yaml:"alert"`
	Accounts  []AccountSeed   `yaml:"accounts"`
}

// EngineConfig 调度与成交参数
type EngineConfig struct {
	TickInterval   time.Duration `yaml:"tickInterval"`
	QuoteTimeout   time.Duration `yaml:"quoteTimeout"`   // 单个品种取价的超时，超时后走模拟价
	ItemTimeout    time.Duration `yaml:"itemTimeout"`    // 单个订单/仓位处理的超时
	FeeRate        float64       `yaml:"feeRate"`        // 成交名义价值的手续费率，仅记录
	MaxMarginLevel float64       `yaml:"maxMarginLevel"` // 保证金水平上限，防止落库溢出
}

// FeedConfig 上游行情配置
type FeedConfig struct {
	Enabled            bool          `yaml:"enabled"`
	StreamURL          string        `yaml:"streamURL"`
	RESTBaseURL        string        `yaml:"restBaseURL"`
	APIKey             string        `yaml:"apiKey"`
	APISecret          string        `yaml:"apiSecret"`
	ReconnectBackoff   time.Duration `yaml:"reconnectBackoff"`
	FreshnessThreshold time.Duration `yaml:"freshnessThreshold"`
	RESTTimeout        time.Duration `yaml:"restTimeout"`
	RESTRatePerSec     float64       `yaml:"restRatePerSec"`
	RESTBurst          int           `yaml:"restBurst"`
	RESTBreakerFails   int           `yaml:"restBreakerFails"`    // 连续失败多少次后熔断 REST
	RESTBreakerCool    time.Duration `yaml:"restBreakerCooldown"` // 熔断持续时间
	DefaultSpreadPct   float64       `yaml:"defaultSpreadPct"` // 无点差估计时按价格比例
	RangeSpreadFactor  float64       `yaml:"rangeSpreadFactor"`
	MinSpreadPct       float64       `yaml:"minSpreadPct"`
	MaxSpreadPct       float64       `yaml:"maxSpreadPct"`
	Symbols            []string      `yaml:"symbols"` // 启动时预订阅
}

// SimulatorConfig 模拟行情参数
type SimulatorConfig struct {
	Seed        int64              `yaml:"seed"`
	MaxStepPct  float64            `yaml:"maxStepPct"`  // 单步随机游走幅度
	MaxDriftPct float64            `yaml:"maxDriftPct"` // 相对基准价的最大偏离
	BasePrices  map[string]float64 `yaml:"basePrices"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Driver      string `yaml:"driver"` // memory, postgres, mysql
	DSN         string `yaml:"dsn"`
	QuoteMirror string `yaml:"quoteMirror"` // sqlite 文件路径，为空则行情快照存主库
	AutoMigrate bool   `yaml:"autoMigrate"`
}

// AlertConfig 告警配置
type AlertConfig struct {
	ThrottleInterval time.Duration  `yaml:"throttleInterval"`
	MarginCallLevel  float64        `yaml:"marginCallLevel"` // 保证金水平(%)低于等于该值时告警
	Telegram         TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chatID"`
}

// AccountSeed 启动时确保存在的账户（内存存储或新库）
type AccountSeed struct {
	ID       string  `yaml:"id"`
	Balance  float64 `yaml:"balance"`
	Leverage int     `yaml:"leverage"`
}

// Default 返回带默认值的配置，Load 在此基础上覆盖
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Engine: EngineConfig{
			TickInterval:   5 * time.Second,
			QuoteTimeout:   2 * time.Second,
			ItemTimeout:    10 * time.Second,
			MaxMarginLevel: 999999999.99,
		},
		Feed: FeedConfig{
			ReconnectBackoff:   5 * time.Second,
			FreshnessThreshold: 5 * time.Second,
			RESTTimeout:        2 * time.Second,
			RESTRatePerSec:     5,
			RESTBurst:          5,
			RESTBreakerFails:   5,
			RESTBreakerCool:    30 * time.Second,
			DefaultSpreadPct:   0.0002,
			RangeSpreadFactor:  0.01,
			MinSpreadPct:       0.00005,
			MaxSpreadPct:       0.005,
		},
		Simulator: SimulatorConfig{
			Seed:        1,
			MaxStepPct:  0.0005,
			MaxDriftPct: 0.02,
		},
		Storage: StorageConfig{Driver: "memory"},
		Log:     logger.DefaultConfig(),
		Metrics: monitor.DefaultConfig(),
		Alert: AlertConfig{
			ThrottleInterval: 5 * time.Minute,
			MarginCallLevel:  100,
		},
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
// A .env file next to the config is loaded first; variables already set in the
// process environment win.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("VENUE_FEED_API_KEY"); v != "" {
		cfg.Feed.APIKey = v
	}
	if v := os.Getenv("VENUE_FEED_API_SECRET"); v != "" {
		cfg.Feed.APISecret = v
	}
	if v := os.Getenv("VENUE_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("VENUE_ALERT_TELEGRAM_TOKEN"); v != "" {
		cfg.Alert.Telegram.Token = v
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Engine.TickInterval <= 0 {
		return errors.New("engine.tickInterval must be > 0")
	}
	if cfg.Engine.QuoteTimeout <= 0 {
		return errors.New("engine.quoteTimeout must be > 0")
	}
	if cfg.Engine.FeeRate < 0 || cfg.Engine.FeeRate >= 1 {
		return errors.New("engine.feeRate must be in [0, 1)")
	}
	if cfg.Engine.MaxMarginLevel <= 0 {
		return errors.New("engine.maxMarginLevel must be > 0")
	}

	if cfg.Feed.Enabled && cfg.Feed.StreamURL == "" {
		return errors.New("feed.streamURL is required when feed is enabled")
	}
	if cfg.Feed.FreshnessThreshold <= 0 {
		return errors.New("feed.freshnessThreshold must be > 0")
	}
	if cfg.Feed.ReconnectBackoff <= 0 {
		return errors.New("feed.reconnectBackoff must be > 0")
	}
	if cfg.Feed.DefaultSpreadPct <= 0 || cfg.Feed.DefaultSpreadPct >= 1 {
		return errors.New("feed.defaultSpreadPct must be in (0, 1)")
	}
	if cfg.Feed.MinSpreadPct < 0 || cfg.Feed.MaxSpreadPct < cfg.Feed.MinSpreadPct {
		return errors.New("feed spread bounds are inconsistent")
	}

	if cfg.Simulator.MaxStepPct <= 0 || cfg.Simulator.MaxStepPct > 0.1 {
		return errors.New("simulator.maxStepPct must be in (0, 0.1]")
	}
	if cfg.Simulator.MaxDriftPct < cfg.Simulator.MaxStepPct {
		return errors.New("simulator.maxDriftPct must be >= maxStepPct")
	}
	for sym, p := range cfg.Simulator.BasePrices {
		if p <= 0 {
			return fmt.Errorf("simulator.basePrices.%s must be > 0", sym)
		}
	}

	switch cfg.Storage.Driver {
	case "memory":
	case "postgres", "mysql":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %s", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}

	if cfg.Alert.Telegram.Enabled && (cfg.Alert.Telegram.Token == "" || cfg.Alert.Telegram.ChatID == "") {
		return errors.New("alert.telegram token/chatID is required when enabled")
	}

	seen := make(map[string]bool, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		if a.ID == "" {
			return errors.New("accounts[].id is required")
		}
		if seen[a.ID] {
			return fmt.Errorf("account %s declared twice", a.ID)
		}
		seen[a.ID] = true
		if a.Leverage < 0 {
			return fmt.Errorf("account %s leverage must be >= 0", a.ID)
		}
	}
	return nil
}
