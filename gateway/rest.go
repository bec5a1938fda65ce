package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trading-venue/infrastructure/monitor"
	"trading-venue/internal/models"
)

// RESTConfig 单点取价配置。
type RESTConfig struct {
	BaseURL    string // 为空使用 go-binance 默认地址
	APIKey     string
	APISecret  string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int

	BreakerThreshold int           // 连续失败多少次后熔断
	BreakerCooldown  time.Duration // 熔断持续时间
}

// ErrBreakerOpen REST 熔断中。
var ErrBreakerOpen = errors.New("rest quoter circuit open")

// RESTQuoter 通过 REST 接口查询单个品种的最优买卖价，带限流与超时。
type RESTQuoter struct {
	client  *binance.Client
	limiter *rate.Limiter
	breaker *Breaker
	timeout time.Duration
	log     *zap.Logger
	mon     *monitor.Monitor
	now     func() time.Time
}

func NewRESTQuoter(cfg RESTConfig, log *zap.Logger, mon *monitor.Monitor) *RESTQuoter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	if mon == nil {
		mon = monitor.New(monitor.DefaultConfig())
	}

	client := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	client.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &RESTQuoter{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, nil),
		timeout: cfg.Timeout,
		log:     log.Named("rest"),
		mon:     mon,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Quote 先查 bookTicker，没有有效买卖价时退回最新成交价。
// 连续的网络/超时失败会触发熔断，熔断期间直接返回 ErrBreakerOpen。
func (r *RESTQuoter) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	if !r.breaker.Allow() {
		r.mon.RecordRESTError("breaker_open")
		return models.Quote{}, ErrBreakerOpen
	}

	q, err := r.quote(ctx, symbol)
	switch {
	case err == nil:
		r.breaker.Success()
	case isAPIError(err):
		// 上游正常应答但拒绝该品种，不计入熔断
		r.breaker.Release()
	default:
		if r.breaker.Failure() {
			r.log.Warn("rest quoter circuit opened", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return q, err
}

func (r *RESTQuoter) quote(ctx context.Context, symbol string) (models.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		return models.Quote{}, fmt.Errorf("rate limit wait: %w", err)
	}

	q, err := r.bookTicker(ctx, symbol)
	if err == nil {
		return q, nil
	}
	r.log.Debug("book ticker unavailable, trying last price", zap.String("symbol", symbol), zap.Error(err))
	return r.lastPrice(ctx, symbol)
}

// BreakerState 当前熔断状态。
func (r *RESTQuoter) BreakerState() BreakerState { return r.breaker.State() }

func isAPIError(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr)
}

func (r *RESTQuoter) bookTicker(ctx context.Context, symbol string) (models.Quote, error) {
	start := time.Now()
	r.mon.RecordRESTRequest("book_ticker")
	tickers, err := r.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	r.mon.RecordRESTLatency("book_ticker", time.Since(start).Seconds())
	if err != nil {
		r.mon.RecordRESTError("book_ticker")
		return models.Quote{}, fmt.Errorf("book ticker %s: %w", symbol, err)
	}

	for _, t := range tickers {
		if t == nil || t.Symbol != symbol {
			continue
		}
		bid, err1 := decimal.NewFromString(t.BidPrice)
		ask, err2 := decimal.NewFromString(t.AskPrice)
		if err1 != nil || err2 != nil || !bid.IsPositive() || !ask.IsPositive() || bid.GreaterThan(ask) {
			return models.Quote{}, fmt.Errorf("book ticker %s: invalid bid/ask %q/%q", symbol, t.BidPrice, t.AskPrice)
		}
		return models.Quote{
			Symbol:    symbol,
			Price:     bid.Add(ask).Div(decimal.NewFromInt(2)),
			Bid:       models.Dec(bid),
			Ask:       models.Dec(ask),
			Timestamp: r.now(),
			Source:    models.SourceREST,
		}, nil
	}
	return models.Quote{}, fmt.Errorf("book ticker %s: symbol not in response", symbol)
}

func (r *RESTQuoter) lastPrice(ctx context.Context, symbol string) (models.Quote, error) {
	start := time.Now()
	r.mon.RecordRESTRequest("price")
	prices, err := r.client.NewListPricesService().Symbol(symbol).Do(ctx)
	r.mon.RecordRESTLatency("price", time.Since(start).Seconds())
	if err != nil {
		r.mon.RecordRESTError("price")
		return models.Quote{}, fmt.Errorf("price %s: %w", symbol, err)
	}

	for _, p := range prices {
		if p == nil || p.Symbol != symbol {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil || !price.IsPositive() {
			return models.Quote{}, fmt.Errorf("price %s: invalid value %q", symbol, p.Price)
		}
		return models.Quote{
			Symbol:    symbol,
			Price:     price,
			Timestamp: r.now(),
			Source:    models.SourceREST,
		}, nil
	}
	return models.Quote{}, fmt.Errorf("price %s: symbol not in response", symbol)
}
