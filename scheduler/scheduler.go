// Package scheduler 周期性评估挂单与持仓止损止盈。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-venue/infrastructure/logger"
	"trading-venue/infrastructure/monitor"
	"trading-venue/internal/clock"
	"trading-venue/internal/models"
	"trading-venue/internal/store"
)

var ErrAlreadyRunning = errors.New("scheduler already running")

// OrderEvaluator order.Manager 实现了它。
type OrderEvaluator interface {
	EvaluateOrder(ctx context.Context, id string) (bool, error)
}

// StopChecker ledger.Ledger 实现了它。
type StopChecker interface {
	CheckStops(ctx context.Context, p *models.Position) (bool, error)
}

// Source 调度需要读取的存储。
type Source interface {
	ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error)
	ListPositions(ctx context.Context, filter store.PositionFilter) ([]models.Position, error)
}

// Config 调度参数
type Config struct {
	Interval    time.Duration // 默认 5s
	ItemTimeout time.Duration // 单个订单/仓位的处理上限，默认 10s
}

// Components 调度依赖
type Components struct {
	Source  Source
	Orders  OrderEvaluator
	Stops   StopChecker
	Clock   clock.Clock
	Logger  *logger.Logger
	Monitor *monitor.Monitor
}

// TickReport 单次评估的统计
type TickReport struct {
	OrdersChecked    int
	OrdersFilled     int
	PositionsChecked int
	PositionsClosed  int
	Failures         int
}

// Scheduler 同一时间只有一个评估在执行。
type Scheduler struct {
	cfg    Config
	src    Source
	orders OrderEvaluator
	stops  StopChecker
	clk    clock.Clock
	log    *logger.Logger
	mon    *monitor.Monitor

	tickMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   TickReport
}

func New(cfg Config, c Components) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}
	if c.Monitor == nil {
		c.Monitor = monitor.New(monitor.DefaultConfig())
	}
	return &Scheduler{
		cfg:    cfg,
		src:    c.Source,
		orders: c.Orders,
		stops:  c.Stops,
		clk:    c.Clock,
		log:    c.Logger.Named("scheduler"),
		mon:    c.Monitor,
	}
}

// Start 启动后台循环，每个周期执行一次 Tick。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	ticker := s.clk.NewTicker(s.cfg.Interval)
	go s.run(ctx, ticker, s.done)

	s.log.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop 停止循环并等待进行中的 Tick 结束。可重复调用。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("scheduler stopped")
}

// Running 后台循环是否在运行
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// LastReport 最近一次 Tick 的统计
func (s *Scheduler) LastReport() TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) run(ctx context.Context, ticker clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}

// Tick 评估全部 pending 订单，再检查设置了止损止盈的持仓。
// 单项失败只记录并计数，不影响其余项。
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := s.clk.Now()
	var rep TickReport

	orders, err := s.src.ListOrders(ctx, store.OrderFilter{Status: models.OrderStatusPending})
	if err != nil {
		rep.Failures++
		s.log.LogError(err, map[string]interface{}{"op": "list_pending_orders"})
	}
	for i := range orders {
		if ctx.Err() != nil {
			break
		}
		id := orders[i].ID
		rep.OrdersChecked++
		var filled bool
		err := s.runItem(ctx, func(ictx context.Context) (err error) {
			filled, err = s.orders.EvaluateOrder(ictx, id)
			return err
		})
		switch {
		case err != nil:
			rep.Failures++
			s.log.LogError(err, map[string]interface{}{"op": "evaluate_order", "order_id": id})
		case filled:
			rep.OrdersFilled++
		}
	}

	positions, err := s.src.ListPositions(ctx, store.PositionFilter{Status: models.PositionStatusOpen})
	if err != nil {
		rep.Failures++
		s.log.LogError(err, map[string]interface{}{"op": "list_open_positions"})
	}
	for i := range positions {
		if ctx.Err() != nil {
			break
		}
		p := &positions[i]
		if !p.HasStops() {
			continue
		}
		rep.PositionsChecked++
		var closed bool
		err := s.runItem(ctx, func(ictx context.Context) (err error) {
			closed, err = s.stops.CheckStops(ictx, p)
			return err
		})
		switch {
		case err != nil:
			rep.Failures++
			s.log.LogError(err, map[string]interface{}{"op": "check_stops", "position_id": p.ID})
		case closed:
			rep.PositionsClosed++
		}
	}

	s.mon.RecordTick(s.clk.Now().Sub(start), rep.Failures)
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	if rep.OrdersFilled > 0 || rep.PositionsClosed > 0 || rep.Failures > 0 {
		s.log.Info("tick",
			zap.Int("orders_checked", rep.OrdersChecked),
			zap.Int("orders_filled", rep.OrdersFilled),
			zap.Int("positions_checked", rep.PositionsChecked),
			zap.Int("positions_closed", rep.PositionsClosed),
			zap.Int("failures", rep.Failures))
	}
	return rep
}

// runItem 单项带超时执行，panic 转为错误。
func (s *Scheduler) runItem(ctx context.Context, fn func(context.Context) error) (err error) {
	ictx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ictx)
}
