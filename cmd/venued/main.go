package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"trading-venue/internal/container"
)

func main() {
	app := &cli.App{
		Name:  "venued",
		Usage: "零售交易场所的撮合与行情引擎",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "configs/venue.yaml",
				Usage:   "配置文件路径",
				EnvVars: []string{"VENUE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "启动引擎，直到收到 SIGINT/SIGTERM",
				Action: runAction,
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "connect-wait", Value: 10 * time.Second, Usage: "启动时等待上游连接的时间"},
					&cli.DurationFlag{Name: "health-interval", Value: 30 * time.Second, Usage: "健康检查间隔"},
				},
			},
			{
				Name:      "quote",
				Usage:     "按降级链取一次报价并打印",
				ArgsUsage: "SYMBOL [SYMBOL...]",
				Action:    quoteAction,
			},
			{
				Name:   "migrate",
				Usage:  "迁移数据库表结构",
				Action: migrateAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("venued: %v", err)
	}
}

func runAction(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.New(cctx.String("config"))
	if err != nil {
		return err
	}
	if err := c.Build(ctx); err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Stop()
		return err
	}
	lg := c.Logger()

	c.WaitStarted(ctx, cctx.Duration("connect-wait"))
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		lg.Warn("sd_notify ready failed", zap.Error(err))
	} else if ok {
		lg.Info("systemd notified ready")
	}

	healthEvery := cctx.Duration("health-interval")
	if healthEvery <= 0 {
		healthEvery = 30 * time.Second
	}
	watchdog, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		lg.Warn("read systemd watchdog failed", zap.Error(err))
	}
	if watchdog > 0 && watchdog/2 < healthEvery {
		healthEvery = watchdog / 2
	}

	ticker := time.NewTicker(healthEvery)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				lg.Warn("health check failed", zap.Error(err))
				continue
			}
			if watchdog > 0 {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
			st := c.Engine().GetStatistics()
			lg.Info("engine heartbeat",
				zap.Int64("orders", st.TotalOrders),
				zap.Int64("fills", st.TotalFills),
				zap.Int64("closes", st.TotalCloses),
				zap.Int64("errors", st.TotalErrors))
		}
	}

	lg.Info("shutdown signal received")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return c.Stop()
}

func quoteAction(cctx *cli.Context) error {
	if cctx.NArg() == 0 {
		return cli.Exit("at least one symbol is required", 2)
	}
	ctx := cctx.Context

	c, err := container.New(cctx.String("config"))
	if err != nil {
		return err
	}
	if err := c.Build(ctx); err != nil {
		return err
	}
	defer c.Stop()

	for _, sym := range cctx.Args().Slice() {
		q := c.Engine().GetQuote(ctx, strings.ToUpper(sym))
		bid, ask := "-", "-"
		if q.Bid != nil {
			bid = q.Bid.String()
		}
		if q.Ask != nil {
			ask = q.Ask.String()
		}
		fmt.Fprintf(cctx.App.Writer, "%-10s price=%s bid=%s ask=%s source=%s at=%s\n",
			q.Symbol, q.Price, bid, ask, q.Source, q.Timestamp.Format(time.RFC3339))
	}
	return nil
}

func migrateAction(cctx *cli.Context) error {
	ctx, cancel := context.WithTimeout(cctx.Context, time.Minute)
	defer cancel()

	c, err := container.New(cctx.String("config"))
	if err != nil {
		return err
	}
	if err := c.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cctx.App.Writer, "migration complete")
	return nil
}
