package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gusrbs-0404/CoinDoctor/internal/config"
	"github.com/gusrbs-0404/CoinDoctor/internal/exchange"
	"github.com/gusrbs-0404/CoinDoctor/internal/indicator"
	"github.com/gusrbs-0404/CoinDoctor/internal/monitor"
	"github.com/gusrbs-0404/CoinDoctor/internal/position"
	"github.com/gusrbs-0404/CoinDoctor/internal/risk"
	"github.com/gusrbs-0404/CoinDoctor/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	gateway exchange.Gateway
	scanner *Scanner
	guard   *risk.Guard
	book    *position.Book
	monitor *monitor.Service
}

// New 创建 App 实例并完成全部组件装配。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	gateway, err := exchange.NewUpbitGateway(cfg.Upbit, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所网关失败: %w", err)
	}

	return newApp(cfg, logger, store, gateway)
}

func newApp(cfg *config.Config, logger *zap.Logger, store *store.Store, gateway exchange.Gateway) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	guard, err := risk.NewGuard(store.DB(), cfg.Risk, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化风控守卫失败: %w", err)
	}

	book, err := position.NewBook(store.DB(), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化持仓账本失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(store.DB(), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	engine := indicator.NewEngine(cfg.Trading)
	scanner := NewScanner(cfg, gateway, engine, guard, book, monitorSvc, logger)

	return &App{
		cfg:     cfg,
		logger:  logger,
		gateway: gateway,
		scanner: scanner,
		guard:   guard,
		book:    book,
		monitor: monitorSvc,
	}, nil
}

// Run 驱动主扫描循环直至收到退出信号。
//
// 调度为固定间歇（fixed-delay）：本轮完整结束后再计时下一轮，
// 两轮扫描永不重叠。首轮前有启动延迟，给行情通道留出预热时间。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("扫描系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Strings("markets", a.cfg.Upbit.Markets),
		zap.Duration("scan_interval", a.cfg.Scheduler.ScanInterval),
		zap.Bool("trading_enabled", a.scanner.Enabled()),
	)

	if a.cfg.Monitor.Enabled {
		if err := startAdminServer(ctx, adminDeps{
			scanner: a.scanner,
			guard:   a.guard,
			book:    a.book,
			monitor: a.monitor,
		}, a.cfg.Monitor.Port, a.logger); err != nil {
			return fmt.Errorf("启动监控接口失败: %w", err)
		}
	}

	// 启动连通性检查：失败仅告警，首轮扫描会按重试策略再次访问行情。
	if err := a.gateway.Ping(ctx); err != nil {
		a.logger.Warn("交易所连通性检查失败", zap.Error(err))
	}

	interval := a.cfg.Scheduler.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	initialDelay := a.cfg.Scheduler.InitialDelay
	if initialDelay < 0 {
		initialDelay = 0
	}

	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-timer.C:
			if err := a.scanner.Tick(ctx); err != nil {
				// 单轮失败不终止调度，下一轮照常执行。
				a.logger.Error("本轮扫描失败", zap.Error(err))
			}
			timer.Reset(interval)
		}
	}
}

// Scanner 返回扫描器，供监控接口操作全局开关。
func (a *App) Scanner() *Scanner {
	return a.scanner
}
