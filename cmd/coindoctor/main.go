package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/gusrbs-0404/CoinDoctor/internal/app"
	"github.com/gusrbs-0404/CoinDoctor/internal/backtest"
	"github.com/gusrbs-0404/CoinDoctor/internal/config"
	"github.com/gusrbs-0404/CoinDoctor/internal/exchange"
	"github.com/gusrbs-0404/CoinDoctor/internal/log"
	"github.com/gusrbs-0404/CoinDoctor/internal/store"
)

func main() {
	var (
		configPath     string
		backtestMarket string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&backtestMarket, "backtest", "", "对指定市场回放最近K线后退出，例如 KRW-BTC")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	if backtestMarket != "" {
		if err := runBacktest(cfg, logger, backtestMarket); err != nil {
			logger.Error("回测失败", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	scanApp, err := app.New(cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("初始化系统失败", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scanApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}

// runBacktest 拉取目标市场最近的1分钟K线，用实盘同一套信号引擎回放。
func runBacktest(cfg *config.Config, logger *zap.Logger, market string) error {
	gateway, err := exchange.NewUpbitGateway(cfg.Upbit, logger)
	if err != nil {
		return fmt.Errorf("初始化交易所网关失败: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	candles, err := gateway.Candles(ctx, market, 200)
	if err != nil {
		return fmt.Errorf("获取K线失败: %w", err)
	}

	engine := backtest.NewEngine(cfg.Trading, backtest.Config{
		AmountPerTrade: cfg.Trading.AmountPerTrade,
		TakeProfitPct:  cfg.Trading.TakeProfitPct,
		StopLossPct:    cfg.Trading.StopLossPct,
		WindowSize:     cfg.Trading.CandleCount,
		MinWindow:      cfg.Trading.MinCandleWindow,
	}, logger)

	result, err := engine.Run(candles)
	if err != nil {
		return err
	}

	logger.Info("回测完成",
		zap.String("market", market),
		zap.Int("candles", len(candles)),
		zap.Int("buy_signals", result.BuySignals),
		zap.Int("trades", len(result.Trades)),
		zap.Float64("final_equity", result.FinalEquity),
		zap.Float64("total_return", result.Metrics.TotalReturn),
		zap.Float64("max_drawdown", result.Metrics.MaxDrawdown),
		zap.Float64("sharpe_ratio", result.Metrics.SharpeRatio),
	)
	return nil
}
