package backtest

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gusrbs-0404/CoinDoctor/internal/config"
	"github.com/gusrbs-0404/CoinDoctor/internal/exchange"
	"github.com/gusrbs-0404/CoinDoctor/internal/indicator"
)

// Config 控制回测参数。
type Config struct {
	InitialEquity  float64
	AmountPerTrade float64
	TakeProfitPct  float64
	StopLossPct    float64
	WindowSize     int
	MinWindow      int
}

func (c Config) normalize() Config {
	if c.InitialEquity <= 0 {
		c.InitialEquity = 1_000_000
	}
	if c.AmountPerTrade <= 0 {
		c.AmountPerTrade = 10_000
	}
	if c.TakeProfitPct <= 0 {
		c.TakeProfitPct = 1.0
	}
	if c.StopLossPct <= 0 {
		c.StopLossPct = 0.5
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 30
	}
	if c.MinWindow <= 0 {
		c.MinWindow = 21
	}
	return c
}

// Trade 记录回测中一笔完整的开平仓。
type Trade struct {
	EntryPrice float64
	ExitPrice  float64
	Volume     float64
	ProfitLoss float64
	Reason     string
	EntryAt    time.Time
	ExitAt     time.Time
}

// Result 汇总回测结果。
type Result struct {
	Metrics     Metrics
	EquityCurve []float64
	Trades      []Trade
	BuySignals  int
	FinalEquity float64
}

// Engine 以历史K线重放信号评估与止盈止损规则，验证参数组合。
// 重放使用与线上完全相同的指标引擎，保证回测与实盘决策一致。
type Engine struct {
	cfg    Config
	engine *indicator.Engine
	logger *zap.Logger
}

// NewEngine 构建回测引擎。
func NewEngine(trading config.TradingConfig, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalize()

	return &Engine{
		cfg:    cfg,
		engine: indicator.NewEngine(trading),
		logger: logger,
	}
}

// Run 对单市场的历史K线做完整重放。K线须按时间升序。
func (e *Engine) Run(candles []exchange.Candle) (Result, error) {
	if len(candles) < e.cfg.MinWindow {
		return Result{}, fmt.Errorf("backtest: K线数量不足: %d < %d", len(candles), e.cfg.MinWindow)
	}

	equity := e.cfg.InitialEquity
	equityCurve := make([]float64, 0, len(candles))
	returns := make([]float64, 0, len(candles))
	trades := make([]Trade, 0, 16)
	buySignals := 0

	var open *Trade

	for i := e.cfg.MinWindow; i <= len(candles); i++ {
		start := i - e.cfg.WindowSize
		if start < 0 {
			start = 0
		}
		window := candles[start:i]
		bar := candles[i-1]
		price := bar.Close

		prevEquity := equity

		if open != nil {
			pnlPct := (price - open.EntryPrice) / open.EntryPrice * 100

			var reason string
			switch {
			case pnlPct >= e.cfg.TakeProfitPct:
				reason = "TAKE_PROFIT"
			case pnlPct <= -e.cfg.StopLossPct:
				reason = "STOP_LOSS"
			}

			if reason != "" {
				open.ExitPrice = price
				open.ExitAt = bar.Timestamp
				open.ProfitLoss = (price - open.EntryPrice) * open.Volume
				open.Reason = reason

				equity += open.ProfitLoss
				trades = append(trades, *open)
				open = nil
			}
		}

		if open == nil {
			signal := e.engine.Evaluate(window)
			if signal.Buy {
				buySignals++
				open = &Trade{
					EntryPrice: price,
					Volume:     e.cfg.AmountPerTrade / price,
					EntryAt:    bar.Timestamp,
				}
			}
		}

		equityCurve = append(equityCurve, equity)
		if prevEquity > 0 {
			returns = append(returns, equity/prevEquity-1)
		}
	}

	// 终点仍有持仓则按最后收盘价强制平仓。
	if open != nil {
		last := candles[len(candles)-1]
		open.ExitPrice = last.Close
		open.ExitAt = last.Timestamp
		open.ProfitLoss = (last.Close - open.EntryPrice) * open.Volume
		open.Reason = "END_OF_DATA"
		equity += open.ProfitLoss
		trades = append(trades, *open)
		equityCurve = append(equityCurve, equity)
	}

	e.logger.Info("回测完成",
		zap.Int("bars", len(candles)),
		zap.Int("trades", len(trades)),
		zap.Float64("final_equity", equity),
	)

	return Result{
		Metrics:     calculateMetrics(equityCurve, returns),
		EquityCurve: equityCurve,
		Trades:      trades,
		BuySignals:  buySignals,
		FinalEquity: equity,
	}, nil
}
