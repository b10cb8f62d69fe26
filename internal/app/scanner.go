package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gusrbs-0404/CoinDoctor/internal/config"
	"github.com/gusrbs-0404/CoinDoctor/internal/exchange"
	"github.com/gusrbs-0404/CoinDoctor/internal/indicator"
	"github.com/gusrbs-0404/CoinDoctor/internal/monitor"
	"github.com/gusrbs-0404/CoinDoctor/internal/position"
	"github.com/gusrbs-0404/CoinDoctor/internal/risk"
)

// 平仓原因。
const (
	exitTakeProfit = "TAKE_PROFIT"
	exitStopLoss   = "STOP_LOSS"
)

// Scanner 驱动一轮完整的扫描-评估-下单流程。
//
// 失败隔离：单个市场的任何异常只会跳过该市场，绝不中断本轮其余市场，
// 也不影响下一轮调度。只有整轮的行情列表拉取失败才会放弃当前轮。
type Scanner struct {
	trading   config.TradingConfig
	scheduler config.SchedulerConfig

	gateway exchange.Gateway
	engine  *indicator.Engine
	guard   *risk.Guard
	book    *position.Book
	monitor *monitor.Service
	logger  *zap.Logger

	topN    int
	enabled atomic.Bool
}

// NewScanner 创建扫描器。全局开关初始状态来自 trading.enabled 配置。
func NewScanner(
	cfg *config.Config,
	gateway exchange.Gateway,
	engine *indicator.Engine,
	guard *risk.Guard,
	book *position.Book,
	monitorSvc *monitor.Service,
	logger *zap.Logger,
) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scanner{
		trading:   cfg.Trading,
		scheduler: cfg.Scheduler,
		gateway:   gateway,
		engine:    engine,
		guard:     guard,
		book:      book,
		monitor:   monitorSvc,
		logger:    logger,
		topN:      cfg.Upbit.TopN,
	}
	s.enabled.Store(cfg.Trading.Enabled)

	return s
}

// Enabled 返回全局交易开关状态。
func (s *Scanner) Enabled() bool {
	return s.enabled.Load()
}

// Start 打开全局交易开关，下一轮扫描生效。
func (s *Scanner) Start() {
	s.enabled.Store(true)
	s.logger.Info("全局交易开关已打开")
}

// Stop 关闭全局交易开关。进行中的一轮允许完成。
func (s *Scanner) Stop() {
	s.enabled.Store(false)
	s.logger.Info("全局交易开关已关闭")
}

// Tick 执行一轮扫描。调用方保证串行调用，轮与轮之间不会重叠。
func (s *Scanner) Tick(ctx context.Context) error {
	started := time.Now()

	if !s.enabled.Load() {
		s.logger.Debug("全局交易开关关闭，跳过本轮扫描")
		return nil
	}

	allowed, reason, err := s.guard.CanTrade(ctx)
	if err != nil {
		return fmt.Errorf("风控判定失败: %w", err)
	}
	if !allowed {
		s.logger.Info("风控拦截，跳过本轮扫描", zap.String("reason", reason))
		return nil
	}

	instruments, err := s.gateway.RankedInstruments(ctx, s.topN)
	if err != nil {
		s.monitor.RecordError(ctx, "拉取行情列表失败", err, nil)
		if apiErr := s.guard.RecordAPIError(ctx, fmt.Sprintf("拉取行情列表失败: %v", err)); apiErr != nil {
			s.logger.Warn("记录接口故障失败", zap.Error(apiErr))
		}
		return fmt.Errorf("拉取行情列表失败: %w", err)
	}
	if len(instruments) == 0 {
		s.logger.Warn("行情列表为空，放弃本轮扫描")
		return nil
	}

	// 急跌熔断由行情驱动，与自身交易结果无关。
	for _, inst := range instruments {
		if err := s.guard.OnPriceShock(ctx, inst.Market, inst.ChangePct24h); err != nil {
			s.logger.Warn("急跌检查失败", zap.String("market", inst.Market), zap.Error(err))
		}
	}

	prices := make(map[string]float64, len(instruments))
	markets := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		prices[inst.Market] = inst.LastPrice
		markets = append(markets, inst.Market)
	}

	var skipped, orders atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	if s.scheduler.MaxConcurrency > 0 {
		group.SetLimit(s.scheduler.MaxConcurrency)
	}

	for _, inst := range instruments {
		group.Go(func() error {
			// 单市场的任何异常都不得波及其余市场。
			defer func() {
				if r := recover(); r != nil {
					skipped.Add(1)
					s.logger.Error("市场扫描发生panic，已隔离",
						zap.String("market", inst.Market),
						zap.Any("panic", r),
					)
					s.monitor.RecordError(groupCtx, "市场扫描panic", fmt.Errorf("%v", r),
						map[string]interface{}{"market": inst.Market})
				}
			}()

			if ok := s.scanInstrument(groupCtx, inst); ok {
				orders.Add(1)
			} else {
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = group.Wait()

	exits := s.checkExits(ctx, prices)

	s.monitor.RecordScanSummary(ctx, monitor.ScanSummaryPayload{
		Scanned:    len(instruments),
		Skipped:    int(skipped.Load()),
		Orders:     int(orders.Load()),
		Exits:      exits,
		Markets:    markets,
		DurationMS: time.Since(started).Milliseconds(),
	})

	s.logger.Info("本轮扫描完成",
		zap.Int("scanned", len(instruments)),
		zap.Int64("orders", orders.Load()),
		zap.Int("exits", exits),
		zap.Duration("elapsed", time.Since(started)),
	)

	return nil
}

// scanInstrument 评估单个市场并在信号成立时提交买单。
// 返回是否产生了委托。所有失败都在内部消化。
func (s *Scanner) scanInstrument(ctx context.Context, inst exchange.Instrument) bool {
	log := s.logger.With(zap.String("market", inst.Market))

	candles, err := s.gateway.Candles(ctx, inst.Market, s.trading.CandleCount)
	if err != nil {
		log.Warn("拉取K线失败，跳过该市场", zap.Error(err))
		s.monitor.RecordError(ctx, "拉取K线失败", err, map[string]interface{}{"market": inst.Market})
		if apiErr := s.guard.RecordAPIError(ctx, fmt.Sprintf("拉取K线失败 %s: %v", inst.Market, err)); apiErr != nil {
			log.Warn("记录接口故障失败", zap.Error(apiErr))
		}
		return false
	}

	if len(candles) < s.trading.MinCandleWindow {
		log.Debug("K线数量不足，跳过该市场",
			zap.Int("got", len(candles)),
			zap.Int("need", s.trading.MinCandleWindow),
		)
		return false
	}

	signal := s.engine.Evaluate(candles)
	s.monitor.RecordSignal(ctx, inst.Market, signal)

	if !signal.Buy {
		log.Debug("信号未达买入条件",
			zap.Int("confidence", signal.Confidence),
			zap.Float64("rsi", signal.RSI),
		)
		return false
	}

	has, err := s.book.Has(ctx, inst.Market)
	if err != nil {
		log.Warn("查询持仓失败，跳过该市场", zap.Error(err))
		return false
	}
	if has {
		log.Debug("该市场已有持仓，跳过买入")
		return false
	}

	// 平仓可能在同一轮内触发风控，提交前重新判定。
	allowed, reason, err := s.guard.CanTrade(ctx)
	if err != nil || !allowed {
		log.Info("提交前风控判定未通过", zap.String("reason", reason), zap.Error(err))
		return false
	}

	amount := s.trading.AmountPerTrade
	if !s.guard.ValidateAmount(amount) {
		log.Warn("委托金额未通过校验", zap.Float64("amount", amount))
		return false
	}

	order, err := s.gateway.PlaceMarketBuy(ctx, inst.Market, amount)
	if err != nil {
		log.Warn("提交买单失败", zap.Error(err))
		s.monitor.RecordError(ctx, "提交买单失败", err, map[string]interface{}{"market": inst.Market})
		if apiErr := s.guard.RecordAPIError(ctx, fmt.Sprintf("提交买单失败 %s: %v", inst.Market, err)); apiErr != nil {
			log.Warn("记录接口故障失败", zap.Error(apiErr))
		}
		return false
	}
	s.monitor.RecordOrder(ctx, order)

	volume := 0.0
	if inst.LastPrice > 0 {
		volume = amount / inst.LastPrice
	}

	if err := s.book.Open(ctx, position.Position{
		Market:     inst.Market,
		EntryPrice: inst.LastPrice,
		Volume:     volume,
		Amount:     amount,
		OpenedAt:   order.CreatedAt,
	}); err != nil {
		log.Error("持仓登记失败", zap.Error(err))
		return false
	}

	if err := s.guard.RecordTrade(ctx, risk.TradeOutcome{
		Market:     inst.Market,
		Side:       exchange.OrderSideBuy,
		Price:      inst.LastPrice,
		Volume:     volume,
		Amount:     amount,
		ExecutedAt: order.CreatedAt,
	}); err != nil {
		log.Error("交易日志写入失败", zap.Error(err))
	}

	log.Info("买入委托已提交",
		zap.String("order_id", order.ID),
		zap.Float64("amount", amount),
		zap.Int("confidence", signal.Confidence),
	)

	return true
}

// checkExits 对全部持仓做止盈/止损检查，与信号评估互相独立。
// 返回平仓笔数。
func (s *Scanner) checkExits(ctx context.Context, prices map[string]float64) int {
	positions, err := s.book.List(ctx)
	if err != nil {
		s.logger.Warn("查询持仓列表失败", zap.Error(err))
		return 0
	}

	exits := 0
	for _, pos := range positions {
		price, ok := prices[pos.Market]
		if !ok || price <= 0 {
			price = s.latestClose(ctx, pos.Market)
		}
		if price <= 0 {
			s.logger.Debug("缺少有效现价，跳过平仓检查", zap.String("market", pos.Market))
			continue
		}

		pnlPct := (price - pos.EntryPrice) / pos.EntryPrice * 100

		var reason string
		switch {
		case pnlPct >= s.trading.TakeProfitPct:
			reason = exitTakeProfit
		case pnlPct <= -s.trading.StopLossPct:
			reason = exitStopLoss
		default:
			continue
		}

		if s.exitPosition(ctx, pos, price, reason) {
			exits++
		}
	}

	return exits
}

// exitPosition 提交卖单并登记已实现盈亏。失败只影响该持仓。
func (s *Scanner) exitPosition(ctx context.Context, pos position.Position, price float64, reason string) bool {
	log := s.logger.With(zap.String("market", pos.Market), zap.String("reason", reason))

	order, err := s.gateway.PlaceLimitSell(ctx, pos.Market, price, pos.Volume)
	if err != nil {
		log.Warn("提交卖单失败", zap.Error(err))
		s.monitor.RecordError(ctx, "提交卖单失败", err, map[string]interface{}{"market": pos.Market})
		if apiErr := s.guard.RecordAPIError(ctx, fmt.Sprintf("提交卖单失败 %s: %v", pos.Market, err)); apiErr != nil {
			log.Warn("记录接口故障失败", zap.Error(apiErr))
		}
		return false
	}
	s.monitor.RecordOrder(ctx, order)

	profitLoss := (price - pos.EntryPrice) * pos.Volume

	if _, err := s.book.Close(ctx, pos.Market); err != nil {
		log.Error("持仓注销失败", zap.Error(err))
		return false
	}

	pl := profitLoss
	if err := s.guard.OnTradeClosed(ctx, risk.TradeOutcome{
		Market:     pos.Market,
		Side:       exchange.OrderSideSell,
		Price:      price,
		Volume:     pos.Volume,
		Amount:     price * pos.Volume,
		ProfitLoss: &pl,
		ExecutedAt: order.CreatedAt,
	}); err != nil {
		log.Error("平仓结果登记失败", zap.Error(err))
	}

	s.monitor.RecordExit(ctx, pos, price, profitLoss, reason)

	log.Info("持仓已平仓",
		zap.Float64("exit_price", price),
		zap.Float64("profit_loss", profitLoss),
	)

	return true
}

func (s *Scanner) latestClose(ctx context.Context, market string) float64 {
	candles, err := s.gateway.Candles(ctx, market, 1)
	if err != nil || len(candles) == 0 {
		return 0
	}
	return candles[len(candles)-1].Close
}
