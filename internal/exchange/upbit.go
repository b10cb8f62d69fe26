package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gusrbs-0404/CoinDoctor/internal/config"
)

// UpbitGateway 基于 ccxt 访问 Upbit 行情，下单走纸面成交。
// 实盘委托需要 JWT 鉴权，属于本核心之外的协作方，这里与原始系统一致，
// 在未配置密钥时直接返回模拟成交结果。
type UpbitGateway struct {
	cfg      config.UpbitConfig
	logger   *zap.Logger
	exchange *ccxt.Upbit

	loadMarkets   func() error
	marketsMu     sync.Mutex
	marketsLoaded atomic.Bool
}

var _ Gateway = (*UpbitGateway)(nil)

// NewUpbitGateway 构造 Upbit 网关。
func NewUpbitGateway(cfg config.UpbitConfig, logger *zap.Logger) (*UpbitGateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Markets) == 0 {
		return nil, errors.New("exchange: 市场列表不能为空")
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewUpbit(userConfig)

	return &UpbitGateway{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
		loadMarkets: func() error {
			_, err := ex.LoadMarkets()
			return err
		},
	}, nil
}

// RankedInstruments 按24小时成交额降序返回前 n 个市场。
func (g *UpbitGateway) RankedInstruments(ctx context.Context, n int) ([]Instrument, error) {
	if n <= 0 || n > len(g.cfg.Markets) {
		n = len(g.cfg.Markets)
	}

	instruments := make([]Instrument, len(g.cfg.Markets))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, market := range g.cfg.Markets {
		group.Go(func() error {
			inst, err := g.fetchInstrument(groupCtx, market)
			if err != nil {
				return err
			}
			instruments[i] = inst
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(instruments, func(i, j int) bool {
		return instruments[i].QuoteVolume24 > instruments[j].QuoteVolume24
	})

	return instruments[:n], nil
}

func (g *UpbitGateway) fetchInstrument(ctx context.Context, market string) (Instrument, error) {
	var raw ccxt.Ticker

	err := g.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := g.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		ticker, err := g.exchange.FetchTicker(toCCXTSymbol(market))
		if err != nil {
			return err
		}
		raw = ticker
		return nil
	})
	if err != nil {
		return Instrument{}, err
	}

	last := deref(raw.Last)
	if last <= 0 {
		return Instrument{}, fmt.Errorf("%w: ticker %s", ErrEmptyResponse, market)
	}

	return Instrument{
		Market:        market,
		LastPrice:     last,
		ChangePct24h:  deref(raw.Percentage),
		QuoteVolume24: deref(raw.QuoteVolume),
	}, nil
}

// Candles 获取指定市场的1分钟K线，按时间升序返回。
func (g *UpbitGateway) Candles(ctx context.Context, market string, count int) ([]Candle, error) {
	if count <= 0 {
		count = 1
	}
	if count > 200 {
		count = 200
	}

	var raw []ccxt.OHLCV

	err := g.callWithRetry(ctx, "fetch_ohlcv", func() error {
		if err := g.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := g.exchange.FetchOHLCV(
			toCCXTSymbol(market),
			ccxt.WithFetchOHLCVTimeframe(Timeframe1m),
			ccxt.WithFetchOHLCVLimit(int64(count)),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: candles %s", ErrEmptyResponse, market)
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

// PlaceMarketBuy 提交市价买单。未配置密钥时生成纸面成交。
func (g *UpbitGateway) PlaceMarketBuy(ctx context.Context, market string, amount float64) (Order, error) {
	if market == "" {
		return Order{}, errors.New("exchange: 市场代码不能为空")
	}
	if amount <= 0 {
		return Order{}, errors.New("exchange: 委托金额必须大于0")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Order{}, ctxErr
	}

	if !g.hasCredentials() {
		g.logger.Info("未配置 API 密钥，按纸面成交处理市价买单",
			zap.String("market", market),
			zap.Float64("amount", amount),
		)
	} else {
		// 实盘下单需要 Upbit JWT 鉴权，与原始系统一致保持纸面模式。
		g.logger.Warn("实盘委托未启用，按纸面成交处理市价买单", zap.String("market", market))
	}

	return paperOrder(market, OrderSideBuy, "MARKET", 0, 0, amount), nil
}

// PlaceLimitSell 提交限价卖单。未配置密钥时生成纸面成交。
func (g *UpbitGateway) PlaceLimitSell(ctx context.Context, market string, price, volume float64) (Order, error) {
	if market == "" {
		return Order{}, errors.New("exchange: 市场代码不能为空")
	}
	if price <= 0 {
		return Order{}, errors.New("exchange: 委托价格必须大于0")
	}
	if volume <= 0 {
		return Order{}, errors.New("exchange: 委托数量必须大于0")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Order{}, ctxErr
	}

	if !g.hasCredentials() {
		g.logger.Info("未配置 API 密钥，按纸面成交处理限价卖单",
			zap.String("market", market),
			zap.Float64("price", price),
			zap.Float64("volume", volume),
		)
	} else {
		g.logger.Warn("实盘委托未启用，按纸面成交处理限价卖单", zap.String("market", market))
	}

	return paperOrder(market, OrderSideSell, "LIMIT", price, volume, price*volume), nil
}

// Ping 验证行情通道是否可用。
func (g *UpbitGateway) Ping(ctx context.Context) error {
	return g.callWithRetry(ctx, "load_markets", g.loadMarkets)
}

func (g *UpbitGateway) hasCredentials() bool {
	return g.cfg.APIKey != "" && g.cfg.APISecret != ""
}

// ensureMarketsLoaded 首次调用时加载市场元数据，失败后下次调用重试。
// 快路径用原子读，行情拉取并发扇出时不与慢路径的写竞争。
func (g *UpbitGateway) ensureMarketsLoaded(ctx context.Context) error {
	if g.marketsLoaded.Load() {
		return nil
	}

	g.marketsMu.Lock()
	defer g.marketsMu.Unlock()

	if g.marketsLoaded.Load() {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if err := g.loadMarkets(); err != nil {
		return err
	}

	g.marketsLoaded.Store(true)
	g.logger.Info("已完成市场元数据加载", zap.Int("markets", len(g.cfg.Markets)))
	return nil
}

// callWithRetry 在超时预算内执行交易所调用，按退避策略重试可恢复错误。
// fn 在独立 goroutine 中运行，超时后放弃等待，避免挂起的外部调用拖住调度器。
func (g *UpbitGateway) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	timeout := g.cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempt := 0
	delay := g.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := g.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := callCtx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := runBounded(callCtx, fn)
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				g.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			g.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= g.cfg.Retry.MaxAttempts {
			g.logger.Warn("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		g.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-callCtx.Done():
			timer.Stop()
			return callCtx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func runBounded(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// classifyError 将维护类错误归一化为 ErrMaintenance，其余交给 IsRetryable 判定。
func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OnMaintenanceErrType {
		message := strings.TrimSpace(ccxtErr.Message)
		if message == "" {
			message = "exchange under maintenance"
		}
		return fmt.Errorf("%w: %s", ErrMaintenance, message), false
	}

	return err, IsRetryable(err)
}

func paperOrder(market string, side OrderSide, ordType string, price, volume, amount float64) Order {
	return Order{
		ID:        uuid.NewString(),
		Market:    market,
		Side:      side,
		Type:      ordType,
		Price:     price,
		Volume:    volume,
		Amount:    amount,
		State:     "done",
		CreatedAt: time.Now().UTC(),
	}
}

// toCCXTSymbol 将 Upbit 市场代码（KRW-BTC）转换为 ccxt 符号（BTC/KRW）。
func toCCXTSymbol(market string) string {
	parts := strings.SplitN(market, "-", 2)
	if len(parts) != 2 {
		return market
	}
	return parts[1] + "/" + parts[0]
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
