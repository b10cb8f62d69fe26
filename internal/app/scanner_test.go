package app

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gusrbs-0404/CoinDoctor/internal/config"
	"github.com/gusrbs-0404/CoinDoctor/internal/exchange"
	"github.com/gusrbs-0404/CoinDoctor/internal/indicator"
	"github.com/gusrbs-0404/CoinDoctor/internal/monitor"
	"github.com/gusrbs-0404/CoinDoctor/internal/position"
	"github.com/gusrbs-0404/CoinDoctor/internal/risk"
)

type mockGateway struct {
	mu sync.Mutex

	instruments []exchange.Instrument
	rankedErr   error

	candles    map[string][]exchange.Candle
	candlesErr map[string]error

	buyErr map[string]error

	rankedDelay time.Duration

	rankedCalls int
	rankedTimes []time.Time
	pingCalls   int
	buys        []string
	sells       []string
}

func (m *mockGateway) RankedInstruments(ctx context.Context, n int) ([]exchange.Instrument, error) {
	m.mu.Lock()
	m.rankedCalls++
	m.rankedTimes = append(m.rankedTimes, time.Now())
	delay := m.rankedDelay
	err := m.rankedErr
	instruments := m.instruments
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return instruments, nil
}

func (m *mockGateway) Candles(ctx context.Context, market string, count int) ([]exchange.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.candlesErr[market]; ok {
		return nil, err
	}
	return m.candles[market], nil
}

func (m *mockGateway) PlaceMarketBuy(ctx context.Context, market string, amount float64) (exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.buyErr[market]; ok {
		return exchange.Order{}, err
	}
	m.buys = append(m.buys, market)
	return exchange.Order{
		ID:        "mock-buy-" + market,
		Market:    market,
		Side:      exchange.OrderSideBuy,
		Type:      "MARKET",
		Amount:    amount,
		State:     "done",
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (m *mockGateway) PlaceLimitSell(ctx context.Context, market string, price, volume float64) (exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sells = append(m.sells, market)
	return exchange.Order{
		ID:        "mock-sell-" + market,
		Market:    market,
		Side:      exchange.OrderSideSell,
		Type:      "LIMIT",
		Price:     price,
		Volume:    volume,
		Amount:    price * volume,
		State:     "done",
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (m *mockGateway) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingCalls++
	return nil
}

func (m *mockGateway) rankedStarts() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	starts := make([]time.Time, len(m.rankedTimes))
	copy(starts, m.rankedTimes)
	return starts
}

func (m *mockGateway) pingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingCalls
}

func (m *mockGateway) buyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buys)
}

func (m *mockGateway) sellCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sells)
}

func TestTick_SkipsWhenDisabled(t *testing.T) {
	env := newTestEnv(t, &mockGateway{})
	env.scanner.Stop()

	if err := env.scanner.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if env.gateway.rankedCalls != 0 {
		t.Fatalf("expected no market fetch while disabled, got %d calls", env.gateway.rankedCalls)
	}
}

func TestTick_SkipsWhenGuardBlocks(t *testing.T) {
	env := newTestEnv(t, &mockGateway{})
	ctx := context.Background()

	if err := env.guard.OnPriceShock(ctx, "KRW-BTC", -5.0); err != nil {
		t.Fatalf("OnPriceShock returned error: %v", err)
	}

	if err := env.scanner.Tick(ctx); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if env.gateway.rankedCalls != 0 {
		t.Fatalf("expected cycle skipped while breaker active, got %d fetches", env.gateway.rankedCalls)
	}
}

func TestTick_BuyFlow(t *testing.T) {
	gw := &mockGateway{
		instruments: []exchange.Instrument{
			{Market: "KRW-BTC", LastPrice: 50000, ChangePct24h: 1.2, QuoteVolume24: 900},
		},
		candles: map[string][]exchange.Candle{
			"KRW-BTC": buySignalCandles(30),
		},
	}
	env := newTestEnv(t, gw)
	ctx := context.Background()

	if err := env.scanner.Tick(ctx); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if gw.buyCount() != 1 {
		t.Fatalf("expected one buy order, got %d", gw.buyCount())
	}

	has, err := env.book.Has(ctx, "KRW-BTC")
	if err != nil {
		t.Fatalf("Has returned error: %v", err)
	}
	if !has {
		t.Fatalf("expected open position after buy")
	}

	trades, err := env.guard.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTrades returned error: %v", err)
	}
	if len(trades) != 1 || trades[0].Side != exchange.OrderSideBuy || trades[0].ProfitLoss != nil {
		t.Fatalf("expected single open trade with null profit/loss, got %+v", trades)
	}

	// 已有持仓的市场不得重复建仓。
	if err := env.scanner.Tick(ctx); err != nil {
		t.Fatalf("second Tick returned error: %v", err)
	}
	if gw.buyCount() != 1 {
		t.Fatalf("expected no duplicate buy, got %d orders", gw.buyCount())
	}
}

func TestTick_PerInstrumentFailureIsolation(t *testing.T) {
	gw := &mockGateway{
		instruments: []exchange.Instrument{
			{Market: "KRW-BTC", LastPrice: 50000, ChangePct24h: 0.5, QuoteVolume24: 900},
			{Market: "KRW-ETH", LastPrice: 3000, ChangePct24h: 0.8, QuoteVolume24: 700},
		},
		candles: map[string][]exchange.Candle{
			"KRW-ETH": buySignalCandles(30),
		},
		candlesErr: map[string]error{
			"KRW-BTC": errors.New("request timeout"),
		},
	}
	env := newTestEnv(t, gw)
	ctx := context.Background()

	if err := env.scanner.Tick(ctx); err != nil {
		t.Fatalf("Tick returned error despite per-market failure: %v", err)
	}
	if gw.buyCount() != 1 || gw.buys[0] != "KRW-ETH" {
		t.Fatalf("expected healthy market still traded, buys=%v", gw.buys)
	}

	events, err := env.guard.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEvents returned error: %v", err)
	}
	found := false
	for _, event := range events {
		if event.Type == risk.EventAPIError {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected API_ERROR event for failed market, got %+v", events)
	}
}

func TestTick_AbortsWhenRankedFetchFails(t *testing.T) {
	gw := &mockGateway{rankedErr: errors.New("exchange unavailable")}
	env := newTestEnv(t, gw)
	ctx := context.Background()

	if err := env.scanner.Tick(ctx); err == nil {
		t.Fatalf("expected error when instrument list fetch fails")
	}

	// 下一轮不受影响。
	gw.mu.Lock()
	gw.rankedErr = nil
	gw.instruments = []exchange.Instrument{
		{Market: "KRW-BTC", LastPrice: 50000, QuoteVolume24: 900},
	}
	gw.candles = map[string][]exchange.Candle{"KRW-BTC": buySignalCandles(30)}
	gw.mu.Unlock()

	if err := env.scanner.Tick(ctx); err != nil {
		t.Fatalf("next Tick returned error: %v", err)
	}
	if gw.buyCount() != 1 {
		t.Fatalf("expected recovery on next tick, got %d buys", gw.buyCount())
	}
}

func TestTick_ShortSeriesSkipped(t *testing.T) {
	gw := &mockGateway{
		instruments: []exchange.Instrument{
			{Market: "KRW-BTC", LastPrice: 50000, QuoteVolume24: 900},
		},
		candles: map[string][]exchange.Candle{
			"KRW-BTC": buySignalCandles(10),
		},
	}
	env := newTestEnv(t, gw)

	if err := env.scanner.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if gw.buyCount() != 0 {
		t.Fatalf("expected no order on short price series, got %d", gw.buyCount())
	}
}

func TestTick_TakeProfitExit(t *testing.T) {
	gw := &mockGateway{
		instruments: []exchange.Instrument{
			{Market: "KRW-BTC", LastPrice: 101.5, QuoteVolume24: 900},
		},
		candles: map[string][]exchange.Candle{
			"KRW-BTC": flatCandles(30, 101.5),
		},
	}
	env := newTestEnv(t, gw)
	ctx := context.Background()

	if err := env.book.Open(ctx, position.Position{
		Market:     "KRW-BTC",
		EntryPrice: 100,
		Volume:     100,
		Amount:     10000,
	}); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	if err := env.scanner.Tick(ctx); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if gw.sellCount() != 1 {
		t.Fatalf("expected take-profit sell, got %d", gw.sellCount())
	}

	has, err := env.book.Has(ctx, "KRW-BTC")
	if err != nil {
		t.Fatalf("Has returned error: %v", err)
	}
	if has {
		t.Fatalf("expected position removed after exit")
	}

	trades, err := env.guard.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTrades returned error: %v", err)
	}
	if len(trades) != 1 || trades[0].ProfitLoss == nil || *trades[0].ProfitLoss <= 0 {
		t.Fatalf("expected profitable close recorded, got %+v", trades)
	}
}

func TestTick_StopLossExitFeedsGuard(t *testing.T) {
	gw := &mockGateway{
		instruments: []exchange.Instrument{
			{Market: "KRW-BTC", LastPrice: 99.4, QuoteVolume24: 900},
		},
		candles: map[string][]exchange.Candle{
			"KRW-BTC": flatCandles(30, 99.4),
		},
	}
	env := newTestEnv(t, gw)
	ctx := context.Background()

	if err := env.book.Open(ctx, position.Position{
		Market:     "KRW-BTC",
		EntryPrice: 100,
		Volume:     100,
		Amount:     10000,
	}); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	if err := env.scanner.Tick(ctx); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if gw.sellCount() != 1 {
		t.Fatalf("expected stop-loss sell, got %d", gw.sellCount())
	}

	snapshot, err := env.guard.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot returned error: %v", err)
	}
	if snapshot.ConsecutiveLosses != 1 {
		t.Fatalf("expected loss fed into guard, got %d consecutive losses", snapshot.ConsecutiveLosses)
	}
}

func TestTick_PriceShockBlocksBuys(t *testing.T) {
	gw := &mockGateway{
		instruments: []exchange.Instrument{
			{Market: "KRW-BTC", LastPrice: 50000, ChangePct24h: -5.0, QuoteVolume24: 900},
		},
		candles: map[string][]exchange.Candle{
			"KRW-BTC": buySignalCandles(30),
		},
	}
	env := newTestEnv(t, gw)
	ctx := context.Background()

	if err := env.scanner.Tick(ctx); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if gw.buyCount() != 0 {
		t.Fatalf("expected no buys after breaker trip, got %d", gw.buyCount())
	}

	snapshot, err := env.guard.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot returned error: %v", err)
	}
	if !snapshot.CircuitBreakerActive {
		t.Fatalf("expected breaker active after -5%% change")
	}
}

type testEnv struct {
	scanner *Scanner
	gateway *mockGateway
	guard   *risk.Guard
	book    *position.Book
}

func newTestEnv(t *testing.T, gw *mockGateway) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{
		Upbit: config.UpbitConfig{
			Markets: []string{"KRW-BTC", "KRW-ETH"},
			TopN:    5,
		},
		Trading: config.TradingConfig{
			Enabled:         true,
			AmountPerTrade:  10000,
			TakeProfitPct:   1.0,
			StopLossPct:     0.5,
			EMAShortPeriod:  5,
			EMALongPeriod:   20,
			RSIPeriod:       14,
			RSIOversold:     30,
			CandleCount:     30,
			MinCandleWindow: 21,
			MinConfidence:   60,
		},
		Risk: config.RiskConfig{
			MaxConsecutiveLosses:       3,
			CircuitBreakerThresholdPct: -3.0,
			CooldownDuration:           10 * time.Minute,
			MaxDailyLossAmount:         50000,
			MaxTradeAmount:             100000,
		},
		Scheduler: config.SchedulerConfig{
			MaxConcurrency: 1,
		},
	}

	guard, err := risk.NewGuard(db, cfg.Risk, nil)
	if err != nil {
		t.Fatalf("NewGuard returned error: %v", err)
	}
	book, err := position.NewBook(db, nil)
	if err != nil {
		t.Fatalf("NewBook returned error: %v", err)
	}
	monitorSvc, err := monitor.NewService(db, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}

	engine := indicator.NewEngine(cfg.Trading)
	scanner := NewScanner(cfg, gw, engine, guard, book, monitorSvc, nil)

	return &testEnv{
		scanner: scanner,
		gateway: gw,
		guard:   guard,
		book:    book,
	}
}

// buySignalCandles 构造上行且尾段放量的K线，满足买入条件。
func buySignalCandles(n int) []exchange.Candle {
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	candles := make([]exchange.Candle, n)
	for i := 0; i < n; i++ {
		price := 100 + float64(i)*2
		volume := 10.0
		if i >= n-5 {
			volume = 30.0
		}
		candles[i] = exchange.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    volume,
		}
	}
	return candles
}

func flatCandles(n int, price float64) []exchange.Candle {
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	candles := make([]exchange.Candle, n)
	for i := 0; i < n; i++ {
		candles[i] = exchange.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    10,
		}
	}
	return candles
}
