package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gusrbs-0404/CoinDoctor/internal/config"
	"github.com/gusrbs-0404/CoinDoctor/internal/exchange"
)

// 状态原因标识，写入快照与日志。
const (
	ReasonRunning         = "RUNNING"
	ReasonConsecutiveLoss = "CONSECUTIVE_LOSS"
	ReasonCircuitBreaker  = "CIRCUIT_BREAKER"
	ReasonCooldown        = "COOLDOWN"
	ReasonDailyLossLimit  = "DAILY_LOSS_LIMIT"
	ReasonManualReset     = "MANUAL_RESET"
)

// 连续亏损回溯的最大行数，足够覆盖任何合理阈值。
const lossScanLimit = 100

// Guard 是交易是否被允许的唯一裁决者。
//
// 连续亏损与当日累计亏损不缓存计数器，每次判定都从交易日志重新计算，
// 避免某个触发条件被手动复位后，其余仍然成立的条件被一并放行。
// 熔断与冷却属于事件驱动状态，由行情急跌触发，仅能手动复位。
type Guard struct {
	db     *sql.DB
	logger *zap.Logger

	mu            sync.Mutex
	cfg           config.RiskConfig
	breakerActive bool
	cooldownUntil time.Time

	now func() time.Time
}

// NewGuard 创建风控守卫并初始化表结构。
func NewGuard(db *sql.DB, cfg config.RiskConfig, logger *zap.Logger) (*Guard, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	guard := &Guard{
		db:     db,
		logger: logger,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := guard.initSchema(); err != nil {
		return nil, err
	}

	return guard, nil
}

func (g *Guard) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS trade_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			market TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			volume REAL NOT NULL,
			amount REAL NOT NULL,
			profit_loss REAL,
			executed_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_logs_executed ON trade_logs(executed_at);`,
		`CREATE TABLE IF NOT EXISTS risk_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			detail TEXT NOT NULL,
			triggered_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range schema {
		if _, err := g.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// UpdateSettings 热更新风控参数。评估过程持有快照，不受更新影响。
func (g *Guard) UpdateSettings(cfg config.RiskConfig) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// Settings 返回当前风控参数的副本。
func (g *Guard) Settings() config.RiskConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// CanTrade 判定当前是否允许开仓。四个条件彼此独立，
// 任意一个成立即拒绝，结果不依赖缓存标志。无副作用。
func (g *Guard) CanTrade(ctx context.Context) (bool, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	blocked, _, _, err := g.blockedReasons(ctx, g.now())
	if err != nil {
		return false, "", err
	}
	if len(blocked) > 0 {
		return false, strings.Join(blocked, ","), nil
	}
	return true, ReasonRunning, nil
}

// blockedReasons 重新计算四个拦截条件，返回成立的拦截原因与派生指标。
// 调用方必须持有 g.mu。
func (g *Guard) blockedReasons(ctx context.Context, now time.Time) ([]string, int, float64, error) {
	cfg := g.cfg

	var blocked []string

	if g.cooldownUntil.After(now) {
		blocked = append(blocked, ReasonCooldown)
	}
	if g.breakerActive {
		blocked = append(blocked, ReasonCircuitBreaker)
	}

	losses, err := g.consecutiveLosses(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	if losses >= cfg.MaxConsecutiveLosses {
		blocked = append(blocked, ReasonConsecutiveLoss)
	}

	daily, err := g.dailyProfitLoss(ctx, now)
	if err != nil {
		return nil, 0, 0, err
	}
	if daily <= -cfg.MaxDailyLossAmount {
		blocked = append(blocked, ReasonDailyLossLimit)
	}

	return blocked, losses, daily, nil
}

// ValidateAmount 校验单笔委托金额。纯函数，金额必须为正且不超过上限。
func (g *Guard) ValidateAmount(amount float64) bool {
	g.mu.Lock()
	maxAmount := g.cfg.MaxTradeAmount
	g.mu.Unlock()

	return amount > 0 && amount <= maxAmount
}

// RecordTrade 记录一笔开仓（买入）委托。盈亏为空，不进入亏损统计。
func (g *Guard) RecordTrade(ctx context.Context, outcome TradeOutcome) error {
	if outcome.Side != exchange.OrderSideBuy {
		return fmt.Errorf("risk: 开仓记录只接受买入委托，收到 %s", outcome.Side)
	}
	if outcome.ProfitLoss != nil {
		return fmt.Errorf("risk: 开仓记录不应携带盈亏数据: market=%s", outcome.Market)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insertOutcome(ctx, outcome)
}

// OnTradeClosed 记录一笔平仓结果并评估亏损触发条件。
// 连续亏损恰好达到阈值时记录一次 CONSECUTIVE_LOSS 事件；
// 当日累计亏损首次越过上限时记录一次 DAILY_LOSS_LIMIT 事件。
func (g *Guard) OnTradeClosed(ctx context.Context, outcome TradeOutcome) error {
	if outcome.ProfitLoss == nil {
		return fmt.Errorf("risk: 平仓结果缺少盈亏数据: market=%s", outcome.Market)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cfg := g.cfg
	now := g.now()

	if err := g.insertOutcome(ctx, outcome); err != nil {
		return err
	}

	losses, err := g.consecutiveLosses(ctx)
	if err != nil {
		return err
	}

	if outcome.Loss() && losses == cfg.MaxConsecutiveLosses {
		detail := fmt.Sprintf("连续亏损 %d 笔，达到上限 %d，停止开仓", losses, cfg.MaxConsecutiveLosses)
		if err := g.insertEvent(ctx, EventConsecutiveLoss, detail); err != nil {
			return err
		}
		g.logger.Warn("触发连续亏损限制",
			zap.Int("consecutive_losses", losses),
			zap.Int("max", cfg.MaxConsecutiveLosses),
		)
	}

	daily, err := g.dailyProfitLoss(ctx, now)
	if err != nil {
		return err
	}

	before := daily - *outcome.ProfitLoss
	if daily <= -cfg.MaxDailyLossAmount && before > -cfg.MaxDailyLossAmount {
		detail := fmt.Sprintf("当日累计盈亏 %.2f，越过亏损上限 %.2f，停止开仓", daily, cfg.MaxDailyLossAmount)
		if err := g.insertEvent(ctx, EventDailyLossLimit, detail); err != nil {
			return err
		}
		g.logger.Warn("触发日亏损上限",
			zap.Float64("daily_profit_loss", daily),
			zap.Float64("max_daily_loss", cfg.MaxDailyLossAmount),
		)
	}

	return nil
}

// OnPriceShock 根据行情24小时涨跌幅判断是否触发熔断。
// changePct 与阈值均为负数，跌幅达到阈值即熔断并进入冷却。
// 该检查由行情驱动，与自身交易结果无关。
func (g *Guard) OnPriceShock(ctx context.Context, market string, changePct float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cfg := g.cfg
	if changePct > cfg.CircuitBreakerThresholdPct {
		return nil
	}
	if g.breakerActive {
		return nil
	}

	now := g.now()
	g.breakerActive = true
	g.cooldownUntil = now.Add(cfg.CooldownDuration)

	detail := fmt.Sprintf("急跌检测: %s 24小时跌幅 %.2f%%，阈值 %.2f%%", market, changePct, cfg.CircuitBreakerThresholdPct)
	if err := g.insertEvent(ctx, EventCircuitBreaker, detail); err != nil {
		return err
	}

	g.logger.Warn("熔断触发",
		zap.String("market", market),
		zap.Float64("change_pct", changePct),
		zap.Time("cooldown_until", g.cooldownUntil),
	)

	return nil
}

// ResetCircuitBreaker 手动复位熔断与冷却。幂等，可在任意时刻调用。
// 写入审计事件失败时返回错误，不得表现为成功。
func (g *Guard) ResetCircuitBreaker(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.breakerActive = false
	g.cooldownUntil = time.Time{}

	if err := g.insertEvent(ctx, EventManualReset, "手动复位熔断"); err != nil {
		return err
	}

	g.logger.Info("熔断已手动复位")
	return nil
}

// ResetCooldown 手动清除冷却计时。幂等。
func (g *Guard) ResetCooldown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cooldownUntil = time.Time{}

	if err := g.insertEvent(ctx, EventManualReset, "手动清除冷却计时"); err != nil {
		return err
	}

	g.logger.Info("冷却计时已手动清除")
	return nil
}

// RecordAPIError 记录一次外部接口故障，仅用于审计展示。
func (g *Guard) RecordAPIError(ctx context.Context, detail string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insertEvent(ctx, EventAPIError, detail)
}

// Snapshot 返回当前风控状态的只读投影。
func (g *Guard) Snapshot(ctx context.Context) (Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	blocked, losses, daily, err := g.blockedReasons(ctx, now)
	if err != nil {
		return Snapshot{}, err
	}

	cooldownRemaining := 0.0
	if g.cooldownUntil.After(now) {
		cooldownRemaining = g.cooldownUntil.Sub(now).Seconds()
	}

	allowed := len(blocked) == 0
	reason := ReasonRunning
	if !allowed {
		// 状态原因与 CanTrade 同源，反映当前仍然成立的拦截条件，
		// 而不是最近一次写入的事件。
		reason = strings.Join(blocked, ",")
	}

	return Snapshot{
		TradingAllowed:       allowed,
		StatusReason:         reason,
		ConsecutiveLosses:    losses,
		CircuitBreakerActive: g.breakerActive,
		CooldownRemaining:    cooldownRemaining,
		DailyProfitLoss:      daily,
		CheckedAt:            now,
	}, nil
}

// RecentEvents 按时间倒序返回最近的风控事件。
func (g *Guard) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := g.db.QueryContext(ctx,
		`SELECT id, event_type, detail, triggered_at FROM risk_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("risk: 查询风控事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			event Event
			ts    string
		)
		if err := rows.Scan(&event.ID, &event.Type, &event.Detail, &ts); err != nil {
			return nil, fmt.Errorf("risk: 读取风控事件失败: %w", err)
		}
		parsed, parseErr := time.Parse(time.RFC3339, ts)
		if parseErr != nil {
			return nil, fmt.Errorf("risk: 事件时间格式非法: %w", parseErr)
		}
		event.TriggeredAt = parsed
		events = append(events, event)
	}

	return events, rows.Err()
}

// RecentTrades 按时间倒序返回最近的交易记录。
func (g *Guard) RecentTrades(ctx context.Context, limit int) ([]TradeOutcome, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := g.db.QueryContext(ctx,
		`SELECT market, side, price, volume, amount, profit_loss, executed_at
		 FROM trade_logs ORDER BY executed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("risk: 查询交易记录失败: %w", err)
	}
	defer rows.Close()

	trades := make([]TradeOutcome, 0, limit)
	for rows.Next() {
		var (
			outcome TradeOutcome
			side    string
			pl      sql.NullFloat64
			ts      string
		)
		if err := rows.Scan(&outcome.Market, &side, &outcome.Price, &outcome.Volume, &outcome.Amount, &pl, &ts); err != nil {
			return nil, fmt.Errorf("risk: 读取交易记录失败: %w", err)
		}
		outcome.Side = exchange.OrderSide(side)
		if pl.Valid {
			value := pl.Float64
			outcome.ProfitLoss = &value
		}
		parsed, parseErr := time.Parse(time.RFC3339, ts)
		if parseErr != nil {
			return nil, fmt.Errorf("risk: 交易时间格式非法: %w", parseErr)
		}
		outcome.ExecutedAt = parsed
		trades = append(trades, outcome)
	}

	return trades, rows.Err()
}

func (g *Guard) insertOutcome(ctx context.Context, outcome TradeOutcome) error {
	executedAt := outcome.ExecutedAt
	if executedAt.IsZero() {
		executedAt = g.now()
	}

	var pl sql.NullFloat64
	if outcome.ProfitLoss != nil {
		pl = sql.NullFloat64{Float64: *outcome.ProfitLoss, Valid: true}
	}

	_, err := g.db.ExecContext(ctx,
		`INSERT INTO trade_logs (market, side, price, volume, amount, profit_loss, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		outcome.Market, string(outcome.Side), outcome.Price, outcome.Volume, outcome.Amount,
		pl, executedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("risk: 写入交易日志失败: %w", err)
	}

	return nil
}

func (g *Guard) insertEvent(ctx context.Context, eventType EventType, detail string) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO risk_events (event_type, detail, triggered_at) VALUES (?, ?, ?)`,
		string(eventType), detail, g.now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风控事件失败: %w", err)
	}
	return nil
}

// consecutiveLosses 从最新交易向前回溯，统计连续亏损笔数，
// 遇到首笔非亏损（含盈亏为空的开仓）即停止。
func (g *Guard) consecutiveLosses(ctx context.Context) (int, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT profit_loss FROM trade_logs ORDER BY executed_at DESC, id DESC LIMIT ?`, lossScanLimit)
	if err != nil {
		return 0, fmt.Errorf("risk: 查询交易日志失败: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var pl sql.NullFloat64
		if err := rows.Scan(&pl); err != nil {
			return 0, fmt.Errorf("risk: 读取交易日志失败: %w", err)
		}
		if !pl.Valid || pl.Float64 >= 0 {
			break
		}
		count++
	}

	return count, rows.Err()
}

// dailyProfitLoss 汇总当日（UTC 自然日）已实现盈亏。
func (g *Guard) dailyProfitLoss(ctx context.Context, now time.Time) (float64, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var sum float64
	err := g.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(profit_loss), 0) FROM trade_logs
		 WHERE profit_loss IS NOT NULL AND executed_at >= ?`,
		dayStart.Format(time.RFC3339),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("risk: 汇总当日盈亏失败: %w", err)
	}

	return sum, nil
}
