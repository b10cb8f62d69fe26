package risk

import (
	"time"

	"github.com/gusrbs-0404/CoinDoctor/internal/exchange"
)

// EventType 标识风控事件类别。
type EventType string

const (
	EventConsecutiveLoss EventType = "CONSECUTIVE_LOSS"
	EventCircuitBreaker  EventType = "CIRCUIT_BREAKER"
	EventDailyLossLimit  EventType = "DAILY_LOSS_LIMIT"
	EventManualReset     EventType = "MANUAL_RESET"
	EventAPIError        EventType = "API_ERROR"
)

// Event 为一条只追加的风控审计记录。
type Event struct {
	ID          int64     `json:"id"`
	Type        EventType `json:"event_type"`
	Detail      string    `json:"detail"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// TradeOutcome 记录一笔已完成委托。ProfitLoss 仅在平仓时有值，
// 开仓（买入）为 nil，不参与亏损统计。
type TradeOutcome struct {
	Market     string
	Side       exchange.OrderSide
	Price      float64
	Volume     float64
	Amount     float64
	ProfitLoss *float64
	ExecutedAt time.Time
}

// Loss 判断该笔结果是否为确定的亏损。
func (o TradeOutcome) Loss() bool {
	return o.ProfitLoss != nil && *o.ProfitLoss < 0
}

// Snapshot 为风控状态的只读投影，用于监控接口展示。
type Snapshot struct {
	TradingAllowed       bool      `json:"trading_allowed"`
	StatusReason         string    `json:"status_reason"`
	ConsecutiveLosses    int       `json:"consecutive_losses"`
	CircuitBreakerActive bool      `json:"circuit_breaker_active"`
	CooldownRemaining    float64   `json:"cooldown_remaining_seconds"`
	DailyProfitLoss      float64   `json:"daily_profit_loss"`
	CheckedAt            time.Time `json:"checked_at"`
}
