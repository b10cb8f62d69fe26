package monitor

import (
	"time"

	"github.com/gusrbs-0404/CoinDoctor/internal/exchange"
	"github.com/gusrbs-0404/CoinDoctor/internal/indicator"
	"github.com/gusrbs-0404/CoinDoctor/internal/position"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventScanSummary EventType = "scan_summary"
	EventSignal      EventType = "signal"
	EventOrder       EventType = "order"
	EventExit        EventType = "exit"
	EventError       EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ScanSummaryPayload 记录一轮扫描的整体结果。
type ScanSummaryPayload struct {
	Scanned    int      `json:"scanned"`
	Skipped    int      `json:"skipped"`
	Orders     int      `json:"orders"`
	Exits      int      `json:"exits"`
	Markets    []string `json:"markets"`
	DurationMS int64    `json:"duration_ms"`
}

// SignalPayload 记录单个市场的信号评估。
type SignalPayload struct {
	Market string           `json:"market"`
	Signal indicator.Signal `json:"signal"`
}

// OrderPayload 记录委托提交结果。
type OrderPayload struct {
	Order exchange.Order `json:"order"`
}

// ExitPayload 记录止盈/止损平仓。
type ExitPayload struct {
	Position   position.Position `json:"position"`
	ExitPrice  float64           `json:"exit_price"`
	ProfitLoss float64           `json:"profit_loss"`
	Reason     string            `json:"reason"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
