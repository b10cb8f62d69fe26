package exchange

import (
	"context"
	"time"
)

// Timeframe1m 为信号分析使用的K线周期。
const Timeframe1m = "1m"

// Candle 代表单根K线，序列约定按时间升序排列（最新在末尾）。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Instrument 表示一个可交易市场及其24小时行情摘要。
type Instrument struct {
	Market        string  // Upbit 市场代码，如 KRW-BTC
	LastPrice     float64 // 最新成交价
	ChangePct24h  float64 // 24小时涨跌幅（%，下跌为负）
	QuoteVolume24 float64 // 24小时成交额（计价货币）
}

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Order 为一次委托的结果摘要。
type Order struct {
	ID        string
	Market    string
	Side      OrderSide
	Type      string // MARKET | LIMIT
	Price     float64
	Volume    float64
	Amount    float64 // 市价买单的委托金额
	State     string  // done | failed
	CreatedAt time.Time
}

// Gateway 是扫描循环依赖的行情与下单契约。
// 所有调用都携带超时，传输失败以可分类错误返回，由上层决定跳过。
type Gateway interface {
	RankedInstruments(ctx context.Context, n int) ([]Instrument, error)
	Candles(ctx context.Context, market string, count int) ([]Candle, error)
	PlaceMarketBuy(ctx context.Context, market string, amount float64) (Order, error)
	PlaceLimitSell(ctx context.Context, market string, price, volume float64) (Order, error)
	Ping(ctx context.Context) error
}
