package indicator

import (
	talib "github.com/markcheno/go-talib"

	"github.com/gusrbs-0404/CoinDoctor/internal/config"
	"github.com/gusrbs-0404/CoinDoctor/internal/exchange"
)

// 信号评分权重。总分100，EMA 趋势占大头。
const (
	scoreTrend    = 40
	scoreRSI      = 30
	scoreVolume   = 30
	neutralRSI    = 50.0
	volumeWindow  = 5
	volumeMinBars = 10
	volumeFactor  = 1.2
)

// Signal 为一次评估得出的买入判定与置信度。
type Signal struct {
	Buy        bool
	Confidence int
	EMAShort   float64
	EMALong    float64
	RSI        float64
	VolumeUp   bool
}

// Engine 依据固定权重规则将价格序列转换为交易信号。
// 所有计算均为纯函数，相同输入必然得到相同输出。
type Engine struct {
	shortPeriod   int
	longPeriod    int
	rsiPeriod     int
	rsiOversold   float64
	minConfidence int
}

// NewEngine 从交易配置创建指标引擎。
func NewEngine(cfg config.TradingConfig) *Engine {
	return &Engine{
		shortPeriod:   cfg.EMAShortPeriod,
		longPeriod:    cfg.EMALongPeriod,
		rsiPeriod:     cfg.RSIPeriod,
		rsiOversold:   cfg.RSIOversold,
		minConfidence: cfg.MinConfidence,
	}
}

// EMA 计算指数移动平均：前 period 个点取简单均值作种子，
// 其后按 2/(period+1) 平滑递推。数据不足时返回 0。
func EMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	result := talib.Ema(values, period)
	return result[len(result)-1]
}

// RSI 计算相对强弱指标，采用窗口内涨跌幅的简单平均。
// 数据不足返回中性值50；窗口内没有下跌时返回100。
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return neutralRSI
	}

	window := values[len(values)-period-1:]

	var gain, loss float64
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss += -delta
		}
	}

	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// VolumeIncreasing 判断成交量是否放大：最近5根K线的平均量
// 超过其前5根平均量的120%。不足10根时返回 false。
func VolumeIncreasing(volumes []float64) bool {
	if len(volumes) < volumeMinBars {
		return false
	}

	recent := mean(SliceTail(volumes, volumeWindow))
	prior := mean(SliceTail(volumes[:len(volumes)-volumeWindow], volumeWindow))

	return recent > prior*volumeFactor
}

// Evaluate 对一段K线序列评分并给出买入判定。
// 置信度为加法评分：短期EMA上穿+40，RSI超卖+30，成交量放大+30；
// 仅当EMA趋势成立、成交量放大且置信度达到阈值时才买入。
func (e *Engine) Evaluate(candles []exchange.Candle) Signal {
	series := NewSeries(candles)
	if series.Len() == 0 {
		return Signal{RSI: neutralRSI}
	}

	emaShort := EMA(series.Close, e.shortPeriod)
	emaLong := EMA(series.Close, e.longPeriod)
	rsi := RSI(series.Close, e.rsiPeriod)
	volumeUp := VolumeIncreasing(series.Volume)

	crossover := emaShort > 0 && emaLong > 0 && emaShort > emaLong

	confidence := 0
	if crossover {
		confidence += scoreTrend
	}
	if rsi < e.rsiOversold {
		confidence += scoreRSI
	}
	if volumeUp {
		confidence += scoreVolume
	}

	return Signal{
		Buy:        crossover && volumeUp && confidence >= e.minConfidence,
		Confidence: confidence,
		EMAShort:   emaShort,
		EMALong:    emaLong,
		RSI:        rsi,
		VolumeUp:   volumeUp,
	}
}
