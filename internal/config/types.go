package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Upbit     UpbitConfig     `mapstructure:"upbit"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// UpbitConfig 描述行情与下单通道的连接信息。
type UpbitConfig struct {
	BaseCurrency string        `mapstructure:"base_currency"`
	Markets      []string      `mapstructure:"markets"`
	TopN         int           `mapstructure:"top_n"`
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TradingConfig 控制买卖信号与下单金额。
type TradingConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	AmountPerTrade  float64 `mapstructure:"amount_per_trade"`
	TakeProfitPct   float64 `mapstructure:"take_profit_pct"`
	StopLossPct     float64 `mapstructure:"stop_loss_pct"`
	EMAShortPeriod  int     `mapstructure:"ema_short_period"`
	EMALongPeriod   int     `mapstructure:"ema_long_period"`
	RSIPeriod       int     `mapstructure:"rsi_period"`
	RSIOversold     float64 `mapstructure:"rsi_oversold"`
	CandleCount     int     `mapstructure:"candle_count"`
	MinCandleWindow int     `mapstructure:"min_candle_window"`
	MinConfidence   int     `mapstructure:"min_confidence"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	MaxConsecutiveLosses       int           `mapstructure:"max_consecutive_losses"`
	CircuitBreakerThresholdPct float64       `mapstructure:"circuit_breaker_threshold_pct"`
	CooldownDuration           time.Duration `mapstructure:"cooldown_duration"`
	MaxDailyLossAmount         float64       `mapstructure:"max_daily_loss_amount"`
	MaxTradeAmount             float64       `mapstructure:"max_trade_amount"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

// MonitorConfig 控制监控与管理接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Upbit.BaseCurrency == "" {
		err = multierr.Append(err, errors.New("upbit.base_currency 不能为空"))
	}
	if len(c.Upbit.Markets) == 0 {
		err = multierr.Append(err, errors.New("upbit.markets 至少包含一个市场"))
	}
	if c.Upbit.TopN <= 0 {
		err = multierr.Append(err, errors.New("upbit.top_n 必须大于0"))
	}
	if c.Upbit.TopN > len(c.Upbit.Markets) {
		err = multierr.Append(err, errors.New("upbit.top_n 不能超过 markets 数量"))
	}
	if c.Upbit.Timeout <= 0 {
		err = multierr.Append(err, errors.New("upbit.timeout 必须大于0"))
	}
	if c.Upbit.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("upbit.retry.max_attempts 必须大于0"))
	}
	if c.Upbit.Retry.MinDelay <= 0 || c.Upbit.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("upbit.retry.delay 必须为正"))
	}
	if c.Upbit.Retry.MinDelay > c.Upbit.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("upbit.retry.min_delay 不能大于 max_delay"))
	}
	if c.Trading.AmountPerTrade <= 0 {
		err = multierr.Append(err, errors.New("trading.amount_per_trade 必须大于0"))
	}
	if c.Trading.TakeProfitPct <= 0 {
		err = multierr.Append(err, errors.New("trading.take_profit_pct 必须大于0"))
	}
	if c.Trading.StopLossPct <= 0 {
		err = multierr.Append(err, errors.New("trading.stop_loss_pct 必须大于0"))
	}
	if c.Trading.EMAShortPeriod <= 0 || c.Trading.EMALongPeriod <= 0 {
		err = multierr.Append(err, errors.New("trading 的 EMA 周期必须大于0"))
	}
	if c.Trading.EMAShortPeriod >= c.Trading.EMALongPeriod {
		err = multierr.Append(err, errors.New("trading.ema_short_period 必须小于 ema_long_period"))
	}
	if c.Trading.RSIPeriod <= 0 {
		err = multierr.Append(err, errors.New("trading.rsi_period 必须大于0"))
	}
	if c.Trading.RSIOversold <= 0 || c.Trading.RSIOversold >= 100 {
		err = multierr.Append(err, errors.New("trading.rsi_oversold 必须位于(0,100)"))
	}
	if c.Trading.CandleCount < c.Trading.MinCandleWindow {
		err = multierr.Append(err, errors.New("trading.candle_count 不能小于 min_candle_window"))
	}
	if c.Trading.MinCandleWindow <= c.Trading.EMALongPeriod {
		err = multierr.Append(err, errors.New("trading.min_candle_window 必须大于 ema_long_period"))
	}
	if c.Trading.MinConfidence <= 0 || c.Trading.MinConfidence > 100 {
		err = multierr.Append(err, errors.New("trading.min_confidence 必须位于(0,100]"))
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		err = multierr.Append(err, errors.New("risk.max_consecutive_losses 必须大于0"))
	}
	if c.Risk.CircuitBreakerThresholdPct >= 0 {
		err = multierr.Append(err, errors.New("risk.circuit_breaker_threshold_pct 必须为负数"))
	}
	if c.Risk.CooldownDuration <= 0 {
		err = multierr.Append(err, errors.New("risk.cooldown_duration 必须大于0"))
	}
	if c.Risk.MaxDailyLossAmount <= 0 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss_amount 必须大于0"))
	}
	if c.Risk.MaxTradeAmount <= 0 {
		err = multierr.Append(err, errors.New("risk.max_trade_amount 必须大于0"))
	}
	if c.Trading.AmountPerTrade > c.Risk.MaxTradeAmount {
		err = multierr.Append(err, errors.New("trading.amount_per_trade 不能超过 risk.max_trade_amount"))
	}
	if c.Scheduler.ScanInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.scan_interval 必须大于0"))
	}
	if c.Scheduler.InitialDelay < 0 {
		err = multierr.Append(err, errors.New("scheduler.initial_delay 不能为负"))
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		err = multierr.Append(err, errors.New("scheduler.max_concurrency 必须大于0"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
