package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "coindoctor"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("upbit.base_currency", "KRW")
	v.SetDefault("upbit.markets", []string{"KRW-BTC", "KRW-ETH", "KRW-XRP", "KRW-ADA", "KRW-SOL"})
	v.SetDefault("upbit.top_n", 5)
	v.SetDefault("upbit.api_key", "")
	v.SetDefault("upbit.api_secret", "")
	v.SetDefault("upbit.timeout", "3s")
	v.SetDefault("upbit.retry.max_attempts", 3)
	v.SetDefault("upbit.retry.min_delay", "500ms")
	v.SetDefault("upbit.retry.max_delay", "5s")

	v.SetDefault("trading.enabled", false)
	v.SetDefault("trading.amount_per_trade", 10000)
	v.SetDefault("trading.take_profit_pct", 1.0)
	v.SetDefault("trading.stop_loss_pct", 0.5)
	v.SetDefault("trading.ema_short_period", 5)
	v.SetDefault("trading.ema_long_period", 20)
	v.SetDefault("trading.rsi_period", 14)
	v.SetDefault("trading.rsi_oversold", 30.0)
	v.SetDefault("trading.candle_count", 30)
	v.SetDefault("trading.min_candle_window", 21)
	v.SetDefault("trading.min_confidence", 60)

	v.SetDefault("risk.max_consecutive_losses", 3)
	v.SetDefault("risk.circuit_breaker_threshold_pct", -3.0)
	v.SetDefault("risk.cooldown_duration", "10m")
	v.SetDefault("risk.max_daily_loss_amount", 50000)
	v.SetDefault("risk.max_trade_amount", 100000)

	v.SetDefault("scheduler.scan_interval", "5s")
	v.SetDefault("scheduler.initial_delay", "10s")
	v.SetDefault("scheduler.max_concurrency", 5)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8080)

	v.SetDefault("database.path", "data/coindoctor.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
