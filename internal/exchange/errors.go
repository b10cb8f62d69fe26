package exchange

import (
	"context"
	"errors"
	"net"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrEmptyResponse 表示交易所返回了空数据，上层应跳过本轮处理。
	ErrEmptyResponse = errors.New("exchange empty response")
	// ErrMaintenance 表示交易所处于维护状态。
	ErrMaintenance = errors.New("exchange on maintenance")
)

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
