package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adshao/go-binance/v2/common"
)

// 统一的错误分类。调用方通过 errors.Is 判断类别，原始错误保留在链上。
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOrderNotFound     = errors.New("order not found")
	ErrCancelRejected    = errors.New("cancel rejected")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrConnection        = errors.New("connection failed")
	ErrUnknown           = errors.New("unknown exchange error")
)

// wrapAPIError 将币安API错误码映射为类别错误。
func wrapAPIError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		var category error
		switch apiErr.Code {
		case -1003:
			category = ErrRateLimited
		case -1022, -2014, -2015:
			category = ErrAuthFailed
		case -2010, -2019, -3005, -3041:
			category = ErrInsufficientFunds
		case -2011:
			category = ErrCancelRejected
		case -2013:
			category = ErrOrderNotFound
		case -1111, -1013, -4003, -4014, -4015:
			category = ErrInvalidRequest
		default:
			category = ErrUnknown
		}
		return fmt.Errorf("%s: %w: %w", operation, category, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "use of closed network connection") {
		return fmt.Errorf("%s: %w: %w", operation, ErrConnection, err)
	}
	return fmt.Errorf("%s: %w: %w", operation, ErrUnknown, err)
}

// IsRetryable reports whether an operation may reasonably be retried on a
// later cycle without operator intervention.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrConnection)
}
