package exchange

import (
	"context"

	"binance-grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// OrderRequest 描述一次下单请求。Quantity and Price are already snapped
// to the symbol's filters by the caller.
type OrderRequest struct {
	Symbol        string
	Market        models.MarketType
	Side          models.Side
	Type          string // LIMIT / MARKET
	Quantity      decimal.Decimal
	Price         decimal.Decimal // LIMIT单必填
	ClientOrderID string
	ReduceOnly    bool // 仅期货有效
}

// CancelResult reports how a cancel ended. A cancel that raced with a fill
// or a prior cancel is Ok=false, AlreadyGone=true and is not an error.
type CancelResult struct {
	Ok          bool
	AlreadyGone bool
}

// OrderLookup reports the result of an order-status query. NotFound means
// the exchange no longer knows the order (expired from its books); callers
// treat that as terminal.
type OrderLookup struct {
	Found bool
	Order *models.Order
}

// Exchange 定义了引擎与交易所交互的所有操作。
// 实现包括真实的币安客户端和用于测试/空跑的模拟交易所。
type Exchange interface {
	// GetSymbolRules 查询交易对的过滤器规则（tick size、step size、最小名义价值等）。
	GetSymbolRules(ctx context.Context, symbol string, market models.MarketType) (*models.SymbolRules, error)

	// PlaceOrder 提交订单并返回交易所确认后的订单。
	PlaceOrder(ctx context.Context, req *OrderRequest) (*models.Order, error)

	// CancelOrder 撤销订单。已成交或已消失的订单返回 AlreadyGone 而不是错误。
	CancelOrder(ctx context.Context, symbol string, market models.MarketType, orderID int64) (CancelResult, error)

	// GetOrderStatus 查询单个订单的当前状态。
	GetOrderStatus(ctx context.Context, symbol string, market models.MarketType, orderID int64) (OrderLookup, error)

	// GetOpenOrders 返回交易对的全部挂单。
	GetOpenOrders(ctx context.Context, symbol string, market models.MarketType) ([]*models.Order, error)

	// CancelAllOpenOrders 撤销交易对的全部挂单。
	CancelAllOpenOrders(ctx context.Context, symbol string, market models.MarketType) error

	// GetPosition 查询当前仓位。期货市场无仓位时 found 为 false。
	GetPosition(ctx context.Context, symbol string, market models.MarketType) (pos *models.Position, found bool, err error)

	// GetMarketPrice 返回最新市场价格。
	GetMarketPrice(ctx context.Context, symbol string, market models.MarketType) (decimal.Decimal, error)

	// GetRecentCandles 返回最近的K线，用于指标计算。
	GetRecentCandles(ctx context.Context, symbol string, market models.MarketType, interval string, limit int) ([]*models.Candle, error)

	// SetLeverage 设置期货杠杆。现货市场为空操作。
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// Close 释放底层连接资源。
	Close() error
}
