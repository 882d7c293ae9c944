package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// MarketType distinguishes the two markets the engine can trade and recover from.
type MarketType string

const (
	MarketFutures MarketType = "FUTURES"
	MarketSpot    MarketType = "SPOT"
)

// Bias 定义了网格在多空方向上的倾斜
type Bias string

const (
	BiasLong    Bias = "long"
	BiasShort   Bias = "short"
	BiasNeutral Bias = "neutral"
)

// LevelStatus is the lifecycle state of a single grid level.
type LevelStatus string

const (
	LevelPending   LevelStatus = "PENDING"
	LevelPlaced    LevelStatus = "PLACED"
	LevelFilled    LevelStatus = "FILLED"
	LevelCancelled LevelStatus = "CANCELLED"
)

// OrderStatus mirrors the exchange-side order states the engine cares about.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	// OrderStatusUnknown is used when the exchange answers with something we
	// cannot classify. Treated as "assume still open", never as filled.
	OrderStatusUnknown OrderStatus = "UNKNOWN"
)

// IsOpen reports whether the order is still resting on the book.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled || s == OrderStatusUnknown
}

// IsTerminal reports whether the order left the book without filling.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCanceled || s == OrderStatusExpired || s == OrderStatusRejected
}

// SymbolRules 保存了单个交易对的交易规则，创建后不可变。
// Fetched once per worker; re-fetched only on a market-type change.
type SymbolRules struct {
	Symbol            string          `json:"symbol"`
	Market            MarketType      `json:"market"`
	TickSize          decimal.Decimal `json:"tick_size"`
	StepSize          decimal.Decimal `json:"step_size"`
	MinNotional       decimal.Decimal `json:"min_notional"`
	PricePrecision    int32           `json:"price_precision"`
	QuantityPrecision int32           `json:"quantity_precision"`
}

// SnapPrice snaps a raw price to the symbol's tick size using round-half-up.
// Returns an error when the rules cannot format the price at all.
func (r *SymbolRules) SnapPrice(price decimal.Decimal) (decimal.Decimal, error) {
	if r.TickSize.IsZero() {
		return decimal.Zero, fmt.Errorf("symbol %s: tick size is zero", r.Symbol)
	}
	ticks := price.DivRound(r.TickSize, 0) // decimal rounds half away from zero
	snapped := ticks.Mul(r.TickSize).Round(r.PricePrecision)
	if !snapped.IsPositive() {
		return decimal.Zero, fmt.Errorf("symbol %s: price %s snaps to non-positive value", r.Symbol, price)
	}
	return snapped, nil
}

// SnapQuantity snaps a quantity down to the symbol's step size. A positive
// quantity that would snap to zero is bumped to one step, matching the
// exchange's smallest tradeable unit.
func (r *SymbolRules) SnapQuantity(qty decimal.Decimal) (decimal.Decimal, error) {
	if r.StepSize.IsZero() {
		return decimal.Zero, fmt.Errorf("symbol %s: step size is zero", r.Symbol)
	}
	steps := qty.Div(r.StepSize).Floor()
	snapped := steps.Mul(r.StepSize).Round(r.QuantityPrecision)
	if snapped.IsZero() && qty.IsPositive() {
		snapped = r.StepSize
	}
	return snapped, nil
}

// MeetsMinNotional reports whether price*qty clears the exchange minimum.
func (r *SymbolRules) MeetsMinNotional(price, qty decimal.Decimal) bool {
	return price.Mul(qty).GreaterThanOrEqual(r.MinNotional)
}

// GridLevel 代表网格中的一个价格档位
type GridLevel struct {
	Price         decimal.Decimal `json:"price"`
	Side          Side            `json:"side"`
	Status        LevelStatus     `json:"status"`
	OrderID       int64           `json:"order_id,omitempty"` // 0 means no active order
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Recovered     bool            `json:"recovered"` // reconstructed rather than freshly placed
}

// HasOrder reports whether the level currently tracks a live exchange order.
func (l *GridLevel) HasOrder() bool {
	return l.OrderID != 0 && l.Status == LevelPlaced
}

// Grid 是围绕中心价的完整挂单阶梯。
// Invariant: Levels is always sorted ascending by price with unique prices.
type Grid struct {
	Symbol      string          `json:"symbol"`
	Levels      []GridLevel     `json:"levels"`
	Spacing     decimal.Decimal `json:"spacing"`      // current, possibly dynamic
	BaseSpacing decimal.Decimal `json:"base_spacing"` // operator-configured base
	LevelCount  int             `json:"level_count"`
	Bias        Bias            `json:"bias"`
}

// LevelIndexByPrice returns the index of the level at exactly price, or -1.
func (g *Grid) LevelIndexByPrice(price decimal.Decimal) int {
	for i := range g.Levels {
		if g.Levels[i].Price.Equal(price) {
			return i
		}
	}
	return -1
}

// LevelIndexByOrderID returns the index of the level tracking orderID, or -1.
func (g *Grid) LevelIndexByOrderID(orderID int64) int {
	for i := range g.Levels {
		if g.Levels[i].OrderID == orderID {
			return i
		}
	}
	return -1
}

// ActiveOrderCount is the number of levels with a resting order.
func (g *Grid) ActiveOrderCount() int {
	n := 0
	for i := range g.Levels {
		if g.Levels[i].HasOrder() {
			n++
		}
	}
	return n
}

// Position 定义了持仓信息。Quantity is side-signed: positive long, negative short.
// Mutated only by the position accountant.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	// Spot bookkeeping; unused on futures.
	BaseBalance  decimal.Decimal `json:"base_balance"`
	QuoteBalance decimal.Decimal `json:"quote_balance"`
}

// IsFlat reports whether there is no open exposure.
func (p Position) IsFlat() bool { return p.Quantity.IsZero() }

// Side returns the direction of the open position; flat positions have no
// meaningful side and callers must check IsFlat first.
func (p Position) Side() Side {
	if p.Quantity.IsNegative() {
		return Sell
	}
	return Buy
}

// TradeRecord 记录一笔已确认的成交，只追加，从不作为恢复数据源。
type TradeRecord struct {
	ID            int64           `json:"id"`
	Symbol        string          `json:"symbol"`
	OrderID       int64           `json:"order_id"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Commission    decimal.Decimal `json:"commission"`
	PositionAfter decimal.Decimal `json:"position_after"`
	Time          time.Time       `json:"time"`
}

// Order 定义了交易所订单在核心引擎中的统一表示
type Order struct {
	Symbol        string          `json:"symbol"`
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Side          Side            `json:"side"`
	Type          string          `json:"type"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Market        MarketType      `json:"market"`
	Time          time.Time       `json:"time"`
}

// FillPrice returns the best available execution price for a filled order,
// falling back to the resting price when the exchange omits the average.
func (o *Order) FillPrice() decimal.Decimal {
	if o.AvgPrice.IsPositive() {
		return o.AvgPrice
	}
	return o.Price
}

// Candle 定义了一根K线
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// RecoverySnapshot is the human-debuggable artifact written after every
// successful reconciliation or grid rebuild. It is never read back as truth:
// a live recovery against the exchange always wins.
type RecoverySnapshot struct {
	Symbol       string           `json:"symbol"`
	Market       MarketType       `json:"market"`
	LevelCount   int              `json:"level_count"`
	BaseSpacing  decimal.Decimal  `json:"base_spacing"`
	Spacing      decimal.Decimal  `json:"spacing"`
	Bias         Bias             `json:"bias"`
	Levels       []GridLevel      `json:"levels"`
	ActiveOrders map[string]int64 `json:"active_orders"` // price string -> order id
	Timestamp    time.Time        `json:"timestamp"`
}

// APIError 定义了交易所API返回的错误信息结构
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
