package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"binance-grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// PaperExchange 是一个内存撮合的模拟交易所，用于空跑模式和测试。
// 限价单在价格穿越其档位时成交，市价单立即按当前价成交。
type PaperExchange struct {
	mu          sync.Mutex
	rules       map[string]*models.SymbolRules
	orders      map[int64]*models.Order
	nextOrderID int64
	price       decimal.Decimal
	position    *models.Position
	candles     []*models.Candle
	leverage    int
}

// NewPaperExchange 创建模拟交易所。rules 以交易对为键。
func NewPaperExchange(rules map[string]*models.SymbolRules) *PaperExchange {
	return &PaperExchange{
		rules:       rules,
		orders:      make(map[int64]*models.Order),
		nextOrderID: 1,
	}
}

// SetPrice 推进模拟市场价格，并撮合所有被穿越的限价单。
func (e *PaperExchange) SetPrice(price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.price = price
	for _, o := range e.orders {
		if !o.Status.IsOpen() {
			continue
		}
		crossed := (o.Side == models.Buy && price.LessThanOrEqual(o.Price)) ||
			(o.Side == models.Sell && price.GreaterThanOrEqual(o.Price))
		if crossed {
			e.fillLocked(o, o.Price)
		}
	}
}

// SetCandles 预置K线数据供指标计算使用。
func (e *PaperExchange) SetCandles(candles []*models.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candles = candles
}

func (e *PaperExchange) fillLocked(o *models.Order, fillPrice decimal.Decimal) {
	o.Status = models.OrderStatusFilled
	o.ExecutedQty = o.Quantity
	o.AvgPrice = fillPrice

	if e.position == nil {
		e.position = &models.Position{Symbol: o.Symbol}
	}
	delta := o.Quantity
	if o.Side == models.Sell {
		delta = delta.Neg()
	}
	newQty := e.position.Quantity.Add(delta)
	// 加仓时按名义价值加权更新开仓均价，减仓不动均价
	sameDirection := e.position.Quantity.Sign() == 0 || e.position.Quantity.Sign() == delta.Sign()
	if sameDirection {
		oldNotional := e.position.EntryPrice.Mul(e.position.Quantity.Abs())
		addNotional := fillPrice.Mul(o.Quantity)
		if newQty.Abs().IsPositive() {
			e.position.EntryPrice = oldNotional.Add(addNotional).Div(newQty.Abs())
		}
	}
	e.position.Quantity = newQty
	e.position.MarkPrice = fillPrice
	if e.position.Quantity.IsZero() {
		e.position.EntryPrice = decimal.Zero
	}
}

func (e *PaperExchange) GetSymbolRules(_ context.Context, symbol string, _ models.MarketType) (*models.SymbolRules, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[symbol]
	if !ok {
		return nil, fmt.Errorf("paper exchange: no rules for symbol %s", symbol)
	}
	return r, nil
}

func (e *PaperExchange) PlaceOrder(_ context.Context, req *OrderRequest) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive quantity", ErrInvalidRequest)
	}
	order := &models.Order{
		Symbol:        req.Symbol,
		OrderID:       e.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Type:          req.Type,
		Status:        models.OrderStatusNew,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Market:        req.Market,
		Time:          time.Now(),
	}
	e.nextOrderID++
	e.orders[order.OrderID] = order

	if req.Type == "MARKET" {
		if e.price.IsZero() {
			return nil, fmt.Errorf("%w: no market price set", ErrInvalidRequest)
		}
		e.fillLocked(order, e.price)
	}
	cp := *order
	return &cp, nil
}

func (e *PaperExchange) CancelOrder(_ context.Context, _ string, _ models.MarketType, orderID int64) (CancelResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || !o.Status.IsOpen() {
		return CancelResult{AlreadyGone: true}, nil
	}
	o.Status = models.OrderStatusCanceled
	return CancelResult{Ok: true}, nil
}

func (e *PaperExchange) GetOrderStatus(_ context.Context, _ string, _ models.MarketType, orderID int64) (OrderLookup, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return OrderLookup{Found: false}, nil
	}
	cp := *o
	return OrderLookup{Found: true, Order: &cp}, nil
}

func (e *PaperExchange) GetOpenOrders(_ context.Context, symbol string, _ models.MarketType) ([]*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var open []*models.Order
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status.IsOpen() {
			cp := *o
			open = append(open, &cp)
		}
	}
	return open, nil
}

func (e *PaperExchange) CancelAllOpenOrders(_ context.Context, symbol string, _ models.MarketType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status.IsOpen() {
			o.Status = models.OrderStatusCanceled
		}
	}
	return nil
}

func (e *PaperExchange) GetPosition(_ context.Context, _ string, _ models.MarketType) (*models.Position, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position == nil || e.position.IsFlat() {
		return nil, false, nil
	}
	cp := *e.position
	cp.MarkPrice = e.price
	return &cp, true, nil
}

func (e *PaperExchange) GetMarketPrice(_ context.Context, _ string, _ models.MarketType) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.price.IsZero() {
		return decimal.Zero, fmt.Errorf("paper exchange: no market price set")
	}
	return e.price, nil
}

func (e *PaperExchange) GetRecentCandles(_ context.Context, _ string, _ models.MarketType, _ string, limit int) ([]*models.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.candles) <= limit {
		return e.candles, nil
	}
	return e.candles[len(e.candles)-limit:], nil
}

func (e *PaperExchange) SetLeverage(_ context.Context, _ string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage = leverage
	return nil
}

func (e *PaperExchange) Close() error { return nil }
