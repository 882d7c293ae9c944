package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	futuresWSBase = "wss://fstream.binance.com"
	spotWSBase    = "wss://stream.binance.com:9443"

	futuresTestnetWSBase = "wss://stream.binancefuture.com"
	spotTestnetWSBase    = "wss://testnet.binance.vision"

	// 价格缓存的有效期，过期后回退到REST查询
	priceCacheTTL = 10 * time.Second
)

// BinanceExchange 通过官方REST接口访问币安，并为每个交易对维护一条
// aggTrade 推送连接作为价格缓存。REST查询只在缓存失效时发生。
type BinanceExchange struct {
	futuresClient *futures.Client
	spotClient    *binance.Client
	isTestnet     bool

	mu      sync.Mutex
	streams map[string]*priceStream // key: market/symbol

	// 现货交易对的资产名缓存，GetPosition 需要用它查余额
	assetMu sync.RWMutex
	assets  map[string]spotAssets
}

type spotAssets struct {
	base  string
	quote string
}

// NewBinanceExchange 创建一个连接真实币安服务的交易所客户端。
func NewBinanceExchange(apiKey, secretKey string, isTestnet bool) *BinanceExchange {
	futuresClient := futures.NewClient(apiKey, secretKey)
	spotClient := binance.NewClient(apiKey, secretKey)
	if isTestnet {
		futuresClient.BaseURL = "https://testnet.binancefuture.com"
		spotClient.BaseURL = "https://testnet.binance.vision"
	}
	return &BinanceExchange{
		futuresClient: futuresClient,
		spotClient:    spotClient,
		isTestnet:     isTestnet,
		streams:       make(map[string]*priceStream),
		assets:        make(map[string]spotAssets),
	}
}

// GetSymbolRules 从 exchange info 提取交易对过滤器。
func (e *BinanceExchange) GetSymbolRules(ctx context.Context, symbol string, market models.MarketType) (*models.SymbolRules, error) {
	const op = "GetSymbolRules"
	if market == models.MarketFutures {
		info, err := e.futuresClient.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return nil, wrapAPIError(err, op)
		}
		for i := range info.Symbols {
			s := &info.Symbols[i]
			if s.Symbol != symbol {
				continue
			}
			minNotional := ""
			if f := s.MinNotionalFilter(); f != nil {
				minNotional = f.Notional
			}
			return buildRules(symbol, market,
				s.PriceFilter().TickSize,
				s.LotSizeFilter().StepSize,
				minNotional)
		}
		return nil, fmt.Errorf("%s: symbol %s not listed on futures market", op, symbol)
	}

	info, err := e.spotClient.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, wrapAPIError(err, op)
	}
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}
		e.assetMu.Lock()
		e.assets[symbol] = spotAssets{base: s.BaseAsset, quote: s.QuoteAsset}
		e.assetMu.Unlock()

		minNotional := ""
		if f := s.NotionalFilter(); f != nil {
			minNotional = f.MinNotional
		}
		return buildRules(symbol, market,
			s.PriceFilter().TickSize,
			s.LotSizeFilter().StepSize,
			minNotional)
	}
	return nil, fmt.Errorf("%s: symbol %s not listed on spot market", op, symbol)
}

func buildRules(symbol string, market models.MarketType, tickStr, stepStr, notionalStr string) (*models.SymbolRules, error) {
	tick, err := decimal.NewFromString(tickStr)
	if err != nil {
		return nil, fmt.Errorf("parse tick size %q: %w", tickStr, err)
	}
	step, err := decimal.NewFromString(stepStr)
	if err != nil {
		return nil, fmt.Errorf("parse step size %q: %w", stepStr, err)
	}
	notional := decimal.Zero
	if notionalStr != "" {
		notional, err = decimal.NewFromString(notionalStr)
		if err != nil {
			return nil, fmt.Errorf("parse min notional %q: %w", notionalStr, err)
		}
	}
	return &models.SymbolRules{
		Symbol:            symbol,
		Market:            market,
		TickSize:          tick,
		StepSize:          step,
		MinNotional:       notional,
		PricePrecision:    -tick.Exponent(),
		QuantityPrecision: -step.Exponent(),
	}, nil
}

// PlaceOrder 提交订单。价格和数量由调用方预先对齐到过滤器。
func (e *BinanceExchange) PlaceOrder(ctx context.Context, req *OrderRequest) (*models.Order, error) {
	const op = "PlaceOrder"
	if req.Market == models.MarketFutures {
		svc := e.futuresClient.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(futures.SideType(req.Side)).
			Type(futures.OrderType(req.Type)).
			Quantity(req.Quantity.String())
		if req.Type == "LIMIT" {
			svc = svc.Price(req.Price.String()).TimeInForce(futures.TimeInForceTypeGTC)
		}
		if req.ClientOrderID != "" {
			svc = svc.NewClientOrderID(req.ClientOrderID)
		}
		if req.ReduceOnly {
			svc = svc.ReduceOnly(true)
		}
		resp, err := svc.Do(ctx)
		if err != nil {
			return nil, wrapAPIError(err, op)
		}
		return futuresOrderFromCreate(resp, req.Market), nil
	}

	svc := e.spotClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type)).
		Quantity(req.Quantity.String())
	if req.Type == "LIMIT" {
		svc = svc.Price(req.Price.String()).TimeInForce(binance.TimeInForceTypeGTC)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapAPIError(err, op)
	}
	return spotOrderFromCreate(resp, req.Market), nil
}

// CancelOrder 撤单。订单已成交或已不存在时返回 AlreadyGone，不视为失败。
func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol string, market models.MarketType, orderID int64) (CancelResult, error) {
	const op = "CancelOrder"
	var err error
	if market == models.MarketFutures {
		_, err = e.futuresClient.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	} else {
		_, err = e.spotClient.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	}
	if err == nil {
		return CancelResult{Ok: true}, nil
	}
	wrapped := wrapAPIError(err, op)
	if isAlreadyGone(wrapped) {
		logger.S().Debugw("撤单时订单已不存在", "symbol", symbol, "orderID", orderID)
		return CancelResult{AlreadyGone: true}, nil
	}
	return CancelResult{}, wrapped
}

// GetOrderStatus 查询订单。交易所已遗忘的订单返回 Found=false。
func (e *BinanceExchange) GetOrderStatus(ctx context.Context, symbol string, market models.MarketType, orderID int64) (OrderLookup, error) {
	const op = "GetOrderStatus"
	if market == models.MarketFutures {
		o, err := e.futuresClient.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
		if err != nil {
			wrapped := wrapAPIError(err, op)
			if isAlreadyGone(wrapped) {
				return OrderLookup{Found: false}, nil
			}
			return OrderLookup{}, wrapped
		}
		return OrderLookup{Found: true, Order: futuresOrderFromQuery(o, market)}, nil
	}

	o, err := e.spotClient.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		wrapped := wrapAPIError(err, op)
		if isAlreadyGone(wrapped) {
			return OrderLookup{Found: false}, nil
		}
		return OrderLookup{}, wrapped
	}
	return OrderLookup{Found: true, Order: spotOrderFromQuery(o, market)}, nil
}

// GetOpenOrders 返回交易对的全部挂单。
func (e *BinanceExchange) GetOpenOrders(ctx context.Context, symbol string, market models.MarketType) ([]*models.Order, error) {
	const op = "GetOpenOrders"
	if market == models.MarketFutures {
		raw, err := e.futuresClient.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
		if err != nil {
			return nil, wrapAPIError(err, op)
		}
		orders := make([]*models.Order, 0, len(raw))
		for _, o := range raw {
			orders = append(orders, futuresOrderFromQuery(o, market))
		}
		return orders, nil
	}

	raw, err := e.spotClient.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, wrapAPIError(err, op)
	}
	orders := make([]*models.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, spotOrderFromQuery(o, market))
	}
	return orders, nil
}

// CancelAllOpenOrders 撤销交易对的全部挂单，用于停机清理。
func (e *BinanceExchange) CancelAllOpenOrders(ctx context.Context, symbol string, market models.MarketType) error {
	const op = "CancelAllOpenOrders"
	if market == models.MarketFutures {
		if err := e.futuresClient.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
			return wrapAPIError(err, op)
		}
		return nil
	}
	if _, err := e.spotClient.NewCancelOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return wrapAPIError(err, op)
	}
	return nil
}

// GetPosition 查询当前仓位。期货读持仓风险接口，现货读账户余额。
func (e *BinanceExchange) GetPosition(ctx context.Context, symbol string, market models.MarketType) (*models.Position, bool, error) {
	const op = "GetPosition"
	if market == models.MarketFutures {
		risks, err := e.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
		if err != nil {
			return nil, false, wrapAPIError(err, op)
		}
		for _, r := range risks {
			qty, err := decimal.NewFromString(r.PositionAmt)
			if err != nil || qty.IsZero() {
				continue
			}
			entry, _ := decimal.NewFromString(r.EntryPrice)
			mark, _ := decimal.NewFromString(r.MarkPrice)
			upnl, _ := decimal.NewFromString(r.UnRealizedProfit)
			return &models.Position{
				Symbol:        symbol,
				Quantity:      qty,
				EntryPrice:    entry,
				MarkPrice:     mark,
				UnrealizedPnL: upnl,
			}, true, nil
		}
		return nil, false, nil
	}

	base, quote, err := e.spotSymbolAssets(ctx, symbol)
	if err != nil {
		return nil, false, err
	}
	account, err := e.spotClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, false, wrapAPIError(err, op)
	}
	pos := &models.Position{Symbol: symbol}
	for _, b := range account.Balances {
		free, ferr := decimal.NewFromString(b.Free)
		locked, lerr := decimal.NewFromString(b.Locked)
		if ferr != nil || lerr != nil {
			continue
		}
		total := free.Add(locked)
		switch b.Asset {
		case base:
			pos.BaseBalance = total
			pos.Quantity = total
		case quote:
			pos.QuoteBalance = total
		}
	}
	if pos.IsFlat() {
		return nil, false, nil
	}
	return pos, true, nil
}

func (e *BinanceExchange) spotSymbolAssets(ctx context.Context, symbol string) (string, string, error) {
	e.assetMu.RLock()
	a, ok := e.assets[symbol]
	e.assetMu.RUnlock()
	if ok {
		return a.base, a.quote, nil
	}
	// 冷启动时还没查询过规则，补一次exchange info
	if _, err := e.GetSymbolRules(ctx, symbol, models.MarketSpot); err != nil {
		return "", "", err
	}
	e.assetMu.RLock()
	a = e.assets[symbol]
	e.assetMu.RUnlock()
	return a.base, a.quote, nil
}

// GetMarketPrice 优先使用推送缓存的最新成交价，缓存过期回退REST。
func (e *BinanceExchange) GetMarketPrice(ctx context.Context, symbol string, market models.MarketType) (decimal.Decimal, error) {
	const op = "GetMarketPrice"
	if price, ok := e.cachedStreamPrice(symbol, market); ok {
		return price, nil
	}

	if market == models.MarketFutures {
		stats, err := e.futuresClient.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil {
			return decimal.Zero, wrapAPIError(err, op)
		}
		if len(stats) == 0 {
			return decimal.Zero, fmt.Errorf("%s: no price returned for %s", op, symbol)
		}
		price, err := decimal.NewFromString(stats[0].Price)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: parse price %q: %w", op, stats[0].Price, err)
		}
		return price, nil
	}

	stats, err := e.spotClient.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, wrapAPIError(err, op)
	}
	if len(stats) == 0 {
		return decimal.Zero, fmt.Errorf("%s: no price returned for %s", op, symbol)
	}
	price, err := decimal.NewFromString(stats[0].Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: parse price %q: %w", op, stats[0].Price, err)
	}
	return price, nil
}

// GetRecentCandles 返回最近limit根已收盘的K线。
func (e *BinanceExchange) GetRecentCandles(ctx context.Context, symbol string, market models.MarketType, interval string, limit int) ([]*models.Candle, error) {
	const op = "GetRecentCandles"
	if market == models.MarketFutures {
		raw, err := e.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
		if err != nil {
			return nil, wrapAPIError(err, op)
		}
		candles := make([]*models.Candle, 0, len(raw))
		for _, k := range raw {
			c, err := candleFromStrings(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			candles = append(candles, c)
		}
		return candles, nil
	}

	raw, err := e.spotClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, wrapAPIError(err, op)
	}
	candles := make([]*models.Candle, 0, len(raw))
	for _, k := range raw {
		c, err := candleFromStrings(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// SetLeverage 设置期货杠杆。现货没有杠杆概念，直接返回。
func (e *BinanceExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := e.futuresClient.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return wrapAPIError(err, "SetLeverage")
	}
	return nil
}

// Close 停止所有价格推送连接。
func (e *BinanceExchange) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, s := range e.streams {
		s.stop()
		delete(e.streams, key)
	}
	return nil
}

func (e *BinanceExchange) cachedStreamPrice(symbol string, market models.MarketType) (decimal.Decimal, bool) {
	key := string(market) + "/" + symbol
	e.mu.Lock()
	s, ok := e.streams[key]
	if !ok {
		s = newPriceStream(symbol, market, e.isTestnet)
		e.streams[key] = s
		go s.run()
	}
	e.mu.Unlock()
	return s.lastPrice()
}

func isAlreadyGone(err error) bool {
	return errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrCancelRejected)
}

// --- 响应转换 ---

func futuresOrderFromCreate(o *futures.CreateOrderResponse, market models.MarketType) *models.Order {
	price, _ := decimal.NewFromString(o.Price)
	qty, _ := decimal.NewFromString(o.OrigQuantity)
	executed, _ := decimal.NewFromString(o.ExecutedQuantity)
	avg, _ := decimal.NewFromString(o.AvgPrice)
	return &models.Order{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          models.Side(o.Side),
		Type:          string(o.Type),
		Status:        translateStatus(string(o.Status)),
		Price:         price,
		Quantity:      qty,
		ExecutedQty:   executed,
		AvgPrice:      avg,
		Market:        market,
		Time:          time.UnixMilli(o.UpdateTime),
	}
}

func futuresOrderFromQuery(o *futures.Order, market models.MarketType) *models.Order {
	price, _ := decimal.NewFromString(o.Price)
	qty, _ := decimal.NewFromString(o.OrigQuantity)
	executed, _ := decimal.NewFromString(o.ExecutedQuantity)
	avg, _ := decimal.NewFromString(o.AvgPrice)
	return &models.Order{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          models.Side(o.Side),
		Type:          string(o.Type),
		Status:        translateStatus(string(o.Status)),
		Price:         price,
		Quantity:      qty,
		ExecutedQty:   executed,
		AvgPrice:      avg,
		Market:        market,
		Time:          time.UnixMilli(o.UpdateTime),
	}
}

func spotOrderFromCreate(o *binance.CreateOrderResponse, market models.MarketType) *models.Order {
	price, _ := decimal.NewFromString(o.Price)
	qty, _ := decimal.NewFromString(o.OrigQuantity)
	executed, _ := decimal.NewFromString(o.ExecutedQuantity)
	quote, _ := decimal.NewFromString(o.CummulativeQuoteQuantity)
	avg := decimal.Zero
	if executed.IsPositive() && quote.IsPositive() {
		avg = quote.Div(executed)
	}
	return &models.Order{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          models.Side(o.Side),
		Type:          string(o.Type),
		Status:        translateStatus(string(o.Status)),
		Price:         price,
		Quantity:      qty,
		ExecutedQty:   executed,
		AvgPrice:      avg,
		Market:        market,
		Time:          time.UnixMilli(o.TransactTime),
	}
}

func spotOrderFromQuery(o *binance.Order, market models.MarketType) *models.Order {
	price, _ := decimal.NewFromString(o.Price)
	qty, _ := decimal.NewFromString(o.OrigQuantity)
	executed, _ := decimal.NewFromString(o.ExecutedQuantity)
	quote, _ := decimal.NewFromString(o.CummulativeQuoteQuantity)
	avg := decimal.Zero
	if executed.IsPositive() && quote.IsPositive() {
		avg = quote.Div(executed)
	}
	return &models.Order{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          models.Side(o.Side),
		Type:          string(o.Type),
		Status:        translateStatus(string(o.Status)),
		Price:         price,
		Quantity:      qty,
		ExecutedQty:   executed,
		AvgPrice:      avg,
		Market:        market,
		Time:          time.UnixMilli(o.UpdateTime),
	}
}

func translateStatus(s string) models.OrderStatus {
	switch models.OrderStatus(s) {
	case models.OrderStatusNew, models.OrderStatusPartiallyFilled, models.OrderStatusFilled,
		models.OrderStatusCanceled, models.OrderStatusExpired, models.OrderStatusRejected:
		return models.OrderStatus(s)
	default:
		return models.OrderStatusUnknown
	}
}

func candleFromStrings(openTime int64, open, high, low, close, volume string) (*models.Candle, error) {
	o, err := decimal.NewFromString(open)
	if err != nil {
		return nil, fmt.Errorf("parse open %q: %w", open, err)
	}
	h, err := decimal.NewFromString(high)
	if err != nil {
		return nil, fmt.Errorf("parse high %q: %w", high, err)
	}
	l, err := decimal.NewFromString(low)
	if err != nil {
		return nil, fmt.Errorf("parse low %q: %w", low, err)
	}
	c, err := decimal.NewFromString(close)
	if err != nil {
		return nil, fmt.Errorf("parse close %q: %w", close, err)
	}
	v, err := decimal.NewFromString(volume)
	if err != nil {
		return nil, fmt.Errorf("parse volume %q: %w", volume, err)
	}
	return &models.Candle{
		OpenTime: time.UnixMilli(openTime),
		Open:     o,
		High:     h,
		Low:      l,
		Close:    c,
		Volume:   v,
	}, nil
}

// --- aggTrade 价格推送 ---

type priceStream struct {
	symbol string
	wsURL  string

	mu        sync.RWMutex
	price     decimal.Decimal
	updatedAt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

type aggTradeEvent struct {
	Price string `json:"p"`
}

func newPriceStream(symbol string, market models.MarketType, isTestnet bool) *priceStream {
	base := futuresWSBase
	switch {
	case market == models.MarketFutures && isTestnet:
		base = futuresTestnetWSBase
	case market == models.MarketSpot && isTestnet:
		base = spotTestnetWSBase
	case market == models.MarketSpot:
		base = spotWSBase
	}
	return &priceStream{
		symbol: symbol,
		wsURL:  fmt.Sprintf("%s/ws/%s@aggTrade", base, strings.ToLower(symbol)),
		stopCh: make(chan struct{}),
	}
}

func (s *priceStream) lastPrice() (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.price.IsZero() || time.Since(s.updatedAt) > priceCacheTTL {
		return decimal.Zero, false
	}
	return s.price, true
}

func (s *priceStream) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// run 维持推送连接，断开后等待重连。连接内用Ping保活。
func (s *priceStream) run() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if err := s.readLoop(); err != nil {
			logger.S().Warnw("价格推送连接中断，准备重连", "symbol", s.symbol, "error", err)
		}
		select {
		case <-s.stopCh:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *priceStream) readLoop() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("WebSocket连接失败: %w", err)
	}
	defer conn.Close()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-s.stopCh:
				return
			}
		}
	}()

	for {
		select {
		case <-s.stopCh:
			// 优雅关闭
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		default:
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, message, err := conn.ReadMessage()
			if err != nil {
				return err
			}
			var event aggTradeEvent
			if err := json.Unmarshal(message, &event); err != nil {
				continue
			}
			price, err := decimal.NewFromString(event.Price)
			if err != nil || !price.IsPositive() {
				continue
			}
			s.mu.Lock()
			s.price = price
			s.updatedAt = time.Now()
			s.mu.Unlock()
		}
	}
}
