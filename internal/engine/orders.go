package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"binance-grid-engine-go/internal/config"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/reporter"

	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
)

// TradeLogger 持久化确认成交的只追加日志，仅用于统计，不作恢复数据源。
type TradeLogger interface {
	Append(ctx context.Context, record *models.TradeRecord) error
}

var clientOrderSeq atomic.Int64

// newClientOrderID 生成带引擎前缀的自定义订单ID，
// 用base62压缩时间戳和进程内序号。
func newClientOrderID() string {
	seq := clientOrderSeq.Add(1)
	stamp := base62.FormatInt(time.Now().UnixMilli())
	return fmt.Sprintf("grid-%s-%s", stamp, base62.FormatInt(seq))
}

// OrderManager 负责网格订单的全生命周期：初始挂单、成交轮询、
// 止盈配对和主动止盈。它是网格档位状态的唯一写入方。
type OrderManager struct {
	ex         exchange.Exchange
	rules      *models.SymbolRules
	accountant *Accountant
	tradeLog   TradeLogger
	cfg        config.TradingConfig
	market     models.MarketType
	running    bool
	// 在途主动止盈单；非零时不再重复下止盈单
	tpOrderID int64
}

// NewOrderManager 创建订单管理器。tradeLog 可为 nil。
func NewOrderManager(ex exchange.Exchange, rules *models.SymbolRules, accountant *Accountant, tradeLog TradeLogger, cfg config.TradingConfig) *OrderManager {
	return &OrderManager{
		ex:         ex,
		rules:      rules,
		accountant: accountant,
		tradeLog:   tradeLog,
		cfg:        cfg,
		market:     rules.Market,
		running:    true,
	}
}

// Stop 标记管理器停止，之后不再补挂替换单。
func (m *OrderManager) Stop() { m.running = false }

// PlaceInitialOrders 为每个没有活动订单的档位挂出限价单。
// 单个档位不满足最小名义价值或格式校验时跳过该档位，不影响其余档位。
func (m *OrderManager) PlaceInitialOrders(ctx context.Context, grid *models.Grid, orderQuantity decimal.Decimal) error {
	placed := 0
	for i := range grid.Levels {
		level := &grid.Levels[i]
		if level.HasOrder() || level.Status == models.LevelFilled {
			continue
		}
		if err := m.placeLevelOrder(ctx, level, level.Side, orderQuantity); err != nil {
			logger.S().Warnw("档位挂单失败，已跳过",
				"symbol", grid.Symbol, "price", level.Price.String(), "side", level.Side, "error", err)
			continue
		}
		placed++
	}
	logger.S().Infow("初始网格挂单完成", "symbol", grid.Symbol, "placed", placed, "levels", len(grid.Levels))
	if placed == 0 && len(grid.Levels) > 0 {
		return fmt.Errorf("no grid order could be placed for %s", grid.Symbol)
	}
	return nil
}

// placeLevelOrder 校验并提交一个档位的限价单，成功后更新档位状态。
func (m *OrderManager) placeLevelOrder(ctx context.Context, level *models.GridLevel, side models.Side, quantity decimal.Decimal) error {
	qty, err := m.rules.SnapQuantity(quantity)
	if err != nil {
		return err
	}
	if !m.rules.MeetsMinNotional(level.Price, qty) {
		return fmt.Errorf("notional %s below minimum %s",
			level.Price.Mul(qty).String(), m.rules.MinNotional.String())
	}

	clientID := newClientOrderID()
	order, err := m.ex.PlaceOrder(ctx, &exchange.OrderRequest{
		Symbol:        m.rules.Symbol,
		Market:        m.market,
		Side:          side,
		Type:          "LIMIT",
		Quantity:      qty,
		Price:         level.Price,
		ClientOrderID: clientID,
	})
	if err != nil {
		return err
	}

	level.Side = side
	level.Status = models.LevelPlaced
	level.OrderID = order.OrderID
	level.ClientOrderID = order.ClientOrderID
	logger.S().Infow("已挂单",
		"symbol", m.rules.Symbol, "side", side, "price", level.Price.String(),
		"quantity", qty.String(), "orderID", order.OrderID)
	return nil
}

// PollFills 查询每个在跟踪订单的状态并处理成交与终态。
// 返回本轮确认成交的订单数。
func (m *OrderManager) PollFills(ctx context.Context, grid *models.Grid, currentPrice decimal.Decimal) int {
	fills := m.pollTakeProfitOrder(ctx, grid.Symbol)
	for i := range grid.Levels {
		level := &grid.Levels[i]
		if !level.HasOrder() || level.Status != models.LevelPlaced {
			continue
		}

		lookup, err := m.ex.GetOrderStatus(ctx, grid.Symbol, m.market, level.OrderID)
		if err != nil {
			// 本轮查不到就留到下一轮，绝不猜测状态
			logger.S().Warnw("订单状态查询失败，下一轮重试",
				"symbol", grid.Symbol, "orderID", level.OrderID, "error", err)
			continue
		}
		if !lookup.Found {
			// 交易所已遗忘该订单，视为终态处理
			logger.S().Warnw("订单已不存在于交易所", "symbol", grid.Symbol, "orderID", level.OrderID)
			m.handleTerminal(ctx, grid, i, currentPrice)
			continue
		}

		order := lookup.Order
		switch {
		case order.Status == models.OrderStatusFilled:
			m.handleFill(ctx, grid, i, order)
			fills++
		case order.Status.IsTerminal():
			logger.S().Infow("订单已终止",
				"symbol", grid.Symbol, "orderID", order.OrderID, "status", order.Status)
			m.handleTerminal(ctx, grid, i, currentPrice)
		}
		// NEW / PARTIALLY_FILLED / UNKNOWN 保持跟踪
	}
	return fills
}

// pollTakeProfitOrder 跟踪在途主动止盈单：成交则入账并落盘，
// 终止或已遗忘则清除跟踪，允许下一轮重新评估。
func (m *OrderManager) pollTakeProfitOrder(ctx context.Context, symbol string) int {
	if m.tpOrderID == 0 {
		return 0
	}
	lookup, err := m.ex.GetOrderStatus(ctx, symbol, m.market, m.tpOrderID)
	if err != nil {
		logger.S().Warnw("止盈单状态查询失败，下一轮重试",
			"symbol", symbol, "orderID", m.tpOrderID, "error", err)
		return 0
	}
	if !lookup.Found {
		logger.S().Warnw("止盈单已不存在于交易所", "symbol", symbol, "orderID", m.tpOrderID)
		m.tpOrderID = 0
		return 0
	}

	order := lookup.Order
	switch {
	case order.Status == models.OrderStatusFilled:
		fillQty := order.ExecutedQty
		if !fillQty.IsPositive() {
			fillQty = order.Quantity
		}
		realized := m.accountant.ApplyFill(ctx, order.Side, order.FillPrice(), fillQty)
		reporter.CountTrade()
		m.appendTradeRecord(ctx, order, order.FillPrice(), fillQty, realized)
		logger.S().Infow("主动止盈单已成交",
			"symbol", symbol, "orderID", order.OrderID, "realized", realized.String())
		m.tpOrderID = 0
		return 1
	case order.Status.IsTerminal():
		logger.S().Infow("止盈单已终止",
			"symbol", symbol, "orderID", order.OrderID, "status", order.Status)
		m.tpOrderID = 0
	}
	return 0
}

// handleFill 成交处理：入账、落盘、在相邻对侧档位挂出止盈单。
func (m *OrderManager) handleFill(ctx context.Context, grid *models.Grid, idx int, order *models.Order) {
	level := &grid.Levels[idx]
	fillPrice := order.FillPrice()
	fillQty := order.ExecutedQty
	if !fillQty.IsPositive() {
		fillQty = order.Quantity
	}

	level.Status = models.LevelFilled
	level.OrderID = 0
	level.ClientOrderID = ""

	realized := m.accountant.ApplyFill(ctx, order.Side, fillPrice, fillQty)
	reporter.CountTrade()
	m.appendTradeRecord(ctx, order, fillPrice, fillQty, realized)

	// 止盈配对：买单成交配上方相邻卖档，卖单成交配下方相邻买档
	pairIdx := idx + 1
	wantSide := models.Sell
	if order.Side == models.Sell {
		pairIdx = idx - 1
		wantSide = models.Buy
	}
	if pairIdx < 0 || pairIdx >= len(grid.Levels) {
		logger.S().Warnw("成交发生在网格边缘，无相邻档位可挂止盈",
			"symbol", grid.Symbol, "fillPrice", fillPrice.String(), "side", order.Side)
		return
	}
	pair := &grid.Levels[pairIdx]
	if pair.Side != wantSide {
		logger.S().Warnw("相邻档位方向不匹配，跳过止盈配对",
			"symbol", grid.Symbol, "pairPrice", pair.Price.String(), "pairSide", pair.Side, "wantSide", wantSide)
		return
	}
	if pair.HasOrder() {
		return
	}
	if err := m.placeLevelOrder(ctx, pair, wantSide, fillQty); err != nil {
		logger.S().Warnw("止盈单挂出失败",
			"symbol", grid.Symbol, "price", pair.Price.String(), "error", err)
		return
	}
	// 配对档位重新进入轮换
	pair.Recovered = false
}

// handleTerminal 处理被取消/过期/拒绝的订单：引擎仍在运行时
// 按当前价重推断方向补挂同价替换单。
func (m *OrderManager) handleTerminal(ctx context.Context, grid *models.Grid, idx int, currentPrice decimal.Decimal) {
	level := &grid.Levels[idx]
	level.OrderID = 0
	level.ClientOrderID = ""
	level.Status = models.LevelCancelled

	if !m.running || currentPrice.IsZero() {
		return
	}

	side := models.Buy
	if level.Price.GreaterThan(currentPrice) {
		side = models.Sell
	}
	if err := m.placeLevelOrder(ctx, level, side, m.cfg.OrderQuantity); err != nil {
		logger.S().Warnw("替换单挂出失败",
			"symbol", grid.Symbol, "price", level.Price.String(), "error", err)
	}
}

func (m *OrderManager) appendTradeRecord(ctx context.Context, order *models.Order, price, qty, realized decimal.Decimal) {
	if m.tradeLog == nil {
		return
	}
	pos := m.accountant.Position()
	record := &models.TradeRecord{
		Symbol:        order.Symbol,
		OrderID:       order.OrderID,
		Side:          order.Side,
		Price:         price,
		Quantity:      qty,
		RealizedPnL:   realized,
		Commission:    price.Mul(qty).Mul(m.cfg.FeeRate),
		PositionAfter: pos.Quantity,
		Time:          time.Now(),
	}
	if err := m.tradeLog.Append(ctx, record); err != nil {
		logger.S().Warnw("成交记录写入失败", "symbol", order.Symbol, "orderID", order.OrderID, "error", err)
	}
}

// TakeProfitOpportunistically 独立于网格轮换的主动止盈：
// 未实现利润超过阈值时按目标价平掉部分或全部仓位。
// 利润很小时只平一半，目标价贴近市场时改用市价单避免踏空。
func (m *OrderManager) TakeProfitOpportunistically(ctx context.Context, markPrice decimal.Decimal) {
	if m.tpOrderID != 0 {
		// 已有在途止盈单，等它成交或终止
		return
	}
	pos := m.accountant.Position()
	if pos.IsFlat() || !markPrice.IsPositive() {
		return
	}

	m.accountant.SetMarkPrice(markPrice)
	pos = m.accountant.Position()
	if pos.UnrealizedPnL.LessThanOrEqual(m.cfg.ProfitThreshold) {
		return
	}

	closeQty := pos.Quantity.Abs()
	if pos.UnrealizedPnL.LessThan(m.cfg.PartialCloseBelow) {
		closeQty = closeQty.Mul(m.cfg.PartialCloseFraction)
	}
	closeQty, err := m.rules.SnapQuantity(closeQty)
	if err != nil || !closeQty.IsPositive() {
		return
	}

	closeSide := models.Sell
	buffer := one.Add(m.cfg.TargetPriceBuffer)
	if pos.Quantity.IsNegative() {
		closeSide = models.Buy
		buffer = one.Sub(m.cfg.TargetPriceBuffer)
	}
	target, err := m.rules.SnapPrice(markPrice.Mul(buffer))
	if err != nil {
		logger.S().Warnw("止盈目标价无法对齐tick", "symbol", m.rules.Symbol, "error", err)
		return
	}

	orderType := "LIMIT"
	proximity := target.Sub(markPrice).Abs().Div(markPrice)
	if proximity.LessThanOrEqual(m.cfg.MarketOrderProximity) {
		orderType = "MARKET"
	}

	req := &exchange.OrderRequest{
		Symbol:        m.rules.Symbol,
		Market:        m.market,
		Side:          closeSide,
		Type:          orderType,
		Quantity:      closeQty,
		ClientOrderID: newClientOrderID(),
		ReduceOnly:    m.market == models.MarketFutures,
	}
	if orderType == "LIMIT" {
		req.Price = target
	}
	order, err := m.ex.PlaceOrder(ctx, req)
	if err != nil {
		logger.S().Warnw("主动止盈下单失败", "symbol", m.rules.Symbol, "error", err)
		return
	}
	logger.S().Infow("主动止盈单已提交",
		"symbol", m.rules.Symbol,
		"side", closeSide,
		"type", orderType,
		"quantity", closeQty.String(),
		"target", target.String(),
		"unrealized", pos.UnrealizedPnL.String(),
		"orderID", order.OrderID,
	)

	// 市价单同步成交则直接入账，否则进入在途跟踪由 PollFills 收尾
	if orderType == "MARKET" && order.Status == models.OrderStatusFilled {
		realized := m.accountant.ApplyFill(ctx, order.Side, order.FillPrice(), order.ExecutedQty)
		reporter.CountTrade()
		m.appendTradeRecord(ctx, order, order.FillPrice(), order.ExecutedQty, realized)
		return
	}
	m.tpOrderID = order.OrderID
}

// CancelAll 停机前尽力撤掉全部挂单并清空档位跟踪。
func (m *OrderManager) CancelAll(ctx context.Context, grid *models.Grid) {
	if grid == nil {
		return
	}
	if err := m.ex.CancelAllOpenOrders(ctx, grid.Symbol, m.market); err != nil {
		logger.S().Warnw("批量撤单失败", "symbol", grid.Symbol, "error", err)
		return
	}
	m.tpOrderID = 0
	for i := range grid.Levels {
		level := &grid.Levels[i]
		if level.HasOrder() {
			level.OrderID = 0
			level.ClientOrderID = ""
			level.Status = models.LevelCancelled
		}
	}
	logger.S().Infow("全部挂单已撤销", "symbol", grid.Symbol)
}

var one = decimal.NewFromInt(1)
