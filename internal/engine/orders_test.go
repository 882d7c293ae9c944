package engine

import (
	"context"
	"testing"

	"binance-grid-engine-go/internal/config"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paperRules() *models.SymbolRules {
	return &models.SymbolRules{
		Symbol:            "TESTUSDT",
		Market:            models.MarketFutures,
		TickSize:          d("0.01"),
		StepSize:          d("0.001"),
		MinNotional:       d("5"),
		PricePrecision:    2,
		QuantityPrecision: 3,
	}
}

func tradingConfig() config.TradingConfig {
	return config.TradingConfig{
		OrderQuantity:        d("0.1"),
		FeeRate:              decimal.Zero,
		ProfitThreshold:      d("0.01"),
		PartialCloseBelow:    d("0.05"),
		PartialCloseFraction: d("0.5"),
		TargetPriceBuffer:    d("0.001"),
		MarketOrderProximity: d("0.0015"),
	}
}

// fiveLevelGrid 以100为中心、1%间距的5档网格。
func fiveLevelGrid() *models.Grid {
	mk := func(price string, side models.Side) models.GridLevel {
		return models.GridLevel{Price: d(price), Side: side, Status: models.LevelPending}
	}
	return &models.Grid{
		Symbol: "TESTUSDT",
		Levels: []models.GridLevel{
			mk("97.03", models.Buy),
			mk("98.01", models.Buy),
			mk("99", models.Buy),
			mk("101", models.Sell),
			mk("102.01", models.Sell),
		},
		Spacing:     d("0.01"),
		BaseSpacing: d("0.01"),
		LevelCount:  5,
		Bias:        models.BiasNeutral,
	}
}

func newOrderTestRig(rules *models.SymbolRules) (*exchange.PaperExchange, *OrderManager, *Accountant) {
	paper := exchange.NewPaperExchange(map[string]*models.SymbolRules{rules.Symbol: rules})
	acct := NewAccountant(rules.Symbol, decimal.Zero, nil)
	om := NewOrderManager(paper, rules, acct, nil, tradingConfig())
	return paper, om, acct
}

// TestPlaceInitialOrders verifies every pending level gets a resting limit
// order on the right side.
func TestPlaceInitialOrders(t *testing.T) {
	paper, om, _ := newOrderTestRig(paperRules())
	paper.SetPrice(d("100"))
	grid := fiveLevelGrid()
	ctx := context.Background()

	require.NoError(t, om.PlaceInitialOrders(ctx, grid, d("0.1")))

	open, err := paper.GetOpenOrders(ctx, "TESTUSDT", models.MarketFutures)
	require.NoError(t, err)
	assert.Len(t, open, 5)
	for _, lvl := range grid.Levels {
		assert.Equal(t, models.LevelPlaced, lvl.Status)
		assert.NotZero(t, lvl.OrderID)
		assert.NotEmpty(t, lvl.ClientOrderID)
	}
}

// TestPlaceInitialOrdersAllBelowNotional verifies a grid where no level clears
// the minimum notional fails loudly instead of half-placing.
func TestPlaceInitialOrdersAllBelowNotional(t *testing.T) {
	rules := paperRules()
	rules.MinNotional = d("50")
	paper, om, _ := newOrderTestRig(rules)
	paper.SetPrice(d("100"))
	grid := fiveLevelGrid()
	ctx := context.Background()

	err := om.PlaceInitialOrders(ctx, grid, d("0.1"))
	require.Error(t, err)

	open, _ := paper.GetOpenOrders(ctx, "TESTUSDT", models.MarketFutures)
	assert.Empty(t, open)
}

// TestFillPairsAdjacentLevel walks a full grid round trip: buy fill, then the
// paired sell fill re-arms the buy level below it.
func TestFillPairsAdjacentLevel(t *testing.T) {
	paper, om, acct := newOrderTestRig(paperRules())
	paper.SetPrice(d("100"))
	grid := fiveLevelGrid()
	ctx := context.Background()
	require.NoError(t, om.PlaceInitialOrders(ctx, grid, d("0.1")))

	// 价格跌到99，只有99的买单成交
	paper.SetPrice(d("99"))
	fills := om.PollFills(ctx, grid, d("99"))
	assert.Equal(t, 1, fills)
	assert.Equal(t, models.LevelFilled, grid.Levels[2].Status)
	assert.True(t, acct.Position().Quantity.Equal(d("0.1")))
	// 相邻卖档已有挂单，不追加
	assert.Equal(t, models.LevelPlaced, grid.Levels[3].Status)

	// 价格涨到101，止盈卖单成交，99的买档重新挂出
	paper.SetPrice(d("101"))
	fills = om.PollFills(ctx, grid, d("101"))
	assert.Equal(t, 1, fills)
	assert.Equal(t, models.LevelFilled, grid.Levels[3].Status)
	assert.Equal(t, models.LevelPlaced, grid.Levels[2].Status, "buy level below should be re-armed")
	assert.NotZero(t, grid.Levels[2].OrderID)

	assert.True(t, acct.Position().IsFlat())
	assert.True(t, acct.RealizedPnL().Equal(d("0.2")), "got %s", acct.RealizedPnL())
}

// TestFillAtGridEdge verifies a fill on the topmost level logs a warning and
// places nothing beyond the ladder.
func TestFillAtGridEdge(t *testing.T) {
	paper, om, _ := newOrderTestRig(paperRules())
	paper.SetPrice(d("100"))
	grid := &models.Grid{
		Symbol: "TESTUSDT",
		Levels: []models.GridLevel{
			{Price: d("99"), Side: models.Buy, Status: models.LevelPending},
			{Price: d("101"), Side: models.Sell, Status: models.LevelPending},
		},
		Spacing:    d("0.01"),
		LevelCount: 2,
	}
	ctx := context.Background()
	require.NoError(t, om.PlaceInitialOrders(ctx, grid, d("0.1")))

	paper.SetPrice(d("102"))
	fills := om.PollFills(ctx, grid, d("102"))
	assert.Equal(t, 1, fills)
	assert.Equal(t, models.LevelFilled, grid.Levels[1].Status)

	open, _ := paper.GetOpenOrders(ctx, "TESTUSDT", models.MarketFutures)
	assert.Len(t, open, 1, "only the untouched buy order remains")
	assert.True(t, open[0].Price.Equal(d("99")))
}

// TestTerminalOrderReplaced verifies a cancelled order is re-placed at the
// same price with the side inferred from the current market price.
func TestTerminalOrderReplaced(t *testing.T) {
	paper, om, _ := newOrderTestRig(paperRules())
	paper.SetPrice(d("100"))
	grid := fiveLevelGrid()
	ctx := context.Background()
	require.NoError(t, om.PlaceInitialOrders(ctx, grid, d("0.1")))

	oldID := grid.Levels[2].OrderID // 99的买单
	_, err := paper.CancelOrder(ctx, "TESTUSDT", models.MarketFutures, oldID)
	require.NoError(t, err)

	fills := om.PollFills(ctx, grid, d("100"))
	assert.Zero(t, fills)
	lvl := grid.Levels[2]
	assert.Equal(t, models.LevelPlaced, lvl.Status)
	assert.NotZero(t, lvl.OrderID)
	assert.NotEqual(t, oldID, lvl.OrderID)
	assert.Equal(t, models.Buy, lvl.Side, "price below market keeps the buy side")
}

// TestTerminalOrderNotReplacedAfterStop verifies shutdown suppresses
// replacement orders.
func TestTerminalOrderNotReplacedAfterStop(t *testing.T) {
	paper, om, _ := newOrderTestRig(paperRules())
	paper.SetPrice(d("100"))
	grid := fiveLevelGrid()
	ctx := context.Background()
	require.NoError(t, om.PlaceInitialOrders(ctx, grid, d("0.1")))

	oldID := grid.Levels[2].OrderID
	_, err := paper.CancelOrder(ctx, "TESTUSDT", models.MarketFutures, oldID)
	require.NoError(t, err)

	om.Stop()
	om.PollFills(ctx, grid, d("100"))
	assert.Equal(t, models.LevelCancelled, grid.Levels[2].Status)
	assert.Zero(t, grid.Levels[2].OrderID)
}

// TestOpportunisticFullClose verifies a comfortably profitable position is
// closed in full with an immediate market order.
func TestOpportunisticFullClose(t *testing.T) {
	paper, om, acct := newOrderTestRig(paperRules())
	ctx := context.Background()
	acct.ApplyFill(ctx, models.Buy, d("100"), d("1"))

	paper.SetPrice(d("102"))
	om.TakeProfitOpportunistically(ctx, d("102"))

	assert.True(t, acct.Position().IsFlat(), "position should close fully")
	assert.True(t, acct.RealizedPnL().Equal(d("2")), "got %s", acct.RealizedPnL())
}

// TestOpportunisticPartialClose verifies a marginally profitable position only
// sheds half its quantity.
func TestOpportunisticPartialClose(t *testing.T) {
	paper, om, acct := newOrderTestRig(paperRules())
	ctx := context.Background()
	acct.ApplyFill(ctx, models.Buy, d("100"), d("1"))

	// 未实现0.02，超过0.01阈值但低于0.05，只平一半
	paper.SetPrice(d("100.02"))
	om.TakeProfitOpportunistically(ctx, d("100.02"))

	assert.True(t, acct.Position().Quantity.Equal(d("0.5")), "got %s", acct.Position().Quantity)
	assert.True(t, acct.RealizedPnL().Equal(d("0.01")), "got %s", acct.RealizedPnL())
}

// TestOpportunisticLimitOrderTracked verifies a resting close order is placed
// once, suppresses further close attempts while live, and is booked by the
// fill poll when it executes.
func TestOpportunisticLimitOrderTracked(t *testing.T) {
	cfg := tradingConfig()
	// 拉大缓冲、收窄市价带，走限价分支
	cfg.TargetPriceBuffer = d("0.005")
	cfg.MarketOrderProximity = d("0.001")
	rules := paperRules()
	paper := exchange.NewPaperExchange(map[string]*models.SymbolRules{rules.Symbol: rules})
	acct := NewAccountant(rules.Symbol, decimal.Zero, nil)
	om := NewOrderManager(paper, rules, acct, nil, cfg)
	ctx := context.Background()
	acct.ApplyFill(ctx, models.Buy, d("100"), d("1"))

	paper.SetPrice(d("102"))
	om.TakeProfitOpportunistically(ctx, d("102"))
	om.TakeProfitOpportunistically(ctx, d("102"))

	open, err := paper.GetOpenOrders(ctx, "TESTUSDT", models.MarketFutures)
	require.NoError(t, err)
	require.Len(t, open, 1, "in-flight close order must not be duplicated")
	assert.Equal(t, models.Sell, open[0].Side)
	assert.True(t, open[0].Price.Equal(d("102.51")), "got %s", open[0].Price)

	// 目标价被穿越，限价止盈成交，由轮询入账
	paper.SetPrice(d("102.51"))
	fills := om.PollFills(ctx, fiveLevelGrid(), d("102.51"))
	assert.Equal(t, 1, fills)
	assert.True(t, acct.Position().IsFlat(), "fill must reach the accountant")
	assert.True(t, acct.RealizedPnL().Equal(d("2.51")), "got %s", acct.RealizedPnL())
	assert.Zero(t, om.tpOrderID, "tracking cleared after the fill")
}

// TestOpportunisticTrackingClearedOnCancel verifies a cancelled close order
// frees the manager to try again next cycle.
func TestOpportunisticTrackingClearedOnCancel(t *testing.T) {
	cfg := tradingConfig()
	cfg.TargetPriceBuffer = d("0.005")
	cfg.MarketOrderProximity = d("0.001")
	rules := paperRules()
	paper := exchange.NewPaperExchange(map[string]*models.SymbolRules{rules.Symbol: rules})
	acct := NewAccountant(rules.Symbol, decimal.Zero, nil)
	om := NewOrderManager(paper, rules, acct, nil, cfg)
	ctx := context.Background()
	acct.ApplyFill(ctx, models.Buy, d("100"), d("1"))

	paper.SetPrice(d("102"))
	om.TakeProfitOpportunistically(ctx, d("102"))
	require.NotZero(t, om.tpOrderID)

	_, err := paper.CancelOrder(ctx, "TESTUSDT", models.MarketFutures, om.tpOrderID)
	require.NoError(t, err)

	fills := om.PollFills(ctx, fiveLevelGrid(), d("102"))
	assert.Zero(t, fills)
	assert.Zero(t, om.tpOrderID, "terminal close order releases the tracker")

	om.TakeProfitOpportunistically(ctx, d("102"))
	open, _ := paper.GetOpenOrders(ctx, "TESTUSDT", models.MarketFutures)
	assert.Len(t, open, 1, "a fresh close order can be placed again")
}

// TestOpportunisticBelowThreshold verifies tiny unrealized profit leaves the
// position alone.
func TestOpportunisticBelowThreshold(t *testing.T) {
	paper, om, acct := newOrderTestRig(paperRules())
	ctx := context.Background()
	acct.ApplyFill(ctx, models.Buy, d("100"), d("1"))
	before := acct.TradeCount()

	paper.SetPrice(d("100.005"))
	om.TakeProfitOpportunistically(ctx, d("100.005"))

	assert.True(t, acct.Position().Quantity.Equal(d("1")))
	assert.Equal(t, before, acct.TradeCount())
}

// TestClientOrderIDsAreUnique verifies the generated custom ids never repeat.
func TestClientOrderIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := newClientOrderID()
		assert.False(t, seen[id], "duplicate client order id %s", id)
		seen[id] = true
	}
}

// TestCancelAllClearsTracking verifies shutdown cancellation resets every
// tracked level.
func TestCancelAllClearsTracking(t *testing.T) {
	paper, om, _ := newOrderTestRig(paperRules())
	paper.SetPrice(d("100"))
	grid := fiveLevelGrid()
	ctx := context.Background()
	require.NoError(t, om.PlaceInitialOrders(ctx, grid, d("0.1")))

	om.CancelAll(ctx, grid)

	open, _ := paper.GetOpenOrders(ctx, "TESTUSDT", models.MarketFutures)
	assert.Empty(t, open)
	for _, lvl := range grid.Levels {
		assert.Zero(t, lvl.OrderID)
		assert.Equal(t, models.LevelCancelled, lvl.Status)
	}
}
