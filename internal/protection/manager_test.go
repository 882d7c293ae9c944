package protection

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

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func protectionConfig() config.ProtectionConfig {
	return config.ProtectionConfig{
		Enabled:          true,
		TakeProfitPct:    d("0.03"),
		StopLossPct:      d("0.02"),
		TrailingStepPct:  d("0.01"),
		CheckIntervalSec: 1,
	}
}

func newProtectedPaper(t *testing.T) *exchange.PaperExchange {
	t.Helper()
	return exchange.NewPaperExchange(map[string]*models.SymbolRules{
		"TESTUSDT": {
			Symbol:            "TESTUSDT",
			Market:            models.MarketFutures,
			TickSize:          d("0.01"),
			StepSize:          d("0.001"),
			MinNotional:       d("5"),
			PricePrecision:    2,
			QuantityPrecision: 3,
		},
	})
}

// openPaperPosition 用市价单在模拟交易所上建仓。
func openPaperPosition(t *testing.T, paper *exchange.PaperExchange, side models.Side, price, qty string) {
	t.Helper()
	paper.SetPrice(d(price))
	_, err := paper.PlaceOrder(context.Background(), &exchange.OrderRequest{
		Symbol:   "TESTUSDT",
		Market:   models.MarketFutures,
		Side:     side,
		Type:     "MARKET",
		Quantity: d(qty),
	})
	require.NoError(t, err)
}

// TestRegisterRejectsPhantom verifies registration fails when the exchange
// has no matching position.
func TestRegisterRejectsPhantom(t *testing.T) {
	paper := newProtectedPaper(t)
	m := NewManager(paper, protectionConfig(), models.MarketFutures)

	id, ok := m.RegisterPosition(context.Background(), "TESTUSDT", models.Buy, d("100"), d("1"))
	assert.False(t, ok)
	assert.Empty(t, id)
	assert.Zero(t, m.GuardedCount())
}

// TestRegisterAndDeregister verifies the happy path and that deregistering
// twice is harmless.
func TestRegisterAndDeregister(t *testing.T) {
	paper := newProtectedPaper(t)
	openPaperPosition(t, paper, models.Buy, "100", "1")
	m := NewManager(paper, protectionConfig(), models.MarketFutures)
	ctx := context.Background()

	id, ok := m.RegisterPosition(ctx, "TESTUSDT", models.Buy, d("100"), d("1"))
	require.True(t, ok)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, m.GuardedCount())

	m.DeregisterPosition(ctx, id)
	assert.Zero(t, m.GuardedCount())
	m.DeregisterPosition(ctx, id)
	assert.Zero(t, m.GuardedCount())
}

// TestTakeProfitClosesLong verifies a long hitting its take-profit target is
// flattened with a market order and deregistered.
func TestTakeProfitClosesLong(t *testing.T) {
	paper := newProtectedPaper(t)
	openPaperPosition(t, paper, models.Buy, "100", "1")
	m := NewManager(paper, protectionConfig(), models.MarketFutures)
	ctx := context.Background()

	_, ok := m.RegisterPosition(ctx, "TESTUSDT", models.Buy, d("100"), d("1"))
	require.True(t, ok)

	// 103正好踩中3%止盈线
	paper.SetPrice(d("103"))
	m.checkAll()

	assert.Zero(t, m.GuardedCount())
	_, found, err := paper.GetPosition(ctx, "TESTUSDT", models.MarketFutures)
	require.NoError(t, err)
	assert.False(t, found, "position should be flat after protective close")
}

// TestStopLossClosesShort verifies a short is bought back when price runs
// against it.
func TestStopLossClosesShort(t *testing.T) {
	paper := newProtectedPaper(t)
	openPaperPosition(t, paper, models.Sell, "100", "1")
	m := NewManager(paper, protectionConfig(), models.MarketFutures)
	ctx := context.Background()

	_, ok := m.RegisterPosition(ctx, "TESTUSDT", models.Sell, d("100"), d("1"))
	require.True(t, ok)

	paper.SetPrice(d("102"))
	m.checkAll()

	assert.Zero(t, m.GuardedCount())
	_, found, err := paper.GetPosition(ctx, "TESTUSDT", models.MarketFutures)
	require.NoError(t, err)
	assert.False(t, found)
}

// TestTrailingStopRatchets verifies the stop ratchets up behind a rising long
// and then fires on the pullback.
func TestTrailingStopRatchets(t *testing.T) {
	paper := newProtectedPaper(t)
	openPaperPosition(t, paper, models.Buy, "100", "1")
	cfg := protectionConfig()
	cfg.TakeProfitPct = d("0.5") // 止盈推远，只测移动止损
	m := NewManager(paper, cfg, models.MarketFutures)
	ctx := context.Background()

	_, ok := m.RegisterPosition(ctx, "TESTUSDT", models.Buy, d("100"), d("1"))
	require.True(t, ok)

	// 涨到102: 止损从98上移到102*0.99=100.98，但不触发
	paper.SetPrice(d("102"))
	m.checkAll()
	assert.Equal(t, 1, m.GuardedCount())

	// 回落到100.5，跌破上移后的止损
	paper.SetPrice(d("100.5"))
	m.checkAll()
	assert.Zero(t, m.GuardedCount())
	_, found, err := paper.GetPosition(ctx, "TESTUSDT", models.MarketFutures)
	require.NoError(t, err)
	assert.False(t, found)
}

// TestStopLossNeverLoosens verifies a falling price cannot move a long's stop
// back down.
func TestStopLossNeverLoosens(t *testing.T) {
	paper := newProtectedPaper(t)
	openPaperPosition(t, paper, models.Buy, "100", "1")
	cfg := protectionConfig()
	cfg.TakeProfitPct = d("0.5")
	m := NewManager(paper, cfg, models.MarketFutures)
	ctx := context.Background()

	id, ok := m.RegisterPosition(ctx, "TESTUSDT", models.Buy, d("100"), d("1"))
	require.True(t, ok)

	paper.SetPrice(d("110"))
	m.checkAll() // 止损上移到108.9
	require.Equal(t, 1, m.GuardedCount())

	m.mu.Lock()
	stop := m.positions[id].stopLoss
	m.mu.Unlock()
	assert.True(t, stop.Equal(d("108.9")), "got %s", stop)
}
