package grid

import (
	"testing"
	"time"

	"binance-grid-engine-go/internal/config"
	"binance-grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules() *models.SymbolRules {
	return &models.SymbolRules{
		Symbol:            "TESTUSDT",
		Market:            models.MarketFutures,
		TickSize:          decimal.NewFromFloat(0.01),
		StepSize:          decimal.NewFromFloat(0.001),
		MinNotional:       decimal.NewFromInt(5),
		PricePrecision:    2,
		QuantityPrecision: 3,
	}
}

func gridConfig(levels int, spacing float64, bias models.Bias) config.GridConfig {
	cfg := config.GridConfig{
		Levels:  levels,
		Spacing: decimal.NewFromFloat(spacing),
		Bias:    bias,
	}
	return cfg
}

// TestBuildNeutralLadder verifies the canonical 4-level neutral grid around
// center 100 with 1% spacing: two buys below, two sells above, tick-rounded.
func TestBuildNeutralLadder(t *testing.T) {
	b := NewBuilder(gridConfig(4, 0.01, models.BiasNeutral))

	g, err := b.Build(decimal.NewFromInt(100), decimal.NewFromFloat(0.01), testRules())
	require.NoError(t, err)
	require.Len(t, g.Levels, 4)

	wantPrices := []string{"98.01", "99", "101", "102.01"}
	wantSides := []models.Side{models.Buy, models.Buy, models.Sell, models.Sell}
	for i, level := range g.Levels {
		assert.True(t, level.Price.Equal(decimal.RequireFromString(wantPrices[i])),
			"level %d: want %s got %s", i, wantPrices[i], level.Price)
		assert.Equal(t, wantSides[i], level.Side)
		assert.Equal(t, models.LevelPending, level.Status)
		assert.False(t, level.Recovered)
	}
}

// TestBuildSortInvariant verifies levels are strictly ascending for every bias.
func TestBuildSortInvariant(t *testing.T) {
	for _, bias := range []models.Bias{models.BiasLong, models.BiasShort, models.BiasNeutral} {
		b := NewBuilder(gridConfig(9, 0.005, bias))
		g, err := b.Build(decimal.NewFromInt(250), decimal.NewFromFloat(0.005), testRules())
		require.NoError(t, err)

		for i := 1; i < len(g.Levels); i++ {
			assert.True(t, g.Levels[i-1].Price.LessThan(g.Levels[i].Price),
				"bias %s: levels must be strictly ascending at index %d", bias, i)
		}
	}
}

// TestBuildBiasSplit verifies the asymmetric allocation: long keeps roughly a
// third of the levels below center, short is the mirror.
func TestBuildBiasSplit(t *testing.T) {
	center := decimal.NewFromInt(100)

	countSides := func(g *models.Grid) (buys, sells int) {
		for _, l := range g.Levels {
			if l.Side == models.Buy {
				buys++
			} else {
				sells++
			}
		}
		return buys, sells
	}

	longGrid, err := NewBuilder(gridConfig(9, 0.01, models.BiasLong)).
		Build(center, decimal.NewFromFloat(0.01), testRules())
	require.NoError(t, err)
	buys, sells := countSides(longGrid)
	assert.Equal(t, 3, buys)
	assert.Equal(t, 6, sells)

	shortGrid, err := NewBuilder(gridConfig(9, 0.01, models.BiasShort)).
		Build(center, decimal.NewFromFloat(0.01), testRules())
	require.NoError(t, err)
	buys, sells = countSides(shortGrid)
	assert.Equal(t, 6, buys)
	assert.Equal(t, 3, sells)
}

// TestBuildConfigErrors verifies invalid inputs fail fast instead of
// producing a partial grid.
func TestBuildConfigErrors(t *testing.T) {
	b := NewBuilder(gridConfig(0, 0.01, models.BiasNeutral))
	_, err := b.Build(decimal.NewFromInt(100), decimal.NewFromFloat(0.01), testRules())
	assert.Error(t, err, "zero level count must be rejected")

	b = NewBuilder(gridConfig(4, 0.01, models.BiasNeutral))
	_, err = b.Build(decimal.Zero, decimal.NewFromFloat(0.01), testRules())
	assert.Error(t, err, "non-positive center price must be rejected")

	_, err = b.Build(decimal.NewFromInt(100), decimal.Zero, testRules())
	assert.Error(t, err, "non-positive spacing must be rejected")
}

// TestBuildDropsUnsnappableLevels verifies that a coarse tick collapses deep
// levels onto each other and the duplicates are dropped, not kept unrounded.
func TestBuildDropsUnsnappableLevels(t *testing.T) {
	rules := testRules()
	rules.TickSize = decimal.NewFromInt(1)
	rules.PricePrecision = 0

	b := NewBuilder(gridConfig(10, 0.001, models.BiasNeutral))
	g, err := b.Build(decimal.NewFromInt(100), decimal.NewFromFloat(0.001), rules)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, l := range g.Levels {
		assert.False(t, seen[l.Price.String()], "price %s appears twice", l.Price)
		seen[l.Price.String()] = true
	}
	assert.Less(t, len(g.Levels), 10, "collapsed levels should have been dropped")
}

func syntheticCandles(n int, base, swing float64) []*models.Candle {
	candles := make([]*models.Candle, n)
	for i := 0; i < n; i++ {
		mid := base
		candles[i] = &models.Candle{
			OpenTime: time.UnixMilli(int64(i) * 60000),
			Open:     decimal.NewFromFloat(mid),
			High:     decimal.NewFromFloat(mid + swing),
			Low:      decimal.NewFromFloat(mid - swing),
			Close:    decimal.NewFromFloat(mid),
			Volume:   decimal.NewFromInt(10),
		}
	}
	return candles
}

// TestDynamicSpacingClamped verifies ATR-derived spacing starts from the base
// spacing and never escapes the [0.5x, 3x] band around it.
func TestDynamicSpacingClamped(t *testing.T) {
	cfg := gridConfig(10, 0.005, models.BiasNeutral)
	cfg.ATRPeriod = 14
	cfg.ATRMultiplier = decimal.NewFromInt(1)
	b := NewBuilder(cfg)

	price := decimal.NewFromInt(100)
	lower := decimal.NewFromFloat(0.0025)
	upper := decimal.NewFromFloat(0.015)

	// 波动极小时: base + ATR分量 ≈ 0.005 + 0.002/100 = 0.00502，无需钳制
	quiet, err := b.DynamicSpacing(syntheticCandles(30, 100, 0.001), price)
	require.NoError(t, err)
	assert.InDelta(t, 0.00502, quiet.InexactFloat64(), 1e-6)
	assert.True(t, quiet.GreaterThanOrEqual(lower))

	// 波动极大时钳到上限
	wild, err := b.DynamicSpacing(syntheticCandles(30, 100, 20), price)
	require.NoError(t, err)
	assert.True(t, wild.Equal(upper), "wild market should clamp to upper bound, got %s", wild)
}

// TestDynamicSpacingNeedsEnoughCandles verifies the ATR history requirement.
func TestDynamicSpacingNeedsEnoughCandles(t *testing.T) {
	cfg := gridConfig(10, 0.005, models.BiasNeutral)
	cfg.ATRPeriod = 14
	cfg.ATRMultiplier = decimal.NewFromInt(1)
	b := NewBuilder(cfg)

	_, err := b.DynamicSpacing(syntheticCandles(10, 100, 1), decimal.NewFromInt(100))
	assert.Error(t, err)
}

// TestBandEnvelopeWidthBounds verifies the envelope is widened to the minimum
// tradeable width in flat markets and compressed to the ceiling in wild ones.
func TestBandEnvelopeWidthBounds(t *testing.T) {
	cfg := gridConfig(10, 0.005, models.BiasNeutral)
	cfg.BandPeriod = 20
	cfg.BandStdDev = decimal.NewFromInt(2)
	cfg.MinBandWidth = decimal.NewFromFloat(0.004)
	cfg.MaxBandWidth = decimal.NewFromFloat(0.05)
	b := NewBuilder(cfg)

	// 几乎不动的市场：包络放大到最小宽度，间距 = 宽度/档位数
	_, spacing, err := b.BandEnvelope(syntheticCandles(30, 100, 0.0001))
	require.NoError(t, err)
	assert.InDelta(t, 0.004/10, spacing.InexactFloat64(), 1e-6)
}
