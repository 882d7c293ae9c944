package rules

import (
	"context"
	"errors"
	"testing"

	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingExchange 只实现规则查询并统计调用次数。
type countingExchange struct {
	exchange.Exchange
	calls int
	fail  bool
}

func (c *countingExchange) GetSymbolRules(_ context.Context, symbol string, market models.MarketType) (*models.SymbolRules, error) {
	c.calls++
	if c.fail {
		return nil, errors.New("exchange unavailable")
	}
	return &models.SymbolRules{
		Symbol:      symbol,
		Market:      market,
		TickSize:    decimal.RequireFromString("0.01"),
		StepSize:    decimal.RequireFromString("0.001"),
		MinNotional: decimal.RequireFromString("5"),
	}, nil
}

// TestGetFetchesOnce verifies repeated lookups hit the exchange exactly once
// per symbol and market.
func TestGetFetchesOnce(t *testing.T) {
	ex := &countingExchange{}
	cache := NewCache(ex)
	ctx := context.Background()

	first, err := cache.Get(ctx, "BTCUSDT", models.MarketFutures)
	require.NoError(t, err)
	second, err := cache.Get(ctx, "BTCUSDT", models.MarketFutures)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, ex.calls)

	// 同一交易对的另一个市场是独立条目
	_, err = cache.Get(ctx, "BTCUSDT", models.MarketSpot)
	require.NoError(t, err)
	assert.Equal(t, 2, ex.calls)
}

// TestGetFailureIsNotCached verifies a failed lookup retries on the next call.
func TestGetFailureIsNotCached(t *testing.T) {
	ex := &countingExchange{fail: true}
	cache := NewCache(ex)
	ctx := context.Background()

	_, err := cache.Get(ctx, "BTCUSDT", models.MarketFutures)
	require.Error(t, err)

	ex.fail = false
	r, err := cache.Get(ctx, "BTCUSDT", models.MarketFutures)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", r.Symbol)
	assert.Equal(t, 2, ex.calls)
}

// TestPrimeLoadsAllSymbols verifies startup priming warms every symbol.
func TestPrimeLoadsAllSymbols(t *testing.T) {
	ex := &countingExchange{}
	cache := NewCache(ex)

	err := cache.Prime(context.Background(), []string{"BTCUSDT", "ETHUSDT"}, models.MarketFutures)
	require.NoError(t, err)
	assert.Equal(t, 2, ex.calls)

	_, err = cache.Get(context.Background(), "ETHUSDT", models.MarketFutures)
	require.NoError(t, err)
	assert.Equal(t, 2, ex.calls, "primed symbols must not refetch")
}
