package exchange

import (
	"testing"

	"binance-grid-engine-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSpotNotionalFilter pins the spot filter accessor used when building
// symbol rules: the minimum notional comes from the NOTIONAL filter.
func TestSpotNotionalFilter(t *testing.T) {
	s := &binance.Symbol{
		Symbol: "BTCUSDT",
		Filters: []map[string]interface{}{
			{"filterType": "PRICE_FILTER", "tickSize": "0.01"},
			{"filterType": "NOTIONAL", "minNotional": "5.00000000"},
		},
	}

	f := s.NotionalFilter()
	require.NotNil(t, f)
	assert.Equal(t, "5.00000000", f.MinNotional)

	// 没有NOTIONAL过滤器时返回nil，规则构建按零名义价值处理
	bare := &binance.Symbol{
		Symbol:  "BARE",
		Filters: []map[string]interface{}{{"filterType": "PRICE_FILTER", "tickSize": "0.01"}},
	}
	assert.Nil(t, bare.NotionalFilter())
}

// TestBuildRulesPrecision verifies tick/step strings translate into decimal
// rules and display precision.
func TestBuildRulesPrecision(t *testing.T) {
	rules, err := buildRules("BTCUSDT", models.MarketFutures, "0.01", "0.001", "5")
	require.NoError(t, err)
	assert.Equal(t, int32(2), rules.PricePrecision)
	assert.Equal(t, int32(3), rules.QuantityPrecision)
	assert.True(t, rules.MinNotional.Equal(decimal.NewFromInt(5)))

	// 空的名义价值串按零处理
	rules, err = buildRules("BTCUSDT", models.MarketFutures, "0.01", "0.001", "")
	require.NoError(t, err)
	assert.True(t, rules.MinNotional.IsZero())

	_, err = buildRules("BTCUSDT", models.MarketFutures, "not-a-number", "0.001", "5")
	assert.Error(t, err)
}
