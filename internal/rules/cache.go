package rules

import (
	"context"
	"sync"

	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"
)

// Cache 按 交易对+市场 缓存交易规则。规则在进程生命周期内视为不变，
// 只在首次访问时查询一次交易所。
type Cache struct {
	ex exchange.Exchange

	mu    sync.Mutex
	rules map[string]*models.SymbolRules
}

// NewCache 创建规则缓存。
func NewCache(ex exchange.Exchange) *Cache {
	return &Cache{
		ex:    ex,
		rules: make(map[string]*models.SymbolRules),
	}
}

func cacheKey(symbol string, market models.MarketType) string {
	return string(market) + "/" + symbol
}

// Get 返回交易对的过滤器规则，首次访问时向交易所查询并缓存。
// 查询失败不缓存，下次访问重试。
func (c *Cache) Get(ctx context.Context, symbol string, market models.MarketType) (*models.SymbolRules, error) {
	key := cacheKey(symbol, market)

	c.mu.Lock()
	if r, ok := c.rules[key]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	r, err := c.ex.GetSymbolRules(ctx, symbol, market)
	if err != nil {
		return nil, err
	}
	logger.S().Infow("已加载交易规则",
		"symbol", symbol,
		"market", market,
		"tickSize", r.TickSize.String(),
		"stepSize", r.StepSize.String(),
		"minNotional", r.MinNotional.String(),
	)

	c.mu.Lock()
	c.rules[key] = r
	c.mu.Unlock()
	return r, nil
}

// Prime 预加载一组交易对的规则，启动阶段调用，任何一个失败即失败。
func (c *Cache) Prime(ctx context.Context, symbols []string, market models.MarketType) error {
	for _, symbol := range symbols {
		if _, err := c.Get(ctx, symbol, market); err != nil {
			return err
		}
	}
	return nil
}
