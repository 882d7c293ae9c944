package engine

import (
	"context"
	"math"
	"sort"

	"binance-grid-engine-go/internal/config"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// RecoveryResult 是恢复引擎的输出。Recovered 为 false 表示交易所上
// 没有可恢复的状态，调用方应构建全新网格。
type RecoveryResult struct {
	Recovered bool
	Partial   bool // 间距只由一致子集或回退值估计
	Grid      *models.Grid
	Market    models.MarketType
	Bias      models.Bias
	Spacing   decimal.Decimal
	Position  *models.Position
}

// Recoverer 在worker首个周期前运行一次，从交易所的挂单和持仓
// 重建内存网格。对交易所状态完全只读，跑两次结果相同。
type Recoverer struct {
	ex      exchange.Exchange
	cfg     config.RecoveryConfig
	gridCfg config.GridConfig
}

// NewRecoverer 创建恢复引擎。
func NewRecoverer(ex exchange.Exchange, cfg config.RecoveryConfig, gridCfg config.GridConfig) *Recoverer {
	return &Recoverer{ex: ex, cfg: cfg, gridCfg: gridCfg}
}

// Recover 执行状态重建。恢复歧义只降级，从不报错中止worker。
func (r *Recoverer) Recover(ctx context.Context, symbol string) (*RecoveryResult, error) {
	// 两个市场都查，优先采用有结果的那个
	orders, market, err := r.openLimitOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if len(orders) == 0 {
		return r.recoverFromPositionOnly(ctx, symbol)
	}

	pos := r.lookupPosition(ctx, symbol, market)

	buys, sells := partitionBySide(orders)
	samples := append(spacingSamples(buys), spacingSamples(sells)...)

	spacing, partial, ok := r.estimateSpacing(samples, len(orders))
	if !ok {
		logger.S().Infow("挂单数量不足以恢复，回退到全新建网",
			"symbol", symbol, "orders", len(orders), "samples", len(samples))
		return &RecoveryResult{Recovered: false, Market: market, Position: pos}, nil
	}

	bias := r.inferBias(len(buys), len(sells))
	grid := r.rebuildGrid(symbol, orders, spacing, bias)

	logger.S().Infow("交易状态恢复完成",
		"symbol", symbol,
		"market", market,
		"orders", len(orders),
		"buys", len(buys),
		"sells", len(sells),
		"spacing", spacing.String(),
		"bias", bias,
		"partial", partial,
	)

	return &RecoveryResult{
		Recovered: true,
		Partial:   partial,
		Grid:      grid,
		Market:    market,
		Bias:      bias,
		Spacing:   spacing,
		Position:  pos,
	}, nil
}

// openLimitOrders 查询两个市场的挂单并过滤出仍开放的限价单。
func (r *Recoverer) openLimitOrders(ctx context.Context, symbol string) ([]*models.Order, models.MarketType, error) {
	for _, market := range []models.MarketType{models.MarketFutures, models.MarketSpot} {
		raw, err := r.ex.GetOpenOrders(ctx, symbol, market)
		if err != nil {
			logger.S().Warnw("恢复时挂单查询失败", "symbol", symbol, "market", market, "error", err)
			continue
		}
		var open []*models.Order
		for _, o := range raw {
			if o.Type == "LIMIT" && o.Status.IsOpen() {
				open = append(open, o)
			}
		}
		if len(open) > 0 {
			return open, market, nil
		}
	}
	return nil, models.MarketFutures, nil
}

// recoverFromPositionOnly 处理无挂单的情况：有持仓说明之前网格在跑，
// 以空阶梯报告恢复成功；两者皆无则无可恢复。
func (r *Recoverer) recoverFromPositionOnly(ctx context.Context, symbol string) (*RecoveryResult, error) {
	for _, market := range []models.MarketType{models.MarketFutures, models.MarketSpot} {
		pos, found, err := r.ex.GetPosition(ctx, symbol, market)
		if err != nil {
			logger.S().Warnw("恢复时持仓查询失败", "symbol", symbol, "market", market, "error", err)
			continue
		}
		if found && !pos.IsFlat() {
			logger.S().Infow("发现无挂单的持仓，按空阶梯恢复",
				"symbol", symbol, "market", market, "quantity", pos.Quantity.String())
			return &RecoveryResult{
				Recovered: true,
				Grid: &models.Grid{
					Symbol:      symbol,
					Spacing:     r.gridCfg.Spacing,
					BaseSpacing: r.gridCfg.Spacing,
					Bias:        r.gridCfg.Bias,
				},
				Market:   market,
				Bias:     r.gridCfg.Bias,
				Spacing:  r.gridCfg.Spacing,
				Position: pos,
			}, nil
		}
	}
	return &RecoveryResult{Recovered: false, Market: models.MarketFutures}, nil
}

func (r *Recoverer) lookupPosition(ctx context.Context, symbol string, market models.MarketType) *models.Position {
	pos, found, err := r.ex.GetPosition(ctx, symbol, market)
	if err != nil {
		logger.S().Warnw("恢复时持仓查询失败", "symbol", symbol, "market", market, "error", err)
		return nil
	}
	if !found {
		return nil
	}
	return pos
}

func partitionBySide(orders []*models.Order) (buys, sells []*models.Order) {
	for _, o := range orders {
		if o.Side == models.Buy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}
	sortByPrice(buys)
	sortByPrice(sells)
	return buys, sells
}

func sortByPrice(orders []*models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Price.LessThan(orders[j].Price)
	})
}

// spacingSamples 计算同侧价格相邻订单之间的百分比间距。
// 跨侧间距对阶梯没有意义，不采样。
func spacingSamples(orders []*models.Order) []float64 {
	var samples []float64
	for i := 1; i < len(orders); i++ {
		prev := orders[i-1].Price
		cur := orders[i].Price
		if !prev.IsPositive() {
			continue
		}
		s, _ := cur.Sub(prev).Div(prev).Float64()
		if s > 0 {
			samples = append(samples, s)
		}
	}
	return samples
}

// estimateSpacing 依次尝试：全集一致、≥MinSubsetSize的一致子集、
// 回退常数。全部失败时 ok=false。
func (r *Recoverer) estimateSpacing(samples []float64, totalOrders int) (spacing decimal.Decimal, partial, ok bool) {
	if len(samples) > 0 {
		mean := meanOf(samples)
		if allWithinTolerance(samples, mean, r.cfg.SpacingTolerance) {
			return decimal.NewFromFloat(mean), false, true
		}
		if subsetMean, found := r.consistentSubsetMean(samples); found {
			logger.S().Warnw("网格间距不一致，采用一致子集的均值",
				"samples", len(samples), "subsetMean", subsetMean)
			return decimal.NewFromFloat(subsetMean), true, true
		}
	}
	// 样本不足或全不一致：订单够多时用保守回退间距，低置信
	if totalOrders >= r.cfg.MinOrdersForFallback {
		logger.S().Warnw("无法从挂单估计间距，使用低置信回退值",
			"totalOrders", totalOrders, "fallback", r.cfg.FallbackSpacing.String())
		return r.cfg.FallbackSpacing, true, true
	}
	return decimal.Zero, false, false
}

func meanOf(samples []float64) float64 {
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func allWithinTolerance(samples []float64, mean, tolerance float64) bool {
	if mean <= 0 {
		return false
	}
	for _, s := range samples {
		if math.Abs(s-mean)/mean >= tolerance {
			return false
		}
	}
	return true
}

// consistentSubsetMean 在排序后的样本里找最大的连续窗口，
// 使窗口内所有样本对窗口均值的偏差都在容忍度内。
func (r *Recoverer) consistentSubsetMean(samples []float64) (float64, bool) {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	bestSize := 0
	bestMean := 0.0
	for i := 0; i < len(sorted); i++ {
		for j := i + r.cfg.MinSubsetSize; j <= len(sorted); j++ {
			window := sorted[i:j]
			m := meanOf(window)
			if allWithinTolerance(window, m, r.cfg.SpacingTolerance) && len(window) > bestSize {
				bestSize = len(window)
				bestMean = m
			}
		}
	}
	if bestSize >= r.cfg.MinSubsetSize {
		return bestMean, true
	}
	return 0, false
}

// inferBias 按买卖单数量比推断方向偏向。
func (r *Recoverer) inferBias(buyCount, sellCount int) models.Bias {
	b := float64(buyCount)
	s := float64(sellCount)
	switch {
	case b > s*r.cfg.BiasRatio:
		return models.BiasLong
	case s > b*r.cfg.BiasRatio:
		return models.BiasShort
	default:
		return models.BiasNeutral
	}
}

// rebuildGrid 把每个恢复的订单重建为已挂出的档位，价格升序且唯一。
// 档位数量不低于恢复的订单数。
func (r *Recoverer) rebuildGrid(symbol string, orders []*models.Order, spacing decimal.Decimal, bias models.Bias) *models.Grid {
	levels := make([]models.GridLevel, 0, len(orders))
	seen := make(map[string]bool)
	for _, o := range orders {
		key := o.Price.String()
		if seen[key] {
			logger.S().Warnw("恢复时发现同价订单，保留先到的一个",
				"symbol", symbol, "price", key, "orderID", o.OrderID)
			continue
		}
		seen[key] = true
		levels = append(levels, models.GridLevel{
			Price:         o.Price,
			Side:          o.Side,
			Status:        models.LevelPlaced,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Recovered:     true,
		})
	}
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.LessThan(levels[j].Price)
	})

	levelCount := r.gridCfg.Levels
	if len(levels) > levelCount {
		levelCount = len(levels)
	}
	return &models.Grid{
		Symbol:      symbol,
		Levels:      levels,
		Spacing:     spacing,
		BaseSpacing: r.gridCfg.Spacing,
		LevelCount:  levelCount,
		Bias:        bias,
	}
}
