package grid

import (
	"fmt"
	"sort"

	"binance-grid-engine-go/internal/config"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Builder 根据中心价和间距生成网格价位阶梯。
type Builder struct {
	cfg config.GridConfig
}

// NewBuilder 创建网格构建器。
func NewBuilder(cfg config.GridConfig) *Builder {
	return &Builder{cfg: cfg}
}

// splitLevels 按偏向分配中心价上下两侧的档位数量。
// 做多偏向把约三分之一放在下方（买单），其余在上方，做空相反。
func splitLevels(count int, bias models.Bias) (below, above int) {
	switch bias {
	case models.BiasLong:
		below = count / 3
		above = count - below
	case models.BiasShort:
		above = count / 3
		below = count - above
	default:
		below = count / 2
		above = count - below
	}
	return below, above
}

// Build 以几何间距在中心价两侧生成价位。下方为买单，上方为卖单，
// 全部对齐到交易规则的tick。对齐失败或价格重复的档位被丢弃并告警。
func (b *Builder) Build(center, spacing decimal.Decimal, rules *models.SymbolRules) (*models.Grid, error) {
	if b.cfg.Levels <= 0 {
		return nil, fmt.Errorf("grid: level count must be positive, got %d", b.cfg.Levels)
	}
	if !center.IsPositive() {
		return nil, fmt.Errorf("grid: center price must be positive, got %s", center)
	}
	if !spacing.IsPositive() {
		return nil, fmt.Errorf("grid: spacing must be positive, got %s", spacing)
	}

	below, above := splitLevels(b.cfg.Levels, b.cfg.Bias)
	levels := make([]models.GridLevel, 0, b.cfg.Levels)
	seen := make(map[string]bool)

	appendLevel := func(raw decimal.Decimal, side models.Side) {
		snapped, err := rules.SnapPrice(raw)
		if err != nil {
			logger.S().Warnw("档位价格无法对齐tick，已丢弃",
				"symbol", rules.Symbol, "rawPrice", raw.String(), "error", err)
			return
		}
		key := snapped.String()
		if seen[key] {
			logger.S().Warnw("档位价格对齐后重复，已丢弃",
				"symbol", rules.Symbol, "price", key)
			return
		}
		seen[key] = true
		levels = append(levels, models.GridLevel{
			Price:  snapped,
			Side:   side,
			Status: models.LevelPending,
		})
	}

	// 下方买单档位，逐级乘以 (1 - spacing)
	price := center
	for i := 0; i < below; i++ {
		price = price.Mul(one.Sub(spacing))
		appendLevel(price, models.Buy)
	}
	// 上方卖单档位，逐级乘以 (1 + spacing)
	price = center
	for i := 0; i < above; i++ {
		price = price.Mul(one.Add(spacing))
		appendLevel(price, models.Sell)
	}

	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.LessThan(levels[j].Price)
	})

	return &models.Grid{
		Symbol:      rules.Symbol,
		Levels:      levels,
		Spacing:     spacing,
		BaseSpacing: b.cfg.Spacing,
		LevelCount:  len(levels),
		Bias:        b.cfg.Bias,
	}, nil
}

// DynamicSpacing 根据ATR占价格的比例自适应间距，
// 并钳制在基础间距的 [0.5x, 3x] 区间内。
func (b *Builder) DynamicSpacing(candles []*models.Candle, price decimal.Decimal) (decimal.Decimal, error) {
	atr, err := AverageTrueRange(candles, b.cfg.ATRPeriod)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("grid: price must be positive for dynamic spacing")
	}

	// 基础间距叠加ATR波动分量
	raw := b.cfg.Spacing.Add(decimal.NewFromFloat(atr).
		Div(price).
		Mul(b.cfg.ATRMultiplier))

	lower := b.cfg.Spacing.Mul(decimal.NewFromFloat(0.5))
	upper := b.cfg.Spacing.Mul(decimal.NewFromInt(3))
	clamped := raw
	if clamped.LessThan(lower) {
		clamped = lower
	}
	if clamped.GreaterThan(upper) {
		clamped = upper
	}
	if !clamped.Equal(raw) {
		logger.S().Debugw("动态间距超出范围，已钳制",
			"raw", raw.String(), "clamped", clamped.String())
	}
	return clamped, nil
}

// BandEnvelope 组合布林带与VWAP得到一个价格包络：返回包络中心价
// 和让全部档位落在包络内的间距。包络过窄放大到最小可交易宽度，
// 过宽压缩到安全上限。
func (b *Builder) BandEnvelope(candles []*models.Candle) (center, spacing decimal.Decimal, err error) {
	upper, middle, lower, err := BollingerBands(candles, b.cfg.BandPeriod, b.cfg.BandStdDev.InexactFloat64())
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	vwap, err := VWAP(candles)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	mid := (middle + vwap) / 2
	if mid <= 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("grid: band envelope center is non-positive")
	}
	width := (upper - lower) / mid

	minWidth := b.cfg.MinBandWidth.InexactFloat64()
	maxWidth := b.cfg.MaxBandWidth.InexactFloat64()
	switch {
	case width < minWidth:
		logger.S().Debugw("包络过窄，放大到最小宽度", "width", width, "minWidth", minWidth)
		width = minWidth
	case width > maxWidth:
		logger.S().Debugw("包络过宽，压缩到上限", "width", width, "maxWidth", maxWidth)
		width = maxWidth
	}

	// 档位均匀铺满包络：间距 = 宽度 / 档位数
	perLevel := width / float64(b.cfg.Levels)
	return decimal.NewFromFloat(mid), decimal.NewFromFloat(perLevel), nil
}
