package config

import (
	"encoding/json"
	"fmt"
	"os"

	"binance-grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// Config 结构体定义了引擎的所有配置参数。
// All knobs live in named fields with defaults resolved once at startup;
// nothing is re-interpreted per call.
type Config struct {
	Symbols   []string          `json:"symbols"`    // 交易对列表，如 ["BTCUSDT"]
	Market    models.MarketType `json:"market"`     // FUTURES 或 SPOT
	IsTestnet bool              `json:"is_testnet"` // 是否使用测试网
	Leverage  int               `json:"leverage"`   // 杠杆倍数（仅期货）

	Grid       GridConfig       `json:"grid"`
	Trading    TradingConfig    `json:"trading"`
	Recovery   RecoveryConfig   `json:"recovery"`
	Protection ProtectionConfig `json:"protection"`

	SnapshotDBPath string    `json:"snapshot_db_path"` // badger 快照目录
	TradeLogPath   string    `json:"trade_log_path"`   // sqlite 成交日志文件
	LogConfig      LogConfig `json:"log"`
}

// GridConfig controls grid construction.
type GridConfig struct {
	Levels         int             `json:"levels"`          // 网格级别数量
	MinLevels      int             `json:"min_levels"`      // 级别数量下限
	MaxLevels      int             `json:"max_levels"`      // 级别数量上限
	Spacing        decimal.Decimal `json:"spacing"`         // 基础网格间距比例 (0.002 = 0.2%)
	Bias           models.Bias     `json:"bias"`            // long / short / neutral
	DynamicSpacing bool            `json:"dynamic_spacing"` // 按ATR自适应间距
	ATRPeriod      int             `json:"atr_period"`
	ATRMultiplier  decimal.Decimal `json:"atr_multiplier"`
	BandMode       bool            `json:"band_mode"` // 多指标区间模式
	BandPeriod     int             `json:"band_period"`
	BandStdDev     decimal.Decimal `json:"band_std_dev"`
	MinBandWidth   decimal.Decimal `json:"min_band_width"` // 区间最小宽度（价格比例）
	MaxBandWidth   decimal.Decimal `json:"max_band_width"` // 区间安全上限（价格比例）
}

// TradingConfig controls per-cycle order behaviour.
type TradingConfig struct {
	OrderQuantity        decimal.Decimal `json:"order_quantity"`         // 每格下单数量（基础货币）
	CycleIntervalSec     int             `json:"cycle_interval_sec"`     // 周期间隔
	CandleInterval       string          `json:"candle_interval"`        // 动态间距使用的K线周期
	FeeRate              decimal.Decimal `json:"fee_rate"`               // 手续费估算比例
	ProfitThreshold      decimal.Decimal `json:"profit_threshold"`       // 触发主动止盈的最小绝对利润
	PartialCloseBelow    decimal.Decimal `json:"partial_close_below"`    // 低于该利润时只平一部分
	PartialCloseFraction decimal.Decimal `json:"partial_close_fraction"` // 部分平仓的比例
	TargetPriceBuffer    decimal.Decimal `json:"target_price_buffer"`    // 止盈目标相对标记价的缓冲
	MarketOrderProximity decimal.Decimal `json:"market_order_proximity"` // 与目标价足够接近时改用市价单
}

// RecoveryConfig preserves the empirically chosen reconciliation thresholds
// as configurable constants rather than guessing different "intended" values.
type RecoveryConfig struct {
	Enabled              bool            `json:"enabled"`
	SpacingTolerance     float64         `json:"spacing_tolerance"` // 样本相对均值的最大偏差
	MinSubsetSize        int             `json:"min_subset_size"`   // 部分恢复所需的一致样本数
	BiasRatio            float64         `json:"bias_ratio"`        // 单边订单数超过对侧该倍数时推断方向
	FallbackSpacing      decimal.Decimal `json:"fallback_spacing"`  // 样本不足时的保守间距
	MinOrdersForFallback int             `json:"min_orders_for_fallback"`
}

// ProtectionConfig drives the trailing TP/SL protection service.
type ProtectionConfig struct {
	Enabled          bool            `json:"enabled"`
	TakeProfitPct    decimal.Decimal `json:"take_profit_pct"`
	StopLossPct      decimal.Decimal `json:"stop_loss_pct"`
	TrailingStepPct  decimal.Decimal `json:"trailing_step_pct"`
	CheckIntervalSec int             `json:"check_interval_sec"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Load 从指定路径加载JSON配置文件，补全默认值并校验。
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued knob with its default. Called once;
// after this the config is read-only.
func (c *Config) ApplyDefaults() {
	if c.Market == "" {
		c.Market = models.MarketFutures
	}
	if c.Leverage <= 0 {
		c.Leverage = 10
	}

	g := &c.Grid
	if g.Levels == 0 {
		g.Levels = 10
	}
	if g.MinLevels == 0 {
		g.MinLevels = 4
	}
	if g.MaxLevels == 0 {
		g.MaxLevels = 30
	}
	if g.Spacing.IsZero() {
		g.Spacing = decimal.NewFromFloat(0.005)
	}
	if g.Bias == "" {
		g.Bias = models.BiasNeutral
	}
	if g.ATRPeriod == 0 {
		g.ATRPeriod = 14
	}
	if g.ATRMultiplier.IsZero() {
		g.ATRMultiplier = decimal.NewFromFloat(0.5)
	}
	if g.BandPeriod == 0 {
		g.BandPeriod = 20
	}
	if g.BandStdDev.IsZero() {
		g.BandStdDev = decimal.NewFromInt(2)
	}
	if g.MinBandWidth.IsZero() {
		g.MinBandWidth = decimal.NewFromFloat(0.004)
	}
	if g.MaxBandWidth.IsZero() {
		g.MaxBandWidth = decimal.NewFromFloat(0.05)
	}

	t := &c.Trading
	if t.CycleIntervalSec == 0 {
		t.CycleIntervalSec = 60
	}
	if t.CandleInterval == "" {
		t.CandleInterval = "1h"
	}
	if t.FeeRate.IsZero() {
		t.FeeRate = decimal.NewFromFloat(0.0004)
	}
	if t.ProfitThreshold.IsZero() {
		t.ProfitThreshold = decimal.NewFromFloat(0.01)
	}
	if t.PartialCloseBelow.IsZero() {
		t.PartialCloseBelow = decimal.NewFromFloat(0.05)
	}
	if t.PartialCloseFraction.IsZero() {
		t.PartialCloseFraction = decimal.NewFromFloat(0.5)
	}
	if t.TargetPriceBuffer.IsZero() {
		t.TargetPriceBuffer = decimal.NewFromFloat(0.003)
	}
	if t.MarketOrderProximity.IsZero() {
		t.MarketOrderProximity = decimal.NewFromFloat(0.0015)
	}

	r := &c.Recovery
	if r.SpacingTolerance == 0 {
		r.SpacingTolerance = 0.30
	}
	if r.MinSubsetSize == 0 {
		r.MinSubsetSize = 3
	}
	if r.BiasRatio == 0 {
		r.BiasRatio = 1.5
	}
	if r.FallbackSpacing.IsZero() {
		r.FallbackSpacing = decimal.NewFromFloat(0.005)
	}
	if r.MinOrdersForFallback == 0 {
		r.MinOrdersForFallback = 3
	}

	p := &c.Protection
	if p.TakeProfitPct.IsZero() {
		p.TakeProfitPct = decimal.NewFromFloat(0.01)
	}
	if p.StopLossPct.IsZero() {
		p.StopLossPct = decimal.NewFromFloat(0.02)
	}
	if p.TrailingStepPct.IsZero() {
		p.TrailingStepPct = decimal.NewFromFloat(0.002)
	}
	if p.CheckIntervalSec == 0 {
		p.CheckIntervalSec = 15
	}

	if c.SnapshotDBPath == "" {
		c.SnapshotDBPath = "data/snapshots"
	}
	if c.TradeLogPath == "" {
		c.TradeLogPath = "data/trades.db"
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.LogConfig.Output == "" {
		c.LogConfig.Output = "console"
	}
}

// Validate rejects configurations the engine must not start with.
// These are the fatal configuration errors of the worker taxonomy.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol is required")
	}
	if c.Market != models.MarketFutures && c.Market != models.MarketSpot {
		return fmt.Errorf("config: unknown market type %q", c.Market)
	}
	if c.Grid.Levels <= 0 {
		return fmt.Errorf("config: grid levels must be positive, got %d", c.Grid.Levels)
	}
	if c.Grid.Levels < c.Grid.MinLevels || c.Grid.Levels > c.Grid.MaxLevels {
		return fmt.Errorf("config: grid levels %d outside [%d, %d]",
			c.Grid.Levels, c.Grid.MinLevels, c.Grid.MaxLevels)
	}
	if !c.Grid.Spacing.IsPositive() {
		return fmt.Errorf("config: grid spacing must be positive")
	}
	switch c.Grid.Bias {
	case models.BiasLong, models.BiasShort, models.BiasNeutral:
	default:
		return fmt.Errorf("config: unknown grid bias %q", c.Grid.Bias)
	}
	if !c.Trading.OrderQuantity.IsPositive() {
		return fmt.Errorf("config: order quantity must be positive")
	}
	if c.Recovery.SpacingTolerance <= 0 || c.Recovery.SpacingTolerance >= 1 {
		return fmt.Errorf("config: recovery spacing tolerance must be in (0, 1)")
	}
	return nil
}
