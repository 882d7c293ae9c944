package engine

import (
	"context"

	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// ProtectionService 是外部仓位保护服务的接口。注册失败（交易所查不到
// 对应仓位）返回 ok=false，调用方不得记录幽灵仓位。
type ProtectionService interface {
	RegisterPosition(ctx context.Context, symbol string, side models.Side, entryPrice, quantity decimal.Decimal) (id string, ok bool)
	DeregisterPosition(ctx context.Context, id string)
}

// Accountant 维护单个交易对的仓位与盈亏。它是仓位状态的唯一写入方，
// 每笔确认成交经 ApplyFill 进入。累计值只在操作员显式重置时清零。
type Accountant struct {
	symbol     string
	feeRate    decimal.Decimal
	protection ProtectionService

	position     models.Position
	protectionID string

	realizedPnL decimal.Decimal
	totalFees   decimal.Decimal
	tradeCount  int64
}

// NewAccountant 创建仓位核算器。protection 可为 nil（保护功能关闭时）。
func NewAccountant(symbol string, feeRate decimal.Decimal, protection ProtectionService) *Accountant {
	return &Accountant{
		symbol:     symbol,
		feeRate:    feeRate,
		protection: protection,
		position:   models.Position{Symbol: symbol},
	}
}

// ApplyFill 把一笔成交并入仓位，返回本次实现的盈亏增量（已扣估算手续费）。
// 同向加仓按名义价值加权更新开仓均价；反向减仓均价不变，
// 以旧均价结算已平数量的盈亏；穿仓时剩余数量按成交价开新仓。
func (a *Accountant) ApplyFill(ctx context.Context, side models.Side, price, quantity decimal.Decimal) decimal.Decimal {
	if !quantity.IsPositive() || !price.IsPositive() {
		logger.S().Warnw("忽略无效成交", "symbol", a.symbol, "price", price.String(), "quantity", quantity.String())
		return decimal.Zero
	}

	fee := price.Mul(quantity).Mul(a.feeRate)
	a.totalFees = a.totalFees.Add(fee)
	a.tradeCount++

	delta := quantity
	if side == models.Sell {
		delta = delta.Neg()
	}
	oldQty := a.position.Quantity
	realized := decimal.Zero

	switch {
	case oldQty.IsZero() || oldQty.Sign() == delta.Sign():
		// 开仓或同向加仓
		newQty := oldQty.Add(delta)
		oldNotional := a.position.EntryPrice.Mul(oldQty.Abs())
		addNotional := price.Mul(quantity)
		a.position.EntryPrice = oldNotional.Add(addNotional).Div(newQty.Abs())
		a.position.Quantity = newQty

	case quantity.LessThanOrEqual(oldQty.Abs()):
		// 减仓或刚好平仓
		closed := quantity
		realized = a.closeAgainstEntry(price, closed)
		a.position.Quantity = oldQty.Add(delta)
		if a.position.Quantity.IsZero() {
			a.position.EntryPrice = decimal.Zero
			a.position.UnrealizedPnL = decimal.Zero
		}

	default:
		// 穿仓：先平掉全部旧仓，剩余数量反向开新仓
		closed := oldQty.Abs()
		realized = a.closeAgainstEntry(price, closed)
		remaining := quantity.Sub(closed)
		a.position.Quantity = oldQty.Add(delta)
		a.position.EntryPrice = price
		logger.S().Infow("成交穿仓，已反向开新仓",
			"symbol", a.symbol, "closed", closed.String(), "reopened", remaining.String())
	}

	realized = realized.Sub(fee)
	a.realizedPnL = a.realizedPnL.Add(realized)

	logger.S().Infow("成交已入账",
		"symbol", a.symbol,
		"side", side,
		"price", price.String(),
		"quantity", quantity.String(),
		"realizedDelta", realized.String(),
		"position", a.position.Quantity.String(),
		"entryPrice", a.position.EntryPrice.String(),
	)

	a.syncProtection(ctx)
	return realized
}

// closeAgainstEntry 以当前均价结算平仓数量的盈亏，不含手续费。
func (a *Accountant) closeAgainstEntry(exitPrice, closedQty decimal.Decimal) decimal.Decimal {
	diff := exitPrice.Sub(a.position.EntryPrice)
	if a.position.Quantity.IsNegative() {
		diff = diff.Neg()
	}
	return diff.Mul(closedQty)
}

// syncProtection 让保护服务与当前仓位保持一致。
func (a *Accountant) syncProtection(ctx context.Context) {
	if a.protection == nil {
		return
	}
	if a.position.IsFlat() {
		if a.protectionID != "" {
			a.protection.DeregisterPosition(ctx, a.protectionID)
			a.protectionID = ""
		}
		return
	}
	if a.protectionID != "" {
		// 仓位变化时重新注册，保持保护目标与新均价同步
		a.protection.DeregisterPosition(ctx, a.protectionID)
		a.protectionID = ""
	}
	id, ok := a.protection.RegisterPosition(ctx, a.symbol, a.position.Side(), a.position.EntryPrice, a.position.Quantity.Abs())
	if !ok {
		logger.S().Warnw("仓位保护注册被拒绝，交易所无对应仓位", "symbol", a.symbol)
		return
	}
	a.protectionID = id
}

// SeedRecovered 用恢复引擎从交易所读到的仓位初始化核算器。
// 只允许在首个周期处理任何成交之前调用一次。
func (a *Accountant) SeedRecovered(ctx context.Context, pos models.Position) {
	if a.tradeCount > 0 {
		logger.S().Warnw("核算器已有成交记录，拒绝覆盖仓位", "symbol", a.symbol)
		return
	}
	pos.Symbol = a.symbol
	a.position = pos
	logger.S().Infow("已从交易所恢复仓位",
		"symbol", a.symbol,
		"quantity", pos.Quantity.String(),
		"entryPrice", pos.EntryPrice.String(),
	)
	a.syncProtection(ctx)
}

// SetMarkPrice 更新标记价并重算未实现盈亏。
func (a *Accountant) SetMarkPrice(mark decimal.Decimal) {
	a.position.MarkPrice = mark
	if a.position.IsFlat() {
		a.position.UnrealizedPnL = decimal.Zero
		return
	}
	diff := mark.Sub(a.position.EntryPrice)
	if a.position.Quantity.IsNegative() {
		diff = diff.Neg()
	}
	a.position.UnrealizedPnL = diff.Mul(a.position.Quantity.Abs())
}

// Position 返回当前仓位的副本。
func (a *Accountant) Position() models.Position { return a.position }

// RealizedPnL 返回累计已实现盈亏。
func (a *Accountant) RealizedPnL() decimal.Decimal { return a.realizedPnL }

// TotalFees 返回累计估算手续费。
func (a *Accountant) TotalFees() decimal.Decimal { return a.totalFees }

// TradeCount 返回累计成交笔数。
func (a *Accountant) TradeCount() int64 { return a.tradeCount }

// ResetTotals 清零累计值，仅供操作员显式调用。
func (a *Accountant) ResetTotals() {
	a.realizedPnL = decimal.Zero
	a.totalFees = decimal.Zero
	a.tradeCount = 0
}
