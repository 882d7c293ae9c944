package reporter

import (
	"sync/atomic"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

// 进程级成交计数器，所有worker共享，仅用于报告。
var totalTrades atomic.Int64

// CountTrade 累加全局成交计数。
func CountTrade() { totalTrades.Add(1) }

// TotalTrades 返回进程启动以来的累计成交数。
func TotalTrades() int64 { return totalTrades.Load() }

// ResetTrades 清零全局计数，仅供操作员显式调用。
func ResetTrades() { totalTrades.Store(0) }

// SymbolStatus 是一个worker周期结束时上报的状态快照。
type SymbolStatus struct {
	Symbol        string
	Market        string
	GridLevels    int
	ActiveOrders  int
	Bias          string
	Spacing       decimal.Decimal
	Position      decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	Fees          decimal.Decimal
	Trades        int64
	Recovered     bool
}

// RenderStatus 把各交易对的状态渲染为终端表格。
func RenderStatus(statuses []SymbolStatus) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{
		"Symbol", "Market", "Levels", "Active", "Bias", "Spacing",
		"Position", "Entry", "Unrealized", "Realized", "Fees", "Trades", "Recovered",
	})
	for _, s := range statuses {
		t.AppendRow(table.Row{
			s.Symbol,
			s.Market,
			s.GridLevels,
			s.ActiveOrders,
			s.Bias,
			s.Spacing.String(),
			s.Position.String(),
			s.EntryPrice.String(),
			s.UnrealizedPnL.String(),
			s.RealizedPnL.String(),
			s.Fees.String(),
			s.Trades,
			s.Recovered,
		})
	}
	t.AppendFooter(table.Row{"TOTAL", "", "", "", "", "", "", "", "", "", "", TotalTrades(), ""})
	return t.Render()
}
