package protection

import (
	"context"
	"sync"
	"time"

	"binance-grid-engine-go/internal/config"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Manager 是独立于网格轮换的仓位保护服务：为注册的仓位维护
// 移动止盈止损目标，由后台监控协程定期核对市场价并在触发时平仓。
// 它通过显式构造注入给各worker，自己做内部同步，不依赖全局单例。
type Manager struct {
	ex     exchange.Exchange
	cfg    config.ProtectionConfig
	market models.MarketType

	mu        sync.Mutex
	positions map[string]*guardedPosition

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// guardedPosition 是一个受保护仓位的跟踪状态。
type guardedPosition struct {
	id         string
	symbol     string
	side       models.Side
	entryPrice decimal.Decimal
	quantity   decimal.Decimal

	takeProfit decimal.Decimal
	stopLoss   decimal.Decimal
	bestPrice  decimal.Decimal // 多头最高价/空头最低价，用于移动止损
}

// NewManager 创建仓位保护服务。
func NewManager(ex exchange.Exchange, cfg config.ProtectionConfig, market models.MarketType) *Manager {
	return &Manager{
		ex:        ex,
		cfg:       cfg,
		market:    market,
		positions: make(map[string]*guardedPosition),
		stopCh:    make(chan struct{}),
	}
}

// Start 启动后台监控协程。
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.monitorLoop()
}

// Stop 停止监控并等待协程退出。
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// RegisterPosition 注册一个待保护仓位。先向交易所核实仓位确实存在，
// 查不到就拒绝注册，绝不保护幽灵仓位。
func (m *Manager) RegisterPosition(ctx context.Context, symbol string, side models.Side, entryPrice, quantity decimal.Decimal) (string, bool) {
	pos, found, err := m.ex.GetPosition(ctx, symbol, m.market)
	if err != nil {
		logger.S().Warnw("保护注册前仓位核实失败", "symbol", symbol, "error", err)
		return "", false
	}
	if !found || pos.IsFlat() {
		logger.S().Warnw("交易所无对应仓位，拒绝注册保护", "symbol", symbol)
		return "", false
	}

	g := &guardedPosition{
		id:         uuid.NewString(),
		symbol:     symbol,
		side:       side,
		entryPrice: entryPrice,
		quantity:   quantity,
		bestPrice:  entryPrice,
	}
	one := decimal.NewFromInt(1)
	if side == models.Buy {
		g.takeProfit = entryPrice.Mul(one.Add(m.cfg.TakeProfitPct))
		g.stopLoss = entryPrice.Mul(one.Sub(m.cfg.StopLossPct))
	} else {
		g.takeProfit = entryPrice.Mul(one.Sub(m.cfg.TakeProfitPct))
		g.stopLoss = entryPrice.Mul(one.Add(m.cfg.StopLossPct))
	}

	m.mu.Lock()
	m.positions[g.id] = g
	m.mu.Unlock()

	logger.S().Infow("仓位保护已注册",
		"symbol", symbol,
		"positionID", g.id,
		"side", side,
		"entry", entryPrice.String(),
		"takeProfit", g.takeProfit.String(),
		"stopLoss", g.stopLoss.String(),
	)
	return g.id, true
}

// DeregisterPosition 移除保护。重复移除是安全的空操作。
func (m *Manager) DeregisterPosition(_ context.Context, id string) {
	m.mu.Lock()
	g, ok := m.positions[id]
	if ok {
		delete(m.positions, id)
	}
	m.mu.Unlock()
	if ok {
		logger.S().Infow("仓位保护已解除", "symbol", g.symbol, "positionID", id)
	}
}

// GuardedCount 返回当前受保护仓位数量。
func (m *Manager) GuardedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

func (m *Manager) monitorLoop() {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.CheckIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

// checkAll 对每个受保护仓位核对一次市场价，先更新移动目标再判断触发。
func (m *Manager) checkAll() {
	m.mu.Lock()
	snapshot := make([]*guardedPosition, 0, len(m.positions))
	for _, g := range m.positions {
		snapshot = append(snapshot, g)
	}
	m.mu.Unlock()

	for _, g := range snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		price, err := m.ex.GetMarketPrice(ctx, g.symbol, m.market)
		if err != nil {
			cancel()
			logger.S().Warnw("保护监控取价失败", "symbol", g.symbol, "error", err)
			continue
		}
		if m.evaluate(g, price) {
			m.closeOut(ctx, g, price)
		}
		cancel()
	}
}

// evaluate 更新移动止损并返回是否触发平仓。持锁内完成目标修改。
func (m *Manager) evaluate(g *guardedPosition, price decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[g.id]; !ok {
		return false
	}

	one := decimal.NewFromInt(1)
	if g.side == models.Buy {
		if price.GreaterThan(g.bestPrice) {
			g.bestPrice = price
			trailed := price.Mul(one.Sub(m.cfg.TrailingStepPct))
			if trailed.GreaterThan(g.stopLoss) {
				g.stopLoss = trailed
				logger.S().Debugw("多头移动止损上移",
					"symbol", g.symbol, "stopLoss", g.stopLoss.String())
			}
		}
		return price.GreaterThanOrEqual(g.takeProfit) || price.LessThanOrEqual(g.stopLoss)
	}

	if price.LessThan(g.bestPrice) {
		g.bestPrice = price
		trailed := price.Mul(one.Add(m.cfg.TrailingStepPct))
		if trailed.LessThan(g.stopLoss) {
			g.stopLoss = trailed
			logger.S().Debugw("空头移动止损下移",
				"symbol", g.symbol, "stopLoss", g.stopLoss.String())
		}
	}
	return price.LessThanOrEqual(g.takeProfit) || price.GreaterThanOrEqual(g.stopLoss)
}

// closeOut 市价平掉受保护仓位并解除保护。
func (m *Manager) closeOut(ctx context.Context, g *guardedPosition, trigger decimal.Decimal) {
	closeSide := models.Sell
	if g.side == models.Sell {
		closeSide = models.Buy
	}
	_, err := m.ex.PlaceOrder(ctx, &exchange.OrderRequest{
		Symbol:     g.symbol,
		Market:     m.market,
		Side:       closeSide,
		Type:       "MARKET",
		Quantity:   g.quantity,
		ReduceOnly: m.market == models.MarketFutures,
	})
	if err != nil {
		logger.S().Errorw("保护平仓下单失败",
			"symbol", g.symbol, "positionID", g.id, "trigger", trigger.String(), "error", err)
		return
	}
	logger.S().Infow("保护触发，仓位已市价平掉",
		"symbol", g.symbol,
		"positionID", g.id,
		"side", g.side,
		"trigger", trigger.String(),
		"takeProfit", g.takeProfit.String(),
		"stopLoss", g.stopLoss.String(),
	)
	m.DeregisterPosition(ctx, g.id)
}
