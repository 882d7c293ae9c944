package engine

import (
	"context"
	"sync"
	"time"

	"binance-grid-engine-go/internal/config"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/grid"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/reporter"
	"binance-grid-engine-go/internal/rules"
	"binance-grid-engine-go/internal/snapshot"

	"github.com/shopspring/decimal"
)

// Worker 是单个交易对的周期驱动器。每个交易对独立一个worker协程，
// 周期内各步骤串行执行，Grid/Position 没有内部并发写入。
// 周期序列：恢复（仅一次）→ 刷新行情 →（无网格时）建网挂单 →
// 成交轮询 → 主动止盈 → 上报周期指标。
type Worker struct {
	symbol string
	market models.MarketType
	cfg    *config.Config

	ex         exchange.Exchange
	ruleCache  *rules.Cache
	builder    *grid.Builder
	recoverer  *Recoverer
	accountant *Accountant
	orders     *OrderManager
	snapshots  snapshot.Store
	tradeLog   TradeLogger
	protection ProtectionService

	symbolRules  *models.SymbolRules
	grid         *models.Grid
	recoveryDone bool
	rebuild      chan struct{}

	statusMu sync.RWMutex
	status   reporter.SymbolStatus

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker 组装一个交易对的全部引擎组件。snapshots 与 tradeLog 可为 nil。
func NewWorker(cfg *config.Config, symbol string, ex exchange.Exchange, ruleCache *rules.Cache, protection ProtectionService, tradeLog TradeLogger, snapshots snapshot.Store) *Worker {
	return &Worker{
		symbol:     symbol,
		market:     cfg.Market,
		cfg:        cfg,
		ex:         ex,
		ruleCache:  ruleCache,
		builder:    grid.NewBuilder(cfg.Grid),
		recoverer:  NewRecoverer(ex, cfg.Recovery, cfg.Grid),
		protection: protection,
		tradeLog:   tradeLog,
		snapshots:  snapshots,
		rebuild:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start 完成启动准备并进入周期循环。规则拉取失败是致命的配置错误。
func (w *Worker) Start(ctx context.Context) error {
	r, err := w.ruleCache.Get(ctx, w.symbol, w.market)
	if err != nil {
		return err
	}
	w.symbolRules = r
	w.accountant = NewAccountant(w.symbol, w.cfg.Trading.FeeRate, w.protection)
	w.orders = NewOrderManager(w.ex, r, w.accountant, w.tradeLog, w.cfg.Trading)

	if w.market == models.MarketFutures {
		if err := w.ex.SetLeverage(ctx, w.symbol, w.cfg.Leverage); err != nil {
			logger.S().Warnw("设置杠杆失败，沿用交易所当前值", "symbol", w.symbol, "error", err)
		}
	}

	w.wg.Add(1)
	go w.loop()
	logger.S().Infow("worker已启动", "symbol", w.symbol, "market", w.market)
	return nil
}

// Stop 发出停止信号，等循环退出后尽力撤掉全部挂单。
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()

	w.orders.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	w.orders.CancelAll(ctx, w.grid)
	logger.S().Infow("worker已停止", "symbol", w.symbol)
}

// RequestRebuild 请求在下一个周期整体重建网格（参数变更后调用）。
func (w *Worker) RequestRebuild() {
	select {
	case w.rebuild <- struct{}{}:
	default:
	}
}

// Status 返回最近一个周期结束时的状态快照。
func (w *Worker) Status() reporter.SymbolStatus {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.status
}

func (w *Worker) loop() {
	defer w.wg.Done()
	interval := time.Duration(w.cfg.Trading.CycleIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.runCycle()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.runCycle()
		}
	}
}

// runCycle 执行一个完整周期。任何一步失败只影响本周期，
// 已成功步骤的状态不回滚，下一周期重试。
func (w *Worker) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), interval30s(w.cfg.Trading.CycleIntervalSec))
	defer cancel()

	select {
	case <-w.rebuild:
		w.tearDownGrid(ctx)
	default:
	}

	if !w.recoveryDone {
		if !w.runRecovery(ctx) {
			return
		}
	}

	price, err := w.ex.GetMarketPrice(ctx, w.symbol, w.market)
	if err != nil {
		// 行情拿不到，本周期放弃
		logger.S().Warnw("行情获取失败，跳过本周期", "symbol", w.symbol, "error", err)
		return
	}

	if w.grid == nil || len(w.grid.Levels) == 0 {
		if !w.buildAndPlace(ctx, price) {
			return
		}
	}

	fills := w.orders.PollFills(ctx, w.grid, price)
	w.orders.TakeProfitOpportunistically(ctx, price)
	w.accountant.SetMarkPrice(price)

	if fills > 0 {
		w.writeSnapshot()
	}
	w.publishStatus()
}

// runRecovery 执行一次性恢复。返回 false 表示恢复出错，下周期再试。
func (w *Worker) runRecovery(ctx context.Context) bool {
	if !w.cfg.Recovery.Enabled {
		w.recoveryDone = true
		return true
	}
	result, err := w.recoverer.Recover(ctx, w.symbol)
	if err != nil {
		logger.S().Warnw("恢复失败，下一周期重试", "symbol", w.symbol, "error", err)
		return false
	}
	w.recoveryDone = true

	if result.Position != nil && !result.Position.IsFlat() {
		w.accountant.SeedRecovered(ctx, *result.Position)
	}
	if result.Recovered && result.Grid != nil && len(result.Grid.Levels) > 0 {
		w.grid = result.Grid
		w.writeSnapshot()
	}
	return true
}

// buildAndPlace 重新生成网格并挂出初始订单。
func (w *Worker) buildAndPlace(ctx context.Context, price decimal.Decimal) bool {
	center := price
	spacing := w.cfg.Grid.Spacing

	if w.cfg.Grid.DynamicSpacing || w.cfg.Grid.BandMode {
		candles, err := w.ex.GetRecentCandles(ctx, w.symbol, w.market, w.cfg.Trading.CandleInterval, w.candleDepth())
		if err != nil {
			logger.S().Warnw("K线获取失败，跳过建网", "symbol", w.symbol, "error", err)
			return false
		}
		if w.cfg.Grid.BandMode {
			bandCenter, bandSpacing, err := w.builder.BandEnvelope(candles)
			if err != nil {
				logger.S().Warnw("包络计算失败，退回固定间距", "symbol", w.symbol, "error", err)
			} else {
				center, spacing = bandCenter, bandSpacing
			}
		} else {
			dyn, err := w.builder.DynamicSpacing(candles, price)
			if err != nil {
				logger.S().Warnw("动态间距计算失败，退回基础间距", "symbol", w.symbol, "error", err)
			} else {
				spacing = dyn
			}
		}
	}

	g, err := w.builder.Build(center, spacing, w.symbolRules)
	if err != nil {
		logger.S().Errorw("网格构建失败", "symbol", w.symbol, "error", err)
		return false
	}
	if err := w.orders.PlaceInitialOrders(ctx, g, w.cfg.Trading.OrderQuantity); err != nil {
		logger.S().Warnw("初始挂单全部失败，下一周期重试", "symbol", w.symbol, "error", err)
		return false
	}
	w.grid = g
	w.writeSnapshot()
	return true
}

// tearDownGrid 撤掉当前网格的全部挂单并清空，供参数变更后重建。
func (w *Worker) tearDownGrid(ctx context.Context) {
	if w.grid == nil {
		return
	}
	logger.S().Infow("参数变更，整体重建网格", "symbol", w.symbol)
	w.orders.CancelAll(ctx, w.grid)
	w.grid = nil
}

func (w *Worker) candleDepth() int {
	depth := w.cfg.Grid.ATRPeriod + 1
	if w.cfg.Grid.BandPeriod > depth {
		depth = w.cfg.Grid.BandPeriod
	}
	// 多取一段，指标窗口不够时能降级
	return depth * 2
}

// writeSnapshot 在成功对账或建网后写一份调试快照。写失败只告警。
func (w *Worker) writeSnapshot() {
	if w.snapshots == nil || w.grid == nil {
		return
	}
	active := make(map[string]int64)
	for i := range w.grid.Levels {
		level := &w.grid.Levels[i]
		if level.HasOrder() {
			active[level.Price.String()] = level.OrderID
		}
	}
	snap := &models.RecoverySnapshot{
		Symbol:       w.symbol,
		Market:       w.market,
		LevelCount:   w.grid.LevelCount,
		BaseSpacing:  w.grid.BaseSpacing,
		Spacing:      w.grid.Spacing,
		Bias:         w.grid.Bias,
		Levels:       w.grid.Levels,
		ActiveOrders: active,
		Timestamp:    time.Now(),
	}
	if err := w.snapshots.Save(snap); err != nil {
		logger.S().Warnw("调试快照写入失败", "symbol", w.symbol, "error", err)
	}
}

func (w *Worker) publishStatus() {
	pos := w.accountant.Position()
	s := reporter.SymbolStatus{
		Symbol:        w.symbol,
		Market:        string(w.market),
		Bias:          string(w.cfg.Grid.Bias),
		Position:      pos.Quantity,
		EntryPrice:    pos.EntryPrice,
		UnrealizedPnL: pos.UnrealizedPnL,
		RealizedPnL:   w.accountant.RealizedPnL(),
		Fees:          w.accountant.TotalFees(),
		Trades:        w.accountant.TradeCount(),
	}
	if w.grid != nil {
		s.GridLevels = len(w.grid.Levels)
		s.ActiveOrders = w.grid.ActiveOrderCount()
		s.Bias = string(w.grid.Bias)
		s.Spacing = w.grid.Spacing
		for i := range w.grid.Levels {
			if w.grid.Levels[i].Recovered {
				s.Recovered = true
				break
			}
		}
	}

	w.statusMu.Lock()
	w.status = s
	w.statusMu.Unlock()

	logger.S().Infow("周期完成",
		"symbol", w.symbol,
		"levels", s.GridLevels,
		"activeOrders", s.ActiveOrders,
		"position", s.Position.String(),
		"realizedPnL", s.RealizedPnL.String(),
		"unrealizedPnL", s.UnrealizedPnL.String(),
	)
}

// interval30s 给周期操作一个不超过周期本身的超时，至少30秒。
func interval30s(cycleSec int) time.Duration {
	d := time.Duration(cycleSec) * time.Second
	if d < 30*time.Second {
		return 30 * time.Second
	}
	return d
}
