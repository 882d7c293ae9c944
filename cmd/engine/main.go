package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binance-grid-engine-go/internal/config"
	"binance-grid-engine-go/internal/engine"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/protection"
	"binance-grid-engine-go/internal/reporter"
	"binance-grid-engine-go/internal/rules"
	"binance-grid-engine-go/internal/snapshot"
	"binance-grid-engine-go/internal/tradelog"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or paper")
	statusInterval := flag.Int("status-interval", 300, "seconds between status table prints (0 disables)")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	// 加载.env和配置文件之前就需要能记录日志，先用默认配置初始化一次
	logger.InitLogger(config.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	// --- 初始化交易所 ---
	var ex exchange.Exchange
	switch *mode {
	case "live":
		apiKey := os.Getenv("BINANCE_API_KEY")
		secretKey := os.Getenv("BINANCE_SECRET_KEY")
		if apiKey == "" || secretKey == "" {
			logger.S().Fatal("错误：BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置。")
		}
		if cfg.IsTestnet {
			logger.S().Info("正在使用币安测试网...")
		} else {
			logger.S().Info("正在使用币安生产网...")
		}
		ex = exchange.NewBinanceExchange(apiKey, secretKey, cfg.IsTestnet)
	case "paper":
		logger.S().Info("--- 空跑模式，订单在本地撮合 ---")
		ex = newPaperExchange(cfg)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'paper'。", *mode)
	}
	defer ex.Close()

	// --- 初始化持久化 ---
	var snapshots snapshot.Store
	if cfg.SnapshotDBPath != "" {
		snapshots, err = snapshot.NewStore(cfg.SnapshotDBPath)
		if err != nil {
			logger.S().Fatalf("无法打开快照库: %v", err)
		}
		defer snapshots.Close()
	}

	var trades *tradelog.Log
	if cfg.TradeLogPath != "" {
		trades, err = tradelog.Open(cfg.TradeLogPath)
		if err != nil {
			logger.S().Fatalf("无法打开成交日志库: %v", err)
		}
		defer trades.Close()
	}

	// --- 初始化保护服务与规则缓存 ---
	var guard engine.ProtectionService
	var guardManager *protection.Manager
	if cfg.Protection.Enabled {
		guardManager = protection.NewManager(ex, cfg.Protection, cfg.Market)
		guardManager.Start()
		defer guardManager.Stop()
		guard = guardManager
	}
	ruleCache := rules.NewCache(ex)

	// --- 每个交易对一个worker ---
	ctx := context.Background()
	workers := make([]*engine.Worker, 0, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		var tl engine.TradeLogger
		if trades != nil {
			tl = trades
		}
		w := engine.NewWorker(cfg, symbol, ex, ruleCache, guard, tl, snapshots)
		if err := w.Start(ctx); err != nil {
			logger.S().Fatalf("worker %s 启动失败: %v", symbol, err)
		}
		workers = append(workers, w)
	}

	// --- 周期性打印状态表 ---
	statusStop := make(chan struct{})
	if *statusInterval > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(*statusInterval) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-statusStop:
					return
				case <-ticker.C:
					statuses := make([]reporter.SymbolStatus, 0, len(workers))
					for _, w := range workers {
						statuses = append(statuses, w.Status())
					}
					fmt.Println(reporter.RenderStatus(statuses))
				}
			}
		}()
	}

	// --- 等待中断信号以实现优雅退出 ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	close(statusStop)
	for _, w := range workers {
		w.Stop()
	}
	logger.S().Infow("引擎已停止", "totalTrades", reporter.TotalTrades())
}

// newPaperExchange 为空跑模式准备带默认规则的模拟交易所。
func newPaperExchange(cfg *config.Config) *exchange.PaperExchange {
	ruleSet := make(map[string]*models.SymbolRules, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		ruleSet[symbol] = &models.SymbolRules{
			Symbol:            symbol,
			Market:            cfg.Market,
			TickSize:          decimal.NewFromFloat(0.01),
			StepSize:          decimal.NewFromFloat(0.001),
			MinNotional:       decimal.NewFromInt(5),
			PricePrecision:    2,
			QuantityPrecision: 3,
		}
	}
	paper := exchange.NewPaperExchange(ruleSet)
	// 空跑没有行情源，给一个起始价让建网流程能走通
	paper.SetPrice(decimal.NewFromInt(100))
	return paper
}
