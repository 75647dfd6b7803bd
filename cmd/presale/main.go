package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"presale-engine-go/internal/config"
	"presale-engine-go/internal/engine"
	"presale-engine-go/internal/logger"
	"presale-engine-go/internal/models"
	"presale-engine-go/internal/wallet"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "run", "running mode: run, audit or demo")
	provider := flag.String("wallet", wallet.Providers[0], "wallet provider to connect in demo mode")
	email := flag.String("email", "", "connect with an email-derived wallet instead of a provider")
	address := flag.String("address", "", "address to audit (audit mode)")
	lots := flag.String("lots", "10000", "lots to buy in demo mode")
	currency := flag.String("currency", string(models.CurrencyStable), "payment currency in demo mode")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	eng, err := engine.New(engine.Options{Config: cfg, Logger: logger.L()})
	if err != nil {
		logger.S().Fatalf("初始化预售引擎失败: %v", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.S().Warnf("关闭引擎失败: %v", err)
		}
	}()

	// --- 根据模式执行 ---
	switch *mode {
	case "run":
		runServeMode(eng)
	case "audit":
		runAuditMode(eng, *address)
	case "demo":
		runDemoMode(eng, *provider, *email, *lots, models.Currency(*currency))
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'run'、'audit' 或 'demo'。", *mode)
	}
}

// loadConfig 读取配置文件。文件不存在时使用默认配置，环境变量始终覆盖文件
func loadConfig(path string) (*models.Config, error) {
	cfg, err := config.LoadConfig(path)
	if !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	logger.S().Warnf("配置文件 %s 不存在，使用默认配置。", path)
	cfg = config.Default()
	config.ApplyEnv(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runServeMode 启动引擎并运行到收到中断信号
func runServeMode(eng *engine.Engine) {
	logger.S().Info("--- 启动预售引擎 ---")
	if err := eng.Start(); err != nil {
		logger.S().Fatalf("引擎启动失败: %v", err)
	}

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	eng.Stop()
	logger.S().Info("引擎已成功停止，视图已保存。")
}

// runAuditMode 对指定地址对账并打印报告
func runAuditMode(eng *engine.Engine, address string) {
	logger.S().Info("--- 启动对账模式 ---")
	if address == "" {
		logger.S().Fatal("对账模式需要通过 --address 指定地址")
	}
	m, err := eng.RunAudit(context.Background(), address, os.Stdout)
	if err != nil {
		logger.S().Fatalf("对账失败: %v", err)
	}
	if !m.Consistent() {
		logger.S().Warnf("地址 %s 对账不一致: 偏差 $%s, 未记录 %d, 不一致 %d",
			address, m.ContributionDrift.StringFixed(2), len(m.Unrecorded), len(m.Mismatched))
	}
}

// runDemoMode 连接钱包、完成一次购买并打印对账报告
func runDemoMode(eng *engine.Engine, provider, email, lots string, currency models.Currency) {
	logger.S().Info("--- 启动演示模式 ---")
	amount, err := decimal.NewFromString(lots)
	if err != nil {
		logger.S().Fatalf("无效的购买数量 %q: %v", lots, err)
	}
	if err := eng.Start(); err != nil {
		logger.S().Fatalf("引擎启动失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var address string
	if email != "" {
		address, err = eng.ConnectEmail(ctx, email)
	} else {
		address, err = eng.Connect(ctx, provider)
	}
	if err != nil {
		logger.S().Fatalf("连接钱包失败: %v", err)
	}

	if g, err := eng.RequestFaucet(ctx); err != nil {
		logger.S().Infof("水龙头未发放: %v", err)
	} else {
		logger.S().Infof("水龙头已发放: %s %s / %s %s", g.Native, models.CurrencyNative, g.Stable, models.CurrencyStable)
	}

	if err := waitEligible(ctx, eng); err != nil {
		logger.S().Fatalf("资格检查未完成: %v", err)
	}

	r, err := eng.Buy(ctx, amount, currency)
	if err != nil {
		logger.S().Errorf("购买失败: %s", r.Message)
	} else {
		logger.S().Infof("购买完成: 状态 %s, 引用 %s, 金额 $%s", r.Status, r.Transaction.ID, r.Transaction.USDValue.StringFixed(2))
	}

	if _, err := eng.RunAudit(ctx, address, os.Stdout); err != nil {
		logger.S().Errorf("对账失败: %v", err)
	}
}

// waitEligible 等待资格评估结束
func waitEligible(ctx context.Context, eng *engine.Engine) error {
	el, err := eng.AwaitEligibility(ctx)
	if err != nil {
		return err
	}
	if !el.IsEligible {
		return fmt.Errorf("地址不符合参与条件: %s", el.Reason)
	}
	return nil
}
