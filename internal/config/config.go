package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"presale-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// Default 返回一份可直接在测试网运行的配置
func Default() *models.Config {
	return &models.Config{
		Network:    models.NetworkTestnet,
		SQLitePath: "presale.db",
		RPCURL:     "http://localhost:8080",
		Stage: models.SaleStageConfig{
			ID:        1,
			Name:      "Stage 1",
			StartTime: 1790812800, // 2026-10-01T00:00:00Z
			EndTime:   1801439999, // 2027-01-31T23:59:59Z
			SoftCap:   decimal.NewFromInt(5_000_000_000),
			HardCap:   decimal.NewFromInt(50_000_000_000),
			MinUSD:    decimal.NewFromInt(5),
			MaxUSD:    decimal.NewFromInt(100_000),
		},
		Tiers:             DefaultTiers(),
		PresaleBasePrice:  decimal.RequireFromString("0.0000018"),
		PriceDriftRate:    0.00005,
		AmountScale:       1000,
		CirculatingSupply: decimal.NewFromInt(100_000_000_000),
		FeeReserve:        decimal.RequireFromString("0.002"),
		NetworkFee:        decimal.RequireFromString("0.0005"),
		QuoteSymbol:       "BNBUSDT",
		MarketSymbol:      "HOTUSDT",
		BinanceWSURL:      "wss://stream.binance.com:9443",
		QuoteFallbackURL:  "",

		SaleStatusIntervalSec: 15,
		PresaleTickMs:         2000,
		MarketTickSec:         30,
		PriceCacheTTLSec:      25,
		BalancePollSec:        10,
		CountdownTickMs:       1000,
		StreamStaleSec:        60,

		SignLatencyMinMs: 1000,
		SignLatencyMaxMs: 1500,
		RejectionRate:    0.05,
		CardDelayMs:      2500,
		CardFailureRate:  0.05,
		QRDelayMs:        3000,
		QRFailureRate:    0.05,

		EligibilityDelayMs: 500,
		Denylist:           []string{`^0x0{40}$`, `^0xdead`},

		AffiliateBonus: decimal.NewFromInt(1_000_000),

		FaucetNative:      decimal.RequireFromString("0.5"),
		FaucetStable:      decimal.NewFromInt(500),
		FaucetCooldownSec: 3600,

		LedgerSeed: models.BalanceSnapshot{
			QuoteNative: decimal.NewFromInt(1),
			QuoteStable: decimal.NewFromInt(1000),
		},

		CheckHost:        "1.1.1.1:53",
		CheckIntervalSec: 5,

		RetryAttempts:       3,
		RetryInitialDelayMs: 200,
		HTTPTimeoutSec:      10,

		LogConfig: models.LogConfig{Level: "info", Output: "console"},
	}
}

// DefaultTiers 是默认的贡献等级表，按 MinUSD 升序且区间连续
func DefaultTiers() []models.ContributionTier {
	return []models.ContributionTier{
		{ID: 1, MinUSD: decimal.Zero, MaxUSD: decimal.RequireFromString("499.99"), Label: "Starter", BonusPercent: decimal.Zero},
		{ID: 2, MinUSD: decimal.NewFromInt(500), MaxUSD: decimal.RequireFromString("2499.99"), Label: "Bronze", BonusPercent: decimal.NewFromInt(5)},
		{ID: 3, MinUSD: decimal.NewFromInt(2500), MaxUSD: decimal.RequireFromString("9999.99"), Label: "Silver", BonusPercent: decimal.NewFromInt(10)},
		{ID: 4, MinUSD: decimal.NewFromInt(10_000), MaxUSD: decimal.RequireFromString("49999.99"), Label: "Gold", BonusPercent: decimal.NewFromInt(15)},
		{ID: 5, MinUSD: decimal.NewFromInt(50_000), MaxUSD: decimal.Zero, Label: "Diamond", BonusPercent: decimal.NewFromInt(25)},
	}
}

// LoadConfig 从指定路径加载JSON配置文件，未填写的字段保留默认值，
// 随后应用环境变量覆盖并校验。
func LoadConfig(path string) (*models.Config, error) {
	cfg := Default()

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv 使用环境变量覆盖配置
func ApplyEnv(cfg *models.Config) {
	cfg.Network = Env("PRESALE_NETWORK", cfg.Network)
	cfg.DBPath = Env("PRESALE_DB_PATH", cfg.DBPath)
	cfg.SQLitePath = Env("PRESALE_SQLITE_PATH", cfg.SQLitePath)
	cfg.RPCURL = Env("PRESALE_RPC_URL", cfg.RPCURL)
	cfg.BalancePollSec = EnvInt("PRESALE_BALANCE_POLL_SEC", cfg.BalancePollSec)
	cfg.LogConfig.Level = Env("LOG_LEVEL", cfg.LogConfig.Level)
}

// Validate 拒绝不一致的配置
func Validate(cfg *models.Config) error {
	switch cfg.Network {
	case models.NetworkMainnet, models.NetworkTestnet, models.NetworkDevnet:
	default:
		return fmt.Errorf("未知的网络: %q", cfg.Network)
	}
	if len(cfg.Tiers) == 0 {
		return errors.New("等级表不能为空")
	}
	for i := 1; i < len(cfg.Tiers); i++ {
		if cfg.Tiers[i].MinUSD.LessThan(cfg.Tiers[i-1].MinUSD) {
			return fmt.Errorf("等级表必须按 min_usd 升序排列 (tier %d)", cfg.Tiers[i].ID)
		}
	}
	if cfg.Stage.EndTime < cfg.Stage.StartTime {
		return errors.New("阶段结束时间早于开始时间")
	}
	if !cfg.PresaleBasePrice.IsPositive() {
		return errors.New("presale_base_price 必须为正数")
	}
	if cfg.AmountScale <= 0 {
		return errors.New("amount_scale 必须为正数")
	}
	if cfg.NetworkFee.GreaterThan(cfg.FeeReserve) {
		return errors.New("network_fee 不能大于 fee_reserve")
	}
	intervals := map[string]int{
		"sale_status_interval_sec": cfg.SaleStatusIntervalSec,
		"presale_tick_ms":          cfg.PresaleTickMs,
		"market_tick_sec":          cfg.MarketTickSec,
		"balance_poll_sec":         cfg.BalancePollSec,
		"countdown_tick_ms":        cfg.CountdownTickMs,
	}
	for name, v := range intervals {
		if v <= 0 {
			return fmt.Errorf("%s 必须为正数", name)
		}
	}
	return nil
}

// Env 读取环境变量，为空时返回默认值
func Env(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// EnvInt 读取正整数环境变量
func EnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
