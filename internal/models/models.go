package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Network identifiers. Only NetworkMainnet is treated as production.
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
	NetworkDevnet  = "devnet"
)

// Config holds every tunable of the presale engine.
type Config struct {
	Network    string `json:"network"`     // mainnet, testnet or devnet
	DBPath     string `json:"db_path"`     // badger directory for the durable cache; empty means in-memory
	SQLitePath string `json:"sqlite_path"` // settlement recorder database file
	RPCURL     string `json:"rpc_url"`     // base URL of the platform API (status, balances, affiliate validation)

	UseRemoteStatus bool               `json:"use_remote_status"` // poll sale status over HTTP instead of the static stage below
	Stage           SaleStageConfig    `json:"stage"`
	Tiers           []ContributionTier `json:"tiers"`

	PresaleBasePrice  decimal.Decimal `json:"presale_base_price"` // USD per reward-asset unit
	PriceDriftRate    float64         `json:"price_drift_rate"`   // max relative move per drift tick, 0.00005 = 0.005%
	AmountScale       int64           `json:"amount_scale"`       // reward-asset units per entered amount
	CirculatingSupply decimal.Decimal `json:"circulating_supply"` // used to derive market cap once listed
	FeeReserve        decimal.Decimal `json:"fee_reserve"`        // native asset kept aside for network fees
	NetworkFee        decimal.Decimal `json:"network_fee"`        // native asset charged per simulated on-chain settlement

	QuoteSymbol      string `json:"quote_symbol"`       // e.g. BNBUSDT
	MarketSymbol     string `json:"market_symbol"`      // symbol of the listed reward asset
	Listed           bool   `json:"listed"`             // static status source: reward asset trades on the open market
	BinanceBaseURL   string `json:"binance_base_url"`   // empty keeps the go-binance default
	BinanceWSURL     string `json:"binance_ws_url"`     // e.g. wss://stream.binance.com:9443
	QuoteFallbackURL string `json:"quote_fallback_url"` // JSON endpoint returning {"price": ...}

	SaleStatusIntervalSec int `json:"sale_status_interval_sec"`
	PresaleTickMs         int `json:"presale_tick_ms"`
	MarketTickSec         int `json:"market_tick_sec"`
	PriceCacheTTLSec      int `json:"price_cache_ttl_sec"`
	BalancePollSec        int `json:"balance_poll_sec"`
	CountdownTickMs       int `json:"countdown_tick_ms"`
	StreamStaleSec        int `json:"stream_stale_sec"`

	SignLatencyMinMs int     `json:"sign_latency_min_ms"`
	SignLatencyMaxMs int     `json:"sign_latency_max_ms"`
	RejectionRate    float64 `json:"rejection_rate"`
	CardDelayMs      int     `json:"card_delay_ms"`
	CardFailureRate  float64 `json:"card_failure_rate"`
	QRDelayMs        int     `json:"qr_delay_ms"`
	QRFailureRate    float64 `json:"qr_failure_rate"`

	EligibilityDelayMs int      `json:"eligibility_delay_ms"`
	Denylist           []string `json:"denylist"` // regular expressions matched against lower-cased addresses

	AffiliateBonus decimal.Decimal `json:"affiliate_bonus"` // reward-asset units granted per validated handle

	FaucetNative      decimal.Decimal `json:"faucet_native"`
	FaucetStable      decimal.Decimal `json:"faucet_stable"`
	FaucetCooldownSec int             `json:"faucet_cooldown_sec"`

	LedgerSeed BalanceSnapshot `json:"ledger_seed"` // initial mock ledger balances on non-production networks

	CheckHost        string `json:"check_host"` // host:port dialled to detect connectivity
	CheckIntervalSec int    `json:"check_interval_sec"`

	RetryAttempts       int `json:"retry_attempts"`
	RetryInitialDelayMs int `json:"retry_initial_delay_ms"`
	HTTPTimeoutSec      int `json:"http_timeout_sec"`

	LogConfig LogConfig `json:"log"`
}

// IsProduction reports whether the configured network settles on the real chain.
func (c *Config) IsProduction() bool {
	return c.Network == NetworkMainnet
}

// Seconds converts a config value in seconds to a duration.
func Seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// Millis converts a config value in milliseconds to a duration.
func Millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// LogConfig defines the logging output.
type LogConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // console, file, both
	File       string `json:"file"`        // log file path
	MaxSize    int    `json:"max_size"`    // MB per file
	MaxBackups int    `json:"max_backups"` // rotated files kept
	MaxAge     int    `json:"max_age"`     // days
	Compress   bool   `json:"compress"`
}

// Currency identifies what a user pays with.
type Currency string

const (
	CurrencyNative Currency = "BNB"  // native quote asset
	CurrencyStable Currency = "USDT" // stable quote asset
	CurrencyUSD    Currency = "USD"  // card payments
	CurrencyReward Currency = "HOT"  // reward asset
)

// Valid reports whether c is one of the known currencies.
func (c Currency) Valid() bool {
	switch c {
	case CurrencyNative, CurrencyStable, CurrencyUSD, CurrencyReward:
		return true
	}
	return false
}

// TxKind is the kind of a recorded transaction.
type TxKind string

const (
	KindPresaleBuy TxKind = "presale_buy"
	KindMarketBuy  TxKind = "market_buy"
	KindMarketSell TxKind = "market_sell"
	KindClaim      TxKind = "claim"
)

// TxStatus is the settlement status of a recorded transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed" // a pending entry whose replay can never settle
)

// Rail is the payment path a transaction went through.
type Rail string

const (
	RailWallet Rail = "wallet"
	RailCard   Rail = "card"
	RailQR     Rail = "qr"
)

// Transaction is one entry of the append-only, newest-first history.
type Transaction struct {
	ID           string          `json:"id"` // settlement reference, or provisional id while pending
	Timestamp    time.Time       `json:"timestamp"`
	Address      string          `json:"address"`
	RewardAmount decimal.Decimal `json:"reward_amount"` // reward-asset units
	Currency     Currency        `json:"currency"`
	PaidAmount   decimal.Decimal `json:"paid_amount"`
	USDValue     decimal.Decimal `json:"usd_value"`
	Kind         TxKind          `json:"kind"`
	Status       TxStatus        `json:"status"`
	Rail         Rail            `json:"rail"`
}

func (t Transaction) String() string {
	return fmt.Sprintf("%s %s %s %s (%s, $%s)", t.Kind, t.Status, t.RewardAmount.String(), CurrencyReward, t.Currency, t.USDValue.StringFixed(2))
}

// PriceSnapshot is the current pricing view.
type PriceSnapshot struct {
	PresaleHotPrice decimal.Decimal `json:"presale_hot_price"`
	MarketHotPrice  decimal.Decimal `json:"market_hot_price"` // zero until listed
	QuoteAssetPrice decimal.Decimal `json:"quote_asset_price"`
	Market          MarketStats     `json:"market"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// MarketStats describes the listed market of the reward asset.
type MarketStats struct {
	Price          decimal.Decimal `json:"price"`
	MarketCap      decimal.Decimal `json:"market_cap"`
	Volume24h      decimal.Decimal `json:"volume_24h"`
	PriceChange24h decimal.Decimal `json:"price_change_24h"` // percent
	HolderCount    int64           `json:"holder_count"`
}

// BalanceSnapshot holds the three tracked balances of one address.
type BalanceSnapshot struct {
	QuoteNative decimal.Decimal `json:"quote_native"`
	QuoteStable decimal.Decimal `json:"quote_stable"`
	RewardAsset decimal.Decimal `json:"reward_asset"`
}

// ContributionTier is one row of the static bonus table.
type ContributionTier struct {
	ID           int             `json:"id"`
	MinUSD       decimal.Decimal `json:"min_usd"`
	MaxUSD       decimal.Decimal `json:"max_usd"`
	Label        string          `json:"label"`
	BonusPercent decimal.Decimal `json:"bonus_percent"`
}

// Eligibility is the transient participation verdict for an address.
type Eligibility struct {
	IsEligible bool   `json:"is_eligible"`
	Reason     string `json:"reason,omitempty"`
	IsLoading  bool   `json:"is_loading"`
}
