package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserSaleRecord is the per-user presale ledger entry.
// Contribution and PurchasedUnits only grow with successful buys;
// HasClaimed never reverts.
type UserSaleRecord struct {
	Address                   string          `json:"address"`
	CumulativeUSDContribution decimal.Decimal `json:"cumulative_usd_contribution"`
	PurchasedUnits            decimal.Decimal `json:"purchased_units"` // reward units bought at the hot price
	HasClaimed                bool            `json:"has_claimed"`
}

// AffiliateState tracks referral and one-time bonus data for an address.
type AffiliateState struct {
	Address      string          `json:"address"`
	ReferralCode string          `json:"referral_code"`
	RewardTotal  decimal.Decimal `json:"reward_total"` // accrued reward-asset units
	BonusClaimed bool            `json:"bonus_claimed"`
	Handle       string          `json:"handle,omitempty"`
}

// WalletStatus is the connection state of the wallet session.
type WalletStatus string

const (
	WalletDisconnected WalletStatus = "disconnected"
	WalletConnecting   WalletStatus = "connecting"
	WalletConnected    WalletStatus = "connected"
)

// WalletView is the presentation copy of the wallet session.
type WalletView struct {
	Status   WalletStatus    `json:"status"`
	Address  string          `json:"address,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Balances BalanceSnapshot `json:"balances"`
	Loading  bool            `json:"loading"`
}

// OperationStatus is the global status of the transaction orchestrator.
type OperationStatus string

const (
	StatusIdle       OperationStatus = "idle"
	StatusProcessing OperationStatus = "processing"
	StatusSuccess    OperationStatus = "success"
	StatusError      OperationStatus = "error"
)

// UserView combines the user's sale record with derived amounts.
type UserView struct {
	Record          UserSaleRecord  `json:"record"`
	ClaimableAmount decimal.Decimal `json:"claimable_amount"`
	Status          OperationStatus `json:"status"`
	LastError       string          `json:"last_error,omitempty"`
}

// DashboardView is the combined state exposed to the presentation layer.
type DashboardView struct {
	Sale         SaleView          `json:"sale"`
	Prices       PriceSnapshot     `json:"prices"`
	Wallet       WalletView        `json:"wallet"`
	User         UserView          `json:"user"`
	Transactions []Transaction     `json:"transactions"`
	Eligibility  Eligibility       `json:"eligibility"`
	Tier         *ContributionTier `json:"tier,omitempty"`
	Affiliate    AffiliateState    `json:"affiliate"`
	Version      int               `json:"version"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (v *DashboardView) Clone() *DashboardView {
	if v == nil {
		return nil
	}
	c := *v
	if v.Transactions != nil {
		c.Transactions = make([]Transaction, len(v.Transactions))
		copy(c.Transactions, v.Transactions)
	}
	if v.Tier != nil {
		t := *v.Tier
		c.Tier = &t
	}
	return &c
}
