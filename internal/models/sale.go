package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleStageConfig is an immutable presale stage as published by the status source.
type SaleStageConfig struct {
	ID        int             `json:"id"`
	Name      string          `json:"name"`
	StartTime int64           `json:"start_time"` // unix seconds
	EndTime   int64           `json:"end_time"`   // unix seconds
	SoftCap   decimal.Decimal `json:"soft_cap"`   // reward-asset units
	HardCap   decimal.Decimal `json:"hard_cap"`
	MinUSD    decimal.Decimal `json:"min_usd"` // per transaction
	MaxUSD    decimal.Decimal `json:"max_usd"`
}

// SaleState is derived from the wall clock and the stage boundaries.
type SaleState string

const (
	SaleUpcoming SaleState = "UPCOMING"
	SaleActive   SaleState = "ACTIVE"
	SaleEnded    SaleState = "ENDED"
)

// StateAt returns the sale state of the stage at now.
// Start and end are inclusive bounds of the ACTIVE window.
func (s SaleStageConfig) StateAt(now time.Time) SaleState {
	ts := now.Unix()
	switch {
	case ts < s.StartTime:
		return SaleUpcoming
	case ts <= s.EndTime:
		return SaleActive
	default:
		return SaleEnded
	}
}

// Countdown is the time left until the next relevant stage boundary.
type Countdown struct {
	Days    int64 `json:"days"`
	Hours   int64 `json:"hours"`
	Minutes int64 `json:"minutes"`
	Seconds int64 `json:"seconds"`
}

// IsZero reports whether no time is left.
func (c Countdown) IsZero() bool {
	return c.Days == 0 && c.Hours == 0 && c.Minutes == 0 && c.Seconds == 0
}

// CountdownFromSeconds splits a remaining duration, clamping negatives to zero.
func CountdownFromSeconds(remaining int64) Countdown {
	if remaining < 0 {
		remaining = 0
	}
	return Countdown{
		Days:    remaining / 86400,
		Hours:   remaining % 86400 / 3600,
		Minutes: remaining % 3600 / 60,
		Seconds: remaining % 60,
	}
}

// CountdownAt counts down to the start while UPCOMING, to the end while ACTIVE,
// and is zero once the stage has ENDED.
func (s SaleStageConfig) CountdownAt(now time.Time) Countdown {
	ts := now.Unix()
	switch s.StateAt(now) {
	case SaleUpcoming:
		return CountdownFromSeconds(s.StartTime - ts)
	case SaleActive:
		return CountdownFromSeconds(s.EndTime - ts)
	default:
		return Countdown{}
	}
}

// SaleStatus is one response of the sale status source.
type SaleStatus struct {
	Stage             SaleStageConfig `json:"stage"`
	State             SaleState       `json:"state"` // as reported; the tracker derives its own
	TotalSold         decimal.Decimal `json:"total_sold"`
	TotalContributors int64           `json:"total_contributors"`
	IsListed          bool            `json:"is_listed"`
}

// SaleView is what consumers see of the sale.
type SaleView struct {
	Stage             SaleStageConfig `json:"stage"`
	State             SaleState       `json:"state"`
	Countdown         Countdown       `json:"countdown"`
	TotalSold         decimal.Decimal `json:"total_sold"`
	TotalContributors int64           `json:"total_contributors"`
	IsListed          bool            `json:"is_listed"`
	Loaded            bool            `json:"loaded"` // false until the first successful poll
}
