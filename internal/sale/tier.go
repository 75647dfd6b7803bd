package sale

import (
	"presale-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// TierFor returns the tier with the highest MinUSD not above usd.
// tiers must be ordered by ascending MinUSD; the scan runs from the top and
// the first match wins. It returns nil when usd is below every tier.
func TierFor(tiers []models.ContributionTier, usd decimal.Decimal) *models.ContributionTier {
	for i := len(tiers) - 1; i >= 0; i-- {
		if tiers[i].MinUSD.LessThanOrEqual(usd) {
			t := tiers[i]
			return &t
		}
	}
	return nil
}

// BonusPercent is the bonus of the tier resolved for usd, or zero.
func BonusPercent(tiers []models.ContributionTier, usd decimal.Decimal) decimal.Decimal {
	if t := TierFor(tiers, usd); t != nil {
		return t.BonusPercent
	}
	return decimal.Zero
}

// ApplyBonus multiplies amount by (1 + bonus/100) of tier.
func ApplyBonus(tier *models.ContributionTier, amount decimal.Decimal) decimal.Decimal {
	if tier == nil || tier.BonusPercent.IsZero() {
		return amount
	}
	factor := decimal.NewFromInt(1).Add(tier.BonusPercent.Div(decimal.NewFromInt(100)))
	return amount.Mul(factor)
}
